package store

import "time"

// Pairing request lifecycle states. Approve and reject are terminal; a
// resolved request is never mutated again.
const (
	PairingPending  = "pending"
	PairingApproved = "approved"
	PairingRejected = "rejected"
)

// Reasons a pairing request is raised.
const (
	PairingReasonNewDevice    = "new-device"
	PairingReasonKeyMismatch  = "key-mismatch"
	PairingReasonRoleUpgrade  = "role-upgrade"
	PairingReasonScopeUpgrade = "scope-upgrade"
)

// PairingRequest is a pending (or resolved) request to bind a device
// identity to a role and scope set.
type PairingRequest struct {
	RequestID   string    `json:"request_id"`
	DeviceID    string    `json:"device_id"`
	PublicKey   string    `json:"public_key"`
	Role        string    `json:"role"`
	Scopes      []string  `json:"scopes,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	RemoteIP    string    `json:"remote_ip,omitempty"`
	Silent      bool      `json:"silent,omitempty"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// PairedDevice is the persistent record of an approved device. A connection
// counts as paired only when the presented public key exactly matches
// PublicKey. Roles and Scopes only ever grow (monotonic pairing state);
// the metadata fields are refreshed on every successful connection.
type PairedDevice struct {
	DeviceID        string    `json:"device_id"`
	PublicKey       string    `json:"public_key"`
	Roles           []string  `json:"roles"`
	Scopes          []string  `json:"scopes,omitempty"`
	DisplayName     string    `json:"display_name,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	ClientID        string    `json:"client_id,omitempty"`
	ClientMode      string    `json:"client_mode,omitempty"`
	RemoteIP        string    `json:"remote_ip,omitempty"`
	PairedAt        time.Time `json:"paired_at"`
	LastConnectedAt time.Time `json:"last_connected_at"`
}

// HasRole reports whether the device has been granted a role.
func (d *PairedDevice) HasRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MissingScopes returns the requested scopes the device has not been
// granted yet.
func (d *PairedDevice) MissingScopes(requested []string) []string {
	granted := make(map[string]struct{}, len(d.Scopes))
	for _, s := range d.Scopes {
		granted[s] = struct{}{}
	}
	var missing []string
	for _, s := range requested {
		if _, ok := granted[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// DeviceToken is a short-lived bearer token bound to a (device, role) pair.
// Rotation replaces Token but preserves identity; revocation is permanent.
type DeviceToken struct {
	Token       string   `json:"token"`
	DeviceID    string   `json:"device_id"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes,omitempty"`
	CreatedAtMs int64    `json:"created_at_ms"`
	RotatedAtMs int64    `json:"rotated_at_ms,omitempty"`
	Revoked     bool     `json:"revoked,omitempty"`
}
