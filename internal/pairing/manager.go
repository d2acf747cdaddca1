// Package pairing decides whether a verified device identity is entitled to
// the role and scopes it requests, escalating to a human-approved pairing
// flow when it is not.
package pairing

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"clawgate/internal/store"
)

// Publisher is the outbound event interface used to announce pairing
// requests and resolutions to already-connected operator clients. The
// manager has no knowledge of the transport behind it.
type Publisher interface {
	Publish(event string, payload any)
}

// TokenRevoker invalidates any tokens minted for a device. Used when a
// device is re-paired under a different key.
type TokenRevoker interface {
	RevokeDeviceTokens(deviceID string) error
}

// Event names published by the manager.
const (
	EventRequest  = "pairing.request"
	EventResolved = "pairing.resolved"
)

// Candidate is a verified device identity asking for a role/scope grant.
type Candidate struct {
	DeviceID    string
	PublicKey   string
	Role        string
	Scopes      []string
	DisplayName string
	Platform    string
	ClientID    string
	ClientMode  string
	RemoteIP    string
	// Local marks loopback callers, eligible for silent auto-approval on
	// first contact.
	Local bool
}

// Outcome reports what Ensure decided.
type Outcome struct {
	// Paired is true when the device holds the requested role and scopes.
	Paired bool
	// Silent is true when pairing was auto-approved for a local caller.
	Silent bool
	// Request is the pending request when Paired is false.
	Request *store.PairingRequest
}

// Manager drives the pairing workflow over a PairingStore.
type Manager struct {
	store  store.PairingStore
	tokens TokenRevoker
	events Publisher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager builds a pairing manager. events and tokens may be nil.
func NewManager(ps store.PairingStore, tokens TokenRevoker, events Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		store:  ps,
		tokens: tokens,
		events: events,
		logger: logger.With("component", "pairing"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Ensure checks whether the candidate is paired with sufficient grants. On
// every successful pass the stored metadata is refreshed: pairing state is
// live, not a one-time snapshot.
func (m *Manager) Ensure(c Candidate) (Outcome, error) {
	dev, err := m.store.GetDevice(c.DeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return m.raise(c, store.PairingReasonNewDevice)
	case err != nil:
		return Outcome{}, err
	}

	if dev.PublicKey != c.PublicKey {
		// A different key claiming a known id is treated as a brand new
		// pairing, never a silent rebind.
		c.Local = false
		return m.raise(c, store.PairingReasonKeyMismatch)
	}
	if !dev.HasRole(c.Role) {
		return m.raise(c, store.PairingReasonRoleUpgrade)
	}
	if missing := dev.MissingScopes(c.Scopes); len(missing) > 0 {
		return m.raise(c, store.PairingReasonScopeUpgrade)
	}

	err = m.store.UpdateDevice(c.DeviceID, func(dev *store.PairedDevice) error {
		refreshMeta(dev, c, m.now())
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Paired: true}, nil
}

// raise creates (or reuses) a pairing request for the candidate. Silent
// auto-approval applies only to local callers on first contact.
func (m *Manager) raise(c Candidate, reason string) (Outcome, error) {
	silent := c.Local && reason == store.PairingReasonNewDevice

	req, err := m.findPending(c)
	if err != nil {
		return Outcome{}, err
	}
	if req == nil {
		req = &store.PairingRequest{
			RequestID:   m.newID(),
			DeviceID:    c.DeviceID,
			PublicKey:   c.PublicKey,
			Role:        c.Role,
			Scopes:      c.Scopes,
			DisplayName: c.DisplayName,
			Platform:    c.Platform,
			RemoteIP:    c.RemoteIP,
			Silent:      silent,
			Reason:      reason,
			Status:      store.PairingPending,
			CreatedAt:   m.now(),
		}
		if err := m.store.SavePairingRequest(req); err != nil {
			return Outcome{}, err
		}
	}

	if silent {
		if _, err := m.Approve(req.RequestID); err != nil {
			return Outcome{}, fmt.Errorf("silent approval: %w", err)
		}
		m.logger.Info("device auto-paired (local)", "device", c.DeviceID, "role", c.Role)
		return Outcome{Paired: true, Silent: true}, nil
	}

	m.logger.Info("pairing approval required",
		"device", c.DeviceID, "role", c.Role, "reason", reason, "request", req.RequestID)
	m.publish(EventRequest, req)
	return Outcome{Request: req}, nil
}

// findPending returns an unresolved request matching the candidate, so a
// retrying client does not pile up duplicates.
func (m *Manager) findPending(c Candidate) (*store.PairingRequest, error) {
	reqs, err := m.store.ListPairingRequests()
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		if req.Status == store.PairingPending &&
			req.DeviceID == c.DeviceID &&
			req.PublicKey == c.PublicKey &&
			req.Role == c.Role &&
			sameScopes(req.Scopes, c.Scopes) {
			return req, nil
		}
	}
	return nil, nil
}

// Approve resolves a pending request and folds its grants into the device
// record. Approval only ever adds roles and scopes.
func (m *Manager) Approve(requestID string) (*store.PairingRequest, error) {
	req, err := m.store.ResolvePairingRequest(requestID, true, m.now())
	if err != nil {
		return nil, err
	}

	dev, err := m.store.GetDevice(req.DeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		dev = &store.PairedDevice{
			DeviceID:  req.DeviceID,
			PublicKey: req.PublicKey,
			Roles:     []string{req.Role},
			Scopes:    req.Scopes,
			PairedAt:  m.now(),
		}
		dev.DisplayName = req.DisplayName
		dev.Platform = req.Platform
		dev.RemoteIP = req.RemoteIP
		if err := m.store.SaveDevice(dev); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		rekeyed := dev.PublicKey != req.PublicKey
		err = m.store.UpdateDevice(req.DeviceID, func(dev *store.PairedDevice) error {
			dev.PublicKey = req.PublicKey
			dev.Roles = addUnique(dev.Roles, req.Role)
			dev.Scopes = addAllUnique(dev.Scopes, req.Scopes)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if rekeyed && m.tokens != nil {
			// Old-key tokens must not survive a re-pair.
			if err := m.tokens.RevokeDeviceTokens(req.DeviceID); err != nil {
				m.logger.Error("revoke tokens after re-pair", "device", req.DeviceID, "err", err)
			}
		}
	}

	m.publish(EventResolved, map[string]any{
		"requestId": req.RequestID,
		"deviceId":  req.DeviceID,
		"approved":  true,
		"silent":    req.Silent,
	})
	return req, nil
}

// Reject resolves a pending request as denied.
func (m *Manager) Reject(requestID string) (*store.PairingRequest, error) {
	req, err := m.store.ResolvePairingRequest(requestID, false, m.now())
	if err != nil {
		return nil, err
	}
	m.publish(EventResolved, map[string]any{
		"requestId": req.RequestID,
		"deviceId":  req.DeviceID,
		"approved":  false,
	})
	return req, nil
}

func (m *Manager) publish(event string, payload any) {
	if m.events != nil {
		m.events.Publish(event, payload)
	}
}

func refreshMeta(dev *store.PairedDevice, c Candidate, now time.Time) {
	dev.DisplayName = c.DisplayName
	dev.Platform = c.Platform
	dev.ClientID = c.ClientID
	dev.ClientMode = c.ClientMode
	dev.RemoteIP = c.RemoteIP
	dev.LastConnectedAt = now
}

func addUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

func addAllUnique(list []string, vs []string) []string {
	for _, v := range vs {
		list = addUnique(list, v)
	}
	return list
}

func sameScopes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
