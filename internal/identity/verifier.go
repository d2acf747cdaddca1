// Package identity proves that a caller controls the private key behind a
// claimed device id, for a specific replay-resistant payload.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"clawgate/internal/protocol"
)

// Rejection reason codes.
const (
	ReasonIDMismatch     = "device-id-mismatch"
	ReasonSignatureStale = "device-signature-stale"
	ReasonNonceMissing   = "device-nonce-missing"
	ReasonNonceMismatch  = "device-nonce-mismatch"
	ReasonSignature      = "device-signature"
	ReasonPublicKey      = "device-public-key"
)

// MaxSignatureSkew is how far a signature's signedAt timestamp may drift
// from server time in either direction.
const MaxSignatureSkew = 10 * time.Minute

// Rejection is a terminal device-identity failure.
type Rejection struct {
	Reason  string
	Message string
}

func (r *Rejection) Error() string { return r.Reason + ": " + r.Message }

func reject(reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Context is the connection-scoped input to a verification: the fields the
// client's signature must cover beyond the device block itself.
type Context struct {
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	// Token is the literal shared-secret token supplied alongside the
	// device block, if any. Including it in the canonical payload binds
	// the device proof to that specific credential attempt.
	Token string
	// Nonce is the server-issued per-connection challenge.
	Nonce string
	// TrustedLocal marks loopback or trusted-proxy callers. Only they may
	// use the legacy nonce-free payload, and only when no nonce was echoed.
	TrustedLocal bool
	// AllowLegacy gates the v1 nonce-free path deployment-wide.
	AllowLegacy bool
}

// Verifier checks device identity proofs. The zero value is not usable;
// construct with NewVerifier.
type Verifier struct {
	skew time.Duration
	now  func() time.Time
}

// NewVerifier returns a Verifier with the standard skew window.
func NewVerifier() *Verifier {
	return &Verifier{skew: MaxSignatureSkew, now: time.Now}
}

// DeviceIDFromPublicKey derives the device id from a base64url raw Ed25519
// public key. Identity is a pure function of the key: it cannot be claimed
// without controlling the matching private key.
func DeviceIDFromPublicKey(publicKey string) (string, error) {
	raw, err := decodeKey(publicKey)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks a device block against the connection context. On success it
// returns the normalized (base64url, unpadded) public key used as the
// pairing-store key.
func (v *Verifier) Verify(dev *protocol.DeviceInfo, vctx Context) (string, *Rejection) {
	rawKey, err := decodeKey(dev.PublicKey)
	if err != nil {
		return "", reject(ReasonPublicKey, "invalid public key: %v", err)
	}
	if len(rawKey) != ed25519.PublicKeySize {
		return "", reject(ReasonPublicKey, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(rawKey))
	}

	sum := sha256.Sum256(rawKey)
	derived := hex.EncodeToString(sum[:])
	if derived != dev.ID {
		return "", reject(ReasonIDMismatch, "device id does not match public key")
	}

	signedAt := time.UnixMilli(dev.SignedAt)
	if d := v.now().Sub(signedAt); d > v.skew || d < -v.skew {
		return "", reject(ReasonSignatureStale, "signature timestamp outside ±%s window", v.skew)
	}

	version := "v2"
	switch {
	case dev.Nonce != "":
		if dev.Nonce != vctx.Nonce {
			return "", reject(ReasonNonceMismatch, "signature does not cover this connection's challenge")
		}
	case vctx.TrustedLocal && vctx.AllowLegacy:
		// Legacy nonce-free path, tolerated only for trusted local callers.
		version = "v1"
	default:
		return "", reject(ReasonNonceMissing, "challenge nonce is required")
	}

	sig, err := decodeKey(dev.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", reject(ReasonSignature, "invalid signature encoding")
	}

	payload := CanonicalPayload(version, dev.ID, vctx.ClientID, vctx.ClientMode, vctx.Role, vctx.Scopes, dev.SignedAt, vctx.Token, dev.Nonce)
	if !ed25519.Verify(ed25519.PublicKey(rawKey), []byte(payload), sig) {
		return "", reject(ReasonSignature, "signature verification failed")
	}

	return base64.RawURLEncoding.EncodeToString(rawKey), nil
}

// LegacyUsed reports whether a given device block would take the v1 path.
// Used by callers that audit-log the exception.
func LegacyUsed(dev *protocol.DeviceInfo, vctx Context) bool {
	return dev.Nonce == "" && vctx.TrustedLocal && vctx.AllowLegacy
}

// CanonicalPayload composes the exact byte string a device signs. Field
// order and separators are part of the wire contract; v1 omits the trailing
// nonce field.
func CanonicalPayload(version, deviceID, clientID, clientMode, role string, scopes []string, signedAtMs int64, token, nonce string) string {
	fields := []string{
		version,
		deviceID,
		clientID,
		clientMode,
		role,
		strings.Join(scopes, ","),
		fmt.Sprintf("%d", signedAtMs),
		token,
	}
	if version != "v1" {
		fields = append(fields, nonce)
	}
	return strings.Join(fields, "|")
}

// decodeKey accepts base64url with or without padding, and standard base64
// as a fallback for older clients.
func decodeKey(s string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
