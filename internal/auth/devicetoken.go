package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"clawgate/internal/store"
)

// Device-token failure reasons.
const (
	ReasonTokenUnknown      = "device-token-unknown"
	ReasonTokenRevoked      = "device-token-revoked"
	ReasonTokenMismatch     = "device-token-device-mismatch"
	ReasonTokenRoleMismatch = "device-token-role-mismatch"
)

// DefaultRotateAfter is how old a token may get before a successful
// handshake rotates its value.
const DefaultRotateAfter = 24 * time.Hour

// DeviceTokens issues, rotates, and verifies bearer tokens bound to a
// (device, role) pair.
type DeviceTokens struct {
	store       store.TokenStore
	limiter     *RateLimiter
	rotateAfter time.Duration
	now         func() time.Time
}

// NewDeviceTokens builds the token service over a TokenStore.
func NewDeviceTokens(ts store.TokenStore, limiter *RateLimiter) *DeviceTokens {
	return &DeviceTokens{
		store:       ts,
		limiter:     limiter,
		rotateAfter: DefaultRotateAfter,
		now:         time.Now,
	}
}

// Verify checks a presented bearer token for a specific (device, role)
// pair, the identity the token was minted for. Failures count against the
// (address, device-token) limiter scope, independent of the shared-secret
// scope.
func (d *DeviceTokens) Verify(clientIP, token, deviceID, role string) (*store.DeviceToken, Result) {
	if dec := d.limiter.Check(clientIP, ScopeDeviceToken); !dec.Allowed {
		return nil, Result{Reason: ReasonRateLimited, RateLimited: true, RetryAfterMs: dec.RetryAfterMs}
	}

	tok, err := d.store.GetToken(token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.limiter.Fail(clientIP, ScopeDeviceToken)
			return nil, Result{Reason: ReasonTokenUnknown}
		}
		return nil, Result{Reason: ReasonTokenUnknown}
	}
	if tok.Revoked {
		d.limiter.Fail(clientIP, ScopeDeviceToken)
		return nil, Result{Reason: ReasonTokenRevoked}
	}
	if tok.DeviceID != deviceID {
		d.limiter.Fail(clientIP, ScopeDeviceToken)
		return nil, Result{Reason: ReasonTokenMismatch}
	}
	if tok.Role != role {
		d.limiter.Fail(clientIP, ScopeDeviceToken)
		return nil, Result{Reason: ReasonTokenRoleMismatch}
	}

	d.limiter.Reset(clientIP, ScopeDeviceToken)
	return tok, Result{OK: true, Method: MethodDeviceToken}
}

// Ensure returns the current token for (deviceID, role), minting one if
// none exists and rotating the value when the current one has aged past the
// rotation window. Rotation replaces the token value but preserves the
// record's identity.
func (d *DeviceTokens) Ensure(deviceID, role string, scopes []string) (*store.DeviceToken, error) {
	nowMs := d.now().UnixMilli()
	tok, err := d.store.GetDeviceToken(deviceID, role)
	switch {
	case err == nil && !tok.Revoked:
		lastIssued := tok.CreatedAtMs
		if tok.RotatedAtMs > lastIssued {
			lastIssued = tok.RotatedAtMs
		}
		if d.now().Sub(time.UnixMilli(lastIssued)) < d.rotateAfter {
			// Keep scopes current without disturbing the value.
			tok.Scopes = scopes
			if err := d.store.SaveToken(tok); err != nil {
				return nil, err
			}
			return tok, nil
		}
		value, err := newTokenValue()
		if err != nil {
			return nil, err
		}
		rotated := &store.DeviceToken{
			Token:       value,
			DeviceID:    deviceID,
			Role:        role,
			Scopes:      scopes,
			CreatedAtMs: tok.CreatedAtMs,
			RotatedAtMs: nowMs,
		}
		if err := d.store.SaveToken(rotated); err != nil {
			return nil, err
		}
		return rotated, nil

	case err == nil && tok.Revoked, errors.Is(err, store.ErrNotFound):
		value, err := newTokenValue()
		if err != nil {
			return nil, err
		}
		minted := &store.DeviceToken{
			Token:       value,
			DeviceID:    deviceID,
			Role:        role,
			Scopes:      scopes,
			CreatedAtMs: nowMs,
		}
		if err := d.store.SaveToken(minted); err != nil {
			return nil, err
		}
		return minted, nil

	default:
		return nil, err
	}
}

func newTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "dt_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
