package auth

import (
	"path/filepath"
	"testing"
	"time"

	"clawgate/internal/store"
)

func newTestTokens(t *testing.T) (*DeviceTokens, *store.BoltStore, *time.Time) {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	current := time.Unix(1700000000, 0)
	d := NewDeviceTokens(s, NewRateLimiter())
	d.now = func() time.Time { return current }
	return d, s, &current
}

func TestEnsureMintsAndKeeps(t *testing.T) {
	d, _, _ := newTestTokens(t)

	tok, err := d.Ensure("dev-1", "operator", []string{"ops.read"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if tok.Token == "" || tok.DeviceID != "dev-1" || tok.Role != "operator" {
		t.Fatalf("minted token %+v", tok)
	}
	if tok.CreatedAtMs == 0 {
		t.Error("CreatedAtMs not set")
	}

	// A fresh token keeps its value across handshakes; scopes refresh.
	again, err := d.Ensure("dev-1", "operator", []string{"ops.read", "ops.write"})
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if again.Token != tok.Token {
		t.Error("fresh token rotated")
	}
	if len(again.Scopes) != 2 {
		t.Errorf("scopes = %v", again.Scopes)
	}
}

func TestEnsureRotatesAgedToken(t *testing.T) {
	d, s, clock := newTestTokens(t)

	tok, err := d.Ensure("dev-1", "operator", nil)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	*clock = clock.Add(DefaultRotateAfter + time.Minute)
	rotated, err := d.Ensure("dev-1", "operator", nil)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Token == tok.Token {
		t.Fatal("aged token not rotated")
	}
	if rotated.CreatedAtMs != tok.CreatedAtMs {
		t.Error("rotation changed CreatedAtMs")
	}
	if rotated.RotatedAtMs == 0 {
		t.Error("RotatedAtMs not set")
	}

	// The old value is gone from the store.
	if _, err := s.GetToken(tok.Token); err == nil {
		t.Error("superseded token value still valid")
	}

	// Rotation age is measured from the last issuance, not creation.
	*clock = clock.Add(time.Hour)
	kept, err := d.Ensure("dev-1", "operator", nil)
	if err != nil {
		t.Fatalf("ensure after rotation: %v", err)
	}
	if kept.Token != rotated.Token {
		t.Error("recently rotated token rotated again")
	}
}

func TestEnsureRemintsAfterRevocation(t *testing.T) {
	d, s, _ := newTestTokens(t)

	tok, err := d.Ensure("dev-1", "operator", nil)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := s.RevokeDeviceTokens("dev-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	minted, err := d.Ensure("dev-1", "operator", nil)
	if err != nil {
		t.Fatalf("re-mint: %v", err)
	}
	if minted.Token == tok.Token {
		t.Error("revoked token value reused")
	}
	if minted.Revoked {
		t.Error("new token marked revoked")
	}
}

func TestVerifyToken(t *testing.T) {
	d, s, _ := newTestTokens(t)
	addr := "203.0.113.9"

	tok, err := d.Ensure("dev-1", "operator", []string{"ops.read"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	got, res := d.Verify(addr, tok.Token, "dev-1", "operator")
	if !res.OK || res.Method != MethodDeviceToken {
		t.Fatalf("verify: %+v", res)
	}
	if got.DeviceID != "dev-1" {
		t.Errorf("token device = %q", got.DeviceID)
	}

	if _, res := d.Verify(addr, "dt_bogus", "dev-1", "operator"); res.OK || res.Reason != ReasonTokenUnknown {
		t.Errorf("unknown token: %+v", res)
	}

	// Presenting another device's token fails even though the value exists.
	if _, res := d.Verify(addr, tok.Token, "dev-2", "operator"); res.OK || res.Reason != ReasonTokenMismatch {
		t.Errorf("cross-device token: %+v", res)
	}

	// A token is bound to the role it was minted for.
	if _, res := d.Verify(addr, tok.Token, "dev-1", "admin"); res.OK || res.Reason != ReasonTokenRoleMismatch {
		t.Errorf("role mismatch: %+v", res)
	}

	if err := s.RevokeToken(tok.Token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, res := d.Verify(addr, tok.Token, "dev-1", "operator"); res.OK || res.Reason != ReasonTokenRevoked {
		t.Errorf("revoked token: %+v", res)
	}
}

func TestVerifyTokenRateLimits(t *testing.T) {
	d, _, _ := newTestTokens(t)
	limiter, _ := newTestLimiter()
	d.limiter = limiter
	addr := "203.0.113.9"

	tok, err := d.Ensure("dev-1", "operator", nil)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	for i := 0; i < DefaultFailureThreshold; i++ {
		if _, res := d.Verify(addr, "dt_wrong", "dev-1", "operator"); res.RateLimited {
			t.Fatalf("attempt %d already limited", i)
		}
	}
	if _, res := d.Verify(addr, tok.Token, "dev-1", "operator"); !res.RateLimited {
		t.Fatalf("expected rate-limited result, got %+v", res)
	}
}
