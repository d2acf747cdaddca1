package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPairingRequestLifecycle(t *testing.T) {
	s := newTestStore(t)

	req := &PairingRequest{
		RequestID: "req-1",
		DeviceID:  "dev-1",
		PublicKey: "pk-1",
		Role:      "operator",
		Scopes:    []string{"ops.read"},
		Reason:    PairingReasonNewDevice,
		Status:    PairingPending,
		CreatedAt: time.Now(),
	}
	if err := s.SavePairingRequest(req); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetPairingRequest("req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeviceID != "dev-1" || got.Status != PairingPending {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetPairingRequest("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing request: err = %v, want ErrNotFound", err)
	}

	now := time.Now()
	resolved, err := s.ResolvePairingRequest("req-1", true, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != PairingApproved {
		t.Errorf("status = %q, want approved", resolved.Status)
	}
	if resolved.ResolvedAt.IsZero() {
		t.Error("ResolvedAt not set")
	}

	// Terminal: a second resolution must fail, even with the opposite verdict.
	if _, err := s.ResolvePairingRequest("req-1", false, now); !errors.Is(err, ErrResolved) {
		t.Errorf("second resolve: err = %v, want ErrResolved", err)
	}
	got, err = s.GetPairingRequest("req-1")
	if err != nil {
		t.Fatalf("get after resolve: %v", err)
	}
	if got.Status != PairingApproved {
		t.Errorf("status flipped to %q after rejected re-resolve", got.Status)
	}
}

func TestResolvePairingRequestRejected(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePairingRequest(&PairingRequest{RequestID: "req-1", Status: PairingPending}); err != nil {
		t.Fatalf("save: %v", err)
	}
	resolved, err := s.ResolvePairingRequest("req-1", false, time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != PairingRejected {
		t.Errorf("status = %q, want rejected", resolved.Status)
	}
	if _, err := s.ResolvePairingRequest("missing", false, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing request: err = %v, want ErrNotFound", err)
	}
}

func TestPrunePairingRequests(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	reqs := []*PairingRequest{
		{RequestID: "stale-pending", Status: PairingPending, CreatedAt: old},
		{RequestID: "fresh-pending", Status: PairingPending, CreatedAt: fresh},
		{RequestID: "stale-approved", Status: PairingApproved, CreatedAt: old},
	}
	for _, r := range reqs {
		if err := s.SavePairingRequest(r); err != nil {
			t.Fatalf("save %s: %v", r.RequestID, err)
		}
	}

	pruned, err := s.PrunePairingRequests(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, err := s.GetPairingRequest("stale-pending"); !errors.Is(err, ErrNotFound) {
		t.Error("stale pending request survived prune")
	}
	// Resolved requests are audit history and are never pruned here.
	if _, err := s.GetPairingRequest("stale-approved"); err != nil {
		t.Errorf("resolved request pruned: %v", err)
	}
	if _, err := s.GetPairingRequest("fresh-pending"); err != nil {
		t.Errorf("fresh request pruned: %v", err)
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	s := newTestStore(t)

	dev := &PairedDevice{
		DeviceID:  "dev-1",
		PublicKey: "pk-1",
		Roles:     []string{"operator"},
		Scopes:    []string{"ops.read"},
		PairedAt:  time.Now(),
	}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetDevice("dev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PublicKey != "pk-1" || !got.HasRole("operator") {
		t.Errorf("got %+v", got)
	}

	err = s.UpdateDevice("dev-1", func(d *PairedDevice) error {
		d.Roles = append(d.Roles, "node")
		d.LastConnectedAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetDevice("dev-1")
	if !got.HasRole("node") || got.LastConnectedAt.IsZero() {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := s.UpdateDevice("missing", func(*PairedDevice) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}

	devices, err := s.ListDevices()
	if err != nil || len(devices) != 1 {
		t.Fatalf("list = %v, %v", devices, err)
	}

	if err := s.DeleteDevice("dev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetDevice("dev-1"); !errors.Is(err, ErrNotFound) {
		t.Error("device survives delete")
	}
}

func TestUpdateDeviceCallbackError(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&PairedDevice{DeviceID: "dev-1", PublicKey: "pk-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	boom := errors.New("boom")
	if err := s.UpdateDevice("dev-1", func(d *PairedDevice) error {
		d.PublicKey = "pk-2"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want callback error", err)
	}
	got, _ := s.GetDevice("dev-1")
	if got.PublicKey != "pk-1" {
		t.Error("failed update was persisted")
	}
}

func TestMissingScopes(t *testing.T) {
	dev := &PairedDevice{DeviceID: "d", Scopes: []string{"a", "b"}}
	missing := dev.MissingScopes([]string{"a", "c"})
	if len(missing) != 1 || missing[0] != "c" {
		t.Errorf("missing = %v, want [c]", missing)
	}
	if m := dev.MissingScopes([]string{"a", "b"}); m != nil {
		t.Errorf("missing = %v, want nil", m)
	}
}

func TestTokenIndexSupersede(t *testing.T) {
	s := newTestStore(t)

	first := &DeviceToken{Token: "tok-1", DeviceID: "dev-1", Role: "operator", CreatedAtMs: 100}
	if err := s.SaveToken(first); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetDeviceToken("dev-1", "operator")
	if err != nil || got.Token != "tok-1" {
		t.Fatalf("index lookup = %v, %v", got, err)
	}

	// A new value for the same (device, role) replaces the old record.
	second := &DeviceToken{Token: "tok-2", DeviceID: "dev-1", Role: "operator", CreatedAtMs: 100, RotatedAtMs: 200}
	if err := s.SaveToken(second); err != nil {
		t.Fatalf("save rotated: %v", err)
	}
	got, err = s.GetDeviceToken("dev-1", "operator")
	if err != nil || got.Token != "tok-2" {
		t.Fatalf("index lookup after rotation = %v, %v", got, err)
	}
	if _, err := s.GetToken("tok-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("superseded token still resolvable: %v", err)
	}

	// Tokens for a different role coexist.
	if err := s.SaveToken(&DeviceToken{Token: "tok-n", DeviceID: "dev-1", Role: "node"}); err != nil {
		t.Fatalf("save node token: %v", err)
	}
	if got, err := s.GetToken("tok-2"); err != nil || got.Role != "operator" {
		t.Errorf("operator token lost: %v, %v", got, err)
	}
}

func TestRevokeTokens(t *testing.T) {
	s := newTestStore(t)
	for _, tok := range []*DeviceToken{
		{Token: "tok-op", DeviceID: "dev-1", Role: "operator"},
		{Token: "tok-node", DeviceID: "dev-1", Role: "node"},
		{Token: "tok-other", DeviceID: "dev-2", Role: "operator"},
	} {
		if err := s.SaveToken(tok); err != nil {
			t.Fatalf("save %s: %v", tok.Token, err)
		}
	}

	if err := s.RevokeToken("tok-op"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err := s.GetToken("tok-op")
	if err != nil {
		t.Fatalf("revoked token must stay resolvable: %v", err)
	}
	if !got.Revoked {
		t.Error("token not marked revoked")
	}

	if err := s.RevokeDeviceTokens("dev-1"); err != nil {
		t.Fatalf("revoke device: %v", err)
	}
	for _, token := range []string{"tok-op", "tok-node"} {
		got, err := s.GetToken(token)
		if err != nil || !got.Revoked {
			t.Errorf("%s: revoked=%v err=%v", token, got != nil && got.Revoked, err)
		}
	}
	got, _ = s.GetToken("tok-other")
	if got.Revoked {
		t.Error("unrelated device's token revoked")
	}

	if err := s.RevokeToken("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoke missing: err = %v, want ErrNotFound", err)
	}
}
