package protocol

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseConnectRequest(t *testing.T) {
	valid := `{"type":"req","id":"1","method":"connect","params":{"minProtocol":1,"maxProtocol":5,"client":{"id":"cli-1","mode":"cli","version":"1.0"}}}`

	frame, params, herr := ParseConnectRequest([]byte(valid))
	if herr != nil {
		t.Fatalf("valid frame rejected: %v", herr)
	}
	if frame.ID != "1" {
		t.Errorf("frame id = %q, want %q", frame.ID, "1")
	}
	if params.Client.ID != "cli-1" {
		t.Errorf("client id = %q, want %q", params.Client.ID, "cli-1")
	}

	tests := []struct {
		name  string
		data  string
		cause string
	}{
		{"not json", `{{{`, "frame-parse"},
		{"wrong frame type", `{"type":"event","id":"1","method":"connect"}`, "frame-type"},
		{"missing id", `{"type":"req","method":"connect"}`, "frame-id-missing"},
		{"wrong method", `{"type":"req","id":"1","method":"ping"}`, "frame-method"},
		{"missing params", `{"type":"req","id":"1","method":"connect"}`, "params-missing"},
		{"missing client id", `{"type":"req","id":"1","method":"connect","params":{"minProtocol":1,"maxProtocol":5,"client":{"mode":"cli"}}}`, "client-id-missing"},
		{"missing client mode", `{"type":"req","id":"1","method":"connect","params":{"minProtocol":1,"maxProtocol":5,"client":{"id":"x"}}}`, "client-mode-missing"},
		{"inverted range", `{"type":"req","id":"1","method":"connect","params":{"minProtocol":5,"maxProtocol":1,"client":{"id":"x","mode":"cli"}}}`, "protocol-range-invalid"},
		{"partial device block", `{"type":"req","id":"1","method":"connect","params":{"minProtocol":1,"maxProtocol":5,"client":{"id":"x","mode":"cli"},"device":{"id":"d1"}}}`, "device-block-incomplete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, herr := ParseConnectRequest([]byte(tt.data))
			if herr == nil {
				t.Fatal("expected rejection")
			}
			if herr.Code != ErrorCodeInvalidRequest {
				t.Errorf("code = %q, want %q", herr.Code, ErrorCodeInvalidRequest)
			}
			if herr.CloseCode != ClosePolicyViolation {
				t.Errorf("close code = %d, want %d", herr.CloseCode, ClosePolicyViolation)
			}
			if !strings.HasPrefix(herr.Cause, tt.cause) {
				t.Errorf("cause = %q, want prefix %q", herr.Cause, tt.cause)
			}
		})
	}
}

func TestCheckProtocolRange(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
		ok       bool
	}{
		{"exact", ServerProtocol, ServerProtocol, true},
		{"inside range", ServerProtocol - 1, ServerProtocol + 2, true},
		{"server at min", ServerProtocol, ServerProtocol + 5, true},
		{"server at max", 0, ServerProtocol, true},
		{"client too old", 0, ServerProtocol - 1, false},
		{"client too new", ServerProtocol + 1, ServerProtocol + 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			herr := CheckProtocolRange(&ConnectParams{MinProtocol: tt.min, MaxProtocol: tt.max})
			if tt.ok && herr != nil {
				t.Fatalf("unexpected rejection: %v", herr)
			}
			if !tt.ok {
				if herr == nil {
					t.Fatal("expected rejection")
				}
				if herr.CloseCode != CloseProtocolMismatch {
					t.Errorf("close code = %d, want %d", herr.CloseCode, CloseProtocolMismatch)
				}
				if herr.Code != ErrorCodeProtocolMismatch {
					t.Errorf("code = %q, want %q", herr.Code, ErrorCodeProtocolMismatch)
				}
			}
		})
	}
}

func TestResolveRole(t *testing.T) {
	if role, herr := ResolveRole(""); herr != nil || role != RoleOperator {
		t.Errorf("empty role = %q, %v; want operator default", role, herr)
	}
	if role, _ := ResolveRole(RoleNode); role != RoleNode {
		t.Errorf("node role = %q, want node", role)
	}
	if _, herr := ResolveRole("admin"); herr == nil {
		t.Error("unknown role accepted")
	}
}

func TestTruncateCloseReason(t *testing.T) {
	short := "policy violation"
	if got := TruncateCloseReason(short); got != short {
		t.Errorf("short reason modified: %q", got)
	}
	long := strings.Repeat("x", 300)
	got := TruncateCloseReason(long)
	if len(got) > 123 {
		t.Errorf("truncated reason is %d bytes, want <= 123", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated reason missing ellipsis: %q", got)
	}

	// Multi-byte text is cut on a rune boundary, never mid-sequence.
	wide := strings.Repeat("日本語テキスト", 30)
	got = TruncateCloseReason(wide)
	if len(got) > 123 {
		t.Errorf("truncated reason is %d bytes, want <= 123", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncated reason is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated reason missing ellipsis: %q", got)
	}
}
