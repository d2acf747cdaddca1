// Package protocol defines the message-framed WebSocket protocol spoken by
// the gateway: request/response/event frames, the connect handshake payloads,
// and the error and close-code vocabulary.
package protocol

import (
	"encoding/json"
	"unicode/utf8"
)

// ServerProtocol is the single protocol version this server speaks. Clients
// advertise an inclusive [minProtocol, maxProtocol] range; the handshake is
// rejected when ServerProtocol falls outside it.
const ServerProtocol = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Method names handled by the connection layer.
const (
	MethodConnect = "connect"
)

// Event names emitted by the gateway.
const (
	EventConnectChallenge = "connect.challenge"
	EventPairingRequest   = "pairing.request"
	EventPairingResolved  = "pairing.resolved"
	EventPresence         = "presence"
	EventNodeUp           = "node.up"
	EventNodeDown         = "node.down"
	EventTick             = "tick"
)

// Error codes.
const (
	ErrorCodeInvalidRequest   = "INVALID_REQUEST"
	ErrorCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrorCodeNotAuthorized    = "NOT_AUTHORIZED"
	ErrorCodeNotPaired        = "NOT_PAIRED"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeUnavailable      = "UNAVAILABLE"
	ErrorCodeInternal         = "INTERNAL"
)

// WebSocket close codes used by the handshake.
const (
	// CloseProtocolMismatch signals an incompatible client build.
	CloseProtocolMismatch = 1002
	// ClosePolicyViolation covers invalid handshakes, failed auth, origin
	// mismatches, pending pairing, and device signature problems.
	ClosePolicyViolation = 1008
)

// RequestFrame is a client request to the server.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame. Exactly one
// response is sent per request.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server-pushed event.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     int64       `json:"seq,omitempty"`
}

// ErrorShape is the wire representation of an error.
type ErrorShape struct {
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Details      interface{} `json:"details,omitempty"`
	Retryable    bool        `json:"retryable,omitempty"`
	RetryAfterMs int64       `json:"retryAfterMs,omitempty"`
}

// OkResponse builds a successful response frame for a request id.
func OkResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// ErrResponse builds a failed response frame for a request id.
func ErrResponse(id string, e *ErrorShape) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: e}
}

// maxCloseReason is the longest close reason a control frame can carry
// (125-byte payload minus the 2-byte status code).
const maxCloseReason = 123

// TruncateCloseReason clamps a close reason string to what the transport
// allows, cutting back to a rune boundary so the result stays valid UTF-8.
func TruncateCloseReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason - 3
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut] + "..."
}
