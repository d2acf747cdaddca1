package protocol

import (
	"encoding/json"
	"fmt"
)

// HandshakeError is a terminal handshake rejection. Code and Message travel
// on the wire; Cause is the internal machine-readable close cause kept for
// observability and is deliberately more specific than Message.
type HandshakeError struct {
	Code         string
	CloseCode    int
	Cause        string
	Message      string
	Details      interface{}
	Retryable    bool
	RetryAfterMs int64
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Code, e.Cause)
}

// Shape converts the error to its wire representation.
func (e *HandshakeError) Shape() *ErrorShape {
	return &ErrorShape{
		Code:         e.Code,
		Message:      e.Message,
		Details:      e.Details,
		Retryable:    e.Retryable,
		RetryAfterMs: e.RetryAfterMs,
	}
}

func invalidRequest(cause, message string) *HandshakeError {
	return &HandshakeError{
		Code:      ErrorCodeInvalidRequest,
		CloseCode: ClosePolicyViolation,
		Cause:     cause,
		Message:   message,
	}
}

// ParseConnectRequest validates the raw first frame of a connection: it must
// be a well-formed request frame whose method is "connect", with parameters
// that pass schema validation.
func ParseConnectRequest(data []byte) (*RequestFrame, *ConnectParams, *HandshakeError) {
	var frame RequestFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, nil, invalidRequest("frame-parse: "+err.Error(), "malformed frame")
	}
	if frame.Type != FrameTypeRequest {
		return nil, nil, invalidRequest("frame-type: "+frame.Type, "first frame must be a connect request")
	}
	if frame.ID == "" {
		return nil, nil, invalidRequest("frame-id-missing", "request id is required")
	}
	if frame.Method != MethodConnect {
		return &frame, nil, invalidRequest("frame-method: "+frame.Method, "first frame must be a connect request")
	}
	params, herr := DecodeConnectParams(frame.Params)
	if herr != nil {
		return &frame, nil, herr
	}
	return &frame, params, nil
}

// DecodeConnectParams decodes and schema-checks connect parameters.
func DecodeConnectParams(raw json.RawMessage) (*ConnectParams, *HandshakeError) {
	if len(raw) == 0 {
		return nil, invalidRequest("params-missing", "connect params are required")
	}
	var params ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidRequest("params-parse: "+err.Error(), "malformed connect params")
	}
	if params.Client.ID == "" {
		return nil, invalidRequest("client-id-missing", "client.id is required")
	}
	if params.Client.Mode == "" {
		return nil, invalidRequest("client-mode-missing", "client.mode is required")
	}
	if params.MinProtocol < 0 || params.MaxProtocol < params.MinProtocol {
		return nil, invalidRequest(
			fmt.Sprintf("protocol-range-invalid: [%d,%d]", params.MinProtocol, params.MaxProtocol),
			"invalid protocol range")
	}
	if dev := params.Device; dev != nil {
		if dev.ID == "" || dev.PublicKey == "" || dev.Signature == "" {
			return nil, invalidRequest("device-block-incomplete", "device identity requires id, publicKey and signature")
		}
	}
	return &params, nil
}

// CheckProtocolRange rejects clients whose advertised protocol range does
// not include the server's version. This runs before any credential is
// examined: an incompatible build is not an auth failure.
func CheckProtocolRange(params *ConnectParams) *HandshakeError {
	if ServerProtocol < params.MinProtocol || ServerProtocol > params.MaxProtocol {
		return &HandshakeError{
			Code:      ErrorCodeProtocolMismatch,
			CloseCode: CloseProtocolMismatch,
			Cause:     fmt.Sprintf("protocol-mismatch: server %d not in [%d,%d]", ServerProtocol, params.MinProtocol, params.MaxProtocol),
			Message:   fmt.Sprintf("server speaks protocol %d, client supports [%d,%d]", ServerProtocol, params.MinProtocol, params.MaxProtocol),
		}
	}
	return nil
}

// ResolveRole normalizes the declared role. Empty defaults to operator; any
// value other than operator or node is rejected.
func ResolveRole(declared string) (string, *HandshakeError) {
	switch declared {
	case "":
		return RoleOperator, nil
	case RoleOperator, RoleNode:
		return declared, nil
	default:
		return "", invalidRequest("role-invalid: "+declared, fmt.Sprintf("unknown role %q", declared))
	}
}

// BrowserMode reports whether a client mode runs in a browser context and
// must therefore pass the origin allowlist check.
func BrowserMode(mode string) bool {
	return mode == ClientModeUI || mode == ClientModeWebChat
}
