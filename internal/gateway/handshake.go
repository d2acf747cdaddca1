package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"clawgate/internal/auth"
	"clawgate/internal/identity"
	"clawgate/internal/pairing"
	"clawgate/internal/protocol"
)

// handshake carries the intermediate state of one connect attempt through
// the validation chain. Steps run strictly in order; each step's output can
// short-circuit the rest.
type handshake struct {
	params     *protocol.ConnectParams
	clientIP   string
	viaProxy   bool
	isLoopback bool
	nonce      string

	role       string
	scopes     []string
	device     *protocol.DeviceInfo
	publicKey  string // normalized by the verifier; the pairing-store key
	authResult protocol.AuthResult
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Origin policy is mode-dependent and enforced inside the handshake
	// chain, after the connect frame names the client mode.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(int64(s.cfg.MaxPayload))
	s.runConnection(r, conn)
}

// runConnection drives a fresh socket to connected or failed. No
// application frame is processed before the handshake resolves, and one
// slow handshake never stalls other connections.
func (s *Server) runConnection(r *http.Request, conn *websocket.Conn) {
	clientIP, viaProxy := auth.ResolveClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), s.proxies)

	nonce, err := identity.NewNonce()
	if err != nil {
		s.logger.Error("challenge nonce", "err", err)
		conn.Close(websocket.StatusInternalError, "server error")
		return
	}

	hctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	// Every connection attempt gets its own challenge before its first
	// frame is read. A v2 signature must cover exactly this nonce.
	challenge := &protocol.EventFrame{
		Type:    protocol.FrameTypeEvent,
		Event:   protocol.EventConnectChallenge,
		Payload: protocol.ConnectChallenge{Nonce: nonce},
	}
	if err := writeFrame(hctx, conn, challenge); err != nil {
		conn.Close(websocket.StatusGoingAway, "write failed")
		return
	}

	_, data, err := conn.Read(hctx)
	if err != nil {
		// Idle socket that never sent its connect frame.
		s.logger.Debug("handshake read", "ip", clientIP, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "connect frame not received")
		return
	}

	frame, params, herr := protocol.ParseConnectRequest(data)
	reqID := ""
	if frame != nil {
		reqID = frame.ID
	}
	if herr != nil {
		s.reject(hctx, conn, reqID, clientIP, herr)
		return
	}

	h := &handshake{
		params:     params,
		clientIP:   clientIP,
		viaProxy:   viaProxy,
		isLoopback: auth.IsLoopback(clientIP),
		nonce:      nonce,
	}
	if herr := s.establish(r, h); herr != nil {
		s.reject(hctx, conn, reqID, clientIP, herr)
		return
	}
	s.finalize(hctx, r, conn, reqID, h)
}

// establish runs the ordered validation chain on a parsed connect frame:
// protocol → role → origin → device gating → authentication → device
// identity → pairing.
func (s *Server) establish(r *http.Request, h *handshake) *protocol.HandshakeError {
	// Protocol negotiation fails fast and cheaply: an incompatible client
	// build is not an attacker.
	if herr := protocol.CheckProtocolRange(h.params); herr != nil {
		return herr
	}

	role, herr := protocol.ResolveRole(h.params.Role)
	if herr != nil {
		return herr
	}
	h.role = role
	h.scopes = h.params.Scopes

	// Browser clients must pass the origin allowlist before any credential
	// is evaluated. An absent Origin header means the caller is not a
	// browser (browsers always attach one to a WebSocket upgrade); a
	// non-browser client declaring a browser mode still faces the full
	// credential and pairing checks below.
	if protocol.BrowserMode(h.params.Client.Mode) {
		if origin := r.Header.Get("Origin"); origin != "" && !s.isOriginAllowed(origin, r.Host) {
			return &protocol.HandshakeError{
				Code:      protocol.ErrorCodeNotAuthorized,
				CloseCode: protocol.ClosePolicyViolation,
				Cause:     "origin-denied: " + origin,
				Message:   fmt.Sprintf("origin %q is not allowed; add it to gateway.allowed_origins", origin),
			}
		}
	}

	// Device gating: administratively disabled device identity drops the
	// device block before it is ever verified.
	h.device = h.params.Device
	if h.device != nil && s.cfg.DeviceAuthDisabled {
		h.device = nil // declared scopes are preserved in this context
	}
	if s.cfg.AllowInsecureUI && h.params.Client.Mode == protocol.ClientModeUI {
		h.device = nil
		h.scopes = nil
	}

	// Shared-secret authorization first, then the device-token path; the
	// two are rate limited independently and either may carry the attempt.
	sharedRes := s.auther.CheckSharedSecret(h.clientIP, h.params.Auth, h.viaProxy, h.isLoopback)

	var devTokRes auth.Result
	if !sharedRes.OK && h.device != nil && h.params.Auth != nil && h.params.Auth.Token != "" {
		_, devTokRes = s.tokens.Verify(h.clientIP, h.params.Auth.Token, h.device.ID, h.role)
	}

	deviceVerified := false
	if h.device != nil {
		suppliedToken := ""
		if h.params.Auth != nil {
			suppliedToken = h.params.Auth.Token
		}
		vctx := identity.Context{
			ClientID:     h.params.Client.ID,
			ClientMode:   h.params.Client.Mode,
			Role:         h.role,
			Scopes:       h.scopes,
			Token:        suppliedToken,
			Nonce:        h.nonce,
			TrustedLocal: h.isLoopback,
			AllowLegacy:  s.cfg.AllowLegacyDeviceSignature,
		}
		if identity.LegacyUsed(h.device, vctx) {
			s.logger.Warn("legacy nonce-free device signature in use",
				"device", h.device.ID, "ip", h.clientIP)
		}
		normKey, rej := s.verifier.Verify(h.device, vctx)
		if rej != nil {
			return &protocol.HandshakeError{
				Code:      protocol.ErrorCodeNotAuthorized,
				CloseCode: protocol.ClosePolicyViolation,
				Cause:     rej.Reason + ": " + rej.Message,
				Message:   "device identity verification failed",
			}
		}
		// Pairing state is keyed by the normalized encoding, so the same
		// physical key is never mistaken for a re-key because the client
		// switched base64 variants.
		h.publicKey = normKey
		deviceVerified = true
	}

	if !sharedRes.OK && !devTokRes.OK && !deviceVerified {
		return s.authFailure(sharedRes, devTokRes, h)
	}
	if devTokRes.OK {
		// The supplied token matched a device token, so the shared-secret
		// mismatch it also produced was no guess. Any other failed
		// shared-secret check keeps its counter: a valid device identity
		// must not launder brute-force attempts against the shared secret.
		s.limiter.Reset(h.clientIP, auth.ScopeSharedSecret)
	}

	// Pairing: only a verified device identity enters the workflow, and
	// shared-secret success may bypass it when the deployment permits.
	// Bypass never substitutes for authentication, only for the device layer.
	skipPairing := sharedRes.OK &&
		(s.cfg.SkipPairingWithShared || s.cfg.DeviceAuthDisabled ||
			(s.cfg.AllowInsecureUI && h.params.Client.Mode == protocol.ClientModeUI))
	if deviceVerified && !skipPairing {
		outcome, err := s.pairing.Ensure(pairing.Candidate{
			DeviceID:    h.device.ID,
			PublicKey:   h.publicKey,
			Role:        h.role,
			Scopes:      h.scopes,
			DisplayName: h.params.Client.DisplayName,
			Platform:    h.params.Client.Platform,
			ClientID:    h.params.Client.ID,
			ClientMode:  h.params.Client.Mode,
			RemoteIP:    h.clientIP,
			Local:       h.isLoopback,
		})
		if err != nil {
			return &protocol.HandshakeError{
				Code:      protocol.ErrorCodeUnavailable,
				CloseCode: protocol.ClosePolicyViolation,
				Cause:     "pairing-store: " + err.Error(),
				Message:   "pairing state unavailable",
				Retryable: true,
			}
		}
		if !outcome.Paired {
			return &protocol.HandshakeError{
				Code:      protocol.ErrorCodeNotPaired,
				CloseCode: protocol.ClosePolicyViolation,
				Cause:     "pairing-pending: " + outcome.Request.Reason,
				Message:   "pairing approval required",
				Details:   map[string]string{"requestId": outcome.Request.RequestID},
				Retryable: true,
			}
		}
	}

	// Finalized auth result. Device connections get a minted or rotated
	// bearer token bound to (device, role).
	method := sharedRes.Method
	switch {
	case sharedRes.OK:
	case devTokRes.OK:
		method = devTokRes.Method
	default:
		method = auth.MethodDevice
	}
	h.authResult = protocol.AuthResult{
		Method:     method,
		Role:       h.role,
		Scopes:     h.scopes,
		IssuedAtMs: time.Now().UnixMilli(),
	}
	if deviceVerified {
		tok, err := s.tokens.Ensure(h.device.ID, h.role, h.scopes)
		if err != nil {
			s.logger.Error("device token issue", "device", h.device.ID, "err", err)
		} else {
			h.authResult.DeviceToken = tok.Token
		}
	}
	return nil
}

// authFailure shapes the terminal rejection from (configured auth mode,
// which credential the client supplied, failure reason). The wire message
// is actionable for an operator without revealing which secret was wrong.
func (s *Server) authFailure(sharedRes, devTokRes auth.Result, h *handshake) *protocol.HandshakeError {
	if sharedRes.RateLimited || devTokRes.RateLimited {
		retryAfter := sharedRes.RetryAfterMs
		if devTokRes.RetryAfterMs > retryAfter {
			retryAfter = devTokRes.RetryAfterMs
		}
		return &protocol.HandshakeError{
			Code:         protocol.ErrorCodeRateLimited,
			CloseCode:    protocol.ClosePolicyViolation,
			Cause:        "rate-limited",
			Message:      "too many failed attempts, slow down",
			Retryable:    true,
			RetryAfterMs: retryAfter,
		}
	}

	supplied := "none"
	if a := h.params.Auth; a != nil {
		switch {
		case a.Token != "" && a.Password != "":
			supplied = "token+password"
		case a.Token != "":
			supplied = "token"
		case a.Password != "":
			supplied = "password"
		}
	}

	var msg string
	switch s.auther.Mode() {
	case auth.ModeToken:
		if supplied == "none" {
			msg = "this gateway requires an auth token; supply auth.token in the connect request"
		} else {
			msg = "the supplied credentials were not accepted"
		}
	case auth.ModePassword:
		if supplied == "none" {
			msg = "this gateway requires a password; supply auth.password in the connect request"
		} else {
			msg = "the supplied credentials were not accepted"
		}
	case auth.ModeTrustedProxy:
		msg = "connections must arrive through the configured trusted proxy"
	default:
		msg = "unauthorized"
	}

	return &protocol.HandshakeError{
		Code:      protocol.ErrorCodeNotAuthorized,
		CloseCode: protocol.ClosePolicyViolation,
		Cause:     fmt.Sprintf("auth-failed: mode=%s supplied=%s shared=%s device-token=%s", s.auther.Mode(), supplied, sharedRes.Reason, devTokRes.Reason),
		Message:   msg,
	}
}

// reject sends the single structured error response for a failed connect,
// logs the internal close cause, and closes the socket.
func (s *Server) reject(ctx context.Context, conn *websocket.Conn, reqID, clientIP string, herr *protocol.HandshakeError) {
	s.logger.Info("handshake rejected",
		"ip", clientIP, "code", herr.Code, "close", herr.CloseCode, "cause", herr.Cause)

	res := protocol.ErrResponse(reqID, herr.Shape())
	if err := writeFrame(ctx, conn, res); err != nil {
		s.logger.Debug("write rejection", "ip", clientIP, "err", err)
	}
	conn.Close(websocket.StatusCode(herr.CloseCode), protocol.TruncateCloseReason(herr.Message))
}

// finalize registers the authenticated session, answers hello-ok, and
// hands the socket over to the application read loop.
func (s *Server) finalize(ctx context.Context, r *http.Request, conn *websocket.Conn, reqID string, h *handshake) {
	connID := uuid.NewString()
	presenceKey := h.params.Client.ID + "/" + h.params.Client.Mode
	deviceID := ""
	if h.device != nil {
		deviceID = h.device.ID
		presenceKey = deviceID
	}

	client := &Client{
		conn:        conn,
		connID:      connID,
		params:      *h.params,
		role:        h.role,
		scopes:      h.scopes,
		remoteIP:    h.clientIP,
		presenceKey: presenceKey,
		deviceID:    deviceID,
		authMethod:  h.authResult.Method,
		connectedAt: time.Now(),
		send:        make(chan []byte, 64),
	}

	hello := &protocol.HelloOk{
		Type:     "hello-ok",
		Protocol: protocol.ServerProtocol,
		Server: protocol.ServerInfo{
			Version: s.version,
			Commit:  s.commit,
			Host:    s.host,
			ConnID:  connID,
		},
		Features: protocol.Features{
			Methods: s.methods,
			Events: []string{
				protocol.EventConnectChallenge,
				protocol.EventPairingRequest,
				protocol.EventPairingResolved,
				protocol.EventPresence,
				protocol.EventNodeUp,
				protocol.EventNodeDown,
			},
		},
		Snapshot: protocol.Snapshot{
			Presence: s.sessions.Snapshot(),
			Nodes:    s.nodes.Snapshot(),
			Health:   s.health(),
		},
		Auth: &h.authResult,
		Policy: protocol.PolicyInfo{
			MaxPayload:       s.cfg.MaxPayload,
			MaxBufferedBytes: s.cfg.MaxBufferedBytes,
			TickIntervalMs:   s.cfg.TickIntervalMs,
		},
	}

	if err := writeFrame(ctx, conn, protocol.OkResponse(reqID, hello)); err != nil {
		s.logger.Debug("write hello-ok", "conn", connID, "err", err)
		conn.Close(websocket.StatusGoingAway, "write failed")
		return
	}

	s.sessions.Add(client)
	s.logger.Info("session connected",
		"conn", connID, "client", h.params.Client.ID, "mode", h.params.Client.Mode,
		"role", h.role, "method", h.authResult.Method, "ip", h.clientIP)
	s.events.Publish(protocol.EventPresence, map[string]any{
		"connId": connID, "clientId": h.params.Client.ID, "state": "connected",
	})

	var node *Node
	if h.role == protocol.RoleNode {
		node = s.registerNode(client)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()

	s.readLoop(client)

	// Socket gone: tear the session down.
	s.sessions.Remove(connID)
	if node != nil {
		if s.nodes.Unregister(node.ID, connID) {
			s.events.Publish(protocol.EventNodeDown, map[string]any{"nodeId": node.ID})
		}
	}
	s.events.Publish(protocol.EventPresence, map[string]any{
		"connId": connID, "clientId": h.params.Client.ID, "state": "disconnected",
	})
}

// registerNode records a node session and kicks off the background probes.
// Probe failures are logged, never surfaced: the handshake has already
// succeeded.
func (s *Server) registerNode(client *Client) *Node {
	nodeID := client.deviceID
	if nodeID == "" {
		nodeID = client.params.Client.ID
	}
	node := s.nodes.Register(&Node{
		ID:          nodeID,
		ConnID:      client.connID,
		DisplayName: client.params.Client.DisplayName,
		Platform:    client.params.Client.Platform,
		Commands:    client.params.Commands,
		ConnectedAt: client.connectedAt,
	})
	s.events.Publish(protocol.EventNodeUp, map[string]any{
		"nodeId": node.ID, "platform": node.Platform, "commands": node.Commands,
	})

	if s.prober != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.prober.RefreshCapabilities(ctx, node); err != nil {
				s.logger.Warn("node capability refresh", "node", node.ID, "err", err)
			}
			if err := s.prober.PushVoiceWakeConfig(ctx, node); err != nil {
				s.logger.Warn("voice-wake config push", "node", node.ID, "err", err)
			}
		}()
	}
	return node
}

// readLoop consumes application frames after a successful handshake and
// hands them to the router. Returns when the socket dies.
func (s *Server) readLoop(client *Client) {
	ctx := context.Background()
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameTypeRequest {
			continue
		}
		var res *protocol.ResponseFrame
		if s.router != nil {
			res = s.router.Handle(client, &req)
		}
		if res == nil {
			res = protocol.ErrResponse(req.ID, &protocol.ErrorShape{
				Code:    protocol.ErrorCodeUnavailable,
				Message: fmt.Sprintf("method %q is not available", req.Method),
			})
		}
		client.Send(res)
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
