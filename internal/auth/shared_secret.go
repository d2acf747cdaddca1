package auth

import (
	"crypto/subtle"
	"fmt"

	"clawgate/internal/protocol"
)

// Auth modes resolved from gateway configuration.
const (
	ModeToken        = "token"
	ModePassword     = "password"
	ModeTrustedProxy = "trusted-proxy"
	ModeNone         = "none"
)

// Authentication methods reported in results.
const (
	MethodToken        = "token"
	MethodPassword     = "password"
	MethodTrustedProxy = "trusted-proxy"
	MethodDeviceToken  = "device-token"
	MethodDevice       = "device"
	MethodLoopback     = "loopback"
	MethodNone         = "none"
)

// Failure reasons. These feed the internal close cause, not the wire
// message; the wire side is deliberately vaguer.
const (
	ReasonMissingCredential = "credential-missing"
	ReasonBadCredential     = "credential-mismatch"
	ReasonProxyRequired     = "trusted-proxy-required"
	ReasonRateLimited       = "rate-limited"
)

// Config is the resolved shared-secret configuration.
type Config struct {
	Mode     string
	Token    string
	Password string

	// AllowLoopback lets loopback callers that present no credential at
	// all pass shared-secret authorization. A legacy bypass mode kept for
	// local tooling; supplying a wrong credential still fails.
	AllowLoopback bool
}

// Validate checks mode/credential consistency at startup.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeToken:
		if c.Token == "" {
			return fmt.Errorf("auth mode %q requires a token", c.Mode)
		}
	case ModePassword:
		if c.Password == "" {
			return fmt.Errorf("auth mode %q requires a password", c.Mode)
		}
	case ModeTrustedProxy, ModeNone:
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
	return nil
}

// Result is the transient outcome of an authorization attempt.
type Result struct {
	OK           bool
	Method       string
	Reason       string
	RateLimited  bool
	RetryAfterMs int64
}

// Authorizer validates shared-secret credentials against the resolved
// gateway configuration, factoring in trusted-proxy detection.
type Authorizer struct {
	cfg     Config
	limiter *RateLimiter
}

// NewAuthorizer builds an Authorizer. The limiter is shared with the rest
// of the handshake and keyed per (address, scope).
func NewAuthorizer(cfg Config, limiter *RateLimiter) *Authorizer {
	return &Authorizer{cfg: cfg, limiter: limiter}
}

// Mode returns the configured auth mode.
func (a *Authorizer) Mode() string { return a.cfg.Mode }

// CheckSharedSecret runs the shared-secret path for one connection attempt.
// clientIP is the resolved client address, creds the client-declared auth
// block (may be nil), viaTrustedProxy whether the connection arrived
// through a configured trusted proxy, isLoopback whether it is local.
func (a *Authorizer) CheckSharedSecret(clientIP string, creds *protocol.AuthInfo, viaTrustedProxy, isLoopback bool) Result {
	if d := a.limiter.Check(clientIP, ScopeSharedSecret); !d.Allowed {
		return Result{Reason: ReasonRateLimited, RateLimited: true, RetryAfterMs: d.RetryAfterMs}
	}

	noCreds := creds == nil || (creds.Token == "" && creds.Password == "")
	if a.cfg.AllowLoopback && isLoopback && noCreds {
		return a.ok(clientIP, MethodLoopback)
	}

	switch a.cfg.Mode {
	case ModeNone:
		return a.ok(clientIP, MethodNone)

	case ModeTrustedProxy:
		if viaTrustedProxy {
			return a.ok(clientIP, MethodTrustedProxy)
		}
		return a.fail(clientIP, ReasonProxyRequired)

	case ModeToken:
		if creds == nil || creds.Token == "" {
			return a.fail(clientIP, ReasonMissingCredential)
		}
		if subtle.ConstantTimeCompare([]byte(creds.Token), []byte(a.cfg.Token)) == 1 {
			return a.ok(clientIP, MethodToken)
		}
		return a.fail(clientIP, ReasonBadCredential)

	case ModePassword:
		if creds == nil || creds.Password == "" {
			return a.fail(clientIP, ReasonMissingCredential)
		}
		if subtle.ConstantTimeCompare([]byte(creds.Password), []byte(a.cfg.Password)) == 1 {
			return a.ok(clientIP, MethodPassword)
		}
		return a.fail(clientIP, ReasonBadCredential)
	}

	return a.fail(clientIP, ReasonBadCredential)
}

func (a *Authorizer) ok(clientIP, method string) Result {
	a.limiter.Reset(clientIP, ScopeSharedSecret)
	return Result{OK: true, Method: method}
}

func (a *Authorizer) fail(clientIP, reason string) Result {
	// Only actual guesses count against the limiter. A client that simply
	// didn't supply this kind of credential (it may be authenticating by
	// device identity instead) is not brute-forcing anything.
	if reason == ReasonBadCredential {
		a.limiter.Fail(clientIP, ScopeSharedSecret)
	}
	return Result{Reason: reason}
}
