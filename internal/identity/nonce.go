package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewNonce returns a fresh per-connection challenge nonce. Each connection
// attempt gets its own, so a signature covering one connection's nonce can
// never be replayed on another.
func NewNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
