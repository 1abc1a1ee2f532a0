package security

import (
	"crypto/rand"
	"encoding/base64"
)

// OpaqueTokenBytes is the entropy of session ids, refresh tokens, login state and nonces.
const OpaqueTokenBytes = 32

// NewOpaqueToken returns a URL-safe, unpadded base64 string of OpaqueTokenBytes random bytes.
func NewOpaqueToken() (string, error) {
	b := make([]byte, OpaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
