package crypto

import (
	"crypto/rand"
	"encoding/base64"
)

// NewOpaqueToken returns 32 bytes from the system CSPRNG, base64url encoded.
// Used for session identifiers and preauth tokens.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
