// Package auth verifies API tokens presented on administrative endpoints.
// Tokens are stored as PBKDF2 hashes so a leaked configuration file does
// not expose the credentials themselves.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 120000
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
)

// ErrInvalidToken is returned when a presented token does not match any
// configured credential.
var ErrInvalidToken = errors.New("invalid token")

// HashToken derives a storable hash for the provided token.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token is required")
	}
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey), nil
}

// VerifyToken checks the candidate against an encoded hash produced by
// HashToken.
func VerifyToken(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify token: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify token: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify token: decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify token: decode key: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(expected), sha256.New)
	if subtle.ConstantTimeCompare(derived, expected) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Verifier authorizes bearer tokens against a configured credential set.
// An empty set disables authentication entirely, which suits local
// development and tests.
type Verifier struct {
	hashes []string
}

// NewVerifier builds a verifier from token values or pre-computed hashes.
// Values that already carry the pbkdf2 prefix are used as-is; anything
// else is hashed on the spot.
func NewVerifier(tokens ...string) (*Verifier, error) {
	v := &Verifier{}
	for _, token := range tokens {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "pbkdf2$") {
			v.hashes = append(v.hashes, trimmed)
			continue
		}
		hashed, err := HashToken(trimmed)
		if err != nil {
			return nil, err
		}
		v.hashes = append(v.hashes, hashed)
	}
	return v, nil
}

// Enabled reports whether any credential is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.hashes) > 0
}

// Allow reports whether the candidate matches a configured credential.
// When no credentials are configured every candidate is allowed.
func (v *Verifier) Allow(candidate string) bool {
	if !v.Enabled() {
		return true
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	for _, hash := range v.hashes {
		if err := VerifyToken(hash, candidate); err == nil {
			return true
		}
	}
	return false
}

// BearerToken extracts the bearer credential from the request, returning
// an empty string when the header is absent or malformed.
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
