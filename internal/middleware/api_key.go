// Package middleware holds the HTTP and gRPC interceptors shared by the
// variantz daemon: bearer-token auth, failed-auth rate limiting and request
// logging.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// sha256Prefix marks an API_KEY_HASH given as a hex SHA-256 digest instead
// of a bcrypt hash.
const sha256Prefix = "sha256:"

// DefaultPrincipal is the principal attached to requests authenticated by a
// StaticTokenValidator without an explicit principal.
const DefaultPrincipal = "api-key"

var errTokenMismatch = errors.New("token does not match")

// HashToken returns a salted bcrypt hash suitable for API_KEY_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// TokenMatchesHash compares token against a bcrypt hash or a
// "sha256:<hex>" digest.
func TokenMatchesHash(expectedHash, token string) bool {
	if digest, ok := strings.CutPrefix(expectedHash, sha256Prefix); ok {
		return sha256Matches(digest, token)
	}
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(token)) == nil
}

func sha256Matches(digest, token string) bool {
	expected, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	actual := sha256.Sum256([]byte(token))
	if len(expected) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, actual[:]) == 1
}

// StaticTokenValidator accepts exactly one token, identified by its hash.
type StaticTokenValidator struct {
	Hash      string
	Principal string
}

func (v StaticTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if v.Hash == "" || !TokenMatchesHash(v.Hash, token) {
		return "", errTokenMismatch
	}
	if v.Principal == "" {
		return DefaultPrincipal, nil
	}
	return v.Principal, nil
}
