// Package middleware holds the HTTP and gRPC middleware used by the agent and
// the transports: bearer-token auth, failed-auth rate limiting and request
// logging.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const tokenHashCost = bcrypt.DefaultCost

var errTokenMismatch = errors.New("token mismatch")

// HashToken returns a salted bcrypt hash suitable for AGENT_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// StaticTokenValidator accepts one token, given either in plain text or as a
// bcrypt hash. Plain tokens are compared in constant time.
type StaticTokenValidator struct {
	token string
	hash  []byte
}

func NewStaticToken(token string) *StaticTokenValidator {
	return &StaticTokenValidator{token: token}
}

func NewHashedToken(hash string) *StaticTokenValidator {
	return &StaticTokenValidator{hash: []byte(hash)}
}

func (v *StaticTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if len(v.hash) > 0 {
		if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
			return "", errTokenMismatch
		}
		return "agent", nil
	}
	if v.token == "" || subtle.ConstantTimeCompare([]byte(v.token), []byte(token)) != 1 {
		return "", errTokenMismatch
	}
	return "agent", nil
}
