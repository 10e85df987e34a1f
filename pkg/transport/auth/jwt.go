// Package auth issues and verifies the HS256 JSON Web Tokens carried by the
// http and ws transports.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/morezero/capabilities-executor/pkg/executor"
)

const logPrefix = "auth:jwt"

// ErrInvalidToken is returned when a token was presented but failed verification.
var ErrInvalidToken = errors.New("JWT verification failed")

// GenerateSecret returns a random hex secret for servers started without one.
func GenerateSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%s - failed to generate secret: %w", logPrefix, err)
	}
	return hex.EncodeToString(b), nil
}

// Issue signs claims with secret. A positive ttl sets the expiry.
func Issue(secret string, claims executor.Claims, ttl time.Duration) (string, error) {
	mc := jwt.MapClaims{}
	for k, v := range claims {
		mc[k] = v
	}
	now := time.Now()
	mc["iat"] = now.Unix()
	if ttl > 0 {
		mc["exp"] = now.Add(ttl).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("%s - failed to sign token: %w", logPrefix, err)
	}
	return token, nil
}

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates an HS256 token and returns its claims.
func (v *Verifier) Verify(token string) (executor.Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected algorithm: %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s - %w: %v", logPrefix, ErrInvalidToken, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%s - %w", logPrefix, ErrInvalidToken)
	}
	return executor.Claims(mc), nil
}

// Token returns the bearer token of r, or its jwt query parameter when
// there is no Authorization header.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("jwt")
}

// Authenticate verifies the token presented with r. A request without a
// token is anonymous and yields nil claims.
func (v *Verifier) Authenticate(r *http.Request) (executor.Claims, error) {
	token := Token(r)
	if token == "" {
		if r.Header.Get("Authorization") != "" {
			return nil, fmt.Errorf("%s - %w: unsupported authorization scheme", logPrefix, ErrInvalidToken)
		}
		return nil, nil
	}
	return v.Verify(token)
}
