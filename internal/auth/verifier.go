// Package auth verifies the access tokens issued by the account service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"patpat-agent/internal/integrations/paramstore"
)

// CookieName is the cookie the web client stores the access token in.
const CookieName = "access_token"

var ErrUnauthorized = errors.New("auth: unauthorized")

// Claims is the payload of an access token.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Verifier validates HS256 access tokens against a secret kept in the
// parameter store. The secret is loaded on first use; a failed load is
// retried on the next call.
type Verifier struct {
	getter    paramstore.Getter
	paramName string

	mu     sync.RWMutex
	secret []byte
}

func NewVerifier(getter paramstore.Getter, paramPrefix string) (*Verifier, error) {
	if getter == nil {
		return nil, errors.New("auth: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("auth: parameter prefix must not be empty")
	}
	return &Verifier{getter: getter, paramName: paramPrefix + "/token-secret"}, nil
}

// SecretParameterName is the SSM parameter holding the signing secret.
func (v *Verifier) SecretParameterName() string {
	return v.paramName
}

func (v *Verifier) resolveSecret(ctx context.Context) ([]byte, error) {
	v.mu.RLock()
	secret := v.secret
	v.mu.RUnlock()
	if secret != nil {
		return secret, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secret != nil {
		return v.secret, nil
	}
	raw, err := v.getter.GetParameter(ctx, v.paramName)
	if err != nil {
		return nil, fmt.Errorf("auth: load token secret: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("auth: token secret is empty")
	}
	v.secret = []byte(raw)
	return v.secret, nil
}

// Verify parses token and returns the identity it carries. Every rejection
// wraps ErrUnauthorized; secret loading failures do not.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	secret, err := v.resolveSecret(ctx)
	if err != nil {
		return Identity{}, err
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.ID == "" {
		return Identity{}, fmt.Errorf("%w: token has no user id", ErrUnauthorized)
	}
	return Identity{UserID: claims.ID, Email: claims.Email, Name: claims.Name}, nil
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the access token cookie.
func TokenFromRequest(authorization string, cookies []string) string {
	if scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	for _, line := range cookies {
		parsed, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, c := range parsed {
			if c.Name == CookieName {
				return c.Value
			}
		}
	}
	return ""
}
