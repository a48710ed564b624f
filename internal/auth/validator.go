// Package auth validates the shared-secret HMAC tokens accepted on
// connection handshake. It is a deliberate simplification of the teacher's
// Auth0/JWKS remote-key flow (internal/v1/auth/validator.go): there is no
// identity provider here, so keys are a configured secret rather than a
// JWKS cache, but the CustomClaims shape and ValidateToken contract are
// carried over directly.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims is the payload carried by a handshake token: sub (agent id),
// name, role, standard registered claims (iat/exp/iss/aud/jti).
type CustomClaims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Algorithm enumerates the supported HMAC families.
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
)

func (a Algorithm) signingMethod() (jwt.SigningMethod, error) {
	switch a {
	case HS256, "":
		return jwt.SigningMethodHS256, nil
	case HS384:
		return jwt.SigningMethodHS384, nil
	case HS512:
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", a)
	}
}

// Validator parses and verifies handshake tokens against a shared secret,
// an expected issuer, an optional expected audience, and a revocation set
// of spent jti values.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
	method   jwt.SigningMethod

	mu       sync.RWMutex
	revoked  map[string]struct{}
}

// NewValidator builds a Validator. audience may be empty to skip the
// audience check.
func NewValidator(secret, issuer, audience string, alg Algorithm) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: secret must not be empty")
	}
	method, err := alg.signingMethod()
	if err != nil {
		return nil, err
	}
	return &Validator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		method:   method,
		revoked:  make(map[string]struct{}),
	}, nil
}

// Revoke marks a jti as spent; subsequent ValidateToken calls for tokens
// carrying that jti fail with ErrRevoked.
func (v *Validator) Revoke(jti string) {
	if jti == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revoked[jti] = struct{}{}
}

// ErrRevoked is returned when a token's jti has been revoked.
var ErrRevoked = errors.New("auth: token has been revoked")

// ValidateToken parses tokenString, verifies its signature, issuer,
// audience (if configured), expiry, and revocation status, and returns its
// claims.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("auth: unexpected claims type")
	}

	if claims.ID != "" {
		v.mu.RLock()
		_, isRevoked := v.revoked[claims.ID]
		v.mu.RUnlock()
		if isRevoked {
			return nil, ErrRevoked
		}
	}

	return claims, nil
}

// MockValidator is a development-only validator that accepts any token
// without parsing or verifying it: the raw token string becomes the
// subject, and name/role are fixed to "dev-agent"/"player". It is wired
// only when TokenAuthConfig.Enabled is false.
type MockValidator struct{}

// ValidateToken always succeeds, returning a synthetic subject when the
// token string is empty.
func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{Name: "dev-agent", Role: "player"}
	claims.Subject = "dev-agent"
	if tokenString != "" {
		claims.Subject = tokenString
	}
	return claims, nil
}
