// ABOUTME: Bearer token supply for the connect handshake using HS256 JWTs.
// ABOUTME: Mints per-tenant tokens locally and refuses to dial with an expired credential.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// defaultTokenTTL bounds minted token lifetime. Short-lived on purpose:
// a token is minted per connection attempt.
const defaultTokenTTL = 5 * time.Minute

// Provider supplies the bearer credential carried in the connect
// handshake.
type Provider interface {
	Token() (string, error)
}

// HSProvider mints HS256-signed JWTs from a shared secret supplied by
// the credential layer. The subject claim identifies the tenant
// principal on whose behalf this client connects.
type HSProvider struct {
	secret  []byte
	subject string
	ttl     time.Duration
	now     func() time.Time
}

// NewHSProvider creates a minting provider. A non-positive ttl uses the
// default.
func NewHSProvider(secret []byte, subject string, ttl time.Duration) *HSProvider {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &HSProvider{
		secret:  secret,
		subject: subject,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Token mints a fresh signed token.
func (p *HSProvider) Token() (string, error) {
	if len(p.secret) == 0 {
		return "", fmt.Errorf("%w: empty signing secret", ErrInvalidToken)
	}
	if p.subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	now := p.now()
	claims := jwt.MapClaims{
		"sub": p.subject,
		"iat": now.Unix(),
		"exp": now.Add(p.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// StaticProvider hands out an externally minted token, pre-checking
// expiry so a dead credential fails fast instead of after a round trip.
type StaticProvider struct {
	token string
	now   func() time.Time
}

// NewStaticProvider wraps an externally supplied token.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token, now: time.Now}
}

// Token returns the wrapped token after checking it still has a future
// expiry. The signature is not verified here; only the gateway holds
// the authoritative secret for externally minted tokens.
func (p *StaticProvider) Token() (string, error) {
	if p.token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(p.token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("%w: exp", ErrMissingClaim)
	}
	if exp != nil && exp.Before(p.now()) {
		return "", ErrExpiredToken
	}
	return p.token, nil
}

// Verify validates an HS256 token against a secret and extracts the
// subject claim. Used by callers that terminate their own tokens.
func Verify(tokenString string, secret []byte) (subject string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}
