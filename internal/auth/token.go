// ABOUTME: JWT verification that turns a client's identity token into a tenant id
// ABOUTME: HS256 with a shared secret; optional issuer and audience checks

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier resolves an identity token to the tenant it belongs to.
type TokenVerifier interface {
	Verify(tokenString string) (tenantID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// Option configures a JWTVerifier.
type Option func(*JWTVerifier)

// WithIssuer requires and stamps the "iss" claim.
func WithIssuer(iss string) Option {
	return func(v *JWTVerifier) { v.issuer = iss }
}

// WithAudience requires and stamps the "aud" claim.
func WithAudience(aud string) Option {
	return func(v *JWTVerifier) { v.audience = aud }
}

// NewJWTVerifier creates a verifier for the given secret.
func NewJWTVerifier(secret []byte, opts ...Option) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	v := &JWTVerifier{secret: secret}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify validates the token and returns the tenant id from the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate mints a token for tenantID that expires after expiresIn.
func (v *JWTVerifier) Generate(tenantID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": tenantID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	if v.audience != "" {
		claims["aud"] = v.audience
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
