// Package auth provides bearer-token authentication for kansoku.
//
// Tokens are HS256 JWTs whose subject is the username. When no secret is
// configured an ephemeral one is generated, so tokens do not survive a
// restart.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
)

const issuer = "kansoku"

// Claims is the token body. Subject carries the username.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTManager issues and validates HS256 tokens.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTManager creates a JWTManager. An empty secret generates a random
// one for the lifetime of the process.
func NewJWTManager(secret string, expiration time.Duration, logger *slog.Logger) (*JWTManager, error) {
	if secret == "" {
		logger.Warn("auth: no JWT secret configured, generating ephemeral secret (not for production)")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
		return &JWTManager{secret: key, expiration: expiration}, nil
	}
	return &JWTManager{secret: []byte(secret), expiration: expiration}, nil
}

// Expiration returns the lifetime of issued tokens.
func (m *JWTManager) Expiration() time.Duration { return m.expiration }

// IssueToken creates a signed token for subject.
func (m *JWTManager) IssueToken(subject string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a token, returning its claims. Every
// failure wraps model.ErrUnauthorized.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", model.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", model.ErrUnauthorized)
	}
	return claims, nil
}

// ErrNoToken is returned by ExtractToken when the request carries no token.
var ErrNoToken = errors.New("auth: missing bearer token")

// ExtractToken reads the token from the "token" query parameter (browsers
// cannot set headers on WebSocket upgrades) or the Authorization header.
func ExtractToken(r *http.Request) (string, error) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	header := r.Header.Get("Authorization")
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(value) == "" {
		return "", ErrNoToken
	}
	return strings.TrimSpace(value), nil
}
