package auth_test

import (
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/model"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyPassword("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyPassword("s3cret", "no-separator")
	assert.Error(t, err)
}

func TestCredentials(t *testing.T) {
	creds, err := auth.NewCredentials("demo", "demo")
	require.NoError(t, err)

	assert.True(t, creds.Authenticate("demo", "demo"))
	assert.False(t, creds.Authenticate("demo", "nope"))
	assert.False(t, creds.Authenticate("someone", "demo"))
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("test-secret", time.Hour, slog.Default())
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("demo")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "demo", claims.Subject)
}

func TestEphemeralSecretsAreIndependent(t *testing.T) {
	a, err := auth.NewJWTManager("", time.Hour, slog.Default())
	require.NoError(t, err)
	b, err := auth.NewJWTManager("", time.Hour, slog.Default())
	require.NoError(t, err)

	token, _, err := a.IssueToken("demo")
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestValidateTokenRejects(t *testing.T) {
	mgr, err := auth.NewJWTManager("test-secret", time.Hour, slog.Default())
	require.NoError(t, err)

	sign := func(claims jwt.Claims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	valid := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   "demo",
			Issuer:    "kansoku",
			Audience:  jwt.ClaimStrings{"kansoku"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongAud := valid()
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	noSubject := valid()
	noSubject.Subject = ""
	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign(valid(), "other-secret")},
		{"expired", sign(expired, "test-secret")},
		{"wrong audience", sign(wrongAud, "test-secret")},
		{"no subject", sign(noSubject, "test-secret")},
		{"no expiry", sign(noExpiry, "test-secret")},
		{"alg none", func() string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid()).SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return s
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(tt.token)
			assert.ErrorIs(t, err, model.ErrUnauthorized)
		})
	}
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		header  string
		want    string
		wantErr bool
	}{
		{name: "query param", target: "/ws?topicId=t&token=abc", want: "abc"},
		{name: "bearer header", target: "/ws", header: "Bearer xyz", want: "xyz"},
		{name: "lowercase scheme", target: "/ws", header: "bearer xyz", want: "xyz"},
		{name: "query wins", target: "/ws?token=q", header: "Bearer h", want: "q"},
		{name: "basic scheme", target: "/ws", header: "Basic xyz", wantErr: true},
		{name: "missing", target: "/ws", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := auth.ExtractToken(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, auth.ErrNoToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
