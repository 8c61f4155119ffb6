package services

import (
	"testing"
	"time"

	"streamcore/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	svc := NewAuthService("secret", time.Hour)

	token, err := svc.GenerateToken("u1", "alice")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Caller{UserID: "u1", Username: "alice"}, claims.Caller())
}

func TestAuthService_Rejects(t *testing.T) {
	svc := NewAuthService("secret", time.Hour)
	other := NewAuthService("other", time.Hour)

	token, err := other.GenerateToken("u1", "alice")
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expiring := NewAuthService("secret", time.Minute).(*authService)
	expiring.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expiring.GenerateToken("u1", "alice")
	require.NoError(t, err)
	_, err = svc.ValidateToken(old)
	assert.ErrorIs(t, err, ErrExpiredToken)

	anonToken, err := svc.GenerateToken("", "nobody")
	require.NoError(t, err)
	_, err = svc.ValidateToken(anonToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_RejectsForeignIssuerAndAlgorithm(t *testing.T) {
	svc := NewAuthService("secret", time.Hour)
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "elsewhere", Subject: "u1", ExpiresAt: exp},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "u1", ExpiresAt: exp},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(hs512)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "u1"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(noExpiry)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
