package auth

import (
	"context"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

func signToken(t *testing.T, secret, subject string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestTokenManager_VerifyRoundTrip(t *testing.T) {
	userID, err := NewTokenManager("secret").Verify(context.Background(), signToken(t, "secret", "u1", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestTokenManager_VerifyRejectsForeignSignature(t *testing.T) {
	token := signToken(t, "other-secret", "u1", time.Minute)

	_, err := NewTokenManager("secret").Verify(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthentication)
}

func TestTokenManager_VerifyRejectsExpired(t *testing.T) {
	token := signToken(t, "secret", "u1", -time.Minute)

	_, err := NewTokenManager("secret").Verify(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrAuthentication)
}

func TestTokenManager_VerifyRejectsMissingSubject(t *testing.T) {
	token := signToken(t, "secret", " ", time.Minute)

	_, err := NewTokenManager("secret").Verify(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrAuthentication)
}

func TestTokenManager_VerifyRejectsGarbage(t *testing.T) {
	_, err := NewTokenManager("secret").Verify(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, apperrors.ErrAuthentication)
}

func TestTokenManager_VerifyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTokenManager("secret").Verify(ctx, "whatever")
	assert.ErrorIs(t, err, apperrors.ErrTransientInfra)
}
