package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	j := NewJWT("secret", "crm")
	token, err := j.Issue(models.Principal{ID: "agent-1", Role: models.RoleAgent, Name: "Somchai"}, time.Hour)
	require.NoError(t, err)

	p, err := j.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, models.Principal{ID: "agent-1", Role: models.RoleAgent, Name: "Somchai"}, p)
}

func TestVerifyRejectsWrongSecretAndExpiry(t *testing.T) {
	issuer := NewJWT("other", "crm")
	token, err := issuer.Issue(models.Principal{ID: "agent-1", Role: models.RoleAgent}, time.Hour)
	require.NoError(t, err)

	_, err = NewJWT("secret", "crm").Verify(context.Background(), token)
	require.ErrorIs(t, err, apperr.ErrAuthentication)

	expired, err := NewJWT("secret", "crm").Issue(models.Principal{ID: "a", Role: models.RoleAgent}, -time.Minute)
	require.NoError(t, err)
	_, err = NewJWT("secret", "crm").Verify(context.Background(), expired)
	require.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestVerifyRejectsUnknownRoleAndUnsigned(t *testing.T) {
	j := NewJWT("secret", "")
	token, err := j.Issue(models.Principal{ID: "x", Role: "root"}, time.Hour)
	require.NoError(t, err)
	_, err = j.Verify(context.Background(), token)
	require.ErrorIs(t, err, apperr.ErrAuthentication)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: models.RoleAgent}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = j.Verify(context.Background(), unsigned)
	require.ErrorIs(t, err, apperr.ErrAuthentication)

	_, err = j.Verify(context.Background(), "")
	require.ErrorIs(t, err, apperr.ErrAuthentication)
}
