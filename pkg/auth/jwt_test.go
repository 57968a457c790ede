package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)

	token, err := svc.Mint(&Identity{
		OrgID:  "org-1",
		UserID: "user-1",
		RunID:  "run-1",
		TaskID: "step-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "org-1", id.OrgID)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "run-1", id.RunID)
	assert.Equal(t, "step-1", id.TaskID)
	assert.Equal(t, PersonaInternal, id.Persona)
}

func TestTokenOptionalClaimsOmitted(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)

	token, err := svc.Mint(&Identity{OrgID: "org-1"})
	require.NoError(t, err)

	id, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "org-1", id.OrgID)
	assert.Empty(t, id.UserID)
	assert.Empty(t, id.RunID)
	assert.Empty(t, id.TaskID)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "truncated", token: "eyJhbGciOiJIUzI1NiJ9.e30"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Verify(tc.token)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	minter := NewTokenService("secret-a", time.Minute)
	verifier := NewTokenService("secret-b", time.Minute)

	token, err := minter.Mint(&Identity{OrgID: "org-1"})
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := NewTokenService("test-secret", -time.Minute)

	token, err := svc.Mint(&Identity{OrgID: "org-1"})
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsUnexpectedSigningMethod(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)

	// alg=none tokens must never pass, even with a valid-looking payload.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{OrganizationID: "org-1"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsMissingOrganization(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
