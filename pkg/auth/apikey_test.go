package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/store"
	testdb "github.com/codespin-ai/shaman/test/database"
)

func TestGenerateAPIKey(t *testing.T) {
	plaintext, hash, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, "shm_"))
	assert.Equal(t, HashAPIKey(plaintext), hash)

	// Two mints never collide.
	other, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, other)
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	assert.Equal(t, HashAPIKey("shm_abc"), HashAPIKey("shm_abc"))
	assert.NotEqual(t, HashAPIKey("shm_abc"), HashAPIKey("shm_abd"))
	assert.Len(t, HashAPIKey("shm_abc"), 64)
}

func setupAuthenticator(t *testing.T) (*APIKeyAuthenticator, *store.Store, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := testdb.NewTestClient(t)
	st := store.New(client.DB())

	org, err := st.Orgs.CreateOrganization(t.Context(), "auth-test-org")
	require.NoError(t, err)

	return NewAPIKeyAuthenticator(st.APIKeys), st, org.ID
}

func TestAuthenticateKnownKey(t *testing.T) {
	authn, st, orgID := setupAuthenticator(t)

	plaintext, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	key, err := st.APIKeys.CreateKey(t.Context(), orgID, "ci", hash)
	require.NoError(t, err)

	id, err := authn.Authenticate(t.Context(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, orgID, id.OrgID)
	assert.Equal(t, key.ID, id.KeyID)
	assert.Equal(t, PersonaPublic, id.Persona)

	// A successful authentication stamps usage.
	keys, err := st.APIKeys.ListByOrg(t.Context(), orgID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestAuthenticateUnknownKey(t *testing.T) {
	authn, _, _ := setupAuthenticator(t)

	_, err := authn.Authenticate(t.Context(), "shm_does_not_exist")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateEmptyKey(t *testing.T) {
	authn, _, _ := setupAuthenticator(t)

	_, err := authn.Authenticate(t.Context(), "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateDisabledKey(t *testing.T) {
	authn, st, orgID := setupAuthenticator(t)

	plaintext, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	key, err := st.APIKeys.CreateKey(t.Context(), orgID, "revoked", hash)
	require.NoError(t, err)
	require.NoError(t, st.APIKeys.Disable(t.Context(), orgID, key.ID))

	_, err = authn.Authenticate(t.Context(), plaintext)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
