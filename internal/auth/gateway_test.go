// ABOUTME: Tests for the agent auth gateway
// ABOUTME: Covers valid keys, wrong secrets, revoked tenants, and usage tracking

package auth

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermaster/qm-relay/internal/store"
)

// fakeCredStore is an in-memory CredentialStore keyed by key ID.
type fakeCredStore struct {
	tenants map[string]*store.Tenant
	touched []string
}

func (f *fakeCredStore) GetTenantByKeyID(_ context.Context, keyID string) (*store.Tenant, error) {
	t, ok := f.tenants[keyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeCredStore) TouchTenantKey(_ context.Context, tenantID string, _ time.Time) error {
	f.touched = append(f.touched, tenantID)
	return nil
}

func setupGateway(t *testing.T, status store.TenantStatus) (*Gateway, *fakeCredStore, string) {
	t.Helper()

	plaintext, keyID, err := GenerateAPIKey()
	require.NoError(t, err)
	keyHash, err := HashAPIKey(plaintext)
	require.NoError(t, err)

	creds := &fakeCredStore{
		tenants: map[string]*store.Tenant{
			keyID: {
				ID:      "tenant-1",
				Name:    "Survival Main",
				KeyID:   keyID,
				KeyHash: keyHash,
				Status:  status,
			},
		},
	}
	return NewGateway(creds, slog.New(slog.DiscardHandler)), creds, plaintext
}

func TestAuthenticate_ValidKey(t *testing.T) {
	g, creds, plaintext := setupGateway(t, store.TenantStatusActive)

	identity, err := g.Authenticate(t.Context(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", identity.TenantID)
	assert.Equal(t, "Survival Main", identity.Name)

	assert.Equal(t, []string{"tenant-1"}, creds.touched, "successful auth records key usage")
}

func TestAuthenticate_MalformedKey(t *testing.T) {
	g, _, _ := setupGateway(t, store.TenantStatusActive)

	_, err := g.Authenticate(t.Context(), "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticate_UnknownKeyID(t *testing.T) {
	g, _, _ := setupGateway(t, store.TenantStatusActive)

	other, _, err := GenerateAPIKey()
	require.NoError(t, err)

	_, err = g.Authenticate(t.Context(), other)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	g, creds, plaintext := setupGateway(t, store.TenantStatusActive)

	keyID, err := KeyIDFromAPIKey(plaintext)
	require.NoError(t, err)

	// Same key ID, different secret
	forged := "qm_" + keyID + "_bm90LXRoZS1yZWFsLXNlY3JldA"
	_, err = g.Authenticate(t.Context(), forged)
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Empty(t, creds.touched)
}

func TestAuthenticate_RevokedTenant(t *testing.T) {
	g, creds, plaintext := setupGateway(t, store.TenantStatusRevoked)

	_, err := g.Authenticate(t.Context(), plaintext)
	assert.ErrorIs(t, err, ErrRevokedCredential)
	assert.Empty(t, creds.touched, "revoked tenants never record usage")
}

func TestAuthenticate_WrongSecretOnRevokedTenantLooksInvalid(t *testing.T) {
	// Without valid key material, a revoked tenant is indistinguishable
	// from a nonexistent one.
	g, _, plaintext := setupGateway(t, store.TenantStatusRevoked)

	keyID, err := KeyIDFromAPIKey(plaintext)
	require.NoError(t, err)

	forged := "qm_" + keyID + "_bm90LXRoZS1yZWFsLXNlY3JldA"
	_, err = g.Authenticate(t.Context(), forged)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
