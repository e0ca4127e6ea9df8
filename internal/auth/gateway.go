// ABOUTME: Auth gateway that resolves a presented agent API key to a tenant identity
// ABOUTME: A connection is bound to exactly one tenant for its whole lifetime

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quartermaster/qm-relay/internal/store"
)

// Authentication errors. The relay never retries on behalf of the agent.
var (
	// ErrInvalidCredential means the presented key matches no active tenant.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrRevokedCredential means the key resolved to a revoked tenant.
	ErrRevokedCredential = errors.New("revoked credential")
)

// TenantIdentity is the resolved identity an authenticated connection is bound to.
type TenantIdentity struct {
	TenantID string
	Name     string
}

// CredentialStore provides tenant credential lookup for the gateway.
type CredentialStore interface {
	GetTenantByKeyID(ctx context.Context, keyID string) (*store.Tenant, error)
	TouchTenantKey(ctx context.Context, tenantID string, usedAt time.Time) error
}

// Gateway validates agent credentials against the credential store.
type Gateway struct {
	creds  CredentialStore
	logger *slog.Logger
}

// NewGateway creates an auth gateway backed by the given credential store.
func NewGateway(creds CredentialStore, logger *slog.Logger) *Gateway {
	return &Gateway{
		creds:  creds,
		logger: logger.With("component", "auth"),
	}
}

// Authenticate validates a presented plaintext API key and resolves it to a
// tenant identity. Returns ErrInvalidCredential when no active tenant matches
// and ErrRevokedCredential when the tenant has been disabled.
func (g *Gateway) Authenticate(ctx context.Context, presentedKey string) (*TenantIdentity, error) {
	keyID, err := KeyIDFromAPIKey(presentedKey)
	if err != nil {
		g.logger.Warn("authentication attempted with malformed key")
		return nil, ErrInvalidCredential
	}

	tenant, err := g.creds.GetTenantByKeyID(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("failed authentication attempt", "key_id", keyID)
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("looking up credential: %w", err)
	}

	// Verify before checking status so revoked and invalid keys are not
	// distinguishable without holding valid key material.
	if !VerifyAPIKey(presentedKey, tenant.KeyHash) {
		g.logger.Warn("failed authentication attempt", "key_id", keyID)
		return nil, ErrInvalidCredential
	}

	if tenant.Status == store.TenantStatusRevoked {
		g.logger.Warn("authentication with revoked credential", "tenant_id", tenant.ID)
		return nil, ErrRevokedCredential
	}

	// Best-effort usage tracking; a failed touch never blocks authentication.
	if err := g.creds.TouchTenantKey(ctx, tenant.ID, time.Now().UTC()); err != nil {
		g.logger.Warn("updating key last_used failed", "tenant_id", tenant.ID, "error", err)
	}

	g.logger.Info("agent authenticated", "tenant_id", tenant.ID, "key_id", keyID)
	return &TenantIdentity{TenantID: tenant.ID, Name: tenant.Name}, nil
}
