// ABOUTME: Package documentation for the auth package
// ABOUTME: Covers agent API key auth and dashboard JWT auth

// Package auth implements both sides of qm-relay authentication.
//
// Agents authenticate with per-tenant API keys in the qm_<id>_<secret>
// format. The public id portion gives O(1) credential lookup; the stored
// bcrypt hash covers the full key, so verification is constant-time with
// respect to the key material. The Gateway resolves a presented key to a
// TenantIdentity exactly once per connection; the binding is irrevocable
// for the connection's lifetime.
//
// Dashboard API requests authenticate with HS256 JWTs carrying a "sub"
// (actor) and "role" claim. HTTPAuthMiddleware validates the bearer token
// and attaches an AuthContext to the request context; RequireAdminHTTP
// gates tenant-management endpoints.
package auth
