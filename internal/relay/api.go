// ABOUTME: Dashboard HTTP API: tenant management, snapshots, commands, events
// ABOUTME: JSON request/response handlers plus the per-tenant SSE event stream

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quartermaster/qm-relay/internal/auth"
	"github.com/quartermaster/qm-relay/internal/store"
)

// routes builds the HTTP mux. The agent websocket endpoint authenticates
// in-band via HELLO; everything under /api requires a dashboard JWT, and
// tenant lifecycle operations additionally require the admin role.
func (r *Relay) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /agent/ws", r.handleAgentWS)

	mux.HandleFunc("GET /health", r.handleHealth)
	mux.HandleFunc("GET /health/ready", r.handleReady)

	if r.config.Metrics.Enabled {
		mux.Handle("GET "+r.config.Metrics.Path, promhttp.Handler())
	}

	authed := auth.HTTPAuthMiddleware(r.verifier)
	admin := auth.RequireAdminHTTP()

	mux.Handle("POST /api/tenants", authed(admin(http.HandlerFunc(r.handleCreateTenant))))
	mux.Handle("GET /api/tenants", authed(admin(http.HandlerFunc(r.handleListTenants))))
	mux.Handle("POST /api/tenants/{id}/rotate-key", authed(admin(http.HandlerFunc(r.handleRotateKey))))
	mux.Handle("POST /api/tenants/{id}/revoke", authed(admin(http.HandlerFunc(r.handleRevokeTenant))))

	mux.Handle("GET /api/tenants/{id}/snapshot", authed(http.HandlerFunc(r.handleGetSnapshot)))
	mux.Handle("POST /api/tenants/{id}/commands", authed(http.HandlerFunc(r.handleSubmitCommand)))
	mux.Handle("GET /api/tenants/{id}/commands", authed(http.HandlerFunc(r.handleListCommands)))
	mux.Handle("GET /api/tenants/{id}/events", authed(http.HandlerFunc(r.handleTenantEvents)))
	mux.Handle("GET /api/commands/{id}", authed(http.HandlerFunc(r.handleGetCommand)))

	return mux
}

// handleHealth returns a basic liveness response.
func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady reports readiness: the store must answer.
func (r *Relay) handleReady(w http.ResponseWriter, req *http.Request) {
	if _, err := r.store.ListTenants(req.Context()); err != nil {
		r.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": r.registry.Count(),
	})
}

// handleCreateTenant provisions a tenant and mints its API key. The
// plaintext key appears in this response and nowhere else.
func (r *Relay) handleCreateTenant(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" {
		r.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	plaintext, keyID, err := auth.GenerateAPIKey()
	if err != nil {
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	keyHash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	tenant := &store.Tenant{
		ID:        uuid.New().String(),
		Name:      body.Name,
		KeyID:     keyID,
		KeyHash:   keyHash,
		Status:    store.TenantStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateTenant(req.Context(), tenant); err != nil {
		if errors.Is(err, store.ErrDuplicateTenant) {
			r.sendJSONError(w, http.StatusConflict, fmt.Sprintf("tenant %q already exists", body.Name))
			return
		}
		r.logger.Error("tenant create failed", "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	r.logger.Info("tenant created", "tenant_id", tenant.ID, "name", tenant.Name)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"tenant":  tenantView(tenant, false),
		"api_key": plaintext,
	})
}

// handleListTenants returns all tenants with their online status.
func (r *Relay) handleListTenants(w http.ResponseWriter, req *http.Request) {
	tenants, err := r.store.ListTenants(req.Context())
	if err != nil {
		r.logger.Error("tenant list failed", "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]map[string]any, 0, len(tenants))
	for _, t := range tenants {
		views = append(views, tenantView(t, r.router.sessionActive(t.ID)))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"tenants": views})
}

// tenantView is the JSON shape for one tenant. Never includes key material.
func tenantView(t *store.Tenant, online bool) map[string]any {
	v := map[string]any{
		"id":         t.ID,
		"name":       t.Name,
		"status":     string(t.Status),
		"online":     online,
		"created_at": t.CreatedAt,
	}
	if t.LastUsedAt != nil {
		v["last_used_at"] = *t.LastUsedAt
	}
	if t.RevokedAt != nil {
		v["revoked_at"] = *t.RevokedAt
	}
	return v
}

// handleRotateKey mints a replacement API key for the tenant. The old key
// stops working immediately; a connected agent stays connected until it
// next reconnects.
func (r *Relay) handleRotateKey(w http.ResponseWriter, req *http.Request) {
	tenant, ok := r.loadTenant(w, req)
	if !ok {
		return
	}
	if tenant.Status == store.TenantStatusRevoked {
		r.sendJSONError(w, http.StatusConflict, "tenant is revoked")
		return
	}

	plaintext, keyID, err := auth.GenerateAPIKey()
	if err != nil {
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	keyHash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := r.store.UpdateTenantKey(req.Context(), tenant.ID, keyID, keyHash, time.Now().UTC()); err != nil {
		r.logger.Error("key rotation failed", "tenant_id", tenant.ID, "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	r.logger.Info("tenant key rotated", "tenant_id", tenant.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"api_key": plaintext})
}

// handleRevokeTenant disables the tenant's credentials and tears down its
// live session, if any. Idempotent.
func (r *Relay) handleRevokeTenant(w http.ResponseWriter, req *http.Request) {
	tenant, ok := r.loadTenant(w, req)
	if !ok {
		return
	}

	if err := r.store.RevokeTenant(req.Context(), tenant.ID, time.Now().UTC()); err != nil {
		r.logger.Error("tenant revoke failed", "tenant_id", tenant.ID, "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if sess := r.registry.Lookup(tenant.ID); sess != nil {
		_ = sess.Conn.NotifyClose("credentials revoked")
		if r.registry.Evict(sess) {
			r.router.HandleAgentGone(tenant.ID)
		}
		r.metrics.SessionsActive.Set(float64(r.registry.Count()))
	}

	r.logger.Info("tenant revoked", "tenant_id", tenant.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "revoked"})
}

// handleGetSnapshot returns the tenant's last known snapshot. 404 until the
// agent has pushed one.
func (r *Relay) handleGetSnapshot(w http.ResponseWriter, req *http.Request) {
	tenant, ok := r.loadTenant(w, req)
	if !ok {
		return
	}

	snap, err := r.state.Get(req.Context(), tenant.ID)
	if errors.Is(err, store.ErrNotFound) {
		r.sendJSONError(w, http.StatusNotFound, "no snapshot yet")
		return
	}
	if err != nil {
		r.logger.Error("snapshot read failed", "tenant_id", tenant.ID, "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tenant_id":   snap.TenantID,
		"version":     snap.Version,
		"fields":      snap.Fields,
		"captured_at": snap.CapturedAt,
		"stored_at":   snap.StoredAt,
		"online":      r.router.sessionActive(tenant.ID),
	})
}

// handleSubmitCommand enqueues a field update for the tenant's agent. An
// Idempotency-Key header makes retries safe.
func (r *Relay) handleSubmitCommand(w http.ResponseWriter, req *http.Request) {
	tenant, ok := r.loadTenant(w, req)
	if !ok {
		return
	}

	var body struct {
		Field  string          `json:"field"`
		Value  json.RawMessage `json:"value"`
		Origin string          `json:"origin"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Field == "" || len(body.Value) == 0 {
		r.sendJSONError(w, http.StatusBadRequest, "field and value are required")
		return
	}

	origin := body.Origin
	if origin == "" {
		if ac := auth.FromContext(req.Context()); ac != nil {
			origin = ac.Actor
		}
	}

	result, err := r.router.SubmitCommand(req.Context(), tenant.ID, body.Field, body.Value,
		origin, req.Header.Get("Idempotency-Key"))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownField), errors.Is(err, ErrInvalidValue):
			r.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrTenantRevoked):
			r.sendJSONError(w, http.StatusConflict, "tenant is revoked")
		case errors.Is(err, store.ErrNotFound):
			r.sendJSONError(w, http.StatusNotFound, "tenant not found")
		default:
			r.logger.Error("command submit failed", "tenant_id", tenant.ID, "error", err)
			r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"command":   commandView(result.Command),
		"duplicate": result.Duplicate,
		"offline":   result.Offline,
	})
}

// handleListCommands returns the tenant's commands in sequence order.
func (r *Relay) handleListCommands(w http.ResponseWriter, req *http.Request) {
	tenant, ok := r.loadTenant(w, req)
	if !ok {
		return
	}

	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			r.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	cmds, err := r.store.ListCommands(req.Context(), tenant.ID, limit)
	if err != nil {
		r.logger.Error("command list failed", "tenant_id", tenant.ID, "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]map[string]any, 0, len(cmds))
	for _, c := range cmds {
		views = append(views, commandView(c))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"commands": views})
}

// handleGetCommand returns one command's current state by ID.
func (r *Relay) handleGetCommand(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	cmd, err := r.store.GetCommand(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		r.sendJSONError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		r.logger.Error("command read failed", "command_id", id, "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commandView(cmd))
}

// commandView is the JSON shape for one command.
func commandView(c *store.CommandRecord) map[string]any {
	v := map[string]any{
		"id":         c.ID,
		"tenant_id":  c.TenantID,
		"sequence":   c.Sequence,
		"field":      c.Field,
		"value":      c.Value,
		"origin":     c.Origin,
		"state":      string(c.State),
		"created_at": c.CreatedAt,
		"updated_at": c.UpdatedAt,
	}
	if c.Reason != "" {
		v["reason"] = c.Reason
	}
	return v
}

// handleTenantEvents streams the tenant's events over SSE until the client
// disconnects.
func (r *Relay) handleTenantEvents(w http.ResponseWriter, req *http.Request) {
	tenant, ok := r.loadTenant(w, req)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		r.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, subID := r.broadcaster.Subscribe(req.Context(), tenant.ID)
	defer r.broadcaster.Unsubscribe(tenant.ID, subID)

	r.writeSSEEvent(w, "subscribed", map[string]any{
		"tenant_id": tenant.ID,
		"online":    r.router.sessionActive(tenant.ID),
	})
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.writeSSEEvent(w, string(event.Type), event)
			flusher.Flush()
		}
	}
}

// loadTenant resolves the {id} path value to a tenant, writing the error
// response itself when that fails.
func (r *Relay) loadTenant(w http.ResponseWriter, req *http.Request) (*store.Tenant, bool) {
	id := req.PathValue("id")

	tenant, err := r.store.GetTenant(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		r.sendJSONError(w, http.StatusNotFound, "tenant not found")
		return nil, false
	}
	if err != nil {
		r.logger.Error("tenant read failed", "tenant_id", id, "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return tenant, true
}

// writeSSEEvent writes a single SSE event to the response writer.
func (r *Relay) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		r.logger.Error("failed to marshal SSE event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// sendJSONError writes a JSON error response.
func (r *Relay) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
