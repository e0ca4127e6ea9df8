// ABOUTME: Tests for the dashboard HTTP API and the agent websocket endpoint
// ABOUTME: Exercises the assembled relay over httptest with real transports

package relay

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermaster/qm-relay/internal/auth"
	"github.com/quartermaster/qm-relay/internal/config"
	"github.com/quartermaster/qm-relay/internal/store"
	"github.com/quartermaster/qm-relay/internal/wire"
)

type apiFixture struct {
	relay      *Relay
	server     *httptest.Server
	adminToken string
	opToken    string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "localhost:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.HelloTimeout = time.Second
	cfg.Heartbeat.Interval = time.Second
	cfg.Heartbeat.Timeout = 45 * time.Second
	cfg.Queue.AckTimeout = time.Minute
	cfg.Queue.Retention = 24 * time.Hour
	cfg.Queue.Workers = 4
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := New(cfg, st, slog.New(slog.DiscardHandler), prometheus.NewRegistry())
	server := httptest.NewServer(r.routes())
	t.Cleanup(server.Close)

	adminToken, err := r.verifier.Generate("admin@example.com", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	opToken, err := r.verifier.Generate("ops@example.com", auth.RoleOperator, time.Hour)
	require.NoError(t, err)

	return &apiFixture{relay: r, server: server, adminToken: adminToken, opToken: opToken}
}

func (f *apiFixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// createTenant provisions a tenant through the API, returning its ID and key.
func (f *apiFixture) createTenant(t *testing.T, name string) (id, apiKey string) {
	t.Helper()

	resp := f.request(t, http.MethodPost, "/api/tenants", f.adminToken, map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	tenant := body["tenant"].(map[string]any)
	return tenant["id"].(string), body["api_key"].(string)
}

func TestAPI_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/api/tenants", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_TenantManagementRequiresAdmin(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/api/tenants", f.opToken, map[string]string{"name": "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_CreateAndListTenants(t *testing.T) {
	f := newAPIFixture(t)

	id, apiKey := f.createTenant(t, "Survival Main")
	assert.NotEmpty(t, id)
	assert.True(t, strings.HasPrefix(apiKey, "qm_"))

	resp := f.request(t, http.MethodGet, "/api/tenants", f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	tenants := body["tenants"].([]any)
	require.Len(t, tenants, 1)
	first := tenants[0].(map[string]any)
	assert.Equal(t, "Survival Main", first["name"])
	assert.Equal(t, false, first["online"])
	_, hasKey := first["api_key"]
	assert.False(t, hasKey, "key material never appears in listings")
}

func TestAPI_DuplicateTenantName(t *testing.T) {
	f := newAPIFixture(t)
	f.createTenant(t, "Survival Main")

	resp := f.request(t, http.MethodPost, "/api/tenants", f.adminToken, map[string]string{"name": "Survival Main"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_RotateKeyInvalidatesOldKey(t *testing.T) {
	f := newAPIFixture(t)
	id, oldKey := f.createTenant(t, "Survival Main")

	resp := f.request(t, http.MethodPost, "/api/tenants/"+id+"/rotate-key", f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	newKey := decodeBody(t, resp)["api_key"].(string)
	assert.NotEqual(t, oldKey, newKey)

	_, err := f.relay.authGateway.Authenticate(t.Context(), oldKey)
	assert.Error(t, err)
	_, err = f.relay.authGateway.Authenticate(t.Context(), newKey)
	assert.NoError(t, err)
}

func TestAPI_RevokeTenant(t *testing.T) {
	f := newAPIFixture(t)
	id, apiKey := f.createTenant(t, "Survival Main")

	resp := f.request(t, http.MethodPost, "/api/tenants/"+id+"/revoke", f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := f.relay.authGateway.Authenticate(t.Context(), apiKey)
	assert.ErrorIs(t, err, auth.ErrRevokedCredential)

	// Rotation is refused for revoked tenants
	resp = f.request(t, http.MethodPost, "/api/tenants/"+id+"/rotate-key", f.adminToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_SnapshotNotFoundBeforeFirstPush(t *testing.T) {
	f := newAPIFixture(t)
	id, _ := f.createTenant(t, "Survival Main")

	resp := f.request(t, http.MethodGet, "/api/tenants/"+id+"/snapshot", f.opToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SubmitCommandWhileOffline(t *testing.T) {
	f := newAPIFixture(t)
	id, _ := f.createTenant(t, "Survival Main")

	resp := f.request(t, http.MethodPost, "/api/tenants/"+id+"/commands", f.opToken, map[string]any{
		"field": "player_limit",
		"value": 64,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["offline"])
	cmd := body["command"].(map[string]any)
	assert.Equal(t, "pending", cmd["state"])
	assert.Equal(t, "ops@example.com", cmd["origin"], "origin defaults to the token subject")

	// The command is visible by ID
	resp = f.request(t, http.MethodGet, "/api/commands/"+cmd["id"].(string), f.opToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", decodeBody(t, resp)["state"])
}

func TestAPI_SubmitCommandUnknownField(t *testing.T) {
	f := newAPIFixture(t)
	id, _ := f.createTenant(t, "Survival Main")

	resp := f.request(t, http.MethodPost, "/api/tenants/"+id+"/commands", f.opToken, map[string]any{
		"field": "motd",
		"value": "hi",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CommandNotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/api/commands/no-such-id", f.opToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_HealthEndpointsUnauthenticated(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// dialAgent connects a websocket agent and completes the HELLO handshake.
func dialAgent(t *testing.T, f *apiFixture, apiKey string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/agent/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	sendFrame(t, ws, wire.TypeHello, wire.Hello{APIKey: apiKey, ProtocolVersion: wire.ProtocolVersion})
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := wire.Encode(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, ws *websocket.Conn) *wire.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	return env
}

func TestAgentWS_HandshakeWelcome(t *testing.T) {
	f := newAPIFixture(t)
	id, apiKey := f.createTenant(t, "Survival Main")

	ws := dialAgent(t, f, apiKey)

	env := readFrame(t, ws)
	require.Equal(t, wire.TypeWelcome, env.Type)

	var welcome wire.Welcome
	require.NoError(t, env.DecodePayload(&welcome))
	assert.Equal(t, id, welcome.TenantID)
}

func TestAgentWS_BadKeyRejected(t *testing.T) {
	f := newAPIFixture(t)
	f.createTenant(t, "Survival Main")

	ws := dialAgent(t, f, "qm_000000000000_bm90LXZhbGlk")

	env := readFrame(t, ws)
	require.Equal(t, wire.TypeAuthFail, env.Type)

	var fail wire.AuthFail
	require.NoError(t, env.DecodePayload(&fail))
	assert.Equal(t, wire.AuthFailInvalidCredential, fail.Code)
}

func TestAgentWS_UnsupportedVersionRejected(t *testing.T) {
	f := newAPIFixture(t)
	_, apiKey := f.createTenant(t, "Survival Main")

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/agent/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	sendFrame(t, ws, wire.TypeHello, wire.Hello{APIKey: apiKey, ProtocolVersion: 99})

	env := readFrame(t, ws)
	require.Equal(t, wire.TypeAuthFail, env.Type)

	var fail wire.AuthFail
	require.NoError(t, env.DecodePayload(&fail))
	assert.Equal(t, wire.AuthFailUnsupportedVersion, fail.Code)
}

func TestAgentWS_SnapshotFlow(t *testing.T) {
	f := newAPIFixture(t)
	id, apiKey := f.createTenant(t, "Survival Main")

	ws := dialAgent(t, f, apiKey)
	require.Equal(t, wire.TypeWelcome, readFrame(t, ws).Type)

	sendFrame(t, ws, wire.TypeSnapshot, wire.Snapshot{
		Version: 1,
		Fields: map[string]json.RawMessage{
			"server_name": json.RawMessage(`"Vanilla+"`),
		},
		CapturedAt: time.Now().UTC(),
	})

	// The snapshot becomes visible through the dashboard API
	require.Eventually(t, func() bool {
		resp := f.request(t, http.MethodGet, "/api/tenants/"+id+"/snapshot", f.opToken, nil)
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 25*time.Millisecond)

	resp := f.request(t, http.MethodGet, "/api/tenants/"+id+"/snapshot", f.opToken, nil)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, true, body["online"])
}

func TestAgentWS_CommandRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	id, apiKey := f.createTenant(t, "Survival Main")

	ws := dialAgent(t, f, apiKey)
	require.Equal(t, wire.TypeWelcome, readFrame(t, ws).Type)

	resp := f.request(t, http.MethodPost, "/api/tenants/"+id+"/commands", f.opToken, map[string]any{
		"field": "server_name",
		"value": "Renamed",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["offline"])
	cmdID := body["command"].(map[string]any)["id"].(string)

	// The agent receives the command and acks it
	env := readFrame(t, ws)
	require.Equal(t, wire.TypeCommand, env.Type)

	var cmd wire.Command
	require.NoError(t, env.DecodePayload(&cmd))
	assert.Equal(t, "server_name", cmd.Field)

	sendFrame(t, ws, wire.TypeCommandAck, wire.CommandAck{Sequence: cmd.Sequence})

	require.Eventually(t, func() bool {
		resp := f.request(t, http.MethodGet, "/api/commands/"+cmdID, f.opToken, nil)
		defer resp.Body.Close()
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false
		}
		return out["state"] == "acked"
	}, 2*time.Second, 25*time.Millisecond)
}

func TestAgentWS_SecondConnectionReplacesFirst(t *testing.T) {
	f := newAPIFixture(t)
	_, apiKey := f.createTenant(t, "Survival Main")

	first := dialAgent(t, f, apiKey)
	require.Equal(t, wire.TypeWelcome, readFrame(t, first).Type)

	second := dialAgent(t, f, apiKey)
	require.Equal(t, wire.TypeWelcome, readFrame(t, second).Type)

	// The first connection is force-closed by the relay
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// Exactly one session remains
	assert.Equal(t, 1, f.relay.registry.Count())
}

func TestMetricsEndpointServes(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
