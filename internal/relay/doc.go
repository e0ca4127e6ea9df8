// Package relay orchestrates the qm-relay broker components.
//
// # Overview
//
// The relay package is the central coordinator. It owns and wires all major
// components: the persistent store, the session registry, the snapshot
// cache, the command queue, the heartbeat monitor, and the dashboard HTTP
// surface.
//
// # Relay Struct
//
// The Relay struct is the main entry point:
//
//	type Relay struct {
//	    config      *config.Config
//	    store       store.Store
//	    registry    *session.Registry
//	    state       *state.Cache
//	    queue       *queue.Queue
//	    router      *Router
//	    monitor     *heartbeat.Monitor
//	    broadcaster *notify.Broadcaster
//	    httpServer  *http.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// The relay exposes HTTP endpoints in api.go:
//
//   - POST /api/tenants - Create a tenant and mint its API key (admin)
//   - GET /api/tenants - List tenants with online status (admin)
//   - POST /api/tenants/{id}/rotate-key - Rotate the tenant's key (admin)
//   - POST /api/tenants/{id}/revoke - Revoke the tenant (admin)
//   - GET /api/tenants/{id}/snapshot - Last known snapshot
//   - POST /api/tenants/{id}/commands - Submit a field update
//   - GET /api/tenants/{id}/commands - Recent commands
//   - GET /api/tenants/{id}/events - SSE event stream
//   - GET /api/commands/{id} - Command status
//   - GET /health, /health/ready - Liveness and readiness
//   - GET /metrics - Prometheus metrics
//
// # Agent Websocket
//
// Agents connect to GET /agent/ws and speak the wire protocol: HELLO with
// an API key, then WELCOME binds the connection to a tenant. Snapshots,
// command acks, and heartbeats flow over the same connection. Handshake
// and read loop live in conn.go.
//
// # Router
//
// The Router (router.go) is the traffic hub: dashboard submissions enter
// through SubmitCommand, agent responses through OnAgentSnapshot,
// OnAgentAck, and OnAgentNack. Dispatch is event-driven: every state
// change that could unblock the queue head calls tryDispatch.
//
// # Lifecycle
//
// Start the relay:
//
//	r := relay.New(cfg, st, logger, prometheus.DefaultRegisterer)
//	ctx, cancel := context.WithCancel(context.Background())
//	err := r.Run(ctx)
//
// Cancelling ctx triggers a graceful shutdown: the HTTP server drains,
// live agent sessions are notified and evicted, and the background loops
// stop.
//
// # Key Files
//
//   - relay.go: Relay struct, wiring, Run and shutdown
//   - router.go: Submission, dispatch, and agent response handling
//   - conn.go: Agent websocket handshake and read loop
//   - api.go: Dashboard HTTP handlers and SSE streaming
package relay
