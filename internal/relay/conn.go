// ABOUTME: Agent websocket endpoint: HELLO handshake, read loop, and teardown
// ABOUTME: Holds the transport handle the session registry force-closes through

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quartermaster/qm-relay/internal/auth"
	"github.com/quartermaster/qm-relay/internal/session"
	"github.com/quartermaster/qm-relay/internal/wire"
)

const (
	// maxFrameSize bounds inbound frames; snapshots are small JSON documents.
	maxFrameSize = 1 << 20

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket connection with serialized writes. Implements
// the transport handle the session registry and router operate on.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// Send encodes and writes one protocol message.
func (c *wsConn) Send(msgType string, payload any) error {
	data, err := wire.Encode(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NotifyClose sends a close control frame carrying the reason. Best-effort.
func (c *wsConn) NotifyClose(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// Close tears the underlying connection down.
func (c *wsConn) Close() error {
	return c.ws.Close()
}

// handleAgentWS upgrades the request and runs the agent connection to
// completion: handshake, session admission, read loop, teardown.
func (r *Relay) handleAgentWS(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := &wsConn{ws: ws}
	logger := r.logger.With("remote", req.RemoteAddr)

	identity, hello, err := r.performHandshake(req.Context(), conn, logger)
	if err != nil {
		_ = conn.Close()
		return
	}

	logger = logger.With("tenant_id", identity.TenantID)
	sess, replaced := r.registry.Admit(identity.TenantID, conn, hello.ProtocolVersion)
	r.metrics.SessionsActive.Set(float64(r.registry.Count()))
	if replaced != nil {
		// The replaced connection may have held the in-flight command; give
		// it back to the queue so the fresh session picks it up.
		r.router.HandleAgentGone(identity.TenantID)
	}
	r.router.OnSessionAdmitted(identity.TenantID)

	r.readLoop(sess, conn, logger)

	if r.registry.Evict(sess) {
		r.router.HandleAgentGone(sess.TenantID)
	}
	r.metrics.SessionsActive.Set(float64(r.registry.Count()))
	logger.Info("agent connection closed")
}

// performHandshake reads the HELLO frame, authenticates the key, and
// answers with WELCOME or AUTH_FAIL. The HELLO must arrive within the
// configured timeout or the connection is dropped.
func (r *Relay) performHandshake(ctx context.Context, conn *wsConn, logger *slog.Logger) (*auth.TenantIdentity, *wire.Hello, error) {
	if err := conn.ws.SetReadDeadline(time.Now().Add(r.config.Auth.HelloTimeout)); err != nil {
		return nil, nil, err
	}

	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		logger.Debug("no hello before deadline", "error", err)
		return nil, nil, err
	}

	env, err := wire.Decode(data)
	if err != nil || env.Type != wire.TypeHello {
		r.rejectHandshake(conn, logger, wire.AuthFailMalformed, "first frame must be hello")
		return nil, nil, fmt.Errorf("handshake: expected hello")
	}

	var hello wire.Hello
	if err := env.DecodePayload(&hello); err != nil {
		r.rejectHandshake(conn, logger, wire.AuthFailMalformed, "invalid hello payload")
		return nil, nil, err
	}

	if hello.ProtocolVersion != wire.ProtocolVersion {
		r.rejectHandshake(conn, logger, wire.AuthFailUnsupportedVersion,
			fmt.Sprintf("protocol version %d not supported", hello.ProtocolVersion))
		return nil, nil, fmt.Errorf("handshake: unsupported protocol version %d", hello.ProtocolVersion)
	}

	identity, err := r.authGateway.Authenticate(ctx, hello.APIKey)
	if err != nil {
		code := wire.AuthFailInvalidCredential
		if errors.Is(err, auth.ErrRevokedCredential) {
			code = wire.AuthFailRevokedCredential
		}
		r.rejectHandshake(conn, logger, code, "")
		return nil, nil, err
	}

	if err := conn.Send(wire.TypeWelcome, wire.Welcome{TenantID: identity.TenantID}); err != nil {
		return nil, nil, err
	}
	return identity, &hello, nil
}

// rejectHandshake sends AUTH_FAIL and records the failure. The generic
// failure message never says whether the key exists.
func (r *Relay) rejectHandshake(conn *wsConn, logger *slog.Logger, code, message string) {
	r.metrics.RecordAuthFailure(code)
	logger.Warn("agent authentication rejected", "code", code)
	_ = conn.Send(wire.TypeAuthFail, wire.AuthFail{Code: code, Message: message})
}

// readLoop processes frames until the connection breaks or a protocol
// violation forces a close. Every inbound frame counts as liveness.
func (r *Relay) readLoop(sess *session.Session, conn *wsConn, logger *slog.Logger) {
	// The heartbeat monitor owns liveness; the read deadline is only a
	// backstop against connections that are dead at the TCP level.
	deadline := 2 * r.config.Heartbeat.Timeout

	for {
		if err := conn.ws.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return
		}

		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", "error", err)
			}
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			logger.Warn("malformed frame, closing connection", "error", err)
			_ = conn.NotifyClose("malformed frame")
			return
		}

		r.monitor.RecordHeartbeat(sess.TenantID)

		switch env.Type {
		case wire.TypeSnapshot:
			var snap wire.Snapshot
			if err := env.DecodePayload(&snap); err != nil {
				logger.Warn("malformed snapshot, closing connection", "error", err)
				_ = conn.NotifyClose("malformed snapshot")
				return
			}
			if err := r.router.OnAgentSnapshot(sess, snap); err != nil {
				logger.Error("snapshot handling failed", "error", err)
			}

		case wire.TypeCommandAck:
			var ack wire.CommandAck
			if err := env.DecodePayload(&ack); err != nil {
				logger.Warn("malformed ack, closing connection", "error", err)
				_ = conn.NotifyClose("malformed ack")
				return
			}
			r.router.OnAgentAck(sess, ack)

		case wire.TypeCommandNack:
			var nack wire.CommandNack
			if err := env.DecodePayload(&nack); err != nil {
				logger.Warn("malformed nack, closing connection", "error", err)
				_ = conn.NotifyClose("malformed nack")
				return
			}
			r.router.OnAgentNack(sess, nack)

		case wire.TypeHeartbeat:
			// Liveness already recorded above.

		default:
			// hello after admission, or a relay-to-agent type echoed back.
			logger.Warn("unexpected frame after handshake", "type", env.Type)
			_ = conn.NotifyClose("unexpected frame")
			return
		}
	}
}
