// ABOUTME: Relay orchestrator wiring the store, registry, queue, and router
// ABOUTME: Owns the HTTP server lifecycle and the background loops

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quartermaster/qm-relay/internal/auth"
	"github.com/quartermaster/qm-relay/internal/config"
	"github.com/quartermaster/qm-relay/internal/dedupe"
	"github.com/quartermaster/qm-relay/internal/heartbeat"
	"github.com/quartermaster/qm-relay/internal/metrics"
	"github.com/quartermaster/qm-relay/internal/notify"
	"github.com/quartermaster/qm-relay/internal/queue"
	"github.com/quartermaster/qm-relay/internal/session"
	"github.com/quartermaster/qm-relay/internal/state"
	"github.com/quartermaster/qm-relay/internal/store"
)

const (
	// dedupeTTL is how long an idempotency key maps to its command.
	dedupeTTL = 10 * time.Minute

	// dedupeMaxSize caps the idempotency cache.
	dedupeMaxSize = 10000

	// gcInterval is how often terminal commands are purged.
	gcInterval = time.Hour
)

// Relay is the assembled broker: every component lives here and the HTTP
// surface hangs off it.
type Relay struct {
	config      *config.Config
	logger      *slog.Logger
	store       store.Store
	registry    *session.Registry
	state       *state.Cache
	queue       *queue.Queue
	dedupe      *dedupe.Cache
	broadcaster *notify.Broadcaster
	metrics     *metrics.Metrics
	authGateway *auth.Gateway
	verifier    *auth.JWTVerifier
	monitor     *heartbeat.Monitor
	router      *Router

	httpServer *http.Server
}

// New assembles a relay from configuration. The caller owns the store's
// lifetime until Run returns. Metrics register on reg; the server passes
// prometheus.DefaultRegisterer.
func New(cfg *config.Config, st store.Store, logger *slog.Logger, reg prometheus.Registerer) *Relay {
	r := &Relay{
		config:      cfg,
		logger:      logger.With("component", "relay"),
		store:       st,
		registry:    session.NewRegistry(logger),
		state:       state.NewCache(st, logger),
		queue:       queue.New(st, logger),
		dedupe:      dedupe.New(dedupeTTL, dedupeMaxSize),
		broadcaster: notify.NewBroadcaster(logger),
		metrics:     metrics.New(reg),
		authGateway: auth.NewGateway(st, logger),
		verifier:    auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
	}

	r.router = NewRouter(RouterDeps{
		Registry:    r.registry,
		State:       r.state,
		Queue:       r.queue,
		Store:       st,
		Dedupe:      r.dedupe,
		Broadcaster: r.broadcaster,
		Metrics:     r.metrics,
		Logger:      logger,
		AckTimeout:  cfg.Queue.AckTimeout,
		Workers:     cfg.Queue.Workers,
	})

	r.monitor = heartbeat.NewMonitor(r.registry,
		cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout,
		func(tenantID string) {
			r.metrics.SessionsActive.Set(float64(r.registry.Count()))
			r.router.HandleAgentGone(tenantID)
		},
		logger,
	)

	r.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r
}

// Run starts the HTTP server and the background loops, then blocks until
// ctx is cancelled or the server fails.
func (r *Relay) Run(ctx context.Context) error {
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	go r.monitor.Run(loopCtx)
	go r.queue.RunGC(loopCtx, gcInterval, r.config.Queue.Retention)

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", r.config.Server.HTTPAddr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		r.logger.Error("http server failed", "error", serverErr)
	}

	shutdownErr := r.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.httpServer.Shutdown(ctx)

	for _, sess := range r.registry.ActiveSessions() {
		_ = sess.Conn.NotifyClose("relay shutting down")
		r.registry.Evict(sess)
	}

	r.broadcaster.Close()
	r.dedupe.Close()

	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
