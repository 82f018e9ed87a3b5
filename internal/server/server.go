package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-taskhub/internal/dispatch"
	"github.com/a-essam23/go-taskhub/internal/engine"
	"github.com/a-essam23/go-taskhub/internal/mention"
	"github.com/a-essam23/go-taskhub/internal/metrics"
	"github.com/a-essam23/go-taskhub/internal/server/middleware"
	"github.com/a-essam23/go-taskhub/pkg/config"
	"github.com/a-essam23/go-taskhub/pkg/gateway"
	"github.com/a-essam23/go-taskhub/pkg/gateway/memory"
	"github.com/a-essam23/go-taskhub/pkg/gateway/postgres"
	"github.com/a-essam23/go-taskhub/pkg/protocol"
	"github.com/a-essam23/go-taskhub/pkg/state/statemanager"
	"github.com/a-essam23/go-taskhub/pkg/transport"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ErrShuttingDown = errors.New("server shutting down")

type App struct {
	logger     *slog.Logger
	config     *config.Config
	registry   *statemanager.Registry
	presence   *statemanager.PresenceTracker
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	pool       *pgxpool.Pool
	wg         sync.WaitGroup
	http       *http.Server

	ctx          context.Context
	stopDispatch context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewApp wires the state services, the gateway and the dispatcher, and
// starts the dispatch loop. Call Shutdown to release them.
func NewApp(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*App, error) {
	gw, pool, err := openGateway(ctx, logger, cfg.Gateway)
	if err != nil {
		return nil, err
	}

	frames := protocol.NewFrames()
	registry := statemanager.NewRegistry(logger)
	rooms := statemanager.NewRoomDirectory(logger, registry, frames)
	presence := statemanager.NewPresenceTracker(logger, registry, rooms, frames)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(promRegistry))

	eng := engine.New(logger)
	eng.RegisterCore(&engine.RegisterCoreOptions{
		JWTSecret: cfg.Server.Auth.JWTSecret,
		Store:     statemanager.NewModifierStore(logger),
	})
	if err := config.CompilePipelines(cfg, eng.GetModifierFunc); err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("compile event pipelines: %w", err)
	}

	d := dispatch.New(logger, dispatch.Deps{
		Registry:  registry,
		Rooms:     rooms,
		Presence:  presence,
		Gateway:   gw,
		Mentions:  mention.NewResolver(logger, gw),
		Engine:    eng,
		Pipelines: cfg.Pipelines,
		Frames:    frames,
		Metrics:   m,
	}, dispatch.Config{
		Workers:        cfg.Dispatch.Workers,
		InboxSize:      cfg.Dispatch.InboxSize,
		GatewayTimeout: cfg.Dispatch.GatewayTimeout,
		AuthTimeout:    cfg.Transport.AuthTimeout,
		SessionPolicy:  dispatch.SessionPolicy(cfg.Session.Policy),
	})
	warnUnknownEvents(logger, cfg, eng.EventTypes())

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go d.Run(dispatchCtx)

	app := &App{
		logger:       logger,
		config:       cfg,
		registry:     registry,
		presence:     presence,
		dispatcher:   d,
		metrics:      m,
		pool:         pool,
		ctx:          ctx,
		stopDispatch: stopDispatch,
	}
	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.routes(promRegistry),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

func (a *App) routes(promRegistry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)

	secret := a.config.Server.Auth.JWTSecret
	r.Handle("/ws", middleware.Chain(http.HandlerFunc(a.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(a.logger),
		middleware.NewConnectionLimiter(a.logger, a.registry.CountByIP, a.config.Server.ConnectionLimit),
		middleware.Optional(secret != "", func() middleware.Middleware {
			return middleware.NewAuthMiddleware(a.logger, secret)
		}),
	))

	r.Get("/healthz", a.healthHandler)
	r.Get("/api/presence", a.presenceHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	return r
}

// Handler exposes the routes, mainly for httptest.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}
}

func transportConfig(cfg config.TransportConfig) transport.ConnectionConfig {
	return transport.ConnectionConfig{
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		MaxMessageSize: cfg.MaxMessageSize,
		OutboundQueue:  cfg.OutboundQueue,
		Overflow:       transport.OverflowPolicy(cfg.Overflow),
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("verifiedUserID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transportConfig(a.config.Transport),
		a.dispatcher.HandleMessage,
		a.dispatcher.HandleClose,
		a.logger,
	)
	conn.SetObserver(a.metrics)

	if err := a.dispatcher.Open(r.Context(), conn.ID(), conn, reqMeta.IP, reqMeta.UserID); err != nil {
		connLogger.Error("Failed to open dispatcher session", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("Connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": a.registry.Count(),
	})
}

func (a *App) presenceHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.presence.ListActive())
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown()
	})
	return a.shutdownErr
}

func (a *App) shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...", slog.Int("count", a.registry.Count()))
	for _, conn := range a.registry.All() {
		conn.Transport.Close(ErrShuttingDown)
	}

	// wait for all connection goroutines to finish their cleanup.
	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", shutdownCtx.Err()))
	}

	a.stopDispatch()
	select {
	case <-a.dispatcher.Done():
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("waiting for dispatcher: %w", shutdownCtx.Err()))
	}

	if a.pool != nil {
		a.pool.Close()
	}
	if len(errs) == 0 {
		a.logger.Info("Server shut down gracefully.")
	}
	return errors.Join(errs...)
}

// openGateway builds the configured gateway. The pool is nil for the
// memory driver.
func openGateway(ctx context.Context, logger *slog.Logger, cfg config.GatewayConfig) (gateway.Gateway, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, logger, pool, "up"); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		gw := postgres.New(logger, pool)
		for _, u := range cfg.Users {
			if err := gw.UpsertUser(ctx, u.Handle, identityOf(u)); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("seed user '%s': %w", u.Handle, err)
			}
		}
		logger.Info("Using postgres gateway", slog.Int("seededUsers", len(cfg.Users)))
		return gw, pool, nil
	default:
		users := make([]memory.User, 0, len(cfg.Users))
		for _, u := range cfg.Users {
			users = append(users, memory.User{Handle: u.Handle, Identity: identityOf(u)})
		}
		logger.Info("Using in-memory gateway", slog.Int("users", len(users)))
		return memory.New(users...), nil, nil
	}
}

func identityOf(u config.UserSeed) gateway.Identity {
	return gateway.Identity{UserID: u.UserID, DisplayName: u.DisplayName, Email: u.Email}
}

func warnUnknownEvents(logger *slog.Logger, cfg *config.Config, known []string) {
	routes := make(map[string]struct{}, len(known))
	for _, t := range known {
		routes[t] = struct{}{}
	}
	for eventType := range cfg.Pipelines {
		if _, ok := routes[eventType]; !ok {
			logger.Warn("Modifiers configured for an unknown event type", slog.String("type", eventType))
		}
	}
}
