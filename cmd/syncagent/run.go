package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/rickgao/farmlink-sync/internal/api"
	"github.com/rickgao/farmlink-sync/internal/auth"
	"github.com/rickgao/farmlink-sync/internal/cache"
	"github.com/rickgao/farmlink-sync/internal/config"
	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/engine"
	"github.com/rickgao/farmlink-sync/internal/metrics"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/session"
	"github.com/rickgao/farmlink-sync/internal/version"
)

const appName = "syncagent"

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "connect and keep the local state in sync until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "order",
				Usage: "order to open after start",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting sync agent",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"backend", cfg.Transport.Backend,
	)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(ctx, cfg.Cache, appName)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	apiClient := api.NewClient(cfg.API.RestURL, "",
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithAuthPath(cfg.API.AuthPath),
	)

	transport, err := newTransport(cfg, apiClient, logger, m)
	if err != nil {
		return err
	}

	sessions := session.NewRepository(store, logger)
	eng, err := engine.New(engine.Deps{
		Config:    *cfg,
		API:       apiClient,
		Transport: transport,
		Sessions:  sessions,
		Journal:   store,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHealthHandler(eng, reg, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	eng.OnNotification(func(n model.Notification, source string) {
		logger.Info("notification", "id", n.ID, "type", n.Type, "order_id", n.RelatedOrderID, "source", source)
	})

	if err := eng.Init(ctx); err != nil {
		shutdown(healthServer, eng, logger)
		if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrExpired) {
			return fmt.Errorf("%w; run `syncagent session login` first", err)
		}
		return err
	}

	if orderID := c.String("order"); orderID != "" {
		if _, err := eng.OpenOrder(ctx, orderID); err != nil {
			logger.Warn("could not open order", "order_id", orderID, "error", err)
		}
	}

	logger.Info("sync agent running",
		"user_id", eng.UserID(),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down...")
	shutdown(healthServer, eng, logger)
	logger.Info("sync agent stopped")
	return nil
}

func shutdown(srv *http.Server, eng *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Dispose(ctx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	srv.Shutdown(ctx)
}

// newTransport builds the connection manager for the configured backend.
// Grants are signed locally when the app secret is configured and fetched
// from the REST API otherwise.
func newTransport(cfg *config.AgentConfig, apiClient *api.Client, logger *slog.Logger, m *metrics.Metrics) (*connection.Manager, error) {
	tc := cfg.Transport
	proto, err := connection.NewProtocol(tc.Backend, tc.AppKey)
	if err != nil {
		return nil, err
	}

	var authorizer auth.Authorizer = apiClient
	if tc.AppSecret != "" {
		signer, err := auth.NewSigner(tc.AppKey, tc.AppSecret)
		if err != nil {
			return nil, fmt.Errorf("transport signer: %w", err)
		}
		authorizer = signer
	}

	mcfg := connection.ManagerConfig{
		URL:                  tc.URL,
		AppKey:               tc.AppKey,
		HandshakeTimeout:     tc.HandshakeTimeout,
		SubscribeTimeout:     tc.SubscribeTimeout,
		ReconnectBaseDelay:   tc.ReconnectBaseDelay,
		ReconnectMaxDelay:    tc.ReconnectMaxDelay,
		MaxReconnectAttempts: tc.MaxReconnectAttempts,
		PingTimeout:          tc.PingTimeout,
		WriteTimeout:         tc.WriteTimeout,
		BufferSize:           tc.BufferSize,
		ClientEventRate:      tc.ClientEventRate,
		ClientEventBurst:     tc.ClientEventBurst,
	}
	return connection.NewManager(mcfg, proto, logger,
		connection.WithAuthorizer(authorizer),
		connection.WithTokenSource(apiClient.Token),
		connection.WithMetrics(m),
	), nil
}

// healthView is the part of the engine the health endpoint reports on.
type healthView interface {
	UserID() string
	ConnectionState() connection.State
	Rooms() []string
	CurrentOrder() string
	BusyFlags() []string
}

// newHealthHandler serves /health and the metrics endpoint.
func newHealthHandler(eng healthView, reg *prometheus.Registry, metricsPath string) http.Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		state := eng.ConnectionState()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status: "healthy",
			Components: map[string]any{
				"transport": map[string]any{
					"state": state.String(),
					"rooms": eng.Rooms(),
				},
				"session": map[string]any{
					"user_id":       eng.UserID(),
					"current_order": eng.CurrentOrder(),
					"busy":          eng.BusyFlags(),
				},
			},
		}
		switch state {
		case connection.StateConnected:
		case connection.StateDisconnected:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
