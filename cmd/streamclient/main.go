package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/streamlink/internal/auth"
	"github.com/rickgao/streamlink/internal/config"
	"github.com/rickgao/streamlink/internal/connection"
	"github.com/rickgao/streamlink/internal/database"
	"github.com/rickgao/streamlink/internal/heartbeat"
	"github.com/rickgao/streamlink/internal/journal"
	"github.com/rickgao/streamlink/internal/metrics"
	"github.com/rickgao/streamlink/internal/model"
	"github.com/rickgao/streamlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamclient.local.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting stream client", append(version.LogAttrs(),
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"url", cfg.Stream.URL,
	)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("stream client failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stream client stopped")
}

func run(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	m.LimitTypes(cfg.Stream.MessageTypes)

	// Optional journal
	var (
		pool *pgxpool.Pool
		jrnl *journal.Journal
	)
	if cfg.Journal.Enabled {
		db := cfg.Journal.Database
		logger.Info("connecting to journal database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		var err error
		pool, err = database.Connect(ctx, db, "streamlink-"+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		if err := journal.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		jrnl = journal.New(journal.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
			RecordData:    cfg.Journal.RecordData,
		}, pool, m, logger)
	}

	// Handshake signing
	var signer connection.HeaderSigner
	if cfg.Stream.PrivateKeyPath != "" {
		s, err := auth.NewSigner(cfg.Stream.APIKey, cfg.Stream.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		signer = s
		logger.Info("handshake signing enabled", "key_id", cfg.Stream.APIKey)
	}

	transports := connection.NewTransports()
	transport := transports.Get(cfg.Stream.URL, func() connection.Transport {
		return connection.NewWSTransport(connection.ClientConfig{
			URL:              cfg.Stream.URL,
			HandshakeTimeout: cfg.Stream.HandshakeTimeout,
			WriteTimeout:     cfg.Stream.WriteTimeout,
			PingInterval:     cfg.Stream.PingInterval,
			PingTimeout:      cfg.Stream.PingTimeout,
			HeartbeatRate:    cfg.Stream.HeartbeatRate,
			HeartbeatBurst:   cfg.Stream.HeartbeatBurst,
		}, signer, logger)
	})
	defer transports.Remove(cfg.Stream.URL)

	opts := managerOptions(cfg, m, jrnl, logger)
	mgr, err := connection.NewManager(transport, opts, logger)
	if err != nil {
		return fmt.Errorf("create connection manager: %w", err)
	}

	pacer := heartbeat.New(heartbeat.Config{Interval: cfg.Stream.HeartbeatInterval}, mgr, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/health", healthHandler(mgr, jrnl, pool))
	mux.HandleFunc("/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		mgr.Reconnect()
		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start order: journal, manager, pacer. Stop runs in reverse.
	if jrnl != nil {
		if err := jrnl.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	if err := pacer.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if err := pacer.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop heartbeat: %w", err))
		}
		if err := mgr.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop connection manager: %w", err))
		}
		if jrnl != nil {
			if err := jrnl.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop journal: %w", err))
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop http server: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// managerOptions maps config onto manager options and wires the journal
// and logging callbacks.
func managerOptions(cfg *config.ClientConfig, m *metrics.Metrics, jrnl *journal.Journal, logger *slog.Logger) connection.Options {
	opts := connection.DefaultOptions()
	opts.AutoConnect = cfg.Stream.AutoConnectEnabled()
	opts.MessageTypes = cfg.Stream.MessageTypes
	opts.Policy = connection.Policy{
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		JitterMax:   cfg.Reconnect.Jitter,
	}
	opts.PollInterval = cfg.Reconnect.PollInterval
	opts.SettleDelay = cfg.Reconnect.SettleDelay
	opts.Metrics = m

	opts.OnConnect = func(id string) {
		logger.Info("stream connected", "connection_id", id)
	}
	opts.OnDisconnect = func() {
		logger.Warn("stream disconnected")
	}
	opts.OnError = func(text string) {
		logger.Warn("stream error", "message", text)
	}
	opts.OnStateChange = func(tr model.Transition) {
		if jrnl != nil {
			jrnl.RecordTransition(tr)
		}
	}
	opts.OnMessage = func(msg model.Message) {
		if jrnl != nil {
			jrnl.RecordMessage(msg)
		}
	}
	return opts
}

// healthHandler reports connection state, plus journal health when enabled.
func healthHandler(mgr *connection.Manager, jrnl *journal.Journal, pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := mgr.Stats()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["stream"] = map[string]any{
			"state":         stats.State.String(),
			"connection_id": stats.ConnectionID,
			"attempts":      stats.Attempts,
			"exhausted":     stats.Exhausted,
			"dispatched":    stats.Dispatched,
		}
		switch {
		case stats.Exhausted:
			health.Status = "unhealthy"
		case stats.State != model.StateConnected:
			health.Status = "degraded"
		}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["journal_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["journal_db"] = "connected"
			}
		}
		if jrnl != nil {
			js := jrnl.Stats()
			health.Components["journal"] = map[string]any{
				"queued":  js.Queued,
				"inserts": js.Inserts,
				"errors":  js.Errors,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
