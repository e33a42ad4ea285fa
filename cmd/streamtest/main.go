// streamtest connects to a stream endpoint and prints messages to the console.
// Usage: go run ./cmd/streamtest --config configs/streamclient.local.yaml --types trade,quote
//
// Handshake signing uses stream.api_key and stream.private_key_path from the
// config file; both accept ${VAR} references.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/streamlink/internal/auth"
	"github.com/rickgao/streamlink/internal/buffer"
	"github.com/rickgao/streamlink/internal/config"
	"github.com/rickgao/streamlink/internal/connection"
	"github.com/rickgao/streamlink/internal/heartbeat"
	"github.com/rickgao/streamlink/internal/model"
)

func main() {
	configPath := flag.String("config", "configs/streamclient.example.yaml", "path to config file")
	url := flag.String("url", "", "override stream.url")
	types := flag.String("types", "", "comma-separated message types to print (default: all)")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Stream.URL = *url
	}
	if *types != "" {
		cfg.Stream.MessageTypes = splitTypes(*types)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var signer connection.HeaderSigner
	if cfg.Stream.PrivateKeyPath != "" {
		s, err := auth.NewSigner(cfg.Stream.APIKey, cfg.Stream.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load signing key", "error", err)
			os.Exit(1)
		}
		signer = s
		logger.Info("using API credentials", "key_id", cfg.Stream.APIKey)
	}

	transport := connection.NewWSTransport(connection.ClientConfig{
		URL:              cfg.Stream.URL,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		WriteTimeout:     cfg.Stream.WriteTimeout,
		PingInterval:     cfg.Stream.PingInterval,
		PingTimeout:      cfg.Stream.PingTimeout,
		HeartbeatRate:    cfg.Stream.HeartbeatRate,
		HeartbeatBurst:   cfg.Stream.HeartbeatBurst,
	}, signer, logger)

	// Messages are printed off the manager loop.
	out := buffer.New[model.Message](1000)

	opts := connection.DefaultOptions()
	opts.MessageTypes = cfg.Stream.MessageTypes
	opts.Policy = connection.Policy{
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		JitterMax:   cfg.Reconnect.Jitter,
	}
	opts.PollInterval = cfg.Reconnect.PollInterval
	opts.OnMessage = func(msg model.Message) { out.Push(msg) }
	opts.OnConnect = func(id string) { fmt.Printf("[CONNECTED] connection_id=%s\n", id) }
	opts.OnDisconnect = func() { fmt.Println("[DISCONNECTED]") }
	opts.OnError = func(text string) { fmt.Printf("[ERROR] %s\n", text) }
	opts.OnStateChange = func(tr model.Transition) {
		fmt.Printf("[STATE] %s -> %s attempt=%d\n", tr.From, tr.To, tr.Attempt)
	}

	mgr, err := connection.NewManager(transport, opts, logger)
	if err != nil {
		logger.Error("failed to create connection manager", "error", err)
		os.Exit(1)
	}
	pacer := heartbeat.New(heartbeat.Config{Interval: cfg.Stream.HeartbeatInterval}, mgr, logger)

	logger.Info("starting connection manager", "url", cfg.Stream.URL, "types", cfg.Stream.MessageTypes)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}
	pacer.Start(ctx)

	go printMessages(out, *verbose)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := mgr.Stats()
				bufStats := out.Stats()
				logger.Info("stats",
					"state", stats.State,
					"attempts", stats.Attempts,
					"dispatched", stats.Dispatched,
					"heartbeats", pacer.Stats().Sent,
					"print_queue", bufStats.Len,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	pacer.Stop(shutdownCtx)
	mgr.Stop(shutdownCtx)
	out.Close()

	logger.Info("shutdown complete")
}

func printMessages(buf *buffer.Queue[model.Message], verbose bool) {
	for {
		msg, ok := buf.Pop()
		if !ok {
			return
		}

		if verbose {
			var pretty map[string]any
			if err := json.Unmarshal(msg.Raw, &pretty); err == nil {
				data, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Printf("[%s] %s\n", strings.ToUpper(msg.Type), data)
				continue
			}
		}
		fmt.Printf("[%s] bytes=%d at=%s\n", strings.ToUpper(msg.Type), len(msg.Raw), msg.ReceivedAt.Format(time.RFC3339Nano))
	}
}

func splitTypes(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
