// Package heartbeat sends periodic keepalives through a connection
// manager while it is connected.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Target is the connection the pacer keeps alive.
type Target interface {
	IsConnected() bool
	SendHeartbeat()
}

// Config holds pacer configuration.
type Config struct {
	Interval time.Duration // Time between heartbeats (default: 15s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second}
}

// Stats counts pacer ticks.
type Stats struct {
	Sent    int64 // Ticks that reached the target
	Skipped int64 // Ticks while disconnected
}

// Pacer ticks at a fixed interval and forwards a heartbeat when the target
// reports connected.
type Pacer struct {
	cfg    Config
	target Target
	logger *slog.Logger

	sent    atomic.Int64
	skipped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pacer for target.
func New(cfg Config, target Target, logger *slog.Logger) *Pacer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Pacer{
		cfg:    cfg,
		target: target,
		logger: logger.With("component", "heartbeat"),
	}
}

// Start begins the heartbeat loop.
func (p *Pacer) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("heartbeat pacer started", "interval", p.cfg.Interval)
	return nil
}

// Stop shuts the loop down.
func (p *Pacer) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("heartbeat pacer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns tick counters.
func (p *Pacer) Stats() Stats {
	return Stats{Sent: p.sent.Load(), Skipped: p.skipped.Load()}
}

func (p *Pacer) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.beat()
		}
	}
}

func (p *Pacer) beat() {
	if !p.target.IsConnected() {
		p.skipped.Add(1)
		return
	}
	p.target.SendHeartbeat()
	p.sent.Add(1)
}
