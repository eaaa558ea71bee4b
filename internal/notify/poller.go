package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/farmlink-sync/internal/config"
	"github.com/rickgao/farmlink-sync/internal/metrics"
	"github.com/rickgao/farmlink-sync/internal/model"
)

// Source lists the user's notifications.
type Source interface {
	ListNotifications(ctx context.Context) ([]model.Notification, error)
}

// ResultHandler receives the notifications of one successful poll.
type ResultHandler func(ctx context.Context, ns []model.Notification)

// Poller fetches notifications on an adaptive interval: short while an
// order is active, long otherwise.
type Poller struct {
	cfg     config.PollerConfig
	source  Source
	handler ResultHandler
	active  func() bool
	logger  *slog.Logger
	metrics *metrics.Metrics

	trigger chan struct{}

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a Poller. active reports whether an order is active; nil
// means never.
func NewPoller(cfg config.PollerConfig, source Source, handler ResultHandler, active func() bool, logger *slog.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = config.DefaultActivePollInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = config.DefaultIdlePollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultPollTimeout
	}
	if active == nil {
		active = func() bool { return false }
	}
	return &Poller{
		cfg:     cfg,
		source:  source,
		handler: handler,
		active:  active,
		logger:  logger.With("component", "poller"),
		metrics: m,
		trigger: make(chan struct{}, 1),
	}
}

// Start begins the polling loop. The first poll runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run(p.ctx)

	p.logger.Info("notification poller started",
		"active_interval", p.cfg.ActiveInterval,
		"idle_interval", p.cfg.IdleInterval,
	)
	return nil
}

// Stop shuts down the poller and waits for an in-flight poll.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("notification poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests an immediate poll. Requests made while one is already
// pending are merged.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Interval returns the current poll interval.
func (p *Poller) Interval() time.Duration {
	if p.active() {
		return p.cfg.ActiveInterval
	}
	return p.cfg.IdleInterval
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	// Poll immediately on start.
	p.poll(ctx)

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		p.poll(ctx)
		timer.Reset(p.Interval())
	}
}

// poll runs one fetch and hands the result to the handler.
func (p *Poller) poll(ctx context.Context) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ns, err := p.source.ListNotifications(reqCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.Poll("error", time.Since(start).Seconds())
		p.logger.Warn("notification poll failed", "error", err)
		return
	}
	p.metrics.Poll("ok", time.Since(start).Seconds())
	p.logger.Debug("notification poll complete",
		"notifications", len(ns),
		"duration", time.Since(start),
	)

	if p.handler != nil {
		p.handler(ctx, ns)
	}
}
