// Package app assembles a running referral service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/referra/internal/config"
	"github.com/roach88/referra/internal/engagement"
	"github.com/roach88/referra/internal/events"
	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/metrics"
	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/scheduler"
	"github.com/roach88/referra/internal/store"
)

// App owns the ledger and everything that feeds it.
type App struct {
	Logger    *slog.Logger
	Ledger    *ledger.Ledger
	Tracker   *engagement.Tracker
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics

	mu  sync.Mutex
	cfg config.Config

	stream *events.RedisStream
	redis  *redis.Client
	now    func() time.Time
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	offline bool
	backend store.Backend
	now     func() time.Time
}

// Offline skips the Redis event stream. Used by one-shot admin commands.
func Offline() Option {
	return func(o *openOptions) { o.offline = true }
}

// WithBackend uses b instead of building one from configuration.
func WithBackend(b store.Backend) Option {
	return func(o *openOptions) { o.backend = b }
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(o *openOptions) { o.now = now }
}

// PolicyFrom converts configuration into a ledger policy.
func PolicyFrom(cfg config.Config) ledger.Policy {
	return ledger.Policy{
		PayoutThreshold:    cfg.Referral.PayoutThreshold,
		RequiredEngagement: cfg.RequiredEngagement(),
	}
}

// Open builds the backend, opens the ledger, and wires sinks and the
// scheduler. Failing to reach Redis is logged and the stream is skipped.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}

	a := &App{
		Logger:  logger,
		Tracker: engagement.NewTracker(),
		Metrics: metrics.New(),
		cfg:     cfg,
		now:     o.now,
	}

	sinks := events.Fanout{events.LogSink{Logger: logger}, a.Metrics}
	if cfg.Redis.Enabled && !o.offline {
		client, err := events.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("event stream disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			a.redis = client
			a.stream = events.NewRedisStream(client, events.RedisStreamOptions{
				Stream: cfg.Redis.Stream,
				Buffer: cfg.Redis.Buffer,
				Logger: logger,
			})
			sinks = append(sinks, a.stream)
		}
	}

	backend := o.backend
	if backend == nil {
		b, err := NewBackend(cfg)
		if err != nil {
			a.closeRedis()
			return nil, err
		}
		backend = b
	}

	l, err := ledger.Open(ctx, backend, PolicyFrom(cfg),
		ledger.WithEngagementSource(a.Tracker),
		ledger.WithSink(sinks),
		ledger.WithLogger(logger),
		ledger.WithNow(o.now),
		ledger.WithOpTimeout(cfg.OpTimeout()),
		ledger.WithPersistFailureHook(a.Metrics.PersistFailed),
	)
	if err != nil {
		a.closeRedis()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.Ledger = l
	a.Scheduler = scheduler.New(l, a.Tracker, cfg.CheckInterval(), logger)
	return a, nil
}

// Config returns the configuration currently in effect.
func (a *App) Config() config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Run drives the scheduler and the event stream until ctx is done.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if a.stream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.stream.Run(ctx)
		}()
	}
	err := a.Scheduler.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// SessionStarted handles a session start reported by the host: the tracker
// learns the engagement counter, the ledger records the session, and the
// user's own pending referral is checked.
func (a *App) SessionStarted(id referral.UserID, name, address string, accumulated time.Duration) (ledger.Confirmation, *ledger.Ack) {
	a.Tracker.Start(id, accumulated, a.now())
	ack := a.Ledger.RecordSession(id, name, address)
	return a.Scheduler.SessionStarted(id), ack
}

// Heartbeat updates the user's engagement counter.
func (a *App) Heartbeat(id referral.UserID, accumulated time.Duration) {
	a.Tracker.Update(id, accumulated, a.now())
}

// SessionEnded marks the user inactive. Reports false for unknown sessions.
func (a *App) SessionEnded(id referral.UserID) bool {
	return a.Tracker.End(id)
}

// Reload applies a new configuration. The policy always changes; the
// backend is swapped only when its settings differ. On a failed backend swap
// the old backend and the old database settings stay in effect.
func (a *App) Reload(ctx context.Context, next config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.Ledger.SetPolicy(PolicyFrom(next)); err != nil {
		return err
	}

	if next.Database != a.cfg.Database {
		b, err := NewBackend(next)
		if err != nil {
			return err
		}
		if err := a.Ledger.Reload(ctx, b); err != nil {
			next.Database = a.cfg.Database
			a.cfg = next
			return fmt.Errorf("reload backend: %w", err)
		}
	}

	if next.CheckInterval() != a.cfg.CheckInterval() {
		a.Logger.Warn("check interval change takes effect after restart",
			"current", a.Scheduler.Interval(),
			"configured", next.CheckInterval())
	}
	a.cfg = next
	a.Logger.Info("configuration reloaded",
		"backend", string(next.Kind()),
		"payout_threshold", next.Referral.PayoutThreshold,
		"required_engagement", next.RequiredEngagement())
	return nil
}

// Close shuts the ledger down and releases Redis.
func (a *App) Close(ctx context.Context) error {
	err := a.Ledger.Close(ctx)
	a.closeRedis()
	return err
}

func (a *App) closeRedis() {
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
