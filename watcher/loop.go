package watcher

import (
	"context"
	"time"

	"github.com/stephnangue/capsule/logger"
)

const DefaultTickInterval = time.Second

// EventSource yields debounced change events without blocking.
type EventSource interface {
	Poll() (Event, bool)
}

// Reconciler repairs the mirrored tree.
type Reconciler interface {
	ReflectChange(path string) error
	CheckConsistency() error
}

// Reloader reloads persisted state at the start of a tick.
type Reloader interface {
	Load()
}

// Ticker is periodic work appended to every tick, such as access auditing.
type Ticker interface {
	Tick(ctx context.Context)
}

// LoopConfig configures a Loop
type LoopConfig struct {
	Interval   time.Duration
	Store      Reloader
	Events     EventSource
	Reconciler Reconciler
	// Tickers run after reconciliation, in order.
	Tickers []Ticker
	Logger  logger.Logger
}

// Loop is the single background writer of the links and the mirrored tree.
type Loop struct {
	interval   time.Duration
	store      Reloader
	events     EventSource
	reconciler Reconciler
	tickers    []Ticker
	logger     logger.Logger
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger()
	}
	return &Loop{
		interval:   cfg.Interval,
		store:      cfg.Store,
		events:     cfg.Events,
		reconciler: cfg.Reconciler,
		tickers:    cfg.Tickers,
		logger:     cfg.Logger,
	}
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("starting control loop", logger.Duration("interval", l.interval))
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("control loop stopped")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one cycle: reload the links, reflect at most one pending
// change, check consistency, then run the tickers. Reloading comes first
// because reflecting a change may create links the consistency check must
// see.
func (l *Loop) Tick(ctx context.Context) {
	l.store.Load()

	if ev, ok := l.events.Poll(); ok {
		l.logger.Debug("reflecting change", logger.String("event", ev.String()))
		for _, path := range ev.Paths() {
			if err := l.reconciler.ReflectChange(path); err != nil {
				l.logger.Error("failed to reflect change",
					logger.String("path", path),
					logger.Err(err),
				)
			}
		}
	}

	if err := l.reconciler.CheckConsistency(); err != nil {
		l.logger.Warn("consistency check finished with errors", logger.Err(err))
	}

	for _, t := range l.tickers {
		t.Tick(ctx)
	}
}
