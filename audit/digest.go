package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stephnangue/capsule/helper"
	"github.com/stephnangue/capsule/link"
	"github.com/stephnangue/capsule/logger"
	"github.com/stephnangue/capsule/metrics"
	"github.com/stephnangue/capsule/notify"
)

const (
	DigestPreamble  = "Caution!"
	DigestLimit     = 140
	TruncatedMarker = "\n..."

	DefaultWindow        = 5 * time.Minute
	DefaultNotifyTimeout = 10 * time.Second
)

// FormatDigest renders counts as one short message: the preamble followed
// by a "<resource>: <count>" line per entry. Lines that would not fit in
// DigestLimit are replaced by TruncatedMarker.
func FormatDigest(counts []notify.Count) string {
	var b strings.Builder
	b.WriteString(DigestPreamble)
	for _, c := range counts {
		entry := fmt.Sprintf("\n%s: %d", c.Resource, c.Count)
		if b.Len()+len(entry) > DigestLimit-len(TruncatedMarker) {
			b.WriteString(TruncatedMarker)
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

// DigesterConfig configures a Digester
type DigesterConfig struct {
	Queue    *Queue
	Recorder *Recorder
	Notifier notify.Backend
	Window   time.Duration
	Timeout  time.Duration
	Clock    link.Clock
	Logger   logger.Logger
	Metrics  *metrics.Metrics
}

// Digester drains the access queue on every tick and sends the recorded
// window once it has elapsed. Sends run in the background, bounded by a
// timeout, so a slow notifier never holds up the next tick.
type Digester struct {
	queue    *Queue
	recorder *Recorder
	notifier notify.Backend
	window   time.Duration
	timeout  time.Duration
	clock    link.Clock
	logger   logger.Logger
	metrics  *metrics.Metrics

	windowStart time.Time
	wg          sync.WaitGroup
}

func NewDigester(cfg DigesterConfig) *Digester {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNotifyTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = link.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger()
	}
	return &Digester{
		queue:       cfg.Queue,
		recorder:    cfg.Recorder,
		notifier:    cfg.Notifier,
		window:      cfg.Window,
		timeout:     cfg.Timeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		windowStart: cfg.Clock.Now(),
	}
}

func (d *Digester) Tick(ctx context.Context) {
	for _, ev := range d.queue.Drain() {
		d.recorder.Record(ev)
	}

	now := d.clock.Now()
	if now.Sub(d.windowStart) <= d.window {
		return
	}
	d.windowStart = now
	if d.recorder.Len() == 0 {
		return
	}

	counts := d.recorder.Counts()
	d.recorder.Reset()
	msg := notify.Message{
		ID:        helper.GenerateRequestID(),
		Timestamp: now,
		Text:      FormatDigest(counts),
		Counts:    counts,
	}
	d.logger.Info("sending access digest",
		logger.String("id", msg.ID),
		logger.Int("resources", len(counts)),
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(ctx, msg)
	}()
}

func (d *Digester) send(ctx context.Context, msg notify.Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	status, err := d.notifier.Send(ctx, msg)
	d.metrics.Digest(status.String())
	switch status {
	case notify.Delivered:
	case notify.NotConfigured:
		d.logger.Warn("no notifier configured, digest dropped",
			logger.String("id", msg.ID),
			logger.String("message", msg.Text),
		)
	default:
		d.logger.Error("failed to deliver access digest",
			logger.String("id", msg.ID),
			logger.Err(err),
		)
	}
}

// Wait blocks until in-flight sends have finished.
func (d *Digester) Wait() {
	d.wg.Wait()
}
