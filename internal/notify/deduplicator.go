// Package notify delivers user-facing notifications, suppressing repeats of
// the same message within a short window.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// DefaultWindow is how long an identical message stays suppressed.
const DefaultWindow = 8 * time.Second

// Sink receives delivered notifications.
type Sink interface {
	Deliver(ctx context.Context, n domain.Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n domain.Notification) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, n domain.Notification) error { return f(ctx, n) }

// Deduplicator assigns sequence ids and drops repeats inside the window.
type Deduplicator struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	window   time.Duration
	seq      uint64
	seen     map[string]time.Time
	sink     Sink
	viewerID string
	logger   *zap.Logger
}

// Options configures a Deduplicator.
type Options struct {
	Window   time.Duration
	Clock    clockwork.Clock
	ViewerID string
	Logger   *zap.Logger
}

// NewDeduplicator creates a deduplicator delivering to sink.
func NewDeduplicator(sink Sink, opts Options) *Deduplicator {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Deduplicator{
		clock:    opts.Clock,
		window:   opts.Window,
		seen:     make(map[string]time.Time),
		sink:     sink,
		viewerID: opts.ViewerID,
		logger:   opts.Logger,
	}
}

// Notify delivers the message unless an identical one went out within the
// window. The bool result reports whether it was delivered.
func (d *Deduplicator) Notify(ctx context.Context, typ domain.NotificationType, message string) (domain.Notification, bool) {
	d.mu.Lock()
	now := d.clock.Now()
	d.pruneLocked(now)
	if last, ok := d.seen[message]; ok && now.Sub(last) < d.window {
		d.mu.Unlock()
		return domain.Notification{}, false
	}
	d.seen[message] = now
	d.seq++
	n := domain.Notification{
		Seq:      d.seq,
		Type:     typ,
		Message:  message,
		ViewerID: d.viewerID,
		At:       now,
	}
	d.mu.Unlock()

	if d.sink != nil {
		if err := d.sink.Deliver(ctx, n); err != nil {
			d.logger.Warn("notification delivery failed", zap.Uint64("seq", n.Seq), zap.Error(err))
		}
	}
	return n, true
}

func (d *Deduplicator) pruneLocked(now time.Time) {
	for msg, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, msg)
		}
	}
}
