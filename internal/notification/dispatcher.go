package notification

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/zone"
)

// Dispatcher queues events and delivers each one to every sink. Publish
// never blocks: when the queue is full the event is dropped and counted.
type Dispatcher struct {
	queue   chan zone.Event
	retry   config.RetryConfig
	metrics Metrics
	logger  *zap.Logger

	mu    sync.RWMutex
	sinks []Sink

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l.Named("notify") }
}

func WithDispatcherMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// NewDispatcher creates a dispatcher with no sinks.
func NewDispatcher(cfg config.NotificationConfig, opts ...DispatcherOption) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	d := &Dispatcher{
		queue:   make(chan zone.Event, size),
		retry:   cfg.Retry,
		metrics: nopMetrics{},
		logger:  zap.L().Named("notify"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddSink registers a sink. Events already queued are delivered to it too.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
	d.logger.Info("notification sink registered", zap.String("sink", s.Name()))
}

// Publish implements stream.EventPublisher.
func (d *Dispatcher) Publish(ev zone.Event) {
	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		d.metrics.NotificationDropped()
		if n == 1 || n%100 == 0 {
			d.logger.Warn("notification queue full, dropping event",
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("dropped_total", n))
		}
	}
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("notification dispatcher started", zap.Int("queue_size", cap(d.queue)))
	defer d.logger.Info("notification dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// deliver sends ev to all sinks concurrently and waits for them.
func (d *Dispatcher) deliver(ctx context.Context, ev zone.Event) {
	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			err := sendWithRetry(ctx, d.retry, func(ctx context.Context) error {
				return s.Send(ctx, ev)
			})
			if err != nil {
				d.failed.Add(1)
				d.metrics.NotificationFailed()
				d.logger.Error("failed to deliver notification",
					zap.String("sink", s.Name()),
					zap.String("kind", string(ev.Kind)),
					zap.Stringer("event_id", ev.ID),
					zap.Error(err))
				return
			}
			d.delivered.Add(1)
			d.metrics.NotificationSent()
		}(s)
	}
	wg.Wait()
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() (delivered, failed, dropped uint64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}
