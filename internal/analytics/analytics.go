// Package analytics provides a best-effort event emitter for business events
// such as successful payments. Emission never blocks and never fails the
// caller: events are handed to a bounded queue drained by a single worker,
// and dropped (with a counter) when the queue is full.
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Event is a single analytics record.
type Event struct {
	Type       string
	OrderID    string
	CustomerID string
	Amount     decimal.Decimal
	At         time.Time
}

// Event types emitted by the fulfillment path.
const (
	EventPaymentSucceeded = "payment_succeeded"
	EventSessionExpired   = "checkout_session_expired"
)

// Sink consumes events from the worker. Sink errors are logged, never
// propagated to emitters.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Emitter is the non-blocking front of the analytics pipeline.
type Emitter struct {
	queue   chan Event
	sinks   []Sink
	dropped atomic.Int64

	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// NewEmitter creates an Emitter with the given queue capacity and sinks.
// Call Start before emitting and Close on shutdown.
func NewEmitter(capacity int, sinks ...Sink) *Emitter {
	if capacity <= 0 {
		capacity = 256
	}
	return &Emitter{
		queue:   make(chan Event, capacity),
		sinks:   sinks,
		closing: make(chan struct{}),
	}
}

// Start launches the worker goroutine. The worker runs until Close is called,
// then drains whatever is left in the queue.
func (e *Emitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		lg := zctx.From(ctx)
		for {
			select {
			case ev := <-e.queue:
				e.write(ctx, lg, ev)
			case <-e.closing:
				// Drain remaining events, then stop.
				for {
					select {
					case ev := <-e.queue:
						e.write(ctx, lg, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Emit enqueues an event without blocking. When the queue is full the event
// is dropped and counted; fulfillment must never wait on analytics.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded due to a full queue.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops the worker after draining the queue and closes all sinks.
func (e *Emitter) Close() error {
	e.once.Do(func() { close(e.closing) })
	e.wg.Wait()

	var firstErr error
	for _, s := range e.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Emitter) write(ctx context.Context, lg *zap.Logger, ev Event) {
	for _, s := range e.sinks {
		if err := s.Write(ctx, ev); err != nil {
			lg.Warn("analytics sink write failed",
				zap.String("event_type", ev.Type),
				zap.String("order_id", ev.OrderID),
				zap.Error(err),
			)
		}
	}
}

// LogSink writes events to the service log at info level.
type LogSink struct {
	lg *zap.Logger
}

// NewLogSink creates a LogSink using the given logger.
func NewLogSink(lg *zap.Logger) *LogSink {
	return &LogSink{lg: lg}
}

func (s *LogSink) Write(_ context.Context, e Event) error {
	s.lg.Info("analytics event",
		zap.String("type", e.Type),
		zap.String("order_id", e.OrderID),
		zap.String("customer_id", e.CustomerID),
		zap.String("amount", e.Amount.String()),
		zap.Time("at", e.At),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
