package notification

import (
	"context"
	"sync"

	"github.com/smallbiznis/quotaengine/internal/observability/metrics"
	"go.uber.org/zap"
)

const defaultBufferSize = 256

// Sink delivers one event to the messaging collaborator.
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
}

// Publisher accepts events without waiting for delivery.
type Publisher interface {
	Publish(evt Event) bool
}

// Dispatcher forwards published events to a Sink from a single worker.
// Publish never blocks: when the buffer is full or the dispatcher is
// stopped the event is dropped and counted.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.EngineMetrics

	mu      sync.RWMutex
	events  chan Event
	started bool
	stopped bool
	done    chan struct{}
}

func NewDispatcher(sink Sink, bufferSize int, log *zap.Logger, m *metrics.EngineMetrics) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		sink:    sink,
		log:     log.Named("notification"),
		metrics: m,
		events:  make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Publish(evt Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(evt, "stopped")
		return false
	}
	select {
	case d.events <- evt:
		d.metrics.IncNotificationPublished(string(evt.Type))
		return true
	default:
		d.drop(evt, "buffer_full")
		return false
	}
}

func (d *Dispatcher) drop(evt Event, reason string) {
	d.metrics.IncNotificationDropped()
	d.log.Warn("notification.dropped",
		zap.String("event_id", evt.ID),
		zap.String("event_type", string(evt.Type)),
		zap.String("principal_id", evt.PrincipalID.String()),
		zap.String("reason", reason),
	)
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for evt := range d.events {
		if err := d.sink.Deliver(context.Background(), evt); err != nil {
			d.log.Warn("notification.deliver.failed",
				zap.String("event_id", evt.ID),
				zap.String("event_type", string(evt.Type)),
				zap.Error(err),
			)
		}
	}
}

// Stop closes the buffer and waits for queued events to drain or ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	close(d.events)
	d.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("notification.sink")}
}

func (s *LogSink) Deliver(_ context.Context, evt Event) error {
	fields := []zap.Field{
		zap.String("event_id", evt.ID),
		zap.String("event_type", string(evt.Type)),
		zap.String("principal_id", evt.PrincipalID.String()),
		zap.String("grant_id", evt.GrantID.String()),
		zap.Time("occurred_at", evt.OccurredAt),
	}
	for k, v := range evt.Attributes {
		fields = append(fields, zap.String("attr."+k, v))
	}
	s.log.Info("notification.delivered", fields...)
	return nil
}
