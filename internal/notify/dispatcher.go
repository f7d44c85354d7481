package notify

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
)

// Lifecycle event types.
const (
	ActionQueued    = "action.queued"
	ActionApproved  = "action.approved"
	ActionRejected  = "action.rejected"
	ActionStarted   = "action.started"
	ActionCompleted = "action.completed"
	ActionFailed    = "action.failed"
	ActionCancelled = "action.cancelled"
)

var (
	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_events_emitted_total",
			Help: "Lifecycle events accepted by the dispatcher",
		},
		[]string{"type"},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_events_dropped_total",
			Help: "Lifecycle events dropped because the dispatch queue was full",
		},
	)

	sinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_event_sink_failures_total",
			Help: "Event deliveries that failed per sink",
		},
		[]string{"sink"},
	)
)

// Sink receives dispatched events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt streaming.Event) error
}

// Notifier is what the lifecycle tracker depends on.
type Notifier interface {
	Emit(evt streaming.Event)
}

// Dispatcher delivers events to every sink in emit order from a single goroutine.
// Emit never blocks; a full queue drops the event.
type Dispatcher struct {
	sinks   []Sink
	queue   chan streaming.Event
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(buffer int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan streaming.Event, buffer),
		logger:  logger,
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Emit(evt streaming.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
		eventsEmitted.WithLabelValues(evt.Type).Inc()
	default:
		eventsDropped.Inc()
		d.logger.Warn("Event queue is full, dropping event",
			zap.String("type", evt.Type),
			zap.String("action_id", evt.ActionID),
		)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for evt := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(sink, evt)
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, evt streaming.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := sink.Deliver(ctx, evt); err != nil {
		sinkFailures.WithLabelValues(sink.Name()).Inc()
		d.logger.Warn("Event delivery failed",
			zap.String("sink", sink.Name()),
			zap.String("type", evt.Type),
			zap.String("action_id", evt.ActionID),
			zap.Error(err),
		)
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

// Discard is a Notifier that drops everything.
type Discard struct{}

func (Discard) Emit(streaming.Event) {}
