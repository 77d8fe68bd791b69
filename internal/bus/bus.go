package bus

import (
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/domain"
)

// slowPublish is how long Publish waits before reporting a stalled consumer.
const slowPublish = 10 * time.Second

// Dispatcher is a Go-channel based event queue. Transports publish from
// their own goroutines; a single consumer drains Subscribe().
type Dispatcher struct {
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// New creates a Dispatcher with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Dispatcher{
		events: make(chan domain.Event, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Publish never drops an event: when the queue is full it blocks until the
// consumer makes room or the dispatcher is closed.
func (d *Dispatcher) Publish(evt domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("attempted to publish to closed dispatcher", "kind", evt.Kind)
		return
	}

	select {
	case d.events <- evt:
		return
	default:
	}

	d.logger.Warn("event queue full, waiting...", "kind", evt.Kind)
	timer := time.NewTimer(slowPublish)
	defer timer.Stop()
	for {
		select {
		case d.events <- evt:
			d.logger.Info("event delivered after wait", "kind", evt.Kind)
			return
		case <-d.done:
			d.logger.Warn("dispatcher closed while publishing", "kind", evt.Kind)
			return
		case <-timer.C:
			d.logger.Error("event queue stalled, still waiting", "kind", evt.Kind, "waited", slowPublish)
		}
	}
}

func (d *Dispatcher) Subscribe() <-chan domain.Event {
	return d.events
}

// Close releases blocked publishers, then closes the queue.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.events)
	}
}
