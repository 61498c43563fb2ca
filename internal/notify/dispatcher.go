// Package notify broadcasts stock and cart events to connected observers.
//
// Publishing is fire-and-forget: events are encoded, sequenced and queued in an outbox,
// then a single dispatcher goroutine hands them to every Sink in order.
// There is no acknowledgment, replay or per-client targeting.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fairyhunter13/cart-stock-service/internal/obs"
)

// Event is one notification as it travels to the sinks.
type Event struct {
	Name     string
	Key      string
	Sequence uint64
	Data     json.RawMessage
	At       time.Time
}

// Frame is the wire form written to websocket clients and Kafka.
type Frame struct {
	Event    string          `json:"event"`
	Sequence uint64          `json:"seq"`
	Data     json.RawMessage `json:"data"`
}

// Encode renders the event as a Frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(Frame{Event: e.Name, Sequence: e.Sequence, Data: e.Data})
}

// Sink receives every dispatched event.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher owns the outbox and the delivery goroutine.
type Dispatcher struct {
	box     *outbox
	sinks   []Sink
	metrics *obs.Metrics

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher builds a Dispatcher fanning out to sinks. outBuffer sizes
// the hand-off channel; highWatermark > 0 enables backlog warnings.
func NewDispatcher(outBuffer, highWatermark int, m *obs.Metrics, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		box:     newOutbox(outBuffer, highWatermark),
		sinks:   sinks,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start launches the outbox pump and the delivery loop.
func (d *Dispatcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	go d.box.pump(ctx)
	go d.run(ctx)
}

// Stop cancels background routines and waits for the delivery loop to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			close(d.done)
			return
		}
		d.cancel()
		<-d.done
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.box.ready:
			d.deliver(ctx, ev)
			d.box.markDelivered()
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, s := range d.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			d.metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
			obs.Logger.Warn("notification_sink_failed",
				"sink", s.Name(),
				"event", ev.Name,
				"sequence", ev.Sequence,
				"error", err,
			)
		}
	}
}

// Publish encodes payload and queues it under the given event name. key
// groups related events (product id, or "cart") for sinks that partition.
func (d *Dispatcher) Publish(event, key string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.metrics.NotificationsDropped.Inc()
		obs.Logger.Error("notification_encode_failed", "event", event, "error", err)
		return
	}
	ev, ok := d.box.put(Event{Name: event, Key: key, Data: data, At: time.Now().UTC()})
	if !ok {
		d.metrics.NotificationsDropped.Inc()
		obs.Logger.Warn("notification_dropped", "event", event, "reason", "intake_closed")
		return
	}
	d.metrics.NotificationsPublished.WithLabelValues(event).Inc()
	obs.Logger.Debug("notification_published", "event", event, "key", key, "sequence", ev.Sequence)
}

// CloseIntake makes further Publish calls drop their events.
func (d *Dispatcher) CloseIntake() { d.box.closeIntake() }

// Pending reports events queued but not yet delivered.
func (d *Dispatcher) Pending() int { return d.box.inFlight() }

// DrainUntil blocks until every queued event was delivered or ctx is done.
func (d *Dispatcher) DrainUntil(ctx context.Context) bool {
	for {
		if d.box.inFlight() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}
