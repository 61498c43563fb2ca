package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/cart-stock-service/internal/obs"
)

// outbox holds published events until the delivery loop takes them.
// Sequence numbers are assigned under the append lock, so sequence order
// and delivery order agree. put never blocks a request handler.
type outbox struct {
	mu      sync.Mutex
	pending []Event
	seq     uint64
	warnAt  int
	warned  bool

	wake   chan struct{}
	ready  chan Event
	closed atomic.Bool

	accepted  atomic.Uint64
	delivered atomic.Uint64
}

func newOutbox(buffer, warnAt int) *outbox {
	if buffer <= 0 {
		buffer = 64
	}
	return &outbox{
		warnAt: warnAt,
		wake:   make(chan struct{}, 1),
		ready:  make(chan Event, buffer),
	}
}

// put stamps ev with the next sequence number and appends it. It reports
// false once intake is closed.
func (o *outbox) put(ev Event) (Event, bool) {
	if o.closed.Load() {
		return ev, false
	}
	o.mu.Lock()
	o.seq++
	ev.Sequence = o.seq
	o.pending = append(o.pending, ev)
	size := len(o.pending)
	crossed := o.warnAt > 0 && size > o.warnAt && !o.warned
	if crossed {
		o.warned = true
	}
	o.mu.Unlock()
	o.accepted.Add(1)

	if crossed {
		obs.Logger.Warn("notify_backlog_high", "backlog_size", size, "high_watermark", o.warnAt)
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return ev, true
}

// pump moves pending events into the ready channel until ctx is done.
func (o *outbox) pump(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		o.flush()
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-ticker.C:
		}
	}
}

func (o *outbox) flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for n < len(o.pending) && len(o.ready) < cap(o.ready) {
		o.ready <- o.pending[n]
		n++
	}
	if n == 0 {
		return
	}
	// Shift the rest down and clear the tail so delivered payloads are not
	// pinned by the backing array.
	rest := copy(o.pending, o.pending[n:])
	clear(o.pending[rest:])
	o.pending = o.pending[:rest]
	if o.warned && len(o.pending) <= o.warnAt/2 {
		o.warned = false
	}
}

// markDelivered records that one event left the delivery loop.
func (o *outbox) markDelivered() { o.delivered.Add(1) }

// inFlight counts events accepted but not yet delivered.
func (o *outbox) inFlight() int {
	return int(o.accepted.Load() - o.delivered.Load())
}

func (o *outbox) backlog() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *outbox) closeIntake() { o.closed.Store(true) }
