package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/orchard/internal/errors"
	"github.com/Iron-Ham/orchard/internal/logging"
)

const (
	// DefaultBufferSize is the number of recent events kept in memory for
	// late subscribers.
	DefaultBufferSize = 1000

	// DefaultSubscriberQueue is the per-subscriber channel capacity. When a
	// slow subscriber's queue fills, its oldest queued event is dropped so
	// the emitter never blocks.
	DefaultSubscriberQueue = 256
)

// Subscription is a live feed of events. Receive from C until it is
// closed; call the bus's Unsubscribe to stop the feed.
type Subscription struct {
	// C delivers events in emission order. Closed on Unsubscribe or bus Close.
	C <-chan Event

	id      string
	types   map[Type]bool
	ch      chan Event
	dropped uint64
}

// Dropped reports how many events were discarded because this
// subscriber's queue was full. Only meaningful after the feed closes.
func (s *Subscription) Dropped() uint64 {
	return s.dropped
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[t]
}

// Bus is the in-process publish/subscribe hub. Emission assigns each
// event a monotonically increasing ID, appends it to a durable JSONL
// log, retains it in a bounded ring buffer, and fans it out to
// subscribers without ever blocking the emitter.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	ring   []Event
	subs   map[string]*Subscription
	log    *logging.RotatingWriter
	logger *logging.Logger
	size   int
	queue  int
	closed bool

	now func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the in-memory ring buffer capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.size = n
		}
	}
}

// WithSubscriberQueue sets the per-subscriber channel capacity.
func WithSubscriberQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = n
		}
	}
}

// WithClock overrides the timestamp source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates a bus whose durable log is appended to logPath. Pass
// an empty logPath for an in-memory-only bus (tests, dry runs).
func NewBus(logPath string, logger *logging.Logger, opts ...Option) (*Bus, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	b := &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger.WithComponent("event"),
		size:   DefaultBufferSize,
		queue:  DefaultSubscriberQueue,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if logPath != "" {
		w, err := logging.NewRotatingWriter(logPath, logging.DefaultRotationConfig())
		if err != nil {
			return nil, errors.NewStoreError("open event log", err)
		}
		b.log = w
	}
	return b, nil
}

// Emit assigns the event an ID and timestamp, persists it, and delivers
// it to matching subscribers. It never blocks: a subscriber whose queue
// is full loses its oldest queued event instead.
func (b *Bus) Emit(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return e
	}

	b.nextID++
	e.ID = b.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.ring = append(b.ring, e)
	if len(b.ring) > b.size {
		b.ring = b.ring[len(b.ring)-b.size:]
	}

	if b.log != nil {
		line, err := json.Marshal(e)
		if err == nil {
			line = append(line, '\n')
			_, err = b.log.Write(line)
		}
		if err != nil {
			b.logger.Error("event log write failed", "event_id", e.ID, "error", err)
		}
	}

	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		b.deliver(sub, e)
	}
	return e
}

// deliver enqueues without blocking, evicting the oldest queued event
// when the subscriber is full. Caller holds b.mu.
func (b *Bus) deliver(sub *Subscription, e Event) {
	for {
		select {
		case sub.ch <- e:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
	}
}

// Subscribe registers a feed for the given event types. With no types,
// the subscription receives every event.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	return b.SubscribeFrom(0, types...)
}

// SubscribeFrom registers a feed that first replays buffered events with
// ID greater than afterID, then continues live. Events older than the
// ring buffer are not replayed; use ReadLog for full history.
func (b *Bus) SubscribeFrom(afterID uint64, types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:    uuid.NewString(),
		ch:    make(chan Event, b.queue),
		types: make(map[Type]bool, len(types)),
	}
	sub.C = sub.ch
	for _, t := range types {
		sub.types[t] = true
	}

	if b.closed {
		close(sub.ch)
		return sub
	}

	for _, e := range b.ring {
		if e.ID > afterID && sub.wants(e.Type) {
			b.deliver(sub, e)
		}
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Recent returns up to n of the most recent buffered events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.ring) {
		n = len(b.ring)
	}
	out := make([]Event, n)
	copy(out, b.ring[len(b.ring)-n:])
	return out
}

// LastID returns the ID of the most recently emitted event.
func (b *Bus) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// Close stops the bus: all subscriber channels are closed and the
// durable log is flushed. Emit becomes a no-op afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	if b.log != nil {
		return b.log.Close()
	}
	return nil
}
