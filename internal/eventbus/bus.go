package eventbus

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "plughost/pkg/logx"
)

// Event is a lightweight, in-memory message used to decouple plugins.
//
// Contract:
//   - Topics are opaque strings; the bus imposes no payload schema.
//   - Handlers for one topic run in subscription order for a given event.
//   - A failing handler never affects other handlers or the publisher.
//
// Payloads should be small and ideally JSON-serializable.
type Event struct {
	ID      string
	Topic   string
	Time    time.Time
	Payload any
}

// Handler processes one event. Returning an error (or panicking) is
// recorded and logged; delivery to the remaining handlers continues.
type Handler func(ctx context.Context, e Event) error

// Subscription identifies one (topic, handler) registration.
type Subscription struct {
	id    uint64
	topic string
}

func (s Subscription) Topic() string { return s.topic }

var ErrClosed = errors.New("event bus closed")

// Config sizes the dispatch pipeline.
//
// QueueSize bounds the number of pending events; a full queue makes
// Publish block (backpressure) until space frees up or ctx is done.
type Config struct {
	QueueSize      int
	Workers        int
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
	return c
}

type subscriber struct {
	id      uint64
	owner   string
	topic   string
	handler Handler
}

type dispatch struct {
	event Event
	subs  []subscriber // snapshot taken at publish time
}

// Bus is an in-memory topic fanout with a bounded dispatch queue drained
// by a fixed worker pool. Delivery is fire-and-forget from the publisher's
// point of view; ordering across handlers of one topic follows subscription
// order within each event.
type Bus struct {
	log logx.Logger
	cfg Config

	mu     sync.RWMutex
	subs   map[string][]subscriber
	seq    atomic.Uint64
	closed bool

	queue chan dispatch
	done  chan struct{}
	wg    sync.WaitGroup

	// Counters (lifetime) for operator diagnostics.
	published      atomic.Uint64
	delivered      atomic.Uint64
	handlerErrs    atomic.Uint64
	handlerPanics  atomic.Uint64
	zeroSubDropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	b := &Bus{
		log:   log,
		cfg:   cfg,
		subs:  map[string][]subscriber{},
		queue: make(chan dispatch, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.worker()
		}()
	}
	return b
}

// Subscribe registers a handler for topic. The zero owner ("") is fine for
// runtime-internal subscriptions; plugins subscribe via SubscribeAs so their
// registrations are dropped when the plugin stops.
func (b *Bus) Subscribe(topic string, h Handler) (Subscription, error) {
	return b.SubscribeAs("", topic, h)
}

func (b *Bus) SubscribeAs(owner, topic string, h Handler) (Subscription, error) {
	if topic == "" {
		return Subscription{}, errors.New("eventbus: empty topic")
	}
	if h == nil {
		return Subscription{}, errors.New("eventbus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}, ErrClosed
	}
	id := b.seq.Add(1)
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, owner: owner, topic: topic, handler: h})
	return Subscription{id: id, topic: topic}, nil
}

// Unsubscribe removes a single registration. Removing an unknown handle is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// DropOwner removes every subscription registered under owner.
// The lifecycle engine calls this when a plugin leaves Running.
func (b *Bus) DropOwner(owner string) int {
	if owner == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for topic, list := range b.subs {
		kept := list[:0]
		for _, s := range list {
			if s.owner == owner {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.subs, topic)
		} else {
			b.subs[topic] = kept
		}
	}
	return removed
}

// Publish enqueues one event for delivery to the topic's current subscribers.
//
// It returns once the event is queued (fire-and-forget). A full queue blocks
// until space is available, ctx is done, or the bus closes. Publishing to a
// topic with no subscribers succeeds with zero deliveries.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return errors.New("eventbus: empty topic")
	}

	// Snapshot subscribers so dispatch never races with Unsubscribe.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	list := b.subs[topic]
	snap := make([]subscriber, len(list))
	copy(snap, list)
	b.mu.RUnlock()

	b.published.Add(1)
	if len(snap) == 0 {
		b.zeroSubDropped.Add(1)
		return nil
	}

	// Subscription order is delivery order.
	sort.Slice(snap, func(i, j int) bool { return snap[i].id < snap[j].id })

	d := dispatch{
		event: Event{ID: uuid.NewString(), Topic: topic, Time: time.Now(), Payload: payload},
		subs:  snap,
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case b.queue <- d:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further publishes, lets queued dispatches drain, and waits
// for the workers bounded by ctx. Closing twice is a no-op.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)

	waitCh := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) worker() {
	for {
		select {
		case d := <-b.queue:
			b.deliver(d)
		case <-b.done:
			// Drain whatever was accepted before Close.
			for {
				select {
				case d := <-b.queue:
					b.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(d dispatch) {
	for _, s := range d.subs {
		b.invoke(s, d.event)
	}
}

func (b *Bus) invoke(s subscriber, e Event) {
	hctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	panicked := false
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				b.handlerPanics.Add(1)
				b.log.Error("panic in event handler",
					logx.String("topic", e.Topic),
					logx.String("owner", s.owner),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		return s.handler(hctx, e)
	}()
	if panicked {
		return
	}
	if err != nil {
		b.handlerErrs.Add(1)
		b.log.Warn("event handler failed",
			logx.String("topic", e.Topic),
			logx.String("owner", s.owner),
			logx.String("event_id", e.ID),
			logx.Err(err),
		)
		return
	}
	b.delivered.Add(1)
}

// Counters is a point-in-time view of bus activity.
type Counters struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	HandlerErrors uint64 `json:"handler_errors"`
	HandlerPanics uint64 `json:"handler_panics"`
	NoSubscriber  uint64 `json:"no_subscriber"`
}

func (b *Bus) Counters() Counters {
	return Counters{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrs.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		NoSubscriber:  b.zeroSubDropped.Load(),
	}
}
