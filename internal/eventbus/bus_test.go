package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "plughost/pkg/logx"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishNoSubscribers(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, Config{})

	if err := b.Publish(context.Background(), "nobody.home", 42); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c := b.Counters()
	if c.Published != 1 || c.NoSubscriber != 1 || c.Delivered != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestDeliveryInSubscriptionOrder(t *testing.T) {
	t.Parallel()
	// Single worker so per-event ordering is observable end to end.
	b := newTestBus(t, Config{Workers: 1})

	var mu sync.Mutex
	var got []string
	handler := func(tag string) Handler {
		return func(ctx context.Context, e Event) error {
			mu.Lock()
			got = append(got, tag)
			mu.Unlock()
			return nil
		}
	}
	for _, tag := range []string{"first", "second", "third"} {
		if _, err := b.Subscribe("orders.filled", handler(tag)); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := b.Publish(context.Background(), "orders.filled", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Fatalf("delivery order = %v", got)
	}
}

func TestHandlerFailureIsolation(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, Config{Workers: 1})

	var mu sync.Mutex
	var reached []string
	if _, err := b.Subscribe("t", func(ctx context.Context, e Event) error {
		return errors.New("handler exploded")
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe("t", func(ctx context.Context, e Event) error {
		panic("handler panicked")
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe("t", func(ctx context.Context, e Event) error {
		mu.Lock()
		reached = append(reached, e.ID)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "t", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reached) == 1
	})
	c := b.Counters()
	if c.HandlerErrors != 1 || c.HandlerPanics != 1 || c.Delivered != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, Config{Workers: 1})

	var calls sync.Map
	sub, err := b.Subscribe("t", func(ctx context.Context, e Event) error {
		calls.Store(e.ID, true)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Unsubscribe(sub)

	if err := b.Publish(context.Background(), "t", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Unsubscribed before the publish snapshot: counts as no-subscriber.
	c := b.Counters()
	if c.NoSubscriber != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestDropOwnerRemovesAllSubscriptions(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, Config{})

	nop := func(ctx context.Context, e Event) error { return nil }
	if _, err := b.SubscribeAs("ingestor", "a", nop); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SubscribeAs("ingestor", "b", nop); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SubscribeAs("other", "a", nop); err != nil {
		t.Fatal(err)
	}

	if n := b.DropOwner("ingestor"); n != 2 {
		t.Fatalf("DropOwner = %d, want 2", n)
	}
	if n := b.DropOwner("ingestor"); n != 0 {
		t.Fatalf("second DropOwner = %d, want 0", n)
	}
}

func TestCloseRejectsAndDrains(t *testing.T) {
	t.Parallel()
	b := New(Config{Workers: 1}, logx.Nop())

	var mu sync.Mutex
	delivered := 0
	if _, err := b.Subscribe("t", func(ctx context.Context, e Event) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := b.Publish(context.Background(), "t", i); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := b.Publish(context.Background(), "t", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("t", func(ctx context.Context, e Event) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 10 {
		t.Fatalf("delivered = %d, want 10 (accepted events must drain)", delivered)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPublishBackpressureRespectsContext(t *testing.T) {
	t.Parallel()
	// Queue of one and a handler that blocks the only worker.
	b := newTestBus(t, Config{QueueSize: 1, Workers: 1})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	if _, err := b.Subscribe("t", func(ctx context.Context, e Event) error {
		entered <- struct{}{}
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer close(release)

	// First event is held by the worker; second fills the queue slot.
	if err := b.Publish(context.Background(), "t", "held"); err != nil {
		t.Fatalf("Publish held: %v", err)
	}
	<-entered
	if err := b.Publish(context.Background(), "t", "filler"); err != nil {
		t.Fatalf("Publish filler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, "t", "overflow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish = %v, want DeadlineExceeded", err)
	}
}

func TestConcurrentPublishers(t *testing.T) {
	t.Parallel()
	b := newTestBus(t, Config{QueueSize: 64, Workers: 4})

	var count sync.Map
	if _, err := b.Subscribe("t", func(ctx context.Context, e Event) error {
		count.Store(e.ID, struct{}{})
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const publishers, per = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if err := b.Publish(context.Background(), "t", fmt.Sprintf("%d/%d", p, i)); err != nil {
					t.Errorf("Publish: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	waitFor(t, func() bool {
		n := 0
		count.Range(func(_, _ any) bool { n++; return true })
		return n == publishers*per
	})
}
