package marketdata

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"plughost/internal/plugin"
)

func TestInitDefaults(t *testing.T) {
	t.Parallel()
	p := New()
	if err := p.Init(context.Background(), plugin.Deps{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(p.cfg.Symbols) != 1 || p.cfg.Symbols[0] != "BTC-USD" {
		t.Fatalf("symbols = %v", p.cfg.Symbols)
	}
	if p.interval != time.Second || p.cfg.StartPx != 100 {
		t.Fatalf("interval=%v start=%v", p.interval, p.cfg.StartPx)
	}
}

func TestInitRejectsBadInterval(t *testing.T) {
	t.Parallel()
	p := New()
	err := p.Init(context.Background(), plugin.Deps{Settings: json.RawMessage(`{"interval": "sometimes"}`)})
	if err == nil {
		t.Fatal("expected error for invalid interval")
	}
	p = New()
	err = p.Init(context.Background(), plugin.Deps{Settings: json.RawMessage(`{"interval": "-5s"}`)})
	if err == nil {
		t.Fatal("expected error for negative interval")
	}
}

func TestNextTickWalksWithinBounds(t *testing.T) {
	t.Parallel()
	p := New()
	err := p.Init(context.Background(), plugin.Deps{Settings: json.RawMessage(
		`{"symbols": ["X"], "start_px": 1000, "max_move": 0.01}`)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	prev := 1000.0
	for i := 0; i < 500; i++ {
		tk := p.nextTick("X", time.Now())
		if tk.Symbol != "X" {
			t.Fatalf("symbol = %s", tk.Symbol)
		}
		lo, hi := prev*0.99, prev*1.01
		if tk.Price < lo || tk.Price > hi {
			t.Fatalf("tick %d: price %v outside [%v, %v]", i, tk.Price, lo, hi)
		}
		if tk.Seq != uint64(i+1) {
			t.Fatalf("seq = %d, want %d", tk.Seq, i+1)
		}
		prev = tk.Price
	}
}

func TestHealthReportsStaleness(t *testing.T) {
	t.Parallel()
	p := New()
	if err := p.Init(context.Background(), plugin.Deps{Settings: json.RawMessage(`{"interval": "50ms"}`)}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := context.Background()

	// No tick emitted yet.
	if st, err := p.Health(ctx); err != nil || st != "warming_up" {
		t.Fatalf("health = %q, %v", st, err)
	}

	p.mu.Lock()
	p.lastAt = time.Now()
	p.mu.Unlock()
	if st, err := p.Health(ctx); err != nil || st != "ok" {
		t.Fatalf("health = %q, %v", st, err)
	}

	p.mu.Lock()
	p.lastAt = time.Now().Add(-time.Minute)
	p.mu.Unlock()
	if _, err := p.Health(ctx); err == nil {
		t.Fatal("expected stale error when ticks stopped")
	}
}
