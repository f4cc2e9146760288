// Package signalgen consumes market ticks and emits crossover signals. It
// is the canonical "consumer" plugin: declares a dependency, subscribes on
// the bus, and keeps per-symbol state.
package signalgen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"plughost/internal/eventbus"
	"plughost/internal/plugin"
	"plughost/plugins/marketdata"
	logx "plughost/pkg/logx"
)

const TopicSignal = "signal.generated"

type Settings struct {
	Window  int     `json:"window"`   // moving average window, default 20
	MinMove float64 `json:"min_move"` // min fractional distance from MA, default 0.001
}

// Signal is the payload published on signal.generated.
type Signal struct {
	Symbol string    `json:"symbol"`
	Side   string    `json:"side"` // "buy" or "sell"
	Price  float64   `json:"price"`
	Avg    float64   `json:"avg"`
	At     time.Time `json:"at"`
}

// window is a fixed-size ring of recent prices.
type window struct {
	buf  []float64
	next int
	full bool
	sum  float64
}

func (w *window) push(v float64) {
	if w.full {
		w.sum -= w.buf[w.next]
	}
	w.buf[w.next] = v
	w.sum += v
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

func (w *window) avg() (float64, bool) {
	if !w.full {
		return 0, false
	}
	return w.sum / float64(len(w.buf)), true
}

type Plugin struct {
	plugin.PluginBase

	cfg Settings

	mu      sync.Mutex
	windows map[string]*window
	above   map[string]bool
	emitted uint64
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:         "signalgen",
		Version:      "1.0.0",
		Description:  "moving-average crossover signals from market ticks",
		Dependencies: []string{"marketdata"},
	}
}

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Metadata().Name)

	cfg, err := plugin.DecodeSettings[Settings](deps.Settings)
	if err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	if cfg.Window <= 1 {
		cfg.Window = 20
	}
	if cfg.MinMove <= 0 {
		cfg.MinMove = 0.001
	}
	p.cfg = cfg
	p.windows = map[string]*window{}
	p.above = map[string]bool{}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	if _, err := p.Subscribe(marketdata.TopicTick, p.onTick); err != nil {
		return err
	}
	p.Log.Info("subscribed", logx.String("topic", marketdata.TopicTick), logx.Int("window", p.cfg.Window))
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	return p.StopBase(ctx)
}

func (p *Plugin) onTick(ctx context.Context, e eventbus.Event) error {
	t, ok := e.Payload.(marketdata.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on %s", e.Payload, e.Topic)
	}

	sig, ok := p.evaluate(t)
	if !ok {
		return nil
	}
	p.Log.Debug("signal", logx.String("symbol", sig.Symbol), logx.String("side", sig.Side), logx.Float64("price", sig.Price))
	return p.Publish(TopicSignal, sig)
}

// evaluate feeds the tick into the symbol's window and reports a signal
// when the price crosses the moving average by at least MinMove.
func (p *Plugin) evaluate(t marketdata.Tick) (Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.windows[t.Symbol]
	if w == nil {
		w = &window{buf: make([]float64, p.cfg.Window)}
		p.windows[t.Symbol] = w
	}
	w.push(t.Price)

	avg, ok := w.avg()
	if !ok {
		return Signal{}, false
	}

	above := t.Price > avg*(1+p.cfg.MinMove)
	below := t.Price < avg*(1-p.cfg.MinMove)
	wasAbove, seen := p.above[t.Symbol]

	switch {
	case above:
		p.above[t.Symbol] = true
	case below:
		p.above[t.Symbol] = false
	default:
		return Signal{}, false
	}

	// Only a flip produces a signal; the first observation just seeds state.
	if !seen || p.above[t.Symbol] == wasAbove {
		return Signal{}, false
	}

	side := "sell"
	if p.above[t.Symbol] {
		side = "buy"
	}
	p.emitted++
	return Signal{Symbol: t.Symbol, Side: side, Price: t.Price, Avg: avg, At: t.At}, true
}

// Emitted reports how many signals left this plugin. Used by tests and
// operator status.
func (p *Plugin) Emitted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emitted
}
