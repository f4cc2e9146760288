// Package marketdata emits synthetic price ticks on the event bus. It is
// the canonical "source" plugin: no dependencies, scheduled work, and a
// staleness-aware health probe.
package marketdata

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"plughost/internal/plugin"
	logx "plughost/pkg/logx"
)

const TopicTick = "market.tick"

type Settings struct {
	Symbols  []string `json:"symbols"`
	Interval string   `json:"interval"` // Go duration, default "1s"
	StartPx  float64  `json:"start_px"` // initial mid price, default 100
	MaxMove  float64  `json:"max_move"` // max per-tick move fraction, default 0.002
}

// Tick is the payload published on market.tick.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
}

type Plugin struct {
	plugin.PluginBase

	cfg      Settings
	interval time.Duration

	mu     sync.Mutex
	prices map[string]float64
	seq    uint64
	lastAt time.Time

	rng *rand.Rand
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:        "marketdata",
		Version:     "1.0.0",
		Description: "synthetic market tick source",
	}
}

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Metadata().Name)

	cfg, err := plugin.DecodeSettings[Settings](deps.Settings)
	if err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"BTC-USD"}
	}
	if cfg.StartPx <= 0 {
		cfg.StartPx = 100
	}
	if cfg.MaxMove <= 0 {
		cfg.MaxMove = 0.002
	}
	interval := time.Second
	if cfg.Interval != "" {
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid interval %q", cfg.Interval)
		}
		interval = d
	}

	p.cfg = cfg
	p.interval = interval
	p.prices = make(map[string]float64, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		p.prices[s] = cfg.StartPx
	}
	p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	// Prefer the shared scheduler; its job registry gives operators
	// visibility into tick cadence. Fall back to an owned ticker loop
	// when the scheduler is disabled.
	if p.Deps.Scheduler != nil && p.Deps.Scheduler.Enabled() {
		_, err := p.Every("tick", p.interval, p.interval, func(jctx context.Context) error {
			return p.emitTicks(jctx)
		})
		if err != nil {
			return err
		}
		p.Log.Info("tick job scheduled", logx.Duration("interval", p.interval), logx.Int("symbols", len(p.cfg.Symbols)))
		return nil
	}

	p.Runner.Go("ticker", func(c context.Context) error {
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				if err := p.emitTicks(c); err != nil {
					p.Log.Warn("tick publish failed", logx.Err(err))
				}
			}
		}
	})
	p.Log.Info("ticker loop started", logx.Duration("interval", p.interval))
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	return p.StopBase(ctx)
}

// Health reports stale when no tick went out for 3 intervals.
func (p *Plugin) Health(ctx context.Context) (string, error) {
	if st, err := p.PluginBase.Health(ctx); err != nil {
		return st, err
	}
	p.mu.Lock()
	last := p.lastAt
	p.mu.Unlock()
	if last.IsZero() {
		return "warming_up", nil
	}
	if age := time.Since(last); age > 3*p.interval {
		return "stale", fmt.Errorf("no tick for %s", age.Round(time.Millisecond))
	}
	return "ok", nil
}

func (p *Plugin) emitTicks(ctx context.Context) error {
	now := time.Now().UTC()
	for _, sym := range p.cfg.Symbols {
		t := p.nextTick(sym, now)
		if err := p.Publish(TopicTick, t); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// nextTick advances the symbol's price with a bounded random walk.
func (p *Plugin) nextTick(sym string, now time.Time) Tick {
	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.prices[sym]
	move := (p.rng.Float64()*2 - 1) * p.cfg.MaxMove
	px *= 1 + move
	if px <= 0 {
		px = p.cfg.StartPx
	}
	p.prices[sym] = px
	p.seq++
	p.lastAt = now
	return Tick{Symbol: sym, Price: px, Seq: p.seq, At: now}
}
