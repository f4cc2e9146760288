// Package health continuously probes Running plugins and aggregates
// system-wide health with flap suppression.
package health

import (
	"context"
	"sync"
	"time"

	"plughost/internal/eventbus"
	"plughost/internal/plugin"
	"plughost/internal/runtime/supervisor"
	"plughost/internal/storage"
	logx "plughost/pkg/logx"
)

// Config controls probing and hysteresis.
//
// A plugin flips Healthy→Unhealthy only after FailThreshold consecutive
// failures, and Unhealthy→Healthy only after RecoverThreshold consecutive
// successes. In-between counts surface as Degraded.
type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailThreshold    int
	RecoverThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.RecoverThreshold <= 0 {
		c.RecoverThreshold = 2
	}
	return c
}

// record is mutated only by the probe loop for its plugin.
// recovering stays set from entering Unhealthy until RecoverThreshold
// consecutive successes land.
type record struct {
	fails      int
	oks        int
	recovering bool
	status     plugin.HealthStatus
}

type healthEvent struct {
	Plugin string `json:"plugin"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Err    string `json:"err,omitempty"`
	Fails  int    `json:"fails,omitempty"`
}

// Supervisor runs one probe loop per registered plugin. Probes only fire
// while the plugin is Running; a hung probe is cut off by the timeout and
// counted as a failure.
type Supervisor struct {
	log   logx.Logger
	cfg   Config
	reg   *plugin.Registry
	bus   *eventbus.Bus
	store storage.Store

	sup *supervisor.Supervisor

	mu   sync.Mutex
	recs map[string]*record
}

func New(cfg Config, reg *plugin.Registry, bus *eventbus.Bus, store storage.Store, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		log:   log,
		cfg:   cfg.withDefaults(),
		reg:   reg,
		bus:   bus,
		store: store,
		recs:  map[string]*record{},
	}
}

// Start launches the probe loops. The registry's graph must be built; the
// name set is fixed, so one loop per plugin covers the whole lifetime.
func (h *Supervisor) Start(ctx context.Context) {
	if h.sup != nil {
		return
	}
	h.sup = supervisor.New(ctx, supervisor.WithLogger(h.log))
	for _, name := range h.reg.Names() {
		name := name
		h.mu.Lock()
		h.recs[name] = &record{status: plugin.HealthUnknown}
		h.mu.Unlock()
		h.sup.Go0("health."+name, func(ctx context.Context) {
			h.loop(ctx, name)
		})
	}
	h.log.Debug("health supervisor started", logx.Int("plugins", h.reg.Len()), logx.Duration("interval", h.cfg.Interval))
}

// Stop cancels every probe loop and waits bounded by ctx.
func (h *Supervisor) Stop(ctx context.Context) error {
	if h.sup == nil {
		return nil
	}
	return h.sup.Stop(ctx)
}

func (h *Supervisor) loop(ctx context.Context, name string) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	// Initial probe so status doesn't sit at Unknown for a full interval.
	h.probeOne(ctx, name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeOne(ctx, name)
		}
	}
}

func (h *Supervisor) probeOne(ctx context.Context, name string) {
	e, ok := h.reg.Get(name)
	if !ok || e.State() != plugin.StateRunning {
		return
	}

	hctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	detail, err := e.Plugin().Health(hctx)
	cancel()
	if err == nil && hctx.Err() != nil {
		// Probe returned only because its deadline fired.
		err = hctx.Err()
	}

	at := time.Now()
	h.mu.Lock()
	rec := h.recs[name]
	if rec == nil {
		rec = &record{status: plugin.HealthUnknown}
		h.recs[name] = rec
	}
	prev := rec.status
	if err != nil {
		rec.fails++
		rec.oks = 0
		if rec.fails >= h.cfg.FailThreshold {
			rec.status = plugin.HealthUnhealthy
			rec.recovering = true
		} else {
			rec.status = plugin.HealthDegraded
		}
	} else {
		rec.oks++
		rec.fails = 0
		if rec.recovering && rec.oks < h.cfg.RecoverThreshold {
			rec.status = plugin.HealthDegraded
		} else {
			rec.status = plugin.HealthHealthy
			rec.recovering = false
		}
	}
	status := rec.status
	fails := rec.fails
	h.mu.Unlock()

	res := plugin.HealthResult{Plugin: name, At: at, Status: status, Detail: detail, Fails: fails}
	if err != nil {
		res.Err = err.Error()
	}
	e.SetHealth(res)

	h.emit("plugin.health", healthEvent{Plugin: name, Status: status.String(), Detail: detail, Err: res.Err, Fails: fails})

	if status == plugin.HealthUnhealthy && prev != plugin.HealthUnhealthy {
		h.log.Warn("plugin unhealthy", logx.String("plugin", name), logx.Int("fails", fails), logx.String("err", res.Err))
		h.emit("plugin.unhealthy", healthEvent{Plugin: name, Status: status.String(), Err: res.Err, Fails: fails})
		h.audit(name, "unhealthy", prev, status, res.Err)
	}
	if status == plugin.HealthHealthy && (prev == plugin.HealthUnhealthy || prev == plugin.HealthDegraded) {
		h.log.Info("plugin recovered", logx.String("plugin", name))
		h.emit("plugin.recovered", healthEvent{Plugin: name, Status: status.String()})
		h.audit(name, "recovered", prev, status, "")
	}
}

func (h *Supervisor) emit(topic string, ev healthEvent) {
	if h.bus == nil {
		return
	}
	// Health reporting must never stall on a saturated bus.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = h.bus.Publish(ctx, topic, ev)
}

func (h *Supervisor) audit(name, action string, from, to plugin.HealthStatus, errStr string) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = h.store.AppendAudit(ctx, storage.AuditEntry{
		At:     time.Now(),
		Plugin: name,
		Action: "health",
		From:   from.String(),
		To:     to.String(),
		Detail: action,
		Error:  errStr,
	})
}

// Status returns the hysteresis-applied status for one plugin.
func (h *Supervisor) Status(name string) plugin.HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.recs[name]
	if rec == nil {
		return plugin.HealthUnknown
	}
	return rec.status
}

// Aggregate is the worst status among Running plugins. Plugins not Running
// are excluded; an all-stopped system reports Unknown.
func (h *Supervisor) Aggregate() plugin.HealthStatus {
	agg := plugin.HealthUnknown
	for _, name := range h.reg.Names() {
		e, ok := h.reg.Get(name)
		if !ok || e.State() != plugin.StateRunning {
			continue
		}
		agg = agg.Worse(h.Status(name))
	}
	return agg
}
