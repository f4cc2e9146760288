// Package runtime drives every registered plugin through its lifecycle in
// dependency order, with bounded concurrency and failure containment.
package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"plughost/internal/eventbus"
	"plughost/internal/health"
	"plughost/internal/plugin"
	"plughost/internal/scheduler"
	"plughost/internal/storage"
	logx "plughost/pkg/logx"
)

// Config bounds plugin hook invocations.
type Config struct {
	HookTimeout time.Duration
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HookTimeout <= 0 {
		c.HookTimeout = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// SettingsFunc resolves the raw settings blob for a plugin name.
// nil means "no settings".
type SettingsFunc func(name string) json.RawMessage

// Runtime owns the lifecycle of all plugins in one registry.
//
// The registry, bus, scheduler, store and health supervisor are passed in
// explicitly at construction; the runtime holds no process-global state.
type Runtime struct {
	log      logx.Logger
	cfg      Config
	reg      *plugin.Registry
	bus      *eventbus.Bus
	sched    *scheduler.Service
	store    storage.Store
	health   *health.Supervisor
	settings SettingsFunc

	mu      sync.Mutex
	started bool
	stopped bool

	// Internal, long-lived base context for all plugin contexts.
	// The caller's ctx is bound only as a cancellation bridge so plugins
	// don't die with a call-scoped context.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	// per-plugin run context (created at Init, cancelled at stop/failure)
	pctx    map[string]context.Context
	pcancel map[string]context.CancelFunc
}

func New(cfg Config, reg *plugin.Registry, bus *eventbus.Bus, sched *scheduler.Service, store storage.Store, hs *health.Supervisor, settings SettingsFunc, log logx.Logger) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Runtime{
		log:        log,
		cfg:        cfg.withDefaults(),
		reg:        reg,
		bus:        bus,
		sched:      sched,
		store:      store,
		health:     hs,
		settings:   settings,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		pctx:       map[string]context.Context{},
		pcancel:    map[string]context.CancelFunc{},
	}
}

// BindContext bridges appCtx cancellation into the runtime's base context.
// First non-nil bind wins.
func (r *Runtime) BindContext(appCtx context.Context) {
	r.mu.Lock()
	if r.bound || appCtx == nil {
		r.mu.Unlock()
		return
	}
	r.bound = true
	baseCancel := r.baseCancel
	r.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

// Start boots the whole system: graph build, initialize, start, health.
//
// Graph-level errors (duplicate name is caught at Register; missing
// dependency and cycles here) abort before any plugin hook runs.
func (r *Runtime) Start(ctx context.Context) error {
	r.BindContext(ctx)

	if err := r.reg.BuildGraph(); err != nil {
		return err
	}
	if err := r.InitializeAll(ctx); err != nil {
		return err
	}
	if err := r.StartAll(ctx); err != nil {
		return err
	}

	if r.health != nil {
		r.health.Start(r.baseCtx)
	}

	r.mu.Lock()
	r.started = true
	r.stopped = false
	r.mu.Unlock()

	r.emit("runtime.started", lifecycleEvent{Count: r.reg.Len()})
	return nil
}

// Stop shuts the system down: health first, then plugins in reverse
// dependency order, then the bus stops accepting publishes.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	alreadyStopped := r.stopped
	r.stopped = true
	r.mu.Unlock()

	if r.health != nil {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = r.health.Stop(hctx)
		cancel()
	}

	r.StopAll(ctx)

	if !alreadyStopped {
		r.emit("runtime.stopped", lifecycleEvent{})
	}

	if r.bus != nil {
		bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = r.bus.Close(bctx)
		cancel()
	}

	r.baseCancel()
	return nil
}

// Status is the per-plugin state + health surface for external status
// collaborators (e.g. an HTTP layer).
func (r *Runtime) Status() plugin.SystemStatus {
	st := r.reg.Snapshot()
	st.Overall = r.AggregateHealth().String()
	return st
}

// AggregateHealth is the worst health status among Running plugins.
func (r *Runtime) AggregateHealth() plugin.HealthStatus {
	if r.health == nil {
		return plugin.HealthUnknown
	}
	return r.health.Aggregate()
}

func (r *Runtime) depsFor(name string) plugin.Deps {
	var raw json.RawMessage
	if r.settings != nil {
		raw = r.settings(name)
	}
	return plugin.Deps{
		Logger:    r.log.With(logx.String("plugin", name)),
		Bus:       r.bus,
		Scheduler: r.sched,
		Store:     r.store,
		Settings:  raw,
	}
}

func (r *Runtime) pluginCtx(name string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.pctx[name]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.pctx[name] = ctx
	r.pcancel[name] = cancel
	return ctx
}

func (r *Runtime) cancelPluginCtx(name string) {
	r.mu.Lock()
	cancel := r.pcancel[name]
	delete(r.pctx, name)
	delete(r.pcancel, name)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
