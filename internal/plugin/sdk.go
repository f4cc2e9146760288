package plugin

import (
	"context"
	"errors"
	"time"

	"plughost/internal/eventbus"
	"plughost/internal/storage"
	logx "plughost/pkg/logx"
)

// PluginBase is a small helper to make writing plugins faster and safer.
// Typical usage:
//
//	type Plugin struct { plugin.PluginBase }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Metadata().Name); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); p.Runner.Go(...); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type PluginBase struct {
	Log        logx.Logger
	Deps       Deps
	Runner     *Supervisor
	pluginName string

	ctx context.Context
}

// Supervisor returns the per-plugin supervisor, if StartBase has been called.
// This lets the runtime attach additional plugin-scoped goroutines so they
// become owned + joinable under StopBase.
func (b *PluginBase) Supervisor() *Supervisor { return b.Runner }

// Health implements the probe for any plugin embedding PluginBase.
//
// It is intentionally lightweight and should never block.
// If a plugin needs richer health reporting, it can override Health().
func (b *PluginBase) Health(ctx context.Context) (string, error) {
	if b == nil {
		return "nil", errors.New("plugin base is nil")
	}
	if b.ctx == nil {
		return "not_started", nil
	}
	select {
	case <-b.ctx.Done():
		return "stopped", b.ctx.Err()
	default:
	}
	return "ok", nil
}

// InitBase wires deps + logger.
func (b *PluginBase) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	if !deps.Logger.IsZero() {
		b.Log = deps.Logger.With(logx.String("plugin", pluginName))
	} else {
		b.Log = logx.Nop().With(logx.String("plugin", pluginName))
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = NewSupervisor(ctx, WithLogger(b.Log), WithCancelOnError(false))
}

// StopBase cancels runner + waits bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop).
func (b *PluginBase) Context() context.Context { return b.ctx }

// Scheduler helpers (job names namespaced by plugin).
func (b *PluginBase) Every(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if b.Deps.Scheduler == nil {
		return "", errors.New("scheduler not available")
	}
	return b.Deps.Scheduler.AddInterval(b.ns(name), every, timeout, job)
}

func (b *PluginBase) Cron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if b.Deps.Scheduler == nil {
		return "", errors.New("scheduler not available")
	}
	return b.Deps.Scheduler.AddCron(b.ns(name), spec, timeout, job)
}

func (b *PluginBase) ns(name string) string {
	if b.pluginName == "" {
		return name
	}
	if name == "" {
		return b.pluginName
	}
	return b.pluginName + ":" + name
}

// Publish publishes on the in-process event bus (if present).
// Backpressure is bounded by the plugin context.
func (b *PluginBase) Publish(topic string, payload any) error {
	if b == nil || b.Deps.Bus == nil {
		return nil
	}
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return b.Deps.Bus.Publish(ctx, topic, payload)
}

// Subscribe registers a bus handler owned by this plugin. The runtime drops
// plugin-owned subscriptions when the plugin stops.
func (b *PluginBase) Subscribe(topic string, h eventbus.Handler) (eventbus.Subscription, error) {
	if b == nil || b.Deps.Bus == nil {
		return eventbus.Subscription{}, errors.New("event bus not available")
	}
	return b.Deps.Bus.SubscribeAs(b.pluginName, topic, h)
}

// AppendAudit writes an audit entry to the configured storage (if present).
// Plugins should treat this as best-effort; if storage is disabled, an error is returned.
func (b *PluginBase) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	if b == nil {
		return errors.New("plugin is nil")
	}
	st := b.Deps.Store
	if st == nil {
		return storage.ErrDisabled
	}
	if e.Plugin == "" {
		e.Plugin = b.pluginName
	}
	return st.AppendAudit(ctx, e)
}
