package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plughost/internal/eventbus"
	"plughost/internal/plugin"
	"plughost/internal/runtime/supervisor"
	"plughost/internal/storage"
	logx "plughost/pkg/logx"
)

// ErrHookTimeout marks a plugin hook that outlived its deadline and was
// abandoned. The goroutine running the hook is left behind; its plugin
// context is cancelled so a cooperative hook still unwinds.
var ErrHookTimeout = errors.New("plugin hook timed out")

// lifecycleEvent is the payload for runtime.* and plugin.* bus topics.
type lifecycleEvent struct {
	Plugin string `json:"plugin,omitempty"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// InitializeAll runs Init on every plugin, level by level. Plugins within a
// level run concurrently; a level is joined before the next one begins, so a
// plugin's dependencies are always Initialized (or it is cascaded to Skipped)
// before its own Init fires.
//
// A failed Init never aborts siblings in the same level and never aborts
// later levels that don't depend on the failure.
func (r *Runtime) InitializeAll(ctx context.Context) error {
	levels, err := r.reg.StartOrder()
	if err != nil {
		return err
	}
	for _, level := range levels {
		sup := supervisor.New(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
		for _, name := range level {
			name := name
			sup.Go0("init."+name, func(ctx context.Context) {
				r.initOne(ctx, name)
			})
		}
		if err := sup.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StartAll runs Start on every Initialized plugin, level by level, same
// fan-out discipline as InitializeAll. Plugins that reached Failed or
// Skipped during initialization are left alone.
func (r *Runtime) StartAll(ctx context.Context) error {
	levels, err := r.reg.StartOrder()
	if err != nil {
		return err
	}
	for _, level := range levels {
		sup := supervisor.New(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
		for _, name := range level {
			name := name
			sup.Go0("start."+name, func(ctx context.Context) {
				r.startOne(ctx, name)
			})
		}
		if err := sup.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops Running plugins in reverse dependency order: dependents go
// down before the plugins they depend on. Failed, Skipped and already
// Stopped plugins are no-ops, which makes StopAll idempotent.
func (r *Runtime) StopAll(ctx context.Context) {
	levels, err := r.reg.StopOrder()
	if err != nil {
		// Graph never built; nothing was started.
		return
	}
	for _, level := range levels {
		sup := supervisor.New(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
		for _, name := range level {
			name := name
			sup.Go0("stop."+name, func(ctx context.Context) {
				r.stopOne(ctx, name)
			})
		}
		_ = sup.Wait(ctx)
	}
}

func (r *Runtime) initOne(ctx context.Context, name string) {
	e, ok := r.reg.Get(name)
	if !ok {
		return
	}
	if e.State() != plugin.StateRegistered {
		return
	}
	e.SetState(plugin.StateInitializing)

	pctx := r.pluginCtx(name)
	deps := r.depsFor(name)
	started := time.Now()
	err := r.callHook(pctx, r.cfg.HookTimeout, func(hctx context.Context) error {
		return e.Plugin().Init(hctx, deps)
	})
	took := time.Since(started)

	if err != nil {
		reason := fmt.Sprintf("init: %v", err)
		e.Fail(reason)
		r.cancelPluginCtx(name)
		r.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
		r.audit(name, "init", plugin.StateInitializing, plugin.StateFailed, err, took)
		r.emit("plugin.failed", lifecycleEvent{Plugin: name, State: plugin.StateFailed.String(), Reason: reason, TookMS: took.Milliseconds()})
		r.cascade(name, reason)
		return
	}

	e.SetState(plugin.StateInitialized)
	r.log.Debug("plugin initialized", logx.String("plugin", name), logx.Duration("took", took))
	r.audit(name, "init", plugin.StateInitializing, plugin.StateInitialized, nil, took)
	r.emit("plugin.initialized", lifecycleEvent{Plugin: name, State: plugin.StateInitialized.String(), TookMS: took.Milliseconds()})
}

func (r *Runtime) startOne(ctx context.Context, name string) {
	e, ok := r.reg.Get(name)
	if !ok {
		return
	}
	if e.State() != plugin.StateInitialized {
		return
	}
	e.SetState(plugin.StateStarting)

	pctx := r.pluginCtx(name)
	started := time.Now()
	err := r.callHook(pctx, r.cfg.HookTimeout, func(hctx context.Context) error {
		return e.Plugin().Start(hctx)
	})
	took := time.Since(started)

	if err != nil {
		reason := fmt.Sprintf("start: %v", err)
		e.Fail(reason)
		r.teardownResources(name)
		r.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		r.audit(name, "start", plugin.StateStarting, plugin.StateFailed, err, took)
		r.emit("plugin.failed", lifecycleEvent{Plugin: name, State: plugin.StateFailed.String(), Reason: reason, TookMS: took.Milliseconds()})
		r.cascade(name, reason)
		return
	}

	e.SetState(plugin.StateRunning)
	r.log.Info("plugin running", logx.String("plugin", name), logx.Duration("took", took))
	r.audit(name, "start", plugin.StateStarting, plugin.StateRunning, nil, took)
	r.emit("plugin.started", lifecycleEvent{Plugin: name, State: plugin.StateRunning.String(), TookMS: took.Milliseconds()})
}

func (r *Runtime) stopOne(ctx context.Context, name string) {
	e, ok := r.reg.Get(name)
	if !ok {
		return
	}
	if e.State() != plugin.StateRunning {
		return
	}
	e.SetState(plugin.StateStopping)

	// Stop gets the caller's ctx, not the plugin's run context: the run
	// context is being torn down and would cut the hook short.
	started := time.Now()
	err := r.callHook(ctx, r.cfg.StopTimeout, func(hctx context.Context) error {
		return e.Plugin().Stop(hctx)
	})
	took := time.Since(started)

	// Resources go away regardless of how Stop went.
	r.teardownResources(name)

	if errors.Is(err, ErrHookTimeout) {
		r.log.Warn("plugin stop timed out, marking stopped", logx.String("plugin", name), logx.Duration("after", r.cfg.StopTimeout))
	} else if err != nil {
		r.log.Warn("plugin stop returned error", logx.String("plugin", name), logx.Err(err))
	}

	e.SetState(plugin.StateStopped)
	r.log.Info("plugin stopped", logx.String("plugin", name), logx.Duration("took", took))
	r.audit(name, "stop", plugin.StateStopping, plugin.StateStopped, err, took)
	r.emit("plugin.stopped", lifecycleEvent{Plugin: name, State: plugin.StateStopped.String(), TookMS: took.Milliseconds()})
}

// cascade marks every transitive dependent of name as Skipped. Skipped
// plugins never see any of their hooks.
func (r *Runtime) cascade(name, cause string) {
	reason := fmt.Sprintf("dependency %s failed: %s", name, cause)
	for _, dep := range r.reg.Dependents(name) {
		e, ok := r.reg.Get(dep)
		if !ok {
			continue
		}
		prev := e.State()
		if !e.Skip(reason) {
			continue
		}
		r.cancelPluginCtx(dep)
		r.log.Warn("plugin skipped", logx.String("plugin", dep), logx.String("cause", name))
		r.audit(dep, "skip", prev, plugin.StateSkipped, errors.New(reason), 0)
		r.emit("plugin.skipped", lifecycleEvent{Plugin: dep, State: plugin.StateSkipped.String(), Reason: reason})
	}
}

// teardownResources releases everything the runtime handed to a plugin:
// its bus subscriptions, its scheduled jobs and its run context.
func (r *Runtime) teardownResources(name string) {
	if r.bus != nil {
		if n := r.bus.DropOwner(name); n > 0 {
			r.log.Debug("dropped subscriptions", logx.String("plugin", name), logx.Int("count", n))
		}
	}
	if r.sched != nil {
		r.sched.RemoveByPrefix(name + ":")
	}
	r.cancelPluginCtx(name)
}

// callHook runs fn with a deadline. A hook that ignores its context is
// abandoned in its goroutine after a short grace period; panics inside the
// hook surface as errors.
func (r *Runtime) callHook(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(func() error { return fn(hctx) })
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
	}

	// Deadline hit: cancel propagated through hctx, give the hook a moment
	// to notice before abandoning it.
	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return hctx.Err()
	case <-grace.C:
		return ErrHookTimeout
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

func (r *Runtime) audit(name, action string, from, to plugin.State, cause error, took time.Duration) {
	if r.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now().UTC(),
		Plugin: name,
		Action: action,
		From:   from.String(),
		To:     to.String(),
		TookMS: took.Milliseconds(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.AppendAudit(actx, e); err != nil {
		r.log.Debug("audit append failed", logx.Err(err))
	}
}

func (r *Runtime) emit(topic string, ev lifecycleEvent) {
	if r.bus == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.bus.Publish(pctx, topic, ev); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		r.log.Debug("lifecycle publish failed", logx.String("topic", topic), logx.Err(err))
	}
}
