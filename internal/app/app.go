// Package app wires configuration, logging, the event bus, storage, the
// scheduler, the health supervisor and the plugin runtime into one process.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"plughost/internal/config"
	"plughost/internal/eventbus"
	"plughost/internal/health"
	"plughost/internal/plugin"
	"plughost/internal/runtime"
	"plughost/internal/runtime/supervisor"
	"plughost/internal/scheduler"
	"plughost/internal/storage"
	logx "plughost/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   *eventbus.Bus
	store storage.Store
	sched *scheduler.Service

	reg    *plugin.Registry
	health *health.Supervisor
	rt     *runtime.Runtime

	busCfg eventbus.Config
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Bootstrap with forwarding disabled: the bus the forwarder writes to
	// doesn't exist yet. SetForwarder + Apply below turn it on.
	baseLogCfg := mapLoggingConfig(cfg)
	bootLogCfg := baseLogCfg
	bootLogCfg.Forward.Enabled = false
	logSvc, log := logx.New(bootLogCfg)
	log = log.With(logx.String("comp", "app"))

	busCfg, err := mapBusConfig(cfg)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New(busCfg, log.With(logx.String("comp", "bus")))

	logSvc.SetForwarder(&busForwarder{bus: bus})
	logSvc.Apply(baseLogCfg)

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))

	reg := plugin.NewRegistry()

	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	hs := health.New(hcfg, reg, bus, store, log.With(logx.String("comp", "health")))

	rtCfg, err := mapLifecycleConfig(cfg)
	if err != nil {
		return nil, err
	}
	rt := runtime.New(rtCfg, reg, bus, schedSvc, store, hs,
		func(name string) json.RawMessage {
			if d, ok := cfgm.Get().Decl(name); ok {
				return d.Settings
			}
			return nil
		},
		log.With(logx.String("comp", "runtime")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   schedSvc,
		reg:     reg,
		health:  hs,
		rt:      rt,
		busCfg:  busCfg,
	}, nil
}

// Register adds plugins to the registry, honoring the per-plugin enabled
// flag in config. Plugins without a config declaration are registered and
// enabled by default. Must happen before Start.
func (a *App) Register(plugins ...plugin.Plugin) error {
	cfg := a.cfgm.Get()
	for _, p := range plugins {
		name := p.Metadata().Name
		if d, ok := cfg.Decl(name); ok && !d.Enabled {
			a.log.Info("plugin disabled via config", logx.String("plugin", name))
			continue
		}
		if err := a.reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Runtime() *runtime.Runtime   { return a.rt }
func (a *App) Registry() *plugin.Registry  { return a.reg }
func (a *App) Bus() *eventbus.Bus          { return a.bus }
func (a *App) Status() plugin.SystemStatus { return a.rt.Status() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if err := a.rt.Start(a.sup.Context()); err != nil {
		return err
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("plugins", a.reg.Len()))
	return nil
}

// applyReload applies the hot-reloadable sections of a validated config.
// Logging takes effect live; bus, storage, health and plugin topology
// need a restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if busCfg, err := mapBusConfig(cfg); err == nil && busCfg != a.busCfg {
		a.log.Warn("bus config changed; restart required for changes to take effect")
	}
	if a.store == nil {
		if _, enabled, err := mapStorageConfig(cfg); err == nil && enabled {
			a.log.Warn("storage enabled in config; restart required for changes to take effect")
		}
	}

	pctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.bus.Publish(pctx, "config.changed", map[string]any{"at": time.Now().UTC()}); err != nil {
		a.log.Debug("config.changed publish failed", logx.Err(err))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// Bound every shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Runtime first: stops health, plugins in reverse dependency order,
	// then closes the bus.
	step("runtime", 30*time.Second, func(c context.Context) error { return a.rt.Stop(c) })
	step("scheduler", 5*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
