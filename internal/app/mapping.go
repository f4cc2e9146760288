package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"plughost/internal/config"
	"plughost/internal/eventbus"
	"plughost/internal/health"
	"plughost/internal/runtime"
	"plughost/internal/scheduler"
	"plughost/internal/storage"
	logx "plughost/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Forward.Enabled,
			MinLevel:   cfg.Logging.Forward.MinLevel,
			RatePerSec: cfg.Logging.Forward.RatePerSec,
		},
	}
}

func mapBusConfig(cfg *config.Config) (eventbus.Config, error) {
	ht, err := config.ParseDurationField("bus.handler_timeout", cfg.Bus.HandlerTimeout)
	if err != nil {
		return eventbus.Config{}, err
	}
	return eventbus.Config{
		QueueSize:      cfg.Bus.QueueSize,
		Workers:        cfg.Bus.Workers,
		HandlerTimeout: ht,
	}, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	interval, err := config.ParseDurationField("health.interval", cfg.Health.Interval)
	if err != nil {
		return health.Config{}, err
	}
	timeout, err := config.ParseDurationField("health.timeout", cfg.Health.Timeout)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Interval:         interval,
		Timeout:          timeout,
		FailThreshold:    cfg.Health.FailThreshold,
		RecoverThreshold: cfg.Health.RecoverThreshold,
	}, nil
}

func mapLifecycleConfig(cfg *config.Config) (runtime.Config, error) {
	hook, err := config.ParseDurationField("lifecycle.hook_timeout", cfg.Lifecycle.HookTimeout)
	if err != nil {
		return runtime.Config{}, err
	}
	stop, err := config.ParseDurationField("lifecycle.stop_timeout", cfg.Lifecycle.StopTimeout)
	if err != nil {
		return runtime.Config{}, err
	}
	return runtime.Config{HookTimeout: hook, StopTimeout: stop}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	dt, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		DefaultTimeout: dt,
		Timezone:       cfg.Scheduler.Timezone,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

// logRecord is the payload published on the "log.record" topic when log
// forwarding is enabled.
type logRecord struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// busForwarder mirrors selected log records onto the event bus so plugins
// can observe runtime warnings. The forward path is already rate-limited
// and level-gated inside logx.
type busForwarder struct {
	bus *eventbus.Bus
}

func (f *busForwarder) ForwardLog(level, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = f.bus.Publish(ctx, "log.record", logRecord{Level: level, Message: message})
}
