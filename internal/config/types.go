package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the full runtime configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Bus       BusConfig       `json:"bus,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`
	Lifecycle LifecycleConfig `json:"lifecycle,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`

	// Plugins is an ordered list of plugin declarations. Order matters:
	// registration order is the tie-break inside a dependency level, so a
	// stable config file yields a deterministic boot sequence.
	Plugins []PluginDecl `json:"plugins"`
}

type LoggingConfig struct {
	Level   string           `json:"level,omitempty"`
	Console bool             `json:"console"`
	File    FileLogConfig    `json:"file,omitempty"`
	Forward ForwardLogConfig `json:"forward,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// ForwardLogConfig mirrors warn+ records onto the event bus
// (topic "log.record") so plugins can observe runtime warnings.
type ForwardLogConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// BusConfig sizes the event dispatch pipeline.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 256
//   - workers: 4
//   - handler_timeout: "10s"
type BusConfig struct {
	QueueSize      int    `json:"queue_size,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

// HealthConfig controls probing and hysteresis.
//
// Defaults: interval "30s", timeout "3s", fail_threshold 3,
// recover_threshold 2.
type HealthConfig struct {
	Interval         string `json:"interval,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
	FailThreshold    int    `json:"fail_threshold,omitempty"`
	RecoverThreshold int    `json:"recover_threshold,omitempty"`
}

// LifecycleConfig bounds plugin hook invocations.
//
// Defaults: hook_timeout "10s", stop_timeout "10s".
type LifecycleConfig struct {
	HookTimeout string `json:"hook_timeout,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional audit journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./plughost_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PluginDecl declares one plugin instance in the boot order.
// Settings is passed verbatim into the plugin's Init.
type PluginDecl struct {
	Name     string          `json:"name"`
	Enabled  bool            `json:"enabled"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Validate checks the schema invariants the decoder can't express:
// duration fields parse, plugin names are unique and non-empty.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("bus.handler_timeout", c.Bus.HandlerTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("health.interval", c.Health.Interval); err != nil {
		return err
	}
	if _, err := ParseDurationField("health.timeout", c.Health.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("lifecycle.hook_timeout", c.Lifecycle.HookTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("lifecycle.stop_timeout", c.Lifecycle.StopTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	seen := map[string]bool{}
	for i, d := range c.Plugins {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("plugins[%d]: empty name", i)
		}
		if seen[name] {
			return fmt.Errorf("plugins[%d]: duplicate declaration for %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

// Decl returns the declaration for name, if present.
func (c *Config) Decl(name string) (PluginDecl, bool) {
	for _, d := range c.Plugins {
		if d.Name == name {
			return d, true
		}
	}
	return PluginDecl{}, false
}
