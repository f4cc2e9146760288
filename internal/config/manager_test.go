package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json", `{
		"logging": {"level": "DEBUG", "console": true},
		"bus": {"queue_size": 64, "handler_timeout": "5s"},
		"plugins": [
			{"name": "marketdata", "enabled": true, "settings": {"interval": "250ms"}}
		]
	}`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Bus.QueueSize != 64 || cfg.Bus.HandlerTimeout != "5s" {
		t.Fatalf("bus = %+v", cfg.Bus)
	}
	d, ok := cfg.Decl("marketdata")
	if !ok || !d.Enabled {
		t.Fatalf("decl = %+v ok=%v", d, ok)
	}
	var s struct {
		Interval string `json:"interval"`
	}
	if err := json.Unmarshal(d.Settings, &s); err != nil || s.Interval != "250ms" {
		t.Fatalf("settings = %s (%v)", d.Settings, err)
	}
}

func TestParseYAMLCoercion(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", `
logging:
  level: INFO
  console: true
health:
  interval: 10s
  fail_threshold: 5
plugins:
  - name: marketdata
    enabled: true
  - name: signalgen
    enabled: false
`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Health.Interval != "10s" || cfg.Health.FailThreshold != 5 {
		t.Fatalf("health = %+v", cfg.Health)
	}
	if len(cfg.Plugins) != 2 || cfg.Plugins[1].Enabled {
		t.Fatalf("plugins = %+v", cfg.Plugins)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json",
		`{"logging": {"console": true}, "plugins": [], "no_such_section": {}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json",
		`{"logging": {"console": true}, "plugins": []}{"extra": 1}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestValidateDurationsAndPluginNames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "empty is fine", cfg: Config{}, ok: true},
		{name: "bad duration", cfg: Config{Health: HealthConfig{Interval: "soon"}}, ok: false},
		{name: "negative duration", cfg: Config{Bus: BusConfig{HandlerTimeout: "-3s"}}, ok: false},
		{
			name: "duplicate plugin",
			cfg:  Config{Plugins: []PluginDecl{{Name: "a", Enabled: true}, {Name: "a"}}},
			ok:   false,
		},
		{
			name: "blank plugin name",
			cfg:  Config{Plugins: []PluginDecl{{Name: "  "}}},
			ok:   false,
		},
		{
			name: "valid",
			cfg: Config{
				Lifecycle: LifecycleConfig{HookTimeout: "15s"},
				Plugins:   []PluginDecl{{Name: "a", Enabled: true}, {Name: "b"}},
			},
			ok: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json", `{"logging": {"console": true}, "plugins": []}`)
	m := NewConfigManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json", `{"logging": {"console": true}, "plugins": []}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	next := &Config{Logging: LoggingConfig{Level: "WARN"}}
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-sub:
		if got.Logging.Level != "WARN" {
			t.Fatalf("got %+v", got.Logging)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no config delivered to subscriber")
	}
	m.Unsubscribe(sub)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 1m30s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "five minutes"); err == nil {
		t.Fatal("expected parse error")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
