package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"plughost/internal/eventbus"
	"plughost/internal/scheduler"
	"plughost/internal/storage"
	logx "plughost/pkg/logx"
)

// Plugin is the capability set every plugin implements.
//
// Hooks are invoked by the lifecycle engine in dependency order, always
// under an explicit timeout. Hooks must return promptly once their ctx is
// done; a hook that keeps running past its deadline is abandoned, not
// retried.
type Plugin interface {
	Metadata() Metadata
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (status string, err error)
}

// Metadata describes a plugin. It is immutable after registration.
type Metadata struct {
	Name        string
	Version     string
	Description string

	// Dependencies lists plugin names that must be Running before this
	// plugin starts. May be empty.
	Dependencies []string
}

func (m Metadata) validate() error {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return fmt.Errorf("plugin metadata: empty name")
	}
	for _, d := range m.Dependencies {
		if d == m.Name {
			return fmt.Errorf("plugin %s: depends on itself", m.Name)
		}
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("plugin %s: empty dependency name", m.Name)
		}
	}
	return nil
}

// Deps is the service surface handed to every plugin at Init.
//
// Settings is the plugin's raw config blob, passed verbatim from the
// loader. Decode it with DecodeSettings.
type Deps struct {
	Logger    logx.Logger
	Bus       *eventbus.Bus
	Scheduler *scheduler.Service
	Store     storage.Store
	Settings  json.RawMessage
}

// DecodeSettings decodes a plugin's raw settings into a typed struct.
func DecodeSettings[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
