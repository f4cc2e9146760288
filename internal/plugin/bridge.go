package plugin

import (
	"plughost/internal/runtime/supervisor"
)

// Re-export supervisor types so plugins only import this package.

type Supervisor = supervisor.Supervisor

type SupervisorOption = supervisor.Option

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError
