package plugin

// State is a plugin's lifecycle state.
//
// Failed and Skipped are absorbing: once entered, no further transitions
// happen for that plugin.
type State int

const (
	StateRegistered State = iota
	StateInitializing
	StateInitialized
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateSkipped
}
