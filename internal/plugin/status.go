package plugin

import "time"

// HealthStatus is the supervisor-assigned health of one plugin.
//
// Ordering matters: higher values are worse. Aggregation takes the worst
// status among Running plugins.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Worse returns the worse of two statuses. Unknown never wins over a
// concrete result.
func (s HealthStatus) Worse(o HealthStatus) HealthStatus {
	if o > s {
		return o
	}
	return s
}

// HealthResult is the outcome of one probe plus the hysteresis-applied status.
type HealthResult struct {
	Plugin string       `json:"plugin"`
	At     time.Time    `json:"at"`
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
	Err    string       `json:"err,omitempty"`
	Fails  int          `json:"fails,omitempty"`
}

// StatusEntry is one row of the runtime status surface.
type StatusEntry struct {
	Name    string       `json:"name"`
	Version string       `json:"version"`
	State   string       `json:"state"`
	Failure string       `json:"failure,omitempty"`
	Health  HealthResult `json:"health"`
}

// SystemStatus is a point-in-time snapshot of every registered plugin,
// usable by an external status endpoint.
type SystemStatus struct {
	Time    time.Time     `json:"time"`
	Overall string        `json:"overall"`
	Plugins []StatusEntry `json:"plugins"`
}
