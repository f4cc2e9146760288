package plugin

import (
	"fmt"
	"strings"
)

// Graph-level errors abort startup before any lifecycle hook runs: they
// indicate a configuration defect, not a runtime fault.

// DuplicateNameError reports a second registration under an existing name.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("plugin %q already registered", e.Name)
}

// MissingDependencyError reports a declared dependency that was never registered.
type MissingDependencyError struct {
	Plugin  string
	Missing string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %q depends on unregistered plugin %q", e.Plugin, e.Missing)
}

// DependencyCycleError carries every plugin left unordered by the level
// resolution. The set contains all cycle participants (plus anything
// downstream of a cycle), not necessarily a minimal cycle.
type DependencyCycleError struct {
	Nodes []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Nodes, ", "))
}
