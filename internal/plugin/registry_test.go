package plugin

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakePlugin struct {
	meta Metadata
}

func (f *fakePlugin) Metadata() Metadata                         { return f.meta }
func (f *fakePlugin) Init(ctx context.Context, deps Deps) error  { return nil }
func (f *fakePlugin) Start(ctx context.Context) error            { return nil }
func (f *fakePlugin) Stop(ctx context.Context) error             { return nil }
func (f *fakePlugin) Health(ctx context.Context) (string, error) { return "ok", nil }

func fp(name string, deps ...string) Plugin {
	return &fakePlugin{meta: Metadata{Name: name, Version: "1.0.0", Dependencies: deps}}
}

func mustRegister(t *testing.T, r *Registry, plugins ...Plugin) {
	t.Helper()
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.Metadata().Name, err)
		}
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("ingestor"))

	err := r.Register(fp("ingestor"))
	var dup *DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if dup.Name != "ingestor" {
		t.Fatalf("Name = %q, want ingestor", dup.Name)
	}
	// The first registration must be untouched.
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegisterSelfDependency(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Register(fp("a", "a")); err == nil {
		t.Fatal("expected error for self-dependency")
	}
}

func TestBuildGraphMissingDependency(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("web", "db"))

	err := r.BuildGraph()
	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingDependencyError, got %v", err)
	}
	if missing.Plugin != "web" || missing.Missing != "db" {
		t.Fatalf("unexpected error detail: %+v", missing)
	}
}

func TestBuildGraphCycle(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("x", "y"), fp("y", "x"), fp("z"))

	err := r.BuildGraph()
	var cyc *DependencyCycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
	if !reflect.DeepEqual(cyc.Nodes, []string{"x", "y"}) {
		t.Fatalf("Nodes = %v, want [x y]", cyc.Nodes)
	}
}

func TestStartOrderLevels(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("a"), fp("b", "a"), fp("c", "a"), fp("d", "b", "c"))
	if err := r.BuildGraph(); err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	levels, err := r.StartOrder()
	if err != nil {
		t.Fatalf("StartOrder: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(levels, want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}

	stop, err := r.StopOrder()
	if err != nil {
		t.Fatalf("StopOrder: %v", err)
	}
	wantStop := [][]string{{"d"}, {"b", "c"}, {"a"}}
	if !reflect.DeepEqual(stop, wantStop) {
		t.Fatalf("stop levels = %v, want %v", stop, wantStop)
	}
}

// Same graph, different registration order: the level shape is identical
// but the intra-level order follows registration.
func TestStartOrderDeterministic(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("c", "a"), fp("a"), fp("b", "a"))
	if err := r.BuildGraph(); err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	levels, _ := r.StartOrder()
	want := [][]string{{"a"}, {"c", "b"}}
	if !reflect.DeepEqual(levels, want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
}

func TestRegisterAfterBuild(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("a"))
	if err := r.BuildGraph(); err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if err := r.Register(fp("late")); err == nil {
		t.Fatal("expected error registering after BuildGraph")
	}
}

func TestDependentsTransitive(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("a"), fp("b", "a"), fp("c", "b"), fp("d"), fp("e", "a", "d"))
	if err := r.BuildGraph(); err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	got := r.Dependents("a")
	want := []string{"b", "c", "e"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Dependents(a) = %v, want %v", got, want)
	}
	if deps := r.Dependents("c"); len(deps) != 0 {
		t.Fatalf("Dependents(c) = %v, want empty", deps)
	}
}

func TestEntryTerminalStatesAbsorb(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("a"))
	e, _ := r.Get("a")

	if !e.Fail("init exploded") {
		t.Fatal("Fail should apply on a live entry")
	}
	if e.SetState(StateRunning) {
		t.Fatal("SetState must refuse transitions out of Failed")
	}
	if e.Skip("whatever") {
		t.Fatal("Skip must refuse on a Failed entry")
	}
	if e.State() != StateFailed || e.Failure() != "init exploded" {
		t.Fatalf("state = %v failure = %q", e.State(), e.Failure())
	}
}

func TestSnapshotReflectsStates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	mustRegister(t, r, fp("a"), fp("b"))
	ea, _ := r.Get("a")
	ea.SetState(StateRunning)
	eb, _ := r.Get("b")
	eb.Fail("boom")

	st := r.Snapshot()
	if len(st.Plugins) != 2 {
		t.Fatalf("plugins = %d, want 2", len(st.Plugins))
	}
	if st.Plugins[0].Name != "a" || st.Plugins[0].State != StateRunning.String() {
		t.Fatalf("unexpected entry 0: %+v", st.Plugins[0])
	}
	if st.Plugins[1].Failure != "boom" {
		t.Fatalf("unexpected entry 1: %+v", st.Plugins[1])
	}
}
