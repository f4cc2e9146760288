package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "plughost/pkg/logx"
)

func newRunning(t *testing.T) *Service {
	t.Helper()
	s := New(Config{Enabled: true, DefaultTimeout: time.Second}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestAddRequiresRunningService(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	_, err := s.AddInterval("x", time.Second, 0, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error adding a job before Start")
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.AddInterval("x", time.Second, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("disabled scheduler must reject jobs")
	}
}

func TestDuplicateJobName(t *testing.T) {
	t.Parallel()
	s := newRunning(t)
	nop := func(ctx context.Context) error { return nil }
	if _, err := s.AddInterval("tick", time.Minute, 0, nop); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := s.AddInterval("tick", time.Minute, 0, nop); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestAddCronRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := newRunning(t)
	if _, err := s.AddCron("bad", "not a cron spec", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := s.AddCron("daily", "0 3 * * *", 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("valid 5-field spec rejected: %v", err)
	}
}

func TestRemoveByPrefixDropsPluginJobs(t *testing.T) {
	t.Parallel()
	s := newRunning(t)
	nop := func(ctx context.Context) error { return nil }
	for _, name := range []string{"ingestor:tick", "ingestor:flush", "other:tick"} {
		if _, err := s.AddInterval(name, time.Minute, 0, nop); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	if n := s.RemoveByPrefix("ingestor:"); n != 2 {
		t.Fatalf("RemoveByPrefix = %d, want 2", n)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Name != "other:tick" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestIntervalJobRuns(t *testing.T) {
	t.Parallel()
	s := newRunning(t)

	var runs atomic.Int64
	if _, err := s.AddInterval("fast", 20*time.Millisecond, time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("job ran %d times, want >= 2", runs.Load())
	}
}

func TestOverlapSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	s := newRunning(t)

	var active, maxActive atomic.Int64
	release := make(chan struct{})
	if _, err := s.AddInterval("slow", 20*time.Millisecond, 5*time.Second, func(ctx context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		active.Add(-1)
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	// Let several fire instants pass while the first run is held.
	time.Sleep(150 * time.Millisecond)
	close(release)

	if maxActive.Load() > 1 {
		t.Fatalf("overlapping runs observed: %d", maxActive.Load())
	}
}

func TestSnapshotRecordsRunsAndErrors(t *testing.T) {
	t.Parallel()
	s := newRunning(t)

	ran := make(chan struct{}, 8)
	if _, err := s.AddInterval("failing", 20*time.Millisecond, time.Second, func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return context.DeadlineExceeded
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
	// The run result lands in the def after the job returns.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if len(snap) == 1 && snap[0].Runs >= 1 && snap[0].LastErr != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("snapshot never recorded the failed run: %+v", s.Snapshot())
}
