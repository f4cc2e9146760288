package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "plughost/pkg/logx"
)

func newFileStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "plughost_store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v, want nil,nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestAppendAndRecentAudit(t *testing.T) {
	t.Parallel()
	st := newFileStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := AuditEntry{
			At:     time.Now().UTC(),
			Plugin: "marketdata",
			Action: "start",
			From:   "Starting",
			To:     "Running",
			Detail: fmt.Sprintf("attempt %d", i),
		}
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit %d: %v", i, err)
		}
	}

	got, err := st.RecentAudit(ctx, 3)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Oldest-first within the window: the last three appended.
	if got[0].Detail != "attempt 2" || got[2].Detail != "attempt 4" {
		t.Fatalf("window = [%s .. %s]", got[0].Detail, got[2].Detail)
	}
}

func TestRecentAuditEmptyJournal(t *testing.T) {
	t.Parallel()
	st := newFileStore(t)
	got, err := st.RecentAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}

func TestRecentAuditSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "plughost_store")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	if err := st.AppendAudit(ctx, AuditEntry{Plugin: "a", Action: "init"}); err != nil {
		t.Fatal(err)
	}
	// Inject garbage between valid lines.
	f, err := os.OpenFile(path+".audit.jsonl", os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json}\n\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := st.AppendAudit(ctx, AuditEntry{Plugin: "b", Action: "start"}); err != nil {
		t.Fatal(err)
	}

	got, err := st.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(got) != 2 || got[0].Plugin != "a" || got[1].Plugin != "b" {
		t.Fatalf("got %+v", got)
	}
}

func TestAppendAfterClose(t *testing.T) {
	t.Parallel()
	st := newFileStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendAudit(context.Background(), AuditEntry{Plugin: "x"}); err == nil {
		t.Fatal("expected error appending after Close")
	}
	// Closing twice is fine.
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
