package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-optest/internal/runner"
)

func openTemp(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "db", "history.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := NewRun("run-1", "plans/add.yaml", "add", base, []runner.Result{
		{ID: "a@cpu:x/shape0", Status: runner.StatusPassed, Attempts: 1, Duration: 2 * time.Millisecond},
		{ID: "b@cpu:x/shape0", Status: runner.StatusFailed, Detail: "mismatch", Attempts: 3},
	})
	second := NewRun("run-2", "plans/add.yaml", "add", base.Add(time.Hour), []runner.Result{
		{ID: "a@cpu:x/shape0", Status: runner.StatusXFail, XFail: true},
	})

	for _, run := range []Run{first, second} {
		if err := s.Record(ctx, run); err != nil {
			t.Fatalf("Record %s: %v", run.ID, err)
		}
	}

	runs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(runs) != 2 || runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Fatalf("recent order = %+v", runs)
	}

	if runs[1].OK || runs[1].Failures != 1 || runs[1].Total != 2 || !runs[0].OK {
		t.Fatalf("run summaries = %+v", runs)
	}

	if !runs[1].StartedAt.Equal(base) {
		t.Fatalf("started_at = %v, want %v", runs[1].StartedAt, base)
	}

	results, err := s.Results(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(first.Results, results); diff != "" {
		t.Fatalf("results (-want +got):\n%s", diff)
	}

	limited, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d runs", len(limited))
	}
}

func TestRecordRejectsDuplicateRun(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	run := NewRun("dup", "p.yaml", "op", time.Now(), []runner.Result{{ID: "u", Status: runner.StatusPassed}})
	if err := s.Record(ctx, run); err != nil {
		t.Fatal(err)
	}

	if err := s.Record(ctx, run); err == nil {
		t.Fatal("expected duplicate run id to fail")
	}

	results, err := s.Results(ctx, "dup")
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 1 {
		t.Fatalf("failed insert leaked rows: %d results", len(results))
	}
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error")
	}
}
