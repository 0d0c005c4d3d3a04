package client

import (
	"testing"

	"github.com/gurungabit/iast/wire"
)

func runningExec() *Execution {
	return &Execution{ID: "e1", AstName: "batch", Status: wire.ExecRunning}
}

func TestApplyStatusTransitions(t *testing.T) {
	t.Parallel()

	e := runningExec()
	if !e.applyStatus(&wire.TaskStatusMeta{ExecutionID: "e1", Status: wire.ExecFailed, Error: "boom"}) {
		t.Fatalf("expected transition to apply")
	}
	if e.Status != wire.ExecFailed || e.Error != "boom" {
		t.Fatalf("unexpected state: %+v", e)
	}

	// Terminal means terminal.
	if e.applyStatus(&wire.TaskStatusMeta{ExecutionID: "e1", Status: wire.ExecRunning}) {
		t.Fatalf("terminal execution must ignore further transitions")
	}
	if e.Status != wire.ExecFailed {
		t.Fatalf("status changed after terminal: %v", e.Status)
	}
}

func TestApplyStatusIgnoresOtherExecutions(t *testing.T) {
	t.Parallel()

	e := runningExec()
	if e.applyStatus(&wire.TaskStatusMeta{ExecutionID: "stale", Status: wire.ExecSuccess}) {
		t.Fatalf("mismatched execution id must be ignored")
	}
	if e.Status != wire.ExecRunning {
		t.Fatalf("status changed: %v", e.Status)
	}
}

func TestApplyProgressWholesale(t *testing.T) {
	t.Parallel()

	e := runningExec()
	e.applyProgress(&wire.TaskProgressMeta{ExecutionID: "e1", Current: 2, Total: 10, Percentage: 20, CurrentItem: "a", ItemStatus: "processing", Message: "working"})
	e.applyProgress(&wire.TaskProgressMeta{ExecutionID: "e1", Current: 5, Total: 10, Percentage: 50})
	if e.Progress.Current != 5 || e.Progress.Percentage != 50 {
		t.Fatalf("numeric fields not replaced: %+v", e.Progress)
	}
	if e.Progress.CurrentItem != "" || e.Progress.Message != "" {
		t.Fatalf("textual fields must be replaced wholesale too: %+v", e.Progress)
	}
}

func TestApplyProgressSentinelKeepsNumerics(t *testing.T) {
	t.Parallel()

	e := runningExec()
	e.applyProgress(&wire.TaskProgressMeta{ExecutionID: "e1", Current: 4, Total: 8, Percentage: 50, CurrentItem: "acct-4", Message: "processing"})
	e.applyProgress(&wire.TaskProgressMeta{ExecutionID: "e1", Current: -1, Total: -1, Message: "still on acct-4"})

	p := e.Progress
	if p.Current != 4 || p.Total != 8 || p.Percentage != 50 {
		t.Fatalf("sentinel update must keep numeric fields: %+v", p)
	}
	if p.Message != "still on acct-4" {
		t.Fatalf("sentinel update must refresh message: %+v", p)
	}
	if p.CurrentItem != "acct-4" {
		t.Fatalf("empty sentinel label must not blank the current item: %+v", p)
	}
}

func TestApplyItemAppendsWithoutDedup(t *testing.T) {
	t.Parallel()

	e := runningExec()
	for i := 0; i < 2; i++ {
		if _, ok := e.applyItem(&wire.TaskItemResultMeta{ExecutionID: "e1", ItemID: "dup", Status: wire.ItemSuccess, DurationMs: 10}); !ok {
			t.Fatalf("item %d not applied", i)
		}
	}
	if len(e.Items) != 2 {
		t.Fatalf("expected both results kept, got %d", len(e.Items))
	}
}

func TestApplyPausedFlips(t *testing.T) {
	t.Parallel()

	e := runningExec()
	if !e.applyPaused(&wire.TaskPausedMeta{ExecutionID: "e1", Paused: true}) {
		t.Fatalf("running must flip to paused")
	}
	if e.Status != wire.ExecPaused {
		t.Fatalf("status: %v", e.Status)
	}
	// Duplicate echo changes nothing.
	if e.applyPaused(&wire.TaskPausedMeta{ExecutionID: "e1", Paused: true}) {
		t.Fatalf("duplicate pause echo must be a no-op")
	}
	if !e.applyPaused(&wire.TaskPausedMeta{ExecutionID: "e1", Paused: false}) {
		t.Fatalf("paused must flip back to running")
	}
	if e.Status != wire.ExecRunning {
		t.Fatalf("status: %v", e.Status)
	}
}

func TestApplyPausedIgnoredWhenTerminal(t *testing.T) {
	t.Parallel()

	e := runningExec()
	e.applyStatus(&wire.TaskStatusMeta{ExecutionID: "e1", Status: wire.ExecCancelled})
	if e.applyPaused(&wire.TaskPausedMeta{ExecutionID: "e1", Paused: true}) {
		t.Fatalf("terminal execution must ignore pause echoes")
	}
}

func TestPauseResumePreservesProgressAndItems(t *testing.T) {
	t.Parallel()

	e := runningExec()
	e.applyProgress(&wire.TaskProgressMeta{ExecutionID: "e1", Current: 3, Total: 6, Percentage: 50})
	e.applyItem(&wire.TaskItemResultMeta{ExecutionID: "e1", ItemID: "i1", Status: wire.ItemSuccess})

	e.applyPaused(&wire.TaskPausedMeta{ExecutionID: "e1", Paused: true})
	e.applyPaused(&wire.TaskPausedMeta{ExecutionID: "e1", Paused: false})

	if e.Progress.Current != 3 || len(e.Items) != 1 {
		t.Fatalf("pause/resume must not disturb progress or items: %+v", e)
	}
	if e.Status != wire.ExecRunning {
		t.Fatalf("status: %v", e.Status)
	}
}
