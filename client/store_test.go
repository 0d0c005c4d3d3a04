package client

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gurungabit/iast/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(nil)
	s.InitSession("s1")
	return s
}

func bannerCount(chunks []Chunk) int {
	n := 0
	for _, c := range chunks {
		if c.Notice && strings.HasPrefix(c.Text, "Session started") {
			n++
		}
	}
	return n
}

func TestInitSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.Apply(wire.NewData("s1", "hello"))
	s.InitSession("s1")

	chunks := s.Chunks("s1")
	require.Len(t, chunks, 1)
	require.Equal(t, "hello", chunks[0].Text)
}

func TestApplyDataNotifiesEveryObserver(t *testing.T) {
	s := newTestStore(t)

	var first, second []string
	s.SubscribeOutput("s1", func(c Chunk) { first = append(first, c.Text) })
	cancel := s.SubscribeOutput("s1", func(c Chunk) { second = append(second, c.Text) })

	s.Apply(wire.NewData("s1", "one"))
	cancel()
	s.Apply(wire.NewData("s1", "two"))

	require.Equal(t, []string{"one", "two"}, first)
	require.Equal(t, []string{"one"}, second, "cancelled observer must not see later chunks")
}

func TestLateSubscriberReconstructsFullOutput(t *testing.T) {
	s := newTestStore(t)

	var live []string
	s.SubscribeOutput("s1", func(c Chunk) { live = append(live, c.Text) })

	for i := 0; i < 3; i++ {
		s.Apply(wire.NewData("s1", fmt.Sprintf("chunk-%d", i)))
	}

	// A late joiner replays the buffer and then follows along.
	var late []string
	for _, c := range s.Chunks("s1") {
		late = append(late, c.Text)
	}
	s.SubscribeOutput("s1", func(c Chunk) { late = append(late, c.Text) })
	s.Apply(wire.NewData("s1", "chunk-3"))

	require.Equal(t, append(live[:3:3], "chunk-3"), late)
	require.Equal(t, late, live)
}

func TestSessionCreatedBannerAppearsOnce(t *testing.T) {
	s := newTestStore(t)

	s.Apply(wire.NewSessionCreated("s1", &wire.SessionCreatedMeta{Shell: "/bin/bash", Cols: 80, Rows: 24}))
	s.Apply(wire.NewSessionCreated("s1", &wire.SessionCreatedMeta{Shell: "/bin/bash", Cols: 80, Rows: 24}))

	chunks := s.Chunks("s1")
	require.Equal(t, 1, bannerCount(chunks))
	require.Contains(t, chunks[0].Text, "/bin/bash")

	snap, ok := s.Snapshot("s1")
	require.True(t, ok)
	require.True(t, snap.Initialized)
}

func TestErrorEnvelopeAppendsMarker(t *testing.T) {
	s := newTestStore(t)
	s.SetStatus("s1", StatusConnected)

	s.Apply(wire.NewError("s1", "EXEC", "host rejected input"))

	snap, ok := s.Snapshot("s1")
	require.True(t, ok)
	require.Equal(t, "host rejected input", snap.LastError)
	require.Equal(t, StatusConnected, snap.Status, "protocol errors must not change connection status")

	chunks := s.Chunks("s1")
	require.Len(t, chunks, 1)
	require.True(t, chunks[0].Notice)
	require.Equal(t, "[error] host rejected input", chunks[0].Text)
}

func TestSessionDestroyedMarksDisconnected(t *testing.T) {
	s := newTestStore(t)
	s.SetStatus("s1", StatusConnected)

	var statuses []Status
	s.SubscribeStatus("s1", func(st Status) { statuses = append(statuses, st) })

	s.Apply(wire.NewSessionDestroyed("s1", "host terminated"))

	st, ok := s.Status("s1")
	require.True(t, ok)
	require.Equal(t, StatusDisconnected, st)
	require.Equal(t, []Status{StatusDisconnected}, statuses)

	chunks := s.Chunks("s1")
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0].Text, "host terminated")
}

func TestScreenUpdateReplacesWholesale(t *testing.T) {
	s := newTestStore(t)

	s.Apply(wire.NewScreenUpdate("s1", "MENU", &wire.ScreenUpdateMeta{
		Fields: []wire.ScreenField{{Row: 1, Col: 1, Length: 4, Value: "MENU"}, {Row: 2, Col: 1, Length: 2, Value: "OK"}},
		Cursor: &wire.Cursor{Row: 2, Col: 3},
	}))
	s.Apply(wire.NewScreenUpdate("s1", "NEXT", &wire.ScreenUpdateMeta{
		Fields: []wire.ScreenField{{Row: 1, Col: 1, Length: 4, Value: "NEXT"}},
	}))

	snap, ok := s.Snapshot("s1")
	require.True(t, ok)
	require.Len(t, snap.Fields, 1, "screen fields replace, never merge")
	require.Equal(t, "NEXT", snap.Fields[0].Value)
	require.Nil(t, snap.Cursor, "a screen update without cursor clears it")

	require.Len(t, s.Chunks("s1"), 2, "rendered text still lands in the output buffer")
}

func TestCursorUpdate(t *testing.T) {
	s := newTestStore(t)
	s.Apply(wire.NewCursorUpdate("s1", 5, 12))

	snap, ok := s.Snapshot("s1")
	require.True(t, ok)
	require.NotNil(t, snap.Cursor)
	require.Equal(t, 5, snap.Cursor.Row)
	require.Equal(t, 12, snap.Cursor.Col)
}

func TestApplyIgnoresUnknownSession(t *testing.T) {
	s := newTestStore(t)
	s.Apply(wire.NewData("ghost", "lost"))
	require.Nil(t, s.Chunks("ghost"))
}

func TestApplyIgnoresClientOnlyKinds(t *testing.T) {
	s := newTestStore(t)
	s.Apply(wire.NewPing("s1"))
	s.Apply(wire.NewResize("s1", 80, 24))
	s.Apply(wire.NewTaskRun("s1", &wire.TaskRunMeta{ExecutionID: "e1", AstName: "batch"}))

	require.Empty(t, s.Chunks("s1"))
	_, ok := s.Execution("s1")
	require.False(t, ok)
}

func TestSetErrorReportsExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	var errors int
	s.SubscribeStatus("s1", func(st Status) {
		if st == StatusError {
			errors++
		}
	})

	s.SetError("s1", "gave up after 10 reconnect attempts")
	s.SetError("s1", "gave up after 10 reconnect attempts")

	require.Equal(t, 1, errors)
	snap, _ := s.Snapshot("s1")
	require.Equal(t, StatusError, snap.Status)
	require.Equal(t, "gave up after 10 reconnect attempts", snap.LastError)
}

func TestDestroySessionDiscardsState(t *testing.T) {
	s := newTestStore(t)
	s.Apply(wire.NewData("s1", "hello"))
	s.DestroySession("s1")

	_, ok := s.Snapshot("s1")
	require.False(t, ok)

	// Subscribing to a discarded session is a harmless no-op.
	cancel := s.SubscribeOutput("s1", func(Chunk) {})
	cancel()
}

func TestExecutionLifecycleThroughStore(t *testing.T) {
	s := newTestStore(t)

	var events []ExecutionEventKind
	s.SubscribeExecution("s1", func(ev ExecutionEvent) { events = append(events, ev.Kind) })

	s.BeginExecution("s1", "e1", "batch-update")

	exec, ok := s.Execution("s1")
	require.True(t, ok)
	require.Equal(t, wire.ExecRunning, exec.Status)
	require.Equal(t, "batch-update", exec.AstName)

	s.Apply(wire.NewTaskProgress("s1", &wire.TaskProgressMeta{ExecutionID: "e1", Current: 1, Total: 4, Percentage: 25, CurrentItem: "acct-1"}))
	s.Apply(wire.NewTaskItemResult("s1", &wire.TaskItemResultMeta{ExecutionID: "e1", ItemID: "acct-1", Status: wire.ItemSuccess, DurationMs: 40}))
	s.Apply(wire.NewTaskPaused("s1", "e1", true))
	s.Apply(wire.NewTaskPaused("s1", "e1", false))
	s.Apply(wire.NewTaskStatus("s1", &wire.TaskStatusMeta{ExecutionID: "e1", Status: wire.ExecSuccess}))

	exec, _ = s.Execution("s1")
	require.Equal(t, wire.ExecSuccess, exec.Status)
	require.Len(t, exec.Items, 1)
	require.Equal(t, 1, exec.Progress.Current)

	require.Equal(t, []ExecutionEventKind{
		ExecEventStatus, ExecEventProgress, ExecEventItem,
		ExecEventPaused, ExecEventPaused, ExecEventStatus,
	}, events)
}

func TestExecutionIgnoresStaleAndTerminalEchoes(t *testing.T) {
	s := newTestStore(t)

	var events int
	s.SubscribeExecution("s1", func(ExecutionEvent) { events++ })

	s.BeginExecution("s1", "e2", "batch")
	s.Apply(wire.NewTaskStatus("s1", &wire.TaskStatusMeta{ExecutionID: "e1", Status: wire.ExecFailed})) // stale id
	s.Apply(wire.NewTaskStatus("s1", &wire.TaskStatusMeta{ExecutionID: "e2", Status: wire.ExecSuccess}))
	s.Apply(wire.NewTaskProgress("s1", &wire.TaskProgressMeta{ExecutionID: "e2", Current: 9, Total: 10})) // after terminal

	exec, _ := s.Execution("s1")
	require.Equal(t, wire.ExecSuccess, exec.Status)
	require.Zero(t, exec.Progress.Current)
	require.Equal(t, 2, events, "begin plus the one accepted transition")
}

func TestExecutionTelemetryWithoutRunIsDropped(t *testing.T) {
	s := newTestStore(t)
	s.Apply(wire.NewTaskProgress("s1", &wire.TaskProgressMeta{ExecutionID: "e1", Current: 1, Total: 2}))

	_, ok := s.Execution("s1")
	require.False(t, ok)
}

func TestBeginExecutionReplacesFinishedRun(t *testing.T) {
	s := newTestStore(t)

	s.BeginExecution("s1", "e1", "first")
	s.Apply(wire.NewTaskItemResult("s1", &wire.TaskItemResultMeta{ExecutionID: "e1", ItemID: "i1", Status: wire.ItemFailed}))
	s.Apply(wire.NewTaskStatus("s1", &wire.TaskStatusMeta{ExecutionID: "e1", Status: wire.ExecFailed}))

	s.BeginExecution("s1", "e2", "second")

	exec, _ := s.Execution("s1")
	require.Equal(t, "e2", exec.ID)
	require.Equal(t, wire.ExecRunning, exec.Status)
	require.Empty(t, exec.Items, "a new run starts from a clean slot")
}

func TestFailExecutionMarksLocalFailure(t *testing.T) {
	s := newTestStore(t)
	s.BeginExecution("s1", "e1", "batch")
	s.FailExecution("s1", "run command not sent: send queue full")

	exec, _ := s.Execution("s1")
	require.Equal(t, wire.ExecFailed, exec.Status)
	require.Contains(t, exec.Error, "send queue full")

	// Echoes for the dead run stay ignored.
	s.Apply(wire.NewTaskStatus("s1", &wire.TaskStatusMeta{ExecutionID: "e1", Status: wire.ExecRunning}))
	exec, _ = s.Execution("s1")
	require.Equal(t, wire.ExecFailed, exec.Status)
}

func TestRestoreExecutionRehydratesSlot(t *testing.T) {
	s := newTestStore(t)

	var events []ExecutionEventKind
	s.SubscribeExecution("s1", func(ev ExecutionEvent) { events = append(events, ev.Kind) })

	s.RestoreExecution("s1", Execution{
		ID: "e9", AstName: "batch", Status: wire.ExecPaused,
		Progress: Progress{Current: 7, Total: 20, Percentage: 35},
	})

	exec, ok := s.Execution("s1")
	require.True(t, ok)
	require.Equal(t, wire.ExecPaused, exec.Status)
	require.Equal(t, 7, exec.Progress.Current)
	require.Equal(t, []ExecutionEventKind{ExecEventStatus}, events)

	// The live feed picks up where the restore left off.
	s.Apply(wire.NewTaskPaused("s1", "e9", false))
	exec, _ = s.Execution("s1")
	require.Equal(t, wire.ExecRunning, exec.Status)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestStore(t)
	s.BeginExecution("s1", "e1", "batch")
	s.Apply(wire.NewData("s1", "hello"))

	snap, _ := s.Snapshot("s1")
	snap.Chunks[0].Text = "mutated"
	snap.Execution.Status = wire.ExecFailed

	require.Equal(t, "hello", s.Chunks("s1")[0].Text)
	exec, _ := s.Execution("s1")
	require.Equal(t, wire.ExecRunning, exec.Status)
}
