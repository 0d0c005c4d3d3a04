package hostsim

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/gurungabit/iast/internal/api/types"
	"github.com/gurungabit/iast/wire"
)

// taskRun simulates one automated task: a fixed list of work items
// processed on a ticker, with pause, resume and cancel honored between
// items. All telemetry goes out as envelopes on the session's output
// topic; when a Reporter is configured the same telemetry is mirrored to
// the API so clients can rehydrate after a reload.
//
// Run parameters steer the simulation:
//
//	items   item count (default 5)
//	fail    comma-separated ordinals that fail (e.g. "2,4")
//	outcome terminal status override: "failed" or "timeout"
type taskRun struct {
	sessionID   string
	executionID string
	astName     string

	items   int
	failSet map[int]struct{}
	outcome wire.ExecStatus
	tick    time.Duration

	publish  func(*wire.Envelope)
	reporter *Reporter
	log      pslog.Logger

	commands chan *wire.Envelope
	done     chan struct{}

	current int
	paused  bool
	lastID  string
}

func newTaskRun(sessionID string, meta *wire.TaskRunMeta, tick time.Duration, publish func(*wire.Envelope), reporter *Reporter, logger pslog.Logger) *taskRun {
	t := &taskRun{
		sessionID:   sessionID,
		executionID: meta.ExecutionID,
		astName:     meta.AstName,
		items:       5,
		failSet:     make(map[int]struct{}),
		outcome:     wire.ExecSuccess,
		tick:        tick,
		publish:     publish,
		reporter:    reporter,
		log:         logger.With("execution", meta.ExecutionID, "ast", meta.AstName),
		commands:    make(chan *wire.Envelope, 16),
		done:        make(chan struct{}),
	}
	if v := meta.Params["items"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			t.items = n
		}
	}
	for _, part := range strings.Split(meta.Params["fail"], ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n > 0 {
			t.failSet[n] = struct{}{}
		}
	}
	switch meta.Params["outcome"] {
	case "failed":
		t.outcome = wire.ExecFailed
	case "timeout":
		t.outcome = wire.ExecTimeout
	}
	return t
}

// deliver hands a pause/resume/cancel command to the run loop without
// blocking the session loop.
func (t *taskRun) deliver(env *wire.Envelope) {
	select {
	case t.commands <- env:
	case <-t.done:
	default:
		t.log.Warn("dropping task command, queue full")
	}
}

func (t *taskRun) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// abort ends the run from outside, used when the session dies under it.
func (t *taskRun) abort() {
	t.deliver(wire.NewTaskControl(wire.TypeTaskCancel, t.sessionID, t.executionID))
}

func (t *taskRun) run() {
	defer close(t.done)

	t.log.Info("task started", "items", t.items)
	t.setStatus(wire.ExecRunning, "")

	// Message-only update while "signing on": numeric progress is not
	// known yet, so both counters carry the sentinel.
	t.progress(&wire.TaskProgressMeta{
		ExecutionID: t.executionID,
		Current:     -1,
		Total:       -1,
		Message:     fmt.Sprintf("signing on for %s", t.astName),
	})

	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for t.current < t.items {
		select {
		case env := <-t.commands:
			if t.handleCommand(env) {
				return
			}
		case <-ticker.C:
			if t.paused {
				continue
			}
			t.current++
			t.processItem(t.current)
		}
	}

	errMsg := ""
	switch t.outcome {
	case wire.ExecFailed:
		errMsg = "simulated run failure"
	case wire.ExecTimeout:
		errMsg = "simulated host timeout"
	}
	t.setStatus(t.outcome, errMsg)
	t.log.Info("task finished", "status", string(t.outcome))
}

// handleCommand applies one control envelope. It reports true when the
// run is over. Commands that would not change anything produce no echo;
// the client's state machine treats the missing echo as the rejection.
func (t *taskRun) handleCommand(env *wire.Envelope) bool {
	switch env.Type {
	case wire.TypeTaskPause:
		if !t.paused {
			t.paused = true
			t.publish(wire.NewTaskPaused(t.sessionID, t.executionID, true))
			t.report(wire.ExecPaused, "")
		}
	case wire.TypeTaskResume:
		if t.paused {
			t.paused = false
			t.publish(wire.NewTaskPaused(t.sessionID, t.executionID, false))
			t.report(wire.ExecRunning, "")
		}
	case wire.TypeTaskCancel:
		t.setStatus(wire.ExecCancelled, "")
		t.log.Info("task cancelled", "processed", t.current)
		return true
	}
	return false
}

func (t *taskRun) processItem(i int) {
	itemID := fmt.Sprintf("item-%03d", i)
	t.lastID = itemID

	status := wire.ItemSuccess
	errMsg := ""
	if _, bad := t.failSet[i]; bad {
		status = wire.ItemFailed
		errMsg = "simulated item failure"
	}

	t.publish(wire.NewTaskItemResult(t.sessionID, &wire.TaskItemResultMeta{
		ExecutionID: t.executionID,
		ItemID:      itemID,
		Status:      status,
		DurationMs:  t.tick.Milliseconds(),
		Error:       errMsg,
	}))
	t.reporter.ReportItem(context.Background(), t.sessionID, types.ReportExecutionItemRequest{
		ExecutionID: t.executionID,
		ItemID:      itemID,
		Status:      status,
		DurationMs:  t.tick.Milliseconds(),
		Error:       errMsg,
	})

	t.progress(&wire.TaskProgressMeta{
		ExecutionID: t.executionID,
		Current:     i,
		Total:       t.items,
		Percentage:  float64(i) / float64(t.items) * 100,
		CurrentItem: itemID,
	})
	t.report(wire.ExecRunning, "")
}

func (t *taskRun) progress(meta *wire.TaskProgressMeta) {
	t.publish(wire.NewTaskProgress(t.sessionID, meta))
}

// setStatus publishes a status transition and mirrors it to the API.
func (t *taskRun) setStatus(status wire.ExecStatus, errMsg string) {
	t.publish(wire.NewTaskStatus(t.sessionID, &wire.TaskStatusMeta{
		ExecutionID: t.executionID,
		Status:      status,
		Error:       errMsg,
	}))
	t.report(status, errMsg)
}

func (t *taskRun) report(status wire.ExecStatus, errMsg string) {
	pct := float64(0)
	if t.items > 0 {
		pct = float64(t.current) / float64(t.items) * 100
	}
	t.reporter.ReportStatus(context.Background(), t.sessionID, types.ReportExecutionRequest{
		ID:          t.executionID,
		AstName:     t.astName,
		Status:      string(status),
		Current:     int64(t.current),
		Total:       int64(t.items),
		Percentage:  pct,
		CurrentItem: t.lastID,
		Error:       errMsg,
	})
}
