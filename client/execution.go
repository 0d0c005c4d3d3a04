package client

import (
	"time"

	"github.com/gurungabit/iast/wire"
)

// Progress is the merged view of task.progress updates.
type Progress struct {
	// Current is the number of items processed.
	Current int
	// Total is the number of items in the run.
	Total int
	// Percentage is the sender-computed completion percentage.
	Percentage float64
	// CurrentItem labels the item being processed.
	CurrentItem string
	// ItemStatus is the phase of the current item.
	ItemStatus string
	// Message is the latest progress line.
	Message string
}

// ItemResult is one finished work item.
type ItemResult struct {
	ItemID   string
	Status   string
	Duration time.Duration
	Error    string
	Data     map[string]any
}

// Execution is the snapshot of a session's execution slot. Each session has
// at most one; starting a run replaces it.
type Execution struct {
	// ID is the executionId minted when the run started.
	ID string
	// AstName names the task definition.
	AstName string
	// Status is the current lifecycle state.
	Status wire.ExecStatus
	// Error is the failure message for failed/timeout runs.
	Error string
	// Progress is the latest merged progress.
	Progress Progress
	// Items are the reported item results, in arrival order.
	Items []ItemResult
}

// Terminal reports whether the execution admits no further transitions.
func (e *Execution) Terminal() bool {
	return e.Status.Terminal()
}

func (e *Execution) clone() Execution {
	out := *e
	out.Items = append([]ItemResult(nil), e.Items...)
	return out
}

// applyStatus applies an authoritative status transition. Terminal
// executions and mismatched execution ids are left untouched.
func (e *Execution) applyStatus(meta *wire.TaskStatusMeta) bool {
	if e.ID != meta.ExecutionID || e.Terminal() {
		return false
	}
	if e.Status == meta.Status && e.Error == meta.Error {
		return false
	}
	e.Status = meta.Status
	e.Error = meta.Error
	return true
}

// applyProgress merges a progress update. A message-only update (sentinel
// current/total of -1) keeps the numeric fields and refreshes the textual
// ones; anything else replaces the progress wholesale.
func (e *Execution) applyProgress(meta *wire.TaskProgressMeta) bool {
	if e.ID != meta.ExecutionID || e.Terminal() {
		return false
	}
	if meta.MessageOnly() {
		e.Progress.Message = meta.Message
		if meta.CurrentItem != "" {
			e.Progress.CurrentItem = meta.CurrentItem
		}
		if meta.ItemStatus != "" {
			e.Progress.ItemStatus = meta.ItemStatus
		}
		return true
	}
	e.Progress = Progress{
		Current:     meta.Current,
		Total:       meta.Total,
		Percentage:  meta.Percentage,
		CurrentItem: meta.CurrentItem,
		ItemStatus:  meta.ItemStatus,
		Message:     meta.Message,
	}
	return true
}

// applyItem appends an item result. Results are append-only; repeated item
// ids are kept as separate entries.
func (e *Execution) applyItem(meta *wire.TaskItemResultMeta) (ItemResult, bool) {
	if e.ID != meta.ExecutionID || e.Terminal() {
		return ItemResult{}, false
	}
	item := ItemResult{
		ItemID:   meta.ItemID,
		Status:   meta.Status,
		Duration: time.Duration(meta.DurationMs) * time.Millisecond,
		Error:    meta.Error,
		Data:     meta.Data,
	}
	e.Items = append(e.Items, item)
	return item, true
}

// applyPaused applies the authoritative pause echo. Only running flips to
// paused and only paused flips back; everything else is ignored.
func (e *Execution) applyPaused(meta *wire.TaskPausedMeta) bool {
	if e.ID != meta.ExecutionID || e.Terminal() {
		return false
	}
	switch {
	case meta.Paused && e.Status == wire.ExecRunning:
		e.Status = wire.ExecPaused
		return true
	case !meta.Paused && e.Status == wire.ExecPaused:
		e.Status = wire.ExecRunning
		return true
	}
	return false
}
