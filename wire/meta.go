package wire

// Meta is the tagged metadata union. Each envelope kind that carries
// metadata has exactly one concrete meta type; the codec picks it from the
// envelope's Type, so a decoded envelope can be switched on without
// re-parsing maps.
type Meta interface {
	isMeta()
}

// ResizeMeta carries the requested terminal geometry.
type ResizeMeta struct {
	// Cols is the requested column count.
	Cols int `json:"cols"`
	// Rows is the requested row count.
	Rows int `json:"rows"`
}

// SessionCreateMeta carries the desired terminal parameters for a new
// session. All fields are optional; the backend fills defaults.
type SessionCreateMeta struct {
	// Cols is the initial column count.
	Cols int `json:"cols,omitempty"`
	// Rows is the initial row count.
	Rows int `json:"rows,omitempty"`
	// Term is the requested terminal model (e.g. "xterm-256color").
	Term string `json:"term,omitempty"`
}

// SessionCreatedMeta describes the session the backend actually started.
type SessionCreatedMeta struct {
	// Shell is the program hosting the session.
	Shell string `json:"shell,omitempty"`
	// Cols is the effective column count.
	Cols int `json:"cols,omitempty"`
	// Rows is the effective row count.
	Rows int `json:"rows,omitempty"`
}

// SessionDestroyedMeta explains why a session ended.
type SessionDestroyedMeta struct {
	// Reason is a short human-readable cause (e.g. "exited", "requested").
	Reason string `json:"reason,omitempty"`
}

// ErrorMeta classifies an error envelope; the payload holds the message.
type ErrorMeta struct {
	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// ScreenField is one addressable field of a structured screen.
type ScreenField struct {
	// Row is the zero-based field row.
	Row int `json:"row"`
	// Col is the zero-based field start column.
	Col int `json:"col"`
	// Length is the field length in columns.
	Length int `json:"length"`
	// Protected marks read-only fields.
	Protected bool `json:"protected,omitempty"`
	// Hidden marks non-display fields (passwords).
	Hidden bool `json:"hidden,omitempty"`
	// Value is the current field content.
	Value string `json:"value,omitempty"`
}

// Cursor is a screen position.
type Cursor struct {
	// Row is the zero-based cursor row.
	Row int `json:"row"`
	// Col is the zero-based cursor column.
	Col int `json:"col"`
}

// ScreenUpdateMeta carries the structured view of a screen snapshot. The
// envelope payload holds the rendered text; consumers that only stream
// output may ignore the meta entirely.
type ScreenUpdateMeta struct {
	// Fields is the complete field map; it replaces any previous one.
	Fields []ScreenField `json:"fields,omitempty"`
	// Cursor is the cursor position after the update.
	Cursor *Cursor `json:"cursor,omitempty"`
}

// CursorUpdateMeta moves the cursor without touching screen content.
type CursorUpdateMeta struct {
	// Row is the zero-based cursor row.
	Row int `json:"row"`
	// Col is the zero-based cursor column.
	Col int `json:"col"`
}

// ExecStatus is an execution lifecycle state as carried by task.status.
type ExecStatus string

const (
	// ExecPending is the state before the run command is sent.
	ExecPending ExecStatus = "pending"
	// ExecRunning is an in-flight execution.
	ExecRunning ExecStatus = "running"
	// ExecPaused is a run suspended by the backend.
	ExecPaused ExecStatus = "paused"
	// ExecSuccess is terminal: all items completed.
	ExecSuccess ExecStatus = "success"
	// ExecFailed is terminal: the run aborted on error.
	ExecFailed ExecStatus = "failed"
	// ExecTimeout is terminal: the backend gave up waiting.
	ExecTimeout ExecStatus = "timeout"
	// ExecCancelled is terminal: a cancel command took effect.
	ExecCancelled ExecStatus = "cancelled"
)

// Valid reports whether s is a recognized status.
func (s ExecStatus) Valid() bool {
	switch s {
	case ExecPending, ExecRunning, ExecPaused, ExecSuccess, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s ExecStatus) Terminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	}
	return false
}

// Work item outcomes carried by task.item-result.
const (
	ItemSuccess = "success"
	ItemFailed  = "failed"
	ItemSkipped = "skipped"
)

// TaskRunMeta starts an automated task.
type TaskRunMeta struct {
	// ExecutionID is the client-minted id for this run.
	ExecutionID string `json:"executionId"`
	// AstName names the task definition to run.
	AstName string `json:"astName"`
	// Params are plain (non-secret) task parameters.
	Params map[string]string `json:"params,omitempty"`
	// Credentials is the sealed secret blob, base64, produced by the
	// client's credential sealer. Empty when the task needs none.
	Credentials string `json:"credentials,omitempty"`
}

// TaskControlMeta targets a pause, resume or cancel command.
type TaskControlMeta struct {
	// ExecutionID is the run the command applies to.
	ExecutionID string `json:"executionId"`
}

// TaskStatusMeta reports a status transition.
type TaskStatusMeta struct {
	// ExecutionID is the run the transition applies to.
	ExecutionID string `json:"executionId"`
	// Status is the new state.
	Status ExecStatus `json:"status"`
	// Error is the failure message for failed/timeout transitions.
	Error string `json:"error,omitempty"`
}

// TaskProgressMeta reports run progress. Current==-1 and Total==-1 marks a
// message-only update: numeric fields keep their previous values and only
// the textual ones apply.
type TaskProgressMeta struct {
	// ExecutionID is the run the progress applies to.
	ExecutionID string `json:"executionId"`
	// Current is the number of items processed so far, or -1.
	Current int `json:"current"`
	// Total is the total number of items, or -1.
	Total int `json:"total"`
	// Percentage is the sender-computed completion percentage.
	Percentage float64 `json:"percentage"`
	// CurrentItem labels the item currently being processed.
	CurrentItem string `json:"currentItem,omitempty"`
	// ItemStatus is the phase of the current item (e.g. "processing").
	ItemStatus string `json:"itemStatus,omitempty"`
	// Message is a free-form progress line.
	Message string `json:"message,omitempty"`
}

// MessageOnly reports whether the update carries only textual fields.
func (m *TaskProgressMeta) MessageOnly() bool {
	return m.Current == -1 && m.Total == -1
}

// TaskItemResultMeta reports one finished work item.
type TaskItemResultMeta struct {
	// ExecutionID is the run the item belongs to.
	ExecutionID string `json:"executionId"`
	// ItemID identifies the work item.
	ItemID string `json:"itemId"`
	// Status is the item outcome: success, failed or skipped.
	Status string `json:"status"`
	// DurationMs is the item processing time in milliseconds.
	DurationMs int64 `json:"durationMs,omitempty"`
	// Error is the failure message for failed items.
	Error string `json:"error,omitempty"`
	// Data is optional task-specific result data.
	Data map[string]any `json:"data,omitempty"`
}

// TaskPausedMeta is the authoritative pause-state echo. Clients flip their
// local state only when this arrives, never when the command is sent.
type TaskPausedMeta struct {
	// ExecutionID is the run the echo applies to.
	ExecutionID string `json:"executionId"`
	// Paused is the state the backend settled on.
	Paused bool `json:"paused"`
}

func (*ResizeMeta) isMeta()           {}
func (*SessionCreateMeta) isMeta()    {}
func (*SessionCreatedMeta) isMeta()   {}
func (*SessionDestroyedMeta) isMeta() {}
func (*ErrorMeta) isMeta()            {}
func (*ScreenUpdateMeta) isMeta()     {}
func (*CursorUpdateMeta) isMeta()     {}
func (*TaskRunMeta) isMeta()          {}
func (*TaskControlMeta) isMeta()      {}
func (*TaskStatusMeta) isMeta()       {}
func (*TaskProgressMeta) isMeta()     {}
func (*TaskItemResultMeta) isMeta()   {}
func (*TaskPausedMeta) isMeta()       {}
