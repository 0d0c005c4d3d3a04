package models

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

// Session is a registered remote terminal session.
type Session struct {
	ID     string
	UserID string
	// Name is the user-facing label, renamable at any time.
	Name string
	// Host and Port locate the remote system the backend connects to.
	Host string
	Port int64
	// Term, Cols and Rows are the negotiated terminal parameters.
	Term      string
	Cols      int64
	Rows      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is the persisted view of a task run, updated by the backend as
// telemetry flows. Clients read it to rehydrate after a page reload.
type Execution struct {
	ID          string
	SessionID   string
	AstName     string
	Status      string
	Current     int64
	Total       int64
	Percentage  float64
	Message     string
	CurrentItem string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionItem is one per-item outcome of a run.
type ExecutionItem struct {
	ExecutionID string
	// Seq orders items in arrival order, starting at 1.
	Seq        int64
	ItemID     string
	Status     string
	DurationMs int64
	Error      string
	// Data is an opaque JSON blob reported by the backend.
	Data      string
	CreatedAt time.Time
}

const sessionColumns = `id, user_id, name, host, port, term, cols, rows, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.Host, &s.Port, &s.Term, &s.Cols, &s.Rows, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

type CreateSessionParams struct {
	ID     string
	UserID string
	Name   string
	Host   string
	Port   int64
	Term   string
	Cols   int64
	Rows   int64
}

// CreateSession inserts a session and returns the stored row.
func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error) {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, name, host, port, term, cols, rows)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, arg.ID, arg.UserID, arg.Name, arg.Host, arg.Port, arg.Term, arg.Cols, arg.Rows)
	if err != nil {
		return Session{}, err
	}
	return q.GetSessionByID(ctx, arg.ID)
}

// GetSessionByID returns sql.ErrNoRows when the session does not exist.
func (q *Queries) GetSessionByID(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessionsByUser returns the user's sessions, most recently used first.
func (q *Queries) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY updated_at DESC, id
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RenameSession updates the label and bumps updated_at.
func (q *Queries) RenameSession(ctx context.Context, id, name string) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE sessions SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
`, name, id)
	return err
}

// DeleteSession removes the session and, via cascade, its executions.
func (q *Queries) DeleteSession(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// TouchSession bumps updated_at, keeping recently attached sessions at the
// top of listings.
func (q *Queries) TouchSession(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?
`, id)
	return err
}

// ValidateSessionOwner reports whether the session exists and belongs to
// the user.
func (q *Queries) ValidateSessionOwner(ctx context.Context, id, userID string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, `
SELECT 1 FROM sessions WHERE id = ? AND user_id = ?
`, id, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountSessionsByUser returns how many sessions the user has registered.
func (q *Queries) CountSessionsByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM sessions WHERE user_id = ?
`, userID).Scan(&n)
	return n, err
}

const executionColumns = `id, session_id, ast_name, status, current, total, percentage, message, current_item, error, created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (Execution, error) {
	var e Execution
	err := row.Scan(&e.ID, &e.SessionID, &e.AstName, &e.Status, &e.Current, &e.Total,
		&e.Percentage, &e.Message, &e.CurrentItem, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

type UpsertExecutionParams struct {
	ID          string
	SessionID   string
	AstName     string
	Status      string
	Current     int64
	Total       int64
	Percentage  float64
	Message     string
	CurrentItem string
	Error       string
}

// UpsertExecution inserts the run on first report and updates it on every
// later one.
func (q *Queries) UpsertExecution(ctx context.Context, arg UpsertExecutionParams) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO executions (id, session_id, ast_name, status, current, total, percentage, message, current_item, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	current = excluded.current,
	total = excluded.total,
	percentage = excluded.percentage,
	message = excluded.message,
	current_item = excluded.current_item,
	error = excluded.error,
	updated_at = CURRENT_TIMESTAMP;
`, arg.ID, arg.SessionID, arg.AstName, arg.Status, arg.Current, arg.Total,
		arg.Percentage, arg.Message, arg.CurrentItem, arg.Error)
	return err
}

// GetExecutionByID returns sql.ErrNoRows when the run is unknown.
func (q *Queries) GetExecutionByID(ctx context.Context, id string) (Execution, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// GetActiveExecutionBySession returns the most recent non-terminal run for
// the session, or sql.ErrNoRows when nothing is in flight.
func (q *Queries) GetActiveExecutionBySession(ctx context.Context, sessionID string) (Execution, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT `+executionColumns+` FROM executions
WHERE session_id = ? AND status IN ('pending', 'running', 'paused')
ORDER BY updated_at DESC LIMIT 1
`, sessionID)
	return scanExecution(row)
}

// GetLatestExecutionBySession returns the most recently updated run
// regardless of status, or sql.ErrNoRows when the session never ran one.
func (q *Queries) GetLatestExecutionBySession(ctx context.Context, sessionID string) (Execution, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT `+executionColumns+` FROM executions
WHERE session_id = ? ORDER BY updated_at DESC, created_at DESC LIMIT 1
`, sessionID)
	return scanExecution(row)
}

type AppendExecutionItemParams struct {
	ExecutionID string
	ItemID      string
	Status      string
	DurationMs  int64
	Error       string
	Data        string
}

// AppendExecutionItem stores the next item outcome. Seq is assigned from
// the current maximum, so items read back in arrival order.
func (q *Queries) AppendExecutionItem(ctx context.Context, arg AppendExecutionItemParams) error {
	data := arg.Data
	if data == "" {
		data = "{}"
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO execution_items (execution_id, seq, item_id, status, duration_ms, error, data)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_items WHERE execution_id = ?), ?, ?, ?, ?, ?)
`, arg.ExecutionID, arg.ExecutionID, arg.ItemID, arg.Status, arg.DurationMs, arg.Error, data)
	return err
}

// ListExecutionItems returns the run's item outcomes in arrival order.
func (q *Queries) ListExecutionItems(ctx context.Context, executionID string) ([]ExecutionItem, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT execution_id, seq, item_id, status, duration_ms, error, data, created_at
FROM execution_items WHERE execution_id = ? ORDER BY seq
`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ExecutionItem
	for rows.Next() {
		var it ExecutionItem
		if err := rows.Scan(&it.ExecutionID, &it.Seq, &it.ItemID, &it.Status,
			&it.DurationMs, &it.Error, &it.Data, &it.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
