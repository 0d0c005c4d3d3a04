// Package types holds the request and response shapes of the HTTP API.
// They are shared by the server handlers and the CLI.
package types

// Common response types

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// Auth types

type AuthRequest struct {
	AccessKey string `json:"accessKey" binding:"required"`
}

type AuthResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// SessionResponse represents a session in API responses. Timestamps are
// unix milliseconds.
type SessionResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int64  `json:"port"`
	Term      string `json:"term"`
	Cols      int64  `json:"cols"`
	Rows      int64  `json:"rows"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// CreateSessionRequest registers a new session. Terminal parameters fall
// back to 80x24 xterm-256color when omitted.
type CreateSessionRequest struct {
	Name string `json:"name"`
	Host string `json:"host" binding:"required"`
	Port int64  `json:"port" binding:"required"`
	Term string `json:"term"`
	Cols int64  `json:"cols"`
	Rows int64  `json:"rows"`
}

type RenameSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

// Execution types

type ExecutionItemResponse struct {
	Seq        int64  `json:"seq"`
	ItemID     string `json:"itemId"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	Data       string `json:"data,omitempty"`
}

type ExecutionResponse struct {
	ID          string                  `json:"id"`
	SessionID   string                  `json:"sessionId"`
	AstName     string                  `json:"astName"`
	Status      string                  `json:"status"`
	Current     int64                   `json:"current"`
	Total       int64                   `json:"total"`
	Percentage  float64                 `json:"percentage"`
	Message     string                  `json:"message,omitempty"`
	CurrentItem string                  `json:"currentItem,omitempty"`
	Error       string                  `json:"error,omitempty"`
	UpdatedAt   int64                   `json:"updatedAt"`
	Items       []ExecutionItemResponse `json:"items"`
}

// ReportExecutionRequest is posted by backends as run state changes.
type ReportExecutionRequest struct {
	ID          string  `json:"id" binding:"required"`
	AstName     string  `json:"astName" binding:"required"`
	Status      string  `json:"status" binding:"required"`
	Current     int64   `json:"current"`
	Total       int64   `json:"total"`
	Percentage  float64 `json:"percentage"`
	Message     string  `json:"message"`
	CurrentItem string  `json:"currentItem"`
	Error       string  `json:"error"`
}

// ReportExecutionItemRequest is posted by backends per item outcome.
type ReportExecutionItemRequest struct {
	ExecutionID string `json:"executionId" binding:"required"`
	ItemID      string `json:"itemId" binding:"required"`
	Status      string `json:"status" binding:"required"`
	DurationMs  int64  `json:"durationMs"`
	Error       string `json:"error"`
	Data        string `json:"data"`
}
