package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gurungabit/iast/internal/api/middleware"
	"github.com/gurungabit/iast/internal/api/types"
	"github.com/gurungabit/iast/internal/models"
	"github.com/gurungabit/iast/wire"
)

// ExecutionHandler persists and serves task run state. Backends report
// through it; clients read it to rehydrate after a page reload.
type ExecutionHandler struct {
	db      *sql.DB
	queries *models.Queries
}

func NewExecutionHandler(db *sql.DB) *ExecutionHandler {
	return &ExecutionHandler{
		db:      db,
		queries: models.New(db),
	}
}

func executionResponse(e models.Execution, items []models.ExecutionItem) types.ExecutionResponse {
	out := types.ExecutionResponse{
		ID:          e.ID,
		SessionID:   e.SessionID,
		AstName:     e.AstName,
		Status:      e.Status,
		Current:     e.Current,
		Total:       e.Total,
		Percentage:  e.Percentage,
		Message:     e.Message,
		CurrentItem: e.CurrentItem,
		Error:       e.Error,
		UpdatedAt:   e.UpdatedAt.UnixMilli(),
		Items:       make([]types.ExecutionItemResponse, 0, len(items)),
	}
	for _, it := range items {
		out.Items = append(out.Items, types.ExecutionItemResponse{
			Seq:        it.Seq,
			ItemID:     it.ItemID,
			Status:     it.Status,
			DurationMs: it.DurationMs,
			Error:      it.Error,
			Data:       it.Data,
		})
	}
	return out
}

// GetSessionExecution handles GET /v1/sessions/:id/execution
//
// Returns the in-flight run with its item results. When nothing is running
// it falls back to the latest finished run, so a client reloading right
// after completion still sees the outcome; 404 only when the session never
// ran anything. Owner-only: this is the client rehydrate path.
func (h *ExecutionHandler) GetSessionExecution(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	sessionID := c.Param("id")

	owned, err := h.queries.ValidateSessionOwner(c.Request.Context(), sessionID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}
	if !owned {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
		return
	}

	exec, err := h.queries.GetActiveExecutionBySession(c.Request.Context(), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		exec, err = h.queries.GetLatestExecutionBySession(c.Request.Context(), sessionID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "no active execution"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}

	items, err := h.queries.ListExecutionItems(c.Request.Context(), exec.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}

	c.JSON(http.StatusOK, executionResponse(exec, items))
}

// ReportExecution handles POST /v1/sessions/:id/execution
//
// Backends upsert run state as telemetry flows. Any authenticated principal
// may report; backends are deployment-internal and hold their own access
// keys.
func (h *ExecutionHandler) ReportExecution(c *gin.Context) {
	sessionID := c.Param("id")

	if _, err := h.queries.GetSessionByID(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}

	var req types.ReportExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}
	if !wire.ExecStatus(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid execution status"})
		return
	}

	err := h.queries.UpsertExecution(c.Request.Context(), models.UpsertExecutionParams{
		ID:          req.ID,
		SessionID:   sessionID,
		AstName:     req.AstName,
		Status:      req.Status,
		Current:     req.Current,
		Total:       req.Total,
		Percentage:  req.Percentage,
		Message:     req.Message,
		CurrentItem: req.CurrentItem,
		Error:       req.Error,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record execution"})
		return
	}

	// Backend activity keeps the session fresh in listings.
	_ = h.queries.TouchSession(c.Request.Context(), sessionID)

	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}

// ReportExecutionItem handles POST /v1/sessions/:id/execution/items
func (h *ExecutionHandler) ReportExecutionItem(c *gin.Context) {
	sessionID := c.Param("id")

	var req types.ReportExecutionItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}
	switch req.Status {
	case wire.ItemSuccess, wire.ItemFailed, wire.ItemSkipped:
	default:
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid item status"})
		return
	}

	exec, err := h.queries.GetExecutionByID(c.Request.Context(), req.ExecutionID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "execution not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}
	if exec.SessionID != sessionID {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "execution belongs to another session"})
		return
	}

	err = h.queries.AppendExecutionItem(c.Request.Context(), models.AppendExecutionItemParams{
		ExecutionID: req.ExecutionID,
		ItemID:      req.ItemID,
		Status:      req.Status,
		DurationMs:  req.DurationMs,
		Error:       req.Error,
		Data:        req.Data,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record item"})
		return
	}

	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}
