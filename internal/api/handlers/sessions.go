package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gurungabit/iast/internal/api/middleware"
	"github.com/gurungabit/iast/internal/api/types"
	"github.com/gurungabit/iast/internal/models"
)

type SessionHandler struct {
	db      *sql.DB
	queries *models.Queries
}

func NewSessionHandler(db *sql.DB) *SessionHandler {
	return &SessionHandler{
		db:      db,
		queries: models.New(db),
	}
}

func sessionResponse(s models.Session) types.SessionResponse {
	return types.SessionResponse{
		ID:        s.ID,
		Name:      s.Name,
		Host:      s.Host,
		Port:      s.Port,
		Term:      s.Term,
		Cols:      s.Cols,
		Rows:      s.Rows,
		CreatedAt: s.CreatedAt.UnixMilli(),
		UpdatedAt: s.UpdatedAt.UnixMilli(),
	}
}

// ListSessions handles GET /v1/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	sessions, err := h.queries.ListSessionsByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}

	out := make([]types.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// CreateSession handles POST /v1/sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req types.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	term := req.Term
	if term == "" {
		term = "xterm-256color"
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	name := req.Name
	if name == "" {
		name = req.Host
	}

	session, err := h.queries.CreateSession(c.Request.Context(), models.CreateSessionParams{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		Host:   req.Host,
		Port:   req.Port,
		Term:   term,
		Cols:   cols,
		Rows:   rows,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to create session"})
		return
	}

	c.JSON(http.StatusOK, sessionResponse(session))
}

// getOwnedSession loads the session and enforces ownership. It writes the
// error response itself and reports success through the bool.
func (h *SessionHandler) getOwnedSession(c *gin.Context) (models.Session, bool) {
	userID, _ := middleware.GetUserID(c)
	id := c.Param("id")

	session, err := h.queries.GetSessionByID(c.Request.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
		return models.Session{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return models.Session{}, false
	}
	if session.UserID != userID {
		// Not revealing whether the session exists.
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
		return models.Session{}, false
	}
	return session, true
}

// GetSession handles GET /v1/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	session, ok := h.getOwnedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse(session))
}

// RenameSession handles PATCH /v1/sessions/:id
func (h *SessionHandler) RenameSession(c *gin.Context) {
	session, ok := h.getOwnedSession(c)
	if !ok {
		return
	}

	var req types.RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.queries.RenameSession(c.Request.Context(), session.ID, req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to rename session"})
		return
	}

	updated, err := h.queries.GetSessionByID(c.Request.Context(), session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(updated))
}

// DeleteSession handles DELETE /v1/sessions/:id
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	session, ok := h.getOwnedSession(c)
	if !ok {
		return
	}

	if err := h.queries.DeleteSession(c.Request.Context(), session.ID); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}
