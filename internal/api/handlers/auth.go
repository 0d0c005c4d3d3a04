package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gurungabit/iast/internal/api/types"
	"github.com/gurungabit/iast/internal/auth"
)

type AuthHandler struct {
	// accessKeys maps access keys to user ids.
	accessKeys map[string]string
	manager    *auth.Manager
}

func NewAuthHandler(accessKeys map[string]string, manager *auth.Manager) *AuthHandler {
	return &AuthHandler{
		accessKeys: accessKeys,
		manager:    manager,
	}
}

// PostAuth exchanges an access key for a bearer token
// POST /v1/auth
func (h *AuthHandler) PostAuth(c *gin.Context) {
	var req types.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	userID, ok := h.accessKeys[req.AccessKey]
	if !ok {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: "unknown access key"})
		return
	}

	token, err := h.manager.CreateToken(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to create token"})
		return
	}

	c.JSON(http.StatusOK, types.AuthResponse{Token: token, UserID: userID})
}
