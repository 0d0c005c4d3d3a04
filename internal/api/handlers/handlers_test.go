package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/gurungabit/iast/internal/api/middleware"
	"github.com/gurungabit/iast/internal/api/types"
	"github.com/gurungabit/iast/internal/auth"
	"github.com/gurungabit/iast/internal/database"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// newTestRouter wires the handlers the way cmd/server mounts them and
// returns ready-minted tokens per user.
func newTestRouter(t *testing.T) (*gin.Engine, map[string]string) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	manager, err := auth.NewManager("test-master-secret")
	require.NoError(t, err)

	keys := map[string]string{
		"key-alice":   "alice",
		"key-bob":     "bob",
		"key-backend": "svc-backend",
	}

	authHandler := NewAuthHandler(keys, manager)
	sessionHandler := NewSessionHandler(db.DB)
	executionHandler := NewExecutionHandler(db.DB)

	router := gin.New()
	v1 := router.Group("/v1")
	v1.POST("/auth", authHandler.PostAuth)

	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(manager))
	{
		protected.GET("/sessions", sessionHandler.ListSessions)
		protected.POST("/sessions", sessionHandler.CreateSession)
		protected.GET("/sessions/:id", sessionHandler.GetSession)
		protected.PATCH("/sessions/:id", sessionHandler.RenameSession)
		protected.DELETE("/sessions/:id", sessionHandler.DeleteSession)
		protected.GET("/sessions/:id/execution", executionHandler.GetSessionExecution)
		protected.POST("/sessions/:id/execution", executionHandler.ReportExecution)
		protected.POST("/sessions/:id/execution/items", executionHandler.ReportExecutionItem)
	}

	tokens := make(map[string]string)
	for _, user := range keys {
		token, err := manager.CreateToken(user)
		require.NoError(t, err)
		tokens[user] = token
	}
	return router, tokens
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func createSession(t *testing.T, router *gin.Engine, token string) types.SessionResponse {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/sessions", token, types.CreateSessionRequest{
		Name: "payments",
		Host: "mf.example.com",
		Port: 23,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[types.SessionResponse](t, w)
}

func TestPostAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/auth", "", types.AuthRequest{AccessKey: "key-alice"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[types.AuthResponse](t, w)
	require.Equal(t, "alice", resp.UserID)
	require.NotEmpty(t, resp.Token)

	// The minted token opens protected routes.
	w = doJSON(t, router, http.MethodGet, "/v1/sessions", resp.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPostAuthRejectsUnknownKey(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/auth", "", types.AuthRequest{AccessKey: "stolen"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/auth", "", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/sessions", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionCRUD(t *testing.T) {
	router, tokens := newTestRouter(t)
	alice := tokens["alice"]

	created := createSession(t, router, alice)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "payments", created.Name)
	require.Equal(t, "xterm-256color", created.Term, "terminal defaults applied")
	require.EqualValues(t, 80, created.Cols)
	require.EqualValues(t, 24, created.Rows)
	require.Positive(t, created.CreatedAt)

	w := doJSON(t, router, http.MethodGet, "/v1/sessions", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Sessions []types.SessionResponse `json:"sessions"`
	}](t, w)
	require.Len(t, list.Sessions, 1)
	require.Equal(t, created.ID, list.Sessions[0].ID)

	w = doJSON(t, router, http.MethodGet, "/v1/sessions/"+created.ID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, created.ID, decode[types.SessionResponse](t, w).ID)

	w = doJSON(t, router, http.MethodPatch, "/v1/sessions/"+created.ID, alice, types.RenameSessionRequest{Name: "payments eu"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "payments eu", decode[types.SessionResponse](t, w).Name)

	w = doJSON(t, router, http.MethodDelete, "/v1/sessions/"+created.ID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/sessions/"+created.ID, alice, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSessionRequiresHost(t *testing.T) {
	router, tokens := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/sessions", tokens["alice"], types.CreateSessionRequest{Port: 23})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionOwnershipHidesForeignSessions(t *testing.T) {
	router, tokens := newTestRouter(t)
	created := createSession(t, router, tokens["alice"])
	bob := tokens["bob"]

	w := doJSON(t, router, http.MethodGet, "/v1/sessions/"+created.ID, bob, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPatch, "/v1/sessions/"+created.ID, bob, types.RenameSessionRequest{Name: "mine now"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/v1/sessions/"+created.ID, bob, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/sessions", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Sessions []types.SessionResponse `json:"sessions"`
	}](t, w)
	require.Empty(t, list.Sessions)

	// Alice still sees her session untouched.
	w = doJSON(t, router, http.MethodGet, "/v1/sessions/"+created.ID, tokens["alice"], nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "payments", decode[types.SessionResponse](t, w).Name)
}

func TestExecutionReportAndRehydrate(t *testing.T) {
	router, tokens := newTestRouter(t)
	session := createSession(t, router, tokens["alice"])
	backend := tokens["svc-backend"]
	execPath := "/v1/sessions/" + session.ID + "/execution"

	// Nothing running yet.
	w := doJSON(t, router, http.MethodGet, execPath, tokens["alice"], nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, execPath, backend, types.ReportExecutionRequest{
		ID: "e1", AstName: "batch-update", Status: "running", Current: 2, Total: 10, Percentage: 20,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for _, item := range []types.ReportExecutionItemRequest{
		{ExecutionID: "e1", ItemID: "acct-1", Status: "success", DurationMs: 120, Data: `{"balance":"12.00"}`},
		{ExecutionID: "e1", ItemID: "acct-2", Status: "failed", Error: "field protected"},
	} {
		w = doJSON(t, router, http.MethodPost, execPath+"/items", backend, item)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, execPath, tokens["alice"], nil)
	require.Equal(t, http.StatusOK, w.Code)
	exec := decode[types.ExecutionResponse](t, w)
	require.Equal(t, "e1", exec.ID)
	require.Equal(t, "running", exec.Status)
	require.EqualValues(t, 2, exec.Current)
	require.Len(t, exec.Items, 2)
	require.Equal(t, "acct-1", exec.Items[0].ItemID)
	require.EqualValues(t, 1, exec.Items[0].Seq)
	require.Equal(t, "field protected", exec.Items[1].Error)

	// A terminal report keeps the run readable so a reload right after
	// completion still shows the outcome.
	w = doJSON(t, router, http.MethodPost, execPath, backend, types.ReportExecutionRequest{
		ID: "e1", AstName: "batch-update", Status: "success", Current: 10, Total: 10, Percentage: 100,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, execPath, tokens["alice"], nil)
	require.Equal(t, http.StatusOK, w.Code)
	exec = decode[types.ExecutionResponse](t, w)
	require.Equal(t, "e1", exec.ID)
	require.Equal(t, "success", exec.Status)
	require.EqualValues(t, 10, exec.Current)
}

func TestExecutionReportValidation(t *testing.T) {
	router, tokens := newTestRouter(t)
	session := createSession(t, router, tokens["alice"])
	backend := tokens["svc-backend"]
	execPath := "/v1/sessions/" + session.ID + "/execution"

	w := doJSON(t, router, http.MethodPost, execPath, backend, types.ReportExecutionRequest{
		ID: "e1", AstName: "batch", Status: "exploded",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/sessions/ghost/execution", backend, types.ReportExecutionRequest{
		ID: "e1", AstName: "batch", Status: "running",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, execPath+"/items", backend, types.ReportExecutionItemRequest{
		ExecutionID: "nope", ItemID: "i1", Status: "success",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, execPath+"/items", backend, types.ReportExecutionItemRequest{
		ExecutionID: "e1", ItemID: "i1", Status: "exploded",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecutionItemSessionMismatch(t *testing.T) {
	router, tokens := newTestRouter(t)
	backend := tokens["svc-backend"]

	first := createSession(t, router, tokens["alice"])
	second := createSession(t, router, tokens["alice"])

	w := doJSON(t, router, http.MethodPost, "/v1/sessions/"+first.ID+"/execution", backend, types.ReportExecutionRequest{
		ID: "e1", AstName: "batch", Status: "running",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/sessions/"+second.ID+"/execution/items", backend, types.ReportExecutionItemRequest{
		ExecutionID: "e1", ItemID: "i1", Status: "success",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetExecutionHiddenFromOtherUsers(t *testing.T) {
	router, tokens := newTestRouter(t)
	session := createSession(t, router, tokens["alice"])

	w := doJSON(t, router, http.MethodPost, "/v1/sessions/"+session.ID+"/execution", tokens["svc-backend"], types.ReportExecutionRequest{
		ID: "e1", AstName: "batch", Status: "running",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/sessions/"+session.ID+"/execution", tokens["bob"], nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
