package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/app/service/auth"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/types"
)

type stubUsers map[string]*models.User

func (s stubUsers) GetActive(_ context.Context, id string) (*models.User, error) {
	u, ok := s[id]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	if u.Disabled {
		return nil, apperr.Forbidden(apperr.CodeUserDisabled, "user is disabled")
	}
	return u, nil
}

func newRouter(t *testing.T) (*gin.Engine, *auth.TokenManager, stubUsers) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tokens := auth.NewTokenManager(&config.Config{Auth: config.AuthConfig{JWTSecret: "test", Issuer: "memberledger", AccessTTL: time.Hour}})
	users := stubUsers{
		"member": {ID: "member", Role: types.UserRoleMember},
		"admin":  {ID: "admin", Role: types.UserRoleAdmin},
		"gone":   {ID: "gone", Role: types.UserRoleMember, Disabled: true},
	}
	log := zap.NewNop().Sugar()

	r := gin.New()
	r.Use(TraceMiddleware(), RequestLoggerMiddleware(log), AccessLogMiddleware(log))
	authed := r.Group("/api", Auth(tokens, users, log))
	authed.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": CurrentUser(c).ID, "ctx_user": logctx.UserID(c.Request.Context())})
	})
	authed.GET("/admin", RequireRole(types.UserRoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r, tokens, users
}

func call(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func reason(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Reason
}

func TestAuth_RequiresValidToken(t *testing.T) {
	r, tokens, users := newRouter(t)

	w := call(r, http.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, string(apperr.CodeUnauthenticated), reason(t, w))

	w = call(r, http.MethodGet, "/api/me", "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	tok, _, err := tokens.Issue(users["member"])
	require.NoError(t, err)
	w = call(r, http.MethodGet, "/api/me", tok)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"id":"member","ctx_user":"member"}`, w.Body.String())
}

func TestAuth_DisabledUserLosesIssuedToken(t *testing.T) {
	r, tokens, users := newRouter(t)
	tok, _, err := tokens.Issue(users["gone"])
	require.NoError(t, err)

	w := call(r, http.MethodGet, "/api/me", tok)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, string(apperr.CodeUserDisabled), reason(t, w))
}

func TestRequireRole(t *testing.T) {
	r, tokens, users := newRouter(t)
	memberTok, _, err := tokens.Issue(users["member"])
	require.NoError(t, err)
	adminTok, _, err := tokens.Issue(users["admin"])
	require.NoError(t, err)

	w := call(r, http.MethodGet, "/api/admin", memberTok)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, string(apperr.CodeForbidden), reason(t, w))

	w = call(r, http.MethodGet, "/api/admin", adminTok)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestTraceMiddleware_EchoesRequestID(t *testing.T) {
	r, _, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	got := w.Header().Get("X-Request-ID")
	require.NotEmpty(t, got)
	require.Less(t, len(got), 128)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/checkout", RateLimit(60, 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, call(r, http.MethodPost, "/checkout", "").Code)
	}
	w := call(r, http.MethodPost, "/checkout", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, string(apperr.CodeRateLimited), reason(t, w))
	require.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/checkout", RateLimit(0, 0), func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, call(r, http.MethodPost, "/checkout", "").Code)
	}
}
