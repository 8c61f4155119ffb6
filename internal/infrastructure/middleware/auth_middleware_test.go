package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthRouter(auth services.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	whoami := func(c *gin.Context) {
		c.String(http.StatusOK, string(CallerFromContext(c).UserID))
	}
	router.GET("/required", AuthMiddleware(auth), whoami)
	router.GET("/optional", OptionalAuthMiddleware(auth), whoami)
	return router
}

func get(router http.Handler, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour)
	router := newAuthRouter(auth)

	token, err := auth.GenerateToken("alice", "alice")
	require.NoError(t, err)

	w := get(router, "/required", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer garbage"} {
		w := get(router, "/required", header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
		assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
	}

	other := services.NewAuthService("other-secret", time.Hour)
	foreign, err := other.GenerateToken("mallory", "mallory")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/required", "Bearer "+foreign).Code)
}

func TestOptionalAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour)
	router := newAuthRouter(auth)

	token, err := auth.GenerateToken("alice", "alice")
	require.NoError(t, err)

	w := get(router, "/optional", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = get(router, "/optional", "Bearer garbage")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestErrorHandlerMiddleware_MapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()
	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.GET("/missing", func(c *gin.Context) {
		c.Error(fmt.Errorf("lookup: %w", domain.ErrStreamNotFound))
	})
	router.GET("/state", func(c *gin.Context) {
		c.Error(domain.ErrInvalidState)
	})
	router.GET("/upstream", func(c *gin.Context) {
		c.Error(fmt.Errorf("%w: timeout", domain.ErrUpstreamUnavailable))
	})
	router.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})

	cases := map[string]int{
		"/missing":  http.StatusNotFound,
		"/state":    http.StatusConflict,
		"/upstream": http.StatusBadGateway,
		"/boom":     http.StatusInternalServerError,
	}
	for path, status := range cases {
		assert.Equal(t, status, get(router, path, "").Code, path)
	}
}
