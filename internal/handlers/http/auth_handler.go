package http

import (
	"net/http"
	"strings"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/services"
	"streamcore/pkg/errors"
	"streamcore/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler issues development tokens. In production identity comes from an
// external issuer sharing the JWT secret, and this handler is not mounted.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type IssueTokenRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	userID := domain.UserID(strings.TrimSpace(req.UserID))
	if userID == "" {
		userID = domain.UserID(uuid.New().String())
	} else if err := validation.ValidateUserID(string(userID)); err != nil {
		c.Error(errors.NewInvalidInputError("invalid user_id format"))
		return
	}

	accessToken, err := h.authService.GenerateToken(userID, req.Username)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":      userID,
		"username":     req.Username,
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
