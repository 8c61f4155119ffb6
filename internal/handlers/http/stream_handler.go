package http

import (
	"net/http"
	"strconv"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/internal/core/services"
	"streamcore/internal/infrastructure/middleware"
	"streamcore/pkg/errors"

	"github.com/gin-gonic/gin"
)

type StreamHandler struct {
	lifecycle   ports.LifecycleService
	presence    ports.PresenceService
	chat        ports.ChatService
	authService services.AuthService
}

func NewStreamHandler(
	lifecycle ports.LifecycleService,
	presence ports.PresenceService,
	chat ports.ChatService,
	authService services.AuthService,
) *StreamHandler {
	return &StreamHandler{
		lifecycle:   lifecycle,
		presence:    presence,
		chat:        chat,
		authService: authService,
	}
}

func (h *StreamHandler) SetupRoutes(router *gin.Engine) {
	requireAuth := middleware.AuthMiddleware(h.authService)

	api := router.Group("/api/v1/streams")
	{
		api.GET("", h.ListLive)
		api.GET("/:id", h.GetStream)
		api.GET("/:id/stats", h.GetStreamStats)
		api.GET("/:id/chat", h.ChatHistory)
		api.POST("/:id/viewers", h.Presence)

		api.POST("", requireAuth, h.CreateStream)
		api.PATCH("/:id", requireAuth, h.UpdatePresentation)
		api.DELETE("/:id", requireAuth, h.DeleteStream)
		api.GET("/:id/ingest", requireAuth, h.IngestCredentials)
		api.POST("/:id/live", requireAuth, h.GoLive)
		api.POST("/:id/end", requireAuth, h.EndStream)
		api.POST("/:id/chat", requireAuth, h.SendChat)
	}
}

type CreateStreamRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	ThumbnailRef string `json:"thumbnail_ref"`
}

// CreateStream provisions a stream for the caller. The ingest credentials are
// returned once here and afterwards only through the owner-only ingest route.
func (h *StreamHandler) CreateStream(c *gin.Context) {
	var req CreateStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	stream, err := h.lifecycle.CreateStream(c.Request.Context(), middleware.CallerFromContext(c), ports.CreateStreamRequest{
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		ThumbnailRef: req.ThumbnailRef,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"stream": stream.View(),
		"ingest": stream.Ingest,
	})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	view, err := h.lifecycle.GetStream(c.Request.Context(), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": view})
}

func (h *StreamHandler) ListLive(c *gin.Context) {
	views, err := h.lifecycle.ListLive(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if views == nil {
		views = []*domain.StreamView{}
	}
	c.JSON(http.StatusOK, gin.H{
		"streams": views,
		"count":   len(views),
	})
}

// UpdatePresentationRequest distinguishes absent fields (nil) from fields set
// to the empty string.
type UpdatePresentationRequest struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Category     *string `json:"category"`
	ThumbnailRef *string `json:"thumbnail_ref"`
}

func (h *StreamHandler) UpdatePresentation(c *gin.Context) {
	var req UpdatePresentationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	view, err := h.lifecycle.UpdatePresentation(c.Request.Context(), middleware.CallerFromContext(c),
		domain.StreamID(c.Param("id")), domain.StreamPresentation{
			Title:        req.Title,
			Description:  req.Description,
			Category:     req.Category,
			ThumbnailRef: req.ThumbnailRef,
		})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": view})
}

func (h *StreamHandler) DeleteStream(c *gin.Context) {
	err := h.lifecycle.DeleteStream(c.Request.Context(), middleware.CallerFromContext(c), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) IngestCredentials(c *gin.Context) {
	creds, err := h.lifecycle.IngestCredentials(c.Request.Context(), middleware.CallerFromContext(c), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ingest": creds})
}

func (h *StreamHandler) GoLive(c *gin.Context) {
	view, err := h.lifecycle.GoLive(c.Request.Context(), middleware.CallerFromContext(c), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": view})
}

func (h *StreamHandler) EndStream(c *gin.Context) {
	view, err := h.lifecycle.EndStream(c.Request.Context(), middleware.CallerFromContext(c), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": view})
}

func (h *StreamHandler) GetStreamStats(c *gin.Context) {
	stats, err := h.lifecycle.Stats(c.Request.Context(), domain.StreamID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

type PresenceRequest struct {
	Action domain.PresenceAction `json:"action"`
	Token  domain.ViewerToken    `json:"token"`
}

// Presence handles join, leave and heartbeat for clients that do not hold a
// websocket subscription.
func (h *StreamHandler) Presence(c *gin.Context) {
	var req PresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	ctx := c.Request.Context()
	streamID := domain.StreamID(c.Param("id"))

	var (
		count int
		err   error
	)
	switch req.Action {
	case domain.PresenceJoin:
		count, err = h.presence.Join(ctx, streamID, req.Token)
	case domain.PresenceLeave:
		count, err = h.presence.Leave(ctx, streamID, req.Token)
	case domain.PresenceHeartbeat:
		count, err = h.presence.Heartbeat(ctx, streamID, req.Token)
	default:
		c.Error(errors.NewInvalidInputError("action must be one of join, leave, heartbeat"))
		return
	}
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"action":          req.Action,
		"current_viewers": count,
	})
}

type SendChatRequest struct {
	Body string `json:"body"`
}

func (h *StreamHandler) SendChat(c *gin.Context) {
	var req SendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	msg, err := h.chat.Send(c.Request.Context(), middleware.CallerFromContext(c), domain.StreamID(c.Param("id")), req.Body)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *StreamHandler) ChatHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(errors.NewInvalidInputError("limit must be an integer"))
			return
		}
		limit = n
	}

	msgs, err := h.chat.History(c.Request.Context(), domain.StreamID(c.Param("id")), limit)
	if err != nil {
		c.Error(err)
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
