package signal

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/internal/core/services"
	"streamcore/internal/infrastructure/eventbus"
	"streamcore/internal/infrastructure/middleware"
	"streamcore/internal/infrastructure/provider"
	"streamcore/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var owner = domain.Caller{UserID: "alice", Username: "alice"}

type wsHarness struct {
	srv       *httptest.Server
	ws        *WebSocketServer
	lifecycle ports.LifecycleService
	presence  *services.PresenceTracker
	chat      ports.ChatService
	auth      services.AuthService
}

func newWSHarness(t *testing.T, opts Options) *wsHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	streams := memory.NewMemoryStreamRepository()
	chatRepo := memory.NewMemoryChatRepository(0)
	prov := provider.NewMemoryProvider("rtmp://ingest.test/live", "https://cdn.test/hls")
	broker := eventbus.NewBroker(64, nil, logger)
	probe := services.NewCachedActivityProbe(prov, 0, time.Second)

	h := &wsHarness{auth: services.NewAuthService("ws-secret", time.Hour)}
	h.presence = services.NewPresenceTracker(memory.NewMemoryPresenceStore(), streams, broker, nil, services.PresenceConfig{
		SessionTTL:      30 * time.Second,
		ReapInterval:    time.Second,
		PublishInterval: 10 * time.Millisecond,
	}, logger)
	h.lifecycle = services.NewLifecycleService(streams, chatRepo, prov, probe, h.presence, broker, nil, logger)
	h.chat = services.NewChatService(chatRepo, streams, broker, nil, services.ChatConfig{
		MaxBodyLength:  500,
		HistoryDefault: 50,
		HistoryMax:     200,
	}, logger)
	h.ws = NewWebSocketServer(broker, h.presence, h.chat, streams, h.auth, opts, logger)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	h.ws.SetupRoutes(router)
	h.srv = httptest.NewServer(router)

	t.Cleanup(func() {
		h.ws.Shutdown()
		h.srv.Close()
		h.presence.Stop()
		probe.Stop()
		broker.Close()
	})
	return h
}

func (h *wsHarness) liveStream(t *testing.T) domain.StreamID {
	t.Helper()
	ctx := context.Background()
	s, err := h.lifecycle.CreateStream(ctx, owner, ports.CreateStreamRequest{Title: "ws test"})
	require.NoError(t, err)
	_, err = h.lifecycle.GoLive(ctx, owner, s.ID)
	require.NoError(t, err)
	return s.ID
}

func (h *wsHarness) dial(t *testing.T, streamID domain.StreamID, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/streams/" + string(streamID) + "/events?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

type frame struct {
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id"`
	Seq      uint64          `json:"seq"`
	Payload  stdjson.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil skips frames of other types.
func readUntil(t *testing.T, conn *websocket.Conn, kind string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Type == kind {
			return f
		}
	}
	t.Fatalf("no %q frame received", kind)
	return frame{}
}

func TestWebSocket_HistoryFirstThenLiveEvents(t *testing.T) {
	h := newWSHarness(t, DefaultOptions())
	id := h.liveStream(t)

	_, err := h.chat.Send(context.Background(), owner, id, "before attach")
	require.NoError(t, err)

	conn, _, err := h.dial(t, id, "viewer=tab-1")
	require.NoError(t, err)

	first := readFrame(t, conn)
	require.Equal(t, FrameHistory, first.Type)
	var history historyPayload
	require.NoError(t, json.Unmarshal(first.Payload, &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "before attach", history.Messages[0].Body)

	count := readUntil(t, conn, string(domain.EventViewerCount))
	var vc domain.ViewerCountPayload
	require.NoError(t, json.Unmarshal(count.Payload, &vc))
	assert.Equal(t, 1, vc.Current)

	_, err = h.chat.Send(context.Background(), owner, id, "after attach")
	require.NoError(t, err)

	chat := readUntil(t, conn, string(domain.EventChat))
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(chat.Payload, &msg))
	assert.Equal(t, "after attach", msg.Body)
}

func TestWebSocket_ChatFrameRequiresToken(t *testing.T) {
	h := newWSHarness(t, DefaultOptions())
	id := h.liveStream(t)

	anon, _, err := h.dial(t, id, "viewer=anon-tab")
	require.NoError(t, err)
	readUntil(t, anon, FrameHistory)

	require.NoError(t, anon.WriteJSON(map[string]string{"type": "chat", "body": "hi"}))
	errFrame := readUntil(t, anon, FrameError)
	assert.Contains(t, string(errFrame.Payload), "UNAUTHORIZED")

	token, err := h.auth.GenerateToken("bob", "bob")
	require.NoError(t, err)
	authed, _, err := h.dial(t, id, "viewer=bob-tab&token="+token)
	require.NoError(t, err)
	readUntil(t, authed, FrameHistory)

	require.NoError(t, authed.WriteJSON(map[string]string{"type": "chat", "body": "hello from bob"}))
	chat := readUntil(t, authed, string(domain.EventChat))
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(chat.Payload, &msg))
	assert.Equal(t, domain.UserID("bob"), msg.AuthorID)

	// The anonymous subscriber sees it too.
	chat = readUntil(t, anon, string(domain.EventChat))
	assert.Contains(t, string(chat.Payload), "hello from bob")
}

func TestWebSocket_RejectsBadRequestsBeforeUpgrade(t *testing.T) {
	h := newWSHarness(t, DefaultOptions())
	id := h.liveStream(t)

	_, resp, err := h.dial(t, "missing-stream", "viewer=tab-1")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = h.dial(t, id, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = h.dial(t, id, "viewer=tab-1&token=garbage")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_DetachLeavesPresence(t *testing.T) {
	h := newWSHarness(t, DefaultOptions())
	id := h.liveStream(t)

	conn, _, err := h.dial(t, id, "viewer=tab-1")
	require.NoError(t, err)
	readUntil(t, conn, FrameHistory)

	assert.Eventually(t, func() bool {
		n, _ := h.presence.CurrentCount(context.Background(), id)
		return n == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		n, _ := h.presence.CurrentCount(context.Background(), id)
		return n == 0 && h.ws.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.presence.Peak(id))
}

func TestWebSocket_StreamEndClosesSubscription(t *testing.T) {
	h := newWSHarness(t, DefaultOptions())
	id := h.liveStream(t)

	conn, _, err := h.dial(t, id, "viewer=tab-1")
	require.NoError(t, err)
	readUntil(t, conn, FrameHistory)

	_, err = h.lifecycle.EndStream(context.Background(), owner, id)
	require.NoError(t, err)

	state := readUntil(t, conn, string(domain.EventStreamState))
	var p domain.StreamStatePayload
	require.NoError(t, json.Unmarshal(state.Payload, &p))
	assert.Equal(t, domain.StateEnded, p.State)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocket_AttachAfterEndGetsStateAndClose(t *testing.T) {
	h := newWSHarness(t, DefaultOptions())
	id := h.liveStream(t)
	_, err := h.chat.Send(context.Background(), owner, id, "last words")
	require.NoError(t, err)
	_, err = h.lifecycle.EndStream(context.Background(), owner, id)
	require.NoError(t, err)

	conn, _, err := h.dial(t, id, "viewer=late-tab")
	require.NoError(t, err)

	history := readFrame(t, conn)
	require.Equal(t, FrameHistory, history.Type)
	assert.Contains(t, string(history.Payload), "last words")

	state := readFrame(t, conn)
	require.Equal(t, string(domain.EventStreamState), state.Type)
	var p domain.StreamStatePayload
	require.NoError(t, json.Unmarshal(state.Payload, &p))
	assert.Equal(t, domain.StateEnded, p.State)
	assert.NotNil(t, p.EndedAt)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	count, err := h.presence.CurrentCount(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWebSocket_HeartbeatAndRateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MessagesPerSecond = 0.001
	opts.Burst = 1
	h := newWSHarness(t, opts)
	id := h.liveStream(t)

	conn, _, err := h.dial(t, id, "viewer=tab-1")
	require.NoError(t, err)
	readUntil(t, conn, FrameHistory)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "heartbeat"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "heartbeat"}))

	errFrame := readUntil(t, conn, FrameError)
	assert.Contains(t, string(errFrame.Payload), "RATE_LIMIT_EXCEEDED")
}

func TestWebSocket_ShutdownClosesConnections(t *testing.T) {
	h := newWSHarness(t, DefaultOptions())
	id := h.liveStream(t)

	conn, _, err := h.dial(t, id, "viewer=tab-1")
	require.NoError(t, err)
	readUntil(t, conn, FrameHistory)

	h.ws.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
