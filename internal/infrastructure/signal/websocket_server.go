package signal

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/internal/core/services"
	"streamcore/pkg/errors"
	"streamcore/pkg/tracing"
	"streamcore/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	FrameHistory   = "history"
	FrameHeartbeat = "heartbeat"
	FrameChat      = "chat"
	FrameError     = "error"
)

type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxMessageSize bounds inbound frames; 0 leaves gorilla's default.
	MaxMessageSize int64
	// MessagesPerSecond and Burst limit inbound frames per connection; a
	// non-positive rate disables limiting.
	MessagesPerSecond float64
	Burst             int
	HistoryLimit      int
	// AllowedOrigins lists accepted Origin headers; empty or "*" accepts any.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4 * 1024,
		HistoryLimit:   50,
	}
}

// ConnectionMetrics counts attached websocket clients.
type ConnectionMetrics interface {
	WebSocketOpened()
	WebSocketClosed()
}

type nopConnectionMetrics struct{}

func (nopConnectionMetrics) WebSocketOpened() {}
func (nopConnectionMetrics) WebSocketClosed() {}

// WebSocketServer serves the per-stream event subscription. Attaching as a
// viewer is an implicit join, detaching an implicit leave.
// StreamLookup reads the locally recorded stream state.
type StreamLookup interface {
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
}

type WebSocketServer struct {
	events   ports.EventBus
	presence ports.PresenceService
	chat     ports.ChatService
	streams  StreamLookup
	auth     services.AuthService

	opts     Options
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[*connection]struct{}
	closed      bool

	metrics ConnectionMetrics
	logger  *zap.SugaredLogger
}

// inboundFrame is what clients send.
type inboundFrame struct {
	Type string `json:"type"`
	Body string `json:"body,omitempty"`
}

type outboundFrame struct {
	Type      string          `json:"type"`
	StreamID  domain.StreamID `json:"stream_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   interface{}     `json:"payload"`
}

type historyPayload struct {
	Messages []*domain.ChatMessage `json:"messages"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connection struct {
	conn     *websocket.Conn
	streamID domain.StreamID
	viewer   domain.ViewerToken
	caller   domain.Caller
	sub      ports.Subscription
	limiter  *rate.Limiter

	// replies carries frames produced by the reader to the writer loop.
	replies chan outboundFrame
	done    chan struct{}
	once    sync.Once
}

func (c *connection) close() {
	c.once.Do(func() { close(c.done) })
}

func NewWebSocketServer(
	events ports.EventBus,
	presence ports.PresenceService,
	chat ports.ChatService,
	streams StreamLookup,
	auth services.AuthService,
	opts Options,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaults.PongTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaults.HistoryLimit
	}
	s := &WebSocketServer{
		events:      events,
		presence:    presence,
		chat:        chat,
		streams:     streams,
		auth:        auth,
		opts:        opts,
		connections: make(map[*connection]struct{}),
		metrics:     nopConnectionMetrics{},
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// SetMetrics sets the collector notified as connections come and go.
func (s *WebSocketServer) SetMetrics(m ConnectionMetrics) {
	s.metrics = m
}

func (s *WebSocketServer) SetupRoutes(router *gin.Engine) {
	router.GET("/ws/streams/:id/events", s.HandleWebSocket)
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket validates the request, subscribes, loads chat history and
// only then upgrades, so setup errors are still plain HTTP responses.
func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	if err := validation.ValidateStreamID(string(streamID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	viewer := domain.ViewerToken(c.Query("viewer"))
	if err := validation.ValidateViewerToken(string(viewer)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	var caller domain.Caller
	if token := c.Query("token"); token != "" {
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, "invalid or expired token", http.StatusUnauthorized))
			return
		}
		caller = claims.Caller()
	}

	// Subscribe before reading history so nothing published in between is lost.
	sub, err := s.events.Subscribe(streamID)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "event bus unavailable", http.StatusServiceUnavailable))
		return
	}
	history, err := s.chat.History(c.Request.Context(), streamID, s.opts.HistoryLimit)
	if err != nil {
		sub.Close()
		c.Error(err)
		return
	}
	stream, err := s.streams.GetByID(c.Request.Context(), streamID)
	if err != nil {
		sub.Close()
		c.Error(err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		s.logger.Infow("websocket upgrade failed", "stream_id", streamID, "error", err)
		return
	}

	cc := &connection{
		conn:     conn,
		streamID: streamID,
		viewer:   viewer,
		caller:   caller,
		sub:      sub,
		replies:  make(chan outboundFrame, 16),
		done:     make(chan struct{}),
	}
	if s.opts.MessagesPerSecond > 0 {
		cc.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}
	if !s.register(cc) {
		sub.Close()
		conn.Close()
		return
	}
	defer s.unregister(cc)

	if stream.State == domain.StateEnded {
		s.serveEnded(cc, stream, history)
		return
	}
	s.serve(cc, history)
}

func (s *WebSocketServer) register(cc *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.connections[cc] = struct{}{}
	s.metrics.WebSocketOpened()
	return true
}

func (s *WebSocketServer) unregister(cc *connection) {
	s.mu.Lock()
	delete(s.connections, cc)
	s.mu.Unlock()
	s.metrics.WebSocketClosed()
}

// ConnectionCount returns the number of attached websocket clients.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Shutdown asks every connection to close and refuses new ones.
func (s *WebSocketServer) Shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*connection, 0, len(s.connections))
	for cc := range s.connections {
		conns = append(conns, cc)
	}
	s.mu.Unlock()

	for _, cc := range conns {
		cc.close()
	}
}

// serveEnded answers a client attaching after the stream ended: history, the
// terminal stream-state, then a normal close. Presence is not touched.
func (s *WebSocketServer) serveEnded(cc *connection, stream *domain.Stream, history []*domain.ChatMessage) {
	defer func() {
		cc.sub.Close()
		cc.conn.Close()
	}()

	if history == nil {
		history = []*domain.ChatMessage{}
	}
	if err := s.write(cc, outboundFrame{
		Type:      FrameHistory,
		StreamID:  cc.streamID,
		Timestamp: time.Now(),
		Payload:   historyPayload{Messages: history},
	}); err != nil {
		return
	}
	event, err := domain.NewStreamStateEvent(stream, "")
	if err != nil {
		s.logger.Warnw("failed to build stream-state frame", "stream_id", cc.streamID, "error", err)
		return
	}
	if err := s.write(cc, event); err != nil {
		return
	}
	s.writeClose(cc, websocket.CloseNormalClosure, "stream ended")
}

func (s *WebSocketServer) serve(cc *connection, history []*domain.ChatMessage) {
	ctx := context.Background()
	defer func() {
		if _, err := s.presence.Leave(ctx, cc.streamID, cc.viewer); err != nil {
			s.logger.Warnw("implicit leave failed", "stream_id", cc.streamID, "viewer", cc.viewer, "error", err)
		}
		cc.sub.Close()
		cc.conn.Close()
		s.logger.Debugw("viewer detached", "stream_id", cc.streamID, "viewer", cc.viewer)
	}()

	if _, err := s.presence.Join(ctx, cc.streamID, cc.viewer); err != nil && !stderrors.Is(err, domain.ErrInvalidState) {
		s.logger.Warnw("implicit join failed", "stream_id", cc.streamID, "viewer", cc.viewer, "error", err)
	}

	if history == nil {
		history = []*domain.ChatMessage{}
	}
	var lastHistorySeq int64
	if n := len(history); n > 0 {
		lastHistorySeq = history[n-1].Seq
	}
	if err := s.write(cc, outboundFrame{
		Type:      FrameHistory,
		StreamID:  cc.streamID,
		Timestamp: time.Now(),
		Payload:   historyPayload{Messages: history},
	}); err != nil {
		return
	}

	s.logger.Debugw("viewer attached", "stream_id", cc.streamID, "viewer", cc.viewer, "authenticated", cc.caller.Authenticated())

	cc.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	cc.conn.SetPongHandler(func(string) error {
		return cc.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})
	if s.opts.MaxMessageSize > 0 {
		cc.conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	go s.readLoop(cc)

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-cc.sub.Events():
			if !ok {
				s.writeClose(cc, websocket.CloseGoingAway, "server shutting down")
				return
			}
			if event.Kind == domain.EventChat && alreadySent(event, lastHistorySeq) {
				continue
			}
			if err := s.write(cc, event); err != nil {
				return
			}
			if ended(event) {
				s.writeClose(cc, websocket.CloseNormalClosure, "stream ended")
				return
			}

		case frame := <-cc.replies:
			if err := s.write(cc, frame); err != nil {
				return
			}

		case <-pingTicker.C:
			cc.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := cc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("error sending ping", "stream_id", cc.streamID, "viewer", cc.viewer, "error", err)
				return
			}

		case <-cc.done:
			s.writeClose(cc, websocket.CloseGoingAway, "")
			return
		}
	}
}

// readLoop owns all reads on the connection. It never writes; replies go
// through cc.replies to the writer loop.
func (s *WebSocketServer) readLoop(cc *connection) {
	defer cc.close()

	for {
		var frame inboundFrame
		if err := cc.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading frame", "stream_id", cc.streamID, "viewer", cc.viewer, "error", err)
			}
			return
		}

		if cc.limiter != nil && !cc.limiter.Allow() {
			s.reply(cc, errors.NewRateLimitError())
			continue
		}

		if err := s.handleFrame(cc, frame); err != nil {
			s.reply(cc, err)
		}
	}
}

func (s *WebSocketServer) handleFrame(cc *connection, frame inboundFrame) (err error) {
	ctx, span := tracing.TraceWebSocketFrame(context.Background(), frame.Type, string(cc.streamID), string(cc.viewer))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	switch frame.Type {
	case FrameHeartbeat:
		_, err := s.presence.Heartbeat(ctx, cc.streamID, cc.viewer)
		if stderrors.Is(err, domain.ErrInvalidState) {
			return nil
		}
		return err
	case FrameChat:
		// The message reaches this client through the subscription like any other.
		_, err := s.chat.Send(ctx, cc.caller, cc.streamID, frame.Body)
		return err
	default:
		return errors.NewInvalidInputError("unknown frame type")
	}
}

func (s *WebSocketServer) reply(cc *connection, err error) {
	appErr := errors.FromDomain(err)
	frame := outboundFrame{
		Type:      FrameError,
		StreamID:  cc.streamID,
		Timestamp: time.Now(),
		Payload:   errorPayload{Code: string(appErr.Code), Message: appErr.Message},
	}
	select {
	case cc.replies <- frame:
	case <-cc.done:
	default:
		s.logger.Debugw("dropping error frame for slow client", "stream_id", cc.streamID, "viewer", cc.viewer)
	}
}

func (s *WebSocketServer) write(cc *connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	cc.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := cc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debugw("error writing frame", "stream_id", cc.streamID, "viewer", cc.viewer, "error", err)
		return err
	}
	return nil
}

func (s *WebSocketServer) writeClose(cc *connection, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = cc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
}

// alreadySent reports whether a chat event was already delivered in the
// history frame.
func alreadySent(event *domain.Event, lastHistorySeq int64) bool {
	if lastHistorySeq == 0 {
		return false
	}
	var msg struct {
		Seq int64 `json:"seq"`
	}
	if err := json.Unmarshal(event.Payload, &msg); err != nil {
		return false
	}
	return msg.Seq <= lastHistorySeq
}

func ended(event *domain.Event) bool {
	if event.Kind != domain.EventStreamState {
		return false
	}
	var p domain.StreamStatePayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return false
	}
	return p.State == domain.StateEnded
}
