package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/pkg/utils"
	"streamcore/pkg/validation"

	"go.uber.org/zap"
)

type ChatConfig struct {
	MaxBodyLength  int
	HistoryDefault int
	HistoryMax     int
}

type chatService struct {
	messages ports.ChatRepository
	streams  ports.StreamRepository
	events   ports.EventPublisher
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	cfg      ChatConfig
	now      func() time.Time

	mu    sync.Mutex
	lanes map[domain.StreamID]*chatLane
}

// chatLane serializes appends for one stream so seq order and created_at
// order agree. lastAt keeps server timestamps strictly increasing.
type chatLane struct {
	mu     sync.Mutex
	lastAt time.Time
}

func NewChatService(
	messages ports.ChatRepository,
	streams ports.StreamRepository,
	events ports.EventPublisher,
	metrics ports.MetricsRecorder,
	cfg ChatConfig,
	logger *zap.SugaredLogger,
) ports.ChatService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &chatService{
		messages: messages,
		streams:  streams,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		lanes:    make(map[domain.StreamID]*chatLane),
	}
}

// Send persists the message and only then publishes it, so a subscriber that
// re-fetches history on receipt always finds it. Write permission follows the
// local lifecycle state, never the provider's activity signal.
func (s *chatService) Send(ctx context.Context, caller domain.Caller, streamID domain.StreamID, body string) (*domain.ChatMessage, error) {
	if !caller.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}

	stream, err := s.streams.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if stream.State != domain.StateLive {
		return nil, fmt.Errorf("%w: chat is closed while stream is %s", domain.ErrInvalidState, stream.State)
	}

	// The limit applies to the body as received; only the trimmed text is kept.
	if err := validation.ValidateChatBody(body, s.cfg.MaxBodyLength); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	body = strings.TrimSpace(body)

	msg := &domain.ChatMessage{
		ID:       domain.MessageID(utils.GenerateMessageID()),
		StreamID: streamID,
		AuthorID: caller.UserID,
		Body:     body,
	}
	if err := s.appendInOrder(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist chat message: %w", err)
	}
	s.metrics.ChatMessageSent(streamID)

	event, err := domain.NewChatEvent(msg)
	if err == nil {
		err = s.events.Publish(ctx, event)
	}
	if err != nil {
		// The message is durable; viewers will see it on their next history fetch.
		s.logger.Warnw("failed to publish chat message",
			"stream_id", streamID,
			"message_id", msg.ID,
			"error", err,
		)
	}
	return msg, nil
}

// appendInOrder stamps and persists msg while holding the stream's lane, so
// a later seq never carries an earlier timestamp.
func (s *chatService) appendInOrder(ctx context.Context, msg *domain.ChatMessage) error {
	lane := s.lane(msg.StreamID)
	lane.mu.Lock()
	defer lane.mu.Unlock()

	msg.CreatedAt = utils.MonotonicAfter(s.now().UTC(), lane.lastAt)
	if err := s.messages.Append(ctx, msg); err != nil {
		return err
	}
	lane.lastAt = msg.CreatedAt
	return nil
}

func (s *chatService) lane(streamID domain.StreamID) *chatLane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[streamID]
	if !ok {
		l = &chatLane{}
		s.lanes[streamID] = l
	}
	return l
}

// History returns up to limit recent messages, oldest first. A non-positive
// limit means the default; larger limits are clamped.
func (s *chatService) History(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error) {
	if _, err := s.streams.GetByID(ctx, streamID); err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = s.cfg.HistoryDefault
	case limit > s.cfg.HistoryMax:
		limit = s.cfg.HistoryMax
	}
	return s.messages.Recent(ctx, streamID, limit)
}
