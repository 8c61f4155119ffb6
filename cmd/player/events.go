package main

import (
	"context"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/player"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 10 * time.Second
)

// eventFollower forwards stream-state frames from the event socket to the
// player, reconnecting with backoff until the stream ends.
type eventFollower struct {
	url    string
	player *player.Player
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
}

func newEventFollower(url string, p *player.Player, logger *zap.SugaredLogger) *eventFollower {
	return &eventFollower{
		url:    url,
		player: p,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

func (f *eventFollower) Run(ctx context.Context) {
	delay := reconnectMin
	for {
		ended, err := f.follow(ctx)
		if ended || ctx.Err() != nil {
			return
		}
		f.logger.Warnw("event socket disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// follow reads one connection until it drops. It reports whether the
// stream ended.
func (f *eventFollower) follow(ctx context.Context) (bool, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	f.logger.Infow("event socket connected", "url", f.url)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return false, err
		}

		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Debugw("ignoring malformed frame", "error", err)
			continue
		}
		if ev.Kind != domain.EventStreamState {
			continue
		}

		var payload domain.StreamStatePayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			f.logger.Debugw("ignoring malformed stream-state payload", "error", err)
			continue
		}
		f.logger.Infow("stream state changed", "state", payload.State, "reason", payload.Reason)
		f.player.HandleStreamState(payload.State)
		if payload.State == domain.StateEnded {
			return true, nil
		}
	}
}
