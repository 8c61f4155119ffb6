package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamcore/internal/core/domain"

	"go.uber.org/zap"
)

var (
	ErrEnded       = errors.New("player: stream ended")
	ErrNotStarted  = errors.New("player: not started")
	ErrNoLiveEdge  = errors.New("player: live edge not known yet")
	ErrNotPlayable = errors.New("player: not playing")
)

type Config struct {
	Sync SyncConfig
	// MaxManifestFailures consecutive failed refreshes put the player into
	// StateError.
	MaxManifestFailures int
	// MinPollInterval is the floor for the refresh interval and the interval
	// used before the target duration is known.
	MinPollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Sync:                DefaultSyncConfig(),
		MaxManifestFailures: 3,
		MinPollInterval:     500 * time.Millisecond,
	}
}

// Status is a point-in-time snapshot for display.
type Status struct {
	State      State         `json:"state"`
	Position   time.Duration `json:"position"`
	LiveEdge   time.Duration `json:"live_edge"`
	BehindLive time.Duration `json:"behind_live"`
	Buffered   time.Duration `json:"buffered"`
	Seeks      int           `json:"seeks"`
	Failures   int           `json:"failures"`
	LastError  string        `json:"last_error,omitempty"`
}

// Player keeps a Clock within a bounded distance of a live playlist's edge.
// It only learns about the broadcast from manifest refreshes and from
// stream-state changes passed to HandleStreamState.
type Player struct {
	cfg    Config
	source ManifestSource
	clock  Clock
	sync   *Synchronizer

	mu             sync.Mutex
	state          State
	timeline       Timeline
	targetDuration time.Duration
	failures       int
	lastErr        error
	seeks          int
	listeners      []func(from, to State)

	wake   chan struct{}
	logger *zap.SugaredLogger
}

func New(source ManifestSource, clock Clock, cfg Config, logger *zap.SugaredLogger) *Player {
	defaults := DefaultConfig()
	if cfg.MaxManifestFailures <= 0 {
		cfg.MaxManifestFailures = defaults.MaxManifestFailures
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = defaults.MinPollInterval
	}
	return &Player{
		cfg:    cfg,
		source: source,
		clock:  clock,
		sync:   NewSynchronizer(cfg.Sync),
		state:  StateIdle,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// OnStateChange registers fn to be called after every transition.
func (p *Player) OnStateChange(fn func(from, to State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	edge := p.timeline.LiveEdge()
	pos := p.clock.Position()
	st := Status{
		State:      p.state,
		Position:   pos,
		LiveEdge:   edge,
		BehindLive: p.sync.BehindLive(edge, pos),
		Buffered:   p.sync.Buffered(edge, pos),
		Seeks:      p.seeks,
		Failures:   p.failures,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// PollInterval is half the target duration, never below MinPollInterval.
func (p *Player) PollInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d := p.targetDuration / 2; d > p.cfg.MinPollInterval {
		return d
	}
	return p.cfg.MinPollInterval
}

// Start begins loading the playlist.
func (p *Player) Start() error {
	p.mu.Lock()
	fire, err := p.transitionLocked(StateLoading)
	p.mu.Unlock()
	fire()
	if err == nil {
		p.notify()
	}
	return err
}

// Retry leaves StateError and starts loading again.
func (p *Player) Retry() error {
	p.mu.Lock()
	if p.state != StateError {
		p.mu.Unlock()
		return &TransitionError{From: p.State(), To: StateLoading}
	}
	p.failures = 0
	p.lastErr = nil
	fire, err := p.transitionLocked(StateLoading)
	p.mu.Unlock()
	fire()
	if err == nil {
		p.notify()
	}
	return err
}

// HandleStreamState applies a lifecycle change of the broadcast: live starts
// an idle player, ended stops playback for good.
func (p *Player) HandleStreamState(state domain.StreamState) {
	switch state {
	case domain.StateLive:
		if p.State() == StateIdle {
			_ = p.Start()
		}
	case domain.StateEnded:
		p.mu.Lock()
		p.clock.Pause()
		fire, _ := p.transitionLocked(StateEnded)
		p.mu.Unlock()
		fire()
		p.notify()
	}
}

// JumpToLive forces the same seek the synchronizer performs when playback
// falls too far behind.
func (p *Player) JumpToLive() (time.Duration, error) {
	p.mu.Lock()
	if p.state != StatePlaying && p.state != StateBuffering {
		p.mu.Unlock()
		return 0, ErrNotPlayable
	}
	if !p.timeline.started {
		p.mu.Unlock()
		return 0, ErrNoLiveEdge
	}

	target := p.sync.Target(p.timeline.LiveEdge())
	p.clock.Seek(target)
	p.seeks++

	fire := func() {}
	if p.state == StateBuffering {
		p.clock.Play()
		fire, _ = p.transitionLocked(StatePlaying)
	}
	p.mu.Unlock()
	fire()

	p.logger.Infow("jumped to live", "position", target)
	return target, nil
}

// Refresh fetches the manifest once and applies it.
func (p *Player) Refresh(ctx context.Context) error {
	switch state := p.State(); state {
	case StateEnded:
		return ErrEnded
	case StateIdle:
		return ErrNotStarted
	case StateError:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.lastErr
	}

	m, fetchErr := p.source.Fetch(ctx)

	p.mu.Lock()
	fire, err := p.applyLocked(m, fetchErr)
	p.mu.Unlock()
	fire()
	return err
}

func (p *Player) applyLocked(m *Manifest, fetchErr error) (func(), error) {
	noop := func() {}
	if p.state == StateEnded || p.state == StateError || p.state == StateIdle {
		return noop, nil
	}

	if fetchErr != nil {
		p.failures++
		p.lastErr = fetchErr
		if p.failures < p.cfg.MaxManifestFailures {
			p.logger.Debugw("manifest refresh failed", "failures", p.failures, "error", fetchErr)
			return noop, fetchErr
		}
		p.logger.Warnw("manifest unavailable, giving up until retry", "failures", p.failures, "error", fetchErr)
		p.clock.Pause()
		fire, _ := p.transitionLocked(StateError)
		return fire, fetchErr
	}

	p.failures = 0
	p.lastErr = nil
	if m.TargetDuration > 0 {
		p.targetDuration = m.TargetDuration
	}

	edge, ok := p.timeline.Observe(m)
	if !ok {
		return noop, nil
	}

	if p.state == StateLoading {
		target := p.sync.Target(edge)
		p.clock.Seek(target)
		p.clock.Play()
		p.logger.Infow("playback started", "position", target, "live_edge", edge)
		return p.transitionLocked(StatePlaying)
	}

	pos := p.clock.Position()
	if pos > edge {
		// The playhead cannot run past media that does not exist yet.
		p.clock.Seek(edge)
		pos = edge
	}

	if target, seek := p.sync.Check(edge, pos); seek {
		p.logger.Infow("behind live, seeking", "behind", edge-pos, "position", target)
		p.clock.Seek(target)
		pos = target
		p.seeks++
	}

	ahead := p.sync.BehindLive(edge, pos)
	switch {
	case m.Closed && ahead <= 0:
		p.clock.Pause()
		return p.transitionLocked(StateEnded)
	case p.state == StatePlaying && ahead <= 0:
		p.clock.Pause()
		return p.transitionLocked(StateBuffering)
	case p.state == StateBuffering && ahead >= p.sync.ResumeThreshold():
		p.clock.Play()
		return p.transitionLocked(StatePlaying)
	}
	return noop, nil
}

// transitionLocked moves to next and returns a func that notifies listeners;
// call it after releasing p.mu.
func (p *Player) transitionLocked(next State) (func(), error) {
	from := p.state
	if from == next {
		return func() {}, nil
	}
	if !from.CanTransition(next) {
		return func() {}, &TransitionError{From: from, To: next}
	}
	p.state = next
	listeners := append([]func(from, to State){}, p.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(from, next)
		}
	}, nil
}

func (p *Player) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run refreshes the manifest on the poll interval until the player ends or
// ctx is cancelled. It sits idle while the player is in StateIdle or
// StateError.
func (p *Player) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-timer.C:
		}

		switch p.State() {
		case StateEnded:
			return nil
		case StateLoading, StatePlaying, StateBuffering:
			if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.logger.Debugw("refresh failed", "error", err)
			}
		}
		if p.State() == StateEnded {
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.PollInterval())
	}
}
