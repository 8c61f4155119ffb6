package player

import (
	"sync"
	"time"
)

// Clock is the media element the player drives: it owns the playhead.
type Clock interface {
	Position() time.Duration
	Seek(to time.Duration)
	Play()
	Pause()
}

// SimulatedClock is a playhead that advances in real time while playing.
type SimulatedClock struct {
	mu        sync.Mutex
	now       func() time.Time
	base      time.Duration
	startedAt time.Time
	playing   bool
}

func NewSimulatedClock(now func() time.Time) *SimulatedClock {
	if now == nil {
		now = time.Now
	}
	return &SimulatedClock{now: now}
}

func (c *SimulatedClock) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

func (c *SimulatedClock) positionLocked() time.Duration {
	if !c.playing {
		return c.base
	}
	return c.base + c.now().Sub(c.startedAt)
}

func (c *SimulatedClock) Seek(to time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = to
	c.startedAt = c.now()
}

func (c *SimulatedClock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return
	}
	c.startedAt = c.now()
	c.playing = true
}

func (c *SimulatedClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing {
		return
	}
	c.base = c.positionLocked()
	c.playing = false
}

func (c *SimulatedClock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}
