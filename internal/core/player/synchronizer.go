package player

import "time"

// SyncConfig bounds how far playback may drift from the live edge.
type SyncConfig struct {
	// MaxBehind is the largest tolerated distance behind the live edge.
	MaxBehind time.Duration
	// EdgeMargin is how far behind the edge a forced seek lands.
	EdgeMargin time.Duration
	// BufferWindow caps how much media is held ahead of the playhead.
	BufferWindow time.Duration
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxBehind:    8 * time.Second,
		EdgeMargin:   2 * time.Second,
		BufferWindow: 4 * time.Second,
	}
}

// Synchronizer decides when playback has fallen too far behind live. It
// always seeks rather than speeding playback up.
type Synchronizer struct {
	cfg SyncConfig
}

func NewSynchronizer(cfg SyncConfig) *Synchronizer {
	return &Synchronizer{cfg: cfg}
}

// BehindLive is the distance from the playhead to the live edge. Never negative.
func (s *Synchronizer) BehindLive(liveEdge, position time.Duration) time.Duration {
	if position >= liveEdge {
		return 0
	}
	return liveEdge - position
}

// Target is the seek destination for a live edge.
func (s *Synchronizer) Target(liveEdge time.Duration) time.Duration {
	if t := liveEdge - s.cfg.EdgeMargin; t > 0 {
		return t
	}
	return 0
}

// Check returns the seek target and true when position trails liveEdge by
// more than MaxBehind.
func (s *Synchronizer) Check(liveEdge, position time.Duration) (time.Duration, bool) {
	if s.BehindLive(liveEdge, position) <= s.cfg.MaxBehind {
		return position, false
	}
	return s.Target(liveEdge), true
}

// Buffered is the media available ahead of the playhead, capped at the
// buffer window.
func (s *Synchronizer) Buffered(liveEdge, position time.Duration) time.Duration {
	ahead := s.BehindLive(liveEdge, position)
	if s.cfg.BufferWindow > 0 && ahead > s.cfg.BufferWindow {
		return s.cfg.BufferWindow
	}
	return ahead
}

// ResumeThreshold is how much must be buffered before a stall ends.
func (s *Synchronizer) ResumeThreshold() time.Duration {
	if s.cfg.BufferWindow > 0 && s.cfg.BufferWindow < s.cfg.EdgeMargin {
		return s.cfg.BufferWindow
	}
	return s.cfg.EdgeMargin
}
