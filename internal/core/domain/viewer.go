package domain

import "time"

// ViewerToken identifies a viewer: a user id or an anonymous per-tab token.
type ViewerToken string

type ViewerSession struct {
	StreamID StreamID
	Token    ViewerToken
	JoinedAt time.Time
	LastSeen time.Time
}

// StaleAt reports whether the session was last seen before cutoff, the
// instant (now - session TTL) at which reaping applies.
func (v *ViewerSession) StaleAt(cutoff time.Time) bool {
	return v.LastSeen.Before(cutoff)
}

type PresenceAction string

const (
	PresenceJoin      PresenceAction = "join"
	PresenceLeave     PresenceAction = "leave"
	PresenceHeartbeat PresenceAction = "heartbeat"
)
