package player

import "fmt"

// State is the player's externally visible condition.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StatePlaying   State = "playing"
	StateBuffering State = "buffering"
	// StateError is a hard failure that needs Retry; buffering never becomes
	// an error on its own.
	StateError State = "error"
	StateEnded State = "ended"
)

var transitions = map[State][]State{
	StateIdle:      {StateLoading, StateEnded},
	StateLoading:   {StatePlaying, StateError, StateEnded},
	StatePlaying:   {StateBuffering, StateError, StateEnded},
	StateBuffering: {StatePlaying, StateError, StateEnded},
	StateError:     {StateLoading, StateEnded},
	StateEnded:     nil,
}

// CanTransition reports whether the player may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("player: invalid transition %s -> %s", e.From, e.To)
}
