package client

import "fmt"

// Job is a graph enqueued on the backend on behalf of one Session
type Job struct {
	PromptID  string `json:"prompt_id"`
	Number    int    `json:"number"`
	SessionID string `json:"-"`
}

// QueueSnapshot lists the prompt ids the backend is running and holding.  It is
// advisory and may be stale as soon as it is fetched.
type QueueSnapshot struct {
	Running []string
	Pending []string
}

type PositionState int

const (
	PositionUnknown PositionState = iota
	PositionRunning
	PositionQueued
)

// Position is the estimated place of a job in the backend queue
type Position struct {
	State PositionState
	// Place is the 1-based queue position, counting running jobs, when State is PositionQueued
	Place int
}

// Label renders the position as status text; unknown positions render empty
func (p Position) Label() string {
	switch p.State {
	case PositionRunning:
		return "🔨 Already processing..."
	case PositionQueued:
		return fmt.Sprintf("⏳ In queue: position %d", p.Place)
	}
	return ""
}

// EstimatePosition locates promptID in a snapshot.  A job that is not listed
// yet (the backend may not have indexed it) is reported as unknown.
func EstimatePosition(promptID string, snap QueueSnapshot) Position {
	for _, id := range snap.Running {
		if id == promptID {
			return Position{State: PositionRunning}
		}
	}
	for i, id := range snap.Pending {
		if id == promptID {
			return Position{State: PositionQueued, Place: len(snap.Running) + i + 1}
		}
	}
	return Position{State: PositionUnknown}
}
