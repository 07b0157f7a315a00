package client

// ProgressKind distinguishes the progress events a Monitor emits
type ProgressKind int

const (
	// ProgressQueue carries the estimated queue position, emitted once when the
	// monitor starts awaiting events
	ProgressQueue ProgressKind = iota
	// ProgressNode announces that a node of the job started executing
	ProgressNode
)

func (k ProgressKind) String() string {
	switch k {
	case ProgressQueue:
		return "queue"
	case ProgressNode:
		return "node"
	}
	return "unknown"
}

// Progress is a human-facing progress event for one job
type Progress struct {
	Kind     ProgressKind
	PromptID string

	// set for ProgressNode
	NodeID    string
	ClassType string

	// set for ProgressQueue
	Position Position

	// Label is the status text to show; empty when there is nothing to say
	Label string
}
