package run

import "time"

// Event types carried on a run's stream. Heartbeat frames are produced by
// the stream transport to keep idle connections alive; they are never
// appended to the log and never replayed.
const (
	EventProgress  = "progress"
	EventFix       = "fix"
	EventIteration = "iteration"
	EventComplete  = "complete"
	EventError     = "error"
	EventHeartbeat = "heartbeat"
)

// Event is one entry in a run's append-only log. Seq starts at 1 and is
// strictly increasing per run. Events are immutable once appended.
type Event struct {
	Seq       int64                  `json:"seq"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
