/**
 * Job events
 *
 * Every job exposes a single ordered event stream carrying log lines,
 * progress updates and state transitions. The coordinator is the only
 * writer; the channel is closed when the job reaches a terminal state.
 */

package job

import "time"

// EventKind discriminates the payload of an Event.
type EventKind string

const (
	EventLog      EventKind = "log"
	EventProgress EventKind = "progress"
	EventState    EventKind = "state"
)

// Event is one entry in a job's event stream.
type Event struct {
	Kind      EventKind `json:"kind"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`

	// Message is set for EventLog.
	Message string `json:"message,omitempty"`

	// Progress is the percentage 0-100, set for EventProgress.
	Progress int `json:"progress,omitempty"`

	// State is set for EventState.
	State State `json:"state,omitempty"`
}
