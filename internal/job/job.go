/**
 * Job model
 *
 * States, statistics and the final result of one PDF OCR job. The state
 * machine is strictly forward: a job passes through the pipeline states in
 * order and ends in exactly one terminal state.
 */

package job

// State names one stage of the job lifecycle.
type State string

const (
	StateQueued      State = "queued"
	StateValidating  State = "validating"
	StateResolving   State = "resolving"
	StateRendering   State = "rendering"
	StateProcessing  State = "processing"
	StateAggregating State = "aggregating"
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Stats summarizes the recognized text of a completed job.
type Stats struct {
	PagesTotal     int `json:"pages_total"`
	PagesProcessed int `json:"pages_processed"`
	Lines          int `json:"lines"`
	Words          int `json:"words"`
	Chars          int `json:"chars"`
}

// Result is the outcome of a successfully completed job.
type Result struct {
	JobID      string `json:"job_id"`
	Text       string `json:"text"`
	OutputPath string `json:"output_path"`
	Stats      Stats  `json:"stats"`
	FromCache  bool   `json:"from_cache"`
	DurationMS int64  `json:"duration_ms"`
}
