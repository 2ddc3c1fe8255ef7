package domain

// JobStatus enumerates valid async job states.
const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusError   = "error"
	JobStatusDone    = "done"
)

// ErrorDetail describes one failure attached to a job update.
type ErrorDetail struct {
	Message   string         `json:"message"`
	ErrorType string         `json:"error_type,omitempty"`
	Level     string         `json:"level,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// JobMetadata is the payload a worker publishes for one job update.
// Field names are part of the JS client contract.
type JobMetadata struct {
	ChannelID string        `json:"channel_id"`
	JobID     string        `json:"job_id"`
	UserID    string        `json:"user_id"`
	Status    string        `json:"status"`
	Errors    []ErrorDetail `json:"errors"`
	ResultURL string        `json:"result_url,omitempty"`
}
