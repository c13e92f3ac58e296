package job

import "time"

// Status is the lifecycle state of an edit job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Job tracks one edit request against the generation provider.
type Job struct {
	ID               string     `json:"id"`
	RequestID        string     `json:"request_id,omitempty"`
	Status           Status     `json:"status"`
	OriginalFilename string     `json:"original_filename"`
	Prompt           string     `json:"prompt"`
	ResultURL        string     `json:"result_url,omitempty"`
	Error            string     `json:"error,omitempty"`
	OwnerID          *string    `json:"owner_id,omitempty"`
	ConsumptionID    *int64     `json:"consumption_id,omitempty"`
	SourceURL        string     `json:"source_url,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// NewJob returns a processing job.
func NewJob(id, filename, prompt string, ownerID *string, now time.Time) *Job {
	return &Job{
		ID:               id,
		Status:           StatusProcessing,
		OriginalFilename: filename,
		Prompt:           prompt,
		OwnerID:          ownerID,
		CreatedAt:        now,
	}
}

// MarkSuccess records a result. Returns false if the job is already terminal.
func (j *Job) MarkSuccess(resultURL string, now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = StatusSuccess
	j.ResultURL = resultURL
	j.Error = ""
	j.CompletedAt = &now
	return true
}

// MarkFailure records an error. Returns false if the job is already terminal.
func (j *Job) MarkFailure(message string, now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = StatusFailed
	j.Error = message
	j.CompletedAt = &now
	return true
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	out := *j
	if j.OwnerID != nil {
		owner := *j.OwnerID
		out.OwnerID = &owner
	}
	if j.ConsumptionID != nil {
		id := *j.ConsumptionID
		out.ConsumptionID = &id
	}
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// sameTerminalState reports whether next replays the write that finalized
// current. A separate transition to the same status carries its own
// CompletedAt and is not a replay.
func sameTerminalState(current, next *Job) bool {
	return current.Status == next.Status &&
		current.ResultURL == next.ResultURL &&
		current.Error == next.Error &&
		current.CompletedAt != nil && next.CompletedAt != nil &&
		current.CompletedAt.Equal(*next.CompletedAt)
}
