package job

import (
	"context"
	"time"
)

// Index tracks jobs by job id and by provider request id.
// Implementations hand out copies; mutating a returned Job has no effect until Update.
type Index interface {
	Create(ctx context.Context, job *Job) error
	// AttachRequestID links a provider request id to a job, at most once.
	AttachRequestID(ctx context.Context, jobID, requestID string) (*Job, error)
	// Get looks a job up by request id first, then by job id.
	Get(ctx context.Context, key string) (*Job, error)
	// Update replaces the stored job. A terminal job can only be rewritten with the same state.
	Update(ctx context.Context, job *Job) error
	// ListStale returns processing jobs created before the cutoff.
	ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*Job, error)
}
