package job

import "errors"

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinalized is returned when an update would change a terminal job
	ErrJobFinalized = errors.New("job already finalized")

	// ErrRequestIDAssigned is returned when a job already has a different request id
	ErrRequestIDAssigned = errors.New("job already has a request id")

	// ErrRequestIDInUse is returned when another job already owns the request id
	ErrRequestIDInUse = errors.New("request id belongs to another job")
)
