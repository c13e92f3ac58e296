package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryIndex keeps jobs in process memory. It is lost on restart.
type MemoryIndex struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	byRequestID map[string]string
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		jobs:        make(map[string]*Job),
		byRequestID: make(map[string]string),
	}
}

func (m *MemoryIndex) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.RequestID != "" {
		if owner, ok := m.byRequestID[job.RequestID]; ok && owner != job.ID {
			return ErrRequestIDInUse
		}
	}
	m.jobs[job.ID] = job.Clone()
	if job.RequestID != "" {
		m.byRequestID[job.RequestID] = job.ID
	}
	return nil
}

func (m *MemoryIndex) AttachRequestID(ctx context.Context, jobID, requestID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.RequestID != "" && job.RequestID != requestID {
		return nil, ErrRequestIDAssigned
	}
	if owner, ok := m.byRequestID[requestID]; ok && owner != jobID {
		return nil, ErrRequestIDInUse
	}

	job.RequestID = requestID
	m.byRequestID[requestID] = jobID
	return job.Clone(), nil
}

func (m *MemoryIndex) Get(ctx context.Context, key string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, ok := m.byRequestID[key]; ok {
		if job, ok := m.jobs[jobID]; ok {
			return job.Clone(), nil
		}
	}
	if job, ok := m.jobs[key]; ok {
		return job.Clone(), nil
	}
	return nil, ErrJobNotFound
}

func (m *MemoryIndex) Update(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if current.Status.IsTerminal() {
		if sameTerminalState(current, job) {
			return nil
		}
		return ErrJobFinalized
	}
	if current.RequestID != "" && job.RequestID != current.RequestID {
		return ErrRequestIDAssigned
	}

	m.jobs[job.ID] = job.Clone()
	if job.RequestID != "" {
		m.byRequestID[job.RequestID] = job.ID
	}
	return nil
}

func (m *MemoryIndex) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stale := make([]*Job, 0)
	for _, job := range m.jobs {
		if job.Status == StatusProcessing && job.CreatedAt.Before(createdBefore) {
			stale = append(stale, job.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Prune drops terminal jobs completed before the cutoff and returns how many were removed.
func (m *MemoryIndex) Prune(ctx context.Context, completedBefore time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(completedBefore) {
			delete(m.jobs, id)
			if job.RequestID != "" {
				delete(m.byRequestID, job.RequestID)
			}
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked jobs.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// CountProcessing returns the number of jobs still processing.
func (m *MemoryIndex) CountProcessing(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, job := range m.jobs {
		if job.Status == StatusProcessing {
			n++
		}
	}
	return n, nil
}
