package eternal

import (
	"context"
	"encoding/base64"
	"math/rand"
	"sync"
	"time"
)

const simulatedPromptPreview = 40

// Simulator stands in for the provider when no API key is configured.
// Requests complete successfully after a random delay.
type Simulator struct {
	minDelay time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	results map[string]*PollResult
}

// NewSimulator creates a simulator whose jobs finish between minDelay and maxDelay.
func NewSimulator(minDelay, maxDelay time.Duration) *Simulator {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Simulator{
		minDelay: minDelay,
		maxDelay: maxDelay,
		results:  make(map[string]*PollResult),
	}
}

// Submit registers the job and uses its id as the request id.
func (s *Simulator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	requestID := req.JobID

	s.mu.Lock()
	s.results[requestID] = &PollResult{RequestID: requestID, Status: StatusProcessing}
	s.mu.Unlock()

	result := simulatedResult(req.Prompt)
	time.AfterFunc(s.delay(), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r, ok := s.results[requestID]; ok {
			r.Status = StatusSuccess
			r.ResultURL = result
		}
	})

	return requestID, nil
}

// Poll reports the simulated state. Unknown ids stay processing.
func (s *Simulator) Poll(ctx context.Context, requestID string) (*PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[requestID]
	if !ok {
		return &PollResult{RequestID: requestID, Status: StatusProcessing}, nil
	}
	out := *r
	return &out, nil
}

// Has reports whether requestID was issued by this simulator.
func (s *Simulator) Has(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.results[requestID]
	return ok
}

func (s *Simulator) delay() time.Duration {
	spread := s.maxDelay - s.minDelay
	if spread <= 0 {
		return s.minDelay
	}
	return s.minDelay + time.Duration(rand.Int63n(int64(spread)))
}

func simulatedResult(prompt string) string {
	preview := []rune(prompt)
	if len(preview) > simulatedPromptPreview {
		preview = preview[:simulatedPromptPreview]
	}
	text := "Edited: " + string(preview)
	return "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte(text))
}
