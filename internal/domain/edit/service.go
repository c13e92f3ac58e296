package edit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/photoedit/photoedit-api/internal/domain/job"
	"github.com/photoedit/photoedit-api/internal/domain/ledger"
	"github.com/photoedit/photoedit-api/internal/pkg/eternal"
	"github.com/photoedit/photoedit-api/internal/pkg/logger"
	"github.com/photoedit/photoedit-api/internal/pkg/metrics"
)

const (
	submitFailedMessage = "Failed to initiate generation request"
	timedOutMessage     = "generation timed out"
	abandonedMessage    = "submission did not complete"
)

// Config controls the edit flow.
type Config struct {
	CreditCost     int64
	AllowAnonymous bool
	SubmitTimeout  time.Duration
	PollTimeout    time.Duration
}

// Request is one image to edit.
type Request struct {
	Prompt      string
	Filename    string
	ImageBase64 string
	OwnerID     *string
}

// Submitted identifies an accepted edit.
type Submitted struct {
	JobID     string
	RequestID string
}

// Status is what a poller sees.
type Status struct {
	RequestID string
	Status    job.Status
	ResultURL string
	Error     string
}

// Service ties job lifecycle transitions to ledger debits and refunds.
type Service struct {
	cfg        Config
	ledger     Ledger
	jobs       job.Index
	provider   Provider
	normalizer Normalizer
	archive    Archiver
	now        func() time.Time
}

// NewService creates the edit service. archive may be nil.
func NewService(cfg Config, l Ledger, jobs job.Index, provider Provider, normalizer Normalizer, archive Archiver) *Service {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Service{
		cfg:        cfg,
		ledger:     l,
		jobs:       jobs,
		provider:   provider,
		normalizer: normalizer,
		archive:    archive,
		now:        time.Now,
	}
}

// SubmitJob debits the owner, registers the job and hands it to the provider.
// If the provider does not accept it the debit is refunded before returning.
func (s *Service) SubmitJob(ctx context.Context, req Request) (*Submitted, error) {
	if req.OwnerID == nil && !s.cfg.AllowAnonymous {
		return nil, ErrAnonymousNotAllowed
	}

	img, err := s.normalizer.NormalizeBase64(req.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	l := logger.FromContext(ctx)
	jobID := uuid.NewString()

	var debit *ledger.Consumption
	if req.OwnerID != nil && s.cfg.CreditCost > 0 {
		debit, err = s.ledger.Debit(ctx, *req.OwnerID, s.cfg.CreditCost, ledger.ReasonImageEdit)
		if err != nil {
			return nil, err
		}
	}

	j := job.NewJob(jobID, req.Filename, req.Prompt, req.OwnerID, s.now())
	if debit != nil {
		j.ConsumptionID = &debit.ID
	}

	if s.archive != nil {
		owner := ""
		if req.OwnerID != nil {
			owner = *req.OwnerID
		}
		url, err := s.archive.ArchiveSource(ctx, owner, jobID, img.Data)
		if err != nil {
			l.Warn().Err(err).Str("job_id", jobID).Msg("Failed to archive source image")
		} else {
			j.SourceURL = url
		}
	}

	if err := s.jobs.Create(ctx, j); err != nil {
		s.refundDebit(ctx, debit, ledger.ReasonSubmissionFailed)
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(job.StatusProcessing)).Inc()

	// No lock is held here; the provider call may take a while.
	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	started := time.Now()
	requestID, err := s.provider.Submit(submitCtx, eternal.SubmitRequest{
		JobID:       jobID,
		Filename:    req.Filename,
		Prompt:      req.Prompt,
		ImageBase64: img.Base64(),
	})
	cancel()

	if err == nil && requestID == "" {
		err = eternal.ErrEmptyRequestID
	}
	if err != nil {
		metrics.ObserveProvider("submit", "error", started)
		return nil, s.failSubmission(ctx, j, debit, err)
	}
	metrics.ObserveProvider("submit", "ok", started)

	if _, err := s.jobs.AttachRequestID(ctx, jobID, requestID); err != nil {
		l.Error().Err(err).Str("job_id", jobID).Str("request_id", requestID).Msg("Failed to index request id")
	}
	if debit != nil {
		if err := s.ledger.AttachRequest(ctx, debit.ID, requestID); err != nil {
			l.Error().Err(err).Int64("consumption_id", debit.ID).Str("request_id", requestID).Msg("Failed to attach request id to debit")
		}
	}

	l.Info().
		Str("job_id", jobID).
		Str("request_id", requestID).
		Msg("Edit submitted")

	return &Submitted{JobID: jobID, RequestID: requestID}, nil
}

// failSubmission marks the job failed and refunds the debit, then maps err for the caller.
func (s *Service) failSubmission(ctx context.Context, j *job.Job, debit *ledger.Consumption, cause error) error {
	logger.FromContext(ctx).Warn().Err(cause).Str("job_id", j.ID).Msg("Provider did not accept edit")

	if j.MarkFailure(submitFailedMessage, s.now()) {
		if err := s.jobs.Update(ctx, j); err != nil {
			logger.FromContext(ctx).Error().Err(err).Str("job_id", j.ID).Msg("Failed to record submission failure")
		}
		metrics.JobTransitions.WithLabelValues(string(job.StatusFailed)).Inc()
	}

	if err := s.refundDebit(ctx, debit, ledger.ReasonSubmissionFailed); err != nil {
		return fmt.Errorf("refund after failed submission: %w", err)
	}

	if eternal.IsUnavailable(cause) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, cause)
	}
	return fmt.Errorf("%w: %v", ErrProviderRejected, cause)
}

// refundDebit refunds a debit even if the caller's context is already cancelled.
func (s *Service) refundDebit(ctx context.Context, debit *ledger.Consumption, reason string) error {
	if debit == nil {
		return nil
	}
	_, err := s.ledger.Refund(context.WithoutCancel(ctx), debit.ID, reason)
	return err
}

// GetJobStatus reports the state of a job by job id or request id.
// A cached terminal state is returned as is. Otherwise the provider is asked.
func (s *Service) GetJobStatus(ctx context.Context, key string) (*Status, error) {
	if key == "" {
		return nil, ErrMissingRequestID
	}

	j, err := s.jobs.Get(ctx, key)
	if err != nil && !errors.Is(err, job.ErrJobNotFound) {
		return nil, err
	}
	if j != nil {
		if j.Status.IsTerminal() {
			return statusOf(j, key), nil
		}
		if j.RequestID == "" {
			// Submission still in flight.
			return statusOf(j, key), nil
		}
	}

	requestID := key
	if j != nil {
		requestID = j.RequestID
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	started := time.Now()
	res, err := s.provider.Poll(pollCtx, requestID)
	cancel()

	if err != nil {
		metrics.ObserveProvider("poll", "error", started)
		if j != nil && isTimeout(err) {
			return statusOf(s.fail(ctx, j, timedOutMessage, ledger.ReasonGenerationTimeout), key), nil
		}
		logger.FromContext(ctx).Warn().Err(err).Str("request_id", requestID).Msg("Poll failed, reporting processing")
		return &Status{RequestID: key, Status: job.StatusProcessing}, nil
	}
	metrics.ObserveProvider("poll", string(res.Status), started)

	return s.apply(ctx, j, requestID, res), nil
}

// ApplyProviderUpdate applies a status pushed by the provider.
func (s *Service) ApplyProviderUpdate(ctx context.Context, requestID string, res eternal.PollResult) (*Status, error) {
	if requestID == "" {
		return nil, ErrMissingRequestID
	}

	j, err := s.jobs.Get(ctx, requestID)
	if err != nil && !errors.Is(err, job.ErrJobNotFound) {
		return nil, err
	}
	if j != nil && j.Status.IsTerminal() {
		return statusOf(j, requestID), nil
	}
	return s.apply(ctx, j, requestID, &res), nil
}

// apply moves j according to the provider's answer. j may be nil when the index
// has no record, in which case only an explicit failure has a ledger effect.
func (s *Service) apply(ctx context.Context, j *job.Job, requestID string, res *eternal.PollResult) *Status {
	switch res.Status {
	case eternal.StatusSuccess:
		if res.ResultURL == "" {
			break
		}
		if j == nil {
			return &Status{RequestID: requestID, Status: job.StatusSuccess, ResultURL: res.ResultURL}
		}
		return statusOf(s.succeed(ctx, j, res.ResultURL), requestID)

	case eternal.StatusFailed:
		msg := res.Error
		if msg == "" {
			msg = eternal.DefaultFailureMessage
		}
		if j == nil {
			s.refundRequest(ctx, requestID, ledger.ReasonGenerationFailed)
			return &Status{RequestID: requestID, Status: job.StatusFailed, Error: msg}
		}
		return statusOf(s.fail(ctx, j, msg, ledger.ReasonGenerationFailed), requestID)
	}

	return &Status{RequestID: requestID, Status: job.StatusProcessing}
}

func (s *Service) succeed(ctx context.Context, j *job.Job, resultURL string) *job.Job {
	if !j.MarkSuccess(resultURL, s.now()) {
		return j
	}
	stored, applied := s.store(ctx, j)
	if applied {
		metrics.JobTransitions.WithLabelValues(string(job.StatusSuccess)).Inc()
		logger.FromContext(ctx).Info().Str("job_id", j.ID).Str("request_id", j.RequestID).Msg("Edit succeeded")
	}
	return stored
}

// fail marks j failed and refunds its debit. Refund errors are logged; the
// sweeper picks the debit up again.
func (s *Service) fail(ctx context.Context, j *job.Job, msg, reason string) *job.Job {
	if !j.MarkFailure(msg, s.now()) {
		return j
	}
	stored, applied := s.store(ctx, j)
	if !applied {
		return stored
	}
	metrics.JobTransitions.WithLabelValues(string(job.StatusFailed)).Inc()
	logger.FromContext(ctx).Info().Str("job_id", j.ID).Str("request_id", j.RequestID).Str("error", msg).Msg("Edit failed")

	switch {
	case j.ConsumptionID != nil:
		if _, err := s.ledger.Refund(context.WithoutCancel(ctx), *j.ConsumptionID, reason); err != nil {
			logger.FromContext(ctx).Error().Err(err).Str("job_id", j.ID).Msg("Refund failed")
		}
	case j.OwnerID != nil && j.RequestID != "":
		s.refundRequest(ctx, j.RequestID, reason)
	}
	return stored
}

// store writes a transitioned job. If another writer finalized it first, the
// stored state wins and applied is false.
func (s *Service) store(ctx context.Context, j *job.Job) (*job.Job, bool) {
	err := s.jobs.Update(ctx, j)
	if err == nil {
		return j, true
	}

	if errors.Is(err, job.ErrJobFinalized) {
		if current, getErr := s.jobs.Get(ctx, j.ID); getErr == nil {
			return current, false
		}
		return j, false
	}

	logger.FromContext(ctx).Error().Err(err).Str("job_id", j.ID).Msg("Failed to update job")
	// A record that expired from the index no longer competes with this transition.
	return j, errors.Is(err, job.ErrJobNotFound)
}

func (s *Service) refundRequest(ctx context.Context, requestID, reason string) {
	if _, err := s.ledger.RefundByRequest(context.WithoutCancel(ctx), requestID, reason); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("request_id", requestID).Msg("Refund by request failed")
	}
}

func statusOf(j *job.Job, requestID string) *Status {
	if j.RequestID != "" {
		requestID = j.RequestID
	}
	return &Status{
		RequestID: requestID,
		Status:    j.Status,
		ResultURL: j.ResultURL,
		Error:     j.Error,
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, eternal.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
