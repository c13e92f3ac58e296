package edit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/photoedit/photoedit-api/internal/domain/job"
	"github.com/photoedit/photoedit-api/internal/domain/ledger"
	"github.com/photoedit/photoedit-api/internal/pkg/eternal"
	"github.com/photoedit/photoedit-api/internal/pkg/logger"
	"github.com/photoedit/photoedit-api/internal/pkg/metrics"
)

const defaultSweepBatch = 100

// SweeperConfig controls post-hoc reconciliation.
type SweeperConfig struct {
	Interval time.Duration
	// MaxAge is how long a job may stay processing before it is failed and refunded.
	MaxAge time.Duration
	// DebitWindow bounds how far back unsettled debits are reconciled.
	DebitWindow time.Duration
	// Retention is how long finished jobs stay in an in-memory index.
	Retention time.Duration
	Batch     int
}

// SweepStats summarises one sweep.
type SweepStats struct {
	StaleJobs     int
	TimedOut      int
	Reconciled    int
	DebitsChecked int
	DebitsRefund  int
	Pruned        int
}

type processingCounter interface {
	CountProcessing(ctx context.Context) (int64, error)
}

type pruner interface {
	Prune(ctx context.Context, completedBefore time.Time) int
}

// Sweeper finishes jobs the pollers abandoned and settles debits whose job
// record was lost, so that no debit stays charged for a job that never ran.
type Sweeper struct {
	svc *Service
	cfg SweeperConfig
}

// NewSweeper creates a sweeper over the service's index and ledger.
func NewSweeper(svc *Service, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 15 * time.Minute
	}
	if cfg.DebitWindow <= 0 {
		cfg.DebitWindow = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultSweepBatch
	}
	return &Sweeper{svc: svc, cfg: cfg}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.Interval).Dur("max_age", s.cfg.MaxAge).Msg("Job sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Job sweeper stopped")
			return
		case <-ticker.C:
		}

		start := time.Now()
		stats, err := s.Sweep(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Sweep failed")
			continue
		}
		if stats.TimedOut > 0 || stats.Reconciled > 0 || stats.DebitsRefund > 0 {
			log.Info().
				Int("stale_jobs", stats.StaleJobs).
				Int("timed_out", stats.TimedOut).
				Int("reconciled", stats.Reconciled).
				Int("debits_checked", stats.DebitsChecked).
				Int("debits_refunded", stats.DebitsRefund).
				Dur("took", time.Since(start)).
				Msg("Sweep done")
		}
	}
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := s.svc.now()
	cutoff := now.Add(-s.cfg.MaxAge)

	stale, err := s.svc.jobs.ListStale(ctx, cutoff, s.cfg.Batch)
	if err != nil {
		return stats, err
	}
	stats.StaleJobs = len(stale)
	for _, j := range stale {
		if s.settleStaleJob(ctx, j) {
			stats.TimedOut++
		} else {
			stats.Reconciled++
		}
	}

	// Settled debits stay unrefunded, so the whole window is paged through.
	from := cutoff.Add(-s.cfg.DebitWindow)
	var afterID int64
	for {
		debits, err := s.svc.ledger.UnsettledDebits(ctx, from, cutoff, afterID, s.cfg.Batch)
		if err != nil {
			return stats, err
		}
		stats.DebitsChecked += len(debits)
		for i := range debits {
			if s.settleDebit(ctx, &debits[i]) {
				stats.DebitsRefund++
			}
		}
		if len(debits) < s.cfg.Batch || ctx.Err() != nil {
			break
		}
		afterID = debits[len(debits)-1].ID
	}

	if p, ok := s.svc.jobs.(pruner); ok {
		stats.Pruned = p.Prune(ctx, now.Add(-s.cfg.Retention))
	}
	if c, ok := s.svc.jobs.(processingCounter); ok {
		if n, err := c.CountProcessing(ctx); err == nil {
			metrics.JobsInFlight.Set(float64(n))
		}
	}

	return stats, nil
}

// settleStaleJob polls a job that outlived MaxAge once more. Whatever is not
// settled by then is failed and refunded. Returns true when the job timed out.
func (s *Sweeper) settleStaleJob(ctx context.Context, j *job.Job) bool {
	ctx = logger.With(ctx, map[string]string{"job_id": j.ID})

	if j.RequestID == "" {
		s.svc.fail(ctx, j, abandonedMessage, ledger.ReasonSubmissionAbandon)
		return true
	}

	res, err := s.poll(ctx, j.RequestID)
	if err == nil && (res.Status == eternal.StatusFailed || (res.Status == eternal.StatusSuccess && res.ResultURL != "")) {
		s.svc.apply(ctx, j, j.RequestID, res)
		return false
	}

	s.svc.fail(ctx, j, timedOutMessage, ledger.ReasonGenerationTimeout)
	return true
}

// settleDebit reconciles one unrefunded debit older than MaxAge. Returns true
// when it was refunded.
func (s *Sweeper) settleDebit(ctx context.Context, c *ledger.Consumption) bool {
	l := logger.FromContext(ctx).With().Int64("consumption_id", c.ID).Str("user_id", c.UserID).Logger()

	if c.RequestID == nil {
		// The provider never accepted it and the submitting request did not clean up.
		reversal, err := s.svc.ledger.Refund(ctx, c.ID, ledger.ReasonSubmissionAbandon)
		if err != nil {
			l.Error().Err(err).Msg("Failed to refund abandoned debit")
			return false
		}
		return reversal != nil
	}

	requestID := *c.RequestID
	tracked, err := s.svc.jobs.Get(ctx, requestID)
	if err != nil && !errors.Is(err, job.ErrJobNotFound) {
		// Only a confirmed miss counts as a lost record.
		l.Warn().Err(err).Str("request_id", requestID).Msg("Job index unavailable, debit left for the next sweep")
		return false
	}
	if err == nil {
		switch tracked.Status {
		case job.StatusFailed:
			// The job failed but its refund did not go through.
			reversal, err := s.svc.ledger.Refund(ctx, c.ID, ledger.ReasonReconciledFailure)
			if err != nil {
				l.Error().Err(err).Msg("Failed to retry refund")
				return false
			}
			return reversal != nil
		default:
			return false
		}
	}

	res, err := s.poll(ctx, requestID)
	if err != nil {
		l.Warn().Err(err).Str("request_id", requestID).Msg("Could not reconcile debit")
		return false
	}

	owner := c.UserID
	record := job.NewJob(uuid.NewString(), "", "", &owner, c.CreatedAt)
	record.RequestID = requestID
	record.ConsumptionID = &c.ID

	refunded := false
	switch {
	case res.Status == eternal.StatusSuccess && res.ResultURL != "":
		record.MarkSuccess(res.ResultURL, s.svc.now())
	case res.Status == eternal.StatusFailed:
		msg := res.Error
		if msg == "" {
			msg = eternal.DefaultFailureMessage
		}
		record.MarkFailure(msg, s.svc.now())
		refunded = s.refundLost(ctx, requestID, ledger.ReasonReconciledFailure)
	default:
		record.MarkFailure(timedOutMessage, s.svc.now())
		refunded = s.refundLost(ctx, requestID, ledger.ReasonGenerationTimeout)
	}

	// Remember the outcome so later sweeps skip this debit.
	if err := s.svc.jobs.Create(ctx, record); err != nil {
		l.Warn().Err(err).Str("request_id", requestID).Msg("Failed to record reconciled job")
	}
	l.Info().Str("request_id", requestID).Str("status", string(record.Status)).Msg("Reconciled untracked debit")
	return refunded
}

func (s *Sweeper) refundLost(ctx context.Context, requestID, reason string) bool {
	reversal, err := s.svc.ledger.RefundByRequest(ctx, requestID, reason)
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("request_id", requestID).Msg("Failed to refund untracked debit")
		return false
	}
	return reversal != nil
}

func (s *Sweeper) poll(ctx context.Context, requestID string) (*eternal.PollResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.svc.cfg.PollTimeout)
	defer cancel()

	started := time.Now()
	res, err := s.svc.provider.Poll(pollCtx, requestID)
	if err != nil {
		metrics.ObserveProvider("poll", "error", started)
		return nil, err
	}
	metrics.ObserveProvider("poll", string(res.Status), started)
	return res, nil
}
