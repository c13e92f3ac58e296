package edit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/photoedit/photoedit-api/internal/domain/job"
	"github.com/photoedit/photoedit-api/internal/domain/ledger"
	"github.com/photoedit/photoedit-api/internal/pkg/eternal"
)

func shiftClock(svc *Service, d time.Duration) {
	svc.now = func() time.Time { return time.Now().Add(d) }
}

func TestSweeperTimesOutStaleJobs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fund(t, "u1", 5)

	out, err := f.svc.SubmitJob(ctx, editRequest(t, "u1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sweeper := NewSweeper(f.svc, SweeperConfig{MaxAge: 15 * time.Minute})

	stats, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.StaleJobs != 0 {
		t.Fatalf("fresh jobs are not stale, got %+v", stats)
	}

	shiftClock(f.svc, time.Hour)
	stats, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.TimedOut != 1 {
		t.Fatalf("expected one timed out job, got %+v", stats)
	}

	j, _ := f.jobs.Get(ctx, out.RequestID)
	if j.Status != job.StatusFailed || j.Error != timedOutMessage {
		t.Fatalf("unexpected job %+v", j)
	}
	if b := f.balance(t, "u1"); b != 5 {
		t.Fatalf("expected refund, got %d", b)
	}

	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if b := f.balance(t, "u1"); b != 5 {
		t.Fatalf("second sweep must not refund again, got %d", b)
	}
}

func TestSweeperSettlesFinishedStaleJobs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fund(t, "u1", 5)

	out, _ := f.svc.SubmitJob(ctx, editRequest(t, "u1"))
	f.provider.set(out.RequestID, eternal.StatusSuccess, "https://cdn.example.com/out.png", "")

	shiftClock(f.svc, time.Hour)
	stats, err := NewSweeper(f.svc, SweeperConfig{MaxAge: 15 * time.Minute}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Reconciled != 1 || stats.TimedOut != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if b := f.balance(t, "u1"); b != 4 {
		t.Fatalf("successful job keeps its debit, got %d", b)
	}
}

func TestSweeperRefundsDebitsOfLostJobs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fund(t, "u1", 5)

	lost, _ := f.svc.SubmitJob(ctx, editRequest(t, "u1"))
	done, _ := f.svc.SubmitJob(ctx, editRequest(t, "u1"))
	f.provider.set(done.RequestID, eternal.StatusSuccess, "https://cdn.example.com/done.png", "")

	restarted := f.withFreshIndex()
	shiftClock(restarted.svc, time.Hour)
	sweeper := NewSweeper(restarted.svc, SweeperConfig{MaxAge: 15 * time.Minute})

	stats, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.DebitsChecked != 2 || stats.DebitsRefund != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if b := f.balance(t, "u1"); b != 4 {
		t.Fatalf("expected only the lost job refunded, got %d", b)
	}
	if d := f.debitFor(t, "u1", lost.RequestID); !d.Refunded {
		t.Fatal("lost job's debit should be refunded")
	}

	polls := f.provider.pollCount()
	stats, _ = sweeper.Sweep(ctx)
	if stats.DebitsRefund != 0 {
		t.Fatalf("nothing left to refund, got %+v", stats)
	}
	if f.provider.pollCount() != polls {
		t.Fatal("reconciled debits should not be polled again")
	}
	if b := f.balance(t, "u1"); b != 4 {
		t.Fatalf("balance changed on second sweep: %d", b)
	}

	st, _ := restarted.svc.GetJobStatus(ctx, done.RequestID)
	if st.Status != job.StatusSuccess || st.ResultURL != "https://cdn.example.com/done.png" {
		t.Fatalf("reconciled job should be tracked again, got %+v", st)
	}
}

func TestSweeperRefundsAbandonedDebits(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fund(t, "u1", 2)

	// A debit whose submission never recorded a request id.
	if _, err := f.ledger.Debit(ctx, "u1", 1, ledger.ReasonImageEdit); err != nil {
		t.Fatalf("debit: %v", err)
	}

	shiftClock(f.svc, time.Hour)
	stats, err := NewSweeper(f.svc, SweeperConfig{MaxAge: 15 * time.Minute}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.DebitsRefund != 1 {
		t.Fatalf("expected abandoned debit refunded, got %+v", stats)
	}
	if b := f.balance(t, "u1"); b != 2 {
		t.Fatalf("expected 2, got %d", b)
	}
}

// unreachableIndex fails every lookup, as a Redis index does while the
// server is down.
type unreachableIndex struct {
	*job.MemoryIndex
	err error
}

func (u *unreachableIndex) Get(ctx context.Context, key string) (*job.Job, error) {
	return nil, u.err
}

func TestSweeperLeavesDebitsAloneWhenIndexIsDown(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fund(t, "u1", 5)

	out, _ := f.svc.SubmitJob(ctx, editRequest(t, "u1"))
	f.provider.set(out.RequestID, eternal.StatusSuccess, "https://cdn.example.com/out.png", "")
	if st, _ := f.svc.GetJobStatus(ctx, out.RequestID); st.Status != job.StatusSuccess {
		t.Fatalf("expected success, got %+v", st)
	}
	// The provider has since forgotten the request.
	f.provider.set(out.RequestID, eternal.StatusProcessing, "", "")

	down := &unreachableIndex{MemoryIndex: f.jobs, err: errors.New("redis: connection refused")}
	svc := NewService(f.svc.cfg, f.ledger, down, f.provider, f.svc.normalizer, nil)
	shiftClock(svc, time.Hour)

	stats, err := NewSweeper(svc, SweeperConfig{MaxAge: 15 * time.Minute}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.DebitsChecked != 1 || stats.DebitsRefund != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if b := f.balance(t, "u1"); b != 4 {
		t.Fatalf("successful edit must keep its debit, got balance %d", b)
	}

	j, err := f.jobs.Get(ctx, out.RequestID)
	if err != nil || j.Status != job.StatusSuccess {
		t.Fatalf("success must stay success, got %+v %v", j, err)
	}
}

func TestSweeperPagesPastSettledDebits(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.fund(t, "u1", 30)

	for i := 0; i < 25; i++ {
		out, err := f.svc.SubmitJob(ctx, editRequest(t, "u1"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		f.provider.set(out.RequestID, eternal.StatusSuccess, "https://cdn.example.com/out.png", "")
		f.svc.GetJobStatus(ctx, out.RequestID)
	}

	// Newest debit: its submission never recorded a request id.
	if _, err := f.ledger.Debit(ctx, "u1", 1, ledger.ReasonImageEdit); err != nil {
		t.Fatalf("debit: %v", err)
	}

	shiftClock(f.svc, time.Hour)
	stats, err := NewSweeper(f.svc, SweeperConfig{MaxAge: 15 * time.Minute, Batch: 10}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.DebitsChecked != 26 || stats.DebitsRefund != 1 {
		t.Fatalf("expected every page checked and the abandoned debit refunded, got %+v", stats)
	}
	if b := f.balance(t, "u1"); b != 5 {
		t.Fatalf("expected balance 5, got %d", b)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewSweeper(f.svc, SweeperConfig{Interval: 5 * time.Millisecond}).Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
