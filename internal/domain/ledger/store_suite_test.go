package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// runStoreSuite exercises the ledger properties every Store must hold.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("DebitWithoutBalance", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()

		if _, err := store.EnsureUser(ctx, uid, nil); err != nil {
			t.Fatalf("ensure user: %v", err)
		}
		if _, err := store.Debit(ctx, uid, 1, ReasonImageEdit); !errors.Is(err, ErrInsufficientCredit) {
			t.Fatalf("expected ErrInsufficientCredit, got %v", err)
		}
		if _, err := store.Debit(ctx, testUserID(), 1, ReasonImageEdit); !errors.Is(err, ErrInsufficientCredit) {
			t.Fatalf("unknown user: expected ErrInsufficientCredit, got %v", err)
		}

		assertBalance(t, store, uid, 0)
		consumptions, _ := store.ListConsumptions(ctx, uid, 10)
		if len(consumptions) != 0 {
			t.Fatalf("failed debit must not write rows, got %d", len(consumptions))
		}
	})

	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()
		grant(t, store, uid, 5)

		const goroutines = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		success := 0

		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Debit(ctx, uid, 1, ReasonImageEdit)
				if err == nil {
					mu.Lock()
					success++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrInsufficientCredit) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if success != 5 {
			t.Fatalf("expected 5 successful debits, got %d", success)
		}
		assertBalance(t, store, uid, 0)
		assertInvariant(t, store, uid)
	})

	t.Run("RefundIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()
		grant(t, store, uid, 5)

		debit, err := store.Debit(ctx, uid, 1, ReasonImageEdit)
		if err != nil {
			t.Fatalf("debit: %v", err)
		}
		requestID := "req-" + uuid.NewString()
		if err := store.AttachRequest(ctx, debit.ID, requestID); err != nil {
			t.Fatalf("attach request: %v", err)
		}
		assertBalance(t, store, uid, 4)

		reversal, err := store.Refund(ctx, debit.ID, ReasonGenerationFailed)
		if err != nil {
			t.Fatalf("refund: %v", err)
		}
		if reversal == nil || reversal.CreditsUsed != -1 || !reversal.Refunded {
			t.Fatalf("unexpected reversal %+v", reversal)
		}
		if reversal.RequestID == nil || *reversal.RequestID != requestID {
			t.Fatal("reversal must carry the debit's request id")
		}

		again, err := store.Refund(ctx, debit.ID, ReasonGenerationFailed)
		if err != nil || again != nil {
			t.Fatalf("second refund must be a no-op, got %+v / %v", again, err)
		}
		byRequest, err := store.RefundByRequest(ctx, requestID, ReasonGenerationFailed)
		if err != nil || byRequest != nil {
			t.Fatalf("refund by request after refund must be a no-op, got %+v / %v", byRequest, err)
		}

		assertBalance(t, store, uid, 5)
		assertInvariant(t, store, uid)

		consumptions, _ := store.ListConsumptions(ctx, uid, 10)
		if len(consumptions) != 2 {
			t.Fatalf("expected debit and reversal, got %d rows", len(consumptions))
		}
		for _, c := range consumptions {
			if !c.Refunded {
				t.Fatalf("row %d should be marked refunded", c.ID)
			}
		}
	})

	t.Run("ConcurrentRefundsApplyOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()
		grant(t, store, uid, 3)

		debit, err := store.Debit(ctx, uid, 2, ReasonImageEdit)
		if err != nil {
			t.Fatalf("debit: %v", err)
		}
		requestID := "req-" + uuid.NewString()
		if err := store.AttachRequest(ctx, debit.ID, requestID); err != nil {
			t.Fatalf("attach: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					_, err = store.Refund(ctx, debit.ID, ReasonGenerationFailed)
				} else {
					_, err = store.RefundByRequest(ctx, requestID, ReasonGenerationFailed)
				}
				if err != nil {
					t.Errorf("refund: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assertBalance(t, store, uid, 3)
		assertInvariant(t, store, uid)
	})

	t.Run("RefundByUnknownRequestIsNoop", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		reversal, err := store.RefundByRequest(ctx, "req-never-seen-"+uuid.NewString(), ReasonGenerationFailed)
		if err != nil || reversal != nil {
			t.Fatalf("expected silent no-op, got %+v / %v", reversal, err)
		}
		reversal, err = store.RefundByRequest(ctx, "", ReasonGenerationFailed)
		if err != nil || reversal != nil {
			t.Fatalf("expected silent no-op for empty id, got %+v / %v", reversal, err)
		}
	})

	t.Run("RefundUnknownConsumption", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Refund(context.Background(), 987654321, ReasonGenerationFailed); !errors.Is(err, ErrConsumptionNotFound) {
			t.Fatalf("expected ErrConsumptionNotFound, got %v", err)
		}
	})

	t.Run("AttachRequestOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()
		grant(t, store, uid, 1)

		debit, err := store.Debit(ctx, uid, 1, ReasonImageEdit)
		if err != nil {
			t.Fatalf("debit: %v", err)
		}
		if err := store.AttachRequest(ctx, debit.ID, "req-a"+uid); err != nil {
			t.Fatalf("attach: %v", err)
		}
		if err := store.AttachRequest(ctx, debit.ID, "req-a"+uid); err != nil {
			t.Fatalf("re-attaching the same id should succeed: %v", err)
		}
		if err := store.AttachRequest(ctx, debit.ID, "req-b"+uid); !errors.Is(err, ErrRequestAttached) {
			t.Fatalf("expected ErrRequestAttached, got %v", err)
		}
	})

	t.Run("DuplicateGrantAppliedOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()
		eventID := "evt_" + uuid.NewString()
		plan := "price_10"

		req := GrantRequest{EventID: eventID, UserID: uid, PlanID: &plan, Quantity: 1, Credits: 10, AmountTotal: 4000, Currency: "jpy"}
		if _, err := store.Grant(ctx, req); err != nil {
			t.Fatalf("first grant: %v", err)
		}
		if _, err := store.Grant(ctx, req); !errors.Is(err, ErrDuplicateEvent) {
			t.Fatalf("expected ErrDuplicateEvent, got %v", err)
		}

		assertBalance(t, store, uid, 10)
		charges, _ := store.ListCharges(ctx, uid, 10)
		if len(charges) != 1 || charges[0].ID != eventID {
			t.Fatalf("expected exactly one charge %s, got %+v", eventID, charges)
		}
	})

	t.Run("EnsureUserEmailLastWriteWins", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()
		first, second := "first@example.com", "second@example.com"

		if _, err := store.EnsureUser(ctx, uid, &first); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		u, err := store.EnsureUser(ctx, uid, &second)
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if u.Email == nil || *u.Email != second {
			t.Fatalf("expected latest email, got %v", u.Email)
		}

		u, err = store.EnsureUser(ctx, uid, nil)
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if u.Email == nil || *u.Email != second {
			t.Fatal("a missing email must not clear the stored one")
		}
		if u.Credits != 0 {
			t.Fatalf("new user should start with 0 credits, got %d", u.Credits)
		}
	})

	t.Run("BalanceInvariantAfterMixedSequence", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()

		grant(t, store, uid, 10)
		grant(t, store, uid, 2)

		var debits []*Consumption
		for i := 0; i < 4; i++ {
			d, err := store.Debit(ctx, uid, 2, ReasonImageEdit)
			if err != nil {
				t.Fatalf("debit %d: %v", i, err)
			}
			debits = append(debits, d)
		}
		if _, err := store.Refund(ctx, debits[1].ID, ReasonGenerationFailed); err != nil {
			t.Fatalf("refund: %v", err)
		}
		if _, err := store.Refund(ctx, debits[3].ID, ReasonSubmissionFailed); err != nil {
			t.Fatalf("refund: %v", err)
		}

		assertBalance(t, store, uid, 12-8+4)
		assertInvariant(t, store, uid)
	})

	t.Run("ListUnsettledDebits", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()
		grant(t, store, uid, 3)

		kept, _ := store.Debit(ctx, uid, 1, ReasonImageEdit)
		refunded, _ := store.Debit(ctx, uid, 1, ReasonImageEdit)
		if _, err := store.Refund(ctx, refunded.ID, ReasonGenerationFailed); err != nil {
			t.Fatalf("refund: %v", err)
		}

		now := time.Now()
		debits, err := store.ListUnsettledDebits(ctx, now.Add(-time.Hour), now.Add(time.Hour), 0, 1000)
		if err != nil {
			t.Fatalf("list: %v", err)
		}

		found := false
		for _, d := range debits {
			if d.ID == refunded.ID {
				t.Fatal("refunded debit must not be listed")
			}
			if d.ID == kept.ID {
				found = true
			}
		}
		if !found {
			t.Fatal("expected unrefunded debit to be listed")
		}

		debits, _ = store.ListUnsettledDebits(ctx, now.Add(time.Hour), now.Add(2*time.Hour), 0, 1000)
		for _, d := range debits {
			if d.ID == kept.ID {
				t.Fatal("debit outside the window must not be listed")
			}
		}
	})

	t.Run("ListUnsettledDebitsPages", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		uid := testUserID()
		grant(t, store, uid, 5)

		ids := make(map[int64]bool)
		for i := 0; i < 5; i++ {
			d, err := store.Debit(ctx, uid, 1, ReasonImageEdit)
			if err != nil {
				t.Fatalf("debit: %v", err)
			}
			ids[d.ID] = true
		}

		now := time.Now()
		var afterID int64
		seen := 0
		for {
			debits, err := store.ListUnsettledDebits(ctx, now.Add(-time.Hour), now.Add(time.Hour), afterID, 2)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			for _, d := range debits {
				if d.ID <= afterID {
					t.Fatalf("page returned id %d not after cursor %d", d.ID, afterID)
				}
				if ids[d.ID] {
					seen++
				}
				afterID = d.ID
			}
			if len(debits) < 2 {
				break
			}
		}
		if seen != len(ids) {
			t.Fatalf("expected to page through %d debits, saw %d", len(ids), seen)
		}
	})
}

func testUserID() string {
	return "test-" + uuid.NewString()
}

func grant(t *testing.T, store Store, uid string, credits int64) {
	t.Helper()
	_, err := store.Grant(context.Background(), GrantRequest{
		EventID:  "evt_" + uuid.NewString(),
		UserID:   uid,
		Quantity: 1,
		Credits:  credits,
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func assertBalance(t *testing.T, store Store, uid string, want int64) {
	t.Helper()
	u, err := store.GetUser(context.Background(), uid)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) && want == 0 {
			return
		}
		t.Fatalf("get user: %v", err)
	}
	if u.Credits != want {
		t.Fatalf("expected balance %d, got %d", want, u.Credits)
	}
}

// assertInvariant checks balance == sum(charges) - sum(consumptions).
func assertInvariant(t *testing.T, store Store, uid string) {
	t.Helper()
	ctx := context.Background()

	u, err := store.GetUser(ctx, uid)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	charges, _ := store.ListCharges(ctx, uid, 10000)
	consumptions, _ := store.ListConsumptions(ctx, uid, 10000)

	var sum int64
	for _, ch := range charges {
		sum += ch.CreditsAdded
	}
	for _, c := range consumptions {
		sum -= c.CreditsUsed
	}
	if sum != u.Credits {
		t.Fatalf("ledger invariant broken: balance %d, entries sum to %d", u.Credits, sum)
	}
}
