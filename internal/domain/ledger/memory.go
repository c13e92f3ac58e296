package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. A single mutex serialises every mutation,
// which gives the same per-user atomicity as the row locks of PostgresStore.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[string]*User
	charges      map[string]*Charge
	consumptions []*Consumption
	nextID       int64
	now          func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		charges: make(map[string]*Charge),
		nextID:  1,
		now:     time.Now,
	}
}

func (m *MemoryStore) ensureUserLocked(userID string, email *string) *User {
	now := m.now()
	u, ok := m.users[userID]
	if !ok {
		u = &User{ID: userID, CreatedAt: now, UpdatedAt: now}
		m.users[userID] = u
	}
	if email != nil && (u.Email == nil || *u.Email != *email) {
		e := *email
		u.Email = &e
		u.UpdatedAt = now
	}
	return u
}

func (m *MemoryStore) EnsureUser(ctx context.Context, userID string, email *string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.ensureUserLocked(userID, email)
	return copyUser(u), nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount int64, reason string) (*Consumption, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok || u.Credits < amount {
		return nil, ErrInsufficientCredit
	}

	u.Credits -= amount
	u.UpdatedAt = m.now()

	c := m.appendLocked(userID, amount, strPtr(reason), nil, false)
	return copyConsumption(c), nil
}

func (m *MemoryStore) AttachRequest(ctx context.Context, consumptionID int64, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findLocked(consumptionID)
	if c == nil || !c.IsDebit() {
		return ErrConsumptionNotFound
	}
	if c.RequestID != nil {
		if *c.RequestID == requestID {
			return nil
		}
		return ErrRequestAttached
	}
	c.RequestID = strPtr(requestID)
	return nil
}

func (m *MemoryStore) Refund(ctx context.Context, consumptionID int64, reason string) (*Consumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findLocked(consumptionID)
	if c == nil || !c.IsDebit() {
		return nil, ErrConsumptionNotFound
	}
	return m.refundLocked(c, reason), nil
}

func (m *MemoryStore) RefundByRequest(ctx context.Context, requestID, reason string) (*Consumption, error) {
	if requestID == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.consumptions {
		if c.IsDebit() && !c.Refunded && c.RequestID != nil && *c.RequestID == requestID {
			return m.refundLocked(c, reason), nil
		}
	}
	return nil, nil
}

// refundLocked flips the debit and writes its reversal. Returns nil if already refunded.
func (m *MemoryStore) refundLocked(debit *Consumption, reason string) *Consumption {
	if debit.Refunded {
		return nil
	}
	debit.Refunded = true

	u := m.ensureUserLocked(debit.UserID, nil)
	u.Credits += debit.CreditsUsed
	u.UpdatedAt = m.now()

	var requestID *string
	if debit.RequestID != nil {
		requestID = strPtr(*debit.RequestID)
	}
	reversal := m.appendLocked(debit.UserID, -debit.CreditsUsed, strPtr(reason), requestID, true)
	return copyConsumption(reversal)
}

func (m *MemoryStore) Grant(ctx context.Context, req GrantRequest) (*Charge, error) {
	if req.Credits <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.charges[req.EventID]; ok {
		return nil, ErrDuplicateEvent
	}

	u := m.ensureUserLocked(req.UserID, req.Email)
	u.Credits += req.Credits
	u.UpdatedAt = m.now()

	ch := &Charge{
		ID:           req.EventID,
		UserID:       req.UserID,
		PlanID:       req.PlanID,
		Quantity:     req.Quantity,
		CreditsAdded: req.Credits,
		AmountTotal:  req.AmountTotal,
		Currency:     req.Currency,
		CreatedAt:    m.now(),
	}
	m.charges[req.EventID] = ch

	out := *ch
	return &out, nil
}

func (m *MemoryStore) ListCharges(ctx context.Context, userID string, limit int) ([]Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	charges := make([]Charge, 0)
	for _, ch := range m.charges {
		if ch.UserID == userID {
			charges = append(charges, *ch)
		}
	}
	sort.Slice(charges, func(i, j int) bool {
		if charges[i].CreatedAt.Equal(charges[j].CreatedAt) {
			return charges[i].ID > charges[j].ID
		}
		return charges[i].CreatedAt.After(charges[j].CreatedAt)
	})
	if limit > 0 && len(charges) > limit {
		charges = charges[:limit]
	}
	return charges, nil
}

func (m *MemoryStore) ListConsumptions(ctx context.Context, userID string, limit int) ([]Consumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Consumption, 0)
	for i := len(m.consumptions) - 1; i >= 0; i-- {
		c := m.consumptions[i]
		if c.UserID != userID {
			continue
		}
		out = append(out, *copyConsumption(c))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUnsettledDebits(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]Consumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Consumption, 0)
	for _, c := range m.consumptions {
		if !c.IsDebit() || c.Refunded || c.ID <= afterID {
			continue
		}
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *copyConsumption(c))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) appendLocked(userID string, credits int64, reason, requestID *string, refunded bool) *Consumption {
	c := &Consumption{
		ID:          m.nextID,
		UserID:      userID,
		CreditsUsed: credits,
		Reason:      reason,
		RequestID:   requestID,
		Refunded:    refunded,
		CreatedAt:   m.now(),
	}
	m.nextID++
	m.consumptions = append(m.consumptions, c)
	return c
}

func (m *MemoryStore) findLocked(id int64) *Consumption {
	// ids are dense and start at 1
	if id <= 0 || id > int64(len(m.consumptions)) {
		return nil
	}
	return m.consumptions[id-1]
}

func copyUser(u *User) *User {
	out := *u
	if u.Email != nil {
		out.Email = strPtr(*u.Email)
	}
	return &out
}

func copyConsumption(c *Consumption) *Consumption {
	out := *c
	if c.Reason != nil {
		out.Reason = strPtr(*c.Reason)
	}
	if c.RequestID != nil {
		out.RequestID = strPtr(*c.RequestID)
	}
	return &out
}
