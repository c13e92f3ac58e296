package payment

// Event is a payment provider event the ledger cares about.
// Concrete types are CheckoutCompleted and Ignored.
type Event interface {
	EventID() string
	isEvent()
}

// LineItem is one purchased plan.
type LineItem struct {
	PlanID   string
	Quantity int64
}

// CheckoutCompleted is a paid checkout session.
type CheckoutCompleted struct {
	ID          string
	SessionID   string
	UserID      string
	Email       *string
	LineItems   []LineItem
	AmountTotal int64
	Currency    string
}

func (e CheckoutCompleted) EventID() string { return e.ID }
func (CheckoutCompleted) isEvent()          {}

// Ignored is any event type without a ledger effect.
type Ignored struct {
	ID   string
	Type string
}

func (e Ignored) EventID() string { return e.ID }
func (Ignored) isEvent()          {}

// Outcome is what applying an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)
