package ledger

import "time"

// Reasons recorded on consumption rows.
const (
	ReasonImageEdit         = "image_edit"
	ReasonSubmissionFailed  = "refund:submission_failed"
	ReasonGenerationFailed  = "refund:generation_failed"
	ReasonGenerationTimeout = "refund:generation_timeout"
	ReasonSubmissionAbandon = "refund:submission_abandoned"
	ReasonReconciledFailure = "refund:reconciled_failure"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// User is the balance holder. Credits is the cached balance.
type User struct {
	ID        string    `db:"uid" json:"uid"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Credits   int64     `db:"credits" json:"credits"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Charge records one applied payment event. ID is the provider event id.
type Charge struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"uid" json:"uid"`
	PlanID       *string   `db:"plan_id" json:"plan_id,omitempty"`
	Quantity     int64     `db:"quantity" json:"quantity"`
	CreditsAdded int64     `db:"credits_added" json:"credits_added"`
	AmountTotal  int64     `db:"amount_total" json:"amount_total"`
	Currency     string    `db:"currency" json:"currency"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Consumption is one credit-affecting ledger row.
// A positive CreditsUsed is a debit, a negative one the reversal written by a refund.
type Consumption struct {
	ID          int64     `db:"id" json:"id"`
	UserID      string    `db:"uid" json:"uid"`
	CreditsUsed int64     `db:"credits_used" json:"credits_used"`
	Reason      *string   `db:"reason" json:"reason,omitempty"`
	RequestID   *string   `db:"request_id" json:"request_id,omitempty"`
	Refunded    bool      `db:"refunded" json:"refunded"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// IsDebit reports whether the row charged the user.
func (c *Consumption) IsDebit() bool {
	return c.CreditsUsed > 0
}

// GrantRequest describes credits bought through one payment event.
type GrantRequest struct {
	EventID     string
	UserID      string
	Email       *string
	PlanID      *string
	Quantity    int64
	Credits     int64
	AmountTotal int64
	Currency    string
}

// History is a user's ledger, newest first.
type History struct {
	Charges      []Charge      `json:"charges"`
	Consumptions []Consumption `json:"consumptions"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
