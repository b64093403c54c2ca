package recoupment

import "time"

// AccountKind enumerates what the outstanding balance originated from.
type AccountKind string

const (
	KindAdvance AccountKind = "ADVANCE"
	KindLoan    AccountKind = "LOAN"
)

// Account is a recoupable balance held against a user's future earnings.
// Creation is owned by the advance-issuance process; this engine owns all
// mutation. Once RemainingBalance reaches zero the account is deactivated
// and never touched again.
type Account struct {
	ID               int64
	UserID           int64
	Kind             AccountKind
	OriginalAmount   float64
	RemainingBalance float64
	RecoupedAmount   float64
	// RecoupmentRate is the fraction (0–1) of available earnings this
	// account may claim in a single waterfall pass.
	RecoupmentRate  float64
	Priority        int
	IsActive        bool
	FullyRecoupedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Result records one account's movement in a waterfall pass.
type Result struct {
	AccountID       int64
	PreviousBalance float64
	AmountApplied   float64
	NewBalance      float64
	IsFullyRecouped bool
}
