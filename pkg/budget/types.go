// Package budget enforces the daily spend ceiling with fail-closed behavior.
// When a budget check fails or is uncertain, the spend is denied.
//
// Amounts are integer pence so that repeated small estimates never drift.
package budget

import (
	"context"
	"math"
	"time"
)

// Cost represents a cost estimate for one run.
type Cost struct {
	Pence  int64
	Reason string
}

// PenceFromGBP converts a pound amount to whole pence, rounding half up.
func PenceFromGBP(gbp float64) int64 {
	if gbp <= 0 || math.IsNaN(gbp) {
		return 0
	}
	return int64(math.Round(gbp * 100))
}

// Budget is the spend state of one scope for one UTC day.
type Budget struct {
	Scope       string    `json:"scope"`
	DailyLimit  int64     `json:"daily_limit"` // pence
	DailyUsed   int64     `json:"daily_used"`  // pence
	Day         string    `json:"day"`         // YYYY-MM-DD, UTC
	LastUpdated time.Time `json:"last_updated"`
}

// DailyRemaining returns how much budget is remaining for the day.
func (b *Budget) DailyRemaining() int64 {
	remaining := b.DailyLimit - b.DailyUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decision represents the result of a budget check.
type Decision struct {
	Allowed   bool                `json:"allowed"`
	Reason    string              `json:"reason"`
	Remaining *Budget             `json:"remaining,omitempty"`
	Receipt   *EnforcementReceipt `json:"receipt,omitempty"`
}

// EnforcementReceipt provides evidence of budget enforcement.
type EnforcementReceipt struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Action    string    `json:"action"` // "allowed" or "denied"
	CostPence int64     `json:"cost_pence"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Enforcer is the interface for budget enforcement.
type Enforcer interface {
	// Check reserves cost against today's budget if it fits. Fails closed on errors.
	Check(ctx context.Context, scope string, cost Cost) (*Decision, error)

	// Release returns a cost reserved by Check, for work that was not carried out.
	Release(ctx context.Context, scope string, cost Cost) error

	// GetBudget retrieves today's budget status for a scope.
	GetBudget(ctx context.Context, scope string) (*Budget, error)

	// SetLimit updates the daily limit for a scope.
	SetLimit(ctx context.Context, scope string, daily int64) error
}
