package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultScope is the budget scope used by the kernel for a project.
const DefaultScope = "default"

// Storage handles persistence of budget data. Reserve must be atomic with
// respect to every other Reserve on the same scope, including calls from
// other processes sharing the store.
type Storage interface {
	// Get returns nil, nil when the scope has no stored budget.
	Get(ctx context.Context, scope string) (*Budget, error)
	// Reserve adds delta pence to the scope's usage for day. Usage stored for
	// another day counts as zero. A positive delta is applied only if the
	// result stays within limit; a negative delta always applies and usage
	// never drops below zero. It returns the usage after the call and whether
	// delta was applied.
	Reserve(ctx context.Context, scope, day string, delta, limit int64, now time.Time) (used int64, ok bool, err error)
	// Limit returns ok=false when no limit is stored for the scope.
	Limit(ctx context.Context, scope string) (daily int64, ok bool, err error)
	SetLimit(ctx context.Context, scope string, daily int64) error
}

// SimpleEnforcer implements fail-closed daily budget enforcement. Reservations
// are made atomically by the Storage, so any number of enforcers may share one.
type SimpleEnforcer struct {
	storage      Storage
	defaultLimit int64
	clock        func() time.Time
	logger       *slog.Logger
}

// NewSimpleEnforcer creates an enforcer whose scopes default to defaultLimit
// pence per day until SetLimit is called.
func NewSimpleEnforcer(s Storage, defaultLimit int64) *SimpleEnforcer {
	return NewSimpleEnforcerWithClock(s, defaultLimit, time.Now)
}

func NewSimpleEnforcerWithClock(s Storage, defaultLimit int64, clock func() time.Time) *SimpleEnforcer {
	return &SimpleEnforcer{
		storage:      s,
		defaultLimit: defaultLimit,
		clock:        clock,
		logger:       slog.Default().With("component", "budget"),
	}
}

func (e *SimpleEnforcer) SetLimit(ctx context.Context, scope string, daily int64) error {
	return e.storage.SetLimit(ctx, scope, daily)
}

// GetBudget returns today's view of the scope, with usage reset if the stored
// budget belongs to an earlier day.
func (e *SimpleEnforcer) GetBudget(ctx context.Context, scope string) (*Budget, error) {
	return e.load(ctx, scope)
}

func (e *SimpleEnforcer) load(ctx context.Context, scope string) (*Budget, error) {
	now := e.clock().UTC()
	today := now.Format(time.DateOnly)

	b, err := e.storage.Get(ctx, scope)
	if err != nil {
		return nil, err
	}
	limit, err := e.limit(ctx, scope)
	if err != nil {
		return nil, err
	}

	if b == nil {
		b = &Budget{Scope: scope, Day: today, LastUpdated: now}
	}
	b.DailyLimit = limit
	if b.Day != today {
		b.Day = today
		b.DailyUsed = 0
	}
	return b, nil
}

func (e *SimpleEnforcer) limit(ctx context.Context, scope string) (int64, error) {
	limit, ok, err := e.storage.Limit(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("fetch limit: %w", err)
	}
	if !ok {
		limit = e.defaultLimit
	}
	return limit, nil
}

// Check verifies if a cost can be incurred and reserves it. Fails closed on errors.
func (e *SimpleEnforcer) Check(ctx context.Context, scope string, cost Cost) (*Decision, error) {
	now := e.clock().UTC()
	today := now.Format(time.DateOnly)

	fail := func(err error) (*Decision, error) {
		e.logger.ErrorContext(ctx, "budget check failed", "scope", scope, "error", err)
		return &Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("check failed: %v", err),
			Receipt: e.createReceipt(scope, "denied", cost.Pence, "internal_error"),
		}, err
	}

	limit, err := e.limit(ctx, scope)
	if err != nil {
		return fail(err)
	}
	used, ok, err := e.storage.Reserve(ctx, scope, today, cost.Pence, limit, now)
	if err != nil {
		return fail(err)
	}
	b := &Budget{Scope: scope, DailyLimit: limit, DailyUsed: used, Day: today, LastUpdated: now}

	if !ok {
		e.logger.WarnContext(ctx, "daily limit exceeded", "scope", scope, "would_be", used+cost.Pence, "limit", limit)
		return &Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("daily limit exceeded: %d > %d", used+cost.Pence, limit),
			Remaining: b,
			Receipt:   e.createReceipt(scope, "denied", cost.Pence, "daily_limit_exceeded"),
		}, nil
	}
	return &Decision{
		Allowed:   true,
		Reason:    "within limits",
		Remaining: b,
		Receipt:   e.createReceipt(scope, "allowed", cost.Pence, "ok"),
	}, nil
}

// Release returns a reserved cost to today's budget.
func (e *SimpleEnforcer) Release(ctx context.Context, scope string, cost Cost) error {
	now := e.clock().UTC()
	if _, _, err := e.storage.Reserve(ctx, scope, now.Format(time.DateOnly), -cost.Pence, 0, now); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (e *SimpleEnforcer) createReceipt(scope, action string, cost int64, reason string) *EnforcementReceipt {
	return &EnforcementReceipt{
		ID:        uuid.New().String(),
		Scope:     scope,
		Action:    action,
		CostPence: cost,
		Reason:    reason,
		Timestamp: e.clock().UTC(),
	}
}
