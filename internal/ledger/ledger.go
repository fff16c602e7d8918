// Package ledger owns the credit semantics layered over a user record store:
// onboarding allowance, the atomic per-request debit, top-offs and resets.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"requirements-agent/internal/domain"
)

// Store is the durable user record store. DecrementCredits must perform the
// balance check and the write as one atomic step.
type Store interface {
	GetUser(ctx context.Context, userID string) (domain.UserRecord, error)
	CreateUser(ctx context.Context, rec domain.UserRecord) (bool, error)
	DecrementCredits(ctx context.Context, userID string, at time.Time) (int, error)
	IncrementCredits(ctx context.Context, userID string, amount int, at time.Time) (int, error)
	SetCredits(ctx context.Context, userID string, value int, at time.Time) (int, error)
	RecordPurchase(ctx context.Context, p domain.Purchase) (int, error)
}

// Plan is a named credit top-off package.
type Plan struct {
	Name    string `json:"name"`
	Credits int    `json:"credits"`
}

// Plans is the fixed top-off catalogue.
var Plans = []Plan{
	{Name: "Starter Pack", Credits: 100},
	{Name: "Pro Pack", Credits: 1000},
	{Name: "Enterprise Pack", Credits: 10000},
}

// Ledger is safe for concurrent use; all state lives in the Store.
type Ledger struct {
	store           Store
	startingCredits int
	now             func() time.Time
	newID           func() string
}

type Option func(*Ledger)

// WithClock overrides the time source used for mutation timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithStartingCredits overrides the onboarding allowance.
func WithStartingCredits(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.startingCredits = n
		}
	}
}

func New(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store must not be nil")
	}
	l := &Ledger{
		store:           store,
		startingCredits: domain.DefaultStartingCredits,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// GetBalance returns the current balance or domain.ErrUserNotFound.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int, error) {
	rec, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, storeError("get balance", err)
	}
	return rec.Credits, nil
}

// TryDebit consumes one credit. It fails with domain.ErrInsufficientCredits,
// without writing, when the balance is zero or less.
func (l *Ledger) TryDebit(ctx context.Context, userID string) (int, error) {
	balance, err := l.store.DecrementCredits(ctx, userID, l.now())
	if err != nil {
		return 0, storeError("debit", err)
	}
	return balance, nil
}

// Credit adds amount, 1 to domain.MaxTopOff, to the balance. A top-off that
// would lift the balance over domain.MaxCredits fails with
// domain.ErrBalanceLimit and writes nothing.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 || amount > domain.MaxTopOff {
		return 0, domain.ErrInvalidAmount
	}
	balance, err := l.store.IncrementCredits(ctx, userID, amount, l.now())
	if err != nil {
		return 0, storeError("credit", err)
	}
	return balance, nil
}

// ResetToZero sets the balance to zero. Repeated calls are harmless.
func (l *Ledger) ResetToZero(ctx context.Context, userID string) error {
	if _, err := l.store.SetCredits(ctx, userID, 0, l.now()); err != nil {
		return storeError("reset", err)
	}
	return nil
}

// EnsureAccount creates the record for a newly verified identity, seeded with
// the starting allowance, and returns the stored record either way.
func (l *Ledger) EnsureAccount(ctx context.Context, p domain.Profile) (domain.UserRecord, bool, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return domain.UserRecord{}, false, errors.New("ledger: user id is required")
	}
	now := l.now()
	created, err := l.store.CreateUser(ctx, domain.UserRecord{
		UserID:    p.UserID,
		Email:     p.Email,
		Name:      p.Name,
		PhotoURL:  p.PhotoURL,
		Credits:   l.startingCredits,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.UserRecord{}, false, storeError("create account", err)
	}
	rec, err := l.store.GetUser(ctx, p.UserID)
	if err != nil {
		return domain.UserRecord{}, false, storeError("load account", err)
	}
	return rec, created, nil
}

// Purchase credits the user with the named plan and records the purchase.
func (l *Ledger) Purchase(ctx context.Context, userID, planName string) (int, error) {
	plan, ok := FindPlan(planName)
	if !ok {
		return 0, domain.ErrUnknownPlan
	}
	if plan.Credits <= 0 || plan.Credits > domain.MaxTopOff {
		return 0, domain.ErrInvalidAmount
	}
	balance, err := l.store.RecordPurchase(ctx, domain.Purchase{
		ID:        l.newID(),
		UserID:    userID,
		Plan:      plan.Name,
		Credits:   plan.Credits,
		CreatedAt: l.now(),
	})
	if err != nil {
		return 0, storeError("purchase", err)
	}
	return balance, nil
}

// FindPlan looks a plan up by name, ignoring case and surrounding space.
func FindPlan(name string) (Plan, bool) {
	name = strings.TrimSpace(name)
	for _, p := range Plans {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Plan{}, false
}

// storeError keeps the ledger's own failures intact and folds everything else
// into domain.ErrStoreUnavailable.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrInsufficientCredits),
		errors.Is(err, domain.ErrBalanceLimit),
		errors.Is(err, domain.ErrStoreUnavailable):
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
