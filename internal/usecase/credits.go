package usecase

import (
	"context"
	"errors"
	"strings"

	"requirements-agent/internal/domain"
	"requirements-agent/internal/ledger"
)

// CreditLedger is the balance management surface of the credit ledger.
type CreditLedger interface {
	GetBalance(ctx context.Context, userID string) (int, error)
	Credit(ctx context.Context, userID string, amount int) (int, error)
	ResetToZero(ctx context.Context, userID string) error
	Purchase(ctx context.Context, userID, planName string) (int, error)
}

// CreditService exposes balance reads and the trusted top-off operations.
type CreditService struct {
	ledger CreditLedger
}

func NewCreditService(l CreditLedger) (*CreditService, error) {
	if l == nil {
		return nil, errors.New("usecase: credit ledger must not be nil")
	}
	return &CreditService{ledger: l}, nil
}

func (s *CreditService) Balance(ctx context.Context, userID string) (int, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return 0, err
	}
	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return 0, ledgerError(err)
	}
	return balance, nil
}

func (s *CreditService) TopOff(ctx context.Context, userID string, amount int) (int, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return 0, err
	}
	balance, err := s.ledger.Credit(ctx, userID, amount)
	if err != nil {
		return 0, ledgerError(err)
	}
	return balance, nil
}

func (s *CreditService) Reset(ctx context.Context, userID string) error {
	userID, err := requireUser(userID)
	if err != nil {
		return err
	}
	if err := s.ledger.ResetToZero(ctx, userID); err != nil {
		return ledgerError(err)
	}
	return nil
}

func (s *CreditService) Purchase(ctx context.Context, userID, plan string) (int, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return 0, err
	}
	balance, err := s.ledger.Purchase(ctx, userID, plan)
	if err != nil {
		return 0, ledgerError(err)
	}
	return balance, nil
}

// Plans lists the purchasable credit packages.
func (s *CreditService) Plans() []ledger.Plan {
	out := make([]ledger.Plan, len(ledger.Plans))
	copy(out, ledger.Plans)
	return out
}

func requireUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", newError(ErrorUnauthorized, "missing_user_id", nil)
	}
	return userID, nil
}

func ledgerError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return newError(ErrorInvalidInput, "invalid_amount", err)
	case errors.Is(err, domain.ErrBalanceLimit):
		return newError(ErrorInvalidInput, "balance_limit_exceeded", err)
	case errors.Is(err, domain.ErrUnknownPlan):
		return newError(ErrorInvalidInput, "unknown_plan", err)
	case errors.Is(err, domain.ErrUserNotFound):
		return newError(ErrorNotFound, "user_not_found", err)
	default:
		return newError(ErrorLedgerUnavailable, "ledger_store_error", err)
	}
}
