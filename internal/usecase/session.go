package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"requirements-agent/internal/domain"
)

const (
	RouteSignIn    = "/auth/signin"
	RouteProtected = "/protected"
	routeHome      = "/"
)

// AccountCreator creates a user record on first sign-in.
type AccountCreator interface {
	EnsureAccount(ctx context.Context, p domain.Profile) (domain.UserRecord, bool, error)
}

// SessionService applies identity state changes. Account creation and the
// redirect decision are separate steps so each can be exercised on its own.
type SessionService struct {
	accounts AccountCreator
}

type SignInOutput struct {
	Account  domain.UserRecord
	Created  bool
	Redirect string
}

func NewSessionService(a AccountCreator) (*SessionService, error) {
	if a == nil {
		return nil, errors.New("usecase: account creator must not be nil")
	}
	return &SessionService{accounts: a}, nil
}

// SignIn handles a verified identity arriving at path: the account is created
// if absent, its balance loaded, and the follow-up route decided.
func (s *SessionService) SignIn(ctx context.Context, p domain.Profile, path string) (SignInOutput, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return SignInOutput{}, newError(ErrorUnauthorized, "missing_user_id", nil)
	}
	rec, created, err := s.accounts.EnsureAccount(ctx, p)
	if err != nil {
		return SignInOutput{}, newError(ErrorLedgerUnavailable, "account_create_error", err)
	}
	if created {
		slog.Info("account created", "user_id", rec.UserID, "credits", rec.Credits)
	}
	return SignInOutput{
		Account:  rec,
		Created:  created,
		Redirect: NextRoute(true, path),
	}, nil
}

// NextRoute returns where a client at path should go for the given identity
// state, or "" to stay.
func NextRoute(signedIn bool, path string) string {
	path = strings.TrimSpace(path)
	if !signedIn {
		if path == RouteSignIn {
			return ""
		}
		return RouteSignIn
	}
	if path == RouteSignIn || path == routeHome {
		return RouteProtected
	}
	return ""
}
