package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"requirements-agent/internal/domain"
)

type mockAccounts struct {
	rec     domain.UserRecord
	created bool
	err     error
	got     domain.Profile
	calls   int
}

func (m *mockAccounts) EnsureAccount(_ context.Context, p domain.Profile) (domain.UserRecord, bool, error) {
	m.calls++
	m.got = p
	return m.rec, m.created, m.err
}

func TestNewSessionService_ValidatesDependency(t *testing.T) {
	_, err := NewSessionService(nil)
	require.Error(t, err)
}

func TestSignIn_NewUserFromSignInPage(t *testing.T) {
	accounts := &mockAccounts{rec: domain.UserRecord{UserID: "u1", Credits: 20}, created: true}
	svc, err := NewSessionService(accounts)
	require.NoError(t, err)

	out, err := svc.SignIn(context.Background(), domain.Profile{UserID: " u1 ", Email: "a@example.com"}, RouteSignIn)
	require.NoError(t, err)
	require.True(t, out.Created)
	require.Equal(t, 20, out.Account.Credits)
	require.Equal(t, RouteProtected, out.Redirect)
	require.Equal(t, domain.Profile{UserID: "u1", Email: "a@example.com"}, accounts.got)
}

func TestSignIn_ReturningUserStaysOnPage(t *testing.T) {
	accounts := &mockAccounts{rec: domain.UserRecord{UserID: "u1", Credits: 3}}
	svc, err := NewSessionService(accounts)
	require.NoError(t, err)

	out, err := svc.SignIn(context.Background(), domain.Profile{UserID: "u1"}, "/credits")
	require.NoError(t, err)
	require.False(t, out.Created)
	require.Equal(t, 3, out.Account.Credits)
	require.Empty(t, out.Redirect)
}

func TestSignIn_Errors(t *testing.T) {
	accounts := &mockAccounts{}
	svc, err := NewSessionService(accounts)
	require.NoError(t, err)

	_, err = svc.SignIn(context.Background(), domain.Profile{}, RouteSignIn)
	expectChatError(t, err, ErrorUnauthorized, "missing_user_id")
	require.Zero(t, accounts.calls)

	accounts.err = errors.New("ledger: store unavailable")
	_, err = svc.SignIn(context.Background(), domain.Profile{UserID: "u1"}, RouteSignIn)
	expectChatError(t, err, ErrorLedgerUnavailable, "account_create_error")
}

func TestNextRoute(t *testing.T) {
	cases := []struct {
		signedIn bool
		path     string
		want     string
	}{
		{signedIn: true, path: RouteSignIn, want: RouteProtected},
		{signedIn: true, path: "/", want: RouteProtected},
		{signedIn: true, path: RouteProtected, want: ""},
		{signedIn: true, path: "/credits", want: ""},
		{signedIn: false, path: RouteProtected, want: RouteSignIn},
		{signedIn: false, path: "/", want: RouteSignIn},
		{signedIn: false, path: RouteSignIn, want: ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, NextRoute(tc.signedIn, tc.path), "signedIn=%v path=%q", tc.signedIn, tc.path)
	}
}
