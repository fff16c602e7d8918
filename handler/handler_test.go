package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"requirements-agent/internal/domain"
	"requirements-agent/internal/ledger"
	"requirements-agent/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubChat struct {
	err   error
	in    usecase.ChatInput
	calls int
}

func (s *stubChat) Start(_ context.Context, in usecase.ChatInput) (*usecase.Session, error) {
	s.calls++
	s.in = in
	return nil, s.err
}

type stubCredits struct {
	balance int
	err     error
	userID  string
	amount  int
	plan    string
	resets  int
}

func (s *stubCredits) Balance(_ context.Context, userID string) (int, error) {
	s.userID = userID
	return s.balance, s.err
}

func (s *stubCredits) TopOff(_ context.Context, userID string, amount int) (int, error) {
	s.userID, s.amount = userID, amount
	return s.balance + amount, s.err
}

func (s *stubCredits) Reset(_ context.Context, userID string) error {
	s.userID = userID
	s.resets++
	return s.err
}

func (s *stubCredits) Purchase(_ context.Context, userID, plan string) (int, error) {
	s.userID, s.plan = userID, plan
	return s.balance + 100, s.err
}

func (s *stubCredits) Plans() []ledger.Plan {
	return ledger.Plans
}

type stubSessions struct {
	out  usecase.SignInOutput
	err  error
	p    domain.Profile
	path string
}

func (s *stubSessions) SignIn(_ context.Context, p domain.Profile, path string) (usecase.SignInOutput, error) {
	s.p, s.path = p, path
	return s.out, s.err
}

type stubVerifier struct {
	sub string
	err error
}

func (v stubVerifier) Subject(string) (string, error) {
	return v.sub, v.err
}

func newStubHandler(t *testing.T, opts ...Option) (*Handler, *stubChat, *stubCredits, *stubSessions) {
	t.Helper()
	chat, credits, sessions := &stubChat{}, &stubCredits{}, &stubSessions{}
	h, err := NewHandler(chat, credits, sessions, opts...)
	require.NoError(t, err)
	return h, chat, credits, sessions
}

func do(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubCredits{}, &stubSessions{})
	require.Error(t, err)
	_, err = NewHandler(&stubChat{}, nil, &stubSessions{})
	require.Error(t, err)
	_, err = NewHandler(&stubChat{}, &stubCredits{}, nil)
	require.Error(t, err)
}

func TestChat_InvalidBody(t *testing.T) {
	h, chat, _, _ := newStubHandler(t)

	rec := do(h, http.MethodPost, "/api/chat", `not-json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, "OTHER", out.Type)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Code)
	require.Zero(t, chat.calls)
}

func TestChat_BodyTooLarge(t *testing.T) {
	h, chat, _, _ := newStubHandler(t, WithMaxBodyBytes(256))

	history := strings.Repeat("earlier turn ", 100)
	body := `{"userId":"u1","messages":[{"role":"user","content":"` + history + `"},{"role":"user","content":"hi"}]}`
	rec := do(h, http.MethodPost, "/api/chat", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(usecase.ErrorInvalidInput), parseBody[errorResponse](t, rec.Body.String()).Code)
	require.Zero(t, chat.calls)

	chat.err = errors.New("stop here")
	do(h, http.MethodPost, "/api/chat", `{"userId":"u1","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, 1, chat.calls)
}

func TestRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		target string
		body   string
		status int
		code   usecase.ErrorCode
	}{
		{name: "chat without messages", target: "/api/chat", body: `{"userId":"u1"}`, status: http.StatusBadRequest, code: usecase.ErrorInvalidInput},
		{name: "chat without user or messages", target: "/api/chat", body: `{}`, status: http.StatusUnauthorized, code: usecase.ErrorUnauthorized},
		{name: "purchase without plan", target: "/api/credits/purchase", body: `{"userId":"u1"}`, status: http.StatusBadRequest, code: usecase.ErrorInvalidInput},
		{name: "purchase without user or plan", target: "/api/credits/purchase", body: `{}`, status: http.StatusUnauthorized, code: usecase.ErrorUnauthorized},
		{name: "topoff without amount", target: "/api/credits/topoff", body: `{"userId":"u1"}`, status: http.StatusBadRequest, code: usecase.ErrorInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, chat, credits, _ := newStubHandler(t)

			rec := do(h, http.MethodPost, tc.target, tc.body, nil)
			require.Equal(t, tc.status, rec.Code)
			out := parseBody[errorResponse](t, rec.Body.String())
			require.Equal(t, string(tc.code), out.Code)
			require.Equal(t, "OTHER", out.Type)
			require.Zero(t, chat.calls)
			require.Empty(t, credits.userID)
		})
	}
}

func TestChat_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		errType string
	}{
		{name: "unauthorized", err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_user_id"}, status: http.StatusUnauthorized, errType: "OTHER"},
		{name: "credits", err: &usecase.Error{Code: usecase.ErrorCreditsExhausted, Reason: "no_credits_remaining"}, status: http.StatusForbidden, errType: "CREDITS"},
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_messages"}, status: http.StatusBadRequest, errType: "OTHER"},
		{name: "ledger", err: &usecase.Error{Code: usecase.ErrorLedgerUnavailable, Reason: "ledger_store_error"}, status: http.StatusInternalServerError, errType: "OTHER"},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "model_open_error"}, status: http.StatusInternalServerError, errType: "OTHER"},
		{name: "timeout", err: &usecase.Error{Code: usecase.ErrorTimeout, Reason: "max_duration_exceeded"}, status: http.StatusInternalServerError, errType: "OTHER"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, errType: "OTHER"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, chat, _, _ := newStubHandler(t)
			chat.err = tc.err

			rec := do(h, http.MethodPost, "/api/chat", `{"userId":"u1","messages":[{"role":"user","content":"hi"}]}`, nil)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Header().Get("Content-Type"), "application/json")

			out := parseBody[errorResponse](t, rec.Body.String())
			require.Equal(t, tc.errType, out.Type)
			require.NotEmpty(t, out.Error)
		})
	}
}

func TestChat_PassesInputAndCorrelationID(t *testing.T) {
	h, chat, _, _ := newStubHandler(t)
	chat.err = errors.New("stop here")

	rec := do(h, http.MethodPost, "/api/chat",
		`{"userId":"u1","messages":[{"role":"user","content":"Build a login page"}]}`,
		map[string]string{"x-correlation-id": "corr-123"})
	require.Equal(t, "corr-123", rec.Header().Get("X-Correlation-Id"))
	require.Equal(t, usecase.ChatInput{
		UserID:    "u1",
		RequestID: "corr-123",
		Messages:  []domain.ChatMessage{{Role: "user", Content: "Build a login page"}},
	}, chat.in)
}

func TestChat_GeneratesCorrelationID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated" }
	defer func() { newUUID = orig }()

	h, _, _, _ := newStubHandler(t)
	rec := do(h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "generated", rec.Header().Get("X-Correlation-Id"))
}

func TestVerifier_RejectsMismatchedIdentity(t *testing.T) {
	cases := []struct {
		name     string
		verifier stubVerifier
	}{
		{name: "other subject", verifier: stubVerifier{sub: "u2"}},
		{name: "bad token", verifier: stubVerifier{err: errors.New("auth: invalid identity token")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, chat, credits, _ := newStubHandler(t, WithVerifier(tc.verifier))

			rec := do(h, http.MethodPost, "/api/chat", `{"userId":"u1","messages":[{"role":"user","content":"hi"}]}`, nil)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Zero(t, chat.calls)

			rec = do(h, http.MethodGet, "/api/credits?userId=u1", "", nil)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Empty(t, credits.userID)
		})
	}
}

func TestVerifier_AcceptsMatchingIdentity(t *testing.T) {
	h, _, credits, _ := newStubHandler(t, WithVerifier(stubVerifier{sub: "u1"}))
	credits.balance = 7

	rec := do(h, http.MethodGet, "/api/credits?userId=u1", "", map[string]string{"Authorization": "Bearer token"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 7, parseBody[creditsResponse](t, rec.Body.String()).Credits)
}

func TestCORS(t *testing.T) {
	h, _, _, _ := newStubHandler(t, WithAllowOrigin("https://app.example.com"))

	rec := do(h, http.MethodOptions, "/api/chat", "", map[string]string{"Origin": "https://app.example.com"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	h, _, _, _ = newStubHandler(t)
	rec = do(h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCreditEndpoints(t *testing.T) {
	h, _, credits, _ := newStubHandler(t)
	credits.balance = 5

	rec := do(h, http.MethodGet, "/api/credits?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, parseBody[creditsResponse](t, rec.Body.String()).Credits)

	rec = do(h, http.MethodPost, "/api/credits/topoff", `{"userId":"u1","amount":10}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 15, parseBody[creditsResponse](t, rec.Body.String()).Credits)
	require.Equal(t, 10, credits.amount)

	rec = do(h, http.MethodPost, "/api/credits/purchase", `{"userId":"u1","plan":"Starter Pack"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 105, parseBody[creditsResponse](t, rec.Body.String()).Credits)
	require.Equal(t, "Starter Pack", credits.plan)

	rec = do(h, http.MethodPost, "/api/credits/reset", `{"userId":"u1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, parseBody[creditsResponse](t, rec.Body.String()).Credits)
	require.Equal(t, 1, credits.resets)

	rec = do(h, http.MethodGet, "/api/credits/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plans := parseBody[struct {
		Plans []ledger.Plan `json:"plans"`
	}](t, rec.Body.String())
	require.Equal(t, ledger.Plans, plans.Plans)

	rec = do(h, http.MethodPost, "/api/credits/topoff", `{"userId":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditEndpoints_Errors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "user_not_found"}, status: http.StatusNotFound},
		{err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_amount"}, status: http.StatusBadRequest},
		{err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_user_id"}, status: http.StatusUnauthorized},
		{err: &usecase.Error{Code: usecase.ErrorLedgerUnavailable, Reason: "ledger_store_error"}, status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, _, credits, _ := newStubHandler(t)
		credits.err = tc.err

		require.Equal(t, tc.status, do(h, http.MethodGet, "/api/credits?userId=u1", "", nil).Code)
		require.Equal(t, tc.status, do(h, http.MethodPost, "/api/credits/topoff", `{"userId":"u1","amount":1}`, nil).Code)
		require.Equal(t, tc.status, do(h, http.MethodPost, "/api/credits/purchase", `{"userId":"u1","plan":"x"}`, nil).Code)
		require.Equal(t, tc.status, do(h, http.MethodPost, "/api/credits/reset", `{"userId":"u1"}`, nil).Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	h, _, _, sessions := newStubHandler(t)
	sessions.out = usecase.SignInOutput{
		Account:  domain.UserRecord{UserID: "u1", Credits: 20},
		Created:  true,
		Redirect: usecase.RouteProtected,
	}

	rec := do(h, http.MethodPost, "/api/session",
		`{"userId":"u1","email":"a@example.com","name":"Ada","photoURL":"https://example.com/a.png","path":"/auth/signin"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, sessionResponse{Credits: 20, Created: true, Redirect: "/protected"}, parseBody[sessionResponse](t, rec.Body.String()))
	require.Equal(t, domain.Profile{UserID: "u1", Email: "a@example.com", Name: "Ada", PhotoURL: "https://example.com/a.png"}, sessions.p)
	require.Equal(t, "/auth/signin", sessions.path)

	sessions.err = &usecase.Error{Code: usecase.ErrorLedgerUnavailable, Reason: "account_create_error"}
	rec = do(h, http.MethodPost, "/api/session", `{"userId":"u1"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDataStreamSink(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	sink := &dataStreamSink{w: c.Writer}

	require.NoError(t, sink.Send(domain.Chunk{Text: "| ID |\n", Status: domain.ChunkContinue}))
	require.NoError(t, sink.Send(domain.Chunk{Text: `say "hi"`, Status: domain.ChunkContinue}))
	require.NoError(t, sink.Send(domain.Chunk{Text: "An error occurred.", Status: domain.ChunkError}))
	require.NoError(t, sink.Send(domain.Chunk{Status: domain.ChunkDone}))

	require.Equal(t, "0:\"| ID |\\n\"\n0:\"say \\\"hi\\\"\"\n3:\"An error occurred.\"\nd:{\"finishReason\":\"stop\"}\n", rec.Body.String())
	require.True(t, rec.Flushed)
}
