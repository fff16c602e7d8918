package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"requirements-agent/internal/domain"
)

const (
	defaultMaxContext   = 20
	defaultMaxPrompt    = 8000
	defaultMaxDuration  = 30 * time.Second
	usageWriteTimeout   = 5 * time.Second
	upstreamFailureText = "An error occurred."
	timeoutText         = "The request timed out."
)

// Outcome is the final state of a debited chat request, as written to the usage log.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeUpstreamFailure    Outcome = "upstream_failure"
	OutcomeClientDisconnected Outcome = "client_disconnected"
	OutcomeTimeout            Outcome = "timeout"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Debiter is the part of the credit ledger the chat flow needs.
type Debiter interface {
	TryDebit(ctx context.Context, userID string) (int, error)
}

type ModelStreamer interface {
	OpenStream(ctx context.Context, req domain.StreamRequest) (domain.ChunkStream, error)
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, e domain.UsageEntry) error
}

// ChunkSink receives forwarded chunks in generation order. A Send error means
// the client is gone.
type ChunkSink interface {
	Send(c domain.Chunk) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type ChatConfig struct {
	ParamPrefix     string
	MaxDuration     time.Duration
	MaxContextItems int
	MaxPromptLen    int
}

// ChatService authorizes, debits and streams one chat request at a time per
// call. It holds no per-request state.
type ChatService struct {
	params          ParamGetter
	ledger          Debiter
	model           ModelStreamer
	usage           UsageRecorder
	paramPrefix     string
	maxDuration     time.Duration
	maxContextItems int
	maxPromptLen    int
	now             func() time.Time

	cacheMu   sync.RWMutex
	modelName string
}

type ChatInput struct {
	UserID    string
	RequestID string
	Messages  []domain.ChatMessage
}

// NewChatService wires the orchestrator. usage may be nil, which disables the
// usage log.
func NewChatService(p ParamGetter, l Debiter, m ModelStreamer, usage UsageRecorder, cfg ChatConfig) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if l == nil {
		return nil, errors.New("usecase: ledger must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: model streamer must not be nil")
	}
	paramPrefix := strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.MaxContextItems <= 0 {
		cfg.MaxContextItems = defaultMaxContext
	}
	if cfg.MaxPromptLen <= 0 {
		cfg.MaxPromptLen = defaultMaxPrompt
	}
	return &ChatService{
		params:          p,
		ledger:          l,
		model:           m,
		usage:           usage,
		paramPrefix:     paramPrefix,
		maxDuration:     cfg.MaxDuration,
		maxContextItems: cfg.MaxContextItems,
		maxPromptLen:    cfg.MaxPromptLen,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start runs a request up to the point where model output can flow: identity
// check, validation, debit and opening the model stream. On success the
// caller owns the Session and must Forward or Close it. Errors are *Error.
func (s *ChatService) Start(ctx context.Context, in ChatInput) (*Session, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, newError(ErrorUnauthorized, "missing_user_id", nil)
	}
	if err := s.validateMessages(in.Messages); err != nil {
		return nil, err
	}

	started := s.now()
	sessionCtx, cancel := context.WithTimeout(ctx, s.maxDuration)
	if err := s.ensureConfig(sessionCtx); err != nil {
		cancel()
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}

	requestID := strings.TrimSpace(in.RequestID)
	if requestID == "" {
		requestID = newUUID()
	}

	balance, err := s.ledger.TryDebit(sessionCtx, userID)
	if err != nil {
		cancel()
		switch {
		case errors.Is(err, domain.ErrInsufficientCredits):
			return nil, newError(ErrorCreditsExhausted, "no_credits_remaining", err)
		case errors.Is(err, domain.ErrUserNotFound):
			return nil, newError(ErrorLedgerUnavailable, "user_not_found", err)
		default:
			return nil, newError(ErrorLedgerUnavailable, "ledger_store_error", err)
		}
	}

	sess := &Session{
		svc:     s,
		parent:  ctx,
		ctx:     sessionCtx,
		cancel:  cancel,
		Balance: balance,
		entry: domain.UsageEntry{
			UserID:    userID,
			RequestID: requestID,
			StartedAt: started,
		},
	}

	stream, err := s.model.OpenStream(sessionCtx, domain.StreamRequest{
		Model:    s.currentModel(),
		System:   systemInstruction(),
		Messages: buildConversation(in.Messages, s.maxContextItems),
	})
	if err != nil {
		openErr := s.classifyStreamError(sessionCtx, ctx, err, "model_open_error")
		sess.finish(outcomeFor(openErr))
		return nil, openErr
	}
	sess.stream = stream

	slog.Info("chat stream opened", "request_id", requestID, "user_id", userID, "balance", balance)
	return sess, nil
}

func (s *ChatService) validateMessages(messages []domain.ChatMessage) error {
	if len(messages) == 0 {
		return newError(ErrorInvalidInput, "empty_messages", nil)
	}
	for _, m := range messages {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
		default:
			return newError(ErrorInvalidInput, "invalid_role", fmt.Errorf("usecase: unknown role %q", m.Role))
		}
	}
	last := messages[len(messages)-1]
	if last.Role != domain.RoleUser {
		return newError(ErrorInvalidInput, "last_message_not_user", nil)
	}
	prompt := strings.TrimSpace(last.Content)
	if prompt == "" {
		return newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	if len(prompt) > s.maxPromptLen {
		return newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	return nil
}

// classifyStreamError maps a model-side failure to a typed error, telling a
// deadline or a vanished client apart from the backend failing.
func (s *ChatService) classifyStreamError(sessionCtx, parent context.Context, err error, reason string) *Error {
	switch {
	case parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded):
		return newError(ErrorClientDisconnected, "client_gone", err)
	case errors.Is(sessionCtx.Err(), context.DeadlineExceeded):
		return newError(ErrorTimeout, "max_duration_exceeded", err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorUpstream, "model_rate_limited", err)
	}
	return newError(ErrorUpstream, reason, err)
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.modelName != "" {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.modelName != "" {
		return nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/model")
	if err != nil {
		return fmt.Errorf("usecase: load model name: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("usecase: model name parameter is empty")
	}
	s.modelName = model
	return nil
}

func (s *ChatService) currentModel() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.modelName
}

func (s *ChatService) recordUsage(parent context.Context, e domain.UsageEntry) {
	if s.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), usageWriteTimeout)
	defer cancel()
	if err := s.usage.RecordUsage(ctx, e); err != nil {
		slog.Warn("failed to record usage", "request_id", e.RequestID, "user_id", e.UserID, "err", err)
	}
}

// Session is one debited, open model stream. It is consumed once by Forward.
type Session struct {
	svc    *ChatService
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	stream domain.ChunkStream

	// Balance is the credit balance left after this request's debit.
	Balance int

	mu       sync.Mutex
	entry    domain.UsageEntry
	started  bool
	finished bool
}

// RequestID identifies the session in logs and the usage log.
func (s *Session) RequestID() string {
	return s.entry.RequestID
}

type nextResult struct {
	text string
	err  error
}

// Forward pumps chunks from the model to sink until completion, upstream
// failure, timeout or client loss, then releases the model session. Completion
// and upstream failure end with a terminal chunk; a timeout gets one best
// effort. It returns nil only when the stream completed.
func (s *Session) Forward(sink ChunkSink) error {
	s.mu.Lock()
	if s.started || s.finished {
		s.mu.Unlock()
		return newError(ErrorInternal, "session_already_consumed", nil)
	}
	s.started = true
	s.mu.Unlock()

	results := make(chan nextResult)
	go func() {
		defer close(results)
		for {
			text, err := s.stream.Next()
			select {
			case results <- nextResult{text: text, err: err}:
			case <-s.ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	perr := s.pump(sink, results)
	s.finish(outcomeFor(perr))
	if perr != nil {
		return perr
	}
	return nil
}

func (s *Session) pump(sink ChunkSink, results <-chan nextResult) *Error {
	for {
		select {
		case <-s.ctx.Done():
			return s.interrupted(sink, s.ctx.Err())
		case r, ok := <-results:
			if !ok {
				return s.interrupted(sink, s.ctx.Err())
			}
			if errors.Is(r.err, io.EOF) {
				if err := sink.Send(domain.Chunk{Status: domain.ChunkDone}); err != nil {
					return newError(ErrorClientDisconnected, "sink_write_error", err)
				}
				return nil
			}
			if r.err != nil {
				if s.ctx.Err() != nil {
					return s.interrupted(sink, r.err)
				}
				_ = sink.Send(domain.Chunk{Text: upstreamFailureText, Status: domain.ChunkError})
				return s.svc.classifyStreamError(s.ctx, s.parent, r.err, "model_stream_error")
			}
			if err := sink.Send(domain.Chunk{Text: r.text, Status: domain.ChunkContinue}); err != nil {
				return newError(ErrorClientDisconnected, "sink_write_error", err)
			}
			s.mu.Lock()
			s.entry.Chunks++
			s.entry.OutputSize += len(r.text)
			s.mu.Unlock()
		}
	}
}

// interrupted handles the session context ending while chunks were pending.
func (s *Session) interrupted(sink ChunkSink, cause error) *Error {
	err := s.svc.classifyStreamError(s.ctx, s.parent, cause, "model_stream_error")
	if err.Code == ErrorTimeout {
		_ = sink.Send(domain.Chunk{Text: timeoutText, Status: domain.ChunkError})
	}
	return err
}

// Close abandons the session if Forward has not finished it. It never
// re-credits the user. Safe to call more than once.
func (s *Session) Close() {
	s.finish(OutcomeClientDisconnected)
}

func (s *Session) finish(outcome Outcome) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.entry.Outcome = string(outcome)
	s.entry.FinishedAt = s.svc.now()
	entry := s.entry
	s.mu.Unlock()

	s.cancel()
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			slog.Warn("failed to close model stream", "request_id", entry.RequestID, "err", err)
		}
	}

	logArgs := []any{
		"request_id", entry.RequestID,
		"user_id", entry.UserID,
		"outcome", entry.Outcome,
		"chunks", entry.Chunks,
		"duration_ms", entry.FinishedAt.Sub(entry.StartedAt).Milliseconds(),
	}
	if outcome == OutcomeCompleted {
		slog.Info("chat stream finished", logArgs...)
	} else {
		slog.Warn("chat stream finished", logArgs...)
	}
	s.svc.recordUsage(s.parent, entry)
}

func outcomeFor(err *Error) Outcome {
	if err == nil {
		return OutcomeCompleted
	}
	switch err.Code {
	case ErrorTimeout:
		return OutcomeTimeout
	case ErrorClientDisconnected:
		return OutcomeClientDisconnected
	default:
		return OutcomeUpstreamFailure
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
