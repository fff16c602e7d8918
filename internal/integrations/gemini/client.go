// Package gemini adapts Google's Gemini chat streaming to the ChunkStream
// contract used by the chat service.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"requirements-agent/internal/domain"
	"requirements-agent/internal/integrations/paramstore"
)

const roleModel = "model"

// responseIterator is the part of *genai.GenerateContentResponseIterator the
// stream consumes.
type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

// sendFunc opens one streamed turn: system instruction, prior history, newest parts.
type sendFunc func(ctx context.Context, model string, system *genai.Content, history []*genai.Content, parts ...genai.Part) (responseIterator, error)

// Client streams chat turns from Gemini. The genai client is created on the
// first stream using the API key stored in SSM.
type Client struct {
	getter      paramstore.Getter
	paramPrefix string
	send        sendFunc

	mu    sync.Mutex
	genai *genai.Client
}

func NewClient(ps paramstore.Getter, paramPrefix string) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	c := &Client{getter: ps, paramPrefix: paramPrefix}
	c.send = c.sendGenAI
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/gemini-token"
}

// client returns the shared genai client, creating it on first use. A failed
// attempt is retried on the next call.
func (c *Client) client(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genai != nil {
		return c.genai, nil
	}
	key, err := paramstore.GetToken(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return nil, fmt.Errorf("gemini: resolve api key: %w", err)
	}
	// The genai client outlives this request, so it must not inherit ctx.
	gc, err := genai.NewClient(context.WithoutCancel(ctx), option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.genai = gc
	return gc, nil
}

func (c *Client) sendGenAI(ctx context.Context, model string, system *genai.Content, history []*genai.Content, parts ...genai.Part) (responseIterator, error) {
	gc, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	m := gc.GenerativeModel(model)
	m.SystemInstruction = system
	cs := m.StartChat()
	cs.History = history
	return cs.SendMessageStream(ctx, parts...), nil
}

// Close releases the underlying genai client, if one was created.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genai == nil {
		return nil
	}
	err := c.genai.Close()
	c.genai = nil
	return err
}

// OpenStream starts a streamed chat turn. The last message must come from the
// user; earlier messages become the chat history.
func (c *Client) OpenStream(ctx context.Context, req domain.StreamRequest) (domain.ChunkStream, error) {
	if req.Model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	history, last, err := splitConversation(req.Messages)
	if err != nil {
		return nil, err
	}

	var system *genai.Content
	if req.System != "" {
		system = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	it, err := c.send(streamCtx, req.Model, system, history, genai.Text(last))
	if err != nil {
		cancel()
		return nil, err
	}
	return &Stream{it: it, cancel: cancel}, nil
}

// splitConversation converts messages into Gemini history plus the newest
// user prompt. System messages are dropped; the instruction travels separately.
func splitConversation(messages []domain.ChatMessage) ([]*genai.Content, string, error) {
	var turns []domain.ChatMessage
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) == 0 {
		return nil, "", errors.New("gemini: conversation is empty")
	}
	last := turns[len(turns)-1]
	if last.Role != domain.RoleUser {
		return nil, "", fmt.Errorf("gemini: last message must be from %q, got %q", domain.RoleUser, last.Role)
	}

	history := make([]*genai.Content, 0, len(turns)-1)
	for _, m := range turns[:len(turns)-1] {
		role := domain.RoleUser
		if m.Role == domain.RoleAssistant {
			role = roleModel
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return history, last.Content, nil
}

// Stream yields the text of each streamed Gemini response. Next must be
// called from one goroutine; Close may be called from any.
type Stream struct {
	it     responseIterator
	cancel context.CancelFunc

	err    error
	closed atomic.Bool
}

func (s *Stream) Next() (string, error) {
	if s.closed.Load() {
		return "", errors.New("gemini: stream closed")
	}
	if s.err != nil {
		return "", s.err
	}
	for {
		res, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			s.err = io.EOF
			return "", io.EOF
		}
		if err != nil {
			s.err = fmt.Errorf("gemini: stream: %w", err)
			return "", s.err
		}
		text, err := responseText(res)
		if err != nil {
			s.err = err
			return "", err
		}
		if text != "" {
			return text, nil
		}
	}
}

// Close cancels the in-flight request. It is idempotent.
func (s *Stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
	return nil
}

// responseText joins the text parts of the first candidate.
func responseText(res *genai.GenerateContentResponse) (string, error) {
	if res == nil || len(res.Candidates) == 0 {
		return "", nil
	}
	cand := res.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", errors.New("gemini: generation stopped by safety filter")
	}
	if cand.Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}
