package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"requirements-agent/internal/domain"
	"requirements-agent/internal/integrations/paramstore"
)

// chatRequest is the minimal request shape for a streamed Chat Completions call.
type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// chunkEvent is the payload of one "data:" line of a streamed completion.
type chunkEvent struct {
	ID      string `json:"id"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ErrStreamTruncated is returned when the connection ends before the upstream
// signalled completion.
var ErrStreamTruncated = errors.New("openai: stream ended before completion")

// Client is a focused OpenAI-compatible client for streamed chat completions.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// API key retrieval. The key is fetched from SSM on the first stream and
// reused for the lifetime of the process.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		httpClient:  &http.Client{},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM until one call succeeds and
// returns the cached key afterwards.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := paramstore.GetToken(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolvedHTTPClient returns the configured HTTP client. Streams are bounded
// by the caller's context, so the fallback carries no client timeout.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// OpenStream starts a streamed completion for req. It returns once the
// upstream has accepted the request; text is pulled lazily through Next.
func (c *Client) OpenStream(ctx context.Context, req domain.StreamRequest) (domain.ChunkStream, error) {
	if req.Model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.ChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(chatRequest{Model: req.Model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.resolvedHTTPClient().Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		cancel()
		return nil, fmt.Errorf("openai: request failed: %w", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		})
	}

	return &Stream{
		body:   res.Body,
		reader: bufio.NewReader(res.Body),
		cancel: cancel,
	}, nil
}

// Stream reads server-sent events from one Chat Completions response.
// Next must be called from one goroutine; Close may be called from any.
type Stream struct {
	body   io.Closer
	reader *bufio.Reader
	cancel context.CancelFunc

	finished bool
	err      error
	closed   atomic.Bool
}

// Next returns the next non-empty piece of generated text, io.EOF after the
// upstream sent [DONE], or the error that ended the stream.
func (s *Stream) Next() (string, error) {
	if s.closed.Load() {
		return "", errors.New("openai: stream closed")
	}
	if s.err != nil {
		return "", s.err
	}
	for {
		line, readErr := s.reader.ReadString('\n')
		text, done, err := s.parseLine(line)
		if err != nil {
			s.err = err
			return "", err
		}
		if done {
			s.err = io.EOF
			return "", io.EOF
		}
		if text != "" {
			return text, nil
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if s.finished {
					s.err = io.EOF
				} else {
					s.err = ErrStreamTruncated
				}
			} else {
				s.err = fmt.Errorf("openai: read stream: %w", readErr)
			}
			return "", s.err
		}
	}
}

// parseLine handles one SSE line. Comment, event and blank lines carry nothing.
func (s *Stream) parseLine(line string) (string, bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" {
		return "", false, nil
	}
	if data == "[DONE]" {
		return "", true, nil
	}

	var ev chunkEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return "", false, fmt.Errorf("openai: decode stream event: %w", err)
	}
	if ev.Error != nil {
		return "", false, fmt.Errorf("openai: upstream error: %s", ev.Error.Message)
	}
	if len(ev.Choices) == 0 {
		return "", false, nil
	}
	choice := ev.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		s.finished = true
		if *choice.FinishReason == "content_filter" {
			return "", false, errors.New("openai: generation stopped by content filter")
		}
	}
	return choice.Delta.Content, false, nil
}

// Close abandons the stream and releases the connection. It is idempotent.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	return s.body.Close()
}
