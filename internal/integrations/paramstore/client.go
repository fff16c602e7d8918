package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (the model clients, the chat service) depend on this interface
// rather than the concrete *Client so they remain testable without AWS.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

type cachedValue struct {
	value   string
	fetched time.Time
}

// Cached memoizes successful lookups of an underlying Getter for ttl.
// Failures are never cached, so a transient SSM error is retried on the next call.
type Cached struct {
	getter Getter
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	values map[string]cachedValue
}

// NewCached wraps g. A non-positive ttl caches values for the process lifetime.
func NewCached(g Getter, ttl time.Duration) (*Cached, error) {
	if g == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	return &Cached{
		getter: g,
		ttl:    ttl,
		now:    time.Now,
		values: make(map[string]cachedValue),
	}, nil
}

func (c *Cached) GetParameter(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	v, ok := c.values[name]
	c.mu.Unlock()
	if ok && (c.ttl <= 0 || c.now().Sub(v.fetched) < c.ttl) {
		return v.value, nil
	}

	value, err := c.getter.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.values[name] = cachedValue{value: value, fetched: c.now()}
	c.mu.Unlock()
	return value, nil
}

// tokenPayload is the expected JSON shape stored in SSM for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// GetToken reads a SecureString parameter holding {"token":"..."} and returns the token.
func GetToken(ctx context.Context, g Getter, name string) (string, error) {
	if g == nil {
		return "", errors.New("paramstore: getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: token parameter name is empty")
	}

	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("paramstore: API token is empty")
	}
	return tp.Token, nil
}
