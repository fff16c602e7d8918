package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// Handle serves a Lambda Function URL invocation in response streaming mode.
// It returns as soon as the status and headers are known; the body keeps
// streaming through the returned reader.
func (h *Handler) Handle(ctx context.Context, event events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	req, err := newHTTPRequest(ctx, event)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	w := newStreamWriter(pw)
	// An abandoned invocation must not leave the handler blocked on the pipe.
	stop := context.AfterFunc(ctx, func() {
		_ = pr.CloseWithError(ctx.Err())
	})

	go func() {
		defer func() {
			stop()
			w.WriteHeader(http.StatusOK)
			_ = pw.Close()
		}()
		h.engine.ServeHTTP(w, req)
	}()

	select {
	case <-w.committed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: w.status,
		Headers:    w.snapshot,
		Body:       pr,
	}, nil
}

func newHTTPRequest(ctx context.Context, event events.LambdaFunctionURLRequest) (*http.Request, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode base64 body: %w", err)
		}
		body = decoded
	}

	method := event.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}
	path := event.RawPath
	if path == "" {
		path = "/"
	}
	target := path
	if event.RawQueryString != "" {
		target += "?" + event.RawQueryString
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, v := range event.Headers {
		req.Header.Set(k, v)
	}
	if len(event.Cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(event.Cookies, "; "))
	}
	req.RemoteAddr = event.RequestContext.HTTP.SourceIP
	return req, nil
}

// streamWriter is an http.ResponseWriter whose body is a pipe. Headers are
// captured when the status is committed.
type streamWriter struct {
	header    http.Header
	pw        *io.PipeWriter
	once      sync.Once
	committed chan struct{}

	status   int
	snapshot map[string]string
}

func newStreamWriter(pw *io.PipeWriter) *streamWriter {
	return &streamWriter{
		header:    make(http.Header),
		pw:        pw,
		committed: make(chan struct{}),
	}
}

func (w *streamWriter) Header() http.Header {
	return w.header
}

func (w *streamWriter) WriteHeader(status int) {
	w.once.Do(func() {
		w.status = status
		w.snapshot = make(map[string]string, len(w.header))
		for k, v := range w.header {
			w.snapshot[k] = strings.Join(v, ",")
		}
		close(w.committed)
	})
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.pw.Write(p)
}

// Flush commits the headers. Body bytes are never buffered.
func (w *streamWriter) Flush() {
	w.WriteHeader(http.StatusOK)
}
