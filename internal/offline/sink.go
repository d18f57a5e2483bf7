package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Sink delivers an action to the farm API.
type Sink interface {
	Process(ctx context.Context, a Action) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, a Action) error

// Process calls f.
func (f SinkFunc) Process(ctx context.Context, a Action) error { return f(ctx, a) }

// LogSink only logs each action. It stands in until a farm API endpoint is
// configured.
type LogSink struct{}

// Process logs a and reports success.
func (LogSink) Process(_ context.Context, a Action) error {
	slog.Info("offline: processing queued action", "id", a.ID, "payload", string(a.Payload))
	return nil
}

// StatusError is returned by [HTTPSink] for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("offline: sink responded %d", e.StatusCode)
	}
	return fmt.Sprintf("offline: sink responded %d: %s", e.StatusCode, e.Body)
}

// HTTPOption is a functional option for [NewHTTPSink].
type HTTPOption func(*HTTPSink)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSink) {
		s.client = c
	}
}

// WithHeader adds a header to every request, e.g. an API token.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPSink) {
		s.header.Set(key, value)
	}
}

// HTTPSink POSTs each action as JSON to a farm API endpoint. The action ID
// is sent as Idempotency-Key so a replayed entry can be deduplicated
// server-side.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	header   http.Header
}

var _ Sink = (*HTTPSink)(nil)

// NewHTTPSink creates a sink posting to endpoint.
func NewHTTPSink(endpoint string, opts ...HTTPOption) (*HTTPSink, error) {
	if endpoint == "" {
		return nil, errors.New("offline: sink endpoint must not be empty")
	}
	s := &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		header:   make(http.Header),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Process posts a to the endpoint.
func (s *HTTPSink) Process(ctx context.Context, a Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("offline: encode action %s: %w", a.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("offline: build request: %w", err)
	}
	for k, v := range s.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("offline: post action %s: %w", a.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
