// Package connectivity tracks whether the farm API is reachable and notifies
// subscribers when that changes.
//
// A [Monitor] polls a [Probe] and emits edge-triggered events: [Reachable]
// when the probe starts succeeding and [Unreachable] when it starts failing.
// Repeated results in the same state emit nothing.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/agrivoice/internal/observe"
)

// DefaultInterval is the polling period used when none is configured.
const DefaultInterval = 15 * time.Second

// Event is a reachability transition.
type Event int

const (
	// Reachable is emitted when the probe starts succeeding.
	Reachable Event = iota + 1
	// Unreachable is emitted when the probe starts failing.
	Unreachable
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Probe checks reachability once. A nil error means reachable.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to [Probe].
type ProbeFunc func(ctx context.Context) error

// Check calls f.
func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// HTTPProbe issues a HEAD request. Any response below 500 counts as
// reachable: the server answered.
type HTTPProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe creates a probe for url. A nil client uses a 5 second
// timeout.
func NewHTTPProbe(url string, client *http.Client) (*HTTPProbe, error) {
	if url == "" {
		return nil, errors.New("connectivity: probe url must not be empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProbe{url: url, client: client}, nil
}

// Check performs the HEAD request.
func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return fmt.Errorf("connectivity: build probe: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("connectivity: probe %s: %w", p.url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("connectivity: probe %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}

// Option is a functional option for [New].
type Option func(*Monitor)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithInitial sets the state assumed before the first probe (default
// offline, so a first successful probe emits [Reachable]).
func WithInitial(online bool) Option {
	return func(m *Monitor) {
		m.online = online
	}
}

// WithMetrics records the state in met after every probe.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = met
	}
}

type subscriber struct {
	id int
	fn func(context.Context, Event)
}

// Monitor polls a probe and notifies subscribers of transitions. It is safe
// for concurrent use.
type Monitor struct {
	probe    Probe
	interval time.Duration
	metrics  *observe.Metrics

	// checkMu serializes probe rounds so transitions are observed in order.
	checkMu sync.Mutex

	mu     sync.Mutex
	online bool
	subs   []subscriber
	nextID int
}

// New creates a Monitor over probe.
func New(probe Probe, opts ...Option) *Monitor {
	m := &Monitor{
		probe:    probe,
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for transitions and returns a function that
// removes it. Callbacks run on the polling goroutine in registration order.
func (m *Monitor) Subscribe(fn func(ctx context.Context, ev Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Check runs one probe round, notifies subscribers on a transition and
// returns the new state.
func (m *Monitor) Check(ctx context.Context) bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	err := m.probe.Check(ctx)
	online := err == nil

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetOnline(ctx, online)
	}
	if !changed {
		return online
	}

	ev := Unreachable
	if online {
		ev = Reachable
		slog.Info("connectivity: farm api reachable")
	} else {
		slog.Warn("connectivity: farm api unreachable", "err", err)
	}
	for _, s := range subs {
		s.fn(ctx, ev)
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
