// Package offline implements the durable action queue used while the farm
// API is unreachable.
//
// Actions are persisted as a single ordered sequence under one storage key,
// so FIFO order survives restarts. A drain pass replays every entry against
// a [Sink] in order. Per-entry failures are logged and counted but never
// halt the pass. Afterwards the queue is cleared ([ClearAll], the default)
// or only the failed entries are kept ([KeepFailed]).
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/agrivoice/internal/observe"
)

// DefaultKey is the storage key holding the queued sequence.
const DefaultKey = "offlineQueue"

// ErrInvalidPayload is returned by Enqueue for a payload that is not JSON.
var ErrInvalidPayload = errors.New("offline: payload is not valid JSON")

// Action is one queued user action.
type Action struct {
	ID         uuid.UUID       `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Store is the persistence the queue needs. *storage.Store satisfies it.
type Store interface {
	GetItem(ctx context.Context, key string, dst any) (bool, error)
	SetItem(ctx context.Context, key string, value any) error
}

// Policy decides what a drain pass leaves behind.
type Policy int

const (
	// ClearAll empties the queue after every pass, failed entries included.
	ClearAll Policy = iota
	// KeepFailed removes only the entries the sink accepted.
	KeepFailed
)

// String returns the policy name as used in configuration.
func (p Policy) String() string {
	switch p {
	case ClearAll:
		return "clear_all"
	case KeepFailed:
		return "keep_failed"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "clear_all":
		return ClearAll, nil
	case "keep_failed":
		return KeepFailed, nil
	default:
		return 0, fmt.Errorf("offline: unknown drain policy %q", s)
	}
}

// Failure is an entry the sink rejected during a drain pass.
type Failure struct {
	Action Action
	Err    error
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	// Processed counts entries the sink accepted.
	Processed int
	// Failed lists rejected entries in queue order.
	Failed []Failure
	// Remaining is the queue length after the pass.
	Remaining int
}

// Option is a functional option for [New].
type Option func(*Queue)

// WithKey overrides the storage key (default [DefaultKey]).
func WithKey(key string) Option {
	return func(q *Queue) {
		q.key = key
	}
}

// WithPolicy sets the drain policy (default [ClearAll]).
func WithPolicy(p Policy) Option {
	return func(q *Queue) {
		q.policy = p
	}
}

// WithMetrics records queue depth and drain results in met.
func WithMetrics(met *observe.Metrics) Option {
	return func(q *Queue) {
		q.metrics = met
	}
}

// WithClock replaces time.Now for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Queue is the persistent FIFO. Every read-modify-write of the stored
// sequence is serialized by mu. A drain works on a snapshot without holding
// mu while the sink runs, and at write-back removes only the entries it
// attempted, so actions enqueued during a drain are kept.
type Queue struct {
	store   Store
	sink    Sink
	key     string
	policy  Policy
	metrics *observe.Metrics
	now     func() time.Time

	mu      sync.Mutex
	drainMu sync.Mutex // one drain pass at a time
}

// New creates a Queue persisting to store and draining into sink.
func New(store Store, sink Sink, opts ...Option) *Queue {
	q := &Queue{
		store: store,
		sink:  sink,
		key:   DefaultKey,
		now:   time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Policy returns the configured drain policy.
func (q *Queue) Policy() Policy { return q.policy }

// Enqueue appends payload to the queue and returns the stored action.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (Action, error) {
	if !json.Valid(payload) {
		return Action{}, ErrInvalidPayload
	}
	a := Action{
		ID:         uuid.New(),
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return Action{}, fmt.Errorf("offline: enqueue: %w", err)
	}
	actions = append(actions, a)
	if err := q.store.SetItem(ctx, q.key, actions); err != nil {
		return Action{}, fmt.Errorf("offline: enqueue: %w", err)
	}
	if q.metrics != nil {
		q.metrics.RecordEnqueue(ctx, len(actions))
	}
	slog.Debug("offline: action queued", "id", a.ID, "depth", len(actions))
	return a, nil
}

// Pending returns the queued actions in order. The result is never nil.
func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("offline: pending: %w", err)
	}
	return actions, nil
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.SetItem(ctx, q.key, []Action{}); err != nil {
		return fmt.Errorf("offline: clear: %w", err)
	}
	return nil
}

// Drain replays every queued action against the sink in order. An empty
// queue returns immediately. If ctx is cancelled mid-pass, entries not yet
// attempted stay queued and the context error is returned with the partial
// report. Enqueue, Pending and Clear are not blocked while the sink runs.
func (q *Queue) Drain(ctx context.Context) (_ DrainReport, err error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	actions, err := q.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return DrainReport{}, fmt.Errorf("offline: drain: %w", err)
	}
	if len(actions) == 0 {
		return DrainReport{}, nil
	}

	ctx, span := observe.StartSpan(ctx, "offline.drain")
	defer func() { observe.EndSpan(span, err, context.Canceled, context.DeadlineExceeded) }()
	span.SetAttributes(attribute.Int("queue.depth", len(actions)))
	log := observe.Logger(ctx)
	start := time.Now()

	var (
		report DrainReport
		done   = make(map[uuid.UUID]bool, len(actions))
		cause  error
	)
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			cause = err
			break
		}
		if err := q.process(ctx, a); err != nil {
			log.Warn("offline: failed to process queued action", "id", a.ID, "err", err)
			report.Failed = append(report.Failed, Failure{Action: a, Err: err})
			if q.policy == KeepFailed {
				continue
			}
		} else {
			report.Processed++
		}
		done[a.ID] = true
	}

	// Write back even when ctx was cancelled mid-pass.
	wctx := context.WithoutCancel(ctx)
	q.mu.Lock()
	keep, err := q.writeBack(wctx, done)
	q.mu.Unlock()
	if err != nil {
		// Entries already attempted may be replayed on the next pass.
		return report, fmt.Errorf("offline: drain: write back: %w", err)
	}
	report.Remaining = keep

	if q.metrics != nil {
		q.metrics.RecordDrain(ctx, report.Processed, len(report.Failed), report.Remaining, time.Since(start))
	}
	log.Info("offline: drain finished",
		"processed", report.Processed,
		"failed", len(report.Failed),
		"remaining", report.Remaining,
	)
	if cause != nil {
		return report, fmt.Errorf("offline: drain: %w", cause)
	}
	return report, nil
}

// process hands a to the sink. A panicking sink is reported as a failure of
// that entry.
func (q *Queue) process(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("offline: sink panicked: %v", r)
		}
	}()
	return q.sink.Process(ctx, a)
}

// writeBack re-reads the sequence and removes the entries in done, keeping
// anything enqueued since the snapshot. Callers hold mu.
func (q *Queue) writeBack(ctx context.Context, done map[uuid.UUID]bool) (int, error) {
	current, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	keep := make([]Action, 0, len(current))
	for _, a := range current {
		if !done[a.ID] {
			keep = append(keep, a)
		}
	}
	if err := q.store.SetItem(ctx, q.key, keep); err != nil {
		return 0, err
	}
	return len(keep), nil
}

// load reads the sequence, returning an empty slice when absent.
func (q *Queue) load(ctx context.Context) ([]Action, error) {
	var actions []Action
	if _, err := q.store.GetItem(ctx, q.key, &actions); err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []Action{}
	}
	return actions, nil
}
