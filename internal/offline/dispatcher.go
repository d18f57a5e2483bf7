package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Reachability reports whether the farm API is currently reachable.
// *connectivity.Monitor satisfies it.
type Reachability interface {
	Online() bool
}

// Receipt describes what Submit did with an action.
type Receipt struct {
	Action Action
	// Queued is true when the action was stored for a later drain instead
	// of being delivered.
	Queued bool
}

// Dispatcher sends actions straight to the queue's sink while online and
// queues them otherwise.
type Dispatcher struct {
	queue *Queue
	net   Reachability
}

// NewDispatcher creates a Dispatcher over q.
func NewDispatcher(q *Queue, net Reachability) *Dispatcher {
	return &Dispatcher{queue: q, net: net}
}

// Submit delivers payload, or queues it when offline or when delivery fails.
// An error is returned only if the payload could be neither delivered nor
// queued.
func (d *Dispatcher) Submit(ctx context.Context, payload json.RawMessage) (Receipt, error) {
	if !json.Valid(payload) {
		return Receipt{}, ErrInvalidPayload
	}
	if d.net != nil && d.net.Online() {
		a := Action{ID: uuid.New(), Payload: payload, EnqueuedAt: d.queue.now().UTC()}
		err := d.queue.sink.Process(ctx, a)
		if err == nil {
			return Receipt{Action: a}, nil
		}
		slog.Warn("offline: direct delivery failed, queueing", "id", a.ID, "err", err)
	}

	a, err := d.queue.Enqueue(ctx, payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("offline: submit: %w", err)
	}
	return Receipt{Action: a, Queued: true}, nil
}
