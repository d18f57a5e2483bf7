package voice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/locale"
	"github.com/MrWong99/agrivoice/pkg/provider/tts"
)

// UtteranceState is the state of the most recent utterance of an
// [OutputQueue].
type UtteranceState int

const (
	// UtteranceQueued means the utterance was accepted but the engine has
	// not started it yet. It is also the state before anything was spoken.
	UtteranceQueued UtteranceState = iota

	// UtteranceSpeaking means the engine is playing the utterance.
	UtteranceSpeaking

	// UtteranceEnded means the engine finished the utterance.
	UtteranceEnded

	// UtteranceFailed means the engine reported an error.
	UtteranceFailed

	// UtteranceCancelled means the utterance was stopped or superseded.
	UtteranceCancelled
)

// String returns the state name.
func (s UtteranceState) String() string {
	switch s {
	case UtteranceQueued:
		return "queued"
	case UtteranceSpeaking:
		return "speaking"
	case UtteranceEnded:
		return "ended"
	case UtteranceFailed:
		return "failed"
	case UtteranceCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// OutputQueue owns at most one active utterance. Every Speak cancels the
// engine before starting, so a new utterance always replaces the old one.
type OutputQueue struct {
	engine tts.Engine

	// startMu serialises engine starts so the engine sees cancel(A) before
	// speak(B). It is never held while waiting on mu.
	startMu sync.Mutex

	mu      sync.Mutex
	state   UtteranceState
	current *utterance
}

type utterance struct {
	done chan struct{}
	once sync.Once
	stop context.CancelFunc
}

// cancel marks u superseded and aborts an engine start still in flight.
func (u *utterance) cancel() {
	u.once.Do(func() {
		close(u.done)
		u.stop()
	})
}

// NewOutputQueue returns a queue speaking through engine. A nil engine makes
// every Speak fail with [ErrSynthesisUnsupported].
func NewOutputQueue(engine tts.Engine) *OutputQueue {
	return &OutputQueue{engine: engine}
}

// Supported reports whether a synthesis engine is present.
func (q *OutputQueue) Supported() bool { return q.engine != nil }

// State returns the state of the most recent utterance.
func (q *OutputQueue) State() UtteranceState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Speak speaks text with settings and blocks until the engine ends the
// utterance (nil), reports an error (*SynthesisError), or the utterance is
// superseded, stopped, or ctx ends (ErrCancelled).
func (q *OutputQueue) Speak(ctx context.Context, text string, settings Settings) error {
	if q.engine == nil {
		return ErrSynthesisUnsupported
	}
	req := tts.Utterance{
		Text:   text,
		Lang:   locale.Resolve(settings.Language),
		Rate:   settings.Rate,
		Pitch:  settings.Pitch,
		Volume: settings.Volume,
	}

	uctx, stop := context.WithCancel(ctx)
	defer stop()
	cur := &utterance{done: make(chan struct{}), stop: stop}

	q.mu.Lock()
	if q.current != nil {
		q.current.cancel()
	}
	q.current = cur
	q.state = UtteranceQueued
	q.mu.Unlock()

	signals, err := q.start(uctx, cur, req)
	if err != nil {
		return err
	}

	select {
	case sig, ok := <-signals:
		if !ok {
			q.finish(cur, UtteranceCancelled)
			return cancelled(ctx.Err())
		}
		if sig.Kind == tts.SignalError {
			if !q.finish(cur, UtteranceFailed) {
				return ErrCancelled
			}
			slog.Warn("voice: synthesis failed", "lang", req.Lang, "err", sig.Err)
			return &SynthesisError{Err: sig.Err}
		}
		if !q.finish(cur, UtteranceEnded) {
			return ErrCancelled
		}
		return nil

	case <-cur.done:
		go audio.Drain(signals)
		return ErrCancelled

	case <-ctx.Done():
		go audio.Drain(signals)
		q.mu.Lock()
		if q.current == cur {
			q.current = nil
			q.state = UtteranceCancelled
			q.engine.Cancel()
		}
		q.mu.Unlock()
		return cancelled(ctx.Err())
	}
}

// start hands req to the engine once every earlier start has returned. Only
// startMu is held across the engine call, so Stop and State never wait on a
// slow start; cancelling cur aborts it through ctx.
func (q *OutputQueue) start(ctx context.Context, cur *utterance, req tts.Utterance) (<-chan tts.Signal, error) {
	q.startMu.Lock()
	defer q.startMu.Unlock()

	select {
	case <-cur.done:
		return nil, ErrCancelled
	default:
	}
	q.engine.Cancel()
	signals, err := q.engine.Speak(ctx, req)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != cur {
		// Superseded while starting. A successor cancels the engine itself
		// before its own start; after a Stop nothing else will.
		if q.current == nil {
			q.engine.Cancel()
		}
		if err == nil {
			go audio.Drain(signals)
		}
		return nil, ErrCancelled
	}
	if err != nil {
		q.current = nil
		if ctx.Err() != nil {
			q.state = UtteranceCancelled
			return nil, cancelled(ctx.Err())
		}
		q.state = UtteranceFailed
		slog.Warn("voice: synthesis failed to start", "lang", req.Lang, "err", err)
		return nil, &SynthesisError{Err: err}
	}
	q.state = UtteranceSpeaking
	return signals, nil
}

// Stop cancels the current utterance. Calling it again has no further
// effect.
func (q *OutputQueue) Stop() {
	if q.engine == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return
	}
	q.current.cancel()
	q.current = nil
	q.state = UtteranceCancelled
	q.engine.Cancel()
}

func (q *OutputQueue) finish(u *utterance, state UtteranceState) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != u {
		return false
	}
	q.current = nil
	q.state = state
	u.cancel()
	return true
}
