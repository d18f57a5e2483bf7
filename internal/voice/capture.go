package voice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/agrivoice/pkg/provider/stt"
)

// CaptureState is the state of a [CaptureSession].
type CaptureState int

const (
	// CaptureIdle means no session has run yet, or the last one ended
	// without a final transcript.
	CaptureIdle CaptureState = iota

	// CaptureListening means a session is active.
	CaptureListening

	// CaptureCompleted means the last session produced a final transcript.
	CaptureCompleted

	// CaptureFailed means the last session ended with an error.
	CaptureFailed

	// CaptureCancelled means the last session was stopped, superseded, or
	// its context ended.
	CaptureCancelled
)

// String returns the state name.
func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case CaptureListening:
		return "listening"
	case CaptureCompleted:
		return "completed"
	case CaptureFailed:
		return "failed"
	case CaptureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TranscriptFunc receives each flattened result batch in arrival order.
type TranscriptFunc func(text string, isFinal bool)

// ErrorFunc receives the error that ended a session.
type ErrorFunc func(err error)

// CaptureSession owns at most one active recognition run. Starting a new run
// stops the previous one first; a stopped run delivers nothing further.
type CaptureSession struct {
	capability Capability

	mu     sync.Mutex
	state  CaptureState
	active *captureRun
}

// captureRun is one Listen call. done is closed when the run leaves
// Listening through Stop or supersession.
type captureRun struct {
	id     string
	stream stt.Stream
	done   chan struct{}
	once   sync.Once
}

func (r *captureRun) release() {
	r.once.Do(func() {
		close(r.done)
		if r.stream != nil {
			if err := r.stream.Stop(); err != nil {
				slog.Debug("voice: stop recognition stream", "session", r.id, "err", err)
			}
		}
	})
}

func (r *captureRun) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// NewCaptureSession returns an idle session using c.
func NewCaptureSession(c Capability) *CaptureSession {
	return &CaptureSession{capability: c}
}

// State returns the current state.
func (s *CaptureSession) State() CaptureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen starts a recognition run for locale lang and blocks until the run
// completes, fails, or is cancelled. onTranscript and onError run on the
// caller's goroutine and may be nil.
//
// Outcomes:
//   - final batch: returns its text, state Completed
//   - engine error: onError and return *RecognitionError, state Failed
//   - engine end without a final batch: ErrNoTranscript, state Idle
//   - Stop, a newer Listen, or ctx done: ErrCancelled, state Cancelled
//   - no capability: onError and return ErrCapabilityUnavailable, state Failed
func (s *CaptureSession) Listen(ctx context.Context, lang string, onTranscript TranscriptFunc, onError ErrorFunc) (string, error) {
	if !s.capability.Available() {
		s.mu.Lock()
		s.supersede()
		s.state = CaptureFailed
		s.mu.Unlock()
		if onError != nil {
			onError(ErrCapabilityUnavailable)
		}
		return "", ErrCapabilityUnavailable
	}

	run := &captureRun{id: uuid.NewString(), done: make(chan struct{})}
	s.mu.Lock()
	s.supersede()
	s.active = run
	s.state = CaptureListening
	s.mu.Unlock()

	log := slog.With("session", run.id, "lang", lang)
	log.Debug("voice: capture started", "variant", s.capability.Name())

	stream, err := s.capability.Recognizer().Start(ctx, stt.Config{
		Lang:           lang,
		Continuous:     false,
		InterimResults: true,
	})
	if err != nil {
		rerr := &RecognitionError{Code: "start", Err: err}
		if !s.finish(run, CaptureFailed) {
			return "", ErrCancelled
		}
		log.Warn("voice: capture failed to start", "err", err)
		if onError != nil {
			onError(rerr)
		}
		return "", rerr
	}

	s.mu.Lock()
	if s.active != run {
		// Stopped or superseded while the engine was starting.
		s.mu.Unlock()
		_ = stream.Stop()
		return "", ErrCancelled
	}
	run.stream = stream
	s.mu.Unlock()

	events := stream.Events()
	for {
		select {
		case <-run.done:
			return "", ErrCancelled

		case <-ctx.Done():
			s.finish(run, CaptureCancelled)
			return "", cancelled(ctx.Err())

		case ev, ok := <-events:
			if !ok {
				ev = stt.Event{Kind: stt.EventEnd}
			}
			switch ev.Kind {
			case stt.EventResult:
				text, final := ev.Batch.Flatten()
				if final {
					if !s.finish(run, CaptureCompleted) {
						return "", ErrCancelled
					}
					if onTranscript != nil {
						onTranscript(text, true)
					}
					log.Debug("voice: capture completed", "chars", len(text))
					return text, nil
				}
				if run.stopped() {
					return "", ErrCancelled
				}
				if onTranscript != nil {
					onTranscript(text, false)
				}

			case stt.EventError:
				if !s.finish(run, CaptureFailed) {
					return "", ErrCancelled
				}
				rerr := &RecognitionError{Code: ev.Code}
				log.Warn("voice: capture failed", "code", ev.Code)
				if onError != nil {
					onError(rerr)
				}
				return "", rerr

			case stt.EventEnd:
				if !s.finish(run, CaptureIdle) {
					return "", ErrCancelled
				}
				return "", ErrNoTranscript
			}
		}
	}
}

// Stop cancels the active run, if any. It is a no-op when nothing is
// listening.
func (s *CaptureSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	s.supersede()
	s.state = CaptureCancelled
}

// supersede releases the active run. Callers hold s.mu.
func (s *CaptureSession) supersede() {
	if s.active == nil {
		return
	}
	s.active.release()
	s.active = nil
}

// finish moves run to a terminal state if it is still the active run and
// reports whether it was.
func (s *CaptureSession) finish(run *captureRun, state CaptureState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != run {
		return false
	}
	s.active = nil
	s.state = state
	run.release()
	return true
}
