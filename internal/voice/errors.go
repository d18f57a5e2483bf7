package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnavailable is returned by Listen when no recognition
	// engine was detected at startup.
	ErrCapabilityUnavailable = errors.New("voice: speech recognition is not available")

	// ErrPermissionDenied is returned by Listen when microphone access was
	// refused. Re-requesting may succeed.
	ErrPermissionDenied = errors.New("voice: microphone permission denied")

	// ErrSynthesisUnsupported is returned by Speak when no synthesis engine
	// is configured.
	ErrSynthesisUnsupported = errors.New("voice: speech synthesis is not supported")

	// ErrCancelled is returned by a Listen or Speak call that was superseded
	// by a newer call, stopped, or whose context ended.
	ErrCancelled = errors.New("voice: cancelled")

	// ErrInvalidSettings wraps a settings update or speak override that
	// failed validation.
	ErrInvalidSettings = errors.New("voice: invalid settings")

	// ErrNoTranscript is returned by Listen when the engine ended the session
	// without producing a final result.
	ErrNoTranscript = errors.New("voice: recognition ended without a final transcript")
)

// RecognitionError is an engine-level capture failure. Code is the engine's
// error code (e.g. "network", "no-speech").
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("voice: speech recognition error: %s: %v", e.Code, e.Err)
	}
	return "voice: speech recognition error: " + e.Code
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// SynthesisError is an engine-level output failure.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("voice: speech synthesis error: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// cancelled wraps cause (usually ctx.Err()) so that errors.Is matches both
// ErrCancelled and the cause.
func cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
