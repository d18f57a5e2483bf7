// Package stt defines the boundary between the voice core and a speech
// recognition engine.
//
// A Recognizer opens one Stream per capture attempt. The stream delivers
// engine events on a channel in arrival order: zero or more Result batches,
// followed by at most one terminal Error or End event, after which the
// channel is closed. Stop asks the engine to stop listening; it is safe to
// call more than once and from any goroutine.
package stt

import (
	"context"
	"errors"
)

// ErrStreamStopped is returned by engine operations attempted after Stop.
var ErrStreamStopped = errors.New("stt: stream stopped")

// Config carries the per-session engine flags.
type Config struct {
	// Lang is the BCP-47 locale tag to recognise (e.g. "hi-IN").
	Lang string

	// Continuous keeps the engine listening after the first final result.
	// The voice core always sets this to false.
	Continuous bool

	// InterimResults enables partial (non-final) result batches.
	InterimResults bool
}

// Stream is one live recognition session.
type Stream interface {
	// Events returns the engine event channel. It is closed after the
	// terminal event or after Stop.
	Events() <-chan Event

	// Stop stops recognition and releases the audio input. Idempotent.
	Stop() error
}

// Recognizer is a speech recognition engine variant.
type Recognizer interface {
	// Start opens a new recognition stream with cfg. The returned stream is
	// already listening.
	Start(ctx context.Context, cfg Config) (Stream, error)
}
