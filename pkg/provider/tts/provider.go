// Package tts defines the boundary between the voice core and a speech
// synthesis engine.
//
// An Engine accepts one Utterance at a time from the core. Speak returns a
// signal channel that receives exactly one terminal Signal (end or error) and
// is then closed. Cancel drops every in-flight utterance silently: the signal
// channels of cancelled utterances are closed without a signal.
package tts

import "context"

// Utterance is a single synthesis request.
type Utterance struct {
	// Text to speak.
	Text string

	// Lang is the BCP-47 locale tag (e.g. "ta-IN").
	Lang string

	// Rate is the speaking rate multiplier; 1.0 is normal.
	Rate float64

	// Pitch is the pitch multiplier; 1.0 is normal. Engines that cannot
	// shift pitch ignore it.
	Pitch float64

	// Volume in [0, 1].
	Volume float64
}

// SignalKind discriminates [Signal] values.
type SignalKind int

const (
	// SignalEnd reports that the utterance finished playing.
	SignalEnd SignalKind = iota

	// SignalError reports that synthesis or playback failed.
	SignalError
)

// String returns the signal kind name.
func (k SignalKind) String() string {
	switch k {
	case SignalEnd:
		return "end"
	case SignalError:
		return "error"
	default:
		return "unknown"
	}
}

// Signal is the terminal notification for an utterance.
type Signal struct {
	Kind SignalKind

	// Err describes the failure for SignalError.
	Err error
}

// Engine is a speech synthesis engine.
type Engine interface {
	// Speak starts speaking u. The returned error covers only failure to
	// start; later failures arrive as a SignalError.
	Speak(ctx context.Context, u Utterance) (<-chan Signal, error)

	// Cancel silently drops any in-flight utterance. Safe to call when
	// nothing is playing.
	Cancel()
}

// LanguageLister is implemented by engines that can report the locale tags
// they have voices for.
type LanguageLister interface {
	Languages(ctx context.Context) ([]string, error)
}
