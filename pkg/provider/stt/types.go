package stt

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventResult carries a result batch.
	EventResult EventKind = iota

	// EventError is terminal: the engine failed with Code.
	EventError

	// EventEnd is terminal: the engine stopped listening on its own.
	EventEnd
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is a single engine notification.
type Event struct {
	Kind EventKind

	// Batch is set for EventResult.
	Batch Batch

	// Code is the engine error code for EventError (e.g. "no-speech",
	// "network", "not-allowed").
	Code string
}

// Batch is one native result delivery. Results before ResultIndex were
// already delivered in an earlier batch and are kept only for engines that
// report cumulative result lists.
type Batch struct {
	ResultIndex int
	Results     []Result
}

// Result is one recognised segment with its ranked alternatives.
type Result struct {
	Alternatives []Alternative
	IsFinal      bool
}

// Alternative is a single transcription hypothesis.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Flatten concatenates the top alternative of every result from ResultIndex
// onward into one transcript string. final is true when any of those results
// is final.
func (b Batch) Flatten() (text string, final bool) {
	start := b.ResultIndex
	if start < 0 {
		start = 0
	}
	for i := start; i < len(b.Results); i++ {
		r := b.Results[i]
		if len(r.Alternatives) > 0 {
			text += r.Alternatives[0].Transcript
		}
		if r.IsFinal {
			final = true
		}
	}
	return text, final
}

// ResultEvent builds an [EventResult] holding a single result. Convenience for
// engines that emit one segment per message.
func ResultEvent(transcript string, confidence float64, final bool) Event {
	return Event{
		Kind: EventResult,
		Batch: Batch{Results: []Result{{
			Alternatives: []Alternative{{Transcript: transcript, Confidence: confidence}},
			IsFinal:      final,
		}}},
	}
}
