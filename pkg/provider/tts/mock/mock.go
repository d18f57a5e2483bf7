// Package mock provides a test double for the tts.Engine interface.
//
// Engine records every Speak and Cancel in one ordered log so tests can
// assert that a cancel reached the engine before the next speak:
//
//	eng := &mock.Engine{}
//	go q.Speak(ctx, "A", nil)
//	eng.WaitSpeaks(1, time.Second)
//	eng.End(0)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/agrivoice/pkg/provider/tts"
)

// Engine is a mock implementation of [tts.Engine] and [tts.LanguageLister].
type Engine struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned by every Speak call.
	SpeakErr error

	// LanguagesResult and LanguagesErr are returned by Languages.
	LanguagesResult []string
	LanguagesErr    error

	// Log holds "cancel" and "speak:<text>" entries in call order.
	Log []string

	// Utterances records every utterance passed to Speak, in order.
	Utterances []tts.Utterance

	signals []chan tts.Signal
	done    []bool
}

// Speak records the call and returns a signal channel driven by End/Fail.
func (e *Engine) Speak(_ context.Context, u tts.Utterance) (<-chan tts.Signal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Log = append(e.Log, "speak:"+u.Text)
	if e.SpeakErr != nil {
		return nil, e.SpeakErr
	}
	ch := make(chan tts.Signal, 1)
	e.Utterances = append(e.Utterances, u)
	e.signals = append(e.signals, ch)
	e.done = append(e.done, false)
	return ch, nil
}

// Cancel records the call and closes every pending signal channel without
// sending a signal.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Log = append(e.Log, "cancel")
	for i, ch := range e.signals {
		if !e.done[i] {
			e.done[i] = true
			close(ch)
		}
	}
}

// Languages returns LanguagesResult, LanguagesErr.
func (e *Engine) Languages(context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.LanguagesResult, e.LanguagesErr
}

// End completes utterance i with a SignalEnd. It reports false when i was
// already finished or cancelled.
func (e *Engine) End(i int) bool {
	return e.finish(i, tts.Signal{Kind: tts.SignalEnd})
}

// Fail completes utterance i with a SignalError carrying err.
func (e *Engine) Fail(i int, err error) bool {
	return e.finish(i, tts.Signal{Kind: tts.SignalError, Err: err})
}

func (e *Engine) finish(i int, sig tts.Signal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.signals) || e.done[i] {
		return false
	}
	e.done[i] = true
	e.signals[i] <- sig
	close(e.signals[i])
	return true
}

// Calls returns a copy of the call log.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Log))
	copy(out, e.Log)
	return out
}

// SpeakCount returns the number of utterances started.
func (e *Engine) SpeakCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.signals)
}

// WaitSpeaks blocks until at least n utterances were started or timeout
// elapses; it reports whether the count was reached.
func (e *Engine) WaitSpeaks(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for e.SpeakCount() < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

var (
	_ tts.Engine         = (*Engine)(nil)
	_ tts.LanguageLister = (*Engine)(nil)
)
