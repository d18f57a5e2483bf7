// Package mock provides test doubles for the stt package interfaces.
//
// Recognizer hands out Streams whose event channel is driven by the test:
//
//	rec := &mock.Recognizer{}
//	go func() {
//	    s := rec.WaitStream(t, 0)
//	    s.Emit(stt.ResultEvent("hello", 1, true))
//	}()
//	text, err := capture.Listen(ctx, onTranscript, onError)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/agrivoice/pkg/provider/stt"
)

// Recognizer is a mock implementation of [stt.Recognizer].
type Recognizer struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by every Start call.
	StartErr error

	// StartCalls records the Config of every Start call in order.
	StartCalls []stt.Config

	// Streams records every stream handed out, in order.
	Streams []*Stream

	started chan struct{}
}

// Start records the call and returns a new [Stream].
func (r *Recognizer) Start(_ context.Context, cfg stt.Config) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, cfg)
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	s := NewStream()
	r.Streams = append(r.Streams, s)
	r.signalLocked()
	return s, nil
}

func (r *Recognizer) signalLocked() {
	if r.started == nil {
		r.started = make(chan struct{}, 64)
	}
	select {
	case r.started <- struct{}{}:
	default:
	}
}

// StreamCount returns the number of streams started so far.
func (r *Recognizer) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Streams)
}

// WaitStream blocks until at least i+1 streams have been started and returns
// stream i. It returns nil after timeout.
func (r *Recognizer) WaitStream(i int, timeout time.Duration) *Stream {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		if len(r.Streams) > i {
			s := r.Streams[i]
			r.mu.Unlock()
			return s
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

var _ stt.Recognizer = (*Recognizer)(nil)

// Stream is a mock [stt.Stream]. Events pushed with Emit are delivered in
// order. Stop never closes the event channel, so Emit after Stop still
// enqueues; the consumer must ignore such events.
type Stream struct {
	mu        sync.Mutex
	events    chan stt.Event
	stopCalls int
	stopped   chan struct{}
}

// NewStream returns a stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{
		events:  make(chan stt.Event, 64),
		stopped: make(chan struct{}),
	}
}

// Events returns the event channel.
func (s *Stream) Events() <-chan stt.Event { return s.events }

// Emit enqueues ev.
func (s *Stream) Emit(ev stt.Event) { s.events <- ev }

// Finish closes the event channel, simulating an engine that went away
// without a terminal event.
func (s *Stream) Finish() { close(s.events) }

// Stop records the call.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	if s.stopCalls == 1 {
		close(s.stopped)
	}
	return nil
}

// StopCount returns the number of Stop calls.
func (s *Stream) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// Stopped is closed on the first Stop call.
func (s *Stream) Stopped() <-chan struct{} { return s.stopped }

var _ stt.Stream = (*Stream)(nil)
