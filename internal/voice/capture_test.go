package voice

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/agrivoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/agrivoice/pkg/provider/stt/mock"
)

func newCapture(rec *sttmock.Recognizer) *CaptureSession {
	return NewCaptureSession(NewCapability("mock", rec))
}

func listenAsync(ctx context.Context, s *CaptureSession, tr *transcripts, e *errs) <-chan result {
	ch := make(chan result, 1)
	go func() {
		text, err := s.Listen(ctx, "hi-IN", tr.on, e.on)
		ch <- result{text, err}
	}()
	return ch
}

func TestCaptureSession_NoCapability(t *testing.T) {
	s := NewCaptureSession(None)
	var tr transcripts
	var e errs

	_, err := s.Listen(context.Background(), "en-US", tr.on, e.on)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("err = %v, want ErrCapabilityUnavailable", err)
	}
	if got := e.snapshot(); len(got) != 1 || !errors.Is(got[0], ErrCapabilityUnavailable) {
		t.Errorf("onError calls = %v", got)
	}
	if texts, _ := tr.snapshot(); len(texts) != 0 {
		t.Errorf("onTranscript called %d times, want 0", len(texts))
	}
	if got := s.State(); got != CaptureFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestCaptureSession_FinalTranscript(t *testing.T) {
	rec := &sttmock.Recognizer{}
	s := newCapture(rec)
	var tr transcripts
	var e errs

	done := listenAsync(context.Background(), s, &tr, &e)
	stream := rec.WaitStream(0, time.Second)
	if stream == nil {
		t.Fatal("recognizer was not started")
	}
	if got := s.State(); got != CaptureListening {
		t.Errorf("state = %v, want listening", got)
	}

	stream.Emit(stt.ResultEvent("mitti ", 0.4, false))
	stream.Emit(stt.Event{Kind: stt.EventResult, Batch: stt.Batch{
		ResultIndex: 1,
		Results: []stt.Result{
			{Alternatives: []stt.Alternative{{Transcript: "stale"}}, IsFinal: true},
			{Alternatives: []stt.Alternative{{Transcript: "mitti "}, {Transcript: "alt"}}, IsFinal: true},
			{Alternatives: []stt.Alternative{{Transcript: "ki nami"}}},
		},
	}})

	r := waitResult(t, done)
	if r.err != nil {
		t.Fatalf("Listen: %v", r.err)
	}
	if r.text != "mitti ki nami" {
		t.Errorf("text = %q, want %q", r.text, "mitti ki nami")
	}
	texts, finals := tr.snapshot()
	if len(texts) != 2 || texts[0] != "mitti " || finals[0] || texts[1] != "mitti ki nami" || !finals[1] {
		t.Errorf("transcripts = %q %v", texts, finals)
	}
	if len(e.snapshot()) != 0 {
		t.Errorf("onError called: %v", e.snapshot())
	}
	if got := s.State(); got != CaptureCompleted {
		t.Errorf("state = %v, want completed", got)
	}
	if stream.StopCount() != 1 {
		t.Errorf("stream stopped %d times, want 1", stream.StopCount())
	}

	cfg := rec.StartCalls[0]
	if cfg.Lang != "hi-IN" || cfg.Continuous || !cfg.InterimResults {
		t.Errorf("config = %+v", cfg)
	}
}

func TestCaptureSession_EngineError(t *testing.T) {
	rec := &sttmock.Recognizer{}
	s := newCapture(rec)
	var tr transcripts
	var e errs

	done := listenAsync(context.Background(), s, &tr, &e)
	stream := rec.WaitStream(0, time.Second)
	stream.Emit(stt.Event{Kind: stt.EventError, Code: "network"})

	r := waitResult(t, done)
	var rerr *RecognitionError
	if !errors.As(r.err, &rerr) {
		t.Fatalf("err = %v, want *RecognitionError", r.err)
	}
	if rerr.Code != "network" || !strings.Contains(rerr.Error(), "network") {
		t.Errorf("error = %v, want code network embedded", rerr)
	}
	if got := e.snapshot(); len(got) != 1 || !errors.As(got[0], &rerr) {
		t.Errorf("onError calls = %v", got)
	}
	if got := s.State(); got != CaptureFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestCaptureSession_StartError(t *testing.T) {
	rec := &sttmock.Recognizer{StartErr: errors.New("device busy")}
	s := newCapture(rec)
	var e errs

	_, err := s.Listen(context.Background(), "en-US", nil, e.on)
	var rerr *RecognitionError
	if !errors.As(err, &rerr) || rerr.Code != "start" {
		t.Fatalf("err = %v, want start RecognitionError", err)
	}
	if len(e.snapshot()) != 1 {
		t.Errorf("onError calls = %d, want 1", len(e.snapshot()))
	}
	if got := s.State(); got != CaptureFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestCaptureSession_EndWithoutFinal(t *testing.T) {
	for _, tc := range []struct {
		name string
		end  func(*sttmock.Stream)
	}{
		{"end event", func(s *sttmock.Stream) { s.Emit(stt.Event{Kind: stt.EventEnd}) }},
		{"closed channel", func(s *sttmock.Stream) { s.Finish() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := &sttmock.Recognizer{}
			s := newCapture(rec)
			var tr transcripts
			var e errs

			done := listenAsync(context.Background(), s, &tr, &e)
			stream := rec.WaitStream(0, time.Second)
			stream.Emit(stt.ResultEvent("partial", 0.3, false))
			tc.end(stream)

			r := waitResult(t, done)
			if !errors.Is(r.err, ErrNoTranscript) {
				t.Fatalf("err = %v, want ErrNoTranscript", r.err)
			}
			if len(e.snapshot()) != 0 {
				t.Errorf("onError called: %v", e.snapshot())
			}
			if got := s.State(); got != CaptureIdle {
				t.Errorf("state = %v, want idle", got)
			}
		})
	}
}

func TestCaptureSession_NewListenSupersedesPrevious(t *testing.T) {
	rec := &sttmock.Recognizer{}
	s := newCapture(rec)
	var trA, trB transcripts
	var eA, eB errs

	doneA := listenAsync(context.Background(), s, &trA, &eA)
	streamA := rec.WaitStream(0, time.Second)
	streamA.Emit(stt.ResultEvent("first", 0.5, false))
	eventually(t, "first transcript", func() bool {
		texts, _ := trA.snapshot()
		return len(texts) == 1
	})

	doneB := listenAsync(context.Background(), s, &trB, &eB)
	streamB := rec.WaitStream(1, time.Second)
	if streamB == nil {
		t.Fatal("second session was not started")
	}

	rA := waitResult(t, doneA)
	if !errors.Is(rA.err, ErrCancelled) {
		t.Fatalf("superseded Listen err = %v, want ErrCancelled", rA.err)
	}
	select {
	case <-streamA.Stopped():
	default:
		t.Error("superseded stream was not stopped")
	}

	// Late events from the superseded stream are never delivered.
	streamA.Emit(stt.ResultEvent("late", 1, true))
	streamB.Emit(stt.ResultEvent("second", 1, true))

	rB := waitResult(t, doneB)
	if rB.err != nil || rB.text != "second" {
		t.Fatalf("Listen B = %q, %v", rB.text, rB.err)
	}
	if texts, _ := trA.snapshot(); len(texts) != 1 {
		t.Errorf("superseded session delivered %q", texts)
	}
	if len(eA.snapshot()) != 0 {
		t.Errorf("superseded session reported errors: %v", eA.snapshot())
	}
}

func TestCaptureSession_StopIsIdempotent(t *testing.T) {
	rec := &sttmock.Recognizer{}
	s := newCapture(rec)
	var tr transcripts
	var e errs

	done := listenAsync(context.Background(), s, &tr, &e)
	stream := rec.WaitStream(0, time.Second)

	s.Stop()
	stateAfterOne := s.State()
	s.Stop()

	r := waitResult(t, done)
	if !errors.Is(r.err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", r.err)
	}
	if got := s.State(); got != stateAfterOne || got != CaptureCancelled {
		t.Errorf("state = %v after second stop, %v after first; want cancelled", got, stateAfterOne)
	}
	if stream.StopCount() != 1 {
		t.Errorf("stream stopped %d times, want 1", stream.StopCount())
	}

	stream.Emit(stt.ResultEvent("late", 1, true))
	time.Sleep(10 * time.Millisecond)
	if texts, _ := tr.snapshot(); len(texts) != 0 {
		t.Errorf("delivered after stop: %q", texts)
	}
	if len(e.snapshot()) != 0 {
		t.Errorf("onError after stop: %v", e.snapshot())
	}
}

func TestCaptureSession_StopWhenIdle(t *testing.T) {
	s := newCapture(&sttmock.Recognizer{})
	s.Stop()
	s.Stop()
	if got := s.State(); got != CaptureIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestCaptureSession_StopFromCallback(t *testing.T) {
	rec := &sttmock.Recognizer{}
	s := newCapture(rec)
	var calls int

	done := make(chan result, 1)
	go func() {
		text, err := s.Listen(context.Background(), "en-US", func(string, bool) {
			calls++
			s.Stop()
		}, nil)
		done <- result{text, err}
	}()
	stream := rec.WaitStream(0, time.Second)
	stream.Emit(stt.ResultEvent("stop", 0.9, false))
	stream.Emit(stt.ResultEvent("stop now", 1, true))

	r := waitResult(t, done)
	if !errors.Is(r.err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", r.err)
	}
	if calls != 1 {
		t.Errorf("onTranscript called %d times, want 1", calls)
	}
}

func TestCaptureSession_ContextCancel(t *testing.T) {
	rec := &sttmock.Recognizer{}
	s := newCapture(rec)
	ctx, cancel := context.WithCancel(context.Background())
	var tr transcripts
	var e errs

	done := listenAsync(ctx, s, &tr, &e)
	stream := rec.WaitStream(0, time.Second)
	cancel()

	r := waitResult(t, done)
	if !errors.Is(r.err, ErrCancelled) || !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err = %v, want ErrCancelled wrapping context.Canceled", r.err)
	}
	if got := s.State(); got != CaptureCancelled {
		t.Errorf("state = %v, want cancelled", got)
	}
	<-stream.Stopped()
}

func TestCaptureState_String(t *testing.T) {
	tests := map[CaptureState]string{
		CaptureIdle:      "idle",
		CaptureListening: "listening",
		CaptureCompleted: "completed",
		CaptureFailed:    "failed",
		CaptureCancelled: "cancelled",
		CaptureState(99): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
