package voice

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/agrivoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/agrivoice/pkg/provider/tts/mock"
)

func waitSpeaking(t *testing.T, q *OutputQueue) {
	t.Helper()
	eventually(t, "speaking state", func() bool { return q.State() == UtteranceSpeaking })
}

// stallingEngine never finishes starting an utterance whose text is "stall"
// until its ctx ends, like a websocket dial to an unreachable host. Other
// utterances end immediately.
type stallingEngine struct {
	mu      sync.Mutex
	log     []string
	stalled chan struct{}
	once    sync.Once
}

func newStallingEngine() *stallingEngine {
	return &stallingEngine{stalled: make(chan struct{})}
}

func (e *stallingEngine) record(entry string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, entry)
}

func (e *stallingEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.log)
}

func (e *stallingEngine) Speak(ctx context.Context, u tts.Utterance) (<-chan tts.Signal, error) {
	e.record("speak:" + u.Text)
	if u.Text == "stall" {
		e.once.Do(func() { close(e.stalled) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ch := make(chan tts.Signal, 1)
	ch <- tts.Signal{Kind: tts.SignalEnd}
	close(ch)
	return ch, nil
}

func (e *stallingEngine) Cancel() { e.record("cancel") }

func speakAsync(ctx context.Context, q *OutputQueue, text string, s Settings) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- q.Speak(ctx, text, s) }()
	return ch
}

func TestOutputQueue_Unsupported(t *testing.T) {
	q := NewOutputQueue(nil)
	if err := q.Speak(context.Background(), "hello", DefaultSettings()); !errors.Is(err, ErrSynthesisUnsupported) {
		t.Fatalf("err = %v, want ErrSynthesisUnsupported", err)
	}
	q.Stop()
}

func TestOutputQueue_SpeakEnds(t *testing.T) {
	eng := &ttsmock.Engine{}
	q := NewOutputQueue(eng)
	settings := Settings{Language: "ta", Rate: 0.9, Pitch: 1.1, Volume: 0.5}

	done := speakAsync(context.Background(), q, "vanakkam", settings)
	if !eng.WaitSpeaks(1, time.Second) {
		t.Fatal("engine was not asked to speak")
	}
	waitSpeaking(t, q)
	eng.End(0)

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := q.State(); got != UtteranceEnded {
		t.Errorf("state = %v, want ended", got)
	}
	u := eng.Utterances[0]
	if u.Lang != "ta-IN" || u.Rate != 0.9 || u.Pitch != 1.1 || u.Volume != 0.5 {
		t.Errorf("utterance = %+v", u)
	}
	if want := []string{"cancel", "speak:vanakkam"}; !slices.Equal(eng.Calls(), want) {
		t.Errorf("calls = %v, want %v", eng.Calls(), want)
	}
}

func TestOutputQueue_EngineError(t *testing.T) {
	eng := &ttsmock.Engine{}
	q := NewOutputQueue(eng)
	cause := errors.New("synthesis-failed")

	done := speakAsync(context.Background(), q, "hello", DefaultSettings())
	eng.WaitSpeaks(1, time.Second)
	eng.Fail(0, cause)

	err := waitErr(t, done)
	var serr *SynthesisError
	if !errors.As(err, &serr) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want SynthesisError wrapping cause", err)
	}
	if got := q.State(); got != UtteranceFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestOutputQueue_StartError(t *testing.T) {
	eng := &ttsmock.Engine{SpeakErr: errors.New("no voice")}
	q := NewOutputQueue(eng)

	err := q.Speak(context.Background(), "hello", DefaultSettings())
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *SynthesisError", err)
	}
	if got := q.State(); got != UtteranceFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestOutputQueue_SpeakBCancelsA(t *testing.T) {
	eng := &ttsmock.Engine{}
	q := NewOutputQueue(eng)

	doneA := speakAsync(context.Background(), q, "A", DefaultSettings())
	eng.WaitSpeaks(1, time.Second)
	waitSpeaking(t, q)
	doneB := speakAsync(context.Background(), q, "B", DefaultSettings())
	eng.WaitSpeaks(2, time.Second)

	if err := waitErr(t, doneA); !errors.Is(err, ErrCancelled) {
		t.Fatalf("A err = %v, want ErrCancelled", err)
	}
	want := []string{"cancel", "speak:A", "cancel", "speak:B"}
	if got := eng.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	// A's engine utterance was dropped; no end can be observed for it.
	if eng.End(0) {
		t.Error("utterance A could still be ended after cancellation")
	}

	eng.End(1)
	if err := waitErr(t, doneB); err != nil {
		t.Fatalf("B err = %v", err)
	}
	if got := q.State(); got != UtteranceEnded {
		t.Errorf("state = %v, want ended", got)
	}
}

func TestOutputQueue_StopIsIdempotent(t *testing.T) {
	eng := &ttsmock.Engine{}
	q := NewOutputQueue(eng)

	done := speakAsync(context.Background(), q, "hello", DefaultSettings())
	eng.WaitSpeaks(1, time.Second)
	waitSpeaking(t, q)

	q.Stop()
	first := q.State()
	q.Stop()

	if err := waitErr(t, done); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if got := q.State(); got != first || got != UtteranceCancelled {
		t.Errorf("state = %v after second stop, %v after first; want cancelled", got, first)
	}
	want := []string{"cancel", "speak:hello", "cancel"}
	if got := eng.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestOutputQueue_ContextCancel(t *testing.T) {
	eng := &ttsmock.Engine{}
	q := NewOutputQueue(eng)
	ctx, cancel := context.WithCancel(context.Background())

	done := speakAsync(ctx, q, "hello", DefaultSettings())
	eng.WaitSpeaks(1, time.Second)
	cancel()

	err := waitErr(t, done)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want ErrCancelled wrapping context.Canceled", err)
	}
	if got := q.State(); got != UtteranceCancelled {
		t.Errorf("state = %v, want cancelled", got)
	}
}

func TestOutputQueue_StopDuringStalledStart(t *testing.T) {
	eng := newStallingEngine()
	q := NewOutputQueue(eng)

	done := speakAsync(context.Background(), q, "stall", DefaultSettings())
	<-eng.stalled

	returned := make(chan UtteranceState, 1)
	go func() {
		q.Stop()
		returned <- q.State()
	}()
	select {
	case got := <-returned:
		if got != UtteranceCancelled {
			t.Errorf("state after stop = %v, want cancelled", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Stop or State blocked behind a stalled engine start")
	}

	if err := waitErr(t, done); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if got := q.State(); got != UtteranceCancelled {
		t.Errorf("state = %v, want cancelled", got)
	}
}

func TestOutputQueue_SupersedeStalledStart(t *testing.T) {
	eng := newStallingEngine()
	q := NewOutputQueue(eng)

	doneA := speakAsync(context.Background(), q, "stall", DefaultSettings())
	<-eng.stalled
	doneB := speakAsync(context.Background(), q, "next", DefaultSettings())

	if err := waitErr(t, doneA); !errors.Is(err, ErrCancelled) {
		t.Fatalf("stalled err = %v, want ErrCancelled", err)
	}
	if err := waitErr(t, doneB); err != nil {
		t.Fatalf("next err = %v", err)
	}
	want := []string{"cancel", "speak:stall", "cancel", "speak:next"}
	if got := eng.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if got := q.State(); got != UtteranceEnded {
		t.Errorf("state = %v, want ended", got)
	}
}
