package voice

import (
	"sync"
	"testing"
	"time"
)

// result is the outcome of a Listen call run in the background.
type result struct {
	text string
	err  error
}

// transcripts records onTranscript calls.
type transcripts struct {
	mu     sync.Mutex
	texts  []string
	finals []bool
}

func (tr *transcripts) on(text string, isFinal bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.texts = append(tr.texts, text)
	tr.finals = append(tr.finals, isFinal)
}

func (tr *transcripts) snapshot() ([]string, []bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.texts...), append([]bool(nil), tr.finals...)
}

// errs records onError calls.
type errs struct {
	mu   sync.Mutex
	list []error
}

func (e *errs) on(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, err)
}

func (e *errs) snapshot() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.list...)
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return result{}
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
