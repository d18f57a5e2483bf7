// Package mock provides in-memory doubles for [audio.Microphone],
// [audio.Capture], [audio.Player], and [audio.Playback].
//
// All mocks are safe for concurrent use and record their calls.
//
//	mic := &mock.Microphone{OpenErr: errors.New("NotAllowedError")}
//	gate := voice.NewPermissionGate(mic)
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/MrWong99/agrivoice/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by every Open call.
	OpenErr error

	// Data is served by the captures returned from Open.
	Data []byte

	// OpenCalls counts Open invocations.
	OpenCalls int

	// Captures records every capture handed out, in order.
	Captures []*Capture
}

// Open records the call and returns a new [Capture] or OpenErr.
func (m *Microphone) Open(_ context.Context, _ audio.Format) (audio.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	c := &Capture{r: bytes.NewReader(m.Data)}
	m.Captures = append(m.Captures, c)
	return c, nil
}

// OpenCount returns the number of Open calls.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OpenCalls
}

var _ audio.Microphone = (*Microphone)(nil)

// Capture is a mock [audio.Capture] serving a fixed byte slice.
type Capture struct {
	mu        sync.Mutex
	r         io.Reader
	stopCalls int
}

// Read serves the configured data, then io.EOF.
func (c *Capture) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCalls > 0 {
		return 0, io.EOF
	}
	return c.r.Read(p)
}

// Close is an alias for Stop.
func (c *Capture) Close() error { return c.Stop() }

// Stop records the call.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	return nil
}

// Stopped reports whether Stop or Close was called at least once.
func (c *Capture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCalls > 0
}

var _ audio.Capture = (*Capture)(nil)

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// Playbacks records every playback handed out, in order.
	Playbacks []*Playback
}

// Play records the call and returns a new [Playback].
func (p *Player) Play(_ context.Context, format audio.Format) (audio.Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayErr != nil {
		return nil, p.PlayErr
	}
	pb := &Playback{Format: format}
	p.Playbacks = append(p.Playbacks, pb)
	return pb, nil
}

// Last returns the most recent playback or nil.
func (p *Player) Last() *Playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Playbacks) == 0 {
		return nil
	}
	return p.Playbacks[len(p.Playbacks)-1]
}

var _ audio.Player = (*Player)(nil)

// Playback is a mock [audio.Playback] buffering everything written to it.
type Playback struct {
	mu      sync.Mutex
	Format  audio.Format
	buf     bytes.Buffer
	closed  bool
	aborted bool
}

// Write buffers b.
func (p *Playback) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.aborted {
		return 0, io.ErrClosedPipe
	}
	return p.buf.Write(b)
}

// Close marks the playback finished.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Abort marks the playback aborted.
func (p *Playback) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	return nil
}

// Bytes returns a copy of everything written.
func (p *Playback) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.buf.Bytes())
}

// State reports whether Close and Abort were called.
func (p *Playback) State() (closed, aborted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.aborted
}

var _ audio.Playback = (*Playback)(nil)
