// Package deepgram provides a Deepgram-backed speech recognizer. Audio is read
// from a local [audio.Microphone] and streamed to the Deepgram live
// transcription WebSocket API; result messages come back as [stt.Event]
// batches.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultChunkSize = 3200 // 100 ms of 16 kHz mono s16le
	closeTimeout     = 2 * time.Second
)

// Error codes reported in [stt.Event.Code].
const (
	CodeNetwork      = "network"
	CodeAudioCapture = "audio-capture"
)

// Option is a functional option for configuring the [Recognizer].
type Option func(*Recognizer)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) {
		r.endpoint = endpoint
	}
}

// WithFormat sets the capture format sent to Deepgram.
func WithFormat(f audio.Format) Option {
	return func(r *Recognizer) {
		r.format = f
	}
}

// Recognizer implements [stt.Recognizer] on top of Deepgram live streaming.
type Recognizer struct {
	apiKey   string
	model    string
	endpoint string
	format   audio.Format
	mic      audio.Microphone
}

var _ stt.Recognizer = (*Recognizer)(nil)

// New creates a Deepgram recognizer capturing from mic. apiKey must be
// non-empty.
func New(apiKey string, mic audio.Microphone, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if mic == nil {
		return nil, errors.New("deepgram: microphone must not be nil")
	}
	r := &Recognizer{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: deepgramEndpoint,
		format:   audio.DefaultFormat,
		mic:      mic,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start opens the microphone, dials Deepgram, and begins streaming.
func (r *Recognizer) Start(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	capture, err := r.mic.Open(ctx, r.format)
	if err != nil {
		return nil, fmt.Errorf("deepgram: open microphone: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		_ = capture.Stop()
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	// The stream outlives Start's ctx; Stop is the only way to end it early.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		conn:       conn,
		capture:    capture,
		continuous: cfg.Continuous,
		events:     make(chan stt.Event, 16),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	go s.pump(sctx)
	go s.readLoop(sctx)
	return s, nil
}

func (r *Recognizer) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", r.model)
	if cfg.Lang != "" {
		q.Set("language", cfg.Lang)
	}
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.format.SampleRate))
	q.Set("channels", strconv.Itoa(r.format.Channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

type stream struct {
	conn       *websocket.Conn
	capture    audio.Capture
	continuous bool

	events chan stt.Event
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc

	stopped  atomic.Bool
	micError atomic.Bool
}

func (s *stream) Events() <-chan stt.Event { return s.events }

// Stop ends the session. The event channel is closed by the read loop
// without a terminal event.
func (s *stream) Stop() error {
	s.stopped.Store(true)
	s.release()
	return nil
}

// release frees the microphone and the connection exactly once.
func (s *stream) release() {
	s.once.Do(func() {
		close(s.done)
		_ = s.capture.Stop()
		wctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = s.conn.Write(wctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}

// pump copies microphone PCM to the socket. At end of audio it asks Deepgram
// to flush and close.
func (s *stream) pump(ctx context.Context) {
	buf := make([]byte, defaultChunkSize)
	for {
		n, err := s.capture.Read(buf)
		if n > 0 {
			if werr := s.conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if s.stopped.Load() {
				return
			}
			if isEOF(err) {
				_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
				return
			}
			s.micError.Store(true)
			s.cancel()
			return
		}
	}
}

func (s *stream) emit(ev stt.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// readLoop is the only writer of s.events and closes it on exit.
func (s *stream) readLoop(ctx context.Context) {
	defer close(s.events)
	defer s.release()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			switch {
			case s.stopped.Load():
			case s.micError.Load():
				s.emit(stt.Event{Kind: stt.EventError, Code: CodeAudioCapture})
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				s.emit(stt.Event{Kind: stt.EventEnd})
			default:
				s.emit(stt.Event{Kind: stt.EventError, Code: CodeNetwork})
			}
			return
		}

		ev, ok := parseResponse(msg)
		if !ok {
			continue
		}
		if !s.emit(ev) {
			return
		}
		if ev.Kind == stt.EventError {
			return
		}
		if _, final := ev.Batch.Flatten(); final && !s.continuous {
			s.emit(stt.Event{Kind: stt.EventEnd})
			return
		}
	}
}

// response is the subset of the Deepgram streaming message we consume.
type response struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	ErrCode     string `json:"err_code"`
	Description string `json:"description"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResponse converts a raw Deepgram message into an event. Metadata and
// other non-result messages return ok=false.
func parseResponse(data []byte) (stt.Event, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{}, false
	}
	switch resp.Type {
	case "Results":
	case "Error":
		code := resp.ErrCode
		if code == "" {
			code = "unknown"
		}
		return stt.Event{Kind: stt.EventError, Code: code}, true
	default:
		return stt.Event{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Event{}, false
	}
	alts := make([]stt.Alternative, 0, len(resp.Channel.Alternatives))
	for _, a := range resp.Channel.Alternatives {
		alts = append(alts, stt.Alternative{Transcript: a.Transcript, Confidence: a.Confidence})
	}
	return stt.Event{
		Kind:  stt.EventResult,
		Batch: stt.Batch{Results: []stt.Result{{Alternatives: alts, IsFinal: resp.IsFinal}}},
	}, true
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
