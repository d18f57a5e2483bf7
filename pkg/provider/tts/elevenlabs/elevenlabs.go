// Package elevenlabs provides an ElevenLabs-backed speech synthesis engine.
// Text is sent over the ElevenLabs streaming WebSocket API and the returned
// PCM is played on a local [audio.Player].
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// ElevenLabs accepts speed in [0.7, 1.2].
	minSpeed = 0.7
	maxSpeed = 1.2
)

// Option is a functional option for configuring the [Engine].
type Option func(*Engine)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithEndpoint overrides the WebSocket endpoint format; it must contain one
// %s verb for the voice ID. Used by tests.
func WithEndpoint(format string) Option {
	return func(e *Engine) {
		e.endpointFmt = format
	}
}

// WithVoicesEndpoint overrides the voice listing URL. Used by tests.
func WithVoicesEndpoint(u string) Option {
	return func(e *Engine) {
		e.voicesURL = u
	}
}

// WithHTTPClient sets the client used for the voice listing.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// Engine implements [tts.Engine] and [tts.LanguageLister].
type Engine struct {
	apiKey      string
	voiceID     string
	model       string
	endpointFmt string
	voicesURL   string
	httpClient  *http.Client
	player      audio.Player

	mu     sync.Mutex
	nextID uint64
	active map[uint64]context.CancelFunc
}

var (
	_ tts.Engine         = (*Engine)(nil)
	_ tts.LanguageLister = (*Engine)(nil)
)

// New creates a new ElevenLabs engine speaking with voiceID through player.
func New(apiKey, voiceID string, player audio.Player, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	if player == nil {
		return nil, errors.New("elevenlabs: player must not be nil")
	}
	e := &Engine{
		apiKey:      apiKey,
		voiceID:     voiceID,
		model:       defaultModel,
		endpointFmt: wsEndpointFmt,
		voicesURL:   voicesEndpoint,
		httpClient:  &http.Client{},
		player:      player,
		active:      make(map[uint64]context.CancelFunc),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Speak dials ElevenLabs, sends the whole utterance, and plays the returned
// audio. Pitch is not supported by the API and is ignored.
func (e *Engine) Speak(ctx context.Context, u tts.Utterance) (<-chan tts.Signal, error) {
	if strings.TrimSpace(u.Text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	sctx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(sctx, e.buildURL(u.Lang), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	for _, msg := range buildMessages(e.apiKey, u) {
		if err := conn.Write(sctx, websocket.MessageText, msg); err != nil {
			cancel()
			conn.CloseNow()
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	pb, err := e.player.Play(sctx, audio.DefaultFormat)
	if err != nil {
		cancel()
		conn.CloseNow()
		return nil, fmt.Errorf("elevenlabs: start playback: %w", err)
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.active[id] = cancel
	e.mu.Unlock()

	signals := make(chan tts.Signal, 1)
	go e.play(sctx, id, conn, pb, u.Volume, signals)
	return signals, nil
}

// play copies audio from conn to pb until the final message. It is the only
// writer and closer of signals.
func (e *Engine) play(ctx context.Context, id uint64, conn *websocket.Conn, pb audio.Playback, volume float64, signals chan<- tts.Signal) {
	defer close(signals)
	defer e.forget(id)
	defer conn.CloseNow()

	fail := func(err error) {
		_ = pb.Abort()
		if ctx.Err() != nil {
			return
		}
		signals <- tts.Signal{Kind: tts.SignalError, Err: err}
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			fail(fmt.Errorf("elevenlabs: read: %w", err))
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			fail(fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message))
			return
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
			if _, err := pb.Write(audio.ApplyGain(pcm, volume)); err != nil {
				fail(fmt.Errorf("elevenlabs: playback: %w", err))
				return
			}
		}
		if resp.IsFinal {
			conn.Close(websocket.StatusNormalClosure, "done")
			if err := pb.Close(); err != nil {
				fail(fmt.Errorf("elevenlabs: playback: %w", err))
				return
			}
			if ctx.Err() == nil {
				signals <- tts.Signal{Kind: tts.SignalEnd}
			}
			return
		}
	}
}

func (e *Engine) forget(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[id]; ok {
		cancel()
		delete(e.active, id)
	}
}

// Cancel stops every in-flight utterance. Their signal channels close
// without a signal.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cancel := range e.active {
		cancel()
		delete(e.active, id)
	}
}

// ---- Languages ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID           string             `json:"voice_id"`
	Name              string             `json:"name"`
	Labels            map[string]string  `json:"labels"`
	VerifiedLanguages []verifiedLanguage `json:"verified_languages"`
}

type verifiedLanguage struct {
	Language string `json:"language"`
	Locale   string `json:"locale"`
}

// Languages returns the locale tags the account's voices are verified for.
func (e *Engine) Languages(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return vr.locales(), nil
}

// locales collects distinct locale tags, sorted. A voice without verified
// languages contributes its "language" label, if any.
func (vr voicesResponse) locales() []string {
	seen := make(map[string]bool)
	for _, v := range vr.Voices {
		for _, l := range v.VerifiedLanguages {
			tag := l.Locale
			if tag == "" {
				tag = l.Language
			}
			if tag != "" {
				seen[tag] = true
			}
		}
		if len(v.VerifiedLanguages) == 0 && v.Labels["language"] != "" {
			seen[v.Labels["language"]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// ---- helpers ----

// buildURL constructs the WebSocket URL for the configured voice and model.
// ElevenLabs takes a two-letter language code.
func (e *Engine) buildURL(lang string) string {
	q := url.Values{}
	q.Set("model_id", e.model)
	q.Set("output_format", defaultOutputFmt)
	if base, _, _ := strings.Cut(lang, "-"); base != "" {
		q.Set("language_code", strings.ToLower(base))
	}
	return fmt.Sprintf(e.endpointFmt, url.PathEscape(e.voiceID)) + "?" + q.Encode()
}

// buildMessages returns the begin, text, and flush payloads for u.
func buildMessages(apiKey string, u tts.Utterance) [][]byte {
	boi, _ := json.Marshal(textMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           clampSpeed(u.Rate),
		},
		XiAPIKey: apiKey,
	})
	text, _ := json.Marshal(textMessage{Text: strings.TrimSpace(u.Text) + " "})
	flush, _ := json.Marshal(textMessage{Text: ""})
	return [][]byte{boi, text, flush}
}

func clampSpeed(rate float64) float64 {
	if rate <= 0 {
		return 1
	}
	return min(max(rate, minSpeed), maxSpeed)
}
