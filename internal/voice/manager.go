// Package voice implements the voice interaction core: exclusive arbitration
// of microphone capture and speech output.
//
// A [Manager] coordinates a [PermissionGate], the recognition [Capability]
// chosen at startup, a [CaptureSession], and an [OutputQueue]. At most one
// capture run and one utterance are active per Manager; starting another
// replaces the old one, which returns [ErrCancelled].
//
// Managers hold no package-level state, so tests create one per case:
//
//	m := voice.New(
//	    voice.WithRecognition(voice.NewCapability("mock", rec)),
//	    voice.WithSynthesis(engine),
//	    voice.WithMicrophone(mic),
//	)
//	text, err := m.Listen(ctx, onTranscript, onError)
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/agrivoice/internal/observe"
	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/locale"
	"github.com/MrWong99/agrivoice/pkg/provider/tts"
)

// Option is a functional option for [New].
type Option func(*Manager)

// WithRecognition sets the recognition capability. Default: [None].
func WithRecognition(c Capability) Option {
	return func(m *Manager) {
		m.capability = c
	}
}

// WithSynthesis sets the synthesis engine. Default: none.
func WithSynthesis(e tts.Engine) Option {
	return func(m *Manager) {
		m.engine = e
	}
}

// WithMicrophone sets the microphone used for the permission probe.
func WithMicrophone(mic audio.Microphone) Option {
	return func(m *Manager) {
		m.mic = mic
	}
}

// WithSettings sets the initial settings. Invalid settings are ignored in
// favour of [DefaultSettings].
func WithSettings(s Settings) Option {
	return func(m *Manager) {
		if s.Validate() == nil {
			m.settings = s
		}
	}
}

// WithMetrics records capture and utterance outcomes to met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		m.metrics = met
	}
}

// Manager is the voice interaction coordinator.
type Manager struct {
	capability Capability
	engine     tts.Engine
	mic        audio.Microphone
	metrics    *observe.Metrics

	gate    *PermissionGate
	capture *CaptureSession
	output  *OutputQueue

	mu       sync.Mutex
	settings Settings
	granted  bool
}

// New creates a Manager. Without options it has no recognition, no
// synthesis, and no microphone.
func New(opts ...Option) *Manager {
	m := &Manager{
		capability: None,
		settings:   DefaultSettings(),
	}
	for _, o := range opts {
		o(m)
	}
	m.gate = NewPermissionGate(m.mic)
	m.capture = NewCaptureSession(m.capability)
	m.output = NewOutputQueue(m.engine)
	return m
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings merges o over the current settings. The result is
// validated; on error the current settings are unchanged.
func (m *Manager) UpdateSettings(o SettingsOverride) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.settings.Merge(&o)
	if err := next.Validate(); err != nil {
		return m.settings, fmt.Errorf("voice: update settings: %w: %w", ErrInvalidSettings, err)
	}
	m.settings = next
	return next, nil
}

// RecognitionAvailable reports whether a recognizer was detected.
func (m *Manager) RecognitionAvailable() bool { return m.capability.Available() }

// SynthesisAvailable reports whether a synthesis engine is configured.
func (m *Manager) SynthesisAvailable() bool { return m.output.Supported() }

// CaptureState returns the capture session state.
func (m *Manager) CaptureState() CaptureState { return m.capture.State() }

// UtteranceState returns the state of the latest utterance.
func (m *Manager) UtteranceState() UtteranceState { return m.output.State() }

// Listen requests microphone access (once per Manager until
// [Manager.ResetPermission]) and runs a capture session in the current
// language. See [CaptureSession.Listen] for outcomes. Missing recognition is
// reported before the microphone is touched. A denied permission calls
// onError and returns [ErrPermissionDenied].
func (m *Manager) Listen(ctx context.Context, onTranscript TranscriptFunc, onError ErrorFunc) (_ string, err error) {
	ctx, span := observe.StartSpan(ctx, "voice.listen")
	defer func() { observe.EndSpan(span, err, ErrCancelled, ErrNoTranscript, ErrPermissionDenied) }()
	start := time.Now()

	if m.capability.Available() && !m.ensurePermission(ctx) {
		m.recordCapture(ctx, "permission_denied", start)
		if onError != nil {
			onError(ErrPermissionDenied)
		}
		return "", ErrPermissionDenied
	}

	lang := locale.Resolve(m.Settings().Language)
	span.SetAttributes(attribute.String("lang", lang))

	text, err := m.capture.Listen(ctx, lang, onTranscript, onError)
	m.recordCapture(ctx, captureOutcome(err), start)
	if err != nil && !errors.Is(err, ErrCancelled) {
		observe.Logger(ctx).Debug("voice: listen ended", "err", err)
	}
	return text, err
}

func (m *Manager) ensurePermission(ctx context.Context) bool {
	m.mu.Lock()
	granted := m.granted
	m.mu.Unlock()
	if granted {
		return true
	}
	if !m.gate.RequestMicrophoneAccess(ctx) {
		return false
	}
	m.mu.Lock()
	m.granted = true
	m.mu.Unlock()
	return true
}

// ResetPermission forgets a previous microphone grant so the next Listen
// probes again.
func (m *Manager) ResetPermission() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted = false
}

// Speak speaks text using the current settings with override applied. See
// [OutputQueue.Speak] for outcomes. An override that fails validation is
// rejected before anything is cancelled.
func (m *Manager) Speak(ctx context.Context, text string, override *SettingsOverride) (err error) {
	ctx, span := observe.StartSpan(ctx, "voice.speak")
	defer func() { observe.EndSpan(span, err, ErrCancelled) }()
	start := time.Now()

	settings := m.Settings().Merge(override)
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("voice: speak: %w: %w", ErrInvalidSettings, err)
	}
	span.SetAttributes(attribute.String("lang", locale.Resolve(settings.Language)))

	err = m.output.Speak(ctx, text, settings)
	m.recordUtterance(ctx, utteranceOutcome(err), start)
	return err
}

// TestVoice speaks the greeting phrase for code in that language.
func (m *Manager) TestVoice(ctx context.Context, code string) error {
	lang := code
	return m.Speak(ctx, locale.Greeting(code), &SettingsOverride{Language: &lang})
}

// AvailableLanguages returns the engine's languages when it can list them,
// otherwise the locales the resolver knows.
func (m *Manager) AvailableLanguages(ctx context.Context) ([]string, error) {
	if ll, ok := m.engine.(tts.LanguageLister); ok {
		langs, err := ll.Languages(ctx)
		if err != nil {
			return nil, fmt.Errorf("voice: list languages: %w", err)
		}
		return langs, nil
	}
	return locale.Supported(), nil
}

// Stop releases capture and output together. It is idempotent.
func (m *Manager) Stop() {
	m.capture.Stop()
	m.output.Stop()
}

func (m *Manager) recordCapture(ctx context.Context, outcome string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordCapture(ctx, outcome, time.Since(start))
	}
}

func (m *Manager) recordUtterance(ctx context.Context, outcome string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordUtterance(ctx, outcome, time.Since(start))
	}
}

func captureOutcome(err error) string {
	var rerr *RecognitionError
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNoTranscript):
		return "no_transcript"
	case errors.Is(err, ErrCapabilityUnavailable):
		return "unavailable"
	case errors.As(err, &rerr):
		return "failed"
	default:
		return "error"
	}
}

func utteranceOutcome(err error) string {
	var serr *SynthesisError
	switch {
	case err == nil:
		return "ended"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrSynthesisUnsupported):
		return "unsupported"
	case errors.As(err, &serr):
		return "failed"
	default:
		return "error"
	}
}
