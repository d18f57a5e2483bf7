package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/agrivoice/internal/offline"
	"github.com/MrWong99/agrivoice/internal/storage"
	"github.com/MrWong99/agrivoice/internal/voice"
	"github.com/MrWong99/agrivoice/pkg/locale"
)

// ValidProviderNames lists known engine names per kind. Used by [Validate]
// to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"recognition": {"deepgram"},
	"synthesis":   {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	def := voice.DefaultSettings()

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Voice.Language == "" {
		cfg.Voice.Language = def.Language
	}
	if cfg.Voice.Rate == 0 {
		cfg.Voice.Rate = def.Rate
	}
	if cfg.Voice.Pitch == 0 {
		cfg.Voice.Pitch = def.Pitch
	}
	if cfg.Voice.Volume == nil {
		v := def.Volume
		cfg.Voice.Volume = &v
	}
	if cfg.Voice.Microphone.Command == "" {
		cfg.Voice.Microphone.Command = "ffmpeg"
	}
	if cfg.Voice.Playback.Command == "" {
		cfg.Voice.Playback.Command = "ffplay"
	}

	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = storage.DefaultPrefix
	}
	if cfg.Storage.Breaker.MaxFailures == 0 {
		cfg.Storage.Breaker.MaxFailures = 3
	}
	if cfg.Storage.Breaker.ResetTimeout == 0 {
		cfg.Storage.Breaker.ResetTimeout = 30 * time.Second
	}

	if cfg.Queue.Key == "" {
		cfg.Queue.Key = offline.DefaultKey
	}
	if cfg.Queue.Policy == "" {
		cfg.Queue.Policy = offline.ClearAll.String()
	}
	if cfg.Queue.Sink.Timeout == 0 {
		cfg.Queue.Sink.Timeout = 15 * time.Second
	}

	if cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = cfg.Queue.Sink.Endpoint
	}
	if cfg.Connectivity.Interval == 0 {
		cfg.Connectivity.Interval = 15 * time.Second
	}
}

// VoiceSettings returns the configured default voice settings.
func (c *Config) VoiceSettings() voice.Settings {
	s := voice.Settings{
		Language: c.Voice.Language,
		Rate:     c.Voice.Rate,
		Pitch:    c.Voice.Pitch,
		Volume:   voice.DefaultSettings().Volume,
	}
	if c.Voice.Volume != nil {
		s.Volume = *c.Voice.Volume
	}
	return s
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	if err := cfg.VoiceSettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("voice: %w", err))
	}
	if cfg.Voice.Language != "" && !locale.Known(cfg.Voice.Language) {
		slog.Warn("voice.language is not a known code; speech will use the default locale",
			"language", cfg.Voice.Language,
			"default", locale.Default,
		)
	}

	seen := make(map[string]int, len(cfg.Recognition.Variants))
	for i, v := range cfg.Recognition.Variants {
		prefix := fmt.Sprintf("recognition.variants[%d]", i)
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[v.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of recognition.variants[%d]", prefix, v.Name, prev))
		}
		seen[v.Name] = i
		validateProviderName("recognition", v.Name)
	}
	if len(cfg.Recognition.Variants) == 0 {
		slog.Warn("no recognition variants configured; listening will be unavailable")
	}

	validateProviderName("synthesis", cfg.Synthesis.Name)
	if cfg.Synthesis.Name == "" {
		slog.Warn("synthesis is not configured; speech output will be unsupported")
	}

	if cfg.Storage.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("storage.breaker.max_failures %d must not be negative", cfg.Storage.Breaker.MaxFailures))
	}
	if cfg.Storage.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("storage.breaker.reset_timeout %s must not be negative", cfg.Storage.Breaker.ResetTimeout))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; primary storage is in-process and lost on restart")
	}
	if cfg.Storage.SQLitePath == "" {
		slog.Warn("storage.sqlite_path is empty; storage has no fallback tier")
	}

	if _, err := offline.ParsePolicy(cfg.Queue.Policy); err != nil {
		errs = append(errs, fmt.Errorf("queue.policy %q is invalid; valid values: clear_all, keep_failed", cfg.Queue.Policy))
	}
	if err := validateURL("queue.sink.endpoint", cfg.Queue.Sink.Endpoint); err != nil {
		errs = append(errs, err)
	}
	if cfg.Queue.Sink.Timeout < 0 {
		errs = append(errs, fmt.Errorf("queue.sink.timeout %s must not be negative", cfg.Queue.Sink.Timeout))
	}

	if err := validateURL("connectivity.probe_url", cfg.Connectivity.ProbeURL); err != nil {
		errs = append(errs, err)
	}
	if cfg.Connectivity.Interval < 0 {
		errs = append(errs, fmt.Errorf("connectivity.interval %s must not be negative", cfg.Connectivity.Interval))
	}

	return errors.Join(errs...)
}

// validateURL accepts an empty value or an absolute http(s) URL.
func validateURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is invalid: %w", field, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown engine name; may be a typo or a third-party engine",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
