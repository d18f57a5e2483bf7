package voice

import (
	"errors"
	"fmt"
	"math"
)

// Settings is the voice configuration applied to an operation. Values are
// copied; the Manager holds the current one.
type Settings struct {
	// Language is a short code ("en", "hi", ...) resolved through
	// locale.Resolve before it reaches an engine.
	Language string `json:"language"`

	// Rate is the speaking rate multiplier (> 0).
	Rate float64 `json:"rate"`

	// Pitch is the pitch multiplier (> 0).
	Pitch float64 `json:"pitch"`

	// Volume in [0, 1].
	Volume float64 `json:"volume"`
}

// DefaultSettings returns English at normal rate, pitch, and full volume.
func DefaultSettings() Settings {
	return Settings{Language: "en", Rate: 1, Pitch: 1, Volume: 1}
}

// Validate reports every field that is out of range.
func (s Settings) Validate() error {
	var errs []error
	if s.Language == "" {
		errs = append(errs, errors.New("language must not be empty"))
	}
	// Negated comparisons so NaN is rejected too.
	if !(s.Rate > 0) || math.IsInf(s.Rate, 1) {
		errs = append(errs, fmt.Errorf("rate must be > 0, got %v", s.Rate))
	}
	if !(s.Pitch > 0) || math.IsInf(s.Pitch, 1) {
		errs = append(errs, fmt.Errorf("pitch must be > 0, got %v", s.Pitch))
	}
	if !(s.Volume >= 0 && s.Volume <= 1) {
		errs = append(errs, fmt.Errorf("volume must be in [0, 1], got %v", s.Volume))
	}
	return errors.Join(errs...)
}

// SettingsOverride is a partial update. Nil fields keep the current value.
type SettingsOverride struct {
	Language *string  `json:"language,omitempty"`
	Rate     *float64 `json:"rate,omitempty"`
	Pitch    *float64 `json:"pitch,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
}

// Merge returns s with the non-nil fields of o applied. A nil o returns s.
func (s Settings) Merge(o *SettingsOverride) Settings {
	if o == nil {
		return s
	}
	if o.Language != nil {
		s.Language = *o.Language
	}
	if o.Rate != nil {
		s.Rate = *o.Rate
	}
	if o.Pitch != nil {
		s.Pitch = *o.Pitch
	}
	if o.Volume != nil {
		s.Volume = *o.Volume
	}
	return s
}
