package voice

import (
	"context"
	"log/slog"

	"github.com/MrWong99/agrivoice/pkg/provider/stt"
)

// Variant is one recognition implementation that may or may not be usable in
// the current environment. Probe returns the recognizer, or an error when the
// variant is unavailable.
type Variant struct {
	Name  string
	Probe func(ctx context.Context) (stt.Recognizer, error)
}

// Capability is the recognition handle chosen at startup. The zero value is
// [None].
type Capability struct {
	name       string
	recognizer stt.Recognizer
}

// None is the capability of an environment without speech recognition.
var None = Capability{}

// NewCapability wraps a known recognizer. A nil recognizer yields [None].
func NewCapability(name string, r stt.Recognizer) Capability {
	if r == nil {
		return None
	}
	return Capability{name: name, recognizer: r}
}

// Available reports whether a recognizer is present.
func (c Capability) Available() bool { return c.recognizer != nil }

// Name returns the winning variant's name, or "" for [None].
func (c Capability) Name() string { return c.name }

// Recognizer returns the recognizer, or nil for [None].
func (c Capability) Recognizer() stt.Recognizer { return c.recognizer }

// Detect tries variants in order and returns the first that probes
// successfully. It returns [None] when every probe fails.
func Detect(ctx context.Context, variants ...Variant) Capability {
	for _, v := range variants {
		if v.Probe == nil {
			continue
		}
		r, err := v.Probe(ctx)
		if err != nil || r == nil {
			slog.Debug("voice: recognition variant unavailable", "variant", v.Name, "err", err)
			continue
		}
		slog.Info("voice: recognition variant selected", "variant", v.Name)
		return Capability{name: v.Name, recognizer: r}
	}
	slog.Warn("voice: no speech recognition capability detected", "variants", len(variants))
	return None
}
