package voice

import (
	"context"
	"log/slog"

	"github.com/MrWong99/agrivoice/pkg/audio"
)

// PermissionGate tests whether the microphone can be opened. It keeps no
// state between calls.
type PermissionGate struct {
	mic audio.Microphone
}

// NewPermissionGate returns a gate probing mic. A nil mic denies every
// request.
func NewPermissionGate(mic audio.Microphone) *PermissionGate {
	return &PermissionGate{mic: mic}
}

// RequestMicrophoneAccess opens a transient capture handle and releases it
// immediately. It returns true only if the open succeeded; failures are
// logged, never returned.
func (g *PermissionGate) RequestMicrophoneAccess(ctx context.Context) bool {
	if g.mic == nil {
		slog.Warn("voice: microphone access denied", "err", "no microphone configured")
		return false
	}
	c, err := g.mic.Open(ctx, audio.DefaultFormat)
	if err != nil {
		slog.Warn("voice: microphone access denied", "err", err)
		return false
	}
	if err := c.Stop(); err != nil {
		slog.Debug("voice: release permission probe", "err", err)
	}
	return true
}
