// Package audio defines the local audio hardware boundary used by the voice
// core: microphone capture (also used as the permission probe) and PCM
// playback for synthesized speech.
//
// All PCM is little-endian signed 16-bit. Concrete implementations drive
// ffmpeg/ffplay subprocesses; tests use the doubles in package mock.
package audio

import (
	"context"
	"io"
)

// Format describes a raw PCM stream.
type Format struct {
	// SampleRate in Hz (16000 is what the recognition and synthesis engines use).
	SampleRate int

	// Channels: 1 for mono.
	Channels int
}

// DefaultFormat is 16 kHz mono, the format shared by the capture and
// playback paths.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

func (f Format) withDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultFormat.Channels
	}
	return f
}

// Capture is a live microphone capture handle. Read yields raw PCM. Stop
// releases the device; calling it more than once is safe.
type Capture interface {
	io.ReadCloser
	Stop() error
}

// Microphone opens capture handles. Open fails when the device is missing or
// access is refused by the host.
type Microphone interface {
	Open(ctx context.Context, format Format) (Capture, error)
}

// Playback is a single in-progress playback. Write queues PCM; Close flushes
// and waits for the device to finish; Abort stops immediately and discards
// anything still buffered.
type Playback interface {
	io.Writer
	Close() error
	Abort() error
}

// Player starts playbacks on the local output device.
type Player interface {
	Play(ctx context.Context, format Format) (Playback, error)
}
