package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// startupGrace is how long a freshly spawned ffmpeg/ffplay process must stay
// alive before the device is considered acquired.
const startupGrace = 250 * time.Millisecond

// stopGrace bounds how long Stop waits after SIGINT before killing.
const stopGrace = 1200 * time.Millisecond

// FFmpegMicrophone captures PCM from the local microphone by spawning ffmpeg.
type FFmpegMicrophone struct {
	command     string
	inputFormat string
	inputDevice string
}

// MicrophoneOption configures an [FFmpegMicrophone].
type MicrophoneOption func(*FFmpegMicrophone)

// WithCommand overrides the ffmpeg executable path.
func WithCommand(cmd string) MicrophoneOption {
	return func(m *FFmpegMicrophone) {
		if cmd != "" {
			m.command = cmd
		}
	}
}

// WithInput sets the ffmpeg input format (e.g. "pulse", "alsa", "avfoundation")
// and device name.
func WithInput(format, device string) MicrophoneOption {
	return func(m *FFmpegMicrophone) {
		if format != "" {
			m.inputFormat = format
		}
		if device != "" {
			m.inputDevice = device
		}
	}
}

// NewFFmpegMicrophone returns a microphone that defaults to the PulseAudio
// "default" source.
func NewFFmpegMicrophone(opts ...MicrophoneOption) *FFmpegMicrophone {
	m := &FFmpegMicrophone{
		command:     "ffmpeg",
		inputFormat: "pulse",
		inputDevice: "default",
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ Microphone = (*FFmpegMicrophone)(nil)

// Open starts ffmpeg and returns once the process has survived the startup
// grace period. An early exit (device missing, access refused) is an error.
func (m *FFmpegMicrophone) Open(ctx context.Context, format Format) (Capture, error) {
	format = format.withDefaults()
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", m.inputFormat,
		"-i", m.inputDevice,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, m.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: ffmpeg stdout pipe: %w", err)
	}
	proc, waitErr, err := startProcess(cmd, &stderr)
	if err != nil {
		return nil, fmt.Errorf("audio: open microphone: %w", err)
	}
	return &process{reader: stdout, stderr: &stderr, proc: proc, waitErr: waitErr}, nil
}

// FFplayPlayer plays PCM through the default output device via ffplay.
type FFplayPlayer struct {
	command string
}

// NewFFplayPlayer returns a player using the given ffplay executable
// ("ffplay" when empty).
func NewFFplayPlayer(command string) *FFplayPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &FFplayPlayer{command: command}
}

var _ Player = (*FFplayPlayer)(nil)

// Play spawns ffplay reading raw PCM from stdin.
func (p *FFplayPlayer) Play(ctx context.Context, format Format) (Playback, error) {
	format = format.withDefaults()
	args := []string{
		"-nodisp",
		"-autoexit",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ch_layout", channelLayout(format.Channels),
		"-i", "-",
	}
	cmd := exec.CommandContext(ctx, p.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: ffplay stdin pipe: %w", err)
	}
	proc, waitErr, err := startProcess(cmd, &stderr)
	if err != nil {
		return nil, fmt.Errorf("audio: start playback: %w", err)
	}
	return &process{writer: stdin, stderr: &stderr, proc: proc, waitErr: waitErr}, nil
}

func channelLayout(channels int) string {
	if channels == 2 {
		return "stereo"
	}
	return "mono"
}

// startProcess starts cmd and waits out startupGrace so that immediate
// failures surface as errors instead of as a dead handle.
func startProcess(cmd *exec.Cmd, stderr *bytes.Buffer) (*os.Process, <-chan error, error) {
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, nil, fmt.Errorf("%s exited during startup: %w: %s", cmd.Path, err, trimmed(stderr))
		}
		return nil, nil, fmt.Errorf("%s exited during startup", cmd.Path)
	case <-time.After(startupGrace):
	}
	return cmd.Process, waitErr, nil
}

// process is a running ffmpeg (capture) or ffplay (playback) child. Exactly
// one of reader/writer is set.
type process struct {
	reader io.ReadCloser
	writer io.WriteCloser
	stderr *bytes.Buffer

	proc    *os.Process
	waitErr <-chan error

	once sync.Once
	err  error
}

func (p *process) Read(b []byte) (int, error) {
	if p.reader == nil {
		return 0, errors.New("audio: not a capture handle")
	}
	return p.reader.Read(b)
}

func (p *process) Write(b []byte) (int, error) {
	if p.writer == nil {
		return 0, errors.New("audio: not a playback handle")
	}
	return p.writer.Write(b)
}

// Close on a playback closes stdin and waits for ffplay to drain; on a
// capture it behaves like Stop.
func (p *process) Close() error {
	if p.writer == nil {
		return p.Stop()
	}
	p.once.Do(func() {
		_ = p.writer.Close()
		err, ok := <-p.waitErr
		if ok {
			p.err = p.wrap(normalizeExit(err))
		}
	})
	return p.err
}

// Abort stops the process immediately.
func (p *process) Abort() error { return p.Stop() }

// Stop interrupts the process, killing it if it does not exit within
// stopGrace.
func (p *process) Stop() error {
	p.once.Do(func() {
		if p.proc != nil {
			_ = p.proc.Signal(os.Interrupt)
		}
		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.err = normalizeExit(err)
			}
		case <-time.After(stopGrace):
			if p.proc != nil {
				_ = p.proc.Kill()
			}
			if err, ok := <-p.waitErr; ok {
				p.err = normalizeExit(err)
			}
		}
		if p.reader != nil {
			if err := p.reader.Close(); err != nil && !errors.Is(err, os.ErrClosed) && p.err == nil {
				p.err = err
			}
		}
		if p.writer != nil {
			_ = p.writer.Close()
		}
		p.err = p.wrap(p.err)
	})
	return p.err
}

func (p *process) wrap(err error) error {
	if err != nil && p.stderr != nil && p.stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", err, trimmed(p.stderr))
	}
	return err
}

// normalizeExit treats a non-zero exit after an interrupt as a clean stop.
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimmed(b *bytes.Buffer) string {
	if b == nil {
		return ""
	}
	return string(bytes.TrimSpace(b.Bytes()))
}
