// Package audio moves raw PCM between external capture/playback commands
// and the realtime transport.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"
)

// Track is the microphone on/off switch the gate drives
type Track struct {
	enabled atomic.Bool
}

func NewTrack(enabled bool) *Track {
	t := &Track{}
	t.enabled.Store(enabled)
	return t
}

func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *Track) Enabled() bool      { return t.enabled.Load() }

// SendFunc forwards one captured frame
type SendFunc func(ctx context.Context, frame []byte) error

// Mic reads fixed-size frames from a PCM source
type Mic struct {
	src   io.Reader
	track *Track
	frame int
}

func NewMic(src io.Reader, track *Track, frameBytes int) *Mic {
	if frameBytes <= 0 {
		frameBytes = 960
	}
	return &Mic{src: src, track: track, frame: frameBytes}
}

// Pump forwards frames to send while the track is enabled and drops them
// otherwise. It returns nil at end of input. A blocked read only ends when
// the source is closed.
func (m *Mic) Pump(ctx context.Context, send SendFunc) error {
	buf := make([]byte, m.frame)
	for {
		n, err := io.ReadFull(m.src, buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 && m.track.Enabled() {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if serr := send(ctx, frame); serr != nil {
				return serr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}

// Speaker writes agent audio to a sink. With a sample rate it also keeps a
// playback clock: each write extends the time at which queued audio has been
// heard, assuming mono PCM16 played in real time.
type Speaker struct {
	mu          sync.Mutex
	w           io.Writer
	written     int64
	bytesPerSec int
	until       time.Time
	now         func() time.Time
}

// SpeakerOption configures a Speaker
type SpeakerOption func(*Speaker)

// WithSampleRate enables playback tracking for mono PCM16 at rate Hz
func WithSampleRate(rate int) SpeakerOption {
	return func(s *Speaker) {
		if rate > 0 {
			s.bytesPerSec = rate * 2
		}
	}
}

func NewSpeaker(w io.Writer, opts ...SpeakerOption) *Speaker {
	s := &Speaker{w: w, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Speaker) Play(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.w.Write(pcm)
	s.written += int64(n)
	if s.bytesPerSec > 0 && n > 0 {
		start := s.now()
		if s.until.After(start) {
			start = s.until
		}
		s.until = start.Add(time.Duration(n) * time.Second / time.Duration(s.bytesPerSec))
	}
	return err
}

// Written returns the number of bytes played so far
func (s *Speaker) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Remaining returns how much written audio has not been heard yet. It is
// always zero without a sample rate.
func (s *Speaker) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bytesPerSec == 0 {
		return 0
	}
	return max(s.until.Sub(s.now()), 0)
}

// Command is an external audio process, e.g. "arecord -q -f S16_LE -r 24000
// -c 1 -t raw" for capture or "aplay -q -f S16_LE -r 24000 -c 1" for playback
type Command struct {
	cmd *exec.Cmd
	out io.ReadCloser
	in  io.WriteCloser

	closeOnce sync.Once
	closeErr  error
}

// StartCapture starts cmdline and exposes its stdout
func StartCapture(ctx context.Context, cmdline string) (*Command, error) {
	cmd, err := command(ctx, cmdline)
	if err != nil {
		return nil, err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture %q: %w", cmdline, err)
	}
	return &Command{cmd: cmd, out: out}, nil
}

// StartPlayback starts cmdline and exposes its stdin
func StartPlayback(ctx context.Context, cmdline string) (*Command, error) {
	cmd, err := command(ctx, cmdline)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = os.Stderr
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playback %q: %w", cmdline, err)
	}
	return &Command{cmd: cmd, in: in}, nil
}

func command(ctx context.Context, cmdline string) (*exec.Cmd, error) {
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("parse audio command %q: %w", cmdline, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty audio command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	return cmd, nil
}

func (c *Command) Read(p []byte) (int, error) {
	if c.out == nil {
		return 0, errors.New("not a capture command")
	}
	return c.out.Read(p)
}

func (c *Command) Write(p []byte) (int, error) {
	if c.in == nil {
		return 0, errors.New("not a playback command")
	}
	return c.in.Write(p)
}

// Close ends the process: playback gets EOF on stdin and drains, capture is
// killed. Close is idempotent.
func (c *Command) Close() error {
	c.closeOnce.Do(func() {
		if c.in != nil {
			_ = c.in.Close()
		}
		if c.out != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		err := c.cmd.Wait()
		var exitErr *exec.ExitError
		if c.out != nil && errors.As(err, &exitErr) {
			err = nil
		}
		c.closeErr = err
	})
	return c.closeErr
}
