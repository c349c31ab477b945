package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gliderlab/voxbridge/audio"
	"github.com/gliderlab/voxbridge/pkg/llm"
	"github.com/rs/zerolog"
)

// Transport is a realtime agent channel
type Transport interface {
	Recv(ctx context.Context) (llm.Event, error)
	Send(ctx context.Context, out llm.Outbound) error
	SendAudio(ctx context.Context, pcm []byte) error
	Close() error
}

// Player consumes agent audio
type Player interface {
	Play(pcm []byte) error
}

// Drainer is a Player that knows how much written audio is still to be
// heard. The gate stays closed until it reports zero.
type Drainer interface {
	Remaining() time.Duration
}

// Runner drives one Session over a Transport. Session state is only touched
// under mu; dispatches run on their own goroutines so audio keeps flowing
// while a command executes.
type Runner struct {
	transport  Transport
	session    *Session
	dispatcher *Dispatcher
	track      *audio.Track
	player     Player
	observer   Observer
	logger     zerolog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
	// bumped on every agent audio event; a deferred finish only applies if
	// no audio arrived while it waited
	playGen uint64
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithPlayer sets where agent audio goes; without one it is discarded
func WithPlayer(p Player) RunnerOption {
	return func(r *Runner) {
		r.player = p
	}
}

// WithTrack sets the microphone track the gate drives
func WithTrack(t *audio.Track) RunnerOption {
	return func(r *Runner) {
		r.track = t
	}
}

// WithObserver sets the diagnostics sink for runner-level notes
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		r.observer = o
	}
}

func NewRunner(t Transport, s *Session, d *Dispatcher, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		transport:  t,
		session:    s,
		dispatcher: d,
		track:      audio.NewTrack(true),
		observer:   NopObserver{},
		logger:     logger.With().Str("component", "runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track returns the microphone track
func (r *Runner) Track() *audio.Track { return r.track }

// Run opens the session and processes events until the transport fails or
// ctx ends. In-flight dispatches are awaited before returning.
func (r *Runner) Run(ctx context.Context) error {
	defer r.wg.Wait()

	eff := r.step(r.session.Open)
	if err := r.apply(ctx, eff); err != nil {
		return err
	}

	for {
		ev, err := r.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ev.Type == llm.EventAudioFinished && r.finishAfterDrain(ctx, ev) {
			continue
		}
		eff := r.step(func() Effects {
			if ev.Type == llm.EventAudioStarted || ev.Type == llm.EventAudioDelta {
				r.playGen++
			}
			return r.session.Handle(ev)
		})
		if err := r.apply(ctx, eff); err != nil {
			return err
		}
	}
}

// finishAfterDrain holds an audio-finished event back until the player has
// played out what it was given. It reports false when nothing is queued.
func (r *Runner) finishAfterDrain(ctx context.Context, ev llm.Event) bool {
	d, ok := r.player.(Drainer)
	if !ok || d.Remaining() <= 0 {
		return false
	}
	r.mu.Lock()
	gen := r.playGen
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			wait := d.Remaining()
			if wait <= 0 {
				break
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		eff := r.step(func() Effects {
			if r.playGen != gen {
				return Effects{}
			}
			return r.session.Handle(ev)
		})
		_ = r.apply(ctx, eff)
	}()
	return true
}

// ToggleMute flips the user mute and applies the new capture level
func (r *Runner) ToggleMute(ctx context.Context) bool {
	eff := r.step(r.session.ToggleMute)
	_ = r.apply(ctx, eff)
	return r.track.Enabled()
}

// SetMuted sets the user mute explicitly
func (r *Runner) SetMuted(ctx context.Context, muted bool) bool {
	eff := r.step(func() Effects { return r.session.SetMuted(muted) })
	_ = r.apply(ctx, eff)
	return r.track.Enabled()
}

// PumpAudio forwards microphone frames while the track is enabled
func (r *Runner) PumpAudio(ctx context.Context, src *audio.Mic) error {
	return src.Pump(ctx, r.transport.SendAudio)
}

// step runs one session transition and applies its capture level while
// still holding the lock, so levels reach the track in transition order
func (r *Runner) step(fn func() Effects) Effects {
	r.mu.Lock()
	defer r.mu.Unlock()
	eff := fn()
	if eff.Capture != nil {
		r.track.SetEnabled(*eff.Capture)
	}
	return eff
}

// apply performs the remaining effects in order. Only a failure to send the
// session configuration is fatal; everything else is reported and skipped.
func (r *Runner) apply(ctx context.Context, eff Effects) error {
	for _, msg := range eff.Send {
		if err := r.transport.Send(ctx, msg); err != nil {
			if msg.Type == llm.OutSessionUpdate {
				return err
			}
			r.observer.Observe(Note{Kind: NoteSendFailed, Detail: string(msg.Type), Err: err})
		}
	}
	if r.player != nil {
		for _, pcm := range eff.Audio {
			if err := r.player.Play(pcm); err != nil {
				r.logger.Warn().Err(err).Msg("playback failed")
				break
			}
		}
	}
	for _, call := range eff.Dispatch {
		r.wg.Add(1)
		go func(call ToolCall) {
			defer r.wg.Done()
			r.dispatcher.Dispatch(ctx, call, r.transport)
		}(call)
	}
	return nil
}

// IsClosed reports whether err means the transport went away normally
func IsClosed(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, llm.ErrNotConnected)
}
