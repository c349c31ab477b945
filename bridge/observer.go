package bridge

import (
	"context"
	"time"

	"github.com/gliderlab/voxbridge/processtool"
	"github.com/rs/zerolog"
)

// NoteKind classifies a diagnostic
type NoteKind string

const (
	NoteToolCall          NoteKind = "tool_call"
	NoteToolResult        NoteKind = "tool_result"
	NoteMalformedArgs     NoteKind = "malformed_arguments"
	NoteCallFinalized     NoteKind = "call_already_finalized"
	NoteUnknownCompletion NoteKind = "unknown_completion"
	NoteUnknownTool       NoteKind = "unknown_tool"
	NoteSendFailed        NoteKind = "send_failed"
	NoteAgentError        NoteKind = "agent_error"
	NoteCapture           NoteKind = "capture"
)

// Note is one diagnostic emitted by the bridge
type Note struct {
	Kind    NoteKind
	CallID  string
	Tool    string
	Detail  string
	Err     error
	Result  *processtool.Result
	Capture *bool
}

// Observer receives diagnostics. Observe is called from the event loop and
// from dispatch goroutines and must not block.
type Observer interface {
	Observe(Note)
}

// NopObserver discards everything
type NopObserver struct{}

func (NopObserver) Observe(Note) {}

// MultiObserver fans a note out to every observer
type MultiObserver []Observer

func (m MultiObserver) Observe(n Note) {
	for _, o := range m {
		o.Observe(n)
	}
}

// LogObserver writes notes to a zerolog logger
type LogObserver struct {
	Logger zerolog.Logger
}

func (o LogObserver) Observe(n Note) {
	var ev *zerolog.Event
	switch n.Kind {
	case NoteMalformedArgs, NoteCallFinalized, NoteUnknownCompletion, NoteUnknownTool, NoteSendFailed, NoteAgentError:
		ev = o.Logger.Warn()
	case NoteCapture:
		ev = o.Logger.Debug()
	default:
		ev = o.Logger.Info()
	}
	ev = ev.Str("note", string(n.Kind))
	if n.CallID != "" {
		ev = ev.Str("call_id", n.CallID)
	}
	if n.Tool != "" {
		ev = ev.Str("tool", n.Tool)
	}
	if n.Detail != "" {
		ev = ev.Str("detail", n.Detail)
	}
	if n.Err != nil {
		ev = ev.Err(n.Err)
	}
	if n.Result != nil {
		ev = ev.Str("outcome", n.Result.Outcome()).Int64("duration_ms", n.Result.DurationMs)
		if n.Result.ExitCode != nil {
			ev = ev.Int("code", *n.Result.ExitCode)
		}
	}
	if n.Capture != nil {
		ev = ev.Bool("capture", *n.Capture)
	}
	ev.Msg("bridge")
}

// LogSink is where RemoteObserver delivers notes
type LogSink interface {
	Log(ctx context.Context, msg string, fields any) error
}

// RemoteObserver forwards notes to a LogSink from a single worker. Notes are
// dropped when the queue is full.
type RemoteObserver struct {
	sink    LogSink
	queue   chan Note
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRemoteObserver(sink LogSink, size int, logger zerolog.Logger) *RemoteObserver {
	if size <= 0 {
		size = 64
	}
	return &RemoteObserver{
		sink:    sink,
		queue:   make(chan Note, size),
		timeout: 2 * time.Second,
		logger:  logger.With().Str("component", "remote-log").Logger(),
	}
}

func (o *RemoteObserver) Observe(n Note) {
	if n.Kind == NoteCapture {
		return
	}
	select {
	case o.queue <- n:
	default:
		o.logger.Debug().Str("note", string(n.Kind)).Msg("queue full, dropped")
	}
}

// Run delivers queued notes until ctx is done
func (o *RemoteObserver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-o.queue:
			sendCtx, cancel := context.WithTimeout(ctx, o.timeout)
			if err := o.sink.Log(sendCtx, string(n.Kind), noteFields(n)); err != nil {
				o.logger.Debug().Err(err).Msg("remote log failed")
			}
			cancel()
		}
	}
}

func noteFields(n Note) map[string]any {
	f := map[string]any{}
	if n.CallID != "" {
		f["call_id"] = n.CallID
	}
	if n.Tool != "" {
		f["tool"] = n.Tool
	}
	if n.Detail != "" {
		f["detail"] = n.Detail
	}
	if n.Err != nil {
		f["error"] = n.Err.Error()
	}
	if n.Result != nil {
		f["outcome"] = n.Result.Outcome()
		f["duration_ms"] = n.Result.DurationMs
		if n.Result.ExitCode != nil {
			f["code"] = *n.Result.ExitCode
		}
		if n.Result.Signal != "" {
			f["signal"] = n.Result.Signal
		}
	}
	return f
}
