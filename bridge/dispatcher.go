package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/gliderlab/voxbridge/pkg/llm"
	"github.com/gliderlab/voxbridge/pkg/metrics"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/gliderlab/voxbridge/tools"
	"github.com/rs/zerolog"
)

// Sender delivers outbound messages on the agent channel
type Sender interface {
	Send(ctx context.Context, out llm.Outbound) error
}

// ToolCall is a finalized invocation ready to run
type ToolCall struct {
	CallID            string
	Name              string
	Arguments         map[string]any
	PendingResponseID string
}

// Dispatcher runs tool calls and answers each one exactly once
type Dispatcher struct {
	registry *tools.Registry
	encoder  *Encoder
	delay    time.Duration
	observer Observer
	logger   zerolog.Logger
}

// NewDispatcher wires the registry and encoder. delay separates the tool
// output from the continuation; the remote end offers no ordering ack, so
// this is best effort.
func NewDispatcher(registry *tools.Registry, encoder *Encoder, delay time.Duration, observer Observer, logger zerolog.Logger) *Dispatcher {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Dispatcher{
		registry: registry,
		encoder:  encoder,
		delay:    delay,
		observer: observer,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch cancels any in-flight response, runs the tool and sends its
// output followed by the continuation. Unknown or denied tools are ignored
// without touching the channel, so the in-flight response is left alone.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall, out Sender) {
	tool, err := d.registry.Lookup(call.Name)
	if err != nil {
		d.observer.Observe(Note{Kind: NoteUnknownTool, CallID: call.CallID, Tool: call.Name, Err: err})
		outcome := "unknown"
		if errors.Is(err, tools.ErrToolDenied) {
			outcome = "denied"
		}
		metrics.RecordToolCall(call.Name, outcome)
		return
	}

	if call.PendingResponseID != "" {
		if err := out.Send(ctx, llm.Cancel(call.PendingResponseID)); err != nil {
			d.observer.Observe(Note{Kind: NoteSendFailed, CallID: call.CallID, Detail: "response.cancel", Err: err})
		}
	}

	d.observer.Observe(Note{Kind: NoteToolCall, CallID: call.CallID, Tool: call.Name})
	res, err := tool.Execute(ctx, call.CallID, call.Arguments)
	if err != nil {
		res = processtool.Failure(err.Error())
	}
	d.observer.Observe(Note{Kind: NoteToolResult, CallID: call.CallID, Tool: call.Name, Result: &res})
	metrics.RecordToolCall(call.Name, res.Outcome())

	d.reply(ctx, call, res, out)
}

func (d *Dispatcher) reply(ctx context.Context, call ToolCall, res processtool.Result, out Sender) {
	// the reply must go out even if the caller's context ended mid-run
	ctx = context.WithoutCancel(ctx)
	for i, msg := range d.encoder.Encode(call.CallID, call.Name, res) {
		if i > 0 && d.delay > 0 {
			time.Sleep(d.delay)
		}
		if err := out.Send(ctx, msg); err != nil {
			d.observer.Observe(Note{Kind: NoteSendFailed, CallID: call.CallID, Detail: string(msg.Type), Err: err})
		}
	}
}
