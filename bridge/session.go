package bridge

import (
	"errors"

	"github.com/gliderlab/voxbridge/pkg/llm"
)

// Effects is what handling one input asks the caller to do, in order:
// send the messages, apply the capture level, play the audio, then start
// the dispatches.
type Effects struct {
	Send     []llm.Outbound
	Capture  *bool
	Audio    [][]byte
	Dispatch []ToolCall
}

func (e Effects) Empty() bool {
	return len(e.Send) == 0 && e.Capture == nil && len(e.Audio) == 0 && len(e.Dispatch) == 0
}

// Session holds the per-connection state: argument buffers, the audio gate
// and the in-flight response id. Not safe for concurrent use.
type Session struct {
	config          llm.RealtimeConfig
	reassembler     *Reassembler
	gate            Gate
	pendingResponse string
	observer        Observer
}

func NewSession(cfg llm.RealtimeConfig, observer Observer) *Session {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Session{
		config:      cfg,
		reassembler: NewReassembler(observer),
		observer:    observer,
	}
}

// Open configures the remote session and publishes the initial capture level
func (s *Session) Open() Effects {
	return Effects{
		Send:    []llm.Outbound{llm.SessionUpdate(s.config)},
		Capture: s.capture(s.gate.CaptureEnabled()),
	}
}

// Handle applies one inbound event
func (s *Session) Handle(ev llm.Event) Effects {
	switch ev.Type {
	case llm.EventArgsDelta:
		_ = s.reassembler.Fragment(ev.CallID, ev.Name, ev.Delta)
		return Effects{}

	case llm.EventArgsDone:
		inv, err := s.reassembler.Complete(ev.CallID, ev.Name, ev.Arguments)
		if errors.Is(err, ErrCallFinalized) {
			return Effects{}
		}
		call := ToolCall{
			CallID:            inv.CallID,
			Name:              inv.Name,
			Arguments:         inv.Arguments,
			PendingResponseID: s.pendingResponse,
		}
		// handed to the dispatcher, which cancels it for a known tool
		s.pendingResponse = ""
		return Effects{Dispatch: []ToolCall{call}}

	case llm.EventAudioStarted:
		return Effects{Capture: s.capture(s.gate.SetTTSActive(true))}

	case llm.EventAudioFinished:
		return Effects{Capture: s.capture(s.gate.SetTTSActive(false))}

	case llm.EventAudioDelta:
		eff := Effects{}
		if !s.gate.TTSActive() {
			eff.Capture = s.capture(s.gate.SetTTSActive(true))
		}
		if len(ev.Audio) > 0 {
			eff.Audio = [][]byte{ev.Audio}
		}
		return eff

	case llm.EventResponseCreated:
		s.pendingResponse = ev.ResponseID
		return Effects{}

	case llm.EventResponseDone:
		if ev.ResponseID == "" || ev.ResponseID == s.pendingResponse {
			s.pendingResponse = ""
		}
		return Effects{}

	case llm.EventError:
		s.observer.Observe(Note{Kind: NoteAgentError, Detail: ev.Message})
		return Effects{}

	default:
		return Effects{}
	}
}

// ToggleMute flips the user mute
func (s *Session) ToggleMute() Effects {
	return Effects{Capture: s.capture(s.gate.ToggleMute())}
}

// SetMuted sets the user mute explicitly
func (s *Session) SetMuted(muted bool) Effects {
	return Effects{Capture: s.capture(s.gate.SetUserMuted(muted))}
}

func (s *Session) CaptureEnabled() bool    { return s.gate.CaptureEnabled() }
func (s *Session) GateState() GateState    { return s.gate.State() }
func (s *Session) PendingResponse() string { return s.pendingResponse }
func (s *Session) PendingCalls() int       { return s.reassembler.Pending() }

func (s *Session) capture(level bool) *bool {
	s.observer.Observe(Note{Kind: NoteCapture, Capture: &level, Detail: s.gate.State().String()})
	return &level
}
