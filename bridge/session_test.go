package bridge

import (
	"testing"

	"github.com/gliderlab/voxbridge/pkg/llm"
)

func TestSessionOpen(t *testing.T) {
	cfg := llm.RealtimeConfig{Model: "gpt-realtime", Voice: "verse"}
	s := NewSession(cfg, nil)
	eff := s.Open()
	if len(eff.Send) != 1 || eff.Send[0].Type != llm.OutSessionUpdate || eff.Send[0].Session.Model != "gpt-realtime" {
		t.Errorf("Unexpected open messages %+v", eff.Send)
	}
	if eff.Capture == nil || !*eff.Capture {
		t.Error("Capture should start enabled")
	}
}

func TestSessionToolCallFlow(t *testing.T) {
	s := NewSession(llm.RealtimeConfig{}, nil)

	if eff := s.Handle(llm.Event{Type: llm.EventResponseCreated, ResponseID: "resp_1"}); !eff.Empty() {
		t.Errorf("Expected no effects, got %+v", eff)
	}
	s.Handle(llm.Event{Type: llm.EventArgsDelta, CallID: "c1", Name: "run_shell", Delta: `{"command":`})
	s.Handle(llm.Event{Type: llm.EventArgsDelta, CallID: "c1", Delta: `"ls"}`})
	if s.PendingCalls() != 1 {
		t.Fatalf("Expected one buffering call, got %d", s.PendingCalls())
	}

	eff := s.Handle(llm.Event{Type: llm.EventArgsDone, CallID: "c1"})
	if len(eff.Dispatch) != 1 {
		t.Fatalf("Expected one dispatch, got %+v", eff)
	}
	call := eff.Dispatch[0]
	if call.Name != "run_shell" || call.Arguments["command"] != "ls" || call.PendingResponseID != "resp_1" {
		t.Errorf("Unexpected call %+v", call)
	}
	if s.PendingResponse() != "" {
		t.Error("The pending response is handed to the dispatcher")
	}

	if eff := s.Handle(llm.Event{Type: llm.EventArgsDone, CallID: "c1", Arguments: strPtr(`{}`)}); !eff.Empty() {
		t.Errorf("A second completion must not dispatch again, got %+v", eff)
	}
}

func TestSessionResponseDone(t *testing.T) {
	s := NewSession(llm.RealtimeConfig{}, nil)
	s.Handle(llm.Event{Type: llm.EventResponseCreated, ResponseID: "resp_2"})
	s.Handle(llm.Event{Type: llm.EventResponseDone, ResponseID: "resp_1"})
	if s.PendingResponse() != "resp_2" {
		t.Error("A stale done must not clear a newer response")
	}
	s.Handle(llm.Event{Type: llm.EventResponseDone, ResponseID: "resp_2"})
	if s.PendingResponse() != "" {
		t.Error("Expected pending response cleared")
	}
}

func TestSessionAudioGating(t *testing.T) {
	obs := &recordingObserver{}
	s := NewSession(llm.RealtimeConfig{}, obs)

	eff := s.Handle(llm.Event{Type: llm.EventAudioStarted})
	if eff.Capture == nil || *eff.Capture {
		t.Error("Capture should stop while the agent speaks")
	}

	eff = s.Handle(llm.Event{Type: llm.EventAudioDelta, Audio: []byte{1, 2}})
	if eff.Capture != nil {
		t.Error("Already speaking, no new capture level expected")
	}
	if len(eff.Audio) != 1 {
		t.Error("Expected audio to play")
	}

	eff = s.ToggleMute()
	if eff.Capture == nil || *eff.Capture || s.GateState() != GatedByBoth {
		t.Errorf("Unexpected state %v", s.GateState())
	}

	eff = s.Handle(llm.Event{Type: llm.EventAudioFinished})
	if eff.Capture == nil || *eff.Capture {
		t.Error("Still muted, capture stays off")
	}

	eff = s.SetMuted(false)
	if eff.Capture == nil || !*eff.Capture || !s.CaptureEnabled() {
		t.Error("Expected capture back on")
	}

	if got := len(obs.kinds(NoteCapture)); got != 4 {
		t.Errorf("Expected a capture note per level change, got %d", got)
	}
}

func TestSessionAudioDeltaStartsSpeaking(t *testing.T) {
	s := NewSession(llm.RealtimeConfig{}, nil)
	eff := s.Handle(llm.Event{Type: llm.EventAudioDelta, Audio: []byte{1}})
	if eff.Capture == nil || *eff.Capture {
		t.Error("Audio without a start event should still gate capture")
	}
	if s.GateState() != GatedByTTS {
		t.Errorf("Unexpected state %v", s.GateState())
	}
}

func TestSessionAgentError(t *testing.T) {
	obs := &recordingObserver{}
	s := NewSession(llm.RealtimeConfig{}, obs)
	if eff := s.Handle(llm.Event{Type: llm.EventError, Message: "rate_limited: slow down"}); !eff.Empty() {
		t.Errorf("Unexpected effects %+v", eff)
	}
	if eff := s.Handle(llm.Event{Type: llm.EventUnknown}); !eff.Empty() {
		t.Errorf("Unexpected effects %+v", eff)
	}
	notes := obs.kinds(NoteAgentError)
	if len(notes) != 1 || notes[0].Detail != "rate_limited: slow down" {
		t.Errorf("Unexpected notes %+v", notes)
	}
}
