package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gliderlab/voxbridge/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai/jsonschema"
)

func TestDecodeEvent(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	tests := []struct {
		name string
		in   string
		want llm.Event
	}{
		{
			name: "args delta",
			in:   `{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"{\"co","response_id":"r1"}`,
			want: llm.Event{Type: llm.EventArgsDelta, CallID: "c1", Delta: `{"co`, ResponseID: "r1"},
		},
		{
			name: "output item announces name",
			in:   `{"type":"response.output_item.added","item":{"type":"function_call","name":"run_shell","call_id":"c1"}}`,
			want: llm.Event{Type: llm.EventArgsDelta, CallID: "c1", Name: "run_shell"},
		},
		{
			name: "message item ignored",
			in:   `{"type":"response.output_item.added","item":{"type":"message"}}`,
			want: llm.Event{Type: llm.EventUnknown},
		},
		{
			name: "audio started",
			in:   `{"type":"output_audio_buffer.started"}`,
			want: llm.Event{Type: llm.EventAudioStarted},
		},
		{
			name: "audio cleared",
			in:   `{"type":"output_audio_buffer.cleared"}`,
			want: llm.Event{Type: llm.EventAudioFinished},
		},
		{
			name: "beta audio done",
			in:   `{"type":"response.audio.done"}`,
			want: llm.Event{Type: llm.EventAudioFinished},
		},
		{
			name: "response created",
			in:   `{"type":"response.created","response":{"id":"resp_9"}}`,
			want: llm.Event{Type: llm.EventResponseCreated, ResponseID: "resp_9"},
		},
		{
			name: "response done",
			in:   `{"type":"response.done","response":{"id":"resp_9"}}`,
			want: llm.Event{Type: llm.EventResponseDone, ResponseID: "resp_9"},
		},
		{
			name: "error",
			in:   `{"type":"error","error":{"code":"bad","message":"nope"}}`,
			want: llm.Event{Type: llm.EventError, Message: "bad: nope"},
		},
		{
			name: "unknown",
			in:   `{"type":"session.created"}`,
			want: llm.Event{Type: llm.EventUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent([]byte(tt.in))
			if err != nil {
				t.Fatalf("decodeEvent: %v", err)
			}
			if got.Type != tt.want.Type || got.CallID != tt.want.CallID || got.Name != tt.want.Name ||
				got.Delta != tt.want.Delta || got.ResponseID != tt.want.ResponseID || got.Message != tt.want.Message {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	ev, err := decodeEvent([]byte(`{"type":"response.output_audio.delta","delta":"` + audio + `"}`))
	if err != nil || ev.Type != llm.EventAudioDelta || len(ev.Audio) != 3 {
		t.Errorf("Unexpected audio delta %+v, %v", ev, err)
	}
	if _, err := decodeEvent([]byte(`{"type":"response.audio.delta","delta":"!!"}`)); err == nil {
		t.Error("Expected error for bad base64")
	}
	if _, err := decodeEvent([]byte(`not json`)); err == nil {
		t.Error("Expected error for bad JSON")
	}
}

func TestDecodeArgsDone(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"response.function_call_arguments.done","call_id":"c1","name":"run_shell","arguments":"{\"command\":\"ls\"}"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != llm.EventArgsDone || ev.Arguments == nil || *ev.Arguments != `{"command":"ls"}` {
		t.Errorf("Unexpected event %+v", ev)
	}

	ev, _ = decodeEvent([]byte(`{"type":"response.function_call_arguments.done","call_id":"c2"}`))
	if ev.Arguments != nil {
		t.Error("Missing arguments should stay nil so buffered fragments are used")
	}

	// legacy whole-call event with inline object arguments
	ev, _ = decodeEvent([]byte(`{"type":"tool_call","tool_call_id":"c3","name":"run_shell","arguments":{"command":["ls","-la"]}}`))
	if ev.Type != llm.EventArgsDone || ev.CallID != "c3" || *ev.Arguments != `{"command":["ls","-la"]}` {
		t.Errorf("Unexpected legacy event %+v", ev)
	}
}

func TestEncodeOutbound(t *testing.T) {
	msg, err := encodeOutbound(llm.Cancel("r1"))
	if err != nil || msg["type"] != "response.cancel" || msg["response_id"] != "r1" {
		t.Errorf("Unexpected cancel %v, %v", msg, err)
	}

	msg, _ = encodeOutbound(llm.ToolOutput("c1", "run_shell", "hi"))
	item := msg["item"].(map[string]any)
	if msg["type"] != "conversation.item.create" || item["type"] != "function_call_output" || item["call_id"] != "c1" || item["output"] != "hi" {
		t.Errorf("Unexpected tool output %v", msg)
	}

	msg, _ = encodeOutbound(llm.Continue())
	if msg["type"] != "response.create" {
		t.Errorf("Unexpected continue %v", msg)
	}

	if _, err := encodeOutbound(llm.Outbound{Type: llm.OutSessionUpdate}); err == nil {
		t.Error("Expected error for session.update without config")
	}
	if _, err := encodeOutbound(llm.Outbound{Type: "bogus"}); err == nil {
		t.Error("Expected error for unknown type")
	}
}

func TestSessionPayload(t *testing.T) {
	params := &jsonschema.Definition{
		Type:       jsonschema.Object,
		Properties: map[string]jsonschema.Definition{"command": {Type: jsonschema.String}},
		Required:   []string{"command"},
	}
	msg, err := encodeOutbound(llm.SessionUpdate(llm.RealtimeConfig{
		Model:                   "gpt-realtime",
		Instructions:            "be brief",
		Tools:                   []llm.Tool{{Type: "function", Function: &llm.ToolFunction{Name: "run_shell", Description: "run", Parameters: params}}},
		VADSilenceDurationMs:    800,
		InputAudioTranscription: true,
	}))
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Session struct {
			Instructions string `json:"instructions"`
			ToolChoice   string `json:"tool_choice"`
			Tools        []struct {
				Type       string         `json:"type"`
				Name       string         `json:"name"`
				Parameters map[string]any `json:"parameters"`
			} `json:"tools"`
			Audio struct {
				Input struct {
					TurnDetection map[string]any `json:"turn_detection"`
					Transcription map[string]any `json:"transcription"`
				} `json:"input"`
				Output struct {
					Voice string `json:"voice"`
				} `json:"output"`
			} `json:"audio"`
		} `json:"session"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	s := decoded.Session
	if s.Instructions != "be brief" || s.ToolChoice != "auto" {
		t.Errorf("Unexpected session %+v", s)
	}
	if len(s.Tools) != 1 || s.Tools[0].Type != "function" || s.Tools[0].Name != "run_shell" || s.Tools[0].Parameters["type"] != "object" {
		t.Errorf("Tools should be flat function definitions, got %+v", s.Tools)
	}
	if s.Audio.Input.TurnDetection["type"] != "server_vad" || s.Audio.Input.TurnDetection["silence_duration_ms"] != float64(800) {
		t.Errorf("Unexpected turn detection %v", s.Audio.Input.TurnDetection)
	}
	if s.Audio.Input.Transcription["model"] != "gpt-4o-mini-transcribe" {
		t.Errorf("Unexpected transcription %v", s.Audio.Input.Transcription)
	}
	if s.Audio.Output.Voice != defaultVoice {
		t.Errorf("Expected default voice, got %q", s.Audio.Output.Voice)
	}
}

func TestEndpointURL(t *testing.T) {
	got, err := endpointURL(llm.RealtimeConfig{})
	if err != nil || got != defaultURL+"?model="+defaultModel {
		t.Errorf("Unexpected default url %q, %v", got, err)
	}
	got, _ = endpointURL(llm.RealtimeConfig{BaseURL: "http://127.0.0.1:9999/v1/realtime", Model: "m"})
	if got != "ws://127.0.0.1:9999/v1/realtime?model=m" {
		t.Errorf("Unexpected url %q", got)
	}
}

func TestTransportOverWebSocket(t *testing.T) {
	received := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" || r.URL.Query().Get("model") != "gpt-realtime" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0, 1})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"response.created","response":{"id":"r1"}}`))
		for i := 0; i < 2; i++ {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			received <- msg
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, err := Dial(ctx, llm.RealtimeConfig{BaseURL: base, APIKey: "wrong"}, zerolog.Nop()); err == nil {
		t.Fatal("Expected dial failure with bad key")
	}

	tr, err := Dial(ctx, llm.RealtimeConfig{BaseURL: base, APIKey: "sk-test"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	ev, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ev.Type != llm.EventResponseCreated || ev.ResponseID != "r1" {
		t.Errorf("Binary frame should be skipped, got %+v", ev)
	}

	if err := tr.Send(ctx, llm.Cancel("r1")); err != nil {
		t.Fatal(err)
	}
	if err := tr.SendAudio(ctx, []byte{9, 9}); err != nil {
		t.Fatal(err)
	}
	if err := tr.SendAudio(ctx, nil); err != nil {
		t.Errorf("Empty frame should be skipped, got %v", err)
	}

	first := <-received
	second := <-received
	if first["type"] != "response.cancel" {
		t.Errorf("Unexpected first message %v", first)
	}
	if second["type"] != "input_audio_buffer.append" || second["audio"] != base64.StdEncoding.EncodeToString([]byte{9, 9}) {
		t.Errorf("Unexpected second message %v", second)
	}

	if _, err := tr.Recv(ctx); err == nil {
		t.Error("Recv should fail once the server closes")
	}
}
