// Package realtime speaks the OpenAI Realtime API over a WebSocket
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gliderlab/voxbridge/pkg/llm"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultURL   = "wss://api.openai.com/v1/realtime"
	defaultModel = "gpt-realtime"
	defaultVoice = "verse"
	writeTimeout = 5 * time.Second
	readLimit    = 16 * 1024 * 1024
)

// Transport is one Realtime session. Reads happen on the caller's goroutine;
// writes may come from any goroutine.
type Transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	config  llm.RealtimeConfig
	logger  zerolog.Logger
}

// Dial opens the Realtime WebSocket for cfg.Model
func Dial(ctx context.Context, cfg llm.RealtimeConfig, logger zerolog.Logger) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}
	conn.SetReadLimit(readLimit)

	t := &Transport{
		conn:   conn,
		config: cfg,
		logger: logger.With().Str("component", "openai-realtime").Logger(),
	}
	t.logger.Info().Str("url", endpoint).Msg("connected")
	return t, nil
}

func endpointURL(cfg llm.RealtimeConfig) (string, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Recv blocks for the next text frame and decodes it. Binary frames are skipped.
func (t *Transport) Recv(ctx context.Context) (llm.Event, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return llm.Event{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := decodeEvent(data)
		if err != nil {
			t.logger.Warn().Err(err).Int("bytes", len(data)).Msg("undecodable server event")
			continue
		}
		return ev, nil
	}
}

// Send encodes and writes one outbound message
func (t *Transport) Send(ctx context.Context, out llm.Outbound) error {
	msg, err := encodeOutbound(out)
	if err != nil {
		return err
	}
	return t.write(ctx, msg)
}

// SendAudio appends one PCM frame to the input buffer
func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return t.write(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (t *Transport) Close() error {
	err := t.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (t *Transport) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(writeCtx, websocket.MessageText, data)
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type       string          `json:"type"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Delta      string          `json:"delta"`
	Arguments  json.RawMessage `json:"arguments"`
	ResponseID string          `json:"response_id"`
	Response   *struct {
		ID string `json:"id"`
	} `json:"response"`
	Item *struct {
		Type   string `json:"type"`
		Name   string `json:"name"`
		CallID string `json:"call_id"`
	} `json:"item"`
	Error *serverError `json:"error"`

	// legacy tool_call shape
	ID         string `json:"id"`
	ToolCallID string `json:"tool_call_id"`
}

func decodeEvent(data []byte) (llm.Event, error) {
	var se serverEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return llm.Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev := llm.Event{Type: llm.EventUnknown, Raw: se.Type, ResponseID: se.ResponseID}

	switch se.Type {
	case "response.function_call_arguments.delta":
		ev.Type = llm.EventArgsDelta
		ev.CallID = se.CallID
		ev.Name = se.Name
		ev.Delta = se.Delta
	case "response.function_call_arguments.done":
		ev.Type = llm.EventArgsDone
		ev.CallID = se.CallID
		ev.Name = se.Name
		ev.Arguments = rawArguments(se.Arguments)
	case "tool_call":
		ev.Type = llm.EventArgsDone
		ev.CallID = firstNonEmpty(se.ID, se.ToolCallID, se.CallID)
		ev.Name = se.Name
		ev.Arguments = rawArguments(se.Arguments)
	case "response.output_item.added":
		// announces the function name before any argument delta
		if se.Item == nil || se.Item.Type != "function_call" || se.Item.CallID == "" {
			break
		}
		ev.Type = llm.EventArgsDelta
		ev.CallID = se.Item.CallID
		ev.Name = se.Item.Name
	case "output_audio_buffer.started":
		ev.Type = llm.EventAudioStarted
	case "output_audio_buffer.stopped", "output_audio_buffer.cleared",
		"response.output_audio.done", "response.audio.done":
		ev.Type = llm.EventAudioFinished
	case "response.output_audio.delta", "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(se.Delta)
		if err != nil {
			return llm.Event{}, fmt.Errorf("decode audio delta: %w", err)
		}
		ev.Type = llm.EventAudioDelta
		ev.Audio = audio
	case "response.created":
		ev.Type = llm.EventResponseCreated
		if se.Response != nil {
			ev.ResponseID = se.Response.ID
		}
	case "response.done":
		ev.Type = llm.EventResponseDone
		if se.Response != nil {
			ev.ResponseID = se.Response.ID
		}
	case "error":
		ev.Type = llm.EventError
		if se.Error != nil {
			ev.Message = se.Error.Message
			if se.Error.Code != "" {
				ev.Message = se.Error.Code + ": " + ev.Message
			}
		}
	}
	return ev, nil
}

// rawArguments accepts either a JSON string or an inline object
func rawArguments(raw json.RawMessage) *string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return &s
	}
	return &trimmed
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type realtimeTool struct {
	Type string `json:"type"`
	openai.FunctionDefinition
}

func encodeOutbound(out llm.Outbound) (map[string]any, error) {
	switch out.Type {
	case llm.OutResponseCancel:
		msg := map[string]any{"type": "response.cancel"}
		if out.ResponseID != "" {
			msg["response_id"] = out.ResponseID
		}
		return msg, nil
	case llm.OutToolOutput:
		return map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "function_call_output",
				"call_id": out.CallID,
				"output":  out.Output,
			},
		}, nil
	case llm.OutResponseCreate:
		return map[string]any{"type": "response.create"}, nil
	case llm.OutSessionUpdate:
		if out.Session == nil {
			return nil, fmt.Errorf("session.update without session config")
		}
		return map[string]any{"type": "session.update", "session": sessionPayload(*out.Session)}, nil
	default:
		return nil, fmt.Errorf("unsupported outbound type %q", out.Type)
	}
}

func sessionPayload(cfg llm.RealtimeConfig) map[string]any {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	format := map[string]any{"type": "audio/pcm", "rate": rate}

	input := map[string]any{"format": format}
	switch cfg.TurnDetection {
	case "none":
		input["turn_detection"] = nil
	case "semantic_vad":
		input["turn_detection"] = map[string]any{"type": "semantic_vad"}
	default:
		td := map[string]any{"type": "server_vad"}
		if cfg.VADThreshold > 0 {
			td["threshold"] = cfg.VADThreshold
		}
		if cfg.VADSilenceDurationMs > 0 {
			td["silence_duration_ms"] = cfg.VADSilenceDurationMs
		}
		if cfg.VADPrefixPaddingMs > 0 {
			td["prefix_padding_ms"] = cfg.VADPrefixPaddingMs
		}
		input["turn_detection"] = td
	}
	if cfg.InputAudioTranscription {
		model := cfg.InputTranscriptionModel
		if model == "" {
			model = "gpt-4o-mini-transcribe"
		}
		input["transcription"] = map[string]any{"model": model}
	}

	session := map[string]any{
		"type":              "realtime",
		"output_modalities": []string{"audio"},
		"audio": map[string]any{
			"input":  input,
			"output": map[string]any{"format": format, "voice": voice},
		},
	}
	if cfg.Model != "" {
		session["model"] = cfg.Model
	}
	if cfg.Instructions != "" {
		session["instructions"] = cfg.Instructions
	}

	tools := make([]realtimeTool, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		if t.Function == nil {
			continue
		}
		tools = append(tools, realtimeTool{
			Type: "function",
			FunctionDefinition: openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	if len(tools) > 0 {
		session["tools"] = tools
		session["tool_choice"] = "auto"
	}
	return session
}
