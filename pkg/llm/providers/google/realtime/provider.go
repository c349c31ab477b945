package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gliderlab/voxbridge/pkg/llm"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const defaultVoice = "Kore"

// liveSession is the part of *genai.Session the transport drives
type liveSession interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Close() error
}

// Transport speaks the Gemini Live API. Tool calls arrive whole, so every
// call surfaces as a single args-done event.
type Transport struct {
	config  llm.RealtimeConfig
	session liveSession
	mu      sync.RWMutex
	closed  bool

	events chan llm.Event
	done   chan struct{}
	stop   chan struct{} // closed by Close
	err    error

	// receive goroutine only
	speaking bool

	logger zerolog.Logger
}

// Dial connects a Live session configured from cfg
func Dial(ctx context.Context, cfg llm.RealtimeConfig, logger zerolog.Logger) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create client failed: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash-live-001"
	}

	session, err := client.Live.Connect(ctx, model, buildLiveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("live connect failed: %w", err)
	}

	t := newTransport(cfg, session, logger)
	t.logger.Info().Str("model", model).Int("tools", len(cfg.Tools)).Msg("connected")
	return t, nil
}

func newTransport(cfg llm.RealtimeConfig, s liveSession, logger zerolog.Logger) *Transport {
	t := &Transport{
		config:  cfg,
		session: s,
		events:  make(chan llm.Event, 64),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		logger:  logger.With().Str("component", "gemini-live").Logger(),
	}
	go t.receiveLoop()
	return t
}

func buildLiveConfig(cfg llm.RealtimeConfig) *genai.LiveConnectConfig {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	liveCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			if t.Function == nil {
				continue
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  convertToSchema(t.Function.Parameters),
			})
		}
		liveCfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	if cfg.InputAudioTranscription {
		liveCfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputAudioTranscription {
		liveCfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}

	rtic := &genai.RealtimeInputConfig{}
	hasRTIC := false
	if cfg.TurnDetection == "none" || cfg.VADStartSensitivity != "" || cfg.VADEndSensitivity != "" || cfg.VADPrefixPaddingMs > 0 || cfg.VADSilenceDurationMs > 0 {
		aad := &genai.AutomaticActivityDetection{Disabled: cfg.TurnDetection == "none"}
		if s := parseStartSensitivity(cfg.VADStartSensitivity); s != "" {
			aad.StartOfSpeechSensitivity = s
		}
		if s := parseEndSensitivity(cfg.VADEndSensitivity); s != "" {
			aad.EndOfSpeechSensitivity = s
		}
		if cfg.VADPrefixPaddingMs > 0 {
			aad.PrefixPaddingMs = genai.Ptr[int32](cfg.VADPrefixPaddingMs)
		}
		if cfg.VADSilenceDurationMs > 0 {
			aad.SilenceDurationMs = genai.Ptr[int32](cfg.VADSilenceDurationMs)
		}
		rtic.AutomaticActivityDetection = aad
		hasRTIC = true
	}
	if h := parseActivityHandling(cfg.VADActivityHandling); h != "" {
		rtic.ActivityHandling = h
		hasRTIC = true
	}
	if hasRTIC {
		liveCfg.RealtimeInputConfig = rtic
	}

	if cfg.Instructions != "" {
		liveCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	return liveCfg
}

// Recv returns the next normalized event
func (t *Transport) Recv(ctx context.Context) (llm.Event, error) {
	select {
	case ev := <-t.events:
		return ev, nil
	case <-ctx.Done():
		return llm.Event{}, ctx.Err()
	case <-t.done:
		// drain anything queued before the session ended
		select {
		case ev := <-t.events:
			return ev, nil
		default:
		}
		return llm.Event{}, t.err
	}
}

// Send delivers tool output. Cancel, continuation and session updates are
// no-ops: the Live API resumes on its own once the response arrives and the
// session is configured at connect time.
func (t *Transport) Send(ctx context.Context, out llm.Outbound) error {
	s, err := t.current()
	if err != nil {
		return err
	}

	switch out.Type {
	case llm.OutToolOutput:
		return s.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:   out.CallID,
				Name: out.Name,
				Response: map[string]any{
					"output": out.Output,
				},
			}},
		})
	case llm.OutResponseCancel, llm.OutResponseCreate, llm.OutSessionUpdate:
		t.logger.Debug().Str("type", string(out.Type)).Msg("ignored outbound message")
		return nil
	default:
		return fmt.Errorf("unsupported outbound type %q", out.Type)
	}
}

// SendAudio forwards one PCM frame
func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	s, err := t.current()
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}
	mime := "audio/pcm"
	if t.config.SampleRate > 0 {
		mime = fmt.Sprintf("audio/pcm;rate=%d", t.config.SampleRate)
	}
	return s.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			MIMEType: mime,
			Data:     pcm,
		},
	})
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.stop)
	return t.session.Close()
}

func (t *Transport) current() (liveSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.session == nil {
		return nil, llm.ErrNotConnected
	}
	return t.session, nil
}

func (t *Transport) receiveLoop() {
	defer close(t.done)
	for {
		msg, err := t.session.Receive()
		if err != nil {
			t.err = fmt.Errorf("receive error: %w", err)
			return
		}
		for _, ev := range t.processMessage(msg) {
			select {
			case t.events <- ev:
			case <-t.stop:
				t.err = llm.ErrNotConnected
				return
			}
		}
	}
}

func (t *Transport) processMessage(msg *genai.LiveServerMessage) []llm.Event {
	if msg == nil {
		return nil
	}
	var events []llm.Event

	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil || fc.ID == "" || fc.Name == "" {
				continue
			}
			args := "{}"
			if len(fc.Args) > 0 {
				if b, err := json.Marshal(fc.Args); err == nil {
					args = string(b)
				}
			}
			events = append(events, llm.Event{
				Type:      llm.EventArgsDone,
				Raw:       "toolCall",
				CallID:    fc.ID,
				Name:      fc.Name,
				Arguments: &args,
			})
		}
	}

	if msg.GoAway != nil {
		events = append(events, llm.Event{Type: llm.EventError, Raw: "goAway", Message: "server will disconnect soon"})
	}

	sc := msg.ServerContent
	if sc == nil {
		return events
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") && part.InlineData.MIMEType != "" {
				continue
			}
			if !t.speaking {
				t.speaking = true
				events = append(events, llm.Event{Type: llm.EventAudioStarted, Raw: "serverContent"})
			}
			events = append(events, llm.Event{Type: llm.EventAudioDelta, Raw: "serverContent", Audio: part.InlineData.Data})
		}
	}
	if sc.Interrupted || sc.TurnComplete || sc.GenerationComplete {
		if t.speaking {
			t.speaking = false
			events = append(events, llm.Event{Type: llm.EventAudioFinished, Raw: "serverContent"})
		}
	}
	return events
}

func parseStartSensitivity(v string) genai.StartSensitivity {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "default", "unspecified", "start_sensitivity_unspecified":
		return ""
	case "low", "start_sensitivity_low":
		return genai.StartSensitivityLow
	case "high", "start_sensitivity_high":
		return genai.StartSensitivityHigh
	default:
		return ""
	}
}

func parseEndSensitivity(v string) genai.EndSensitivity {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "default", "unspecified", "end_sensitivity_unspecified":
		return ""
	case "low", "end_sensitivity_low":
		return genai.EndSensitivityLow
	case "high", "end_sensitivity_high":
		return genai.EndSensitivityHigh
	default:
		return ""
	}
}

func parseActivityHandling(v string) genai.ActivityHandling {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "default", "unspecified", "activity_handling_unspecified":
		return ""
	case "start_of_activity_interrupts", "interrupts", "barge_in":
		return genai.ActivityHandlingStartOfActivityInterrupts
	case "no_interruption", "no_interrupt":
		return genai.ActivityHandlingNoInterruption
	default:
		return ""
	}
}

// convertToSchema converts tool parameters to *genai.Schema. Anything that
// is not already a map goes through JSON first.
func convertToSchema(params any) *genai.Schema {
	if params == nil {
		return nil
	}

	if m, ok := params.(map[string]any); ok {
		return mapToSchema(m)
	}

	var raw []byte
	if s, ok := params.(string); ok {
		raw = []byte(s)
	} else {
		b, err := json.Marshal(params)
		if err != nil {
			return nil
		}
		raw = b
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return mapToSchema(m)
}

func mapToSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}

	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}

	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = mapToSchema(items)
	}

	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for k, v := range props {
			if propMap, ok := v.(map[string]any); ok {
				schema.Properties[k] = mapToSchema(propMap)
			}
		}
	}

	if required, ok := m["required"].([]any); ok {
		schema.Required = make([]string, 0, len(required))
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	return schema
}
