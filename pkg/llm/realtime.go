// Package llm holds the provider-neutral realtime model shared by the
// bridge and the transports.
package llm

import "errors"

// ErrNotConnected is returned by transports used before Dial or after Close
var ErrNotConnected = errors.New("realtime: not connected")

// ProviderType names a realtime backend
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderGoogle ProviderType = "google"
)

// Tool represents a function tool
type Tool struct {
	Type     string        `json:"type"`
	Function *ToolFunction `json:"function,omitempty"`
}

type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// RealtimeConfig describes one realtime session
type RealtimeConfig struct {
	Model        string `json:"model"`
	APIKey       string `json:"apiKey,omitempty"`
	BaseURL      string `json:"baseUrl,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`

	Tools []Tool `json:"tools,omitempty"`

	// Audio
	SampleRate               int    `json:"sampleRate,omitempty"`
	InputAudioTranscription  bool   `json:"inputAudioTranscription,omitempty"`
	InputTranscriptionModel  string `json:"inputTranscriptionModel,omitempty"`
	OutputAudioTranscription bool   `json:"outputAudioTranscription,omitempty"`

	// VAD (Voice Activity Detection)
	TurnDetection        string  `json:"turnDetection,omitempty"` // server_vad|semantic_vad|none
	VADThreshold         float64 `json:"vadThreshold,omitempty"`
	VADStartSensitivity  string  `json:"vadStartSensitivity,omitempty"` // low|high
	VADEndSensitivity    string  `json:"vadEndSensitivity,omitempty"`   // low|high
	VADPrefixPaddingMs   int32   `json:"vadPrefixPaddingMs,omitempty"`
	VADSilenceDurationMs int32   `json:"vadSilenceDurationMs,omitempty"`
	VADActivityHandling  string  `json:"vadActivityHandling,omitempty"` // start_of_activity_interrupts|no_interruption
}

// EventType classifies an inbound realtime event
type EventType string

const (
	EventArgsDelta       EventType = "args_delta"
	EventArgsDone        EventType = "args_done"
	EventAudioStarted    EventType = "audio_started"
	EventAudioFinished   EventType = "audio_finished"
	EventAudioDelta      EventType = "audio_delta"
	EventResponseCreated EventType = "response_created"
	EventResponseDone    EventType = "response_done"
	EventError           EventType = "error"
	EventUnknown         EventType = "unknown"
)

// Event is one inbound message from the agent, normalized across providers.
// Raw keeps the provider's own type name for diagnostics.
type Event struct {
	Type       EventType
	Raw        string
	CallID     string
	Name       string
	Delta      string
	Arguments  *string
	ResponseID string
	Audio      []byte
	Message    string
}

// OutboundType classifies an outbound realtime message
type OutboundType string

const (
	OutSessionUpdate  OutboundType = "session.update"
	OutResponseCancel OutboundType = "response.cancel"
	OutToolOutput     OutboundType = "tool_output"
	OutResponseCreate OutboundType = "response.create"
)

// Outbound is one message the bridge asks a transport to deliver
type Outbound struct {
	Type       OutboundType
	ResponseID string
	CallID     string
	Name       string
	Output     string
	Session    *RealtimeConfig
}

// Cancel builds a response.cancel message
func Cancel(responseID string) Outbound {
	return Outbound{Type: OutResponseCancel, ResponseID: responseID}
}

// ToolOutput builds the function_call_output message for a call
func ToolOutput(callID, name, output string) Outbound {
	return Outbound{Type: OutToolOutput, CallID: callID, Name: name, Output: output}
}

// Continue builds a response.create message
func Continue() Outbound {
	return Outbound{Type: OutResponseCreate}
}

// SessionUpdate builds a session.update message
func SessionUpdate(cfg RealtimeConfig) Outbound {
	return Outbound{Type: OutSessionUpdate, Session: &cfg}
}

// ToolNames lists the function names declared in tools
func ToolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Function != nil {
			names = append(names, t.Function.Name)
		}
	}
	return names
}
