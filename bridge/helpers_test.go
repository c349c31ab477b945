package bridge

import (
	"context"
	"sync"

	"github.com/gliderlab/voxbridge/pkg/llm"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/sashabaranov/go-openai/jsonschema"
)

type recordingObserver struct {
	mu    sync.Mutex
	notes []Note
}

func (o *recordingObserver) Observe(n Note) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notes = append(o.notes, n)
}

func (o *recordingObserver) kinds(k NoteKind) []Note {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Note
	for _, n := range o.notes {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

type recordingSender struct {
	mu   sync.Mutex
	sent []llm.Outbound
	err  error
}

func (s *recordingSender) Send(ctx context.Context, out llm.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, out)
	return s.err
}

func (s *recordingSender) messages() []llm.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Outbound(nil), s.sent...)
}

// stubTool returns a fixed result and remembers the arguments it saw
type stubTool struct {
	name   string
	result processtool.Result
	err    error

	mu    sync.Mutex
	calls []map[string]any
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Parameters() *jsonschema.Definition {
	return &jsonschema.Definition{Type: jsonschema.Object}
}

func (t *stubTool) Execute(ctx context.Context, callID string, args map[string]any) (processtool.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	return t.result, t.err
}

func (t *stubTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func strPtr(s string) *string { return &s }

func exitCode(c int) *int { return &c }
