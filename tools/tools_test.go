package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gliderlab/voxbridge/processtool"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai/jsonschema"
)

type stubTool struct{ name string }

func (s stubTool) Name() string                       { return s.name }
func (s stubTool) Description() string                { return "stub " + s.name }
func (s stubTool) Parameters() *jsonschema.Definition { return &jsonschema.Definition{Type: jsonschema.Object} }
func (s stubTool) Execute(ctx context.Context, callID string, args map[string]any) (processtool.Result, error) {
	return processtool.Result{Succeeded: true}, nil
}

func TestToolRegistry(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	if len(registry.List()) != 0 {
		t.Errorf("Expected 0 tools, got %d", len(registry.List()))
	}

	registry.Register(stubTool{name: "b"})
	registry.Register(stubTool{name: "a"})

	names := registry.List()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Expected sorted [a b], got %v", names)
	}

	if _, ok := registry.Get("a"); !ok {
		t.Error("Expected to find 'a' tool")
	}
	if _, err := registry.Lookup("nonexistent"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Expected ErrToolNotFound, got %v", err)
	}
}

func TestToolsPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy *ToolsPolicy
		tool   string
		want   bool
	}{
		{"default allows", nil, "run_shell", true},
		{"deny by name", &ToolsPolicy{Deny: []string{"run_shell"}}, "run_shell", false},
		{"deny other", &ToolsPolicy{Deny: []string{"other"}}, "run_shell", true},
		{"allow list excludes", &ToolsPolicy{Allow: []string{"other"}}, "run_shell", false},
		{"allow overrides wildcard deny", &ToolsPolicy{Allow: []string{"run_shell"}, Deny: []string{"*"}}, "run_shell", true},
		{"wildcard deny", &ToolsPolicy{Deny: []string{"*"}}, "run_shell", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistryWithPolicy(tt.policy, zerolog.Nop())
			if got := r.IsToolAllowed(tt.tool); got != tt.want {
				t.Errorf("IsToolAllowed(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestLookupDenied(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(stubTool{name: "run_shell"})
	r.SetPolicy(&ToolsPolicy{Deny: []string{"run_shell"}})

	if _, err := r.Lookup("run_shell"); !errors.Is(err, ErrToolDenied) {
		t.Errorf("Expected ErrToolDenied, got %v", err)
	}
	if len(r.Declarations()) != 0 {
		t.Error("Denied tools should not be declared")
	}
}

func TestDeclarations(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(NewShellTool(nil))

	decls := r.Declarations()
	if len(decls) != 1 {
		t.Fatalf("Expected 1 declaration, got %d", len(decls))
	}
	fn := decls[0].Function
	if decls[0].Type != "function" || fn.Name != ShellToolName || fn.Description == "" {
		t.Errorf("Unexpected declaration %+v", fn)
	}
	params, ok := fn.Parameters.(*jsonschema.Definition)
	if !ok || params.Properties["command"].Type != jsonschema.Array {
		t.Errorf("Unexpected parameters %+v", fn.Parameters)
	}
}

func TestRequestFromArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		wantErr error
		check   func(t *testing.T, r processtool.Request)
	}{
		{
			name: "string command",
			args: map[string]any{"command": "ls -la", "cwd": "/tmp"},
			check: func(t *testing.T, r processtool.Request) {
				if r.Command.Line != "ls -la" || r.WorkDir != "/tmp" || r.Timeout != 0 {
					t.Errorf("Unexpected request %+v", r)
				}
			},
		},
		{
			name: "argv from JSON",
			args: map[string]any{"command": []any{"echo", "a b"}, "working_directory": "/srv", "timeout_ms": float64(2500)},
			check: func(t *testing.T, r processtool.Request) {
				if r.Command.String() != "'echo' 'a b'" || r.WorkDir != "/srv" || r.Timeout != 2500*time.Millisecond {
					t.Errorf("Unexpected request %+v", r)
				}
			},
		},
		{
			name: "fractional timeout",
			args: map[string]any{"command": "ls", "timeout_ms": 1500.5},
			check: func(t *testing.T, r processtool.Request) {
				if r.Timeout != 1500*time.Millisecond {
					t.Errorf("Expected truncation to 1500ms, got %v", r.Timeout)
				}
			},
		},
		{name: "sub-millisecond timeout", args: map[string]any{"command": "ls", "timeout_ms": 0.4}, wantErr: processtool.ErrInvalidTimeout},
		{name: "missing", args: map[string]any{}, wantErr: processtool.ErrCommandMissing},
		{name: "null", args: map[string]any{"command": nil}, wantErr: processtool.ErrCommandMissing},
		{name: "number", args: map[string]any{"command": float64(3)}, wantErr: processtool.ErrCommandType},
		{name: "mixed array", args: map[string]any{"command": []any{"ls", float64(1)}}, wantErr: processtool.ErrCommandType},
		{name: "zero timeout", args: map[string]any{"command": "ls", "timeout_ms": float64(0)}, wantErr: processtool.ErrInvalidTimeout},
		{name: "bad timeout", args: map[string]any{"command": "ls", "timeout_ms": "soon"}, wantErr: processtool.ErrInvalidTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := RequestFromArgs(tt.args)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error %v", err)
			}
			tt.check(t, req)
		})
	}
}

func TestShellToolRejectsLocally(t *testing.T) {
	// a nil client proves nothing is sent
	tool := NewShellTool(nil)

	res, err := tool.Execute(context.Background(), "c1", map[string]any{})
	if err != nil {
		t.Fatalf("Validation should not be a facility error: %v", err)
	}
	if res.Succeeded || res.TimedOut || !strings.Contains(res.ProcessError, "command") {
		t.Errorf("Unexpected result %+v", res)
	}

	res, _ = tool.Execute(context.Background(), "c2", map[string]any{"command": strings.Repeat("y", 2001)})
	if !strings.Contains(res.ProcessError, "command too long") {
		t.Errorf("Expected too long error, got %q", res.ProcessError)
	}
}

func TestGetInt(t *testing.T) {
	args := map[string]any{"f": float64(3), "s": "12", "bad": "x", "nil": nil}
	if v, ok := GetInt(args, "f"); !ok || v != 3 {
		t.Errorf("float: %d %v", v, ok)
	}
	if v, ok := GetInt(args, "s"); !ok || v != 12 {
		t.Errorf("string: %d %v", v, ok)
	}
	if _, ok := GetInt(args, "bad"); ok {
		t.Error("bad string should not parse")
	}
	if _, ok := GetInt(args, "nil"); ok {
		t.Error("nil should not parse")
	}
	if _, ok := GetInt(args, "missing"); ok {
		t.Error("missing should not parse")
	}
}
