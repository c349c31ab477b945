package tools

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gliderlab/voxbridge/pkg/config"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const ShellToolName = "run_shell"

// ShellTool runs commands on this machine through the execution gateway
type ShellTool struct {
	client    *ShellClient
	streaming bool
	echo      io.Writer
	maxLen    int
}

// ShellToolOption configures the shell tool
type ShellToolOption func(*ShellTool)

// WithStreaming selects the streaming endpoint (default) or the buffered one
func WithStreaming(on bool) ShellToolOption {
	return func(t *ShellTool) {
		t.streaming = on
	}
}

// WithEcho copies streamed output to w as it arrives
func WithEcho(w io.Writer) ShellToolOption {
	return func(t *ShellTool) {
		t.echo = w
	}
}

// WithMaxCommandLen overrides the local command length ceiling
func WithMaxCommandLen(n int) ShellToolOption {
	return func(t *ShellTool) {
		t.maxLen = n
	}
}

func NewShellTool(client *ShellClient, opts ...ShellToolOption) *ShellTool {
	t := &ShellTool{
		client:    client,
		streaming: true,
		maxLen:    config.MaxCommandLen,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *ShellTool) Name() string {
	return ShellToolName
}

func (t *ShellTool) Description() string {
	return "Execute a shell command on this machine and return stdout/stderr. Use for tasks that require shell access."
}

func (t *ShellTool) Parameters() *jsonschema.Definition {
	return &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"command": {
				Type:        jsonschema.Array,
				Items:       &jsonschema.Definition{Type: jsonschema.String},
				Description: `The command and its arguments as an array of strings, e.g. ["ls", "-la"]. Avoid interactive commands.`,
			},
			"cwd": {
				Type:        jsonschema.String,
				Description: "Working directory (default: the gateway's)",
			},
			"timeout_ms": {
				Type:        jsonschema.Integer,
				Description: "Timeout in milliseconds (default 10000)",
			},
		},
		Required: []string{"command"},
	}
}

// Execute validates args locally, then runs the command. Validation problems
// come back as a failed Result so the agent sees them.
func (t *ShellTool) Execute(ctx context.Context, callID string, args map[string]any) (processtool.Result, error) {
	req, err := RequestFromArgs(args)
	if err == nil {
		err = req.Check(t.maxLen)
	}
	if err != nil {
		return processtool.Failure(err.Error()), nil
	}

	if t.streaming {
		return t.client.Stream(ctx, req, t.echo)
	}
	return t.client.Run(ctx, req, callID)
}

// RequestFromArgs builds an execution request from tool-call arguments.
// "working_directory" is accepted as an alias for "cwd".
func RequestFromArgs(args map[string]any) (processtool.Request, error) {
	var req processtool.Request

	raw, ok := args["command"]
	if !ok || raw == nil {
		return req, processtool.ErrCommandMissing
	}
	switch v := raw.(type) {
	case string:
		req.Command = processtool.Command{Line: v}
	case []string:
		req.Command = processtool.Command{Argv: v}
	case []any:
		argv := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return req, processtool.ErrCommandType
			}
			argv = append(argv, s)
		}
		req.Command = processtool.Command{Argv: argv}
	default:
		return req, processtool.ErrCommandType
	}

	req.WorkDir = GetString(args, "cwd")
	if req.WorkDir == "" {
		req.WorkDir = GetString(args, "working_directory")
	}
	req.Pty = GetBool(args, "pty")

	if _, present := args["timeout_ms"]; present && args["timeout_ms"] != nil {
		ms, ok := GetInt(args, "timeout_ms")
		if !ok || ms <= 0 {
			return req, fmt.Errorf("%w: got %v", processtool.ErrInvalidTimeout, args["timeout_ms"])
		}
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	return req, nil
}
