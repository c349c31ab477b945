// Tools module - tool invocation framework
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/gliderlab/voxbridge/pkg/llm"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai/jsonschema"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolDenied   = errors.New("tool not allowed by policy")
)

// Tool defines the tool interface. Execute returns an error only when the
// facility behind the tool could not be reached or refused the request.
type Tool interface {
	Name() string
	Description() string
	Parameters() *jsonschema.Definition
	Execute(ctx context.Context, callID string, args map[string]any) (processtool.Result, error)
}

// ToolsPolicy holds tool allow/deny policy
type ToolsPolicy struct {
	Allow []string // Tool names to allow; empty means all
	Deny  []string // Tool names to deny; "*" denies everything not allowed
}

// Registry holds registered tools
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	policy *ToolsPolicy
	logger zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return NewRegistryWithPolicy(nil, logger)
}

// NewRegistryWithPolicy creates a registry with custom policy
func NewRegistryWithPolicy(policy *ToolsPolicy, logger zerolog.Logger) *Registry {
	if policy == nil {
		policy = &ToolsPolicy{}
	}
	return &Registry{
		tools:  make(map[string]Tool),
		policy: policy,
		logger: logger.With().Str("component", "tools").Logger(),
	}
}

// SetPolicy updates the tools policy
func (r *Registry) SetPolicy(policy *ToolsPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if policy == nil {
		policy = &ToolsPolicy{}
	}
	r.policy = policy
}

// IsToolAllowed checks if a tool is allowed by policy. An explicit allow
// overrides a deny.
func (r *Registry) IsToolAllowed(name string) bool {
	r.mu.RLock()
	p := r.policy
	r.mu.RUnlock()

	allowed := len(p.Allow) == 0 || matches(p.Allow, name)
	if matches(p.Deny, name) && !(len(p.Allow) > 0 && matches(p.Allow, name)) {
		return false
	}
	return allowed
}

func matches(list []string, name string) bool {
	for _, item := range list {
		if item == "*" || item == name {
			return true
		}
	}
	return false
}

// Register a tool
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
	r.logger.Debug().Str("tool", t.Name()).Msg("registered")
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Lookup returns a registered tool the policy allows
func (r *Registry) Lookup(name string) (Tool, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if !r.IsToolAllowed(name) {
		return nil, fmt.Errorf("%w: %s", ErrToolDenied, name)
	}
	return t, nil
}

// List all tools, sorted by name
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Declarations returns the allowed tools as session function declarations
func (r *Registry) Declarations() []llm.Tool {
	var decls []llm.Tool
	for _, name := range r.List() {
		if !r.IsToolAllowed(name) {
			continue
		}
		t, _ := r.Get(name)
		decls = append(decls, llm.Tool{
			Type: "function",
			Function: &llm.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return decls
}

// GetString gets a string arg
func GetString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt gets an int arg; numeric strings are accepted
func GetInt(args map[string]any, key string) (int64, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false
	}
	switch f := v.(type) {
	case float64:
		return int64(f), true
	case int:
		return int64(f), true
	case int64:
		return f, true
	case string:
		i, err := strconv.ParseInt(f, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// GetBool gets a bool arg
func GetBool(args map[string]any, key string) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
