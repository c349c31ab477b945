package bridge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gliderlab/voxbridge/pkg/llm"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

const (
	NoOutput    = "(no output)"
	ErrorPrefix = "ERROR: "
)

// tokenizer is the part of *tiktoken.Tiktoken the encoder needs
type tokenizer interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

var (
	cl100k     *tiktoken.Tiktoken
	cl100kErr  error
	cl100kOnce sync.Once
)

// loadTokenizer loads cl100k_base once; it is only needed when a token
// budget is configured
func loadTokenizer() (tokenizer, error) {
	cl100kOnce.Do(func() {
		cl100k, cl100kErr = tiktoken.GetEncoding("cl100k_base")
		if cl100kErr != nil {
			log.Warn().Err(cl100kErr).Msg("failed to load tiktoken tokenizer")
		}
	})
	if cl100kErr != nil {
		return nil, cl100kErr
	}
	return cl100k, nil
}

// Encoder turns an execution result into the two messages the agent expects:
// the tool output, then the continuation
type Encoder struct {
	maxTokens int
	tok       tokenizer
}

// NewEncoder builds an encoder. maxTokens <= 0 disables the output budget.
func NewEncoder(maxTokens int) (*Encoder, error) {
	e := &Encoder{maxTokens: maxTokens}
	if maxTokens > 0 {
		tok, err := loadTokenizer()
		if err != nil {
			return nil, fmt.Errorf("token budget needs cl100k_base: %w", err)
		}
		e.tok = tok
	}
	return e, nil
}

// Encode returns exactly two messages, tool output first
func (e *Encoder) Encode(callID, name string, res processtool.Result) []llm.Outbound {
	return []llm.Outbound{
		llm.ToolOutput(callID, name, e.Text(res)),
		llm.Continue(),
	}
}

// Text renders the textual tool output for res
func (e *Encoder) Text(res processtool.Result) string {
	if res.ProcessError != "" {
		return ErrorPrefix + res.ProcessError
	}

	var parts []string
	if out := strings.TrimRight(string(res.Stdout), "\n"); out != "" {
		parts = append(parts, out)
	}
	if errOut := strings.TrimRight(string(res.Stderr), "\n"); errOut != "" {
		parts = append(parts, errOut)
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = NoOutput
	}
	text = e.budget(text)
	if !res.Succeeded {
		text += "\n" + res.Trailer()
	}
	return text
}

func (e *Encoder) budget(text string) string {
	if e.maxTokens <= 0 || e.tok == nil {
		return text
	}
	tokens := e.tok.Encode(text, nil, nil)
	if len(tokens) <= e.maxTokens {
		return text
	}
	kept := e.tok.Decode(tokens[:e.maxTokens])
	return fmt.Sprintf("%s\n[output truncated: %d of %d tokens shown]", kept, e.maxTokens, len(tokens))
}
