// Package bridge connects a realtime voice agent to the shell: it
// reassembles streamed tool-call arguments, dispatches them to the
// execution gateway, encodes results back onto the channel and gates the
// microphone while the agent speaks.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCallFinalized is returned for fragments or completions that arrive
	// after their call id was already answered
	ErrCallFinalized = errors.New("call already finalized")
)

// Invocation is one reassembled tool call
type Invocation struct {
	CallID    string
	Name      string
	Fragments []string
	Arguments map[string]any
}

// Reassembler buffers argument fragments per call id. Not safe for
// concurrent use.
type Reassembler struct {
	pending   map[string]*Invocation
	finalized map[string]struct{}
	observer  Observer
}

func NewReassembler(observer Observer) *Reassembler {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Reassembler{
		pending:   make(map[string]*Invocation),
		finalized: make(map[string]struct{}),
		observer:  observer,
	}
}

// Fragment appends delta to the buffer for callID, creating it if absent.
// An empty delta only records the tool name.
func (r *Reassembler) Fragment(callID, name, delta string) error {
	if _, done := r.finalized[callID]; done {
		r.observer.Observe(Note{Kind: NoteCallFinalized, CallID: callID, Tool: name, Detail: delta})
		return fmt.Errorf("%w: %s", ErrCallFinalized, callID)
	}
	inv, ok := r.pending[callID]
	if !ok {
		inv = &Invocation{CallID: callID}
		r.pending[callID] = inv
	}
	if name != "" {
		inv.Name = name
	}
	if delta != "" {
		inv.Fragments = append(inv.Fragments, delta)
	}
	return nil
}

// Complete finalizes callID. The explicit final text wins over the buffered
// fragments. Empty text, or text that is not a JSON object, yields empty
// arguments; the latter also emits a malformed-arguments note.
func (r *Reassembler) Complete(callID, name string, final *string) (Invocation, error) {
	if _, done := r.finalized[callID]; done {
		r.observer.Observe(Note{Kind: NoteCallFinalized, CallID: callID, Tool: name})
		return Invocation{}, fmt.Errorf("%w: %s", ErrCallFinalized, callID)
	}

	inv, ok := r.pending[callID]
	if !ok {
		// a whole call in one event is normal; with no text at all it is worth a note
		if final == nil {
			r.observer.Observe(Note{Kind: NoteUnknownCompletion, CallID: callID, Tool: name})
		}
		inv = &Invocation{CallID: callID}
	}
	delete(r.pending, callID)
	r.finalized[callID] = struct{}{}

	if name != "" {
		inv.Name = name
	}
	text := strings.Join(inv.Fragments, "")
	if final != nil {
		text = *final
	}
	inv.Arguments = r.parse(callID, inv.Name, text)
	return *inv, nil
}

func (r *Reassembler) parse(callID, name, text string) map[string]any {
	if strings.TrimSpace(text) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil || args == nil {
		if err == nil {
			err = errors.New("arguments are not an object")
		}
		r.observer.Observe(Note{Kind: NoteMalformedArgs, CallID: callID, Tool: name, Detail: text, Err: err})
		return map[string]any{}
	}
	return args
}

// Pending returns the number of calls still buffering
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// Finalized reports whether callID was already completed
func (r *Reassembler) Finalized(callID string) bool {
	_, ok := r.finalized[callID]
	return ok
}
