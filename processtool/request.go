package processtool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gliderlab/voxbridge/pkg/config"
)

var (
	ErrCommandMissing    = errors.New("missing or invalid 'command'")
	ErrCommandType       = errors.New("'command' must be a string or an array of strings")
	ErrCommandTooLong    = errors.New("command too long")
	ErrInvalidTimeout    = errors.New("'timeout_ms' must be a positive number of milliseconds")
	ErrCommandNotAllowed = errors.New("command not allowed")
)

// Command is either a single shell line or an argv list joined for the shell
type Command struct {
	Line string
	Argv []string
}

// String returns the shell line the interpreter receives
func (c Command) String() string {
	if len(c.Argv) > 0 {
		return JoinArgv(c.Argv)
	}
	return c.Line
}

func (c Command) Empty() bool {
	return c.Line == "" && len(c.Argv) == 0
}

func (c Command) MarshalJSON() ([]byte, error) {
	if len(c.Argv) > 0 {
		return json.Marshal(c.Argv)
	}
	return json.Marshal(c.Line)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		*c = Command{Line: line}
		return nil
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err == nil {
		*c = Command{Argv: argv}
		return nil
	}
	return ErrCommandType
}

// Request is one command execution. A zero Timeout means the executor default.
type Request struct {
	Command Command
	WorkDir string
	Timeout time.Duration
	Pty     bool
}

type wireRequest struct {
	Command   *json.RawMessage `json:"command"`
	Cwd       string           `json:"cwd,omitempty"`
	TimeoutMs json.RawMessage  `json:"timeout_ms,omitempty"`
	Pty       bool             `json:"pty,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	cmd, err := r.Command.MarshalJSON()
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(cmd)
	w := wireRequest{Command: &raw, Cwd: r.WorkDir, Pty: r.Pty}
	if r.Timeout > 0 {
		w.TimeoutMs = strconv.AppendInt(nil, r.Timeout.Milliseconds(), 10)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. Semantic problems (missing command,
// bad timeout) are reported as sentinel errors so callers can answer 400.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if w.Command == nil || string(*w.Command) == "null" {
		return ErrCommandMissing
	}
	var cmd Command
	if err := cmd.UnmarshalJSON(*w.Command); err != nil {
		return err
	}
	req := Request{Command: cmd, WorkDir: w.Cwd, Pty: w.Pty}
	if len(w.TimeoutMs) > 0 && string(w.TimeoutMs) != "null" {
		timeout, err := parseTimeoutMs(w.TimeoutMs)
		if err != nil {
			return err
		}
		req.Timeout = timeout
	}
	*r = req
	return nil
}

// maxTimeoutMs keeps the conversion to time.Duration from overflowing
const maxTimeoutMs = float64(math.MaxInt64 / int64(time.Millisecond))

// parseTimeoutMs accepts any JSON number; fractions of a millisecond are
// truncated
func parseTimeoutMs(raw json.RawMessage) (time.Duration, error) {
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0, ErrInvalidTimeout
	}
	ms = math.Trunc(ms)
	if ms <= 0 || ms >= maxTimeoutMs {
		return 0, ErrInvalidTimeout
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// IsValidationError reports whether err describes a bad request rather than
// an execution failure
func IsValidationError(err error) bool {
	return errors.Is(err, ErrCommandMissing) ||
		errors.Is(err, ErrCommandType) ||
		errors.Is(err, ErrCommandTooLong) ||
		errors.Is(err, ErrInvalidTimeout) ||
		errors.Is(err, ErrCommandNotAllowed)
}

// Check applies the limits a caller can enforce before sending req anywhere:
// a non-empty command of at most maxLen characters and a sane timeout
func (r Request) Check(maxLen int) error {
	return validate(r, config.ExecConfig{MaxCommandLen: maxLen})
}
