package processtool

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Result is produced exactly once per Request. Stdout and Stderr are raw
// bytes; on the wire they travel base64 encoded.
type Result struct {
	Succeeded    bool          `json:"ok"`
	Stdout       []byte        `json:"stdout"`
	Stderr       []byte        `json:"stderr"`
	ExitCode     *int          `json:"code,omitempty"`
	Signal       string        `json:"signal,omitempty"`
	TimedOut     bool          `json:"timed_out"`
	Killed       bool          `json:"killed,omitempty"`
	ProcessError string        `json:"error,omitempty"`
	Duration     time.Duration `json:"-"`
	DurationMs   int64         `json:"duration_ms"`
}

// Failure builds a result for a request that never produced process output
func Failure(msg string) Result {
	return Result{ProcessError: msg}
}

// Outcome classifies the result for metrics and history
func (r Result) Outcome() string {
	switch {
	case r.ProcessError != "":
		return "error"
	case r.TimedOut:
		return "timeout"
	case r.Succeeded:
		return "ok"
	default:
		return "failed"
	}
}

// Trailer renders the status line written after streamed output, e.g.
// "[exit 0]" or "[exit  signal SIGKILL (killed)]"
func (r Result) Trailer() string {
	var b strings.Builder
	b.WriteString("[exit ")
	if r.ExitCode != nil {
		b.WriteString(strconv.Itoa(*r.ExitCode))
	}
	if r.Signal != "" {
		b.WriteString(" signal ")
		b.WriteString(r.Signal)
	}
	if r.Killed {
		b.WriteString(" (killed)")
	}
	b.WriteString("]")
	return b.String()
}

func timeoutNotice(d time.Duration) string {
	return fmt.Sprintf("[timeout after %d ms]", d.Milliseconds())
}

var (
	trailerRe = regexp.MustCompile(`^\[exit (-?\d*)(?: signal ([A-Z0-9]+))?( \(killed\))?\]$`)
	timeoutRe = regexp.MustCompile(`^\[timeout after \d+ ms\]$`)
)

// ParseStream splits a finished stream body into its output and a Result
// rebuilt from the trailer. ok is false when no trailer is present, which
// means the stream was cut short.
func ParseStream(body []byte) (output []byte, res Result, ok bool) {
	text := strings.TrimRight(string(body), "\n")
	idx := strings.LastIndex(text, "\n")
	last := text[idx+1:]
	m := trailerRe.FindStringSubmatch(last)
	if m == nil {
		return body, Result{}, false
	}
	if m[1] != "" {
		code, _ := strconv.Atoi(m[1])
		res.ExitCode = &code
	}
	res.Signal = m[2]
	res.Killed = m[3] != ""

	out := ""
	if idx >= 0 {
		out = text[:idx]
	}
	// the timeout notice sits on its own line; output may follow it during
	// the grace period. A timeout always kills, so without "(killed)" a
	// matching line is just command output.
	if res.Killed {
		lines := strings.Split(out, "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if timeoutRe.MatchString(lines[i]) {
				res.TimedOut = true
				lines = append(lines[:i], lines[i+1:]...)
				break
			}
		}
		out = strings.Join(lines, "\n")
	}

	// a launch failure leaves an ERROR line and a bare trailer
	if res.ExitCode == nil && res.Signal == "" && !res.Killed {
		trimmed := strings.TrimRight(out, "\n")
		lastLine := trimmed[strings.LastIndex(trimmed, "\n")+1:]
		if msg, found := strings.CutPrefix(lastLine, "ERROR: "); found {
			res.ProcessError = msg
			out = strings.TrimSuffix(trimmed, lastLine)
		}
	}

	res.Succeeded = !res.TimedOut && res.Signal == "" && res.ExitCode != nil && *res.ExitCode == 0
	return []byte(out), res, true
}
