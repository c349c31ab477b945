package processtool

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRequestUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Request
		wantErr error
	}{
		{
			name: "string command",
			body: `{"command":"ls -la","cwd":"/tmp","timeout_ms":2500}`,
			want: Request{Command: Command{Line: "ls -la"}, WorkDir: "/tmp", Timeout: 2500 * time.Millisecond},
		},
		{
			name: "argv command",
			body: `{"command":["git","status"],"pty":true}`,
			want: Request{Command: Command{Argv: []string{"git", "status"}}, Pty: true},
		},
		{name: "missing command", body: `{"cwd":"/tmp"}`, wantErr: ErrCommandMissing},
		{name: "null command", body: `{"command":null}`, wantErr: ErrCommandMissing},
		{name: "numeric command", body: `{"command":42}`, wantErr: ErrCommandType},
		{name: "mixed array", body: `{"command":["ls",1]}`, wantErr: ErrCommandType},
		{name: "zero timeout", body: `{"command":"ls","timeout_ms":0}`, wantErr: ErrInvalidTimeout},
		{name: "negative timeout", body: `{"command":"ls","timeout_ms":-5}`, wantErr: ErrInvalidTimeout},
		{
			name: "fractional timeout",
			body: `{"command":"ls","timeout_ms":1500.5}`,
			want: Request{Command: Command{Line: "ls"}, Timeout: 1500 * time.Millisecond},
		},
		{name: "sub-millisecond timeout", body: `{"command":"ls","timeout_ms":0.4}`, wantErr: ErrInvalidTimeout},
		{name: "huge timeout", body: `{"command":"ls","timeout_ms":1e300}`, wantErr: ErrInvalidTimeout},
		{name: "string timeout", body: `{"command":"ls","timeout_ms":"10"}`, wantErr: ErrInvalidTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Request
			err := json.Unmarshal([]byte(tt.body), &got)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.Command.String() != tt.want.Command.String() || got.WorkDir != tt.want.WorkDir ||
				got.Timeout != tt.want.Timeout || got.Pty != tt.want.Pty {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestRequestMarshalOmitsDefaults(t *testing.T) {
	data, err := json.Marshal(Request{Command: Command{Line: "uptime"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"command":"uptime"}` {
		t.Errorf("Unexpected JSON %s", data)
	}

	data, err = json.Marshal(Request{Command: Command{Argv: []string{"ls", "-l"}}, Timeout: 3 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"command":["ls","-l"],"timeout_ms":3000}` {
		t.Errorf("Unexpected JSON %s", data)
	}
}

func TestJoinArgv(t *testing.T) {
	got := JoinArgv([]string{"echo", "", "it's", "$HOME"})
	want := `'echo' '' 'it'"'"'s' '$HOME'`
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestTrailer(t *testing.T) {
	zero, one := 0, 1
	tests := []struct {
		res  Result
		want string
	}{
		{Result{ExitCode: &zero}, "[exit 0]"},
		{Result{ExitCode: &one}, "[exit 1]"},
		{Result{Signal: "SIGKILL", Killed: true}, "[exit  signal SIGKILL (killed)]"},
		{Result{ExitCode: &zero, Killed: true}, "[exit 0 (killed)]"},
		{Result{}, "[exit ]"},
	}
	for _, tt := range tests {
		if got := tt.res.Trailer(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}

func TestParseStream(t *testing.T) {
	out, res, ok := ParseStream([]byte("line1\nline2\n\n[exit 0]\n"))
	if !ok || !res.Succeeded {
		t.Fatalf("Expected successful parse, got %+v ok=%v", res, ok)
	}
	if strings.TrimRight(string(out), "\n") != "line1\nline2" {
		t.Errorf("Unexpected output %q", out)
	}

	_, res, ok = ParseStream([]byte("partial output with no trailer"))
	if ok {
		t.Error("Missing trailer should not parse")
	}

	out, res, ok = ParseStream([]byte("\n[exit 127]\n"))
	if !ok || res.ExitCode == nil || *res.ExitCode != 127 {
		t.Errorf("Unexpected result %+v", res)
	}
	if strings.TrimSpace(string(out)) != "" {
		t.Errorf("Expected empty output, got %q", out)
	}

	out, res, ok = ParseStream([]byte("a\n[timeout after 100 ms]\nb\n\n[exit  signal SIGKILL (killed)]\n"))
	if !ok || !res.TimedOut || res.Signal != "SIGKILL" || !res.Killed {
		t.Errorf("Unexpected result %+v", res)
	}
	if strings.TrimRight(string(out), "\n") != "a\nb" {
		t.Errorf("Unexpected output %q", out)
	}

	// a command that prints the notice itself did not time out
	out, res, ok = ParseStream([]byte("[timeout after 5 ms]\ndone\n\n[exit 0]\n"))
	if !ok || res.TimedOut || !res.Succeeded {
		t.Errorf("Printed notice should not mark a timeout, got %+v", res)
	}
	if !strings.Contains(string(out), "[timeout after 5 ms]\ndone") {
		t.Errorf("Printed notice should stay in the output, got %q", out)
	}
}

func TestResultJSONEncodesBytes(t *testing.T) {
	code := 0
	data, err := json.Marshal(Result{Succeeded: true, Stdout: []byte("hi\n"), ExitCode: &code})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"stdout":"aGkK"`) {
		t.Errorf("Expected base64 stdout, got %s", data)
	}

	var back Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if string(back.Stdout) != "hi\n" || back.ExitCode == nil || *back.ExitCode != 0 {
		t.Errorf("Unexpected decoded result %+v", back)
	}
}

func TestRequestCheck(t *testing.T) {
	ok := Request{Command: Command{Argv: []string{"ls", "-la"}}}
	if err := ok.Check(2000); err != nil {
		t.Errorf("Unexpected error %v", err)
	}
	if err := (Request{}).Check(2000); !errors.Is(err, ErrCommandMissing) {
		t.Errorf("Expected ErrCommandMissing, got %v", err)
	}
	long := Request{Command: Command{Line: strings.Repeat("x", 2001)}}
	if err := long.Check(2000); !errors.Is(err, ErrCommandTooLong) {
		t.Errorf("Expected ErrCommandTooLong, got %v", err)
	}
	if err := long.Check(0); err != nil {
		t.Errorf("Zero limit disables the length check, got %v", err)
	}
}
