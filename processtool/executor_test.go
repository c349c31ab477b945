package processtool

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gliderlab/voxbridge/pkg/config"
)

func newTestExecutor(t *testing.T, mutate func(*config.ExecConfig)) *Executor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := config.DefaultExecConfig()
	cfg.Shell = "/bin/sh -c"
	if mutate != nil {
		mutate(cfg)
	}
	e, err := NewExecutor(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

func lineReq(line string) Request {
	return Request{Command: Command{Line: line}}
}

func TestRunSuccess(t *testing.T) {
	e := newTestExecutor(t, nil)
	res := e.Run(context.Background(), lineReq("echo hello"))

	if !res.Succeeded {
		t.Fatalf("Expected success, got %+v", res)
	}
	if string(res.Stdout) != "hello\n" {
		t.Errorf("Expected 'hello\\n', got %q", res.Stdout)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("Expected exit 0, got %v", res.ExitCode)
	}
	if res.TimedOut || res.Killed {
		t.Error("Natural exit should not be marked timed out or killed")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	e := newTestExecutor(t, nil)
	res := e.Run(context.Background(), lineReq("echo oops >&2; exit 3"))

	if res.Succeeded {
		t.Fatal("Expected failure")
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("Expected exit 3, got %v", res.ExitCode)
	}
	if string(res.Stderr) != "oops\n" {
		t.Errorf("Expected stderr 'oops\\n', got %q", res.Stderr)
	}
	if res.ProcessError != "" {
		t.Errorf("Non-zero exit is not a process error: %q", res.ProcessError)
	}
	if res.Outcome() != "failed" {
		t.Errorf("Expected outcome failed, got %s", res.Outcome())
	}
}

func TestRunArgv(t *testing.T) {
	e := newTestExecutor(t, nil)
	req := Request{Command: Command{Argv: []string{"printf", "%s|", "a b", "it's"}}}
	res := e.Run(context.Background(), req)

	if string(res.Stdout) != "a b|it's|" {
		t.Errorf("Unexpected stdout %q", res.Stdout)
	}
}

func TestRunTimeoutSendsSIGTERM(t *testing.T) {
	e := newTestExecutor(t, nil)
	req := lineReq("sleep 5")
	req.Timeout = 100 * time.Millisecond

	start := time.Now()
	res := e.Run(context.Background(), req)
	elapsed := time.Since(start)

	if !res.TimedOut || !res.Killed {
		t.Fatalf("Expected timed out and killed, got %+v", res)
	}
	if res.Signal != "SIGTERM" {
		t.Errorf("Expected SIGTERM, got %q", res.Signal)
	}
	if res.ExitCode != nil {
		t.Errorf("Signalled process should have no exit code, got %d", *res.ExitCode)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Timeout took too long: %v", elapsed)
	}
	if res.Outcome() != "timeout" {
		t.Errorf("Expected outcome timeout, got %s", res.Outcome())
	}
}

func TestRunEscalatesToSIGKILL(t *testing.T) {
	e := newTestExecutor(t, func(c *config.ExecConfig) {
		c.KillGrace = 200 * time.Millisecond
	})
	req := lineReq("trap '' TERM; sleep 5")
	req.Timeout = 100 * time.Millisecond

	start := time.Now()
	res := e.Run(context.Background(), req)
	elapsed := time.Since(start)

	if res.Signal != "SIGKILL" {
		t.Fatalf("Expected SIGKILL after grace, got %+v", res)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("SIGKILL arrived before the grace period: %v", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Escalation took too long: %v", elapsed)
	}
}

// alive reports whether pid is a running (non-zombie) process. It is only
// meaningful where /proc exists.
func alive(pid string) bool {
	data, err := os.ReadFile("/proc/" + pid + "/stat")
	if err != nil {
		return false
	}
	i := strings.LastIndex(string(data), ") ")
	return i < 0 || i+2 >= len(data) || data[i+2] != 'Z'
}

func TestRunReapsBackgroundChildren(t *testing.T) {
	e := newTestExecutor(t, nil)
	pidFile := filepath.Join(t.TempDir(), "bg.pid")
	req := lineReq("sleep 30 & echo $! > " + pidFile + "; echo x")

	start := time.Now()
	res := e.Run(context.Background(), req)
	elapsed := time.Since(start)

	if !res.Succeeded || string(res.Stdout) != "x\n" {
		t.Fatalf("Expected success with output x, got %+v", res)
	}
	if elapsed > 1500*time.Millisecond {
		t.Errorf("Run waited on the background child: %v", elapsed)
	}

	if _, err := os.Stat("/proc/self/stat"); err != nil {
		return
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	pid := strings.TrimSpace(string(data))
	deadline := time.Now().Add(2 * time.Second)
	for alive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("Background child %s still running", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStreamReapsBackgroundChildren(t *testing.T) {
	e := newTestExecutor(t, nil)
	var buf bytes.Buffer

	start := time.Now()
	res := e.Stream(context.Background(), lineReq("sleep 30 & echo x"), &buf)
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("Stream waited on the background child: %v", elapsed)
	}
	if !res.Succeeded || !strings.HasSuffix(buf.String(), "x\n\n[exit 0]\n") {
		t.Errorf("Unexpected stream %q, %+v", buf.String(), res)
	}
}

func TestRunOutputCap(t *testing.T) {
	e := newTestExecutor(t, func(c *config.ExecConfig) {
		c.MaxOutputBytes = 1024
	})
	res := e.Run(context.Background(), lineReq("dd if=/dev/zero bs=1024 count=200 2>/dev/null"))

	if res.Succeeded {
		t.Fatal("Expected failure on overflow")
	}
	if res.ProcessError != "stdout maxBuffer length exceeded" {
		t.Errorf("Unexpected process error %q", res.ProcessError)
	}
	if len(res.Stdout) != 1024 {
		t.Errorf("Expected 1024 captured bytes, got %d", len(res.Stdout))
	}
}

func TestRunContextCancel(t *testing.T) {
	e := newTestExecutor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := e.Run(ctx, lineReq("sleep 5"))
	if res.TimedOut {
		t.Error("Cancellation is not a timeout")
	}
	if !res.Killed || res.ProcessError == "" {
		t.Errorf("Expected killed with process error, got %+v", res)
	}
}

func TestRunStartFailure(t *testing.T) {
	e := newTestExecutor(t, nil)
	req := lineReq("echo hi")
	req.WorkDir = filepath.Join(t.TempDir(), "missing")

	res := e.Run(context.Background(), req)
	if res.ProcessError == "" {
		t.Fatal("Expected process error for bad working directory")
	}
	if res.ExitCode != nil || res.Succeeded || res.TimedOut {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestRunWorkDir(t *testing.T) {
	e := newTestExecutor(t, nil)
	dir := t.TempDir()
	req := lineReq("pwd")
	req.WorkDir = dir

	res := e.Run(context.Background(), req)
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(res.Stdout)))
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestRunFiltersSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VOXBRIDGE_VISIBLE", "yes")
	e := newTestExecutor(t, nil)

	res := e.Run(context.Background(), lineReq(`echo "${OPENAI_API_KEY:-unset} $VOXBRIDGE_VISIBLE"`))
	if string(res.Stdout) != "unset yes\n" {
		t.Errorf("Unexpected stdout %q", res.Stdout)
	}
}

func TestValidate(t *testing.T) {
	e := newTestExecutor(t, func(c *config.ExecConfig) {
		c.Allowlist = []string{"ls", "echo"}
	})

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty", Request{}, ErrCommandMissing},
		{"blank", lineReq("   "), ErrCommandMissing},
		{"too long", lineReq("echo " + strings.Repeat("a", 2000)), ErrCommandTooLong},
		{"negative timeout", Request{Command: Command{Line: "ls"}, Timeout: -time.Second}, ErrInvalidTimeout},
		{"huge timeout", Request{Command: Command{Line: "ls"}, Timeout: time.Hour}, ErrInvalidTimeout},
		{"not allowed", lineReq("rm -rf /tmp/x"), ErrCommandNotAllowed},
		{"allowed with path", lineReq("/bin/ls -la"), nil},
		{"allowed argv", Request{Command: Command{Argv: []string{"echo", "x"}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(tt.req)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if !IsValidationError(err) {
				t.Errorf("%v should be a validation error", err)
			}
		})
	}
}

func TestCommandLengthBoundary(t *testing.T) {
	e := newTestExecutor(t, nil)
	exact := "#" + strings.Repeat("é", 1999)
	if err := e.Validate(lineReq(exact)); err != nil {
		t.Errorf("2000 characters should pass, got %v", err)
	}
	if err := e.Validate(lineReq(exact + "x")); !errors.Is(err, ErrCommandTooLong) {
		t.Errorf("2001 characters should fail, got %v", err)
	}
}

func TestRunValidationFailureDoesNotExecute(t *testing.T) {
	e := newTestExecutor(t, nil)
	marker := filepath.Join(t.TempDir(), "ran")
	res := e.Run(context.Background(), lineReq("touch "+marker+"; #"+strings.Repeat("x", 2000)))

	if res.ProcessError == "" {
		t.Fatal("Expected process error")
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("Command should not have run")
	}
}

func TestStreamInterleavesAndTrails(t *testing.T) {
	e := newTestExecutor(t, nil)
	var buf bytes.Buffer
	res := e.Stream(context.Background(), lineReq("echo out; echo err >&2; exit 2"), &buf)

	body := buf.String()
	if !strings.Contains(body, "out\n") || !strings.Contains(body, "err\n") {
		t.Errorf("Missing output in %q", body)
	}
	if !strings.HasSuffix(body, "\n[exit 2]\n") {
		t.Errorf("Unexpected trailer in %q", body)
	}
	if res.ExitCode == nil || *res.ExitCode != 2 {
		t.Errorf("Expected exit 2, got %v", res.ExitCode)
	}
	if string(res.Stdout) != "out\n" || string(res.Stderr) != "err\n" {
		t.Errorf("Result should keep stream heads, got %q / %q", res.Stdout, res.Stderr)
	}

	out, parsed, ok := ParseStream(buf.Bytes())
	if !ok {
		t.Fatal("Trailer should parse")
	}
	if parsed.ExitCode == nil || *parsed.ExitCode != 2 || parsed.Succeeded {
		t.Errorf("Unexpected parsed result %+v", parsed)
	}
	if !strings.Contains(string(out), "out") {
		t.Errorf("Parsed output lost data: %q", out)
	}
}

func TestStreamTimeout(t *testing.T) {
	e := newTestExecutor(t, nil)
	var buf bytes.Buffer
	req := lineReq("echo partial; sleep 5")
	req.Timeout = 150 * time.Millisecond

	res := e.Stream(context.Background(), req, &buf)
	body := buf.String()

	if !strings.Contains(body, "\n[timeout after 150 ms]\n") {
		t.Errorf("Missing timeout notice in %q", body)
	}
	if !strings.HasSuffix(body, "[exit  signal SIGTERM (killed)]\n") {
		t.Errorf("Unexpected trailer in %q", body)
	}
	if !res.TimedOut {
		t.Error("Expected TimedOut")
	}

	out, parsed, ok := ParseStream(buf.Bytes())
	if !ok || !parsed.TimedOut || !parsed.Killed || parsed.Signal != "SIGTERM" {
		t.Errorf("Unexpected parsed result %+v ok=%v", parsed, ok)
	}
	if strings.Contains(string(out), "timeout after") {
		t.Errorf("Timeout notice should be stripped from output: %q", out)
	}
}

func TestStreamPrintedTimeoutNoticeIsOutput(t *testing.T) {
	e := newTestExecutor(t, nil)
	var buf bytes.Buffer
	res := e.Stream(context.Background(), lineReq("echo '[timeout after 5 ms]'; echo done"), &buf)
	if !res.Succeeded || res.TimedOut {
		t.Fatalf("Expected success, got %+v", res)
	}

	out, parsed, ok := ParseStream(buf.Bytes())
	if !ok || parsed.TimedOut || !parsed.Succeeded {
		t.Errorf("Parsed result should match the run, got %+v ok=%v", parsed, ok)
	}
	if !strings.Contains(string(out), "[timeout after 5 ms]") {
		t.Errorf("Output lost the printed line: %q", out)
	}
}

func TestStreamStartFailure(t *testing.T) {
	e := newTestExecutor(t, nil)
	var buf bytes.Buffer
	req := lineReq("echo hi")
	req.WorkDir = filepath.Join(t.TempDir(), "missing")

	res := e.Stream(context.Background(), req, &buf)
	if res.ProcessError == "" {
		t.Fatal("Expected process error")
	}
	if !strings.HasPrefix(buf.String(), "ERROR: ") {
		t.Errorf("Expected ERROR line, got %q", buf.String())
	}

	_, parsed, ok := ParseStream(buf.Bytes())
	if !ok || parsed.ProcessError == "" {
		t.Errorf("Parsed stream should carry the process error: %+v", parsed)
	}
}

func TestStreamPty(t *testing.T) {
	e := newTestExecutor(t, nil)
	var buf bytes.Buffer
	req := lineReq("if [ -t 1 ]; then echo tty; else echo notty; fi")
	req.Pty = true

	res := e.Stream(context.Background(), req, &buf)
	if res.ProcessError != "" {
		t.Skipf("pty unavailable: %s", res.ProcessError)
	}
	if !strings.Contains(buf.String(), "tty") || strings.Contains(buf.String(), "notty") {
		t.Errorf("Expected tty output, got %q", buf.String())
	}
	if !res.Succeeded {
		t.Errorf("Expected success, got %+v", res)
	}
}

func TestSetConfigRejectsEmptyShell(t *testing.T) {
	e := newTestExecutor(t, nil)
	cfg := config.DefaultExecConfig()
	cfg.Shell = "  "
	if err := e.SetConfig(cfg); err == nil {
		t.Error("Expected error for empty shell")
	}
	if e.Config().Shell != "/bin/sh -c" {
		t.Error("Failed SetConfig should keep the previous config")
	}
}
