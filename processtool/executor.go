// Package processtool runs host shell commands with a bounded lifetime.
// Commands run under an interpreter in their own process group; on timeout
// the group gets SIGTERM and, after a grace period, SIGKILL.
package processtool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/gliderlab/voxbridge/pkg/config"
	"github.com/gliderlab/voxbridge/pkg/metrics"
)

const (
	ptyDrainTimeout  = 200 * time.Millisecond
	pipeDrainTimeout = time.Second
)

type Executor struct {
	mu     sync.RWMutex
	cfg    config.ExecConfig
	shell  []string
	logger zerolog.Logger
}

func NewExecutor(cfg *config.ExecConfig, logger zerolog.Logger) (*Executor, error) {
	e := &Executor{logger: logger.With().Str("component", "exec").Logger()}
	if cfg == nil {
		cfg = config.DefaultExecConfig()
	}
	if err := e.SetConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// SetConfig swaps limits for subsequent executions; running commands keep
// the limits they started with
func (e *Executor) SetConfig(cfg *config.ExecConfig) error {
	shell, err := parseShell(cfg.Shell)
	if err != nil {
		return err
	}
	c := *cfg
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = config.DefaultExecTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = config.DefaultKillGrace
	}
	e.mu.Lock()
	e.cfg = c
	e.shell = shell
	e.mu.Unlock()
	return nil
}

func (e *Executor) Config() config.ExecConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Executor) snapshot() (config.ExecConfig, []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.shell
}

// Validate checks req against the current limits without running anything
func (e *Executor) Validate(req Request) error {
	cfg, _ := e.snapshot()
	return validate(req, cfg)
}

func validate(req Request, cfg config.ExecConfig) error {
	line := req.Command.String()
	if req.Command.Empty() || strings.TrimSpace(line) == "" {
		return ErrCommandMissing
	}
	if cfg.MaxCommandLen > 0 && utf8.RuneCountInString(line) > cfg.MaxCommandLen {
		return fmt.Errorf("%w (%d > %d)", ErrCommandTooLong, utf8.RuneCountInString(line), cfg.MaxCommandLen)
	}
	if req.Timeout < 0 {
		return ErrInvalidTimeout
	}
	if cfg.MaxTimeout > 0 && req.Timeout > cfg.MaxTimeout {
		return fmt.Errorf("%w: at most %d", ErrInvalidTimeout, cfg.MaxTimeout.Milliseconds())
	}
	return checkAllowlist(req.Command, cfg.Allowlist)
}

func (e *Executor) prepare(req Request, cfg config.ExecConfig, shell []string) (*exec.Cmd, time.Duration) {
	args := append(append([]string(nil), shell[1:]...), req.Command.String())
	cmd := exec.Command(shell[0], args...)
	cmd.Dir = req.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = cfg.WorkDir
	}
	cmd.Env = filterEnv(os.Environ(), cfg.SecretEnv)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	return cmd, timeout
}

// Run executes req and captures up to MaxOutputBytes of each stream.
// Exceeding the cap stops the command and reports a process error.
func (e *Executor) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	cfg, shell := e.snapshot()
	if err := validate(req, cfg); err != nil {
		return e.finish("buffered", Failure(err.Error()), start)
	}

	cmd, timeout := e.prepare(req, cfg, shell)
	setProcessGroup(cmd)

	overflow := make(chan string, 2)
	stdout := newCappedBuffer(cfg.MaxOutputBytes, func() { overflow <- "stdout maxBuffer length exceeded" })
	stderr := newCappedBuffer(cfg.MaxOutputBytes, func() { overflow <- "stderr maxBuffer length exceeded" })
	pipes, err := attachPipes(cmd, stdout, stderr)
	if err != nil {
		return e.finish("buffered", Failure(err.Error()), start)
	}

	if err := cmd.Start(); err != nil {
		pipes.abort()
		e.logger.Warn().Err(err).Str("cmd", preview(req)).Msg("start failed")
		return e.finish("buffered", Failure(err.Error()), start)
	}
	pipes.started()
	e.logger.Info().Str("cmd", preview(req)).Int("pid", cmd.Process.Pid).Dur("timeout", timeout).Msg("started")

	drain := func() { pipes.wait(pipeDrainTimeout) }
	res := e.supervise(ctx, cmd, timeout, cfg.KillGrace, overflow, nil, drain)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	return e.finish("buffered", res, start)
}

// Stream executes req writing stdout and stderr chunks to w as they arrive,
// followed by a status trailer line. Writes are serialized; order is kept
// within each stream only. If w implements Flush it is flushed per chunk.
// The returned Result carries the leading MaxOutputBytes of each stream.
func (e *Executor) Stream(ctx context.Context, req Request, w io.Writer) Result {
	start := time.Now()
	cfg, shell := e.snapshot()
	out := &lockedWriter{w: w}

	if err := validate(req, cfg); err != nil {
		out.WriteString("ERROR: " + err.Error() + "\n")
		return e.finish("stream", Failure(err.Error()), start)
	}

	cmd, timeout := e.prepare(req, cfg, shell)
	stdoutHead := newCappedBuffer(cfg.MaxOutputBytes, nil)
	stderrHead := newCappedBuffer(cfg.MaxOutputBytes, nil)

	var (
		drain func()
		err   error
	)
	if req.Pty {
		var ptmx *os.File
		ptmx, err = startPty(cmd)
		if err == nil {
			copyDone := make(chan struct{})
			go func() {
				_, _ = io.Copy(io.MultiWriter(out, stdoutHead), ptmx)
				close(copyDone)
			}()
			drain = func() {
				select {
				case <-copyDone:
				case <-time.After(ptyDrainTimeout):
				}
				_ = ptmx.Close()
				<-copyDone
			}
		}
	} else {
		setProcessGroup(cmd)
		var pipes *childPipes
		pipes, err = attachPipes(cmd, io.MultiWriter(out, stdoutHead), io.MultiWriter(out, stderrHead))
		if err == nil {
			if err = cmd.Start(); err != nil {
				pipes.abort()
			} else {
				pipes.started()
				drain = func() { pipes.wait(pipeDrainTimeout) }
			}
		}
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("cmd", preview(req)).Msg("start failed")
		res := Failure(err.Error())
		out.WriteString("ERROR: " + err.Error() + "\n")
		out.WriteString("\n" + res.Trailer() + "\n")
		return e.finish("stream", res, start)
	}
	e.logger.Info().Str("cmd", preview(req)).Int("pid", cmd.Process.Pid).Bool("pty", req.Pty).Dur("timeout", timeout).Msg("started")

	onTimeout := func() {
		out.WriteString("\n" + timeoutNotice(timeout) + "\n")
	}
	res := e.supervise(ctx, cmd, timeout, cfg.KillGrace, nil, onTimeout, drain)

	res.Stdout = stdoutHead.Bytes()
	res.Stderr = stderrHead.Bytes()
	out.WriteString("\n" + res.Trailer() + "\n")
	if werr := out.Err(); werr != nil {
		e.logger.Debug().Err(werr).Msg("stream writer failed")
	}
	return e.finish("stream", res, start)
}

// supervise waits for cmd while racing the timeout, output overflow and ctx.
// Any of those sends SIGTERM to the group; SIGKILL follows after grace. Once
// the leader exits, whatever it left running in its group is killed and
// drain collects the remaining output.
func (e *Executor) supervise(ctx context.Context, cmd *exec.Cmd, timeout, grace time.Duration, overflow <-chan string, onTimeout, drain func()) Result {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		res        Result
		graceTimer *time.Timer
		graceC     <-chan time.Time
		ctxDone    = ctx.Done()
		timeoutC   = timer.C
	)
	stop := func(reason string) {
		if graceC != nil || res.Killed {
			return
		}
		e.logger.Warn().Int("pid", cmd.Process.Pid).Str("reason", reason).Msg("sending SIGTERM")
		terminate(cmd)
		res.Killed = true
		graceTimer = time.NewTimer(grace)
		graceC = graceTimer.C
	}

	for {
		select {
		case err := <-done:
			if graceTimer != nil {
				graceTimer.Stop()
			}
			kill(cmd)
			if drain != nil {
				drain()
			}
			// copiers report overflow before drain returns
			select {
			case reason := <-overflow:
				if res.ProcessError == "" {
					res.ProcessError = reason
				}
			default:
			}
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) && res.ProcessError == "" {
				res.ProcessError = err.Error()
			}
			res.ExitCode, res.Signal = exitStatus(cmd.ProcessState)
			res.Succeeded = res.ProcessError == "" && !res.TimedOut && res.Signal == "" &&
				res.ExitCode != nil && *res.ExitCode == 0
			return res
		case <-timeoutC:
			timeoutC = nil
			res.TimedOut = true
			if onTimeout != nil {
				onTimeout()
			}
			stop("timeout")
		case reason := <-overflow:
			overflow = nil
			res.ProcessError = reason
			stop(reason)
		case <-ctxDone:
			ctxDone = nil
			if res.ProcessError == "" {
				res.ProcessError = ctx.Err().Error()
			}
			stop("canceled")
		case <-graceC:
			graceC = nil
			e.logger.Warn().Int("pid", cmd.Process.Pid).Msg("grace expired, sending SIGKILL")
			kill(cmd)
		}
	}
}

func (e *Executor) finish(mode string, res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	res.DurationMs = res.Duration.Milliseconds()
	metrics.RecordExec(mode, res.Outcome(), res.Duration)

	ev := e.logger.Debug()
	if !res.Succeeded {
		ev = e.logger.Info()
	}
	ev.Str("mode", mode).
		Str("outcome", res.Outcome()).
		Str("status", res.Trailer()).
		Dur("duration", res.Duration).
		Msg("finished")
	return res
}

func preview(req Request) string {
	line := req.Command.String()
	if len(line) > 120 {
		return line[:120] + "..."
	}
	return line
}
