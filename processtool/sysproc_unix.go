//go:build unix

package processtool

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own group so signals reach
// everything the shell spawned
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func terminate(cmd *exec.Cmd) {
	signalGroup(cmd, unix.SIGTERM)
}

func kill(cmd *exec.Cmd) {
	signalGroup(cmd, unix.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// exitStatus reports the exit code, or the signal name when the child was
// terminated by a signal
func exitStatus(state *os.ProcessState) (*int, string) {
	if state == nil {
		return nil, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return nil, unix.SignalName(ws.Signal())
	}
	code := state.ExitCode()
	return &code, ""
}

// startPty launches cmd on a new pseudo-terminal. pty.Start makes the child
// a session leader, so its pid doubles as the process group id.
func startPty(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}
