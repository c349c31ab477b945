//go:build !unix

package processtool

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// no graceful stop without process groups
func terminate(cmd *exec.Cmd) {
	kill(cmd)
}

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitStatus(state *os.ProcessState) (*int, string) {
	if state == nil {
		return nil, ""
	}
	code := state.ExitCode()
	if code < 0 {
		return nil, "SIGKILL"
	}
	return &code, ""
}

func startPty(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty mode is not supported on this platform")
}
