//go:build !windows

package backend

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setCmdProcessGroup(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	// Own process group so llama-server and anything it forks stop together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateCmdProcessGroup(cmd *exec.Cmd) error {
	return signalCmdProcessGroup(cmd, unix.SIGTERM)
}

func killCmdProcessGroup(cmd *exec.Cmd) error {
	return signalCmdProcessGroup(cmd, unix.SIGKILL)
}

func signalCmdProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	groupErr := unix.Kill(-pid, sig)
	procErr := unix.Kill(pid, sig)
	if groupErr != nil && procErr != nil && !errors.Is(procErr, unix.ESRCH) {
		return procErr
	}
	return nil
}
