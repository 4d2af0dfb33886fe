//go:build windows

package backend

import "os/exec"

func setCmdProcessGroup(cmd *exec.Cmd) {}

// Windows has no SIGTERM; termination is a hard kill.
func terminateCmdProcessGroup(cmd *exec.Cmd) error {
	return killCmdProcessGroup(cmd)
}

func killCmdProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
