//go:build windows

package ffmpeg

import (
	"os/exec"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// signalGroup kills the process: Windows has no SIGTERM delivery.
func signalGroup(cmd *exec.Cmd, _ syscall.Signal) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
