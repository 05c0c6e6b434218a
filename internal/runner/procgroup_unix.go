//go:build unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// startOwnGroup puts the command in a fresh process group so a timeout can
// reach the compilers and sub-makes it spawns, not just the direct child.
func startOwnGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return cmd.Process.Signal(sig)
	}
	err := unix.Kill(-cmd.Process.Pid, s)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
