//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

func startOwnGroup(*exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	return cmd.Process.Signal(sig)
}
