//go:build unix

package client

import (
	"os/exec"
	"syscall"
)

// detach puts the spawned bridge in its own session so it survives the
// client's exit and never receives the client terminal's signals.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
