//go:build windows

package client

import (
	"os/exec"
	"syscall"
)

// detach starts the spawned bridge in a new process group, detached from
// the client's console.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // DETACHED_PROCESS
	}
}
