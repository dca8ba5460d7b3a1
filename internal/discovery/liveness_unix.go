//go:build unix

package discovery

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Alive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM means the
// process exists under another uid and counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
