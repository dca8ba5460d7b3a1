//go:build windows

package discovery

import "os"

// Alive reports whether a process with the given pid exists. On Windows,
// FindProcess fails for pids that no longer exist.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
