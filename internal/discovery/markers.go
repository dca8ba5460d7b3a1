// Package discovery manages how short-lived clients find a running bridge:
// port/pid marker files under a per-project state directory, pid liveness
// probing, and project-root resolution.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// StateDirName is the hidden per-project directory holding the marker
	// files, the config file, and the bridge log.
	StateDirName = ".lspbridge"

	portFileName = "bridge.port"
	pidFileName  = "bridge.pid"

	// LogFileName is the bridge daemon's log file under the state dir.
	LogFileName = "bridge.log"
)

// Handle records a running bridge: its project root, TCP port, and OS pid.
type Handle struct {
	Root string
	Port int
	PID  int
}

// Addr returns the loopback dial address for the bridge.
func (h Handle) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", h.Port)
}

// StateDir returns the state directory path for a project root.
func StateDir(root string) string {
	return filepath.Join(root, StateDirName)
}

// WriteHandle persists the port and pid marker files for a bridge that has
// successfully bound its listener. Each file is written to a temporary name
// and renamed into place, so a reader never observes a partial value.
func WriteHandle(h Handle) error {
	dir := StateDir(h.Root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, portFileName), strconv.Itoa(h.Port)); err != nil {
		return fmt.Errorf("writing port file: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, pidFileName), strconv.Itoa(h.PID)); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// writeAtomic writes content to path via a temp file and rename.
func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadHandle reads the marker files for a project root. It returns an error
// if either file is missing or malformed; it does not check liveness.
func ReadHandle(root string) (Handle, error) {
	dir := StateDir(root)

	port, err := readIntFile(filepath.Join(dir, portFileName))
	if err != nil {
		return Handle{}, fmt.Errorf("reading port file: %w", err)
	}
	pid, err := readIntFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return Handle{}, fmt.Errorf("reading pid file: %w", err)
	}

	return Handle{Root: root, Port: port, PID: pid}, nil
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return n, nil
}

// RemoveHandle deletes the marker files. Missing files are not an error;
// removal is best-effort on shutdown paths.
func RemoveHandle(root string) error {
	dir := StateDir(root)
	var firstErr error
	for _, name := range []string{portFileName, pidFileName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Running reads the marker files and verifies the recorded pid is alive.
// Stale markers (files present, process dead) report not running; the pair
// is never blindly trusted.
func Running(root string) (Handle, bool) {
	h, err := ReadHandle(root)
	if err != nil {
		return Handle{}, false
	}
	if !Alive(h.PID) {
		return Handle{}, false
	}
	return h, true
}

// PortFilePath returns the port marker file path for a root.
func PortFilePath(root string) string {
	return filepath.Join(StateDir(root), portFileName)
}
