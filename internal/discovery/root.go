package discovery

import (
	"os"
	"path/filepath"
)

// rootMarkers are the filenames that identify a project root, checked in
// order while walking parent directories. First match wins.
var rootMarkers = []string{
	".git",
	"go.mod",
	"deps.edn",
	"project.clj",
	"shadow-cljs.edn",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"setup.py",
}

// ResolveRoot finds the project root for a file. The file's location is
// resolved symlink-free, then parent directories are walked upward looking
// for a root marker. With no file, or no marker found, the current working
// directory is the root.
func ResolveRoot(file string) string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	if file == "" {
		return cwd
	}

	path := file
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}

	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd
		}
		dir = parent
	}
}
