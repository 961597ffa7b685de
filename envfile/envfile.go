// Package envfile maintains the sandbox's .env mirror. The file is a
// human-readable view of the controller's env snapshot: one KEY=VALUE per
// line, no quoting, append-only within a session. It is never read back
// as a source of truth; restoration goes through the state store.
package envfile

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// File appends KEY=VALUE lines to a .env file.
type File struct {
	path string

	mu sync.Mutex
}

// New returns a File for the given path. The file is created on the first
// write.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the on-disk location of the .env file.
func (f *File) Path() string { return f.path }

// Append writes the given variables, sorted by key for a deterministic
// layout within each batch.
func (f *File) Append(vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, vars[k])
	}

	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	defer out.Close()
	if _, err := out.WriteString(b.String()); err != nil {
		return fmt.Errorf("append env file: %w", err)
	}
	return nil
}

// Set is a convenience for a single variable.
func (f *File) Set(key, value string) error {
	return f.Append(map[string]string{key: value})
}
