// Package safespace composes isolated execution sandboxes for test and
// development workloads. A sandbox is a secured root directory plus
// optional facets (network isolation, a headless VM, a container, a
// testing scaffold) managed as one unit with release guaranteed on
// every exit path.
package safespace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/safespace-sh/safespace/cache"
	"github.com/safespace-sh/safespace/container"
	"github.com/safespace-sh/safespace/envfile"
	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/netiso"
	"github.com/safespace-sh/safespace/resources"
	"github.com/safespace-sh/safespace/settings"
	"github.com/safespace-sh/safespace/statestore"
	"github.com/safespace-sh/safespace/testscaffold"
	"github.com/safespace-sh/safespace/vm"
)

// Mode selects what happens to the sandbox root across its lifetime.
type Mode string

const (
	// ModeEphemeral removes the root on cleanup.
	ModeEphemeral Mode = "ephemeral"
	// ModeInternal pins the root to ./.internal; an existing root is
	// backed up and rebuilt on recreate, and cleanup preserves it.
	ModeInternal Mode = "internal"
	// ModePersistent records the sandbox in the state store and
	// preserves the root across cleanups.
	ModePersistent Mode = "persistent"
)

var subdirs = []string{"cache", "logs", "data", "tmp"}

// Sandbox is the root aggregate: an isolated directory tree plus the
// facets attached to it. Its verbs are not re-entrant; serial use per
// sandbox is assumed.
type Sandbox struct {
	ID      string
	Name    string
	RootDir string
	Mode    Mode
	// CreatedAt is the ISO-8601 UTC creation stamp.
	CreatedAt string

	Settings settings.Settings

	runner  hostcmd.Runner
	envVars map[string]string
	envFile *envfile.File

	network      *netiso.Isolation
	vmMgr        *vm.Manager
	containerMgr *container.Manager
	scaffold     *testscaffold.Scaffold

	networkEnabled   bool
	vmEnabled        bool
	containerEnabled bool
	testingEnabled   bool

	store       *statestore.Store
	cacheStore  *cache.Store
	resourceMgr *resources.Manager

	now func() time.Time
}

// Options configures a new Sandbox. Zero values get sensible defaults.
type Options struct {
	// RootDir overrides the sandbox root. Empty means a fresh temp path
	// (or ./.internal for ModeInternal).
	RootDir string
	// ID is the sandbox UUID; generated when empty.
	ID string
	// Name is the optional human name, unique among persistent sandboxes.
	Name string
	Mode Mode
	// Settings defaults to settings.Default().
	Settings *settings.Settings
	// Runner defaults to a plain host runner without a sudo secret.
	Runner hostcmd.Runner
	// StateStore is required for persistence verbs; opened lazily at the
	// default path when nil.
	StateStore *statestore.Store
	// Cache backs verified VM image downloads; opened lazily at the
	// shared cache directory (SharedCacheDir) when nil.
	Cache *cache.Store
}

// New builds a Sandbox; nothing touches the filesystem until Create.
func New(opts Options) *Sandbox {
	s := &Sandbox{
		ID:      opts.ID,
		Name:    opts.Name,
		RootDir: opts.RootDir,
		Mode:    opts.Mode,
		runner:  opts.Runner,
		envVars: map[string]string{},
		store:   opts.StateStore,
		now:     time.Now,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Mode == "" {
		s.Mode = ModeEphemeral
	}
	if opts.Settings != nil {
		s.Settings = *opts.Settings
	} else {
		s.Settings = settings.Default()
	}
	if s.runner == nil {
		s.runner = &hostcmd.Host{}
	}
	if s.RootDir == "" {
		if s.Mode == ModeInternal {
			s.RootDir = filepath.Join(".", ".internal")
		} else {
			s.RootDir = filepath.Join(os.TempDir(),
				fmt.Sprintf("safe_env_%s_%s", time.Now().Format("20060102_150405"), randomSuffix()))
		}
	}
	s.envFile = envfile.New(filepath.Join(s.RootDir, ".env"))
	s.cacheStore = opts.Cache
	return s
}

func randomSuffix() string {
	return uuid.NewString()[:8]
}

// Create materializes the root directory tree with 0700 permissions and
// writes the built-in variables to .env. In internal mode an existing
// root is renamed to <name>_backup_<timestamp> first (removed outright
// when the rename fails). Persistent sandboxes are recorded in the state
// store.
func (s *Sandbox) Create(ctx context.Context) error {
	slog.InfoContext(ctx, "sandbox: creating", "id", s.ID, "root", s.RootDir, "mode", s.Mode)

	if s.Mode == ModeInternal {
		if _, err := os.Stat(s.RootDir); err == nil {
			backup := s.RootDir + "_backup_" + s.now().Format("20060102_150405")
			slog.InfoContext(ctx, "sandbox: backing up existing internal root", "backup", backup)
			if err := os.Rename(s.RootDir, backup); err != nil {
				slog.ErrorContext(ctx, "sandbox: backup failed, removing existing root", "error", err)
				if err := os.RemoveAll(s.RootDir); err != nil {
					return fmt.Errorf("remove existing internal root: %w", err)
				}
			}
		}
	}

	if err := createSecureDir(s.RootDir); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}
	for _, sub := range subdirs {
		if err := createSecureDir(filepath.Join(s.RootDir, sub)); err != nil {
			return fmt.Errorf("create subdirectory %s: %w", sub, err)
		}
	}

	s.CreatedAt = s.now().UTC().Format(time.RFC3339)
	s.envVars = map[string]string{
		"SAFE_ENV_ROOT":       s.RootDir,
		"SAFE_ENV_CACHE":      filepath.Join(s.RootDir, "cache"),
		"SAFE_ENV_LOGS":       filepath.Join(s.RootDir, "logs"),
		"SAFE_ENV_DATA":       filepath.Join(s.RootDir, "data"),
		"SAFE_ENV_TMP":        filepath.Join(s.RootDir, "tmp"),
		"SAFE_ENV_CREATED_AT": s.CreatedAt,
	}
	if s.Mode == ModePersistent {
		s.envVars["SAFE_ENV_PERSISTENT"] = "true"
		s.envVars["SAFE_ENV_ID"] = s.ID
		if s.Name != "" {
			s.envVars["SAFE_ENV_NAME"] = s.Name
		}
	}
	if err := s.envFile.Append(s.envVars); err != nil {
		return err
	}

	if s.Mode == ModePersistent {
		if err := s.SaveState(ctx); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "sandbox: created", "id", s.ID, "root", s.RootDir)
	return nil
}

// Env returns a copy of the sandbox's env snapshot.
func (s *Sandbox) Env() map[string]string {
	out := make(map[string]string, len(s.envVars))
	for k, v := range s.envVars {
		out[k] = v
	}
	return out
}

// appendEnv records vars in both the snapshot and the .env mirror.
func (s *Sandbox) appendEnv(vars map[string]string) error {
	for k, v := range vars {
		s.envVars[k] = v
	}
	return s.envFile.Append(vars)
}

// CheckHealth verifies the sandbox directory: existence, 0700 mode,
// writability, at least 1 GiB free, and the four subdirectories.
func (s *Sandbox) CheckHealth() (bool, []string) {
	var issues []string

	info, err := os.Stat(s.RootDir)
	if err != nil {
		return false, []string{"environment directory does not exist"}
	}
	if mode := info.Mode().Perm(); mode != 0o700 {
		issues = append(issues, fmt.Sprintf("directory permissions are not secure (%o, should be 700)", mode))
	}

	probe := filepath.Join(s.RootDir, ".write_test")
	if f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600); err != nil {
		issues = append(issues, "directory is not writable")
	} else {
		f.Close()
		os.Remove(probe)
	}

	if free, err := availableSpace(s.RootDir); err == nil && free < 1<<30 {
		issues = append(issues, fmt.Sprintf("less than 1GB of space available (%s)", humanize.Bytes(free)))
	}

	for _, sub := range subdirs {
		if _, err := os.Stat(filepath.Join(s.RootDir, sub)); err != nil {
			issues = append(issues, fmt.Sprintf("subdirectory %q does not exist", sub))
		}
	}

	return len(issues) == 0, issues
}

// CleanCache truncates the cache/ and tmp/ subdirectories.
func (s *Sandbox) CleanCache() error {
	for _, sub := range []string{"cache", "tmp"} {
		if err := truncateDir(filepath.Join(s.RootDir, sub)); err != nil {
			return err
		}
	}
	slog.Info("sandbox: cache and temporary files cleared", "id", s.ID)
	return nil
}

// GC removes log files older than 24 hours and temp files older than one
// hour.
func (s *Sandbox) GC() error {
	cutoffs := map[string]time.Duration{
		"logs": 24 * time.Hour,
		"tmp":  time.Hour,
	}
	now := s.now()
	for sub, maxAge := range cutoffs {
		dir := filepath.Join(s.RootDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > maxAge {
				if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
					slog.Warn("sandbox: gc remove", "file", e.Name(), "error", err)
				}
			}
		}
	}
	slog.Info("sandbox: garbage collection complete", "id", s.ID)
	return nil
}

// ensureCache opens the backing artifact cache lazily. The cache is
// shared across sandboxes, so it lives under the user cache directory,
// not the sandbox root.
func (s *Sandbox) ensureCache() (*cache.Store, error) {
	if s.cacheStore != nil {
		return s.cacheStore, nil
	}
	dir, err := SharedCacheDir()
	if err != nil {
		return nil, err
	}
	store, err := cache.Open(dir, 0)
	if err != nil {
		return nil, err
	}
	s.cacheStore = store
	return store, nil
}

// SharedCacheDir returns the cross-sandbox artifact cache location,
// <user cache dir>/safespace.
func SharedCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(base, "safespace"), nil
}

func createSecureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	// MkdirAll honors umask; force the mode.
	return os.Chmod(path, 0o700)
}

func truncateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("%w: truncate %s: %v", errdefs.ErrPermission, dir, err)
		}
	}
	return nil
}

func availableSpace(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
