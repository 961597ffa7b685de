package safespace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/testscaffold"
)

// SetupInternal scaffolds the pinned ./.internal environment with the
// example project tree. Only valid in internal mode.
func (s *Sandbox) SetupInternal(ctx context.Context) error {
	if s.Mode != ModeInternal {
		return fmt.Errorf("%w: SetupInternal requires internal mode", errdefs.ErrPrecondition)
	}

	sc := testscaffold.New(s.RootDir)
	if err := sc.Setup(); err != nil {
		return err
	}
	s.scaffold = sc
	s.testingEnabled = true

	slog.InfoContext(ctx, "sandbox: internal environment ready", "root", s.RootDir)
	return nil
}

// CleanupInternal prunes the internal environment's transient state
// (tool caches, logs, temp data) while preserving sources and tests,
// and resets the tree to 0700.
func (s *Sandbox) CleanupInternal(ctx context.Context) error {
	if s.Mode != ModeInternal {
		return fmt.Errorf("%w: CleanupInternal requires internal mode", errdefs.ErrPrecondition)
	}

	s.killHolders(ctx)

	sc := s.scaffold
	if sc == nil {
		sc = testscaffold.New(s.RootDir)
	}
	if err := sc.Cleanup(); err != nil {
		return err
	}

	if err := truncateDir(filepath.Join(s.RootDir, "tmp")); err != nil {
		slog.WarnContext(ctx, "sandbox: truncate tmp", "error", err)
	}

	// Reset permissions across the tree.
	filepath.Walk(s.RootDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			os.Chmod(path, 0o700)
		}
		return nil
	})

	slog.InfoContext(ctx, "sandbox: internal environment cleaned", "root", s.RootDir)
	return nil
}

// Foreclose removes the internal environment and every backup beside it.
// This cannot be undone.
func (s *Sandbox) Foreclose(ctx context.Context) error {
	if s.Mode != ModeInternal {
		return fmt.Errorf("%w: Foreclose requires internal mode", errdefs.ErrPrecondition)
	}

	if err := s.CleanupInternal(ctx); err != nil {
		slog.WarnContext(ctx, "sandbox: cleanup before foreclosure", "error", err)
	}

	backups, _ := filepath.Glob(s.RootDir + "_backup_*")
	for _, backup := range backups {
		slog.InfoContext(ctx, "sandbox: removing backup", "backup", backup)
		if err := os.RemoveAll(backup); err != nil {
			if _, sudoErr := s.runner.Sudo(ctx, "rm", "-rf", backup); sudoErr != nil {
				slog.ErrorContext(ctx, "sandbox: remove backup", "backup", backup, "error", err)
			}
		}
	}

	if err := os.RemoveAll(s.RootDir); err != nil {
		if _, sudoErr := s.runner.Sudo(ctx, "rm", "-rf", s.RootDir); sudoErr != nil {
			return fmt.Errorf("remove internal root: %w", err)
		}
	}
	slog.InfoContext(ctx, "sandbox: foreclosed", "root", s.RootDir)
	return nil
}
