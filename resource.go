package safespace

import (
	"context"
	"log/slog"

	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/resources"
)

// ensureResources builds the resource manager lazily over the shared
// artifact cache directory (SharedCacheDir).
func (s *Sandbox) ensureResources() (*resources.Manager, error) {
	if s.resourceMgr != nil {
		return s.resourceMgr, nil
	}
	dir, err := SharedCacheDir()
	if err != nil {
		return nil, err
	}
	mgr, err := resources.NewManager(dir, s.runner)
	if err != nil {
		return nil, err
	}
	s.resourceMgr = mgr
	return mgr, nil
}

// ResourceHints returns the recommended limits for workloads launched
// from this sandbox, scaled by the host's current load.
func (s *Sandbox) ResourceHints(ctx context.Context) (resources.Limits, error) {
	mgr, err := s.ensureResources()
	if err != nil {
		return resources.Limits{}, err
	}
	return mgr.RecommendedLimits(ctx), nil
}

// RunOptimized launches argv steered onto the requested core kind with a
// niceness matching the current workload class.
func (s *Sandbox) RunOptimized(ctx context.Context, argv []string, kind resources.CoreKind) (hostcmd.Result, error) {
	mgr, err := s.ensureResources()
	if err != nil {
		return hostcmd.Result{Code: 1}, err
	}
	return mgr.RunOptimized(ctx, argv, kind)
}

// enforceCacheBudget evicts the artifact cache down to the adaptive
// budget. Called during cleanup; failures are logged, never raised.
func (s *Sandbox) enforceCacheBudget(ctx context.Context) {
	if s.cacheStore == nil || s.resourceMgr == nil {
		return
	}
	if err := s.resourceMgr.CleanupCache(s.cacheStore); err != nil {
		slog.WarnContext(ctx, "sandbox: cache budget enforcement", "error", err)
	}
}
