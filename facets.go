package safespace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/safespace-sh/safespace/cache"
	"github.com/safespace-sh/safespace/container"
	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/netiso"
	"github.com/safespace-sh/safespace/testscaffold"
	"github.com/safespace-sh/safespace/vm"
)

// NetworkEnabled reports whether the network facet is attached.
func (s *Sandbox) NetworkEnabled() bool { return s.networkEnabled }

// VMEnabled reports whether the VM facet is attached.
func (s *Sandbox) VMEnabled() bool { return s.vmEnabled }

// ContainerEnabled reports whether the container facet is attached.
func (s *Sandbox) ContainerEnabled() bool { return s.containerEnabled }

// TestingEnabled reports whether the testing scaffold is attached.
func (s *Sandbox) TestingEnabled() bool { return s.testingEnabled }

// SetupNetworkIsolation attaches the network facet. Already-attached is
// not an error.
func (s *Sandbox) SetupNetworkIsolation(ctx context.Context) error {
	if s.network != nil {
		slog.WarnContext(ctx, "sandbox: network isolation already set up", "id", s.ID)
		return nil
	}

	iso := netiso.New(s.RootDir, s.runner, s.Settings.Network)
	if err := iso.Setup(ctx); err != nil {
		return err
	}
	s.network = iso
	s.networkEnabled = true
	return s.appendEnv(map[string]string{"NETWORK_ENABLED": "true"})
}

// SetupNetworkConditions installs traffic shaping on the attached
// network facet.
func (s *Sandbox) SetupNetworkConditions(ctx context.Context, c netiso.Conditions) error {
	if !s.networkEnabled || s.network == nil {
		return fmt.Errorf("%w: network isolation is not enabled", errdefs.ErrPrecondition)
	}
	if err := s.network.SetupConditions(ctx, c); err != nil {
		return err
	}

	vars := map[string]string{"NETWORK_CONDITIONS_ENABLED": "true"}
	if c.Latency != "" {
		vars["NETWORK_LATENCY"] = c.Latency
	}
	if c.PacketLoss > 0 {
		vars["NETWORK_PACKET_LOSS"] = strconv.FormatFloat(c.PacketLoss, 'f', -1, 64)
	}
	if c.Bandwidth != "" {
		vars["NETWORK_BANDWIDTH"] = c.Bandwidth
	}
	return s.appendEnv(vars)
}

// UpdateNetworkConditions re-applies shaping with merged parameters.
func (s *Sandbox) UpdateNetworkConditions(ctx context.Context, c netiso.Conditions) error {
	if !s.networkEnabled || s.network == nil {
		return fmt.Errorf("%w: network isolation is not enabled", errdefs.ErrPrecondition)
	}
	return s.network.UpdateConditions(ctx, c)
}

// ResetNetworkConditions removes all shaping state.
func (s *Sandbox) ResetNetworkConditions(ctx context.Context) error {
	if !s.networkEnabled || s.network == nil {
		return fmt.Errorf("%w: network isolation is not enabled", errdefs.ErrPrecondition)
	}
	return s.network.ResetConditions(ctx)
}

// NetworkConditions returns the current conditions snapshot and whether
// shaping is active.
func (s *Sandbox) NetworkConditions() (netiso.Conditions, bool) {
	if s.network == nil {
		return netiso.Conditions{}, false
	}
	return s.network.CurrentConditions()
}

// VMOverrides carries the optional per-call VM parameters; zero values
// fall back to the settings defaults.
type VMOverrides struct {
	Memory   string
	CPUs     int
	DiskSize string
	Headless bool
}

// SetupVM attaches the VM facet. When the network facet is attached, the
// VM binds to the existing namespace.
func (s *Sandbox) SetupVM(ctx context.Context, o VMOverrides) error {
	if s.vmMgr != nil {
		slog.WarnContext(ctx, "sandbox: vm already set up", "id", s.ID)
		return nil
	}

	cfg := vm.ConfigFromSettings(s.Settings.VM)
	if o.Memory != "" {
		cfg.Memory = o.Memory
	}
	if o.CPUs > 0 {
		cfg.CPUs = o.CPUs
	}
	if o.DiskSize != "" {
		cfg.DiskSize = o.DiskSize
	}
	cfg.Headless = o.Headless || cfg.Headless
	cfg.UseNetwork = s.networkEnabled

	store, err := s.ensureCache()
	if err != nil {
		return err
	}
	mgr := vm.New(s.RootDir, s.runner, cache.NewVMImageStore(store), cfg)
	if s.networkEnabled && s.network != nil {
		mgr.SetNetworkNamespace(s.network.Namespace)
	}

	if err := mgr.Setup(ctx); err != nil {
		// A failed VM setup leaves earlier facets intact.
		return err
	}
	s.vmMgr = mgr
	s.vmEnabled = true
	return nil
}

// StartVM starts the attached VM.
func (s *Sandbox) StartVM(ctx context.Context) error {
	if !s.vmEnabled || s.vmMgr == nil {
		return fmt.Errorf("%w: vm is not enabled", errdefs.ErrPrecondition)
	}
	return s.vmMgr.Start(ctx)
}

// StopVM stops the attached VM.
func (s *Sandbox) StopVM(ctx context.Context) error {
	if !s.vmEnabled || s.vmMgr == nil {
		return fmt.Errorf("%w: vm is not enabled", errdefs.ErrPrecondition)
	}
	return s.vmMgr.Stop(ctx)
}

// IsVMRunning reports whether the attached VM is live.
func (s *Sandbox) IsVMRunning() bool {
	return s.vmEnabled && s.vmMgr != nil && s.vmMgr.IsRunning()
}

// ContainerOverrides carries the optional per-call container parameters.
type ContainerOverrides struct {
	Image          string
	Memory         string
	CPUs           float64
	StorageSize    string
	NetworkEnabled bool
	Privileged     bool
	MountWorkspace *bool
}

// SetupContainer attaches the container facet.
func (s *Sandbox) SetupContainer(ctx context.Context, o ContainerOverrides) error {
	if s.containerMgr != nil {
		slog.WarnContext(ctx, "sandbox: container already set up", "id", s.ID)
		return nil
	}

	cfg := container.ConfigFromSettings(s.Settings.Container)
	if o.Image != "" {
		cfg.Image = o.Image
	}
	if o.Memory != "" {
		cfg.Memory = o.Memory
	}
	if o.CPUs > 0 {
		cfg.CPUs = o.CPUs
	}
	if o.StorageSize != "" {
		cfg.StorageSize = o.StorageSize
	}
	cfg.NetworkEnabled = o.NetworkEnabled || cfg.NetworkEnabled
	cfg.Privileged = o.Privileged || cfg.Privileged
	if o.MountWorkspace != nil {
		cfg.MountWorkspace = *o.MountWorkspace
	}

	sudoAvailable := false
	if h, ok := s.runner.(*hostcmd.Host); ok {
		sudoAvailable = h.SudoPassword != ""
	}
	mgr := container.New(s.RootDir, s.runner, cfg, s.Settings.Container.PreferPodman, sudoAvailable)
	if err := mgr.Setup(ctx); err != nil {
		return err
	}
	s.containerMgr = mgr
	s.containerEnabled = true
	return nil
}

// StartContainer starts the attached container.
func (s *Sandbox) StartContainer(ctx context.Context) error {
	if !s.containerEnabled || s.containerMgr == nil {
		return fmt.Errorf("%w: container is not enabled", errdefs.ErrPrecondition)
	}
	return s.containerMgr.Start(ctx)
}

// StopContainer stops the attached container.
func (s *Sandbox) StopContainer(ctx context.Context) error {
	if !s.containerEnabled || s.containerMgr == nil {
		return fmt.Errorf("%w: container is not enabled", errdefs.ErrPrecondition)
	}
	return s.containerMgr.Stop(ctx)
}

// IsContainerRunning reports whether the attached container is up.
func (s *Sandbox) IsContainerRunning(ctx context.Context) bool {
	return s.containerEnabled && s.containerMgr != nil && s.containerMgr.IsRunning(ctx)
}

// SetupTesting attaches the testing scaffold facet.
func (s *Sandbox) SetupTesting(ctx context.Context) error {
	if s.scaffold != nil {
		return nil
	}
	sc := testscaffold.New(s.RootDir)
	if err := sc.Setup(); err != nil {
		return err
	}
	s.scaffold = sc
	s.testingEnabled = true
	return s.appendEnv(map[string]string{"COMPREHENSIVE_TEST_ENABLED": "true"})
}

// RunInNetwork executes argv inside the isolated network path.
func (s *Sandbox) RunInNetwork(ctx context.Context, argv []string) (hostcmd.Result, error) {
	if !s.networkEnabled || s.network == nil {
		return hostcmd.Result{Code: 1}, fmt.Errorf("%w: network isolation is not enabled", errdefs.ErrPrecondition)
	}
	return s.network.RunCommand(ctx, argv)
}

// RunInContainer executes argv inside the attached container.
func (s *Sandbox) RunInContainer(ctx context.Context, argv []string) (hostcmd.Result, error) {
	if !s.containerEnabled || s.containerMgr == nil {
		return hostcmd.Result{Code: 1}, fmt.Errorf("%w: container is not enabled", errdefs.ErrPrecondition)
	}
	return s.containerMgr.RunCommand(ctx, argv)
}

// Cleanup releases every facet in reverse dependency order (testing,
// container, VM, network, then the directory), executing every step even
// when earlier ones fail. The aggregate error is informational; cleanup
// is best-effort and idempotent. keepDir preserves the root regardless
// of mode.
func (s *Sandbox) Cleanup(ctx context.Context, keepDir bool) error {
	slog.InfoContext(ctx, "sandbox: cleaning up", "id", s.ID)
	var errs []error

	// Persistent sandboxes record their configured shape before the
	// facets are released, so re-entry restores the same flags.
	if s.Mode == ModePersistent {
		if err := s.SaveState(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if s.testingEnabled && s.scaffold != nil {
		if err := s.scaffold.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("testing scaffold: %w", err))
		}
		s.scaffold = nil
		s.testingEnabled = false
	}

	if s.containerEnabled && s.containerMgr != nil {
		if err := s.containerMgr.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("container: %w", err))
		}
		s.containerMgr = nil
		s.containerEnabled = false
	}

	if s.vmEnabled && s.vmMgr != nil {
		if err := s.vmMgr.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("vm: %w", err))
		}
		s.vmMgr = nil
		s.vmEnabled = false
	}

	if s.networkEnabled && s.network != nil {
		if err := s.network.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("network: %w", err))
		}
		s.network = nil
		s.networkEnabled = false
	}

	if s.cacheStore != nil {
		s.enforceCacheBudget(ctx)
		if err := s.cacheStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
		s.cacheStore = nil
	}

	switch {
	case s.Mode == ModeInternal:
		// The internal root survives; recreate backs it up.
	case s.Mode == ModePersistent:
		slog.InfoContext(ctx, "sandbox: preserved for future use", "id", s.ID, "name", s.Name)
	case !keepDir:
		if err := s.removeRoot(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	joined := errors.Join(errs...)
	if joined != nil {
		slog.ErrorContext(ctx, "sandbox: cleanup finished with failures", "id", s.ID, "error", joined)
	}
	return joined
}

// removeRoot kills processes holding descriptors under the root, then
// removes the tree.
func (s *Sandbox) removeRoot(ctx context.Context) error {
	if _, err := os.Stat(s.RootDir); os.IsNotExist(err) {
		return nil
	}

	s.killHolders(ctx)

	if err := os.RemoveAll(s.RootDir); err != nil {
		// Foreign-owned files inside the root need elevation.
		if _, sudoErr := s.runner.Sudo(ctx, "rm", "-rf", s.RootDir); sudoErr != nil {
			return fmt.Errorf("remove sandbox root: %w", err)
		}
	}
	slog.InfoContext(ctx, "sandbox: root removed", "root", s.RootDir)
	return nil
}

// killHolders finds processes with open descriptors under the root
// (lsof +D) and sends them signal 9.
func (s *Sandbox) killHolders(ctx context.Context) {
	res, err := s.runner.Run(ctx, "lsof", "+D", s.RootDir)
	if err != nil || strings.TrimSpace(res.Stdout) == "" {
		return
	}

	seen := map[int]bool{}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, line := range lines[1:] { // skip header
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			// Foreign-owned process: try elevated.
			s.runner.Sudo(ctx, "kill", "-9", strconv.Itoa(pid))
		}
	}
	if len(seen) > 0 {
		slog.InfoContext(ctx, "sandbox: killed processes holding the root", "count", len(seen))
	}
}
