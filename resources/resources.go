// Package resources classifies live host load and produces allocation
// hints for launched commands, container limits, and the artifact cache
// budget.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/safespace-sh/safespace/cache"
	"github.com/safespace-sh/safespace/hostcmd"
)

// CoreKind selects which half of the CPU topology a command should land on.
type CoreKind int

const (
	Performance CoreKind = iota
	Efficiency
)

// Workload classifies the host's current load.
type Workload int

const (
	Light Workload = iota
	Medium
	Heavy
)

func (w Workload) String() string {
	switch w {
	case Heavy:
		return "heavy"
	case Medium:
		return "medium"
	default:
		return "light"
	}
}

// Config is the persisted resource configuration, stored as
// resource_config.json under the cache directory.
type Config struct {
	PerformanceCores int    `json:"performance_cores"`
	EfficiencyCores  int    `json:"efficiency_cores"`
	CacheLimitBytes  int64  `json:"cache_limit_bytes"`
	CacheDir         string `json:"cache_dir"`
}

// probe abstracts host telemetry so tests can pin the numbers.
type probe interface {
	CPUCounts(logical bool) (int, error)
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent() (used float64, totalBytes uint64, availBytes uint64, err error)
	DiskPercent(path string) (float64, error)
}

type gopsutilProbe struct{}

func (gopsutilProbe) CPUCounts(logical bool) (int, error) {
	return cpu.Counts(logical)
}

func (gopsutilProbe) CPUPercent(ctx context.Context) (float64, error) {
	vals, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil || len(vals) == 0 {
		return 0, err
	}
	return vals[0], nil
}

func (gopsutilProbe) MemoryPercent() (float64, uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0, err
	}
	return vm.UsedPercent, vm.Total, vm.Available, nil
}

func (gopsutilProbe) DiskPercent(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// ConfigFromSystem probes the host and derives core counts and a cache
// budget of 10% of total RAM. With SMT, performance cores are half the
// physical cores; otherwise the logical cores split evenly.
func ConfigFromSystem(cacheDir string) (Config, error) {
	return configFromProbe(gopsutilProbe{}, cacheDir)
}

func configFromProbe(p probe, cacheDir string) (Config, error) {
	logical, err := p.CPUCounts(true)
	if err != nil || logical < 1 {
		logical = runtime.NumCPU()
	}
	physical, err := p.CPUCounts(false)
	if err != nil || physical < 1 {
		physical = logical
	}

	var perf, eff int
	if logical > physical {
		perf = max(1, physical/2)
		eff = max(1, physical-perf)
	} else {
		perf = max(1, logical/2)
		eff = max(1, logical-perf)
	}

	_, total, _, err := p.MemoryPercent()
	if err != nil {
		return Config{}, fmt.Errorf("probe memory: %w", err)
	}

	return Config{
		PerformanceCores: perf,
		EfficiencyCores:  eff,
		CacheLimitBytes:  int64(total / 10),
		CacheDir:         cacheDir,
	}, nil
}

// loadConfig reads a persisted config, or returns false when absent/unreadable.
func loadConfig(path string) (Config, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, false
	}
	return c, true
}

func (c Config) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode resource config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write resource config: %w", err)
	}
	return nil
}

// Manager tracks host load and hands out allocation hints. Telemetry
// refreshes are throttled by checkInterval.
type Manager struct {
	Config Config

	runner hostcmd.Runner
	probe  probe
	goos   string

	checkInterval time.Duration
	lastCheck     time.Time
	cpuLoad       float64 // 0..1
	memLoad       float64 // 0..1
	workload      Workload

	now func() time.Time
}

// NewManager loads the persisted config under cacheDir, probing the
// system and saving a fresh one when absent.
func NewManager(cacheDir string, runner hostcmd.Runner) (*Manager, error) {
	cfgPath := filepath.Join(cacheDir, "resource_config.json")
	cfg, ok := loadConfig(cfgPath)
	if !ok {
		var err error
		cfg, err = ConfigFromSystem(cacheDir)
		if err != nil {
			return nil, err
		}
		if err := cfg.save(cfgPath); err != nil {
			return nil, err
		}
		slog.Info("resources: probed system configuration",
			"performance_cores", cfg.PerformanceCores,
			"efficiency_cores", cfg.EfficiencyCores,
			"cache_limit", humanize.Bytes(uint64(cfg.CacheLimitBytes)))
	}

	m := &Manager{
		Config:        cfg,
		runner:        runner,
		probe:         gopsutilProbe{},
		goos:          runtime.GOOS,
		checkInterval: 5 * time.Second,
		now:           time.Now,
	}
	m.refresh(context.Background(), true)
	return m, nil
}

// refresh updates the cached load numbers if the check interval elapsed
// (or force is set) and returns whether the workload class changed.
func (m *Manager) refresh(ctx context.Context, force bool) bool {
	if !force && m.now().Sub(m.lastCheck) < m.checkInterval {
		return false
	}
	m.lastCheck = m.now()

	if cpuPct, err := m.probe.CPUPercent(ctx); err == nil {
		m.cpuLoad = cpuPct / 100.0
	}
	if memPct, _, _, err := m.probe.MemoryPercent(); err == nil {
		m.memLoad = memPct / 100.0
	}

	old := m.workload
	m.workload = classify(m.cpuLoad, m.memLoad)
	if m.workload != old {
		slog.DebugContext(ctx, "resources: workload class changed", "from", old, "to", m.workload)
		return true
	}
	return false
}

func classify(cpuLoad, memLoad float64) Workload {
	switch {
	case cpuLoad > 0.7 || memLoad > 0.8:
		return Heavy
	case cpuLoad > 0.3 || memLoad > 0.5:
		return Medium
	default:
		return Light
	}
}

// Workload returns the current workload class, refreshing telemetry if
// the check interval elapsed.
func (m *Manager) Workload(ctx context.Context) Workload {
	m.refresh(ctx, false)
	return m.workload
}

// OptimizeCores returns the logical CPU ids for the requested kind:
// performance gets the first N, efficiency the next M.
func (m *Manager) OptimizeCores(kind CoreKind) []int {
	logical, err := m.probe.CPUCounts(true)
	if err != nil || logical < 1 {
		logical = runtime.NumCPU()
	}
	all := make([]int, logical)
	for i := range all {
		all[i] = i
	}
	if kind == Performance {
		return all[:min(m.Config.PerformanceCores, len(all))]
	}
	lo := min(m.Config.PerformanceCores, len(all))
	hi := min(lo+m.Config.EfficiencyCores, len(all))
	return all[lo:hi]
}

// OptimizedArgv wraps argv with nice and (on Linux) taskset according to
// the current workload class. Under heavy load the core set is halved.
func (m *Manager) OptimizedArgv(ctx context.Context, argv []string, kind CoreKind) []string {
	m.refresh(ctx, false)

	nice := 0
	switch m.workload {
	case Heavy:
		if kind == Efficiency {
			nice = 15
		} else {
			nice = 5
		}
	case Medium:
		if kind == Efficiency {
			nice = 10
		}
	}

	out := argv
	if m.goos == "linux" {
		cores := m.OptimizeCores(kind)
		if m.workload == Heavy && len(cores) > 1 {
			cores = cores[:max(1, len(cores)/2)]
		}
		if len(cores) > 0 {
			sort.Ints(cores)
			csv := make([]string, len(cores))
			for i, c := range cores {
				csv[i] = strconv.Itoa(c)
			}
			out = append([]string{"taskset", "-c", strings.Join(csv, ",")}, out...)
		}
	}
	if nice > 0 {
		out = append([]string{"nice", "-n", strconv.Itoa(nice)}, out...)
	}
	return out
}

// RunOptimized launches argv steered onto the requested core kind.
func (m *Manager) RunOptimized(ctx context.Context, argv []string, kind CoreKind) (hostcmd.Result, error) {
	if len(argv) == 0 {
		return hostcmd.Result{Code: 1}, fmt.Errorf("empty command")
	}
	full := m.OptimizedArgv(ctx, argv, kind)
	return m.runner.Run(ctx, full[0], full[1:]...)
}

// Limits are the recommended caps for a launched workload.
type Limits struct {
	MemoryBytes int64
	CPUs        int
	IOWeight    int
}

// RecommendedLimits scales the host's spare capacity by the workload
// class: 70% when light, 50% when medium, 30% when heavy, floored at
// 256 MiB and one CPU.
func (m *Manager) RecommendedLimits(ctx context.Context) Limits {
	m.refresh(ctx, false)

	var scale float64
	switch m.workload {
	case Light:
		scale = 0.7
	case Medium:
		scale = 0.5
	default:
		scale = 0.3
	}

	_, _, avail, err := m.probe.MemoryPercent()
	if err != nil {
		avail = 512 * 1024 * 1024
	}
	logical, err := m.probe.CPUCounts(true)
	if err != nil || logical < 1 {
		logical = runtime.NumCPU()
	}

	memLimit := int64(float64(avail) * scale)
	cpuLimit := int(float64(logical) * (1 - m.cpuLoad) * scale)

	if memLimit < 256*1024*1024 {
		memLimit = 256 * 1024 * 1024
	}
	if cpuLimit < 1 {
		cpuLimit = 1
	}
	ioWeight := 100
	if m.workload == Heavy {
		ioWeight = 50
	}
	return Limits{MemoryBytes: memLimit, CPUs: cpuLimit, IOWeight: ioWeight}
}

// AdaptiveCacheLimit scales the persisted cache budget by disk pressure:
// above 85% used the budget shrinks proportionally (floor 10%); below 70%
// it grows toward 2x, capped at 20% of total RAM.
func (m *Manager) AdaptiveCacheLimit() int64 {
	base := m.Config.CacheLimitBytes

	diskPct, err := m.probe.DiskPercent(m.Config.CacheDir)
	if err != nil {
		return base
	}

	if diskPct > 85 {
		scale := (100 - diskPct) / 15
		if scale < 0.1 {
			scale = 0.1
		}
		return int64(float64(base) * scale)
	}

	if diskPct < 70 {
		_, total, _, err := m.probe.MemoryPercent()
		if err != nil {
			return base
		}
		maxBudget := int64(total / 5)
		scale := 1.0 + (70-diskPct)/50
		if scale > 2.0 {
			scale = 2.0
		}
		return min(int64(float64(base)*scale), maxBudget)
	}

	return base
}

// CleanupCache evicts the artifact store down to the adaptive budget.
// With no store available it falls back to raw mtime-oldest-first
// deletion under the cache directory.
func (m *Manager) CleanupCache(store *cache.Store) error {
	budget := m.AdaptiveCacheLimit()
	if store != nil {
		freed := store.Cleanup(budget)
		if freed > 0 {
			slog.Info("resources: cache evicted to adaptive budget",
				"freed", humanize.Bytes(uint64(freed)), "budget", humanize.Bytes(uint64(budget)))
		}
		return nil
	}
	return m.rawCacheCleanup(budget)
}

// rawCacheCleanup removes files oldest-mtime-first until the directory
// fits the budget.
func (m *Manager) rawCacheCleanup(budget int64) error {
	type fileInfo struct {
		path  string
		size  int64
		mtime time.Time
	}

	var files []fileInfo
	var total int64
	err := filepath.Walk(m.Config.CacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		files = append(files, fileInfo{path: path, size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk cache dir: %w", err)
	}
	if total <= budget {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	for _, f := range files {
		if total <= budget {
			break
		}
		if err := os.Remove(f.path); err != nil {
			slog.Warn("resources: remove cache file", "path", f.path, "error", err)
			continue
		}
		total -= f.size
	}
	return nil
}
