// Package vm manages the headless virtual machine facet of a sandbox.
// The emulator and disk tooling are host binaries; base images arrive
// through the artifact cache with their published SHA-256 verified before
// the emulator ever sees them.
package vm

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/safespace-sh/safespace/cache"
	"github.com/safespace-sh/safespace/envfile"
	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/settings"
)

const (
	emulatorBinary = "qemu-system-x86_64"
	diskImageTool  = "qemu-img"
	tapInterface   = "tap0"
	tapIP          = "192.168.100.3/24"
)

// Config describes one virtual machine.
type Config struct {
	Memory       string
	CPUs         int
	DiskSize     string
	ISOURL       string
	ISOSHA256URL string
	MACAddress   string
	UseNetwork   bool
	UseKVM       bool
	Headless     bool
}

// ConfigFromSettings derives a Config from the VM settings, pointing at
// the Alpine virt image for the configured version.
func ConfigFromSettings(s settings.VM) Config {
	cfg := Config{
		Memory:   s.DefaultMemory,
		CPUs:     s.DefaultCPUs,
		DiskSize: s.DefaultDiskSize,
		UseKVM:   s.DefaultUseKVM,
		Headless: s.DefaultHeadless,
	}
	if v := s.DefaultAlpineVersion; v != "" {
		if parts := strings.SplitN(v, ".", 3); len(parts) >= 2 {
			branch := parts[0] + "." + parts[1]
			cfg.ISOURL = fmt.Sprintf(
				"https://dl-cdn.alpinelinux.org/alpine/v%s/releases/x86_64/alpine-virt-%s-x86_64.iso", branch, v)
			cfg.ISOSHA256URL = cfg.ISOURL + ".sha256"
		}
	}
	return cfg
}

// Manager prepares, launches and reaps the sandbox's VM.
type Manager struct {
	EnvDir string
	Config Config

	runner hostcmd.Runner
	env    *envfile.File
	images *cache.VMImageStore

	vmDir         string
	pidFile       string
	monitorSocket string
	diskPath      string

	networkNamespace string

	// requireTools is swapped by tests.
	requireTools func(tools ...string) error
}

// New builds a Manager rooted at envDir. images provides verified base
// image downloads.
func New(envDir string, runner hostcmd.Runner, images *cache.VMImageStore, cfg Config) *Manager {
	vmDir := filepath.Join(envDir, "vm")
	return &Manager{
		EnvDir:        envDir,
		Config:        cfg,
		runner:        runner,
		env:           envfile.New(filepath.Join(envDir, ".env")),
		images:        images,
		vmDir:         vmDir,
		pidFile:       filepath.Join(vmDir, "vm.pid"),
		monitorSocket: filepath.Join(vmDir, "monitor.sock"),
		diskPath:      filepath.Join(vmDir, "disk.qcow2"),
		requireTools:  hostcmd.Require,
	}
}

// SetNetworkNamespace binds the VM's tap device to an existing network
// namespace.
func (m *Manager) SetNetworkNamespace(ns string) { m.networkNamespace = ns }

// ISOPath returns where the base image lands under the vm directory.
func (m *Manager) ISOPath() string {
	return filepath.Join(m.vmDir, path.Base(m.Config.ISOURL))
}

// Setup prepares the VM: verified base image, sparse disk, MAC address,
// launcher scripts, and (optionally) tap networking. The scripts are
// written even when later steps fail so the operator keeps a reproducible
// launch command.
func (m *Manager) Setup(ctx context.Context) error {
	slog.InfoContext(ctx, "vm: setting up", "dir", m.vmDir)

	if m.Config.ISOURL == "" {
		return fmt.Errorf("%w: no base image URL configured", errdefs.ErrPrecondition)
	}
	if err := os.MkdirAll(m.vmDir, 0o700); err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}

	if m.Config.MACAddress == "" {
		mac, err := generateMAC()
		if err != nil {
			return fmt.Errorf("generate mac address: %w", err)
		}
		m.Config.MACAddress = mac
	}

	// Launcher scripts come first: a missing prerequisite below still
	// leaves the operator a reproducible launch command.
	if err := m.writeScripts(); err != nil {
		return err
	}
	if err := m.requireTools(diskImageTool, emulatorBinary); err != nil {
		return err
	}

	isoPath := m.ISOPath()
	if _, err := os.Stat(isoPath); err != nil {
		slog.InfoContext(ctx, "vm: obtaining base image", "url", m.Config.ISOURL)
		if err := m.images.Fetch(ctx, m.Config.ISOURL, m.Config.ISOSHA256URL, isoPath); err != nil {
			return fmt.Errorf("obtain base image: %w", err)
		}
	}

	if _, err := m.runner.Run(ctx, diskImageTool, "create", "-f", "qcow2", m.diskPath, m.Config.DiskSize); err != nil {
		return fmt.Errorf("create disk image: %w", err)
	}

	if m.Config.UseNetwork {
		if err := m.setupNetwork(ctx); err != nil {
			return fmt.Errorf("vm networking: %w", err)
		}
	}

	if err := m.env.Append(map[string]string{
		"VM_ENABLED":   "true",
		"VM_MEMORY":    m.Config.Memory,
		"VM_CPUS":      strconv.Itoa(m.Config.CPUs),
		"VM_DISK_SIZE": m.Config.DiskSize,
		"VM_MAC":       m.Config.MACAddress,
	}); err != nil {
		return err
	}

	slog.InfoContext(ctx, "vm: setup complete", "mac", m.Config.MACAddress)
	return nil
}

// setupNetwork creates the tap device, moving it into the network
// namespace with its address when one is bound.
func (m *Manager) setupNetwork(ctx context.Context) error {
	if _, err := m.runner.Sudo(ctx, "ip", "tuntap", "add", tapInterface, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap interface: %w", err)
	}
	if _, err := m.runner.Sudo(ctx, "ip", "link", "set", tapInterface, "up"); err != nil {
		return fmt.Errorf("bring up tap interface: %w", err)
	}

	if m.networkNamespace == "" {
		if _, err := m.runner.Sudo(ctx, "ip", "addr", "add", tapIP, "dev", tapInterface); err != nil {
			return fmt.Errorf("address tap interface: %w", err)
		}
		return nil
	}

	ns := m.networkNamespace
	steps := [][]string{
		{"ip", "link", "set", tapInterface, "netns", ns},
		{"ip", "netns", "exec", ns, "ip", "addr", "add", tapIP, "dev", tapInterface},
		{"ip", "netns", "exec", ns, "ip", "link", "set", tapInterface, "up"},
	}
	for _, argv := range steps {
		if _, err := m.runner.Sudo(ctx, argv[0], argv[1:]...); err != nil {
			return fmt.Errorf("move tap into namespace: %w", err)
		}
	}
	return nil
}

// emulatorArgs assembles the full emulator argv.
func (m *Manager) emulatorArgs() []string {
	args := []string{
		"-m", m.Config.Memory,
		"-smp", strconv.Itoa(m.Config.CPUs),
	}
	if m.Config.UseKVM {
		args = append(args, "-enable-kvm")
	}
	args = append(args,
		"-drive", "file="+m.diskPath+",if=virtio",
		"-cdrom", m.ISOPath(),
		"-boot", "d",
		"-device", "virtio-net-pci,mac="+m.Config.MACAddress,
	)
	if m.Config.UseNetwork {
		args = append(args, "-netdev", "tap,id=net0,ifname="+tapInterface+",script=no,downscript=no")
	} else {
		args = append(args, "-netdev", "user,id=net0")
	}
	if m.Config.Headless {
		args = append(args, "-nographic")
	} else {
		args = append(args, "-display", "curses")
	}
	args = append(args, "-monitor", "unix:"+m.monitorSocket+",server,nowait")
	return args
}

// Start launches the emulator detached and records its pid.
func (m *Manager) Start(ctx context.Context) error {
	if m.IsRunning() {
		slog.InfoContext(ctx, "vm: already running")
		return nil
	}

	cmd := exec.Command(emulatorBinary, m.emulatorArgs()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start emulator: %v", errdefs.ErrExternalCommand, err)
	}
	pid := cmd.Process.Pid
	// The VM outlives this process; reap in the background so a child
	// exit does not leave a zombie while we are alive.
	go cmd.Wait()

	if err := os.WriteFile(m.pidFile, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	slog.InfoContext(ctx, "vm: started", "pid", pid)
	return nil
}

// Stop SIGTERMs the recorded pid, tolerating an already-gone process,
// and removes the pid file.
func (m *Manager) Stop(ctx context.Context) error {
	pid, ok := m.readPid()
	if !ok {
		slog.InfoContext(ctx, "vm: not running")
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("stop vm pid %d: %w", pid, err)
	}
	os.Remove(m.pidFile)
	slog.InfoContext(ctx, "vm: stopped", "pid", pid)
	return nil
}

// IsRunning reports whether the pid file names a live process, clearing
// a stale file when it does not.
func (m *Manager) IsRunning() bool {
	pid, ok := m.readPid()
	if !ok {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		os.Remove(m.pidFile)
		return false
	}
	return true
}

func (m *Manager) readPid() (int, bool) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		os.Remove(m.pidFile)
		return 0, false
	}
	return pid, true
}

// Cleanup stops the VM if needed and removes the tap device.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.IsRunning() {
		if err := m.Stop(ctx); err != nil {
			slog.ErrorContext(ctx, "vm: stop during cleanup", "error", err)
		}
	}
	if m.Config.UseNetwork {
		if res, err := m.runner.Run(ctx, "ip", "link", "show", tapInterface); err == nil && res.Code == 0 {
			m.runner.Sudo(ctx, "ip", "link", "delete", tapInterface)
		}
	}
	slog.InfoContext(ctx, "vm: cleaned up")
	return nil
}

// writeScripts materializes start_vm.sh and vm_functions.sh so the VM
// can be driven outside this process.
func (m *Manager) writeScripts() error {
	start := fmt.Sprintf("#!/bin/bash\nexec %s %s\n",
		emulatorBinary, strings.Join(m.emulatorArgs(), " "))
	if err := os.WriteFile(filepath.Join(m.vmDir, "start_vm.sh"), []byte(start), 0o755); err != nil {
		return fmt.Errorf("write start script: %w", err)
	}

	functions := fmt.Sprintf(`#!/bin/bash

vm_start() {
    "%[1]s/start_vm.sh" &
    VM_PID=$!
    echo $VM_PID > "%[2]s"
    echo "VM started with PID $VM_PID"
}

vm_stop() {
    if [ -f "%[2]s" ]; then
        local pid=$(cat "%[2]s")
        kill $pid 2>/dev/null || true
        rm -f "%[2]s"
        echo "VM stopped"
    fi
}

vm_status() {
    if [ -f "%[2]s" ]; then
        local pid=$(cat "%[2]s")
        if kill -0 $pid 2>/dev/null; then
            echo "VM is running (PID $pid)"
        else
            echo "VM is not running"
            rm -f "%[2]s"
        fi
    else
        echo "VM is not running"
    fi
}

vm_monitor() {
    if [ -S "%[3]s" ]; then
        socat - UNIX-CONNECT:"%[3]s"
    else
        echo "VM monitor socket not found"
    fi
}
`, m.vmDir, m.pidFile, m.monitorSocket)
	if err := os.WriteFile(filepath.Join(m.vmDir, "vm_functions.sh"), []byte(functions), 0o755); err != nil {
		return fmt.Errorf("write functions script: %w", err)
	}
	return nil
}

// generateMAC returns a locally-administered 52:54:00 MAC address.
func generateMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("52:54:00:%02X:%02X:%02X", buf[0], buf[1], buf[2]), nil
}
