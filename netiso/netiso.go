// Package netiso establishes an isolated network path for sandbox
// processes and optionally shapes its traffic.
//
// On Linux the path is a network namespace joined to the host by a veth
// pair with NAT masquerade; commands run inside it via `ip netns exec`.
// On macOS the "namespace" is soft: a loopback alias fenced by a pf
// ruleset, with commands steered through environment variables and a
// HOSTALIASES file. The macOS variant is best-effort, not
// kernel-enforced.
//
// Interface and namespace names are the fixed defaults, so only one
// isolation may exist per host; a host-wide lockfile refuses concurrent
// setups.
package netiso

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/safespace-sh/safespace/envfile"
	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/settings"
)

const (
	defaultNamespace = "safespace_net"
	defaultVethHost  = "veth0"
	defaultVethPeer  = "veth1"
)

// Isolation manages one isolated network path rooted at a sandbox
// directory.
type Isolation struct {
	EnvDir string

	Namespace string
	VethHost  string
	VethPeer  string

	// CIDR is the sandbox subnet; HostIP/NamespaceIP/TapIP are derived
	// .1/.2/.3 addresses.
	CIDR        string
	HostIP      string
	NamespaceIP string
	TapIP       string

	// PFConfPath is the macOS packet-filter ruleset location
	// (<EnvDir>/pf.conf).
	PFConfPath string

	runner hostcmd.Runner
	env    *envfile.File
	goos   string

	lockPath string
	lockFile *os.File

	established bool

	conditions       Conditions
	conditionsActive bool
}

// New builds an Isolation over envDir with the subnet and shaping
// defaults from cfg.
func New(envDir string, runner hostcmd.Runner, cfg settings.Network) *Isolation {
	cidr := cfg.DefaultSubnet
	if cidr == "" {
		cidr = "192.168.100.0/24"
	}
	base := subnetBase(cidr)

	n := &Isolation{
		EnvDir:      envDir,
		Namespace:   defaultNamespace,
		VethHost:    defaultVethHost,
		VethPeer:    defaultVethPeer,
		CIDR:        cidr,
		HostIP:      base + ".1",
		NamespaceIP: base + ".2",
		TapIP:       base + ".3",
		PFConfPath:  filepath.Join(envDir, "pf.conf"),
		runner:      runner,
		env:         envfile.New(filepath.Join(envDir, ".env")),
		goos:        runtime.GOOS,
		lockPath:    filepath.Join(os.TempDir(), defaultNamespace+".lock"),
	}
	// The settings defaults only pre-load the conditions record when
	// simulation is switched on; otherwise callers start from a clean
	// slate and every impairment is opt-in.
	if cfg.SimulateConditions {
		n.conditions = Conditions{
			Latency:          cfg.DefaultLatency,
			Jitter:           cfg.DefaultJitter,
			PacketLoss:       cfg.DefaultPacketLoss,
			PacketCorruption: cfg.DefaultPacketCorruption,
			PacketReordering: cfg.DefaultPacketReordering,
			Bandwidth:        cfg.DefaultBandwidth,
		}
	}
	return n
}

// subnetBase extracts the first three octets of a /24 CIDR.
func subnetBase(cidr string) string {
	addr := strings.SplitN(cidr, "/", 2)[0]
	if i := strings.LastIndex(addr, "."); i > 0 {
		return addr[:i]
	}
	return addr
}

// Established reports whether the isolated path is currently set up.
func (n *Isolation) Established() bool { return n.established }

// Setup establishes the isolated topology. It is idempotent within a
// session. A second isolation on the same host fails with
// ErrPrecondition; an already-existing namespace fails without touching
// the foreign state.
func (n *Isolation) Setup(ctx context.Context) error {
	if n.established {
		return nil
	}
	if err := n.acquireHostLock(); err != nil {
		return err
	}

	var err error
	switch n.goos {
	case "linux":
		err = n.setupLinux(ctx)
	case "darwin":
		err = n.setupDarwin(ctx)
	default:
		err = fmt.Errorf("%w: network isolation requires Linux or macOS, not %s", errdefs.ErrPrecondition, n.goos)
	}
	if err != nil {
		n.releaseHostLock()
		return err
	}

	n.established = true
	slog.InfoContext(ctx, "netiso: isolation established", "namespace", n.Namespace, "cidr", n.CIDR)
	return nil
}

func (n *Isolation) setupLinux(ctx context.Context) error {
	// An existing namespace means someone else owns it; bail out before
	// creating anything so cleanup cannot corrupt the foreign state.
	if _, err := n.runner.Sudo(ctx, "ip", "netns", "add", n.Namespace); err != nil {
		return fmt.Errorf("create namespace %s: %w", n.Namespace, err)
	}

	steps := [][]string{
		{"ip", "link", "add", n.VethHost, "type", "veth", "peer", "name", n.VethPeer},
		{"ip", "link", "set", n.VethPeer, "netns", n.Namespace},
		{"ip", "addr", "add", n.HostIP + "/24", "dev", n.VethHost},
		{"ip", "netns", "exec", n.Namespace, "ip", "addr", "add", n.NamespaceIP + "/24", "dev", n.VethPeer},
		{"ip", "link", "set", n.VethHost, "up"},
		{"ip", "netns", "exec", n.Namespace, "ip", "link", "set", n.VethPeer, "up"},
		{"ip", "netns", "exec", n.Namespace, "ip", "link", "set", "lo", "up"},
		{"iptables", "-t", "nat", "-A", "POSTROUTING", "-s", n.CIDR, "-j", "MASQUERADE"},
		{"ip", "netns", "exec", n.Namespace, "ip", "route", "add", "default", "via", n.HostIP},
		{"sh", "-c", "echo 1 > /proc/sys/net/ipv4/ip_forward"},
	}
	for _, argv := range steps {
		if _, err := n.runner.Sudo(ctx, argv[0], argv[1:]...); err != nil {
			// Partial topology: tear down what this call created.
			n.cleanupLinux(ctx)
			return fmt.Errorf("network setup: %w", err)
		}
	}

	return n.env.Append(map[string]string{
		"NETWORK_NAMESPACE": n.Namespace,
		"VETH_HOST":         n.VethHost,
		"VETH_NAMESPACE":    n.VethPeer,
	})
}

func (n *Isolation) setupDarwin(ctx context.Context) error {
	if _, err := n.runner.Sudo(ctx, "ifconfig", "lo0", "alias", n.TapIP, "netmask", "255.255.255.0"); err != nil {
		return fmt.Errorf("create loopback alias: %w", err)
	}

	ruleset := fmt.Sprintf(
		"# safespace network isolation\n"+
			"block out quick from %s to any\n"+
			"pass out quick from %s to %s\n"+
			"pass in quick from %s to %s\n",
		n.TapIP, n.TapIP, n.CIDR, n.CIDR, n.TapIP)
	if err := os.WriteFile(n.PFConfPath, []byte(ruleset), 0o600); err != nil {
		n.runner.Sudo(ctx, "ifconfig", "lo0", "-alias", n.TapIP)
		return fmt.Errorf("write pf ruleset: %w", err)
	}

	if _, err := n.runner.Sudo(ctx, "pfctl", "-f", n.PFConfPath); err != nil {
		n.runner.Sudo(ctx, "ifconfig", "lo0", "-alias", n.TapIP)
		os.Remove(n.PFConfPath)
		return fmt.Errorf("load pf ruleset: %w", err)
	}
	// Enabling pf fails harmlessly when it is already enabled.
	n.runner.Sudo(ctx, "pfctl", "-e")

	return n.env.Append(map[string]string{
		"LOOPBACK_ALIAS": n.TapIP,
		"PF_CONF_PATH":   n.PFConfPath,
	})
}

// Cleanup tears the topology down. "Not found" failures are ignored; the
// host lock is always released.
func (n *Isolation) Cleanup(ctx context.Context) error {
	if n.conditionsActive {
		n.ResetConditions(ctx)
	}

	switch n.goos {
	case "linux":
		n.cleanupLinux(ctx)
	case "darwin":
		n.cleanupDarwin(ctx)
	}

	n.releaseHostLock()
	n.established = false
	slog.InfoContext(ctx, "netiso: isolation cleaned up", "namespace", n.Namespace)
	return nil
}

func (n *Isolation) cleanupLinux(ctx context.Context) {
	n.runner.Sudo(ctx, "iptables", "-t", "nat", "-D", "POSTROUTING", "-s", n.CIDR, "-j", "MASQUERADE")
	n.runner.Sudo(ctx, "ip", "link", "delete", n.VethHost)
	n.runner.Sudo(ctx, "ip", "netns", "delete", n.Namespace)
}

func (n *Isolation) cleanupDarwin(ctx context.Context) {
	n.runner.Sudo(ctx, "ifconfig", "lo0", "-alias", n.TapIP)
	if _, err := os.Stat(n.PFConfPath); err == nil {
		os.WriteFile(n.PFConfPath, []byte("# Empty ruleset for cleanup\n"), 0o600)
		n.runner.Sudo(ctx, "pfctl", "-f", n.PFConfPath)
		os.Remove(n.PFConfPath)
	}
}

// RunCommand executes argv attached to the isolated path and returns the
// child's exit code with captured output.
func (n *Isolation) RunCommand(ctx context.Context, argv []string) (hostcmd.Result, error) {
	if len(argv) == 0 {
		return hostcmd.Result{Code: 1}, fmt.Errorf("empty command")
	}

	switch n.goos {
	case "linux":
		full := append([]string{"netns", "exec", n.Namespace}, argv...)
		return n.runner.Sudo(ctx, "ip", full...)
	case "darwin":
		// The soft namespace: children learn the alias through env vars
		// and a HOSTALIASES remap of localhost.
		hostsPath := filepath.Join(n.EnvDir, "hosts")
		hosts := fmt.Sprintf("# safespace hosts file\nlocalhost %s\n", n.TapIP)
		if err := os.WriteFile(hostsPath, []byte(hosts), 0o600); err != nil {
			return hostcmd.Result{Code: 1}, fmt.Errorf("write hosts file: %w", err)
		}
		full := append([]string{
			"SAFESPACE_IP=" + n.TapIP,
			"SAFESPACE_NETWORK=" + n.CIDR,
			"HOSTALIASES=" + hostsPath,
		}, argv...)
		return n.runner.Sudo(ctx, "env", full...)
	default:
		return hostcmd.Result{Code: 1},
			fmt.Errorf("%w: network isolation requires Linux or macOS", errdefs.ErrPrecondition)
	}
}

// acquireHostLock takes the host-wide setup lock with a non-blocking
// flock.
func (n *Isolation) acquireHostLock() error {
	lock, err := os.OpenFile(n.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open host lock: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lock.Close()
		return fmt.Errorf("%w: another network isolation is active on this host (lock %s)",
			errdefs.ErrPrecondition, n.lockPath)
	}
	n.lockFile = lock
	return nil
}

func (n *Isolation) releaseHostLock() {
	if n.lockFile == nil {
		return
	}
	syscall.Flock(int(n.lockFile.Fd()), syscall.LOCK_UN)
	n.lockFile.Close()
	n.lockFile = nil
}
