package netiso

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/safespace-sh/safespace/errdefs"
)

// Conditions describes the impairments applied to the isolated path.
// Latency, jitter and bandwidth carry suffix units ("100ms", "1mbit");
// the percentages are in [0, 100].
type Conditions struct {
	Latency          string  `json:"latency"`
	Jitter           string  `json:"jitter"`
	PacketLoss       float64 `json:"packet_loss"`
	PacketCorruption float64 `json:"packet_corruption"`
	PacketReordering float64 `json:"packet_reordering"`
	Bandwidth        string  `json:"bandwidth"`
}

// merge overlays the provided values: non-empty strings replace, float
// values always replace (zero means "no impairment").
func (c Conditions) merge(over Conditions) Conditions {
	out := c
	if over.Latency != "" {
		out.Latency = over.Latency
	}
	if over.Jitter != "" {
		out.Jitter = over.Jitter
	}
	if over.Bandwidth != "" {
		out.Bandwidth = over.Bandwidth
	}
	out.PacketLoss = over.PacketLoss
	out.PacketCorruption = over.PacketCorruption
	out.PacketReordering = over.PacketReordering
	return out
}

// SetupConditions installs traffic shaping with the merged parameters.
// Any existing shaping state is reset first. On Linux the impairments
// land in a netem qdisc on the peer veth; a bandwidth limit replaces the
// root with a token-bucket filter, in which case the netem parameters are
// dropped: TBF wins rather than composing the two.
func (n *Isolation) SetupConditions(ctx context.Context, c Conditions) error {
	if !n.established {
		return fmt.Errorf("%w: network isolation is not set up", errdefs.ErrPrecondition)
	}
	n.conditions = n.conditions.merge(c)

	if err := n.ResetConditions(ctx); err != nil {
		return err
	}

	var err error
	switch n.goos {
	case "linux":
		err = n.setupConditionsLinux(ctx)
	case "darwin":
		err = n.setupConditionsDarwin(ctx)
	default:
		err = fmt.Errorf("%w: traffic shaping requires Linux or macOS", errdefs.ErrPrecondition)
	}
	if err != nil {
		// Never leave a partially-applied discipline behind.
		n.teardownConditions(ctx)
		n.conditionsActive = false
		return err
	}

	n.conditionsActive = true
	slog.InfoContext(ctx, "netiso: conditions applied",
		"latency", n.conditions.Latency, "jitter", n.conditions.Jitter,
		"loss", n.conditions.PacketLoss, "bandwidth", n.conditions.Bandwidth)
	return nil
}

func (n *Isolation) setupConditionsLinux(ctx context.Context) error {
	c := n.conditions

	if c.Bandwidth != "" {
		// TBF replaces the whole discipline; netem parameters do not
		// apply in this mode.
		_, err := n.nsTC(ctx, "add", "tbf",
			"rate", c.Bandwidth, "burst", "32kbit", "latency", "400ms")
		if err != nil {
			return fmt.Errorf("install tbf: %w", err)
		}
		return nil
	}

	if _, err := n.nsTC(ctx, "add", "netem"); err != nil {
		return fmt.Errorf("install netem: %w", err)
	}

	args := []string{}
	if c.Latency != "" {
		args = append(args, "delay", c.Latency)
		if c.Jitter != "" {
			args = append(args, c.Jitter)
		}
	}
	if c.PacketLoss > 0 {
		args = append(args, "loss", formatPercent(c.PacketLoss))
	}
	if c.PacketCorruption > 0 {
		args = append(args, "corrupt", formatPercent(c.PacketCorruption))
	}
	if c.PacketReordering > 0 {
		args = append(args, "reorder", formatPercent(c.PacketReordering))
	}
	if len(args) == 0 {
		return nil
	}
	if _, err := n.nsTC(ctx, "change", "netem", args...); err != nil {
		return fmt.Errorf("apply netem parameters: %w", err)
	}
	return nil
}

func (n *Isolation) setupConditionsDarwin(ctx context.Context) error {
	c := n.conditions

	if res, _ := n.runner.Sudo(ctx, "kldstat", "-m", "dummynet"); !strings.Contains(res.Stdout, "dummynet") {
		if _, err := n.runner.Sudo(ctx, "kldload", "dummynet"); err != nil {
			return fmt.Errorf("load dummynet: %w", err)
		}
	}

	pipe := []string{"pipe", "1", "config"}
	if c.Bandwidth != "" {
		pipe = append(pipe, "bw", c.Bandwidth)
	}
	if c.Latency != "" {
		// dummynet wants integer milliseconds.
		pipe = append(pipe, "delay", strconv.Itoa(latencyMillis(c.Latency)))
	}
	if c.PacketLoss > 0 {
		// dummynet loss is a 0-1 fraction.
		pipe = append(pipe, "plr", strconv.FormatFloat(c.PacketLoss/100.0, 'f', -1, 64))
	}
	if _, err := n.runner.Sudo(ctx, "dnctl", pipe...); err != nil {
		return fmt.Errorf("configure dummynet pipe: %w", err)
	}

	rules := fmt.Sprintf("dummynet out from %s to any pipe 1\ndummynet in from any to %s pipe 1\n",
		n.TapIP, n.TapIP)
	pfFile := n.dummynetConfPath()
	if err := os.WriteFile(pfFile, []byte(rules), 0o600); err != nil {
		return fmt.Errorf("write dummynet pf rules: %w", err)
	}
	if _, err := n.runner.Sudo(ctx, "pfctl", "-f", pfFile); err != nil {
		return fmt.Errorf("load dummynet pf rules: %w", err)
	}
	n.runner.Sudo(ctx, "pfctl", "-e")
	return nil
}

// UpdateConditions re-applies shaping with merged parameters. Only valid
// while conditions are active.
func (n *Isolation) UpdateConditions(ctx context.Context, c Conditions) error {
	if !n.conditionsActive {
		return fmt.Errorf("%w: no active network conditions to update", errdefs.ErrPrecondition)
	}
	return n.SetupConditions(ctx, c)
}

// ResetConditions removes all queueing state, restoring a default fifo
// discipline on Linux or deleting the dummynet pipe on macOS.
func (n *Isolation) ResetConditions(ctx context.Context) error {
	if !n.conditionsActive {
		return nil
	}
	n.teardownConditions(ctx)
	n.conditionsActive = false
	slog.InfoContext(ctx, "netiso: conditions reset")
	return nil
}

// teardownConditions removes the queueing state regardless of the active
// flag; used both for explicit resets and for undoing partial setups.
func (n *Isolation) teardownConditions(ctx context.Context) {
	switch n.goos {
	case "linux":
		// Deleting a root that is not there is fine.
		n.nsTC(ctx, "del", "")
		if _, err := n.nsTC(ctx, "add", "pfifo"); err != nil {
			slog.DebugContext(ctx, "netiso: restore pfifo", "error", err)
		}
	case "darwin":
		n.runner.Sudo(ctx, "dnctl", "pipe", "1", "delete")
		pfFile := n.dummynetConfPath()
		if _, err := os.Stat(pfFile); err == nil {
			os.WriteFile(pfFile, []byte("# Empty ruleset for cleanup\n"), 0o600)
			n.runner.Sudo(ctx, "pfctl", "-f", pfFile)
			os.Remove(pfFile)
		}
	}
}

// CurrentConditions returns a snapshot of the conditions record and
// whether shaping is active.
func (n *Isolation) CurrentConditions() (Conditions, bool) {
	return n.conditions, n.conditionsActive
}

// nsTC runs `tc qdisc <verb> dev <peer> root [kind args...]` inside the
// namespace.
func (n *Isolation) nsTC(ctx context.Context, verb, kind string, args ...string) (string, error) {
	argv := []string{"netns", "exec", n.Namespace, "tc", "qdisc", verb, "dev", n.VethPeer, "root"}
	if kind != "" {
		argv = append(argv, kind)
	}
	argv = append(argv, args...)
	res, err := n.runner.Sudo(ctx, "ip", argv...)
	return res.Stdout, err
}

func (n *Isolation) dummynetConfPath() string {
	return filepath.Join(n.EnvDir, "pf_dummynet.conf")
}

// formatPercent renders a [0,100] percentage the way tc expects it.
func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}

// latencyMillis parses a "100ms"-style latency into integer milliseconds.
func latencyMillis(latency string) int {
	trimmed := strings.TrimSuffix(strings.TrimSpace(latency), "ms")
	ms, err := strconv.Atoi(strings.TrimSpace(trimmed))
	if err != nil {
		return 0
	}
	return ms
}
