package netiso

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/settings"
)

// fakeRunner records every sudo invocation and can be told to fail
// commands matching a prefix.
type fakeRunner struct {
	calls   [][]string
	failOn  string
	failErr error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (hostcmd.Result, error) {
	return f.record(name, args)
}

func (f *fakeRunner) Sudo(ctx context.Context, name string, args ...string) (hostcmd.Result, error) {
	return f.record(name, args)
}

func (f *fakeRunner) record(name string, args []string) (hostcmd.Result, error) {
	argv := append([]string{name}, args...)
	f.calls = append(f.calls, argv)
	joined := strings.Join(argv, " ")
	if f.failOn != "" && strings.HasPrefix(joined, f.failOn) {
		err := f.failErr
		if err == nil {
			err = fmt.Errorf("%w: %s", errdefs.ErrExternalCommand, joined)
		}
		return hostcmd.Result{Code: 2, Stderr: "injected failure"}, err
	}
	return hostcmd.Result{}, nil
}

func (f *fakeRunner) commandLines() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func (f *fakeRunner) contains(line string) bool {
	for _, c := range f.commandLines() {
		if c == line {
			return true
		}
	}
	return false
}

func newIsolation(t *testing.T, goos string, runner *fakeRunner) *Isolation {
	t.Helper()
	n := New(t.TempDir(), runner, settings.Default().Network)
	n.goos = goos
	n.lockPath = filepath.Join(t.TempDir(), "netiso.lock")
	return n
}

func TestSetupLinuxTopology(t *testing.T) {
	runner := &fakeRunner{}
	n := newIsolation(t, "linux", runner)

	if err := n.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !n.Established() {
		t.Fatal("isolation should be established")
	}

	want := []string{
		"ip netns add safespace_net",
		"ip link add veth0 type veth peer name veth1",
		"ip link set veth1 netns safespace_net",
		"ip addr add 192.168.100.1/24 dev veth0",
		"ip netns exec safespace_net ip addr add 192.168.100.2/24 dev veth1",
		"ip link set veth0 up",
		"ip netns exec safespace_net ip link set veth1 up",
		"ip netns exec safespace_net ip link set lo up",
		"iptables -t nat -A POSTROUTING -s 192.168.100.0/24 -j MASQUERADE",
		"ip netns exec safespace_net ip route add default via 192.168.100.1",
	}
	got := runner.commandLines()
	if len(got) < len(want) {
		t.Fatalf("got %d calls, want at least %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("call %d = %q, want %q", i, got[i], w)
		}
	}

	env, err := os.ReadFile(filepath.Join(n.EnvDir, ".env"))
	if err != nil {
		t.Fatalf("read .env: %v", err)
	}
	for _, line := range []string{"NETWORK_NAMESPACE=safespace_net", "VETH_HOST=veth0", "VETH_NAMESPACE=veth1"} {
		if !strings.Contains(string(env), line) {
			t.Errorf(".env missing %q", line)
		}
	}
}

func TestSetupIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	n := newIsolation(t, "linux", runner)

	if err := n.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	callsAfterFirst := len(runner.calls)
	if err := n.Setup(context.Background()); err != nil {
		t.Fatalf("second Setup: %v", err)
	}
	if len(runner.calls) != callsAfterFirst {
		t.Error("second Setup should not issue commands")
	}
}

func TestSetupExistingNamespaceLeavesHostAlone(t *testing.T) {
	runner := &fakeRunner{failOn: "ip netns add"}
	n := newIsolation(t, "linux", runner)

	err := n.Setup(context.Background())
	if !errors.Is(err, errdefs.ErrExternalCommand) {
		t.Fatalf("err = %v, want ErrExternalCommand", err)
	}
	// Only the failed create may have run: no teardown of foreign state.
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %v, want just the failed netns add", runner.commandLines())
	}
	if n.Established() {
		t.Error("isolation must not report established")
	}
}

func TestSetupMidwayFailureUndoes(t *testing.T) {
	runner := &fakeRunner{failOn: "iptables -t nat -A"}
	n := newIsolation(t, "linux", runner)

	if err := n.Setup(context.Background()); err == nil {
		t.Fatal("Setup should fail")
	}
	if !runner.contains("ip netns delete safespace_net") {
		t.Errorf("missing namespace teardown, calls: %v", runner.commandLines())
	}
	if !runner.contains("ip link delete veth0") {
		t.Errorf("missing veth teardown, calls: %v", runner.commandLines())
	}
}

func TestSecondIsolationOnHostRejected(t *testing.T) {
	runner := &fakeRunner{}
	lockDir := t.TempDir()

	first := newIsolation(t, "linux", runner)
	first.lockPath = filepath.Join(lockDir, "shared.lock")
	if err := first.Setup(context.Background()); err != nil {
		t.Fatalf("first Setup: %v", err)
	}
	defer first.Cleanup(context.Background())

	second := newIsolation(t, "linux", &fakeRunner{})
	second.lockPath = first.lockPath
	err := second.Setup(context.Background())
	if !errors.Is(err, errdefs.ErrPrecondition) {
		t.Fatalf("err = %v, want ErrPrecondition", err)
	}
}

func TestCleanupLinux(t *testing.T) {
	runner := &fakeRunner{}
	n := newIsolation(t, "linux", runner)
	if err := n.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if err := n.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	for _, want := range []string{
		"iptables -t nat -D POSTROUTING -s 192.168.100.0/24 -j MASQUERADE",
		"ip link delete veth0",
		"ip netns delete safespace_net",
	} {
		if !runner.contains(want) {
			t.Errorf("missing cleanup call %q", want)
		}
	}
	if n.Established() {
		t.Error("isolation should no longer be established")
	}
}

func TestRunCommandLinux(t *testing.T) {
	runner := &fakeRunner{}
	n := newIsolation(t, "linux", runner)
	if err := n.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if _, err := n.RunCommand(context.Background(), []string{"curl", "-s", "example.com"}); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	want := "ip netns exec safespace_net curl -s example.com"
	if got := runner.commandLines()[len(runner.calls)-1]; got != want {
		t.Errorf("last call = %q, want %q", got, want)
	}
}

func TestRunCommandDarwinSoftNamespace(t *testing.T) {
	runner := &fakeRunner{}
	n := newIsolation(t, "darwin", runner)
	n.established = true

	if _, err := n.RunCommand(context.Background(), []string{"curl", "example.com"}); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	last := runner.commandLines()[len(runner.calls)-1]
	for _, frag := range []string{"env", "SAFESPACE_IP=192.168.100.3", "SAFESPACE_NETWORK=192.168.100.0/24", "HOSTALIASES="} {
		if !strings.Contains(last, frag) {
			t.Errorf("call %q missing %q", last, frag)
		}
	}

	hosts, err := os.ReadFile(filepath.Join(n.EnvDir, "hosts"))
	if err != nil {
		t.Fatalf("read hosts: %v", err)
	}
	if !strings.Contains(string(hosts), "localhost 192.168.100.3") {
		t.Errorf("hosts file content: %q", hosts)
	}
}

func TestSetupDarwinWritesRuleset(t *testing.T) {
	runner := &fakeRunner{}
	n := newIsolation(t, "darwin", runner)

	if err := n.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	data, err := os.ReadFile(n.PFConfPath)
	if err != nil {
		t.Fatalf("read pf.conf: %v", err)
	}
	for _, frag := range []string{
		"block out quick from 192.168.100.3 to any",
		"pass out quick from 192.168.100.3 to 192.168.100.0/24",
	} {
		if !strings.Contains(string(data), frag) {
			t.Errorf("pf.conf missing %q", frag)
		}
	}
	if !runner.contains("ifconfig lo0 alias 192.168.100.3 netmask 255.255.255.0") {
		t.Errorf("missing alias call, calls: %v", runner.commandLines())
	}
	if !runner.contains("pfctl -f "+n.PFConfPath) {
		t.Errorf("missing pfctl load, calls: %v", runner.commandLines())
	}
}
