package vm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/safespace-sh/safespace/cache"
	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/settings"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (hostcmd.Result, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return hostcmd.Result{}, nil
}

func (f *fakeRunner) Sudo(ctx context.Context, name string, args ...string) (hostcmd.Result, error) {
	return f.Run(ctx, name, args...)
}

func (f *fakeRunner) lines() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func imageServer(t *testing.T, body []byte, sidecarDigest string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/alpine.iso", func(w http.ResponseWriter, r *http.Request) { w.Write(body) })
	mux.HandleFunc("/alpine.iso.sha256", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sidecarDigest + "  alpine.iso\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newManager(t *testing.T, runner *fakeRunner, cfg Config) *Manager {
	t.Helper()
	store, err := cache.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m := New(t.TempDir(), runner, cache.NewVMImageStore(store), cfg)
	m.requireTools = func(tools ...string) error { return nil }
	return m
}

func baseConfig(srv *httptest.Server) Config {
	return Config{
		Memory:       "1024M",
		CPUs:         2,
		DiskSize:     "10G",
		ISOURL:       srv.URL + "/alpine.iso",
		ISOSHA256URL: srv.URL + "/alpine.iso.sha256",
		UseKVM:       true,
		Headless:     true,
	}
}

func TestConfigFromSettingsDerivesAlpineURLs(t *testing.T) {
	cfg := ConfigFromSettings(settings.Default().VM)

	wantISO := "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/x86_64/alpine-virt-3.19.1-x86_64.iso"
	if cfg.ISOURL != wantISO {
		t.Errorf("ISOURL = %q, want %q", cfg.ISOURL, wantISO)
	}
	if cfg.ISOSHA256URL != wantISO+".sha256" {
		t.Errorf("ISOSHA256URL = %q", cfg.ISOSHA256URL)
	}
	if cfg.Memory != "1024M" || cfg.CPUs != 2 || !cfg.Headless {
		t.Errorf("defaults not carried: %+v", cfg)
	}
}

func TestSetupPreparesDiskImageAndScripts(t *testing.T) {
	body := []byte("iso bytes")
	sum := sha256.Sum256(body)
	srv := imageServer(t, body, hex.EncodeToString(sum[:]))

	runner := &fakeRunner{}
	m := newManager(t, runner, baseConfig(srv))

	if err := m.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	// The base image was fetched and landed next to the disk.
	iso, err := os.ReadFile(m.ISOPath())
	if err != nil {
		t.Fatalf("read iso: %v", err)
	}
	if string(iso) != string(body) {
		t.Error("iso content mismatch")
	}

	wantDisk := "qemu-img create -f qcow2 " + m.diskPath + " 10G"
	found := false
	for _, line := range runner.lines() {
		if line == wantDisk {
			found = true
		}
	}
	if !found {
		t.Errorf("missing %q in %v", wantDisk, runner.lines())
	}

	for _, script := range []string{"start_vm.sh", "vm_functions.sh"} {
		info, err := os.Stat(filepath.Join(m.vmDir, script))
		if err != nil {
			t.Fatalf("stat %s: %v", script, err)
		}
		if info.Mode().Perm()&0o100 == 0 {
			t.Errorf("%s is not executable", script)
		}
	}

	if ok, _ := regexp.MatchString(`^52:54:00(:[0-9A-F]{2}){3}$`, m.Config.MACAddress); !ok {
		t.Errorf("MAC = %q, want locally-administered 52:54:00 prefix", m.Config.MACAddress)
	}

	env, err := os.ReadFile(filepath.Join(m.EnvDir, ".env"))
	if err != nil {
		t.Fatal(err)
	}
	for _, frag := range []string{"VM_ENABLED=true", "VM_MEMORY=1024M", "VM_CPUS=2", "VM_MAC=" + m.Config.MACAddress} {
		if !strings.Contains(string(env), frag) {
			t.Errorf(".env missing %q", frag)
		}
	}
}

func TestSetupFailsOnBadSidecar(t *testing.T) {
	other := sha256.Sum256([]byte("different bytes"))
	srv := imageServer(t, []byte("iso bytes"), hex.EncodeToString(other[:]))

	runner := &fakeRunner{}
	m := newManager(t, runner, baseConfig(srv))

	err := m.Setup(context.Background())
	if !errors.Is(err, errdefs.ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	// The emulator pipeline must not proceed: no disk image was created.
	for _, line := range runner.lines() {
		if strings.HasPrefix(line, "qemu-img") {
			t.Errorf("disk creation ran after integrity failure: %q", line)
		}
	}
}

func TestEmulatorArgs(t *testing.T) {
	body := []byte("iso")
	sum := sha256.Sum256(body)
	srv := imageServer(t, body, hex.EncodeToString(sum[:]))

	cfg := baseConfig(srv)
	cfg.MACAddress = "52:54:00:AA:BB:CC"
	m := newManager(t, &fakeRunner{}, cfg)

	got := strings.Join(m.emulatorArgs(), " ")
	for _, frag := range []string{
		"-m 1024M",
		"-smp 2",
		"-enable-kvm",
		"file=" + m.diskPath + ",if=virtio",
		"-cdrom " + m.ISOPath(),
		"-boot d",
		"virtio-net-pci,mac=52:54:00:AA:BB:CC",
		"-netdev user,id=net0",
		"-nographic",
		"-monitor unix:" + m.monitorSocket + ",server,nowait",
	} {
		if !strings.Contains(got, frag) {
			t.Errorf("argv missing %q: %s", frag, got)
		}
	}
}

func TestEmulatorArgsTapNetworking(t *testing.T) {
	body := []byte("iso")
	sum := sha256.Sum256(body)
	srv := imageServer(t, body, hex.EncodeToString(sum[:]))

	cfg := baseConfig(srv)
	cfg.UseNetwork = true
	m := newManager(t, &fakeRunner{}, cfg)

	got := strings.Join(m.emulatorArgs(), " ")
	if !strings.Contains(got, "-netdev tap,id=net0,ifname=tap0,script=no,downscript=no") {
		t.Errorf("argv missing tap netdev: %s", got)
	}
}

func TestSetupNetworkMovesTapIntoNamespace(t *testing.T) {
	runner := &fakeRunner{}
	m := newManager(t, runner, Config{})
	m.SetNetworkNamespace("safespace_net")

	if err := m.setupNetwork(context.Background()); err != nil {
		t.Fatalf("setupNetwork: %v", err)
	}

	want := []string{
		"ip tuntap add tap0 mode tap",
		"ip link set tap0 up",
		"ip link set tap0 netns safespace_net",
		"ip netns exec safespace_net ip addr add 192.168.100.3/24 dev tap0",
		"ip netns exec safespace_net ip link set tap0 up",
	}
	got := runner.lines()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsRunningAndStop(t *testing.T) {
	m := newManager(t, &fakeRunner{}, Config{})
	if err := os.MkdirAll(m.vmDir, 0o700); err != nil {
		t.Fatal(err)
	}

	// A live child process stands in for the emulator.
	child := exec.Command("sleep", "60")
	if err := child.Start(); err != nil {
		t.Fatal(err)
	}
	defer child.Process.Kill()
	defer child.Wait()

	if err := os.WriteFile(m.pidFile, []byte(strconv.Itoa(child.Process.Pid)), 0o600); err != nil {
		t.Fatal(err)
	}

	if !m.IsRunning() {
		t.Fatal("IsRunning = false for live pid")
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(m.pidFile); !os.IsNotExist(err) {
		t.Error("pid file should be removed after Stop")
	}

	// Give the signal a moment, then the process must be gone.
	deadline := time.Now().Add(2 * time.Second)
	for m.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
}

func TestIsRunningClearsStalePidFile(t *testing.T) {
	m := newManager(t, &fakeRunner{}, Config{})
	if err := os.MkdirAll(m.vmDir, 0o700); err != nil {
		t.Fatal(err)
	}
	// A pid that can't exist.
	if err := os.WriteFile(m.pidFile, []byte("999999999"), 0o600); err != nil {
		t.Fatal(err)
	}

	if m.IsRunning() {
		t.Error("IsRunning = true for dead pid")
	}
	if _, err := os.Stat(m.pidFile); !os.IsNotExist(err) {
		t.Error("stale pid file should be removed")
	}
}

func TestStopWithoutPidFileIsNoop(t *testing.T) {
	m := newManager(t, &fakeRunner{}, Config{})
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
