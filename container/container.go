// Package container manages the container facet of a sandbox through the
// host's container runtime (podman or docker). The runtime does the
// heavy lifting; this package owns naming, configuration, the run/exec
// scripts, and lifecycle discipline.
package container

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creack/pty"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/safespace-sh/safespace/envfile"
	"github.com/safespace-sh/safespace/errdefs"
	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/settings"
)

const networkName = "safespace_net"

// Config describes one container instance.
type Config struct {
	Image          string
	Memory         string
	CPUs           float64
	StorageSize    string
	NetworkEnabled bool
	Privileged     bool
	MountWorkspace bool
}

// ConfigFromSettings derives a Config from the container settings.
func ConfigFromSettings(s settings.Container) Config {
	return Config{
		Image:          s.DefaultImage,
		Memory:         s.DefaultMemory,
		CPUs:           s.DefaultCPUs,
		StorageSize:    s.DefaultStorageSize,
		NetworkEnabled: s.DefaultNetworkEnabled,
		Privileged:     s.DefaultPrivileged,
		MountWorkspace: s.DefaultMountWorkspace,
	}
}

// Manager owns one sandbox container.
type Manager struct {
	EnvDir string
	Config Config

	// Runtime is the chosen engine binary, "podman" or "docker".
	Runtime string
	// Name is the generated instance name, safespace_<hex>.
	Name string

	runner hostcmd.Runner
	env    *envfile.File

	containerDir string
	sudoRetry    bool

	lookPath func(string) (string, error)
}

// New picks a runtime (podman before docker when preferPodman, docker
// first otherwise) and generates the instance name. When neither binary
// is present Runtime is left empty and Setup fails with ErrPrecondition.
func New(envDir string, runner hostcmd.Runner, cfg Config, preferPodman bool, sudoAvailable bool) *Manager {
	m := &Manager{
		EnvDir:       envDir,
		Config:       cfg,
		runner:       runner,
		env:          envfile.New(filepath.Join(envDir, ".env")),
		containerDir: filepath.Join(envDir, "container"),
		sudoRetry:    sudoAvailable,
		lookPath:     exec.LookPath,
	}
	m.Name = "safespace_" + randomHex(4)
	m.Runtime = m.pickRuntime(preferPodman)
	return m
}

func (m *Manager) pickRuntime(preferPodman bool) string {
	order := []string{"docker", "podman"}
	if preferPodman {
		order = []string{"podman", "docker"}
	}
	for _, rt := range order {
		if _, err := m.lookPath(rt); err == nil {
			return rt
		}
	}
	return ""
}

// NetworkName returns the user-defined network the container joins, or
// "host" when networking is disabled.
func (m *Manager) NetworkName() string {
	if m.Config.NetworkEnabled {
		return networkName
	}
	return "host"
}

// run executes a runtime command, retrying once with sudo when the
// unprivileged invocation fails and a secret is cached.
func (m *Manager) run(ctx context.Context, args ...string) (hostcmd.Result, error) {
	res, err := m.runner.Run(ctx, m.Runtime, args...)
	if err != nil && m.sudoRetry {
		slog.DebugContext(ctx, "container: retrying with sudo", "args", strings.Join(args, " "))
		return m.runner.Sudo(ctx, m.Runtime, args...)
	}
	return res, err
}

// Setup validates the image reference, pulls it, creates the container
// network when requested, and writes the run/exec scripts. The scripts
// are produced before the pull so a missing prerequisite still leaves
// the operator a reproducible launch command.
func (m *Manager) Setup(ctx context.Context) error {
	if m.Runtime == "" {
		return fmt.Errorf("%w: neither podman nor docker found on PATH", errdefs.ErrPrecondition)
	}
	if _, err := name.ParseReference(m.Config.Image); err != nil {
		return fmt.Errorf("%w: invalid image reference %q: %v", errdefs.ErrPrecondition, m.Config.Image, err)
	}

	slog.InfoContext(ctx, "container: setting up", "runtime", m.Runtime, "image", m.Config.Image)

	if err := os.MkdirAll(m.containerDir, 0o700); err != nil {
		return fmt.Errorf("create container dir: %w", err)
	}
	if err := m.writeScripts(); err != nil {
		return err
	}

	if _, err := m.run(ctx, "ps"); err != nil {
		return fmt.Errorf("runtime not usable: %w", err)
	}

	if _, err := m.run(ctx, "pull", m.Config.Image); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}

	if m.Config.NetworkEnabled {
		if _, err := m.run(ctx, "network", "create", networkName); err != nil {
			// A failed network is non-fatal: run without it.
			slog.WarnContext(ctx, "container: network create failed, continuing without", "error", err)
			m.Config.NetworkEnabled = false
		}
	}

	return m.env.Append(map[string]string{
		"CONTAINER_ENABLED": "true",
		"CONTAINER_RUNTIME": m.Runtime,
		"CONTAINER_NAME":    m.Name,
		"CONTAINER_IMAGE":   m.Config.Image,
		"CONTAINER_NETWORK": m.NetworkName(),
	})
}

// runArgs assembles the argv for creating the detached container.
func (m *Manager) runArgs() []string {
	args := []string{
		"run", "-d",
		"--name", m.Name,
		"--memory=" + m.Config.Memory,
		"--cpus=" + strconv.FormatFloat(m.Config.CPUs, 'f', -1, 64),
	}
	if m.Config.NetworkEnabled {
		args = append(args, "--network="+networkName)
	}
	if m.Config.StorageSize != "" {
		args = append(args, "--storage-opt", "size="+m.Config.StorageSize)
	}
	if m.Config.Privileged {
		args = append(args, "--privileged")
	}
	args = append(args, "-v", m.containerDir+":/safespace")
	if m.Config.MountWorkspace {
		args = append(args, "-v", m.EnvDir+":/workspace")
	}
	return append(args, m.Config.Image, "sleep", "infinity")
}

// Start runs the container detached, or restarts it when it already
// exists.
func (m *Manager) Start(ctx context.Context) error {
	if m.Runtime == "" {
		return fmt.Errorf("%w: no container runtime selected", errdefs.ErrPrecondition)
	}
	if m.IsRunning(ctx) {
		slog.InfoContext(ctx, "container: already running", "name", m.Name)
		return nil
	}

	if m.exists(ctx) {
		if _, err := m.run(ctx, "start", m.Name); err != nil {
			return fmt.Errorf("start container: %w", err)
		}
		return nil
	}

	if _, err := m.run(ctx, m.runArgs()...); err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	slog.InfoContext(ctx, "container: started", "name", m.Name)
	return nil
}

// Stop stops the running container.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.IsRunning(ctx) {
		return nil
	}
	if _, err := m.run(ctx, "stop", m.Name); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// IsRunning reports whether the named container is currently up.
func (m *Manager) IsRunning(ctx context.Context) bool {
	res, err := m.run(ctx, "ps", "--format", "{{.Names}}")
	if err != nil {
		return false
	}
	return containsLine(res.Stdout, m.Name)
}

func (m *Manager) exists(ctx context.Context) bool {
	res, err := m.run(ctx, "ps", "-a", "--format", "{{.Names}}")
	if err != nil {
		return false
	}
	return containsLine(res.Stdout, m.Name)
}

// RunCommand executes argv inside the container, auto-starting it when
// stopped, and returns the child's exit code and captured output.
func (m *Manager) RunCommand(ctx context.Context, argv []string) (hostcmd.Result, error) {
	if len(argv) == 0 {
		return hostcmd.Result{Code: 1}, fmt.Errorf("empty command")
	}
	if !m.IsRunning(ctx) {
		if err := m.Start(ctx); err != nil {
			return hostcmd.Result{Code: 1}, fmt.Errorf("auto-start container: %w", err)
		}
	}
	args := append([]string{"exec", m.Name}, argv...)
	return m.run(ctx, args...)
}

// Shell attaches an interactive shell inside the running container
// through a pseudo-terminal.
func (m *Manager) Shell(ctx context.Context, shell string, stdin io.Reader, stdout io.Writer) error {
	if shell == "" {
		shell = "/bin/sh"
	}
	if !m.IsRunning(ctx) {
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("auto-start container: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, m.Runtime, "exec", "-it", m.Name, shell)
	slog.InfoContext(ctx, "container: shell", "cmd", strings.Join(cmd.Args, " "))

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("%w: start shell pty: %v", errdefs.ErrExternalCommand, err)
	}
	defer ptmx.Close()

	go io.Copy(ptmx, stdin)
	go io.Copy(stdout, ptmx)

	return cmd.Wait()
}

// Cleanup force-removes the container and its network.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.Runtime == "" {
		return nil
	}
	if m.IsRunning(ctx) {
		m.Stop(ctx)
	}
	m.run(ctx, "rm", "-f", m.Name)
	if m.Config.NetworkEnabled {
		m.run(ctx, "network", "rm", networkName)
	}
	slog.InfoContext(ctx, "container: cleaned up", "name", m.Name)
	return nil
}

// writeScripts materializes run_container.sh and exec_container.sh under
// <root>/container/.
func (m *Manager) writeScripts() error {
	runScript := fmt.Sprintf(`#!/bin/bash
# safespace container runner

CONTAINER_NAME=%q

if %[2]s ps -a --format '{{.Names}}' | grep -q "^$CONTAINER_NAME$"; then
    echo "Container $CONTAINER_NAME already exists. Starting it..."
    %[2]s start $CONTAINER_NAME
    exit $?
fi

echo "Creating container $CONTAINER_NAME..."
%[2]s %[3]s
exit $?
`, m.Name, m.Runtime, strings.Join(m.runArgs(), " "))
	if err := os.WriteFile(filepath.Join(m.containerDir, "run_container.sh"), []byte(runScript), 0o755); err != nil {
		return fmt.Errorf("write run script: %w", err)
	}

	execScript := fmt.Sprintf(`#!/bin/bash
# safespace container command executor

CONTAINER_NAME=%q

if ! %[2]s ps -a --format '{{.Names}}' | grep -q "^$CONTAINER_NAME$"; then
    echo "Container $CONTAINER_NAME does not exist. Please run it first."
    exit 1
fi

if ! %[2]s ps --format '{{.Names}}' | grep -q "^$CONTAINER_NAME$"; then
    echo "Container $CONTAINER_NAME is not running. Starting it..."
    %[2]s start $CONTAINER_NAME || exit 1
fi

%[2]s exec -it $CONTAINER_NAME "$@"
`, m.Name, m.Runtime)
	if err := os.WriteFile(filepath.Join(m.containerDir, "exec_container.sh"), []byte(execScript), 0o755); err != nil {
		return fmt.Errorf("write exec script: %w", err)
	}
	return nil
}

func containsLine(s, line string) bool {
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is badly broken.
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
