// Package hostcmd launches host commands for the safespace subsystems.
// Commands are always built as argv vectors; user-provided values never
// pass through a shell. Privileged commands run under `sudo -S` with the
// cached secret written to the child's stdin, never placed in argv or the
// environment.
package hostcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/safespace-sh/safespace/errdefs"
)

// Result holds the outcome of a finished host command.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// Runner is the interface the subsystems depend on. Tests substitute a
// recording fake; production code uses *Host.
type Runner interface {
	// Run executes argv and blocks until it exits.
	Run(ctx context.Context, name string, args ...string) (Result, error)
	// Sudo executes argv under sudo, feeding the cached secret on stdin.
	Sudo(ctx context.Context, name string, args ...string) (Result, error)
}

// Host runs commands on the local machine.
type Host struct {
	// SudoPassword is the session's cached secret. Empty means Sudo
	// fails with ErrPrecondition rather than hanging on a prompt.
	SudoPassword string
}

var _ Runner = (*Host)(nil)

// Run executes argv and returns its captured output. A nonzero exit is
// returned as an ErrExternalCommand wrapping the child's stderr, with the
// Result still populated so callers can inspect the exit code.
func (h *Host) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return h.wait(ctx, cmd, nil)
}

// Sudo executes argv as `sudo -S name args...`, writing the secret to the
// child's stdin.
func (h *Host) Sudo(ctx context.Context, name string, args ...string) (Result, error) {
	if h.SudoPassword == "" {
		return Result{Code: 1}, fmt.Errorf("%w: no sudo password cached for this session", errdefs.ErrPrecondition)
	}
	full := append([]string{"-S", name}, args...)
	cmd := exec.CommandContext(ctx, "sudo", full...)
	return h.wait(ctx, cmd, strings.NewReader(h.SudoPassword+"\n"))
}

func (h *Host) wait(ctx context.Context, cmd *exec.Cmd, stdin io.Reader) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	slog.DebugContext(ctx, "hostcmd.run", "cmd", strings.Join(cmd.Args, " "))

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.Code = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
			return res, fmt.Errorf("%w: %s: %s", errdefs.ErrExternalCommand,
				strings.Join(cmd.Args, " "), strings.TrimSpace(res.Stderr))
		}
		// The command never started (e.g. binary not on PATH).
		res.Code = 1
		return res, fmt.Errorf("%w: %s: %v", errdefs.ErrPrecondition, cmd.Args[0], err)
	}
	return res, nil
}

// Available reports whether a binary can be resolved on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Require returns an ErrPrecondition naming the first missing tool.
func Require(tools ...string) error {
	for _, t := range tools {
		if !Available(t) {
			return fmt.Errorf("%w: required tool %q not found on PATH", errdefs.ErrPrecondition, t)
		}
	}
	return nil
}
