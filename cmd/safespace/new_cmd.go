package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/safespace-sh/safespace"
	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/netiso"
)

type NewCmd struct {
	Root       string `short:"r" placeholder:"<dir>" help:"sandbox root directory (default: a fresh temp path)"`
	Name       string `short:"n" placeholder:"<name>" help:"human name for the sandbox (generated for persistent sandboxes when unset)"`
	Persistent bool   `short:"p" help:"record the sandbox in the state store and preserve its directory"`
	Internal   bool   `help:"use the pinned ./.internal root"`

	Network   bool `help:"attach network isolation (requires sudo)"`
	VM        bool `help:"attach a headless virtual machine"`
	Container bool `help:"attach a container"`
	Testing   bool `help:"attach the testing scaffold"`

	Latency    string  `placeholder:"<100ms>" help:"added latency on the isolated path"`
	Jitter     string  `placeholder:"<10ms>" help:"latency jitter"`
	Loss       float64 `help:"packet loss percentage (0-100)"`
	Corruption float64 `help:"packet corruption percentage (0-100)"`
	Reorder    float64 `help:"packet reordering percentage (0-100)"`
	Bandwidth  string  `placeholder:"<1mbit>" help:"bandwidth limit (replaces the other impairments with a token-bucket filter)"`

	Memory string `placeholder:"<1024M>" help:"VM memory override"`
	CPUs   int    `placeholder:"<2>" help:"VM cpu count override"`
	Disk   string `placeholder:"<10G>" help:"VM disk size override"`
	Image  string `placeholder:"<alpine:latest>" help:"container image override"`

	Keep bool     `help:"keep the directory on exit even for ephemeral sandboxes"`
	Exec []string `arg:"" optional:"" passthrough:"" help:"command to run inside the sandbox (network when attached, else container)"`
}

func (c *NewCmd) mode() safespace.Mode {
	switch {
	case c.Internal:
		return safespace.ModeInternal
	case c.Persistent:
		return safespace.ModePersistent
	default:
		return safespace.ModeEphemeral
	}
}

func (c *NewCmd) Run(cctx *Context) error {
	code, err := c.run(cctx)
	if err != nil {
		return err
	}
	if code != 0 {
		// The child's exit code passes through unchanged; cleanup has
		// already run by the time we get here.
		os.Exit(code)
	}
	return nil
}

func (c *NewCmd) run(cctx *Context) (int, error) {
	ctx := cctx.Context

	if c.Name == "" && c.Persistent {
		c.Name = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()).Generate()
	}

	sb := safespace.New(safespace.Options{
		RootDir:  c.Root,
		Name:     c.Name,
		Mode:     c.mode(),
		Settings: &cctx.Settings,
		Runner:   cctx.Runner,
	})
	if err := sb.Create(ctx); err != nil {
		return 1, err
	}
	defer func() {
		if err := sb.Cleanup(ctx, c.Keep); err != nil {
			slog.Error("cleanup finished with failures", "error", err)
		}
	}()

	if c.Network {
		if err := sb.SetupNetworkIsolation(ctx); err != nil {
			return 1, err
		}
	}
	if c.shapingRequested() {
		err := sb.SetupNetworkConditions(ctx, netiso.Conditions{
			Latency:          c.Latency,
			Jitter:           c.Jitter,
			PacketLoss:       c.Loss,
			PacketCorruption: c.Corruption,
			PacketReordering: c.Reorder,
			Bandwidth:        c.Bandwidth,
		})
		if err != nil {
			return 1, err
		}
	}
	if c.VM {
		if err := sb.SetupVM(ctx, safespace.VMOverrides{
			Memory: c.Memory, CPUs: c.CPUs, DiskSize: c.Disk, Headless: true,
		}); err != nil {
			return 1, err
		}
	}
	if c.Container {
		if err := sb.SetupContainer(ctx, safespace.ContainerOverrides{Image: c.Image}); err != nil {
			return 1, err
		}
	}
	if c.Testing {
		if err := sb.SetupTesting(ctx); err != nil {
			return 1, err
		}
	}

	fmt.Printf("sandbox %s ready at %s\n", sb.ID, sb.RootDir)
	if c.Name != "" {
		fmt.Printf("name: %s\n", c.Name)
	}

	if len(c.Exec) > 0 {
		res, err := c.runIn(cctx, sb)
		if err != nil {
			return 1, err
		}
		os.Stdout.WriteString(res.Stdout)
		os.Stderr.WriteString(res.Stderr)
		return res.Code, nil
	}
	return 0, nil
}

func (c *NewCmd) shapingRequested() bool {
	return c.Latency != "" || c.Jitter != "" || c.Loss > 0 ||
		c.Corruption > 0 || c.Reorder > 0 || c.Bandwidth != ""
}

func (c *NewCmd) runIn(cctx *Context, sb *safespace.Sandbox) (hostcmd.Result, error) {
	if sb.NetworkEnabled() {
		return sb.RunInNetwork(cctx.Context, c.Exec)
	}
	if sb.ContainerEnabled() {
		return sb.RunInContainer(cctx.Context, c.Exec)
	}
	return hostcmd.Result{Code: 1}, fmt.Errorf("no facet to run the command in; pass --network or --container")
}
