// Command safespace is the thin front end over the sandbox controller:
// flags in, controller verbs out.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/safespace-sh/safespace/hostcmd"
	"github.com/safespace-sh/safespace/settings"
)

// Context is threaded into every command's Run.
type Context struct {
	Context  context.Context
	Settings settings.Settings
	Runner   *hostcmd.Host
}

type CLI struct {
	LogFile   string `default:"" placeholder:"<path>" help:"log file location (empty logs to stderr)"`
	LogLevel  string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	SudoStdin bool   `help:"read the sudo password from the first line of stdin"`

	New     NewCmd     `cmd:"" help:"create a sandbox, attach facets, optionally run a command, then release"`
	Ls      LsCmd      `cmd:"" help:"list saved persistent sandboxes"`
	Rm      RmCmd      `cmd:"" help:"remove a saved sandbox (record and directory)"`
	Health  HealthCmd  `cmd:"" help:"check the health of a sandbox directory"`
	Gc      GcCmd      `cmd:"" help:"garbage-collect logs and temp files in a sandbox"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out = os.Stderr
	var handler slog.Handler
	if c.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
		handler = slog.NewJSONHandler(rotated, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

const description = `Create and manage isolated execution sandboxes: a secured directory
tree composed with optional network isolation, a headless VM, a
container, and a testing scaffold.`

func main() {
	var cli CLI

	kctx := kong.Parse(&cli,
		kong.Description(description),
		kong.Configuration(kongyaml.Loader, ".safespace.yaml", "~/.safespace.yaml"))
	cli.initSlog()

	cfgPath, err := settings.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve settings path: %v\n", err)
		os.Exit(1)
	}
	cfg, err := settings.Load(cfgPath)
	if err != nil {
		slog.Warn("settings load failed, using defaults", "error", err)
	}

	runner := &hostcmd.Host{}
	if cli.SudoStdin {
		reader := bufio.NewReader(os.Stdin)
		secret, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to read sudo password from stdin")
			os.Exit(1)
		}
		runner.SudoPassword = strings.TrimRight(secret, "\r\n")
	}

	err = kctx.Run(&Context{
		Context:  context.Background(),
		Settings: cfg,
		Runner:   runner,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "safespace: %v\n", err)
		os.Exit(1)
	}
}
