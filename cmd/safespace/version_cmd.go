package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/safespace-sh/safespace/version"
)

type VersionCmd struct {
	JSON bool `help:"print the full version record as JSON"`
}

func (c *VersionCmd) Run(cctx *Context) error {
	info := version.Get()
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	commit := info.GitCommit
	if commit == "" {
		commit = "unknown"
	}
	fmt.Printf("safespace %s (built %s)\n", commit, orUnknown(info.BuildTime))
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
