package main

import (
	"fmt"
	"os"

	"github.com/safespace-sh/safespace"
)

type RmCmd struct {
	Name      string `arg:"" optional:"" help:"name of the saved sandbox"`
	ID        string `help:"id of the saved sandbox (alternative to the name argument)"`
	KeepDir   bool   `help:"delete only the saved record, keeping the directory"`
	PurgeDays int    `help:"instead of removing one sandbox, purge records older than this many days"`
}

func (c *RmCmd) Run(cctx *Context) error {
	if c.PurgeDays > 0 {
		return c.purge(cctx)
	}

	ref := safespace.LoadRef{ID: c.ID, Name: c.Name}
	sb, err := safespace.LoadFromState(cctx.Context, nil, ref)
	if err != nil {
		return err
	}

	if !c.KeepDir {
		if err := os.RemoveAll(sb.RootDir); err != nil {
			return fmt.Errorf("remove sandbox directory: %w", err)
		}
	}
	if _, err := sb.DeleteSavedState(cctx.Context); err != nil {
		return err
	}
	fmt.Printf("removed sandbox %s\n", sb.ID)
	return nil
}

func (c *RmCmd) purge(cctx *Context) error {
	n, err := safespace.PurgeSavedEnvironments(cctx.Context, nil, c.PurgeDays)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d stale sandbox records\n", n)
	return nil
}
