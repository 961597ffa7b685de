package main

import (
	"fmt"

	"github.com/safespace-sh/safespace"
)

type GcCmd struct {
	Root       string `arg:"" help:"sandbox root directory to collect"`
	CleanCache bool   `help:"also truncate the cache/ and tmp/ subdirectories"`
}

func (c *GcCmd) Run(cctx *Context) error {
	sb := safespace.New(safespace.Options{
		RootDir:  c.Root,
		Settings: &cctx.Settings,
		Runner:   cctx.Runner,
	})

	if err := sb.GC(); err != nil {
		return err
	}
	if c.CleanCache {
		if err := sb.CleanCache(); err != nil {
			return err
		}
	}
	fmt.Println("garbage collection complete")
	return nil
}
