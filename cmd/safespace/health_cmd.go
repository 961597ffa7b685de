package main

import (
	"fmt"

	"github.com/safespace-sh/safespace"
)

type HealthCmd struct {
	Root string `arg:"" help:"sandbox root directory to check"`
}

func (c *HealthCmd) Run(cctx *Context) error {
	sb := safespace.New(safespace.Options{
		RootDir:  c.Root,
		Settings: &cctx.Settings,
		Runner:   cctx.Runner,
	})

	ok, issues := sb.CheckHealth()
	if ok {
		fmt.Println("healthy")
		return nil
	}
	for _, issue := range issues {
		fmt.Println("issue:", issue)
	}
	return fmt.Errorf("%d issue(s) found", len(issues))
}
