package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/safespace-sh/safespace"
)

type LsCmd struct{}

func (c *LsCmd) Run(cctx *Context) error {
	envs, err := safespace.ListSavedEnvironments(cctx.Context, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROOT\tLAST ACCESSED")
	for _, e := range envs {
		name := e.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, name, e.RootDir, e.LastAccessed)
	}
	return w.Flush()
}
