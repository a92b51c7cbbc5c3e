package main

import (
	"fmt"
	"io"
	"runtime"
)

type VersionCommand struct {
	Version string
	Out     io.Writer
}

func (v *VersionCommand) Help() string {
	return "Usage: pageserver version"
}

func (v *VersionCommand) Synopsis() string {
	return "Prints the pageserver version"
}

func (v *VersionCommand) Run(args []string) int {
	if len(args) != 0 {
		return 1
	}
	_, _ = fmt.Fprintf(v.Out, "pageserver %s (%s %s/%s)\n", v.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return 0
}
