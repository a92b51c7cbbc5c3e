package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/cli"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		// a bare pageserver serves with ./pageserver.yaml
		args = append(args, "listen")
	}

	pageserverCLI := &cli.CLI{
		Name:     "pageserver",
		Version:  version,
		Args:     args,
		Commands: commands(makeShutdownCh()),
		HelpFunc: cli.BasicHelpFunc("pageserver"),
	}

	exitCode, err := pageserverCLI.Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}

	os.Exit(exitCode)
}

func commands(shutdownCh <-chan struct{}) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"listen": func() (cli.Command, error) {
			return &ListenCommand{ShutDownCh: shutdownCh}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{Version: version, Out: os.Stdout}, nil
		},
	}
}

// makeShutdownCh closes the returned channel on the first SIGINT or SIGTERM.
// The redo processes are children of the pageserver and die with it.
func makeShutdownCh() <-chan struct{} {
	shutdownCh := make(chan struct{})
	signalCh := make(chan os.Signal, 1)

	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer close(shutdownCh)
		<-signalCh
	}()

	return shutdownCh
}
