// Command telefork is the CLI front-end for the checkpoint/restore
// engine: dump a process (by forking the caller or attaching to an
// external PID) to an image file, restore an image file into a fresh
// victim, and wait for a restored process to exit.
//
// Grounded on runsc/cli (subcommands.Register wiring, flag-driven
// global config) and runsc/cmd/checkpoint.go (per-command struct
// implementing subcommands.Command), adapted from a container-
// lifecycle CLI to a bare-PID checkpoint/restore CLI.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/thundergolfer-labs/telefork/internal/telecfg"
)

var (
	configPath = flag.String("config", "", "path to a telefork.toml config file (optional)")
	verbose    = flag.Bool("verbose", false, "enable debug logging")
	cfg        telecfg.Config
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&dumpCommand{}, "")
	subcommands.Register(&restoreCommand{}, "")
	subcommands.Register(&waitCommand{}, "")

	subcommands.ImportantFlag("config")
	subcommands.ImportantFlag("verbose")
	flag.Parse()

	var err error
	cfg, err = telecfg.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading config")
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
