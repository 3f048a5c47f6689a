package main

import (
	"context"
	"flag"
	"strconv"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/thundergolfer-labs/telefork/pkg/telefork"
)

// waitCommand implements subcommands.Command for "wait".
type waitCommand struct{}

func (*waitCommand) Name() string     { return "wait" }
func (*waitCommand) Synopsis() string { return "wait for a restored process to exit" }
func (*waitCommand) Usage() string {
	return `wait <pid> - block until pid exits and print its exit code.
`
}

func (*waitCommand) SetFlags(*flag.FlagSet) {}

func (*waitCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		logrus.Error("wait requires exactly one pid argument")
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		logrus.WithError(err).Error("invalid pid")
		return subcommands.ExitUsageError
	}

	code, err := telefork.WaitExit(int32(pid))
	if err != nil {
		logrus.WithError(err).Error("wait failed")
		return subcommands.ExitFailure
	}
	logrus.WithFields(logrus.Fields{"pid": pid, "exit_code": code}).Info("process exited")
	return subcommands.ExitSuccess
}
