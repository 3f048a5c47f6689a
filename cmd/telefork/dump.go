package main

import (
	"context"
	"flag"
	"path/filepath"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/thundergolfer-labs/telefork/internal/imagefile"
	"github.com/thundergolfer-labs/telefork/internal/telemetry"
	"github.com/thundergolfer-labs/telefork/pkg/telefork"
)

// imageFileName is the conventional name of the checkpoint image
// within an operator-chosen directory, mirroring a checkpointFileName
// convention.
const imageFileName = "telefork.img"

// dumpCommand implements subcommands.Command for "dump".
type dumpCommand struct {
	imagePath    string
	pid          int
	leaveRunning bool
}

func (*dumpCommand) Name() string     { return "dump" }
func (*dumpCommand) Synopsis() string { return "checkpoint a process to an image file" }
func (*dumpCommand) Usage() string {
	return `dump [flags] - checkpoint the calling process, or an external pid, to an image file.
`
}

func (c *dumpCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.imagePath, "image-path", "", "file path for the checkpoint image (default: telefork.img in config's default_image_dir)")
	f.IntVar(&c.pid, "pid", 0, "if set, attach to this external pid instead of forking the caller (detached-dump mode)")
	f.BoolVar(&c.leaveRunning, "leave-running", false, "in detached-dump mode, detach instead of killing the donor after checkpoint")
}

func (c *dumpCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	path := c.imagePath
	if path == "" {
		path = filepath.Join(cfg.DefaultImageDir, imageFileName)
	}

	sessionID := telemetry.NewSessionID()
	log := logrus.WithFields(logrus.Fields{"component": "dump", "session": sessionID, "image": path})

	w, err := imagefile.Create(path)
	if err != nil {
		log.WithError(err).Error("creating image file")
		return subcommands.ExitFailure
	}
	defer w.Close()

	if c.pid != 0 {
		log.WithField("pid", c.pid).Info("checkpointing external pid")
		if err := telefork.DumpPID(int32(c.pid), w, c.leaveRunning, cfg); err != nil {
			log.WithError(err).Error("dump failed")
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	log.Info("checkpointing calling process")
	result, err := telefork.Fork(w, cfg)
	if err != nil {
		log.WithError(err).Error("dump failed")
		return subcommands.ExitFailure
	}
	switch result.Which {
	case telefork.Parent:
		log.Info("checkpoint written")
	case telefork.Restored:
		log.WithField("pass_to_child", result.PassToChild).Info("resumed as restored process")
	}
	return subcommands.ExitSuccess
}
