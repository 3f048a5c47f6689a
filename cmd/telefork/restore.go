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

// restoreCommand implements subcommands.Command for "restore".
type restoreCommand struct {
	imagePath   string
	passToChild int
}

func (*restoreCommand) Name() string     { return "restore" }
func (*restoreCommand) Synopsis() string { return "restore a process from a checkpoint image file" }
func (*restoreCommand) Usage() string {
	return `restore [flags] - rebuild a process from an image file and resume it.
`
}

func (c *restoreCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.imagePath, "image-path", "", "file path of the checkpoint image (default: telefork.img in config's default_image_dir)")
	f.IntVar(&c.passToChild, "pass-to-child", 0, "integer value the restored process observes as its syscall return value")
}

func (c *restoreCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	path := c.imagePath
	if path == "" {
		path = filepath.Join(cfg.DefaultImageDir, imageFileName)
	}

	sessionID := telemetry.NewSessionID()
	log := logrus.WithFields(logrus.Fields{"component": "restore", "session": sessionID, "image": path})

	r, err := imagefile.Open(path)
	if err != nil {
		log.WithError(err).Error("opening image file")
		return subcommands.ExitFailure
	}
	defer r.Close()

	pid, err := telefork.Accept(r, int32(c.passToChild), cfg)
	if err != nil {
		log.WithError(err).Error("restore failed")
		return subcommands.ExitFailure
	}
	log.WithField("pid", pid).Info("restored process")
	return subcommands.ExitSuccess
}
