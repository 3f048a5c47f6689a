// Package emit implements the emitter: the donor side of a checkpoint,
// which snapshots a frozen or externally-attached process's program
// break, memory, descriptors, and registers onto an ordered byte
// stream.
//
// Grounded on a telefork()/dump() style entry point (snapshot brk,
// fork-and-freeze or attach, walk maps, stream mappings, scan fds,
// snapshot registers, terminate) and on runsc/cmd/checkpoint.go for
// the shape of a command that drives a multi-step capture sequence
// against a traced subject.
package emit

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/thundergolfer-labs/telefork/internal/fdscan"
	"github.com/thundergolfer-labs/telefork/internal/memio"
	"github.com/thundergolfer-labs/telefork/internal/procmap"
	"github.com/thundergolfer-labs/telefork/internal/ptrace"
	"github.com/thundergolfer-labs/telefork/internal/telecfg"
	"github.com/thundergolfer-labs/telefork/internal/telerr"
	"github.com/thundergolfer-labs/telefork/internal/wire"
)

var log = logrus.WithField("component", "emit")

// SelfResult distinguishes the two continuations of Self, mirroring
// ptrace.ForkResult: the emitting parent, and the eventual resumption
// of the donor itself once an acceptor has rebuilt it.
type SelfResult struct {
	// IsParent is true on the side that performed the emission.
	IsParent bool
	// PassToChild is the value the acceptor placed into the syscall
	// return register before resuming the donor; meaningful only when
	// !IsParent.
	PassToChild int32
}

// Self implements emit-self: fork a frozen clone of the calling
// process, stream its complete state to w, then kill the clone. The
// calling process's own program break is captured before the fork,
// which is valid here (unlike DumpPID) because the frozen child is an
// exact copy of the parent at the instant of the fork and performs no
// further allocation before stopping.
func Self(w io.Writer, cfg telecfg.Config) (SelfResult, error) {
	brk, _, errno := unix.Syscall(unix.SYS_BRK, 0, 0, 0)
	if errno != 0 {
		return SelfResult{}, &telerr.TraceError{Op: "local brk", Err: errno}
	}

	result, err := ptrace.FrozenFork()
	if err != nil {
		return SelfResult{}, err
	}
	if result.Woke != nil {
		return SelfResult{IsParent: false, PassToChild: *result.Woke}, nil
	}

	t := result.Parent
	emitErr := stream(t, uint64(brk), w, cfg)
	// Known shortcoming: the frozen child is not guaranteed to be
	// cleaned up on this error path either, but we at least attempt it
	// rather than leaking it silently.
	if killErr := t.Kill(); killErr != nil {
		log.WithError(killErr).Warn("failed to kill frozen donor after emission")
	}
	if emitErr != nil {
		return SelfResult{}, emitErr
	}
	return SelfResult{IsParent: true}, nil
}

// DumpPID implements emit-other: attach to an already-running pid and
// stream its state to w, then either leave it running (detached,
// untraced) or kill it.
//
// Known defect, faithfully reproduced: the program-break value written
// into the ProcessState command here is the CALLER's own break, not
// pid's. A detached dump of a process with a different heap layout
// than the caller will restore with a wrong break target. This is not
// fixed here, and a warning is logged on every call; see DESIGN.md.
func DumpPID(pid int32, w io.Writer, leaveRunning bool, cfg telecfg.Config) error {
	ownBrk, _, errno := unix.Syscall(unix.SYS_BRK, 0, 0, 0)
	if errno != 0 {
		return &telerr.TraceError{Op: "local brk", Err: errno}
	}
	log.WithField("pid", pid).Warn("detached dump records the caller's own program break, not the target's")

	t := ptrace.New(pid)
	if err := t.Attach(); err != nil {
		return err
	}

	emitErr := stream(t, uint64(ownBrk), w, cfg)

	if leaveRunning {
		if err := t.Detach(); err != nil {
			log.WithError(err).Warn("failed to detach donor after emission")
		}
	} else if err := t.Kill(); err != nil {
		log.WithError(err).Warn("failed to kill donor after emission")
	}
	return emitErr
}

// stream captures and emits everything past the program break against
// an already-stopped, already-traced thread: write ProcessState,
// enumerate and stream maps, scan and emit descriptors, snapshot and
// emit registers.
func stream(t *ptrace.Thread, brk uint64, w io.Writer, cfg telecfg.Config) error {
	out := wire.NewWriter(w)

	if err := out.WriteProcessState(brk); err != nil {
		return err
	}

	maps, err := procmap.ReadMaps(t.Pid)
	if err != nil {
		return err
	}
	special, regular := procmap.Partition(maps, cfg.JankyVDSOTeleport)

	for _, m := range special {
		log.WithField("name", m.Pathname).Debug("emitting remap for special kernel map")
		if err := out.WriteRemap(m.Pathname, uint64(m.Start), uint64(m.Size())); err != nil {
			return err
		}
	}

	for _, m := range regular {
		log.WithFields(logrus.Fields{"addr": fmt.Sprintf("%#x", m.Start), "size": m.Size()}).Debug("emitting mapping")
		header := wire.MappingHeader{
			Pathname:   m.Pathname,
			Readable:   m.Readable,
			Writable:   m.Writable,
			Executable: m.Executable,
			Addr:       uint64(m.Start),
			Size:       uint64(m.Size()),
		}
		if err := out.WriteMappingHeader(header); err != nil {
			return err
		}
		if _, err := memio.StreamOut(t.Pid, m.Start, m.Size(), w); err != nil {
			return err
		}
	}

	cm, err := fdscan.Scan(t.Pid)
	if err != nil {
		return err
	}
	if err := out.WriteFileDescriptors(cm); err != nil {
		return err
	}

	regs, err := t.GetRegs()
	if err != nil {
		return err
	}
	encoded := ptrace.EncodeRegs(regs)
	if err := out.WriteResumeWithRegistersHeader(uint32(len(encoded))); err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return &telerr.IOError{Op: "write registers", Err: err}
	}

	return nil
}
