// Package accept implements the acceptor: it obtains a throwaway
// frozen local process, hollows it by unmapping everything but the
// kernel-managed regions, then replays an incoming command stream
// against it via the remote-syscall executor until a terminal register
// bundle is applied and the rebuilt process is resumed.
//
// Grounded on an accept() loop (munmap-everything, per-command
// remote-syscall dispatch, detach after a step-count warm-up) and on
// pkg/sentry/platform/ptrace subprocess bring-up for the pattern of
// driving a traced process through a fixed sequence of remote
// syscalls before handing it back to normal execution.
package accept

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/thundergolfer-labs/telefork/internal/procmap"
	"github.com/thundergolfer-labs/telefork/internal/ptrace"
	"github.com/thundergolfer-labs/telefork/internal/telecfg"
	"github.com/thundergolfer-labs/telefork/internal/telerr"
	"github.com/thundergolfer-labs/telefork/internal/wire"
)

var log = logrus.WithField("component", "accept")

const scratchPageSize = ptrace.PageSize

// Accept implements accept(channel, pass_to_child): obtain a frozen
// local victim, hollow it, replay the command stream from r against
// it, resume it with passToChild in its syscall-return register, and
// return its PID. The returned process keeps running independently;
// Accept does not wait for its exit (see WaitExit).
func Accept(r io.Reader, passToChild int32, cfg telecfg.Config) (int32, error) {
	result, err := ptrace.FrozenFork()
	if err != nil {
		return 0, err
	}
	if result.Woke != nil {
		// We are executing as the victim, resumed with its own image
		// still in place. Once replay has rebuilt the victim, it resumes
		// at the donor's own FrozenFork call site instead of here, so
		// there is nothing for Accept to do on this side.
		return 0, nil
	}
	t := result.Parent

	maps, err := procmap.ReadMaps(t.Pid)
	if err != nil {
		killLeakedVictim(t)
		return 0, err
	}
	vdso, ok := procmap.FindByName(maps, "[vdso]")
	if !ok {
		killLeakedVictim(t)
		return 0, &telerr.CapabilityError{Reason: "victim has no [vdso] mapping"}
	}
	loc, err := t.FindSyscall(vdso.Start)
	if err != nil {
		killLeakedVictim(t)
		return 0, err
	}
	syscallOffset := uintptr(loc) - vdso.Start

	if err := hollow(t, loc, maps); err != nil {
		killLeakedVictim(t)
		return 0, err
	}

	// idx tracks every region still believed to occupy the victim's
	// address space after hollowing: initially just the kernel-managed
	// maps left untouched by hollow. Remap and Mapping commands update
	// it as they land, so a Mapping's fixed address can be checked
	// against whatever a prior Remap hasn't yet relocated away,
	// enforcing the ordering invariant between the two command kinds.
	idx := procmap.NewIndex(survivingSpecialMaps(maps))

	in := wire.NewReader(r)
	if err := replay(t, &loc, syscallOffset, in, passToChild, idx); err != nil {
		killLeakedVictim(t)
		return 0, err
	}

	warmUp(t, loc, cfg.DetachStepCount)

	if err := t.Detach(); err != nil {
		killLeakedVictim(t)
		return 0, err
	}
	return t.Pid, nil
}

// killLeakedVictim disposes of the forked local victim on an error path
// so a failed Accept call does not leave an orphaned process behind,
// mirroring the cleanup attempt in internal/emit.Self.
func killLeakedVictim(t *ptrace.Thread) {
	if err := t.Kill(); err != nil {
		log.WithError(err).Warn("failed to kill victim after accept error")
	}
}

// WaitExit blocks until pid exits and returns its exit code.
func WaitExit(pid int32) (int, error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(pid), &ws, 0, nil); err != nil {
		return 0, &telerr.TraceError{Op: "wait4", Err: err}
	}
	return ws.ExitStatus(), nil
}

// hollow unmaps every non-special, non-zero-sized region of the
// victim, leaving only the kernel-managed maps in place.
func hollow(t *ptrace.Thread, loc ptrace.SyscallLoc, maps []procmap.MapRange) error {
	for _, m := range maps {
		if m.Size() == 0 || m.IsSpecialKernelMap() {
			continue
		}
		if _, err := remoteMunmap(t, loc, m.Start, m.Size()); err != nil {
			return err
		}
	}
	return nil
}

// survivingSpecialMaps returns the subset of maps hollow leaves in
// place (the kernel-managed special maps), the starting contents of
// the acceptor's live address-range index.
func survivingSpecialMaps(maps []procmap.MapRange) []procmap.MapRange {
	var special []procmap.MapRange
	for _, m := range maps {
		if m.Size() > 0 && m.IsSpecialKernelMap() {
			special = append(special, m)
		}
	}
	return special
}

// replay consumes commands from in until ResumeWithRegisters, applying
// each to the victim via the remote-syscall executor.
func replay(t *ptrace.Thread, loc *ptrace.SyscallLoc, syscallOffset uintptr, in *wire.Reader, passToChild int32, idx *procmap.Index) error {
	for {
		tag, err := in.ReadTag()
		if err != nil {
			return err
		}
		switch tag {
		case wire.TagProcessState:
			target, err := in.ReadProcessState()
			if err != nil {
				return err
			}
			if err := restoreBrk(t, *loc, target); err != nil {
				return err
			}

		case wire.TagRemap:
			name, addr, size, err := in.ReadRemap()
			if err != nil {
				return err
			}
			if err := applyRemap(t, loc, syscallOffset, name, addr, size, idx); err != nil {
				return err
			}

		case wire.TagMapping:
			h, err := in.ReadMappingHeader()
			if err != nil {
				return err
			}
			if err := applyMapping(t, *loc, h, in, idx); err != nil {
				return err
			}

		case wire.TagFileDescriptors:
			cm, err := in.ReadFileDescriptors()
			if err != nil {
				return err
			}
			applyFileDescriptors(t, *loc, cm)

		case wire.TagResumeWithRegisters:
			length, err := in.ReadResumeWithRegistersHeader()
			if err != nil {
				return err
			}
			buf := make([]byte, length)
			if _, err := io.ReadFull(in.Raw(), buf); err != nil {
				return &telerr.IOError{Op: "read register payload", Err: err}
			}
			return applyResume(t, buf, passToChild)

		default:
			return &telerr.FramingError{Reason: fmt.Sprintf("unexpected tag %v", tag)}
		}
	}
}

// warmUp single-steps the victim a fixed number of times before
// detaching (10000 steps by default), with no documented rationale
// beyond "warm-up before detach"; treated here as an implementation
// detail to reproduce rather than a behavior to justify or remove.
// Step failures are logged and abort the warm-up early but are not
// fatal to Accept, since this phase is best-effort.
func warmUp(t *ptrace.Thread, loc ptrace.SyscallLoc, steps int) {
	_ = loc
	for i := 0; i < steps; i++ {
		if err := t.SingleStep(); err != nil {
			log.WithError(err).WithField("step", i).Debug("warm-up single-step loop ended early")
			return
		}
	}
}
