// Package telefork is the public programmatic contract of this
// checkpoint/restore engine: fork-and-stream the calling process, dump
// an external PID, accept an incoming stream into a freshly hollowed
// victim, and wait for a restored process to exit.
//
// Grounded on a telefork()/accept() style top-level entry point, and
// on the cmd/ package layout convention of keeping a thin public
// surface over internal/ machinery.
package telefork

import (
	"io"

	"github.com/thundergolfer-labs/telefork/internal/accept"
	"github.com/thundergolfer-labs/telefork/internal/emit"
	"github.com/thundergolfer-labs/telefork/internal/telecfg"
)

// Continuation distinguishes the two returns of Fork.
type Continuation int

const (
	// Parent is returned on the side that performed the emission.
	Parent Continuation = iota
	// Restored is returned in the process that Accept rebuilt from the
	// stream, once it resumes (see Fork's doc comment).
	Restored
)

// ForkResult is the two-continuation return value of Fork.
type ForkResult struct {
	Which Continuation
	// PassToChild is valid only when Which == Restored.
	PassToChild int32
}

// Fork implements emit-self(channel, pass_to_child): it forks a frozen
// clone of the calling process, streams the clone's complete state to
// w, and kills the clone. It returns ForkResult{Which: Parent} on the
// emitting side once streaming completes.
//
// The local clone is always killed once its state has been captured.
// The Restored arm is reached in a different process: the victim that
// Accept rebuilds from the stream (on this machine or another) carries
// the clone's memory and registers, so when it resumes it returns from
// this same Fork call with ForkResult{Which: Restored} and the
// passToChild value given to Accept. RoundTrip drives both sides on
// one machine through an in-process pipe.
func Fork(w io.Writer, cfg telecfg.Config) (ForkResult, error) {
	r, err := emit.Self(w, cfg)
	if err != nil {
		return ForkResult{}, err
	}
	if !r.IsParent {
		return ForkResult{Which: Restored, PassToChild: r.PassToChild}, nil
	}
	return ForkResult{Which: Parent}, nil
}

// PreCheckpointHook, when non-nil, is invoked with a donor's PID before
// DumpPID attaches to it. This is an extension seam, not a feature:
// quiescing GPU state before a checkpoint (e.g. by shelling out to
// `cuda-checkpoint --toggle --pid <pid>`) is out of scope for this
// package — callers who need that behavior can set this hook to invoke
// their own opaque subprocess by PID; this package never implements
// one itself.
var PreCheckpointHook func(pid int) error

// DumpPID implements emit-other(pid, channel, leave_running): streams
// the state of an already-running external process to w.
func DumpPID(pid int32, w io.Writer, leaveRunning bool, cfg telecfg.Config) error {
	if PreCheckpointHook != nil {
		if err := PreCheckpointHook(int(pid)); err != nil {
			return err
		}
	}
	return emit.DumpPID(pid, w, leaveRunning, cfg)
}

// Accept implements accept(channel, pass_to_child): obtains a frozen
// local victim, rebuilds it from the command stream read from r, and
// resumes it with passToChild in its syscall-return register. Returns
// the victim's PID.
func Accept(r io.Reader, passToChild int32, cfg telecfg.Config) (int32, error) {
	return accept.Accept(r, passToChild, cfg)
}

// WaitExit implements wait-exit(pid): blocks until pid exits and
// returns its exit code.
func WaitExit(pid int32) (int, error) {
	return accept.WaitExit(pid)
}
