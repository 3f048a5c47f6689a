//go:build linux && amd64

package ptrace

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/thundergolfer-labs/telefork/internal/telerr"
)

// ForkResult distinguishes the two continuations of FrozenFork: the
// caller, returning immediately once the child has parked on SIGSTOP,
// and the eventual resumption of the frozen child itself — which, for
// a donor-fork that is later streamed out and reconstituted on a
// victim, may not happen until an acceptor on a different machine has
// rebuilt the calling process's entire memory image and doctored this
// exact register set back into place: the suspension itself acts as
// the function's eventual return.
type ForkResult struct {
	// Parent is non-nil on the side that keeps running locally and
	// holds a trace handle on the frozen child.
	Parent *Thread
	// Woke is non-nil on the side that was the frozen child: the value
	// is whatever the resumer (normally internal/accept) placed in the
	// syscall-return register before resuming it.
	Woke *int32
}

// FrozenFork produces a frozen, traceable clone of the calling process.
// It returns to the caller with the child's pid only after observing
// the child stop on SIGSTOP; the child side arranges to die if the
// parent dies, enrolls itself as a trace subject, then raises SIGSTOP
// on itself.
//
// Grounded on a forkStub pattern (signal-masking discipline around the
// raw clone syscall, go:norace, pre-declared locals, no allocation
// between fork and the child's terminal syscall), adapted here so the
// frozen child IS the donor (traceme + raise(SIGSTOP)) rather than a
// minimal helper process execing a trampoline.
//
// Known limitation, not silently fixed: unlike a stub that never
// touches the Go runtime in the child by construction (because it execs
// a trampoline), this clones the entire calling process — the Go
// runtime's other OS threads are NOT carried into the child, since
// POSIX fork() semantics give the child exactly one thread, a copy of
// the calling one. Any lock the runtime held on another M at the
// instant of the fork is simply absent in the child, which is fine for
// the narrow window between here and raise(SIGSTOP) because that
// window performs no allocation and no channel/lock operations, but is
// NOT safe to rely on for general-purpose Go code running after
// resume. TLS and pid/tid caching in the restored process are not
// fixed up either.
func FrozenFork() (ForkResult, error) {
	runtime.LockOSThread()

	var (
		oldMask  unix.Sigset_t
		fullMask unix.Sigset_t
		pid      uintptr
		errno    unix.Errno
	)
	fullSigsetFill(&fullMask)

	unix.ForkLock.Lock()
	if err := rawSigprocmask(unix.SIG_SETMASK, &fullMask, &oldMask); err != nil {
		unix.ForkLock.Unlock()
		runtime.UnlockOSThread()
		return ForkResult{}, &telerr.TraceError{Op: "sigprocmask", Err: err}
	}

	pid, _, errno = unix.RawSyscall(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0)

	if errno != 0 {
		rawSigprocmask(unix.SIG_SETMASK, &oldMask, nil)
		unix.ForkLock.Unlock()
		runtime.UnlockOSThread()
		return ForkResult{}, &telerr.TraceError{Op: "clone", Err: errno}
	}

	if pid != 0 {
		// Parent: restore our signal mask and wait for the child to
		// enroll as a trace subject and stop itself.
		rawSigprocmask(unix.SIG_SETMASK, &oldMask, nil)
		unix.ForkLock.Unlock()
		runtime.UnlockOSThread()

		t := New(int32(pid))
		if err := t.WaitStopped(unix.SIGSTOP); err != nil {
			return ForkResult{}, err
		}
		return ForkResult{Parent: t}, nil
	}

	// Child: from here until raise(SIGSTOP), no allocation, no channel
	// or lock operation, no function call that might grow the stack —
	// only raw syscalls.
	var (
		raiseRet   uintptr
		raiseErrno unix.Errno
		self       uintptr
	)
	unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0)
	unix.RawSyscall(unix.SYS_PTRACE, unix.PTRACE_TRACEME, 0, 0)
	self, _, _ = unix.RawSyscall(unix.SYS_GETPID, 0, 0, 0)
	raiseRet, _, raiseErrno = unix.RawSyscall(unix.SYS_KILL, self, uintptr(unix.SIGSTOP), 0)

	// Execution resumes here only once an acceptor has rebuilt this
	// process's entire address space and registers and single-stepped
	// or continued it past this point, with whatever value it chose
	// sitting in rax for the kill() syscall above to "return". That
	// value, not anything computed before the stop, is what this
	// function actually returns on the frozen side: the register used
	// for syscall return values is the acceptor's hand-off channel.
	woke := int32(raiseRet)
	if raiseErrno != 0 {
		woke = -int32(raiseErrno)
	}
	return ForkResult{Woke: &woke}, nil
}

func fullSigsetFill(s *unix.Sigset_t) {
	b := (*[unsafe.Sizeof(unix.Sigset_t{})]byte)(unsafe.Pointer(s))
	for i := range b {
		b[i] = 0xff
	}
}

func rawSigprocmask(how int, set, oldset *unix.Sigset_t) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGPROCMASK, uintptr(how), uintptr(unsafe.Pointer(set)), uintptr(unsafe.Pointer(oldset)), unsafe.Sizeof(unix.Sigset_t{}), 0, 0)
	if errno != 0 {
		return fmt.Errorf("rt_sigprocmask: %w", errno)
	}
	return nil
}
