// Package ptrace implements the frozen-fork primitive and the
// remote-syscall executor: a debugger-style control channel used to
// puppet system calls inside another process by seizing its
// instruction pointer and registers, single-stepping a known syscall
// instruction, and reading back the result.
//
// Grounded on pkg/sentry/platform/ptrace/subprocess_linux.go (stub
// creation, signal masking discipline around fork) and on the
// pendulm/fileflip pkg/ptrace package (the getregs/setregs/single-step/
// readregs remote-syscall dance), adapted to a simpler single-step-
// through-a-known-instruction model rather than a PTRACE_SYSCALL
// interception loop.
package ptrace

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/thundergolfer-labs/telefork/internal/telemetry"
	"github.com/thundergolfer-labs/telefork/internal/telerr"
)

// Thread is a single traced process, stopped and available for
// register/memory inspection and mutation.
//
// Invariant: a Thread is not reentrant. Callers must not issue a
// second RemoteSyscall (or Wait) while one is already in flight for
// the same pid.
type Thread struct {
	Pid int32
	log *logrus.Entry
}

// New wraps an already-stopped, already-traced pid.
func New(pid int32) *Thread {
	return &Thread{Pid: pid, log: logrus.WithField("pid", pid)}
}

// Wait blocks until the thread changes state, retrying EINTR with a
// short exponential backoff (transient, not an engine-level failure).
func (t *Thread) Wait() (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	op := func() error {
		_, err := unix.Wait4(int(t.Pid), &ws, 0, nil)
		if err == unix.EINTR {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return ws, &telerr.TraceError{Op: "wait4", Err: err}
	}
	return ws, nil
}

// WaitStopped waits for the thread to stop with exactly sig, which is
// the handshake Attach and FrozenFork use to confirm a
// freshly forked/attached process is parked on SIGSTOP.
func (t *Thread) WaitStopped(sig unix.Signal) error {
	ws, err := t.Wait()
	if err != nil {
		return err
	}
	if !ws.Stopped() || ws.StopSignal() != sig {
		return &telerr.TraceError{Op: "wait-stopped", Err: fmt.Errorf("expected stop on %v, got %v", sig, ws)}
	}
	return nil
}

// Attach enrolls an already-running process as a trace subject.
func (t *Thread) Attach() error {
	if err := unix.PtraceAttach(int(t.Pid)); err != nil {
		return &telerr.TraceError{Op: "attach", Err: err}
	}
	return t.WaitStopped(unix.SIGSTOP)
}

// Detach releases the thread to run freely, untraced.
func (t *Thread) Detach() error {
	if err := unix.PtraceDetach(int(t.Pid)); err != nil {
		return &telerr.TraceError{Op: "detach", Err: err}
	}
	return nil
}

// Kill sends an unconditional SIGKILL, used by the emitter to dispose
// of the frozen donor child once its state has been fully streamed.
func (t *Thread) Kill() error {
	if err := unix.Kill(int(t.Pid), unix.SIGKILL); err != nil {
		return &telerr.TraceError{Op: "kill", Err: err}
	}
	return nil
}

// GetRegs snapshots the thread's general-purpose and segment registers.
func (t *Thread) GetRegs() (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(t.Pid), &regs); err != nil {
		return nil, &telerr.TraceError{Op: "getregs", Err: err}
	}
	return &regs, nil
}

// SetRegs overwrites the thread's registers.
func (t *Thread) SetRegs(regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(int(t.Pid), regs); err != nil {
		return &telerr.TraceError{Op: "setregs", Err: err}
	}
	return nil
}

// SingleStep advances the thread by exactly one instruction and waits
// for the resulting SIGTRAP. This is how a syscall instruction staged
// at the instruction pointer is actually executed.
func (t *Thread) SingleStep() error {
	if err := unix.PtraceSingleStep(int(t.Pid)); err != nil {
		return &telerr.TraceError{Op: "singlestep", Err: err}
	}
	ws, err := t.Wait()
	if err != nil {
		return err
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		return &telerr.TraceError{Op: "singlestep", Err: fmt.Errorf("expected SIGTRAP, got %v", ws)}
	}
	return nil
}

// ReadMemPage reads exactly len(buf) bytes (<= one page in practice)
// from the thread's address space at addr, via process_vm_readv. This
// is used only by the syscall-instruction locator in this package; the
// bulk cross-process memory mover lives in internal/memio.
func (t *Thread) ReadMemPage(addr uintptr, buf []byte) error {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	n, err := unix.ProcessVMReadv(int(t.Pid), local, remote, 0)
	if err != nil {
		return &telerr.IOError{Op: "process_vm_readv", Err: err}
	}
	if n != len(buf) {
		return &telerr.IOError{Op: "process_vm_readv", Err: fmt.Errorf("short read: got %d want %d", n, len(buf))}
	}
	return nil
}

// SyscallLoc is a victim-space address previously verified to contain
// the two-byte x86-64 syscall instruction 0F 05.
type SyscallLoc uintptr

// syscallName is used only to label the remote-syscall metric.
var syscallName = map[uintptr]string{
	unix.SYS_BRK:    "brk",
	unix.SYS_MMAP:   "mmap",
	unix.SYS_MUNMAP: "munmap",
	unix.SYS_MREMAP: "mremap",
	unix.SYS_OPEN:   "open",
	unix.SYS_DUP2:   "dup2",
	unix.SYS_LSEEK:  "lseek",
}

// RemoteSyscall invokes an arbitrary system call as the traced thread,
// following the Linux x86-64 calling convention (rdi, rsi, rdx, r10,
// r8, r9). It is a mini-interpreter: snapshot registers, overwrite
// only the ones germane to the call, single-step, read back rax.
func (t *Thread) RemoteSyscall(loc SyscallLoc, nr uintptr, args ...uintptr) (uintptr, error) {
	if len(args) > 6 {
		return 0, &telerr.RemoteSyscallError{Nr: nr, Op: "invoke", Err: fmt.Errorf("too many arguments: %d", len(args))}
	}

	saved, err := t.GetRegs()
	if err != nil {
		return 0, err
	}
	regs := *saved
	regs.Rip = uint64(loc)
	regs.Orig_rax = uint64(nr)
	regs.Rax = uint64(nr)

	argRegs := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	for i, a := range args {
		*argRegs[i] = uint64(a)
	}

	if err := t.SetRegs(&regs); err != nil {
		return 0, err
	}
	if err := t.SingleStep(); err != nil {
		return 0, err
	}
	result, err := t.GetRegs()
	if err != nil {
		return 0, err
	}

	if name, ok := syscallName[nr]; ok {
		telemetry.RemoteSyscalls.WithLabelValues(name).Inc()
	}

	// Put back the registers staged for this call (rip, orig_rax and
	// the argument registers), so that a sequence of remote syscalls
	// composes cleanly: each call starts from the thread's true current
	// state, not leftover syscall-staging values. rax keeps the return
	// value; rcx and r11, which the syscall instruction itself
	// overwrites, stay as the kernel left them.
	restored := *result
	restored.Rip = saved.Rip
	restored.Orig_rax = saved.Orig_rax
	restored.Rdi = saved.Rdi
	restored.Rsi = saved.Rsi
	restored.Rdx = saved.Rdx
	restored.R10 = saved.R10
	restored.R8 = saved.R8
	restored.R9 = saved.R9
	if err := t.SetRegs(&restored); err != nil {
		return 0, err
	}

	return uintptr(result.Rax), nil
}
