// Package telerr defines the distinguishable error kinds of the
// checkpoint/restore engine, so that callers can decide retry/abort
// policy with errors.As instead of string matching.
package telerr

import "fmt"

// TraceError wraps a failure from fork, ptrace attach/traceme, getregs,
// setregs, single-step, or wait.
type TraceError struct {
	Op  string
	Err error
}

func (e *TraceError) Error() string { return fmt.Sprintf("trace: %s: %v", e.Op, e.Err) }
func (e *TraceError) Unwrap() error  { return e.Err }

// RemoteSyscallError wraps a remote syscall that returned a negative
// value, a fixed-address mmap that landed elsewhere, or an unexpected
// return value (e.g. dup2/lseek not returning the requested fd/offset).
type RemoteSyscallError struct {
	Nr  uintptr
	Op  string
	Err error
}

func (e *RemoteSyscallError) Error() string {
	return fmt.Sprintf("remote syscall %d (%s): %v", e.Nr, e.Op, e.Err)
}
func (e *RemoteSyscallError) Unwrap() error { return e.Err }

// IOError wraps a failure reading or writing the command channel, or
// accessing the proc filesystem.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("io: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error  { return e.Err }

// FramingError indicates a decoded command was structurally invalid.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return fmt.Sprintf("framing: %s", e.Reason) }

// CapabilityError indicates a required capability could not be located:
// no syscall instruction found, or no [vdso] map to search for one.
type CapabilityError struct {
	Reason string
}

func (e *CapabilityError) Error() string { return fmt.Sprintf("capability: %s", e.Reason) }
