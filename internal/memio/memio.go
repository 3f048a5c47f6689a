// Package memio moves bulk memory between a traced process's address
// space and an io.Writer/io.Reader: the bytes of a regular mapping,
// streamed page-batched rather than one page at a time, via
// process_vm_readv/process_vm_writev.
//
// Grounded on pkg/sentry/platform/ptrace address-space I/O (same two
// syscalls, used there to service the sentry's own memory accesses)
// and on a chunked read_process_memory/write_process_memory style
// helper that batches pages into a single vector rather than issuing
// one process_vm_readv per page.
package memio

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/thundergolfer-labs/telefork/internal/ptrace"
	"github.com/thundergolfer-labs/telefork/internal/telemetry"
	"github.com/thundergolfer-labs/telefork/internal/telerr"
)

// ChunkSize is the unit of transfer used by StreamOut/StreamIn: large
// enough to amortize the per-syscall overhead of process_vm_readv and
// process_vm_writev over many pages, small enough to keep memory usage
// for a single transfer bounded.
const ChunkSize = 64 * ptrace.PageSize

// StreamOut copies size bytes starting at addr in pid's address space
// to w, in ChunkSize-sized pieces, and returns the number of bytes
// copied.
func StreamOut(pid int32, addr uintptr, size uintptr, w io.Writer) (int64, error) {
	buf := make([]byte, ChunkSize)
	var total int64
	for remaining := size; remaining > 0; {
		n := uintptr(len(buf))
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if err := readRemote(pid, addr, chunk); err != nil {
			return total, err
		}
		written, err := w.Write(chunk)
		if err != nil {
			return total, &telerr.IOError{Op: "stream-out write", Err: err}
		}
		if uintptr(written) != n {
			return total, &telerr.IOError{Op: "stream-out write", Err: io.ErrShortWrite}
		}
		total += int64(n)
		addr += n
		remaining -= n
	}
	telemetry.BytesStreamed.WithLabelValues("out").Add(float64(total))
	return total, nil
}

// StreamIn copies size bytes from r into pid's address space starting
// at addr, in ChunkSize-sized pieces, and returns the number of bytes
// copied.
func StreamIn(pid int32, addr uintptr, size uintptr, r io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var total int64
	for remaining := size; remaining > 0; {
		n := uintptr(len(buf))
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return total, &telerr.IOError{Op: "stream-in read", Err: err}
		}
		if err := writeRemote(pid, addr, chunk); err != nil {
			return total, err
		}
		total += int64(n)
		addr += n
		remaining -= n
	}
	telemetry.BytesStreamed.WithLabelValues("in").Add(float64(total))
	return total, nil
}

// WriteBytes writes buf directly into pid's address space at addr, for
// callers that already have the bytes in hand (e.g. staging a
// pathname for a remote open()) rather than draining an io.Reader.
func WriteBytes(pid int32, addr uintptr, buf []byte) error {
	return writeRemote(pid, addr, buf)
}

// ReadBytes reads len(buf) bytes from pid's address space at addr
// directly into buf.
func ReadBytes(pid int32, addr uintptr, buf []byte) error {
	return readRemote(pid, addr, buf)
}

func readRemote(pid int32, addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	n, err := unix.ProcessVMReadv(int(pid), local, remote, 0)
	if err != nil {
		return &telerr.IOError{Op: "process_vm_readv", Err: err}
	}
	if n != len(buf) {
		return &telerr.IOError{Op: "process_vm_readv", Err: io.ErrUnexpectedEOF}
	}
	return nil
}

func writeRemote(pid int32, addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	n, err := unix.ProcessVMWritev(int(pid), local, remote, 0)
	if err != nil {
		return &telerr.IOError{Op: "process_vm_writev", Err: err}
	}
	if n != len(buf) {
		return &telerr.IOError{Op: "process_vm_writev", Err: io.ErrShortWrite}
	}
	return nil
}
