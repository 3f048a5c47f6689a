package ptrace

import (
	"bytes"

	"github.com/thundergolfer-labs/telefork/internal/telerr"
)

// PageSize is the x86-64 page size assumed throughout the engine.
const PageSize = 4096

var syscallInstr = []byte{0x0f, 0x05}

// FindSyscall scans the first page at addr in the traced thread for
// the two-byte x86-64 syscall instruction (0F 05) and returns a
// SyscallLoc pointing at its first occurrence. Any mapped page
// containing at least one such byte pair works; the vDSO's first page
// reliably contains one on every Linux build observed.
func (t *Thread) FindSyscall(addr uintptr) (SyscallLoc, error) {
	buf := make([]byte, PageSize)
	if err := t.ReadMemPage(addr, buf); err != nil {
		return 0, err
	}
	idx, err := locateSyscallInstr(buf)
	if err != nil {
		return 0, err
	}
	return SyscallLoc(addr + uintptr(idx)), nil
}

// locateSyscallInstr returns the offset of the first 0F 05 byte pair
// in buf, split out from FindSyscall so it is testable without a real
// traced process.
func locateSyscallInstr(buf []byte) (int, error) {
	idx := bytes.Index(buf, syscallInstr)
	if idx < 0 {
		return 0, &telerr.CapabilityError{Reason: "no syscall instruction found in page"}
	}
	return idx, nil
}
