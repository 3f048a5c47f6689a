package ptrace

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/thundergolfer-labs/telefork/internal/telerr"
)

// RegsSize is the length of the raw register bundle exchanged on the
// wire, fixed by the layout of unix.PtraceRegs on this platform (this
// package only builds linux/amd64).
const RegsSize = int(unsafe.Sizeof(unix.PtraceRegs{}))

// EncodeRegs splats regs into its raw, platform-defined byte layout —
// the opaque register payload carried on the wire. Both sides of a
// session must be built from the same architecture and the same
// unix.PtraceRegs definition; this package makes no attempt at
// cross-build portability.
func EncodeRegs(regs *unix.PtraceRegs) []byte {
	b := (*[RegsSize]byte)(unsafe.Pointer(regs))
	out := make([]byte, RegsSize)
	copy(out, b[:])
	return out
}

// DecodeRegs is the inverse of EncodeRegs.
func DecodeRegs(b []byte) (*unix.PtraceRegs, error) {
	if len(b) != RegsSize {
		return nil, &telerr.FramingError{Reason: "register payload length does not match this build's PtraceRegs layout"}
	}
	var regs unix.PtraceRegs
	dst := (*[RegsSize]byte)(unsafe.Pointer(&regs))
	copy(dst[:], b)
	return &regs, nil
}
