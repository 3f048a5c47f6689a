//go:build linux && amd64

package ptrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEncodeDecodeRegsRoundTrip(t *testing.T) {
	regs := unix.PtraceRegs{
		Rip: 0x555555554000,
		Rsp: 0x7ffeeeeee000,
		Rax: 42,
		Rdi: 0x1,
	}

	encoded := EncodeRegs(&regs)
	assert.Len(t, encoded, RegsSize)

	decoded, err := DecodeRegs(encoded)
	require.NoError(t, err)
	assert.Equal(t, regs, *decoded)
}

func TestDecodeRegsRejectsWrongLength(t *testing.T) {
	_, err := DecodeRegs(make([]byte, RegsSize-1))
	assert.Error(t, err)
}

func TestLocateSyscallInstrFindsFirstOccurrence(t *testing.T) {
	buf := make([]byte, PageSize)
	buf[100] = 0x0f
	buf[101] = 0x05
	buf[4000] = 0x0f
	buf[4001] = 0x05

	idx, err := locateSyscallInstr(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, idx)
}

func TestLocateSyscallInstrFailsWhenAbsent(t *testing.T) {
	buf := make([]byte, PageSize)
	_, err := locateSyscallInstr(buf)
	assert.Error(t, err)
}
