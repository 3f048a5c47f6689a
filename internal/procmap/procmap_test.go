package procmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMapLineRegularFile(t *testing.T) {
	m, err := parseMapLine("55e3a1234000-55e3a1235000 r-xp 00000000 08:01 1234 /usr/bin/foo")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x55e3a1234000), m.Start)
	assert.Equal(t, uintptr(0x55e3a1235000), m.End)
	assert.True(t, m.Readable)
	assert.False(t, m.Writable)
	assert.True(t, m.Executable)
	assert.False(t, m.Shared)
	assert.Equal(t, "/usr/bin/foo", m.Pathname)
	assert.Equal(t, uintptr(0x1000), m.Size())
}

func TestParseMapLineAnonymous(t *testing.T) {
	m, err := parseMapLine("7f0000000000-7f0000021000 rw-p 00000000 00:00 0 ")
	require.NoError(t, err)
	assert.False(t, m.HasName())
	assert.True(t, m.Readable)
	assert.True(t, m.Writable)
	assert.False(t, m.Executable)
}

func TestParseMapLineSpecialKernelMap(t *testing.T) {
	m, err := parseMapLine("7ffe00000000-7ffe00001000 r-xp 00000000 00:00 0                          [vdso]")
	require.NoError(t, err)
	assert.True(t, m.IsSpecialKernelMap())
	assert.Equal(t, "[vdso]", m.Pathname)
}

func TestParseMapLineMalformed(t *testing.T) {
	_, err := parseMapLine("not a maps line")
	assert.Error(t, err)
}

func TestIsSkippable(t *testing.T) {
	notReadable := MapRange{Start: 0x1000, End: 0x2000, Readable: false}
	assert.True(t, notReadable.IsSkippable())

	zeroSized := MapRange{Start: 0x1000, End: 0x1000, Readable: true}
	assert.True(t, zeroSized.IsSkippable())

	regular := MapRange{Start: 0x1000, End: 0x2000, Readable: true}
	assert.False(t, regular.IsSkippable())
}

func TestPartitionSeparatesSpecialFromRegular(t *testing.T) {
	maps := []MapRange{
		{Start: 0x1000, End: 0x2000, Readable: true, Pathname: "[vdso]"},
		{Start: 0x2000, End: 0x3000, Readable: true, Pathname: "[heap]"},
		{Start: 0x3000, End: 0x3000, Readable: true, Pathname: "skipped-zero-size"},
		{Start: 0x4000, End: 0x5000, Readable: false, Pathname: "skipped-unreadable"},
		{Start: 0x5000, End: 0x6000, Readable: true, Pathname: "[vvar]"},
	}

	special, regular := Partition(maps, false)
	require.Len(t, special, 2)
	assert.Equal(t, "[vdso]", special[0].Pathname)
	assert.Equal(t, "[vvar]", special[1].Pathname)
	require.Len(t, regular, 1)
	assert.Equal(t, "[heap]", regular[0].Pathname)
}

func TestPartitionJankyVDSOTeleportTreatsVDSOAsRegular(t *testing.T) {
	maps := []MapRange{
		{Start: 0x1000, End: 0x2000, Readable: true, Pathname: "[vdso]"},
		{Start: 0x2000, End: 0x3000, Readable: true, Pathname: "[vvar]"},
	}

	special, regular := Partition(maps, true)
	require.Len(t, special, 1)
	assert.Equal(t, "[vvar]", special[0].Pathname)
	require.Len(t, regular, 1)
	assert.Equal(t, "[vdso]", regular[0].Pathname)
}

func TestDebugDump(t *testing.T) {
	out := DebugDump([]MapRange{
		{Start: 0x1000, End: 0x2000, Readable: true, Executable: true, Pathname: "/usr/bin/foo"},
		{Start: 0x5000, End: 0x6000, Readable: true, Writable: true, Pathname: "[heap]"},
	})
	assert.Contains(t, out, "000000001000-000000002000 r-x /usr/bin/foo")
	assert.Contains(t, out, "000000005000-000000006000 rw- [heap]")
}

func TestIndexOverlaps(t *testing.T) {
	idx := NewIndex([]MapRange{
		{Start: 0x1000, End: 0x2000},
		{Start: 0x5000, End: 0x6000},
	})

	if _, hit := idx.Overlaps(0x1800, 0x100); !hit {
		t.Fatal("expected overlap with [0x1000, 0x2000)")
	}
	if _, hit := idx.Overlaps(0x3000, 0x100); hit {
		t.Fatal("expected no overlap in the gap")
	}

	idx.Reset([]MapRange{{Start: 0x3000, End: 0x4000}})
	if _, hit := idx.Overlaps(0x1800, 0x100); hit {
		t.Fatal("expected Reset to drop prior entries")
	}
	if _, hit := idx.Overlaps(0x3500, 0x10); !hit {
		t.Fatal("expected overlap after Reset")
	}
}
