package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thundergolfer-labs/telefork/internal/fdscan"
)

func TestProcessStateRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteProcessState(0xdeadbeef))

	r := NewReader(&buf)
	tag, err := r.ReadTag()
	require.NoError(t, err)
	assert.Equal(t, TagProcessState, tag)

	brk, err := r.ReadProcessState()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), brk)
}

func TestRemapRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteRemap("[vdso]", 0x7fff00001000, 0x1000))

	r := NewReader(&buf)
	tag, err := r.ReadTag()
	require.NoError(t, err)
	require.Equal(t, TagRemap, tag)

	name, addr, size, err := r.ReadRemap()
	require.NoError(t, err)
	assert.Equal(t, "[vdso]", name)
	assert.Equal(t, uint64(0x7fff00001000), addr)
	assert.Equal(t, uint64(0x1000), size)
}

func TestMappingHeaderRoundTripWithPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	header := MappingHeader{
		Pathname:   "[heap]",
		Readable:   true,
		Writable:   true,
		Executable: false,
		Addr:       0x600000,
		Size:       8192,
	}
	require.NoError(t, w.WriteMappingHeader(header))
	payload := bytes.Repeat([]byte{0xab}, int(header.Size))
	_, err := buf.Write(payload)
	require.NoError(t, err)

	r := NewReader(&buf)
	tag, err := r.ReadTag()
	require.NoError(t, err)
	require.Equal(t, TagMapping, tag)

	got, err := r.ReadMappingHeader()
	require.NoError(t, err)
	assert.Equal(t, header, got)

	gotPayload := make([]byte, header.Size)
	_, err = buf.Read(gotPayload)
	require.NoError(t, err)
	assert.Equal(t, payload, gotPayload)
}

func TestMappingHeaderRejectsUnalignedSize(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteMappingHeader(MappingHeader{Addr: 0x1000, Size: 100}))

	r := NewReader(&buf)
	_, err := r.ReadTag()
	require.NoError(t, err)
	_, err = r.ReadMappingHeader()
	assert.Error(t, err)
}

func TestFileDescriptorsRoundTrip(t *testing.T) {
	cm := fdscan.ConnectionMap{
		0: {FD: 0, Kind: fdscan.KindStandard},
		3: {FD: 3, Kind: fdscan.KindRegularFile, Pathname: "/tmp/data", Offset: 128},
		4: {FD: 4, Kind: fdscan.KindSocket, LocalAddr: "0.0.0.0:8080", RemoteAddr: ""},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFileDescriptors(cm))

	r := NewReader(&buf)
	tag, err := r.ReadTag()
	require.NoError(t, err)
	require.Equal(t, TagFileDescriptors, tag)

	got, err := r.ReadFileDescriptors()
	require.NoError(t, err)
	assert.Equal(t, cm, got)
}

func TestResumeWithRegistersHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteResumeWithRegistersHeader(27 * 8))
	regBytes := bytes.Repeat([]byte{0x42}, 27*8)
	_, err := buf.Write(regBytes)
	require.NoError(t, err)

	r := NewReader(&buf)
	tag, err := r.ReadTag()
	require.NoError(t, err)
	require.Equal(t, TagResumeWithRegisters, tag)

	length, err := r.ReadResumeWithRegistersHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(27*8), length)

	got := make([]byte, length)
	_, err = r.Raw().Read(got)
	require.NoError(t, err)
	assert.Equal(t, regBytes, got)
}

func TestReadTagRejectsUnknownByte(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0xff}))
	_, err := r.ReadTag()
	assert.Error(t, err)
}
