package fdscan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanOwnProcessClassifiesStandardDescriptors(t *testing.T) {
	cm, err := Scan(int32(os.Getpid()))
	require.NoError(t, err)

	for fd := 0; fd <= 2; fd++ {
		d, ok := cm[fd]
		if !ok {
			continue // a descriptor 0-2 may be legitimately closed under `go test`
		}
		assert.Equal(t, KindStandard, d.Kind, "fd %d must be Standard when present", fd)
	}
}

func TestScanOwnProcessFindsOpenRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fdscan-target")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Seek(4, 0)
	require.NoError(t, err)

	cm, err := Scan(int32(os.Getpid()))
	require.NoError(t, err)

	d, ok := cm[int(f.Fd())]
	require.True(t, ok, "expected scan to find fd %d", f.Fd())
	assert.Equal(t, KindRegularFile, d.Kind)
	assert.Equal(t, path, d.Pathname)
	assert.Equal(t, int64(4), d.Offset)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "regular", KindRegularFile.String())
	assert.Equal(t, "directory", KindDirectory.String())
	assert.Equal(t, "socket", KindSocket.String())
	assert.Equal(t, "standard", KindStandard.String())
	assert.Equal(t, "invalid", KindInvalid.String())
}
