package telecfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.JankyVDSOTeleport)
	assert.Equal(t, 10000, cfg.DetachStepCount)
	assert.Equal(t, ".", cfg.DefaultImageDir)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telefork.toml")
	contents := "janky_vdso_teleport = true\ndetach_step_count = 50\ndefault_image_dir = \"/var/tmp\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.JankyVDSOTeleport)
	assert.Equal(t, 50, cfg.DetachStepCount)
	assert.Equal(t, "/var/tmp", cfg.DefaultImageDir)
}
