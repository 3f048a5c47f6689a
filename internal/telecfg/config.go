// Package telecfg loads operator-tunable knobs that are not sensible
// as per-invocation flags: the vDSO teleport toggle, the post-restore
// diagnostic step count, and the default image directory.
//
// This package registers no flags. The CLI's -image-path flag takes
// precedence over default_image_dir, mirroring the flags-over-file
// layering runsc itself uses for its own config; the other knobs have
// no flag.
package telecfg

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the operator-tunable knobs of the engine.
type Config struct {
	// JankyVDSOTeleport, when true, treats [vdso] as a regular mapping
	// and streams its bytes instead of emitting a Remap directive. This
	// is the runtime equivalent of a JANKY_VDSO_TELEPORT compile-time
	// toggle: it can make a checkpoint portable across kernels with
	// incompatible vDSO layouts at the risk of the teleported vDSO not
	// matching the destination kernel ABI.
	JankyVDSOTeleport bool `toml:"janky_vdso_teleport"`

	// DetachStepCount is the number of single-steps the acceptor takes
	// as a diagnostic warm-up before detaching; not required for
	// correctness. Default 10000.
	DetachStepCount int `toml:"detach_step_count"`

	// DefaultImageDir is used by the CLI when no explicit path is given
	// to the dump or restore subcommand.
	DefaultImageDir string `toml:"default_image_dir"`
}

// Default returns the configuration used when no file is loaded.
func Default() Config {
	return Config{
		JankyVDSOTeleport: false,
		DetachStepCount:   10000,
		DefaultImageDir:   ".",
	}
}

// Load reads a TOML config file at path, overlaying it onto Default().
// A missing file is not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
