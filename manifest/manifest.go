// Package manifest handles dxjit.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/dxjit/aot"
	"github.com/chazu/dxjit/jit"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "dxjit.toml"

// Manifest represents a dxjit.toml configuration.
type Manifest struct {
	JIT JITSection `toml:"jit"`
	AOT AOTSection `toml:"aot"`
	Log LogSection `toml:"log"`

	// Dir is the directory containing the dxjit.toml file (set at load time).
	// Empty for a manifest built by Default.
	Dir string `toml:"-"`
}

// JITSection configures tier promotion.
type JITSection struct {
	Enabled                   bool   `toml:"enabled"`
	BaselineThreshold         uint64 `toml:"baseline-threshold"`
	OptimizingThreshold       uint64 `toml:"optimizing-threshold"`
	AOTThreshold              uint64 `toml:"aot-threshold"`
	MaxDeopts                 uint64 `toml:"max-deopts"`
	SpecializeMaxPolymorphism int    `toml:"specialize-max-polymorphism"`
	LogCompilation            bool   `toml:"log-compilation"`
	ProfileSeeds              string `toml:"profile-seeds"`
}

// AOTSection configures the persistent code cache.
type AOTSection struct {
	CacheDir string `toml:"cache-dir"`
}

// LogSection configures diagnostics.
type LogSection struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no dxjit.toml exists.
func Default() *Manifest {
	d := jit.DefaultConfig()
	return &Manifest{
		JIT: JITSection{
			Enabled:                   d.Enabled,
			BaselineThreshold:         d.BaselineThreshold,
			OptimizingThreshold:       d.OptimizingThreshold,
			AOTThreshold:              d.AOTThreshold,
			MaxDeopts:                 d.MaxDeopts,
			SpecializeMaxPolymorphism: d.SpecializeMaxPolymorphism,
			LogCompilation:            d.LogCompilation,
		},
	}
}

// Load parses a dxjit.toml file from the given directory. Keys missing from
// the file keep their defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a dxjit.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) validate() error {
	j := m.JIT
	if j.BaselineThreshold > 0 && j.OptimizingThreshold > 0 && j.OptimizingThreshold < j.BaselineThreshold {
		return fmt.Errorf("optimizing-threshold %d below baseline-threshold %d", j.OptimizingThreshold, j.BaselineThreshold)
	}
	if j.OptimizingThreshold > 0 && j.AOTThreshold > 0 && j.AOTThreshold < j.OptimizingThreshold {
		return fmt.Errorf("aot-threshold %d below optimizing-threshold %d", j.AOTThreshold, j.OptimizingThreshold)
	}
	if j.SpecializeMaxPolymorphism < 0 {
		return fmt.Errorf("specialize-max-polymorphism must not be negative")
	}
	return nil
}

// JITConfig converts the [jit] section into a promotion policy.
func (m *Manifest) JITConfig() jit.Config {
	return jit.Config{
		Enabled:                   m.JIT.Enabled,
		BaselineThreshold:         m.JIT.BaselineThreshold,
		OptimizingThreshold:       m.JIT.OptimizingThreshold,
		AOTThreshold:              m.JIT.AOTThreshold,
		MaxDeopts:                 m.JIT.MaxDeopts,
		SpecializeMaxPolymorphism: m.JIT.SpecializeMaxPolymorphism,
		LogCompilation:            m.JIT.LogCompilation,
	}
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// CacheDir returns the configured cache directory, or "" for the platform
// default.
func (m *Manifest) CacheDir() string {
	return m.resolve(m.AOT.CacheDir)
}

// SeedsPath returns the configured profile seed file, or "" if none.
func (m *Manifest) SeedsPath() string {
	return m.resolve(m.JIT.ProfileSeeds)
}

// OpenCache opens the AOT cache at the configured location.
func (m *Manifest) OpenCache() (*aot.Cache, error) {
	return aot.Open(m.CacheDir())
}

// NewTieredCompiler builds an orchestrator from the [jit] section and
// preloads profile seeds if a seed file is configured.
func (m *Manifest) NewTieredCompiler(baseline jit.Backend, optimizing jit.OptimizingBackend) (*jit.TieredCompiler, error) {
	tc := jit.NewTieredCompiler(m.JITConfig(), baseline, optimizing)
	if path := m.SeedsPath(); path != "" {
		if err := tc.Profiler().LoadSeedsFile(path); err != nil {
			return nil, err
		}
	}
	return tc, nil
}

// ConfigureLogging applies the [log] section. A non-empty path sends log
// output to that file instead of stderr.
func (m *Manifest) ConfigureLogging(path string) {
	if path == "" {
		commonlog.Configure(m.Log.Verbosity, nil)
		return
	}
	commonlog.Configure(m.Log.Verbosity, &path)
}
