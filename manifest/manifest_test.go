package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/dxjit/jit"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[jit]
enabled = true
baseline-threshold = 50
optimizing-threshold = 500
aot-threshold = 5000
max-deopts = 3
specialize-max-polymorphism = 2
log-compilation = true
profile-seeds = ".dxjit/seeds.cbor"

[aot]
cache-dir = "cache"

[log]
verbosity = 2
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := m.JITConfig()
	if !cfg.Enabled {
		t.Error("enabled = false, want true")
	}
	if cfg.BaselineThreshold != 50 || cfg.OptimizingThreshold != 500 || cfg.AOTThreshold != 5000 {
		t.Errorf("thresholds = %d/%d/%d, want 50/500/5000",
			cfg.BaselineThreshold, cfg.OptimizingThreshold, cfg.AOTThreshold)
	}
	if cfg.MaxDeopts != 3 {
		t.Errorf("max-deopts = %d, want 3", cfg.MaxDeopts)
	}
	if cfg.SpecializeMaxPolymorphism != 2 {
		t.Errorf("specialize-max-polymorphism = %d, want 2", cfg.SpecializeMaxPolymorphism)
	}
	if !cfg.LogCompilation {
		t.Error("log-compilation = false, want true")
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", m.Log.Verbosity)
	}

	abs, _ := filepath.Abs(dir)
	if got := m.CacheDir(); got != filepath.Join(abs, "cache") {
		t.Errorf("CacheDir = %q", got)
	}
	if got := m.SeedsPath(); got != filepath.Join(abs, ".dxjit", "seeds.cbor") {
		t.Errorf("SeedsPath = %q", got)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[log]
verbosity = 1
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got, want := m.JITConfig(), jit.DefaultConfig(); got != want {
		t.Errorf("JITConfig = %+v, want defaults %+v", got, want)
	}
	if m.CacheDir() != "" {
		t.Errorf("CacheDir = %q, want platform default", m.CacheDir())
	}
	if m.SeedsPath() != "" {
		t.Errorf("SeedsPath = %q, want none", m.SeedsPath())
	}
}

func TestLoadManifestDisabled(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[jit]\nenabled = false\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.JITConfig().Enabled {
		t.Error("explicit enabled = false was overridden by the default")
	}
	if m.JITConfig().BaselineThreshold != jit.DefaultBaselineThreshold {
		t.Error("unset threshold lost its default")
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[jit\n", "parse error"},
		{"unknown key", "[jit]\nturbo = true\n", "unknown key"},
		{"wrong type", "[jit]\nbaseline-threshold = \"many\"\n", "parse error"},
		{"threshold order", "[jit]\nbaseline-threshold = 100\noptimizing-threshold = 10\n", "below baseline"},
		{"aot order", "[jit]\noptimizing-threshold = 100\naot-threshold = 10\n", "below optimizing"},
		{"negative polymorphism", "[jit]\nspecialize-max-polymorphism = -1\n", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without dxjit.toml succeeded")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[aot]\ncache-dir = \"/var/cache/dxjit\"\n")

	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil, expected manifest")
	}
	abs, _ := filepath.Abs(root)
	if m.Dir != abs {
		t.Errorf("manifest dir = %q, want %q", m.Dir, abs)
	}
	if m.CacheDir() != "/var/cache/dxjit" {
		t.Errorf("absolute cache-dir rewritten to %q", m.CacheDir())
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("FindAndLoad should return nil when no manifest exists")
	}
}

func TestOpenCache(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[aot]\ncache-dir = \"aot-cache\"\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := m.OpenCache()
	if err != nil {
		t.Fatal(err)
	}
	if c.Root() != m.CacheDir() {
		t.Errorf("cache root = %q, want %q", c.Root(), m.CacheDir())
	}
	if _, err := os.Stat(c.Root()); err != nil {
		t.Errorf("cache root not created: %v", err)
	}
}

func TestNewTieredCompilerLoadsSeeds(t *testing.T) {
	dir := t.TempDir()
	seeds := filepath.Join(dir, "seeds.cbor")

	src := jit.NewTieredCompiler(jit.DefaultConfig(), nil, nil)
	for i := 0; i < 150; i++ {
		src.OnFunctionCall(1, &jit.CodeObject{Name: "hot"})
	}
	if err := src.Profiler().SaveSeedsFile(seeds); err != nil {
		t.Fatal(err)
	}

	writeManifest(t, dir, "[jit]\nprofile-seeds = \"seeds.cbor\"\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	tc, err := m.NewTieredCompiler(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := tc.Profiler().Seeds()["hot"].Calls; got != 150 {
		t.Errorf("seeded calls = %d, want 150", got)
	}
}

func TestNewTieredCompilerMissingSeeds(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[jit]\nprofile-seeds = \"none.cbor\"\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.NewTieredCompiler(nil, nil); err != nil {
		t.Errorf("missing seed file should be ignored: %v", err)
	}
}
