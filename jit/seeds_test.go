package jit

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestSeedsRoundTrip(t *testing.T) {
	tc := NewTieredCompiler(lowThresholds(), newTestBackend(), nil)
	code := goodCode("fib")
	for i := 0; i < 3; i++ {
		tc.OnFunctionCall(1, code)
	}
	tc.OnDeopt(1)

	var buf bytes.Buffer
	if err := tc.Profiler().SaveSeeds(&buf); err != nil {
		t.Fatalf("SaveSeeds: %v", err)
	}

	p := NewProfiler()
	if err := p.LoadSeeds(&buf); err != nil {
		t.Fatalf("LoadSeeds: %v", err)
	}
	fp := p.getOrCreate(99, "fib", 3, 0)
	if fp.CallCount() != 3 || fp.DeoptCount() != 1 {
		t.Errorf("seeded profile = calls %d deopts %d, want 3 and 1", fp.CallCount(), fp.DeoptCount())
	}

	// Unnamed and unknown functions start cold.
	if p.GetProfile(100, 0, 0).CallCount() != 0 {
		t.Error("unnamed profile picked up a seed")
	}
	if p.getOrCreate(101, "other", 0, 0).CallCount() != 0 {
		t.Error("unknown name picked up a seed")
	}
}

func TestSeedsWarmStartPromotesEarly(t *testing.T) {
	cfg := lowThresholds()
	cfg.BaselineThreshold = 10
	tc := NewTieredCompiler(cfg, newTestBackend(), nil)
	tc.Profiler().SetSeeds(map[string]Seed{"hot": {Calls: 9}})

	if _, ok := tc.OnFunctionCall(5, goodCode("hot")); !ok {
		t.Fatal("seeded function should compile on its first call")
	}
	if tc.GetTier(5) != BaselineJIT {
		t.Errorf("tier = %s, want baseline", tc.GetTier(5))
	}
}

func TestSeedsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles", "seeds.cbor")

	p := NewProfiler()
	if err := p.LoadSeedsFile(path); err != nil {
		t.Fatalf("missing seed file should be ignored: %v", err)
	}
	p.getOrCreate(1, "a", 0, 0).RecordCall()
	if err := p.SaveSeedsFile(path); err != nil {
		t.Fatalf("SaveSeedsFile: %v", err)
	}

	q := NewProfiler()
	if err := q.LoadSeedsFile(path); err != nil {
		t.Fatalf("LoadSeedsFile: %v", err)
	}
	if s, ok := q.seed("a"); !ok || s.Calls != 1 {
		t.Errorf("seed(a) = %+v, %v", s, ok)
	}
}

func TestLoadSeedsRejectsGarbage(t *testing.T) {
	if err := NewProfiler().LoadSeeds(bytes.NewReader([]byte{0xff, 0x00})); err == nil {
		t.Error("expected decode error")
	}
}
