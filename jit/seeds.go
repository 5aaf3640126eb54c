package jit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// Seed is the persisted feedback for one function name. Loading seeds lets
// a function that was hot in a previous run start near its old call count
// instead of from zero.
type Seed struct {
	Calls  uint64 `cbor:"1,keyasint"`
	Deopts uint64 `cbor:"2,keyasint"`
}

// SeedFile is the on-disk form of a set of seeds.
type SeedFile struct {
	Version uint32          `cbor:"1,keyasint"`
	Seeds   map[string]Seed `cbor:"2,keyasint"`
}

const seedFileVersion uint32 = 1

var seedEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jit: failed to create CBOR enc mode: %v", err))
	}
	seedEncMode = em
}

func (p *Profiler) seed(name string) (Seed, bool) {
	if name == "" {
		return Seed{}, false
	}
	p.seedMu.RLock()
	defer p.seedMu.RUnlock()
	s, ok := p.seeds[name]
	return s, ok
}

// SetSeeds replaces the seeds applied to profiles created from now on.
// Existing profiles are not touched.
func (p *Profiler) SetSeeds(seeds map[string]Seed) {
	cp := make(map[string]Seed, len(seeds))
	for k, v := range seeds {
		cp[k] = v
	}
	p.seedMu.Lock()
	p.seeds = cp
	p.seedMu.Unlock()
}

// Seeds returns a copy of the seeds currently installed.
func (p *Profiler) Seeds() map[string]Seed {
	p.seedMu.RLock()
	defer p.seedMu.RUnlock()
	out := make(map[string]Seed, len(p.seeds))
	for k, v := range p.seeds {
		out[k] = v
	}
	return out
}

// Snapshot collects seeds from every named profile. When several profiles
// share a name the counts are summed.
func (p *Profiler) Snapshot() map[string]Seed {
	out := make(map[string]Seed)
	p.profiles.Range(func(_, value any) bool {
		fp := value.(*FunctionProfile)
		if fp.name == "" {
			return true
		}
		s := out[fp.name]
		s.Calls += fp.CallCount()
		s.Deopts += fp.DeoptCount()
		out[fp.name] = s
		return true
	})
	return out
}

// SaveSeeds writes the profiler's current snapshot as canonical CBOR.
func (p *Profiler) SaveSeeds(w io.Writer) error {
	data, err := seedEncMode.Marshal(SeedFile{Version: seedFileVersion, Seeds: p.Snapshot()})
	if err != nil {
		return fmt.Errorf("jit: encode seeds: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// LoadSeeds reads a seed file written by SaveSeeds and installs it.
func (p *Profiler) LoadSeeds(r io.Reader) error {
	var f SeedFile
	if err := cbor.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("jit: decode seeds: %w", err)
	}
	if f.Version != seedFileVersion {
		return fmt.Errorf("jit: unsupported seed file version: %d", f.Version)
	}
	p.SetSeeds(f.Seeds)
	return nil
}

// SaveSeedsFile writes seeds to path, creating parent directories.
func (p *Profiler) SaveSeedsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("jit: create seed directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("jit: create seed file: %w", err)
	}
	if err := p.SaveSeeds(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadSeedsFile loads seeds from path. A missing file is not an error.
func (p *Profiler) LoadSeedsFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jit: open seed file: %w", err)
	}
	defer f.Close()
	return p.LoadSeeds(f)
}
