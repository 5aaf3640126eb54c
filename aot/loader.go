package aot

import (
	"fmt"

	"github.com/chazu/dxjit/execmem"
	"github.com/chazu/dxjit/jit"
)

// Loader turns cache entries into executable code: it copies the cached
// bytes into a fresh arena region, applies relocations for that region's
// address and seals it.
type Loader struct {
	cache   *Cache
	arena   *execmem.Arena
	helpers *RuntimeHelperTable
}

// NewLoader creates a loader. helpers may be nil if no cached code uses
// runtime helper relocations.
func NewLoader(cache *Cache, arena *execmem.Arena, helpers *RuntimeHelperTable) *Loader {
	return &Loader{cache: cache, arena: arena, helpers: helpers}
}

// Loaded is cached code published into the arena.
type Loaded struct {
	Code  execmem.Handle
	Entry uintptr
	Size  int
}

// Load publishes the entry for (hash, name). A cache miss returns
// ErrNotCached.
func (l *Loader) Load(hash [HashSize]byte, name string) (Loaded, error) {
	cc, ok := l.cache.Get(hash, name)
	if !ok {
		return Loaded{}, ErrNotCached
	}
	if len(cc.Code) == 0 {
		return Loaded{}, newError(KindInvalidCacheFile, l.cache.Path(hash, name), "empty code section")
	}

	res, err := l.arena.Reserve(len(cc.Code))
	if err != nil {
		return Loaded{}, fmt.Errorf("aot: load %s: %w", name, err)
	}
	buf := res.Bytes()
	copy(buf, cc.Code)
	if err := ApplyRelocations(buf, cc.Relocations, res.Addr(), l.helpers); err != nil {
		_ = res.Discard()
		return Loaded{}, fmt.Errorf("aot: load %s: %w", name, err)
	}
	h, err := res.Seal()
	if err != nil {
		return Loaded{}, fmt.Errorf("aot: load %s: %w", name, err)
	}
	region, _ := l.arena.Lookup(h)
	return Loaded{Code: h, Entry: region.Entry, Size: region.Size}, nil
}

// LoadSource hashes source and loads the entry for name.
func (l *Loader) LoadSource(source, name string) (Loaded, error) {
	return l.Load(HashSource(source), name)
}

// Install loads the cached code for (hash, name) and installs it into tc
// at the AOT tier.
func (l *Loader) Install(tc *jit.TieredCompiler, id jit.FunctionID, hash [HashSize]byte, name string) error {
	loaded, err := l.Load(hash, name)
	if err != nil {
		return err
	}
	return tc.Install(id, jit.CompiledFunction{
		Tier:        jit.AOTOptimized,
		Code:        loaded.Code,
		Entry:       loaded.Entry,
		Size:        loaded.Size,
		Specialized: true,
	})
}
