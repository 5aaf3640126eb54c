package jit

import (
	"sort"
	"sync"
	"sync/atomic"
)

// FunctionID identifies a function within a process. It is the only key
// the engine uses for profiles, compiled code and failures.
type FunctionID uint64

// TypeTag is a coarse runtime type observed at a bytecode offset.
type TypeTag uint8

const (
	TypeNil TypeTag = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeList
	TypeDict
	TypeTuple
	TypeFunction
	TypeObject
	TypeClass
	TypeOther
)

// maxTypeTag bounds tags so an observed-type set fits in one word.
const maxTypeTag = 32

// BranchCounts holds taken / not-taken counts for one conditional branch.
type BranchCounts struct {
	Taken    uint64
	NotTaken uint64
}

type branchSlot struct {
	taken    atomic.Uint64
	notTaken atomic.Uint64
}

// FunctionProfile accumulates runtime feedback for one function. Counters
// only ever increase. All methods are safe for concurrent use.
type FunctionProfile struct {
	id   FunctionID
	name string

	calls  atomic.Uint64
	deopts atomic.Uint64

	// types[offset] is a bitset of TypeTags seen at that bytecode offset.
	types    []atomic.Uint32
	branches []branchSlot
}

func newFunctionProfile(id FunctionID, name string, bytecodeLen, branchCount int) *FunctionProfile {
	if bytecodeLen < 0 {
		bytecodeLen = 0
	}
	if branchCount < 0 {
		branchCount = 0
	}
	return &FunctionProfile{
		id:       id,
		name:     name,
		types:    make([]atomic.Uint32, bytecodeLen),
		branches: make([]branchSlot, branchCount),
	}
}

// ID returns the function this profile belongs to.
func (p *FunctionProfile) ID() FunctionID { return p.id }

// Name returns the function name the profile was created under, if known.
func (p *FunctionProfile) Name() string { return p.name }

// RecordCall counts one invocation.
func (p *FunctionProfile) RecordCall() {
	p.calls.Add(1)
}

// RecordDeopt counts one deoptimization.
func (p *FunctionProfile) RecordDeopt() {
	p.deopts.Add(1)
}

// CallCount returns the number of recorded calls.
func (p *FunctionProfile) CallCount() uint64 { return p.calls.Load() }

// DeoptCount returns the number of recorded deoptimizations.
func (p *FunctionProfile) DeoptCount() uint64 { return p.deopts.Load() }

// RecordType notes that a value of type tag was seen at a bytecode offset.
// Offsets outside the profiled bytecode are ignored.
func (p *FunctionProfile) RecordType(offset int, tag TypeTag) {
	if offset < 0 || offset >= len(p.types) || tag >= maxTypeTag {
		return
	}
	p.types[offset].Or(1 << tag)
}

// RecordBranch counts one outcome of the branch at index.
func (p *FunctionProfile) RecordBranch(index int, taken bool) {
	if index < 0 || index >= len(p.branches) {
		return
	}
	if taken {
		p.branches[index].taken.Add(1)
	} else {
		p.branches[index].notTaken.Add(1)
	}
}

// ObservedTypes returns the tags seen at offset, in tag order.
func (p *FunctionProfile) ObservedTypes(offset int) []TypeTag {
	if offset < 0 || offset >= len(p.types) {
		return nil
	}
	set := p.types[offset].Load()
	var tags []TypeTag
	for tag := TypeTag(0); tag < maxTypeTag; tag++ {
		if set&(1<<tag) != 0 {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Branch returns the counts recorded for the branch at index.
func (p *FunctionProfile) Branch(index int) BranchCounts {
	if index < 0 || index >= len(p.branches) {
		return BranchCounts{}
	}
	return BranchCounts{
		Taken:    p.branches[index].taken.Load(),
		NotTaken: p.branches[index].notTaken.Load(),
	}
}

// MaxPolymorphism returns the largest number of distinct types observed at
// any single offset.
func (p *FunctionProfile) MaxPolymorphism() int {
	most := 0
	for i := range p.types {
		if n := popcount(p.types[i].Load()); n > most {
			most = n
		}
	}
	return most
}

// IsHotForSpecialization reports whether the feedback is rich and stable
// enough to justify type-specialized code.
func (p *FunctionProfile) IsHotForSpecialization(cfg Config) bool {
	if p.CallCount() < cfg.Threshold(OptimizingJIT) {
		return false
	}
	return p.MaxPolymorphism() <= cfg.SpecializeMaxPolymorphism
}

func popcount(x uint32) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// Profiler owns the profiles of every function seen this session.
type Profiler struct {
	profiles sync.Map // FunctionID -> *FunctionProfile

	seedMu sync.RWMutex
	seeds  map[string]Seed
}

// NewProfiler creates an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{}
}

// GetProfile returns the profile for id, creating it on first use. Racing
// callers for the same id always get the same profile.
func (p *Profiler) GetProfile(id FunctionID, bytecodeLen, branchCount int) *FunctionProfile {
	return p.getOrCreate(id, "", bytecodeLen, branchCount)
}

func (p *Profiler) getOrCreate(id FunctionID, name string, bytecodeLen, branchCount int) *FunctionProfile {
	if val, ok := p.profiles.Load(id); ok {
		return val.(*FunctionProfile)
	}
	fresh := newFunctionProfile(id, name, bytecodeLen, branchCount)
	if seed, ok := p.seed(name); ok {
		fresh.calls.Store(seed.Calls)
		fresh.deopts.Store(seed.Deopts)
	}
	val, _ := p.profiles.LoadOrStore(id, fresh)
	return val.(*FunctionProfile)
}

// Lookup returns the profile for id without creating one.
func (p *Profiler) Lookup(id FunctionID) (*FunctionProfile, bool) {
	val, ok := p.profiles.Load(id)
	if !ok {
		return nil, false
	}
	return val.(*FunctionProfile), true
}

// RecordCall counts a call for id, creating an empty profile if needed.
func (p *Profiler) RecordCall(id FunctionID) {
	p.GetProfile(id, 0, 0).RecordCall()
}

// RecordDeopt counts a deopt for id, creating an empty profile if needed.
func (p *Profiler) RecordDeopt(id FunctionID) {
	p.GetProfile(id, 0, 0).RecordDeopt()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions   int
	TotalCalls  uint64
	TotalDeopts uint64
}

// Stats returns aggregate statistics over all profiles.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		fp := value.(*FunctionProfile)
		stats.Functions++
		stats.TotalCalls += fp.CallCount()
		stats.TotalDeopts += fp.DeoptCount()
		return true
	})
	return stats
}

// Top returns the n most frequently called profiles, hottest first.
func (p *Profiler) Top(n int) []*FunctionProfile {
	var all []*FunctionProfile
	p.profiles.Range(func(_, value any) bool {
		all = append(all, value.(*FunctionProfile))
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		ci, cj := all[i].CallCount(), all[j].CallCount()
		if ci != cj {
			return ci > cj
		}
		return all[i].id < all[j].id
	})
	if n < 0 {
		n = 0
	}
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Reset drops every profile. Seeds are kept.
func (p *Profiler) Reset() {
	p.profiles.Range(func(key, _ any) bool {
		p.profiles.Delete(key)
		return true
	})
}
