// Package jit decides, per function, whether to keep interpreting it or to
// run compiled code, and at which tier.
//
// The TieredCompiler watches calls through per-function profiles, promotes
// a function one tier at a time once its call count reaches the next
// tier's threshold, and hands the actual code generation to external
// backends. A failing backend never surfaces to the caller: the failure is
// recorded, logged, and the function keeps running in the interpreter.
package jit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/dxjit/execmem"
)

var log = commonlog.GetLogger("dxjit.jit")

// ErrNoCode is returned by Install for an artifact without code.
var ErrNoCode = errors.New("jit: compiled function has no code")

type tierCounters struct {
	compiled atomic.Uint64
	failed   atomic.Uint64
}

// TieredCompiler owns profiles, compiled code records and failure records
// for every function of a process. It is safe for concurrent use.
type TieredCompiler struct {
	cfg      Config
	enabled  atomic.Bool
	profiler *Profiler

	baseline   Backend
	optimizing OptimizingBackend

	mu       sync.RWMutex
	compiled map[FunctionID]*CompiledFunction
	failures map[FunctionID]*CompilationFailure

	// inflight collapses concurrent compiles of the same function and
	// tier into one backend call.
	inflight singleflight.Group

	tiers         [len(Tiers)]tierCounters
	fallbacks     atomic.Uint64
	invalidations atomic.Uint64
	installs      atomic.Uint64
}

// NewTieredCompiler creates an orchestrator. Either backend may be nil;
// compiles that need a missing backend fail and fall back to the
// interpreter.
func NewTieredCompiler(cfg Config, baseline Backend, optimizing OptimizingBackend) *TieredCompiler {
	tc := &TieredCompiler{
		cfg:        cfg,
		profiler:   NewProfiler(),
		baseline:   baseline,
		optimizing: optimizing,
		compiled:   make(map[FunctionID]*CompiledFunction),
		failures:   make(map[FunctionID]*CompilationFailure),
	}
	tc.enabled.Store(cfg.Enabled)
	return tc
}

// Config returns the policy the compiler was created with.
func (tc *TieredCompiler) Config() Config { return tc.cfg }

// Profiler returns the profiler that feeds promotion decisions.
func (tc *TieredCompiler) Profiler() *Profiler { return tc.profiler }

// Enable turns compilation on.
func (tc *TieredCompiler) Enable() { tc.enabled.Store(true) }

// Disable turns compilation off. Already compiled code is kept but no
// longer handed out by CompileWithFallback.
func (tc *TieredCompiler) Disable() { tc.enabled.Store(false) }

// IsEnabled reports the master switch.
func (tc *TieredCompiler) IsEnabled() bool { return tc.enabled.Load() }

// GetProfile returns the profile for id, creating it if needed.
func (tc *TieredCompiler) GetProfile(id FunctionID, bytecodeLen, branchCount int) *FunctionProfile {
	return tc.profiler.GetProfile(id, bytecodeLen, branchCount)
}

func (tc *TieredCompiler) profileFor(id FunctionID, code *CodeObject) *FunctionProfile {
	if code == nil {
		return tc.profiler.getOrCreate(id, "", 0, 0)
	}
	return tc.profiler.getOrCreate(id, code.Name, len(code.Bytecode), code.BranchCount)
}

// Compiled returns the current compiled record for id.
func (tc *TieredCompiler) Compiled(id FunctionID) (*CompiledFunction, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	cf, ok := tc.compiled[id]
	return cf, ok
}

// GetTier returns the tier id currently runs at.
func (tc *TieredCompiler) GetTier(id FunctionID) Tier {
	if cf, ok := tc.Compiled(id); ok {
		return cf.Tier
	}
	return Interpreter
}

// HasFailedCompilation reports whether id has a sticky failure record.
func (tc *TieredCompiler) HasFailedCompilation(id FunctionID) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	_, ok := tc.failures[id]
	return ok
}

// Failure returns a copy of the failure record for id.
func (tc *TieredCompiler) Failure(id FunctionID) (CompilationFailure, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	f, ok := tc.failures[id]
	if !ok {
		return CompilationFailure{}, false
	}
	return *f, true
}

// CheckPromotion returns the tier id should be promoted to now, if any.
// It never changes state.
func (tc *TieredCompiler) CheckPromotion(id FunctionID) (Tier, bool) {
	if !tc.IsEnabled() || tc.HasFailedCompilation(id) {
		return Interpreter, false
	}
	profile, ok := tc.profiler.Lookup(id)
	if !ok {
		return Interpreter, false
	}
	if profile.DeoptCount() > tc.cfg.MaxDeopts {
		return Interpreter, false
	}
	next, ok := tc.GetTier(id).Next()
	if !ok {
		return Interpreter, false
	}
	if profile.CallCount() >= tc.cfg.Threshold(next) {
		return next, true
	}
	return Interpreter, false
}

// CompileCodeObject compiles code for id at tier and stores the result,
// replacing any earlier record. On failure the failure is recorded and
// the second result is false. Interpreter and unknown tiers are not
// compile targets and leave no failure record.
func (tc *TieredCompiler) CompileCodeObject(id FunctionID, tier Tier, code *CodeObject) (*CompiledFunction, bool) {
	if tier == Interpreter || tier > AOTOptimized {
		return nil, false
	}
	return tc.compile(id, tier, code, false)
}

// compile runs at most one backend call per (id, tier) at a time. With
// promote set, a record already at or above tier is returned as is and a
// recorded failure suppresses the attempt, so racing promotions compile once.
func (tc *TieredCompiler) compile(id FunctionID, tier Tier, code *CodeObject, promote bool) (*CompiledFunction, bool) {
	key := fmt.Sprintf("%d/%d", id, tier)
	v, _, _ := tc.inflight.Do(key, func() (any, error) {
		if promote {
			tc.mu.RLock()
			cur := tc.compiled[id]
			_, failed := tc.failures[id]
			tc.mu.RUnlock()
			if cur != nil && cur.Tier >= tier {
				return cur, nil
			}
			if failed {
				return nil, nil
			}
		}
		return tc.compileNow(id, tier, code), nil
	})
	cf, _ := v.(*CompiledFunction)
	return cf, cf != nil
}

func (tc *TieredCompiler) compileNow(id FunctionID, tier Tier, code *CodeObject) *CompiledFunction {
	if tier == Interpreter || tier > AOTOptimized {
		return nil
	}
	if code == nil {
		tc.recordFailure(id, tier, &CompilationError{Tier: tier, Msg: "no code object"})
		return nil
	}

	start := time.Now()
	var (
		art         Artifact
		err         error
		specialized bool
	)
	switch tier {
	case BaselineJIT:
		if tc.baseline == nil {
			err = &CompilationError{Tier: tier, Msg: "no baseline backend"}
			break
		}
		art, err = runBackend(tier, func() (Artifact, error) {
			return tc.baseline.Compile(id, code)
		})

	case OptimizingJIT:
		profile := tc.profileFor(id, code)
		switch {
		case tc.optimizing != nil && profile.IsHotForSpecialization(tc.cfg):
			art, err = runBackend(tier, func() (Artifact, error) {
				return tc.optimizing.CompileOptimized(id, code, profile)
			})
			specialized = err == nil
		case tc.baseline != nil:
			tc.fallbacks.Add(1)
			log.Debugf("function %d (%s): optimizing tier served by baseline backend", id, code.Name)
			art, err = runBackend(tier, func() (Artifact, error) {
				return tc.baseline.Compile(id, code)
			})
		default:
			err = &CompilationError{Tier: tier, Msg: "no backend available"}
		}

	case AOTOptimized:
		err = &CompilationError{Tier: tier, Msg: "AOT code is only loaded from the AOT cache"}

	default:
		return nil
	}

	if err != nil {
		tc.recordFailure(id, tier, err)
		return nil
	}

	cf := &CompiledFunction{
		Tier:        tier,
		Code:        art.Code,
		Entry:       art.Entry,
		Size:        art.Size,
		DeoptPoints: art.DeoptPoints,
		Specialized: specialized,
		CompiledAt:  time.Now(),
	}
	tc.mu.Lock()
	tc.compiled[id] = cf
	tc.mu.Unlock()
	tc.tiers[tier].compiled.Add(1)

	if tc.cfg.LogCompilation {
		log.Infof("compiled function %d (%s) at %s tier: %d bytes in %s",
			id, code.Name, tier, art.Size, time.Since(start))
	}
	return cf
}

func (tc *TieredCompiler) recordFailure(id FunctionID, tier Tier, err error) {
	tc.mu.Lock()
	f, ok := tc.failures[id]
	if !ok {
		f = &CompilationFailure{}
		tc.failures[id] = f
	}
	f.Tier = tier
	f.Message = err.Error()
	f.Attempts++
	f.LastAt = time.Now()
	attempts := f.Attempts
	tc.mu.Unlock()

	tc.tiers[tier].failed.Add(1)
	log.Warningf("function %d: %v (attempt %d), staying in the interpreter", id, err, attempts)
}

// CompileWithFallback decides how id should run right now. It always
// returns a usable mode: anything that goes wrong yields the interpreter.
func (tc *TieredCompiler) CompileWithFallback(id FunctionID, code *CodeObject) ExecutionMode {
	if !tc.IsEnabled() {
		return Interpreted()
	}
	if cf, ok := tc.Compiled(id); ok {
		return JIT(cf.Code)
	}
	if tc.HasFailedCompilation(id) {
		return Interpreted()
	}
	target, ok := tc.CheckPromotion(id)
	if !ok {
		target = BaselineJIT
	}
	cf, ok := tc.compile(id, target, code, true)
	if !ok {
		return Interpreted()
	}
	return JIT(cf.Code)
}

// OnFunctionCall is the interpreter's per-call hook. It counts the call,
// compiles if the function just became eligible for the next tier, and
// returns the code to run, if any.
func (tc *TieredCompiler) OnFunctionCall(id FunctionID, code *CodeObject) (execmem.Handle, bool) {
	tc.profileFor(id, code).RecordCall()

	if tier, ok := tc.CheckPromotion(id); ok {
		if cf, ok := tc.compile(id, tier, code, true); ok {
			return cf.Code, true
		}
	}
	if cf, ok := tc.Compiled(id); ok {
		return cf.Code, true
	}
	return execmem.Handle{}, false
}

// CheckAndPromote promotes id by one tier if it is eligible and the
// compile succeeds, returning the new tier.
func (tc *TieredCompiler) CheckAndPromote(id FunctionID, code *CodeObject) (Tier, bool) {
	tier, ok := tc.CheckPromotion(id)
	if !ok {
		return Interpreter, false
	}
	cf, ok := tc.compile(id, tier, code, true)
	if !ok || cf.Code.IsZero() {
		return Interpreter, false
	}
	return tier, true
}

// Install publishes an artifact produced outside the JIT, such as code
// loaded from the AOT cache.
func (tc *TieredCompiler) Install(id FunctionID, cf CompiledFunction) error {
	if cf.Code.IsZero() {
		return ErrNoCode
	}
	if cf.CompiledAt.IsZero() {
		cf.CompiledAt = time.Now()
	}
	tc.mu.Lock()
	tc.compiled[id] = &cf
	tc.mu.Unlock()
	tc.installs.Add(1)
	return nil
}

// Invalidate drops the compiled record for id. The function runs in the
// interpreter until promoted again. The code memory itself belongs to the
// backend that produced it.
func (tc *TieredCompiler) Invalidate(id FunctionID) bool {
	tc.mu.Lock()
	_, ok := tc.compiled[id]
	delete(tc.compiled, id)
	tc.mu.Unlock()
	if ok {
		tc.invalidations.Add(1)
	}
	return ok
}

// OnDeopt records a deoptimization of id and invalidates its code once the
// deopt budget is exhausted. It reports whether code was invalidated.
func (tc *TieredCompiler) OnDeopt(id FunctionID) bool {
	profile := tc.profiler.getOrCreate(id, "", 0, 0)
	profile.RecordDeopt()
	if profile.DeoptCount() <= tc.cfg.MaxDeopts {
		return false
	}
	if tc.Invalidate(id) {
		log.Infof("function %d: %d deopts, dropping compiled code", id, profile.DeoptCount())
		return true
	}
	return false
}

// ClearCompilationFailure removes the failure record for id so promotion
// may be attempted again.
func (tc *TieredCompiler) ClearCompilationFailure(id FunctionID) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	_, ok := tc.failures[id]
	delete(tc.failures, id)
	return ok
}

// TierStats holds per-tier compile counts.
type TierStats struct {
	Compiled uint64
	Failed   uint64
}

// Stats holds orchestrator statistics.
type Stats struct {
	Tiers             map[Tier]TierStats
	BaselineFallbacks uint64
	Invalidations     uint64
	Installs          uint64
	CompiledFunctions int
	FailedFunctions   int
	Profiles          ProfilerStats
}

// Stats returns a snapshot of the orchestrator's counters.
func (tc *TieredCompiler) Stats() Stats {
	s := Stats{
		Tiers:             make(map[Tier]TierStats, len(Tiers)),
		BaselineFallbacks: tc.fallbacks.Load(),
		Invalidations:     tc.invalidations.Load(),
		Installs:          tc.installs.Load(),
		Profiles:          tc.profiler.Stats(),
	}
	for _, t := range Tiers[1:] {
		s.Tiers[t] = TierStats{
			Compiled: tc.tiers[t].compiled.Load(),
			Failed:   tc.tiers[t].failed.Load(),
		}
	}
	tc.mu.RLock()
	s.CompiledFunctions = len(tc.compiled)
	s.FailedFunctions = len(tc.failures)
	tc.mu.RUnlock()
	return s
}

// Reset forgets all profiles, compiled records, failures and counters.
func (tc *TieredCompiler) Reset() {
	tc.mu.Lock()
	tc.compiled = make(map[FunctionID]*CompiledFunction)
	tc.failures = make(map[FunctionID]*CompilationFailure)
	tc.mu.Unlock()

	tc.profiler.Reset()
	for i := range tc.tiers {
		tc.tiers[i].compiled.Store(0)
		tc.tiers[i].failed.Store(0)
	}
	tc.fallbacks.Store(0)
	tc.invalidations.Store(0)
	tc.installs.Store(0)
}
