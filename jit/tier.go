package jit

// Tier is an execution strategy for a function. Tiers are totally ordered;
// a function only ever moves to the next tier, one step at a time.
type Tier uint8

const (
	Interpreter Tier = iota
	BaselineJIT
	OptimizingJIT
	AOTOptimized
)

// Default promotion thresholds, in calls. A tier's threshold is the call
// count a function needs before it may be promoted into that tier.
const (
	DefaultBaselineThreshold   uint64 = 100
	DefaultOptimizingThreshold uint64 = 1000
	DefaultAOTThreshold        uint64 = 10000
)

func (t Tier) String() string {
	switch t {
	case Interpreter:
		return "interpreter"
	case BaselineJIT:
		return "baseline"
	case OptimizingJIT:
		return "optimizing"
	case AOTOptimized:
		return "aot"
	default:
		return "unknown"
	}
}

// Next returns the tier after t. The second result is false for the
// terminal tier.
func (t Tier) Next() (Tier, bool) {
	if t >= AOTOptimized {
		return t, false
	}
	return t + 1, true
}

// IsTerminal reports whether no promotion exists past t.
func (t Tier) IsTerminal() bool {
	_, ok := t.Next()
	return !ok
}

// Threshold returns the default call count needed to enter t.
// The interpreter has no threshold.
func (t Tier) Threshold() uint64 {
	switch t {
	case BaselineJIT:
		return DefaultBaselineThreshold
	case OptimizingJIT:
		return DefaultOptimizingThreshold
	case AOTOptimized:
		return DefaultAOTThreshold
	default:
		return 0
	}
}

// Tiers lists every tier in promotion order.
var Tiers = [...]Tier{Interpreter, BaselineJIT, OptimizingJIT, AOTOptimized}
