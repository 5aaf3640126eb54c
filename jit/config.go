package jit

// Config controls promotion policy. The zero value is not useful; start
// from DefaultConfig.
type Config struct {
	// Enabled is the master switch. When false every function runs in
	// the interpreter.
	Enabled bool

	// Call counts needed to enter each compiled tier. Zero means the
	// tier's default threshold.
	BaselineThreshold   uint64
	OptimizingThreshold uint64
	AOTThreshold        uint64

	// MaxDeopts is the number of deoptimizations after which a function
	// stops being promoted.
	MaxDeopts uint64

	// SpecializeMaxPolymorphism is the largest number of distinct types
	// at one bytecode offset that still permits specialized code.
	SpecializeMaxPolymorphism int

	// LogCompilation logs every successful compile at info level.
	LogCompilation bool
}

// DefaultConfig returns the standard tiering policy.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		BaselineThreshold:         DefaultBaselineThreshold,
		OptimizingThreshold:       DefaultOptimizingThreshold,
		AOTThreshold:              DefaultAOTThreshold,
		MaxDeopts:                 10,
		SpecializeMaxPolymorphism: 4,
	}
}

// InterpretOnlyConfig returns a policy that never compiles.
func InterpretOnlyConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = false
	return cfg
}

// Threshold returns the call count a function needs to enter t. A zero
// field falls back to the tier's default.
func (c Config) Threshold(t Tier) uint64 {
	var v uint64
	switch t {
	case BaselineJIT:
		v = c.BaselineThreshold
	case OptimizingJIT:
		v = c.OptimizingThreshold
	case AOTOptimized:
		v = c.AOTThreshold
	}
	if v == 0 {
		return t.Threshold()
	}
	return v
}
