package jit

import (
	"fmt"
	"time"

	"github.com/chazu/dxjit/execmem"
)

// LocationKind says where a live value sits at a deopt point.
type LocationKind uint8

const (
	InRegister LocationKind = iota
	OnStack
	Constant
)

// ValueLocation places one interpreter-visible value in compiled state.
type ValueLocation struct {
	Kind LocationKind
	// Register number, stack slot offset, or constant value.
	Value int64
}

// DeoptPoint maps a guard in compiled code back to interpreter state.
type DeoptPoint struct {
	CodeOffset     uint32
	BytecodeOffset uint32
	Live           []ValueLocation
}

// CompiledFunction is the current compiled form of a function. A record
// is immutable once stored; recompilation replaces it wholesale.
type CompiledFunction struct {
	Tier        Tier
	Code        execmem.Handle
	Entry       uintptr
	Size        int
	DeoptPoints []DeoptPoint

	// Specialized is false when an optimizing-tier request was served by
	// the baseline backend.
	Specialized bool
	CompiledAt  time.Time
}

// DeoptPointAt returns the deopt point whose guard sits at codeOffset.
func (cf *CompiledFunction) DeoptPointAt(codeOffset uint32) (DeoptPoint, bool) {
	for _, dp := range cf.DeoptPoints {
		if dp.CodeOffset == codeOffset {
			return dp, true
		}
	}
	return DeoptPoint{}, false
}

// CompilationFailure is the sticky record of a failed compile.
type CompilationFailure struct {
	Tier     Tier
	Message  string
	Attempts int
	LastAt   time.Time
}

// CompilationError is a backend failure tagged with the tier attempted.
type CompilationError struct {
	Tier Tier
	Msg  string
	Err  error
}

func (e *CompilationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s compilation failed: %s: %v", e.Tier, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s compilation failed: %s", e.Tier, e.Msg)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// ModeKind distinguishes the two execution modes.
type ModeKind uint8

const (
	ModeInterpreter ModeKind = iota
	ModeJIT
)

// ExecutionMode tells a call site how to run a function right now.
type ExecutionMode struct {
	Kind ModeKind
	Code execmem.Handle
}

// Interpreted is the interpreter execution mode.
func Interpreted() ExecutionMode {
	return ExecutionMode{Kind: ModeInterpreter}
}

// JIT returns the mode that runs compiled code h.
func JIT(h execmem.Handle) ExecutionMode {
	return ExecutionMode{Kind: ModeJIT, Code: h}
}

// IsJIT reports whether the mode runs compiled code.
func (m ExecutionMode) IsJIT() bool {
	return m.Kind == ModeJIT
}

func (m ExecutionMode) String() string {
	if m.IsJIT() {
		return "jit(" + m.Code.String() + ")"
	}
	return "interpreter"
}
