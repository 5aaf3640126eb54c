package jit

import (
	"errors"
	"fmt"

	"github.com/chazu/dxjit/execmem"
)

// CodeObject is the bytecode form of a function as handed over by the
// interpreter.
type CodeObject struct {
	Name        string
	Bytecode    []byte
	BranchCount int
	// Source is the text the bytecode was compiled from, when available.
	Source string
}

// Artifact is what a backend produces: published code plus the metadata
// needed to deoptimize out of it.
type Artifact struct {
	Code        execmem.Handle
	Entry       uintptr
	Size        int
	DeoptPoints []DeoptPoint
}

// Backend turns bytecode into machine code. The returned code must stay
// valid until the engine invalidates it or the process exits.
type Backend interface {
	Compile(id FunctionID, code *CodeObject) (Artifact, error)
}

// OptimizingBackend additionally consumes type feedback to specialize.
type OptimizingBackend interface {
	CompileOptimized(id FunctionID, code *CodeObject, profile *FunctionProfile) (Artifact, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(id FunctionID, code *CodeObject) (Artifact, error)

func (f BackendFunc) Compile(id FunctionID, code *CodeObject) (Artifact, error) {
	return f(id, code)
}

var errNullCode = errors.New("backend returned no code")

// runBackend calls fn and turns panics and empty artifacts into errors.
func runBackend(tier Tier, fn func() (Artifact, error)) (art Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			art = Artifact{}
			err = &CompilationError{Tier: tier, Msg: fmt.Sprintf("backend panic: %v", r)}
		}
	}()
	art, err = fn()
	if err != nil {
		var ce *CompilationError
		if errors.As(err, &ce) {
			return Artifact{}, err
		}
		return Artifact{}, &CompilationError{Tier: tier, Msg: "backend error", Err: err}
	}
	if art.Code.IsZero() || art.Entry == 0 {
		return Artifact{}, &CompilationError{Tier: tier, Msg: "backend error", Err: errNullCode}
	}
	return art, nil
}
