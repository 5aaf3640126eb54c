package jit

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/chazu/dxjit/execmem"
)

// opUnsupported is an opcode the test backends refuse to compile.
const opUnsupported = 0xFF

// testBackend publishes the bytecode itself as "machine code" into a heap
// arena, which is enough to give every compile a distinct live handle.
type testBackend struct {
	arena *execmem.Arena
	calls atomic.Int64
	panic bool
}

func newTestBackend() *testBackend {
	return &testBackend{arena: execmem.NewHeap()}
}

func (b *testBackend) Compile(id FunctionID, code *CodeObject) (Artifact, error) {
	b.calls.Add(1)
	if b.panic {
		panic("codegen exploded")
	}
	if bytes.IndexByte(code.Bytecode, opUnsupported) >= 0 {
		return Artifact{}, fmt.Errorf("unsupported opcode %#x", opUnsupported)
	}
	return b.publish(code.Bytecode)
}

func (b *testBackend) publish(body []byte) (Artifact, error) {
	h, err := b.arena.Publish(append([]byte{0x90}, body...))
	if err != nil {
		return Artifact{}, err
	}
	region, _ := b.arena.Lookup(h)
	return Artifact{
		Code:  h,
		Entry: region.Entry,
		Size:  region.Size,
		DeoptPoints: []DeoptPoint{
			{CodeOffset: 1, BytecodeOffset: 0, Live: []ValueLocation{{Kind: OnStack, Value: 0}}},
		},
	}, nil
}

type testOptimizer struct {
	testBackend
	sawProfile atomic.Pointer[FunctionProfile]
}

func newTestOptimizer() *testOptimizer {
	return &testOptimizer{testBackend: testBackend{arena: execmem.NewHeap()}}
}

func (o *testOptimizer) CompileOptimized(id FunctionID, code *CodeObject, profile *FunctionProfile) (Artifact, error) {
	o.sawProfile.Store(profile)
	return o.Compile(id, code)
}

// nullBackend claims success without producing code.
type nullBackend struct{}

func (nullBackend) Compile(FunctionID, *CodeObject) (Artifact, error) {
	return Artifact{}, nil
}

func goodCode(name string) *CodeObject {
	return &CodeObject{Name: name, Bytecode: []byte{0x01, 0x2a, 0x02}, BranchCount: 1}
}

func badCode(name string) *CodeObject {
	return &CodeObject{Name: name, Bytecode: []byte{0x01, opUnsupported, 0x02}}
}

func lowThresholds() Config {
	cfg := DefaultConfig()
	cfg.BaselineThreshold = 2
	cfg.OptimizingThreshold = 4
	cfg.AOTThreshold = 8
	return cfg
}
