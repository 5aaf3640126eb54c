package aot

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestApplyAbs64(t *testing.T) {
	const base uintptr = 0x7f00_0000_1000
	code := make([]byte, 24)
	relocs := []Relocation{{Offset: 8, Kind: Abs64, Addend: 0x30}}

	if err := ApplyRelocations(code, relocs, base, nil); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(code[8:16]); got != uint64(base)+0x30 {
		t.Errorf("patched %#x, want %#x", got, uint64(base)+0x30)
	}
	for i, b := range append(code[:8:8], code[16:]...) {
		if b != 0 {
			t.Errorf("byte %d outside the relocation changed", i)
		}
	}
}

func TestApplyRel32(t *testing.T) {
	tests := []struct {
		offset uint32
		addend int64
	}{
		{1, 0x100},
		{4, 0},
		{10, -64},
	}
	for _, tt := range tests {
		const base uintptr = 0x10_0000
		code := make([]byte, 16)
		relocs := []Relocation{{Offset: tt.offset, Kind: Rel32, Addend: tt.addend}}
		if err := ApplyRelocations(code, relocs, base, nil); err != nil {
			t.Fatal(err)
		}
		want := int32((int64(base) + tt.addend) - (int64(base) + int64(tt.offset) + 4))
		got := int32(binary.LittleEndian.Uint32(code[tt.offset : tt.offset+4]))
		if got != want {
			t.Errorf("offset %d addend %d: patched %d, want %d", tt.offset, tt.addend, got, want)
		}
	}
}

func TestApplyRel32Overflow(t *testing.T) {
	code := make([]byte, 8)
	relocs := []Relocation{{Offset: 0, Kind: Rel32, Addend: 1 << 40}}
	if err := ApplyRelocations(code, relocs, 0x1000, nil); !errors.Is(err, ErrRelocationOverflow) {
		t.Errorf("err = %v, want overflow", err)
	}
}

func TestApplyRel32Limits(t *testing.T) {
	// At offset 0 the displacement is addend - 4.
	tests := []struct {
		addend int64
		want   int32
		ok     bool
	}{
		{math.MaxInt32 + 4, math.MaxInt32, true},
		{math.MaxInt32 + 5, 0, false},
		{math.MinInt32 + 4, math.MinInt32, true},
		{math.MinInt32 + 3, 0, false},
	}
	for _, tt := range tests {
		code := make([]byte, 4)
		err := ApplyRelocations(code, []Relocation{{Kind: Rel32, Addend: tt.addend}}, 0x7000_0000, nil)
		if !tt.ok {
			if !errors.Is(err, ErrRelocationOverflow) {
				t.Errorf("addend %d: err = %v, want overflow", tt.addend, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("addend %d: %v", tt.addend, err)
			continue
		}
		if got := int32(binary.LittleEndian.Uint32(code)); got != tt.want {
			t.Errorf("addend %d: patched %d, want %d", tt.addend, got, tt.want)
		}
	}
}

func TestApplyRuntimeHelper(t *testing.T) {
	helpers := NewRuntimeHelperTable()
	helpers.Register("alloc", 0xdead_0000)
	idx := helpers.Register("gc_barrier", 0xbeef_0000)

	code := make([]byte, 8)
	relocs := []Relocation{{Offset: 0, Kind: RuntimeHelper, Addend: int64(idx)}}
	if err := ApplyRelocations(code, relocs, 0x1000, helpers); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(code); got != 0xbeef_0000 {
		t.Errorf("patched %#x, want helper address", got)
	}
}

func TestApplyUnknownHelper(t *testing.T) {
	helpers := NewRuntimeHelperTable()
	helpers.Register("only", 1)
	for _, addend := range []int64{1, 99, -1} {
		code := make([]byte, 8)
		relocs := []Relocation{{Offset: 0, Kind: RuntimeHelper, Addend: addend}}
		if err := ApplyRelocations(code, relocs, 0, helpers); !errors.Is(err, ErrUnknownHelper) {
			t.Errorf("addend %d: err = %v, want ErrUnknownHelper", addend, err)
		}
	}
	if err := ApplyRelocations(make([]byte, 8), []Relocation{{Kind: RuntimeHelper}}, 0, nil); !errors.Is(err, ErrUnknownHelper) {
		t.Errorf("nil table: err = %v, want ErrUnknownHelper", err)
	}
}

func TestApplyOutOfBounds(t *testing.T) {
	tests := []Relocation{
		{Offset: 1, Kind: Abs64},
		{Offset: 6, Kind: Rel32},
		{Offset: 0xffff_fffc, Kind: Rel32},
		{Offset: 9, Kind: RuntimeHelper},
	}
	for _, r := range tests {
		code := make([]byte, 8)
		if err := ApplyRelocations(code, []Relocation{r}, 0x1000, NewRuntimeHelperTable()); !errors.Is(err, ErrRelocationOutOfBounds) {
			t.Errorf("%+v: err = %v, want out of bounds", r, err)
		}
		for i, b := range code {
			if b != 0 {
				t.Errorf("%+v: byte %d written despite bounds error", r, i)
			}
		}
	}
}

func TestCachedCodeApplyRelocations(t *testing.T) {
	cc := sampleCode("src")
	if err := cc.ApplyRelocations(0x4000, nil); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(cc.Code[2:10]); got != 0x4040 {
		t.Errorf("abs64 = %#x, want 0x4040", got)
	}
	if got := int32(binary.LittleEndian.Uint32(cc.Code[11:15])); got != 0x100-11-4 {
		t.Errorf("rel32 = %d, want %d", got, 0x100-11-4)
	}
}

func TestHelperTable(t *testing.T) {
	ht := NewRuntimeHelperTable()
	a := ht.Register("a", 10)
	b := ht.Register("b", 20)
	if a != 0 || b != 1 {
		t.Errorf("indices = %d, %d", a, b)
	}
	if again := ht.Register("a", 99); again != a {
		t.Errorf("re-register returned %d", again)
	}
	if addr, _ := ht.GetHelper(a); addr != 10 {
		t.Errorf("re-register replaced address: %d", addr)
	}
	if _, ok := ht.GetHelper(5); ok {
		t.Error("unregistered index resolved")
	}
	if idx, ok := ht.Index("b"); !ok || idx != b {
		t.Errorf("Index(b) = %d, %v", idx, ok)
	}
	if ht.Name(b) != "b" || ht.Len() != 2 {
		t.Errorf("Name/Len = %q/%d", ht.Name(b), ht.Len())
	}
}
