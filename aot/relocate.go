package aot

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ApplyRelocations patches code in place for execution at base. It checks
// every relocation against the buffer before writing; on error code may
// be partially patched and must be discarded.
//
// A Rel32 displacement (base+addend) - (base+offset+4) must fit in an
// int32. Targets 2 GiB or more away return ErrRelocationOverflow instead of
// being truncated, so Rel32 only holds for addends within that range.
func ApplyRelocations(code []byte, relocs []Relocation, base uintptr, helpers *RuntimeHelperTable) error {
	for i, r := range relocs {
		end := uint64(r.Offset) + uint64(r.Kind.width())
		if end > uint64(len(code)) {
			return fmt.Errorf("%w: relocation %d (%s) at %d needs %d bytes, code is %d bytes",
				ErrRelocationOutOfBounds, i, r.Kind, r.Offset, r.Kind.width(), len(code))
		}
		at := code[r.Offset:end]

		switch r.Kind {
		case Abs64:
			binary.LittleEndian.PutUint64(at, uint64(base)+uint64(r.Addend))

		case Rel32:
			target := int64(base) + r.Addend
			next := int64(base) + int64(r.Offset) + 4
			disp := target - next
			if disp < math.MinInt32 || disp > math.MaxInt32 {
				return fmt.Errorf("%w: relocation %d at %d", ErrRelocationOverflow, i, r.Offset)
			}
			binary.LittleEndian.PutUint32(at, uint32(int32(disp)))

		case RuntimeHelper:
			if helpers == nil || r.Addend < 0 || r.Addend > math.MaxUint32 {
				return fmt.Errorf("%w: index %d", ErrUnknownHelper, r.Addend)
			}
			addr, ok := helpers.GetHelper(uint32(r.Addend))
			if !ok {
				return fmt.Errorf("%w: index %d", ErrUnknownHelper, r.Addend)
			}
			binary.LittleEndian.PutUint64(at, uint64(addr))

		default:
			return fmt.Errorf("%w: relocation %d has unknown type %d", ErrInvalidCacheFile, i, uint8(r.Kind))
		}
	}
	return nil
}

// ApplyRelocations patches c.Code in place for execution at base.
func (c *CachedCode) ApplyRelocations(base uintptr, helpers *RuntimeHelperTable) error {
	return ApplyRelocations(c.Code, c.Relocations, base, helpers)
}
