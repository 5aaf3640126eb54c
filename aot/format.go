// Package aot stores compiled functions on disk so later runs can skip
// compilation.
//
// Each entry is a single DXAO file: a fixed 72-byte header, the raw code
// bytes, then 16-byte relocation records. Code is position independent;
// the relocations are applied once the final load address is known.
// Entries are addressed by the hash of the source they were compiled from,
// so a changed source simply misses the cache.
package aot

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic identifies a DXAO file.
var Magic = [4]byte{'D', 'X', 'A', 'O'}

// FormatVersion is the only DXAO version this build reads or writes.
const FormatVersion uint32 = 1

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 72
	// RelocationSize is the encoded size of one Relocation.
	RelocationSize = 16
	// HashSize is the size of a source hash.
	HashSize = 32
)

// RelocKind selects how a relocation is patched.
type RelocKind uint8

const (
	// Abs64 writes base+addend as a 64-bit absolute address.
	Abs64 RelocKind = iota
	// Rel32 writes (base+addend) - (base+offset+4) as a 32-bit displacement.
	Rel32
	// RuntimeHelper writes the address of runtime helper number addend.
	RuntimeHelper
)

func (k RelocKind) String() string {
	switch k {
	case Abs64:
		return "abs64"
	case Rel32:
		return "rel32"
	case RuntimeHelper:
		return "helper"
	default:
		return fmt.Sprintf("reloc(%d)", uint8(k))
	}
}

// width is the number of code bytes the relocation patches.
func (k RelocKind) width() int {
	if k == Rel32 {
		return 4
	}
	return 8
}

// Header is the fixed-size prefix of a DXAO file.
type Header struct {
	Magic       [4]byte
	Version     uint32
	SourceHash  [HashSize]byte
	CodeOffset  uint32
	CodeSize    uint32
	RelocOffset uint32
	RelocCount  uint32
}

// NewHeader fills in a header for code of codeSize bytes followed by
// relocCount relocations.
func NewHeader(sourceHash [HashSize]byte, codeSize, relocCount int) Header {
	return Header{
		Magic:       Magic,
		Version:     FormatVersion,
		SourceHash:  sourceHash,
		CodeOffset:  HeaderSize,
		CodeSize:    uint32(codeSize),
		RelocOffset: HeaderSize + uint32(codeSize),
		RelocCount:  uint32(relocCount),
	}
}

// Validate checks magic and version.
func (h Header) Validate() error {
	if h.Magic != Magic {
		return newError(KindInvalidCacheFile, "", fmt.Sprintf("bad magic %q", h.Magic[:]))
	}
	if h.Version != FormatVersion {
		return newError(KindVersionMismatch, "", fmt.Sprintf("version %d, want %d", h.Version, FormatVersion))
	}
	return nil
}

// AppendBinary appends the encoded header to buf.
func (h Header) AppendBinary(buf []byte) []byte {
	var b [HeaderSize]byte
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	copy(b[8:40], h.SourceHash[:])
	binary.LittleEndian.PutUint32(b[40:44], h.CodeOffset)
	binary.LittleEndian.PutUint32(b[44:48], h.CodeSize)
	binary.LittleEndian.PutUint32(b[48:52], h.RelocOffset)
	binary.LittleEndian.PutUint32(b[52:56], h.RelocCount)
	// b[56:72] reserved, zero
	return append(buf, b[:]...)
}

// DecodeHeader parses a header from the start of data.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, newError(KindInvalidCacheFile, "", fmt.Sprintf("header truncated: %d bytes", len(data)))
	}
	copy(h.Magic[:], data[0:4])
	h.Version = binary.LittleEndian.Uint32(data[4:8])
	copy(h.SourceHash[:], data[8:40])
	h.CodeOffset = binary.LittleEndian.Uint32(data[40:44])
	h.CodeSize = binary.LittleEndian.Uint32(data[44:48])
	h.RelocOffset = binary.LittleEndian.Uint32(data[48:52])
	h.RelocCount = binary.LittleEndian.Uint32(data[52:56])
	for _, b := range data[56:HeaderSize] {
		if b != 0 {
			return h, newError(KindInvalidCacheFile, "", "reserved header bytes are not zero")
		}
	}
	return h, nil
}

// Relocation is one deferred patch in position-independent code.
type Relocation struct {
	Offset uint32
	Kind   RelocKind
	Addend int64
}

// AppendBinary appends the encoded relocation to buf.
func (r Relocation) AppendBinary(buf []byte) []byte {
	var b [RelocationSize]byte
	binary.LittleEndian.PutUint32(b[0:4], r.Offset)
	b[4] = byte(r.Kind)
	// b[5:8] padding
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.Addend))
	return append(buf, b[:]...)
}

// DecodeRelocation parses one relocation record.
func DecodeRelocation(data []byte) (Relocation, error) {
	if len(data) < RelocationSize {
		return Relocation{}, newError(KindInvalidCacheFile, "", "relocation truncated")
	}
	r := Relocation{
		Offset: binary.LittleEndian.Uint32(data[0:4]),
		Kind:   RelocKind(data[4]),
		Addend: int64(binary.LittleEndian.Uint64(data[8:16])),
	}
	if r.Kind > RuntimeHelper {
		return Relocation{}, newError(KindInvalidCacheFile, "", fmt.Sprintf("unknown relocation type %d", data[4]))
	}
	return r, nil
}

// CachedCode is one compiled function in position-independent form.
type CachedCode struct {
	Code        []byte
	Relocations []Relocation
	SourceHash  [HashSize]byte
}

// Clone returns a deep copy of c.
func (c *CachedCode) Clone() *CachedCode {
	out := &CachedCode{SourceHash: c.SourceHash}
	out.Code = append([]byte(nil), c.Code...)
	out.Relocations = append([]Relocation(nil), c.Relocations...)
	return out
}

// Equal reports whether c and o hold the same code, relocations and hash.
func (c *CachedCode) Equal(o *CachedCode) bool {
	if c.SourceHash != o.SourceHash || !bytes.Equal(c.Code, o.Code) || len(c.Relocations) != len(o.Relocations) {
		return false
	}
	for i := range c.Relocations {
		if c.Relocations[i] != o.Relocations[i] {
			return false
		}
	}
	return true
}

// MarshalBinary encodes c as a complete DXAO file.
func (c *CachedCode) MarshalBinary() ([]byte, error) {
	hdr := NewHeader(c.SourceHash, len(c.Code), len(c.Relocations))
	buf := make([]byte, 0, HeaderSize+len(c.Code)+RelocationSize*len(c.Relocations))
	buf = hdr.AppendBinary(buf)
	buf = append(buf, c.Code...)
	for _, r := range c.Relocations {
		buf = r.AppendBinary(buf)
	}
	return buf, nil
}

// Decode parses a DXAO file and checks it was compiled from wantHash.
// Every offset is bounds-checked against len(data).
func Decode(data []byte, wantHash [HashSize]byte) (*CachedCode, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if err := hdr.Validate(); err != nil {
		return nil, err
	}
	if hdr.SourceHash != wantHash {
		return nil, newError(KindSourceHashMismatch, "", "stored hash differs from requested hash")
	}

	// Sections are contiguous: header, code, relocations, end of file.
	size := uint64(len(data))
	if hdr.CodeOffset != HeaderSize {
		return nil, newError(KindInvalidCacheFile, "", fmt.Sprintf("code_offset %d, want %d", hdr.CodeOffset, HeaderSize))
	}
	codeEnd := uint64(hdr.CodeOffset) + uint64(hdr.CodeSize)
	if codeEnd > size {
		return nil, newError(KindInvalidCacheFile, "", fmt.Sprintf("code section [%d,%d) outside file of %d bytes", hdr.CodeOffset, codeEnd, size))
	}
	if uint64(hdr.RelocOffset) != codeEnd {
		return nil, newError(KindInvalidCacheFile, "", fmt.Sprintf("reloc_offset %d, want %d", hdr.RelocOffset, codeEnd))
	}
	relocEnd := uint64(hdr.RelocOffset) + uint64(hdr.RelocCount)*RelocationSize
	if relocEnd != size {
		return nil, newError(KindInvalidCacheFile, "", fmt.Sprintf("relocations end at %d, file is %d bytes", relocEnd, size))
	}

	c := &CachedCode{
		SourceHash:  hdr.SourceHash,
		Code:        append([]byte(nil), data[hdr.CodeOffset:codeEnd]...),
		Relocations: make([]Relocation, 0, hdr.RelocCount),
	}
	for i := uint64(0); i < uint64(hdr.RelocCount); i++ {
		off := uint64(hdr.RelocOffset) + i*RelocationSize
		r, err := DecodeRelocation(data[off : off+RelocationSize])
		if err != nil {
			return nil, err
		}
		c.Relocations = append(c.Relocations, r)
	}
	return c, nil
}
