package aot

import (
	"errors"
	"fmt"
)

// ErrorKind classifies cache errors.
type ErrorKind uint8

const (
	KindIo ErrorKind = iota
	KindInvalidCacheFile
	KindVersionMismatch
	KindSourceHashMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindIo:
		return "io"
	case KindInvalidCacheFile:
		return "invalid cache file"
	case KindVersionMismatch:
		return "version mismatch"
	case KindSourceHashMismatch:
		return "source hash mismatch"
	default:
		return "unknown"
	}
}

// Sentinels matched by CacheError.Is, for use with errors.Is.
var (
	ErrIo                 = errors.New("aot: io error")
	ErrInvalidCacheFile   = errors.New("aot: invalid cache file")
	ErrVersionMismatch    = errors.New("aot: version mismatch")
	ErrSourceHashMismatch = errors.New("aot: source hash mismatch")
)

// Relocation errors.
var (
	ErrRelocationOutOfBounds = errors.New("aot: relocation out of bounds")
	ErrRelocationOverflow    = errors.New("aot: relocation displacement does not fit in 32 bits")
	ErrUnknownHelper         = errors.New("aot: unknown runtime helper")
	ErrNotCached             = errors.New("aot: not cached")
)

// CacheError describes a failed cache operation.
type CacheError struct {
	Kind ErrorKind
	Path string
	Msg  string
	Err  error
}

func newError(kind ErrorKind, path, msg string) *CacheError {
	return &CacheError{Kind: kind, Path: path, Msg: msg}
}

func ioError(path string, err error) *CacheError {
	return &CacheError{Kind: KindIo, Path: path, Err: err}
}

func (e *CacheError) Error() string {
	s := "aot: " + e.Kind.String()
	if e.Path != "" {
		s += " " + e.Path
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += fmt.Sprintf(": %v", e.Err)
	}
	return s
}

func (e *CacheError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *CacheError) Is(target error) bool {
	switch target {
	case ErrIo:
		return e.Kind == KindIo
	case ErrInvalidCacheFile:
		return e.Kind == KindInvalidCacheFile
	case ErrVersionMismatch:
		return e.Kind == KindVersionMismatch
	case ErrSourceHashMismatch:
		return e.Kind == KindSourceHashMismatch
	}
	return false
}

func withPath(err error, path string) error {
	var ce *CacheError
	if errors.As(err, &ce) && ce.Path == "" {
		ce.Path = path
	}
	return err
}
