package errors

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptIndex         = errors.New("corrupt index")
	ErrStorageIO            = errors.New("storage i/o failure")
	ErrUnsupportedDirection = errors.New("unsupported language direction")
	ErrInvalidMessage       = errors.New("invalid ingestion message")
	ErrClosed               = errors.New("resource closed")
)

// CorruptIndexError reports a structurally invalid snapshot or bucket record.
// The owning service must not continue with a partially parsed index.
type CorruptIndexError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptIndexError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", ErrCorruptIndex.Error(), e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptIndexError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorruptIndex}
	}
	return []error{ErrCorruptIndex, e.Err}
}

// StorageIOError wraps a filesystem failure together with the operation and
// path that produced it.
type StorageIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("%s: %s %s: %s", ErrStorageIO.Error(), e.Op, e.Path, e.Err.Error())
}

func (e *StorageIOError) Unwrap() []error {
	return []error{ErrStorageIO, e.Err}
}

func Corrupt(path string, reason string, err error) *CorruptIndexError {
	return &CorruptIndexError{Path: path, Reason: reason, Err: err}
}

func Corruptf(path string, format string, args ...any) *CorruptIndexError {
	return &CorruptIndexError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func StorageIO(op string, path string, err error) *StorageIOError {
	return &StorageIOError{Op: op, Path: path, Err: err}
}

func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptIndex)
}

func IsStorageIO(err error) bool {
	return errors.Is(err, ErrStorageIO)
}
