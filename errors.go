package gbptree

import (
	"errors"
	"fmt"
)

// Error represents a gbptree error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gbptree: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("gbptree: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode represents gbptree error codes
type ErrorCode int

// Error codes - stable across releases, negative to stay clear of errno
const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ErrNotFound indicates the key was not found
	ErrNotFound ErrorCode = -40799

	// ErrPageSizeTooSmall indicates the page size cannot fit the minimum entry
	ErrPageSizeTooSmall ErrorCode = -40798

	// ErrPageSizeTooLarge indicates the page size exceeds the supported limit
	ErrPageSizeTooLarge ErrorCode = -40797

	// ErrKeyValueTooLarge indicates a key or key+value exceeds the size cap
	ErrKeyValueTooLarge ErrorCode = -40796

	// ErrCorrupted indicates an unreliable read from a tree page
	ErrCorrupted ErrorCode = -40795

	// ErrInvariant indicates an internal space or structure invariant broke
	ErrInvariant ErrorCode = -40794

	// ErrTreeFull indicates no page could be allocated
	ErrTreeFull ErrorCode = -40793

	// ErrVersionMismatch indicates the file format version doesn't match
	ErrVersionMismatch ErrorCode = -40792

	// ErrInvalid indicates the file is not a valid gbptree file
	ErrInvalid ErrorCode = -40791

	// ErrLayoutMismatch indicates the stored layout doesn't match the given one
	ErrLayoutMismatch ErrorCode = -40790

	// ErrPageNotFound indicates a page reference points outside the file
	ErrPageNotFound ErrorCode = -40789

	// ErrReadOnly indicates a write on a read-only tree
	ErrReadOnly ErrorCode = -40788

	// ErrBusy indicates another writer is active
	ErrBusy ErrorCode = -40787

	// ErrClosed indicates the tree has been closed
	ErrClosed ErrorCode = -40786

	// ErrEmptyKey indicates a write with a zero-length key
	ErrEmptyKey ErrorCode = -40785
)

// Error descriptions
var errorMessages = map[ErrorCode]string{
	Success:             "success",
	ErrNotFound:         "key not found",
	ErrPageSizeTooSmall: "page size too small for dynamic node format",
	ErrPageSizeTooLarge: "page size exceeds supported limit",
	ErrKeyValueTooLarge: "key or key+value size exceeds cap",
	ErrCorrupted:        "tree is corrupted",
	ErrInvariant:        "internal invariant violation",
	ErrTreeFull:         "no page could be allocated",
	ErrVersionMismatch:  "file format version mismatch",
	ErrInvalid:          "file is not a valid gbptree file",
	ErrLayoutMismatch:   "stored layout does not match",
	ErrPageNotFound:     "page reference outside file",
	ErrReadOnly:         "tree is read-only",
	ErrBusy:             "another writer is active",
	ErrClosed:           "tree is closed",
	ErrEmptyKey:         "key must not be empty",
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// Common error variables for convenience
var (
	ErrNotFoundError         = NewError(ErrNotFound)
	ErrPageSizeTooSmallError = NewError(ErrPageSizeTooSmall)
	ErrPageSizeTooLargeError = NewError(ErrPageSizeTooLarge)
	ErrKeyValueTooLargeError = NewError(ErrKeyValueTooLarge)
	ErrCorruptedError        = NewError(ErrCorrupted)
	ErrInvariantError        = NewError(ErrInvariant)
	ErrTreeFullError         = NewError(ErrTreeFull)
	ErrVersionMismatchError  = NewError(ErrVersionMismatch)
	ErrInvalidError          = NewError(ErrInvalid)
	ErrLayoutMismatchError   = NewError(ErrLayoutMismatch)
	ErrPageNotFoundError     = NewError(ErrPageNotFound)
	ErrReadOnlyError         = NewError(ErrReadOnly)
	ErrBusyError             = NewError(ErrBusy)
	ErrClosedError           = NewError(ErrClosed)
	ErrEmptyKeyError         = NewError(ErrEmptyKey)
)

// ReadError describes an unreliable key/value size read from a node page.
// It is attached to ErrCorrupted so callers can report the exact spot.
type ReadError struct {
	PageID    uint64
	Pos       int
	KeySize   int
	ValueSize int
	SizeCap   int
	Tombstone bool
}

func (r *ReadError) Error() string {
	return fmt.Sprintf(
		"read unreliable key, id=%d, keySize=%d, valueSize=%d, keyValueSizeCap=%d, keyHasTombstone=%t, pos=%d",
		r.PageID, r.KeySize, r.ValueSize, r.SizeCap, r.Tombstone, r.Pos)
}

// corruptedAt builds an ErrCorrupted error carrying read diagnostics
func corruptedAt(pageID uint64, pos, keySize, valueSize, sizeCap int, tombstone bool) *Error {
	return WrapError(ErrCorrupted, &ReadError{
		PageID:    pageID,
		Pos:       pos,
		KeySize:   keySize,
		ValueSize: valueSize,
		SizeCap:   sizeCap,
		Tombstone: tombstone,
	})
}

// invariantf builds an ErrInvariant error with a formatted detail message
func invariantf(format string, args ...any) *Error {
	return WrapError(ErrInvariant, fmt.Errorf(format, args...))
}

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrNotFound
	}
	return false
}

// IsCorrupted returns true if the error indicates tree corruption
func IsCorrupted(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCorrupted || e.Code == ErrPageNotFound
	}
	return false
}

// IsInvariant returns true if the error is ErrInvariant
func IsInvariant(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrInvariant
	}
	return false
}

// IsVersionMismatch returns true if the error is ErrVersionMismatch
func IsVersionMismatch(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrVersionMismatch
	}
	return false
}

// Code returns the error code from an error, or ErrInvariant if not a gbptree error
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInvariant
}
