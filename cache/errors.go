package cache

import (
	"errors"

	"github.com/farmem/bptcache/basic"
)

var (
	// ErrInvalidPageID reports page id 0 used as an input.
	ErrInvalidPageID = errors.New("page id 0 is invalid")

	// ErrPageNotFound reports a fetch of an id with no backing store record.
	ErrPageNotFound = basic.ErrPageNotFound

	// ErrIO reports a backing store failure during read or write.
	ErrIO = basic.ErrIO

	// ErrOutOfCapacity reports that every slot in the target set or list is
	// pinned and the section declined to grow.
	ErrOutOfCapacity = errors.New("no evictable slot in target section")

	// ErrSectionNotFound reports an operation on an unknown section id.
	ErrSectionNotFound = errors.New("section not found")

	// ErrInvalidMapping reports a mapping to a non-existent section.
	ErrInvalidMapping = errors.New("mapping references an unknown section")

	// ErrDefaultSection reports an attempt to remove the default section.
	ErrDefaultSection = errors.New("default section cannot be removed")
)

// CacheError wraps an error with the operation that produced it.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// NewError wraps err with an operation name.
func NewError(op string, err error) error {
	return &CacheError{Op: op, Err: err}
}

// IsNotFound reports whether err is a missing-page error.
func IsNotFound(err error) bool {
	return basic.IsPageNotFound(err)
}

// IsOutOfCapacity reports whether err means the target section had no
// evictable slot.
func IsOutOfCapacity(err error) bool {
	return errors.Is(err, ErrOutOfCapacity)
}

// IsIOError reports whether err is a backing store IO failure.
func IsIOError(err error) bool {
	return basic.IsIOError(err)
}
