package flushmanager

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// --- Error Definitions ---

var (
	ErrIO               = errors.New("i/o error")
	ErrOutOfSpace       = errors.New("no free page left and the file is at its maximum size")
	ErrCorruptedState   = errors.New("state corrupted by an earlier failure")
	ErrPageOutOfRange   = errors.New("page id beyond provisioned capacity")
	ErrPageNotAllocated = errors.New("page is not allocated")
	ErrClosed           = errors.New("disk manager is closed")
	ErrInvalidConfig    = errors.New("invalid disk manager configuration")
	ErrInvalidHeader    = errors.New("invalid database file header")
	ErrDBFileNotFound   = errors.New("database file not found")

	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned     = errors.New("page is pinned and cannot be evicted")
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrPoolClosed     = errors.New("buffer pool is closed")
	ErrGuardReleased  = errors.New("page guard used after release")
)

// CorruptedStateError records an operation that failed midway while holding
// locks over shared state. Once latched, the component refuses further work.
type CorruptedStateError struct {
	Op    string
	Cause error
}

func (e *CorruptedStateError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrCorruptedState, e.Cause)
}

func (e *CorruptedStateError) Unwrap() error { return e.Cause }

func (e *CorruptedStateError) Is(target error) bool { return target == ErrCorruptedState }

// StateTracker latches the first corruption seen by a component.
type StateTracker struct {
	err atomic.Pointer[CorruptedStateError]
}

// Err returns the latched corruption, or nil.
func (s *StateTracker) Err() error {
	if e := s.err.Load(); e != nil {
		return e
	}
	return nil
}

// Fail latches cause as corruption of op and returns the latched error.
func (s *StateTracker) Fail(op string, cause error) error {
	s.err.CompareAndSwap(nil, &CorruptedStateError{Op: op, Cause: cause})
	return s.err.Load()
}

// Trap must be deferred at the top of a critical section. A panic escaping
// the section is latched as corruption and then re-raised.
func (s *StateTracker) Trap(op string) {
	if r := recover(); r != nil {
		cause, ok := r.(error)
		if !ok {
			cause = fmt.Errorf("panic: %v", r)
		}
		s.Fail(op, cause)
		panic(r)
	}
}
