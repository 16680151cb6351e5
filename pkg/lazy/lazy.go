// Package lazy provides memoized values that are computed at most once
// until explicitly invalidated.
package lazy

import "sync"

// Value holds either nothing yet or the result of its compute function.
// The zero Value is not usable; create one with New, Deferred or Of.
//
// Get is safe for concurrent use: concurrent first callers block until the
// single computation finishes and then share its result.
type Value[T any] struct {
	mu       sync.Mutex
	compute  func() (T, error)
	dropFunc bool
	resolved bool
	val      T
	err      error
}

// New returns an unresolved memo backed by compute. Invalidate makes the
// next Get run compute again.
func New[T any](compute func() (T, error)) *Value[T] {
	return &Value[T]{compute: compute}
}

// Deferred returns a thunk: compute runs on the first Get and, once it
// succeeds, is replaced by its result for good. A failed run is memoized
// too but can be retried after Invalidate.
func Deferred[T any](compute func() (T, error)) *Value[T] {
	return &Value[T]{compute: compute, dropFunc: true}
}

// Of returns a Value that is already resolved to v
func Of[T any](v T) *Value[T] {
	return &Value[T]{resolved: true, val: v}
}

// Get returns the memoized result, running the compute function if the
// value is unresolved.
func (v *Value[T]) Get() (T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.resolveLocked()
	return v.val, v.err
}

func (v *Value[T]) resolveLocked() {
	if v.resolved || v.compute == nil {
		return
	}
	v.val, v.err = v.compute()
	v.resolved = true
	if v.err == nil && v.dropFunc {
		v.compute = nil
	}
}

// Resolved reports whether Get would return without computing
func (v *Value[T]) Resolved() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resolved
}

// Do runs fn on the resolved value while holding the lock. It resolves
// the value first if needed.
func (v *Value[T]) Do(fn func(T) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.resolveLocked()
	if v.err != nil {
		return v.err
	}
	return fn(v.val)
}

// Set replaces the held value and marks it resolved. A later Invalidate
// still recomputes for memos created with New.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.val, v.err, v.resolved = val, nil, true
}

// Invalidate drops the memoized result so that the next Get recomputes.
// Values without a compute function (Of, or a Deferred thunk that already
// succeeded) keep their value.
func (v *Value[T]) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.compute == nil {
		return
	}
	var zero T
	v.val, v.err, v.resolved = zero, nil, false
}
