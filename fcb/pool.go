/*
 *    pool.go - fixed-capacity object pools for per-flow state.
 *
 *    Copyright (C) 2024  The quietflow Authors
 *
 *    This program is free software: you can redistribute it and/or modify
 *    it under the terms of the GNU General Public License as published by
 *    the Free Software Foundation, either version 3 of the License, or
 *    (at your option) any later version.
 *
 *    This program is distributed in the hope that it will be useful,
 *    but WITHOUT ANY WARRANTY; without even the implied warranty of
 *    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *    GNU General Public License for more details.
 *
 *    You should have received a copy of the GNU General Public License
 *    along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package fcb

import (
	"errors"
	"sync/atomic"
)

// ErrPoolExhausted is the RESOURCE_EXHAUSTED error (spec §7) surfaced when
// a fixed-capacity pool has no free slot to hand out.
var ErrPoolExhausted = errors.New("fcb: pool exhausted")

// Pool is a fixed-capacity free list. Unlike sync.Pool, it never grows
// silently and never discards items under memory pressure: both behaviors
// would violate spec §5's "hard capacity... allocation failure surfaces as
// a flow-creation error". Get/Put never block.
type Pool[T any] struct {
	free    chan *T
	new     func() *T
	inUse   int64
	maxUsed int64
}

// NewPool returns a pool that can hand out up to capacity live objects at
// once, constructing each with newFn on first use.
func NewPool[T any](capacity int, newFn func() *T) *Pool[T] {
	return &Pool[T]{
		free: make(chan *T, capacity),
		new:  newFn,
	}
}

// Get returns a pooled object, allocating a fresh one while the pool has
// not yet reached capacity, reusing a returned one when available, and
// failing with ErrPoolExhausted once capacity live objects are checked out.
func (p *Pool[T]) Get() (*T, error) {
	select {
	case v := <-p.free:
		atomic.AddInt64(&p.inUse, 1)
		p.bumpHighWater()
		return v, nil
	default:
	}
	if int(atomic.LoadInt64(&p.inUse)) < cap(p.free) {
		atomic.AddInt64(&p.inUse, 1)
		p.bumpHighWater()
		return p.new(), nil
	}
	return nil, ErrPoolExhausted
}

func (p *Pool[T]) bumpHighWater() {
	for {
		cur := atomic.LoadInt64(&p.maxUsed)
		inUse := atomic.LoadInt64(&p.inUse)
		if inUse <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&p.maxUsed, cur, inUse) {
			return
		}
	}
}

// resettable is implemented by pooled types that need their previous
// occupant's state wiped before the slot is handed out again; Put calls it
// via a type assertion since Pool itself is type-agnostic.
type resettable interface{ reset() }

// Put returns an object to the pool, resetting it first if its type
// implements resettable. Callers must not retain a reference to v after
// calling Put.
func (p *Pool[T]) Put(v *T) {
	atomic.AddInt64(&p.inUse, -1)
	if r, ok := any(v).(resettable); ok {
		r.reset()
	}
	select {
	case p.free <- v:
	default:
		// Pool was constructed with a smaller capacity than the number of
		// objects handed out (a caller bug); drop rather than block.
	}
}

// InUse reports the number of objects currently checked out.
func (p *Pool[T]) InUse() int { return int(atomic.LoadInt64(&p.inUse)) }

// Capacity reports the pool's fixed capacity.
func (p *Pool[T]) Capacity() int { return cap(p.free) }

// HighWater reports the largest InUse value ever observed, for capacity
// planning diagnostics.
func (p *Pool[T]) HighWater() int { return int(atomic.LoadInt64(&p.maxUsed)) }
