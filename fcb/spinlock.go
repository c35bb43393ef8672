/*
 *    spinlock.go - leaf spinlocks for the FCB table's bucket displacement
 *    path and TCPCommon's cross-direction critical sections.
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

import "sync/atomic"

// Spinlock is a leaf lock with a strictly bounded critical section: a few
// dozen field reads/writes, never I/O, never another lock acquired inside
// it (spec §5). It exists instead of sync.Mutex so that a reader on the
// same core that briefly loses the race never parks: it just spins, which
// is the correct trade-off for critical sections this short on a
// non-blocking per-packet path.
type Spinlock struct {
	state int32
}

// Lock spins until the lock is acquired.
func (s *Spinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&s.state, 0, 1) {
		// busy-wait; critical sections guarded by this lock are a few
		// field reads/writes, so a real OS yield here would cost more
		// than it saves.
	}
}

// Unlock releases the lock.
func (s *Spinlock) Unlock() {
	atomic.StoreInt32(&s.state, 0)
}

// TryLock attempts to acquire the lock without spinning, reporting success.
func (s *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&s.state, 0, 1)
}
