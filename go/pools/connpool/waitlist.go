// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"context"
	"sync"
)

// waiter is one goroutine blocked in Get waiting for a connection.
//
// Ownership of a waiter transfers by unlinking it from the waitlist
// under the mutex: whoever unlinks it is the only party allowed to send
// on its channel. The channel is buffered so the sender never blocks.
type waiter[C Connection] struct {
	prev, next *waiter[C]

	// listed is true while the waiter is linked into the waitlist.
	// Only accessed under the waitlist mutex.
	listed bool

	ctx context.Context
	ch  chan *Pooled[C]
}

// waitlist is a FIFO queue of goroutines waiting for a connection.
// Waiters are only woken by a returned connection, by an expire sweep,
// or by pool shutdown, never by their own context. The pool runs a
// periodic expire sweep to fail waiters whose context has ended.
type waitlist[C Connection] struct {
	nodes sync.Pool

	mu     sync.Mutex
	head   *waiter[C]
	tail   *waiter[C]
	count  int
	closed bool
}

func (wl *waitlist[C]) init() {
	wl.nodes.New = func() any {
		return &waiter[C]{ch: make(chan *Pooled[C], 1)}
	}
}

// waiting returns the number of registered waiters.
func (wl *waitlist[C]) waiting() int {
	wl.mu.Lock()
	n := wl.count
	wl.mu.Unlock()
	return n
}

// register appends the calling goroutine to the waitlist. The returned
// waiter must be resolved with await or retract.
func (wl *waitlist[C]) register(ctx context.Context) (*waiter[C], error) {
	w := wl.nodes.Get().(*waiter[C])
	w.ctx = ctx

	wl.mu.Lock()
	if wl.closed {
		wl.mu.Unlock()
		wl.recycle(w)
		return nil, ErrPoolClosed
	}
	w.prev = wl.tail
	if wl.tail == nil {
		wl.head = w
	} else {
		wl.tail.next = w
	}
	wl.tail = w
	w.listed = true
	wl.count++
	wl.mu.Unlock()
	return w, nil
}

// retract removes a waiter that no longer needs a connection. It returns
// false if the waiter was already claimed, in which case a handover is
// in flight and the caller must still await it.
func (wl *waitlist[C]) retract(w *waiter[C]) bool {
	wl.mu.Lock()
	if !w.listed {
		wl.mu.Unlock()
		return false
	}
	wl.unlink(w)
	wl.mu.Unlock()
	wl.recycle(w)
	return true
}

// await blocks until the waiter is woken. A nil connection with a nil
// error means the pool shut down while waiting.
func (wl *waitlist[C]) await(w *waiter[C]) (*Pooled[C], error) {
	conn := <-w.ch
	err := w.ctx.Err()
	wl.recycle(w)
	if conn != nil {
		return conn, nil
	}
	return nil, err
}

// waitForConn registers and blocks until a connection is handed over,
// the waitlist is swept, or the pool closes.
func (wl *waitlist[C]) waitForConn(ctx context.Context) (*Pooled[C], error) {
	w, err := wl.register(ctx)
	if err != nil {
		return nil, err
	}
	return wl.await(w)
}

// tryReturnConn hands the connection to the oldest waiter. Returns false
// if nobody is waiting.
func (wl *waitlist[C]) tryReturnConn(conn *Pooled[C]) bool {
	wl.mu.Lock()
	w := wl.head
	if w == nil {
		wl.mu.Unlock()
		return false
	}
	wl.unlink(w)
	wl.mu.Unlock()
	w.ch <- conn
	return true
}

// expire wakes every waiter whose context has ended, or every waiter
// when force is set. Forced expiry also marks the waitlist closed so no
// new waiter can register. Returns the number of waiters woken.
func (wl *waitlist[C]) expire(force bool) int {
	wl.mu.Lock()
	if force {
		wl.closed = true
	}
	var expired []*waiter[C]
	for w := wl.head; w != nil; {
		next := w.next
		if force || w.ctx.Err() != nil {
			wl.unlink(w)
			expired = append(expired, w)
		}
		w = next
	}
	wl.mu.Unlock()

	for _, w := range expired {
		w.ch <- nil
	}
	return len(expired)
}

// unlink must be called with the mutex held.
func (wl *waitlist[C]) unlink(w *waiter[C]) {
	if w.prev == nil {
		wl.head = w.next
	} else {
		w.prev.next = w.next
	}
	if w.next == nil {
		wl.tail = w.prev
	} else {
		w.next.prev = w.prev
	}
	w.prev = nil
	w.next = nil
	w.listed = false
	wl.count--
}

// recycle returns a resolved waiter to the node pool. The channel is
// always empty here: a claimed waiter has received its send, and a
// retracted waiter was never claimed.
func (wl *waitlist[C]) recycle(w *waiter[C]) {
	w.ctx = nil
	wl.nodes.Put(w)
}
