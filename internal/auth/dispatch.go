// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"sync"

	"github.com/google/uuid"
)

// laneBuffer bounds how many operations a single session can queue before
// Submit starts rejecting. Storage calls are slow; an unauthenticated
// session has no business queueing more than a handful.
const laneBuffer = 16

// lane serializes one session's operations. Its own lock covers the
// send/close pair: the host may submit a command concurrently with the same
// session's leave, and a close must never land between a submitter's
// closed-check and its send.
type lane struct {
	mu     sync.Mutex
	ch     chan func()
	closed bool
}

// submit enqueues fn unless the lane is closed or saturated.
func (l *lane) submit(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.ch <- fn:
		return true
	default:
		return false
	}
}

// shut closes the lane exactly once; queued work still drains.
func (l *lane) shut() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// Dispatcher runs each session's operations on a dedicated FIFO lane so
// storage I/O never blocks the host's event loop, while a session's own
// commands keep their order relative to each other. Different sessions
// proceed in parallel.
type Dispatcher struct {
	mu     sync.Mutex
	lanes  map[uuid.UUID]*lane
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{lanes: make(map[uuid.UUID]*lane)}
}

// Submit enqueues fn on the session's lane, creating it on first use.
// Returns false if the dispatcher or the lane is closed, or the lane is
// saturated; the work is not run in that case.
func (d *Dispatcher) Submit(id uuid.UUID, fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	ln, ok := d.lanes[id]
	if !ok {
		ln = &lane{ch: make(chan func(), laneBuffer)}
		d.lanes[id] = ln
		d.wg.Add(1)
		go d.run(ln.ch)
	}
	d.mu.Unlock()

	return ln.submit(fn)
}

// Release tears down the session's lane after any queued work drains.
// Called on session leave. Safe to race with Submit for the same session:
// a late submission is rejected instead of panicking.
func (d *Dispatcher) Release(id uuid.UUID) {
	d.mu.Lock()
	ln, ok := d.lanes[id]
	if ok {
		delete(d.lanes, id)
	}
	d.mu.Unlock()
	if ok {
		ln.shut()
	}
}

// Close tears down all lanes and waits for queued work to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	lanes := make([]*lane, 0, len(d.lanes))
	for id, ln := range d.lanes {
		lanes = append(lanes, ln)
		delete(d.lanes, id)
	}
	d.mu.Unlock()

	for _, ln := range lanes {
		ln.shut()
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(ch chan func()) {
	defer d.wg.Done()
	for fn := range ch {
		fn()
	}
}
