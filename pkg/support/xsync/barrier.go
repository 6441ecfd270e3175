// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements synchronization primitives missing from the standard library.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrLeftEarly is returned by Barrier.Wait when one of the parties left the barrier (see Leave) while the
// others still expected it to arrive.
var ErrLeftEarly = errors.New("a party left the barrier while others were waiting for it")

// Barrier is a cyclic barrier for a fixed number of parties: each call to Wait blocks until all parties
// called Wait, and then the barrier is reset for the next round.
//
// A Barrier can be aborted: every current and future Wait returns the abort error.
// It uses sync.Cond to coordinate the parties.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	waiting    int
	generation uint64 // Incremented every time all parties arrive.
	left       bool
	err        error
}

// NewBarrier creates a Barrier for the given number of parties.
func NewBarrier(parties int) *Barrier {
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until all parties called Wait, or the barrier is aborted, in which case it returns the
// abort error.
func (b *Barrier) Wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if b.left {
		b.abortLocked(ErrLeftEarly)
		return b.err
	}
	generation := b.generation
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return nil
	}
	// The loop is necessary because sync.Cond.Wait() can have spurious wakeups.
	for generation == b.generation && b.err == nil {
		b.cond.Wait()
	}
	if generation == b.generation {
		return b.err
	}
	return nil
}

// Leave marks that one party won't call Wait anymore. If any other party is waiting, or calls Wait
// afterwards, the barrier is aborted with ErrLeftEarly.
func (b *Barrier) Leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.left = true
	if b.waiting > 0 {
		b.abortLocked(ErrLeftEarly)
	}
}

// Abort releases all waiting parties with err. Only the first abort error is kept.
func (b *Barrier) Abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortLocked(err)
}

func (b *Barrier) abortLocked(err error) {
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
}

// Err returns the abort error, or nil if the barrier was not aborted.
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
