// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"context"
	"sync"
)

// Pool bounds how many transfers run at once.
type Pool struct {
	slots chan struct{}
}

// NewPool returns a pool with size slots. A size below one is treated
// as one.
func NewPool(size int) *Pool {
	return &Pool{slots: make(chan struct{}, max(size, 1))}
}

// Acquire blocks until a slot is free or ctx ends. The returned release
// function gives the slot back; calling it more than once is harmless.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-p.slots })
	}, nil
}

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int { return len(p.slots) }

// Size returns the number of slots.
func (p *Pool) Size() int { return cap(p.slots) }
