// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

// Status is the state of a fetch as seen through a handle.
type Status int32

const (
	StatusQueued Status = iota
	StatusInFlight
	StatusVerifying
	StatusDone
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInFlight:
		return "in_flight"
	case StatusVerifying:
		return "verifying"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Result is the outcome of a fetch. Peer names the peer that completed
// it; Err is set for StatusFailed and StatusCancelled.
type Result struct {
	Hash   verify.Hash
	Status Status
	Peer   string
	Err    error
}

// FetchHandle is one caller's attachment to a fetch.
type FetchHandle struct {
	hash  verify.Hash
	fetch *fetch

	done   chan struct{}
	once   sync.Once
	result Result
}

func newHandle(hash verify.Hash) *FetchHandle {
	return &FetchHandle{hash: hash, done: make(chan struct{})}
}

// Hash returns the ContentHash being fetched.
func (h *FetchHandle) Hash() verify.Hash { return h.hash }

// Done is closed when the handle's result is final.
func (h *FetchHandle) Done() <-chan struct{} { return h.done }

// Result returns the final result once Done is closed, and the fetch's
// current status before that.
func (h *FetchHandle) Result() Result {
	select {
	case <-h.done:
		return h.result
	default:
	}
	status := StatusQueued
	if h.fetch != nil {
		status = Status(h.fetch.status.Load())
	}
	return Result{Hash: h.hash, Status: status}
}

// Wait blocks until the result is final or ctx ends. Ending ctx does
// not detach the handle; call [Downloader.Cancel] for that.
func (h *FetchHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// resolve publishes the final result. Later calls are ignored.
func (h *FetchHandle) resolve(result Result) {
	h.once.Do(func() {
		result.Hash = h.hash
		h.result = result
		close(h.done)
	})
}
