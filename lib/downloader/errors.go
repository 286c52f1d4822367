// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the result of a handle detached by Cancel, and of
	// a fetch whose last handle detached.
	ErrCancelled = errors.New("fetch cancelled")

	// ErrClosed is returned for fetches requested from, or interrupted
	// by, a closed downloader.
	ErrClosed = errors.New("downloader closed")

	// ErrNoPeers is the last error of a fetch that had no candidate
	// peers to try.
	ErrNoPeers = errors.New("no candidate peers")
)

// RetriesExhaustedError is the terminal error of a fetch that failed
// against every candidate peer for the configured number of cycles, or
// that ran out of peers not marked suspect.
type RetriesExhaustedError struct {
	// Cycles is the number of cycles attempted.
	Cycles int

	// Last is the error of the final attempt.
	Last error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("fetch failed after %d cycles: %v", e.Cycles, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// AttemptError records which peer a failed transfer attempt ran
// against.
type AttemptError struct {
	Peer    string
	Suspect bool
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("peer %s: %v", e.Peer, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }
