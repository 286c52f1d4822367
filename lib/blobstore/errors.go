// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

var (
	// ErrNotFound means the store has no entry for the hash.
	ErrNotFound = errors.New("blobstore: blob not found")

	// ErrRangeNotWritten means part of a requested range of a partial
	// blob has not been committed yet.
	ErrRangeNotWritten = errors.New("blobstore: range not written")

	// ErrIncomplete is returned by Finalize when chunks are missing,
	// and by OpenBlob for a partial blob.
	ErrIncomplete = errors.New("blobstore: blob incomplete")

	// ErrSizeConflict means a write was started with a length that
	// disagrees with the existing entry for the hash.
	ErrSizeConflict = errors.New("blobstore: declared size conflicts with existing entry")

	// ErrOutOfRange means a read extends past the end of the blob.
	ErrOutOfRange = errors.New("blobstore: range out of bounds")

	// ErrHandleClosed is returned by operations on a closed
	// WriteHandle.
	ErrHandleClosed = errors.New("blobstore: write handle closed")

	// ErrUnverified is returned when a WriteHandle is given a
	// WrittenRange that did not come from verification, or that
	// belongs to a different blob.
	ErrUnverified = errors.New("blobstore: range not verified for this blob")

	// ErrTagNotFound is returned when deleting a tag that does not
	// exist.
	ErrTagNotFound = errors.New("blobstore: tag not found")

	// ErrInvalidTagName is returned for empty or oversized tag names.
	ErrInvalidTagName = errors.New("blobstore: invalid tag name")
)

// IOError reports a filesystem or index failure. Unlike the sentinel
// errors it may be transient; callers decide whether to retry.
type IOError struct {
	Op   string
	Hash verify.Hash
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("blobstore: %s %s: %v", e.Op, e.Hash.Short(), e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
