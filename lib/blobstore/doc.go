// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore persists content-addressed blobs, their outboards,
// and the tags that pin them.
//
// On-disk layout under the store root:
//
//	index.db                       SQLite index (blobs and tags tables)
//	data/aa/bb/<hash>.data         blob bytes, sparse while partial
//	data/aa/bb/<hash>.obao         outboard, when too large to inline
//	tmp/                           staging for atomic renames
//
// A blob is Partial until every chunk has been committed, then
// Complete. Chunks reach the data file only as [verify.WrittenRange]
// values, so every byte marked written has been verified. A commit
// writes the bytes, syncs the data file, and then records the chunks in
// the index inside an IMMEDIATE transaction, so a crash at any point
// leaves the index describing exactly the chunks that are durably on
// disk.
//
// Finalize re-derives the outboard from the data file, confirms it
// hashes to the blob's ContentHash, and flips the entry to Complete in
// a single transaction.
//
// Concurrency: the store mutex guards the entry arena only. Each entry
// carries its own lock for the written-chunk bitmap, so readers of
// committed ranges proceed while other ranges of the same blob are
// being written. Concurrent begin-write calls for one hash share a
// single write target.
//
// Garbage collection keeps every blob reachable from a tag, following
// collection blobs to their members, and removes everything else that
// no writer or fetch currently holds.
package blobstore
