// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package verify implements blobnet's content addressing and
// incremental verification.
//
// A blob is split into fixed 16 KiB chunks. Each chunk is a leaf of a
// left-balanced binary Merkle tree: a node covering c > 1 leaves puts
// the largest power of two strictly below c in its left subtree. Leaves,
// parents, and the final blob hash use BLAKE3 keyed mode with distinct
// domain keys, so the same bytes hash differently in each role.
//
// The ContentHash binds both the tree root and the blob length:
//
//	hash = BLAKE3_keyed(blob, root || uint64_be(size))
//
// This lets a downloader authenticate a peer's (size, root) header
// before it accepts any content, and reject a lying length up front.
//
// The [Outboard] stores every node hash in pre-order. From it, a
// responder produces a proof for any contiguous chunk range: the
// hashes of the maximal subtrees that lie entirely outside the range.
// A [Cursor] holding the trusted root recomputes the root from the
// range's bytes plus that proof. Ranges can arrive in any order and
// from any peer; each one either verifies completely or fails
// completely with a [HashMismatchError].
//
// Verified bytes are handed out as a [WrittenRange], which only this
// package can construct. Storage layers accept WrittenRange values
// rather than raw bytes, so unverified data cannot be committed by
// mistake.
package verify
