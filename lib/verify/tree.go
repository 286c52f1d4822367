// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"fmt"
	"math/bits"
)

// ChunkSize is the leaf size of the verification tree. Every chunk but
// the last is exactly this long.
const ChunkSize = 16 * 1024

// ChunkRange is a half-open range [Start, End) of chunk indices.
type ChunkRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of chunks in the range.
func (r ChunkRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range contains no chunks.
func (r ChunkRange) Empty() bool { return r.End <= r.Start }

func (r ChunkRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// ByteRange is a contiguous span of blob bytes.
type ByteRange struct {
	Offset uint64 `cbor:"offset"`
	Length uint64 `cbor:"length"`
}

// Chunks rounds r outward to chunk boundaries and clamps it to a blob
// of the given size. The second result is false if nothing of r lies
// inside the blob.
func (r ByteRange) Chunks(size uint64) (ChunkRange, bool) {
	if r.Length == 0 || r.Offset >= size {
		return ChunkRange{}, false
	}
	end := size
	if r.Length < size-r.Offset {
		end = r.Offset + r.Length
	}
	return ChunkRange{
		Start: r.Offset / ChunkSize,
		End:   (end + ChunkSize - 1) / ChunkSize,
	}, true
}

// ChunkCount returns the number of chunks holding size bytes. An empty
// blob has no chunks.
func ChunkCount(size uint64) uint64 {
	return (size + ChunkSize - 1) / ChunkSize
}

// Bytes returns the byte span the chunk range covers in a blob of the
// given size. The last chunk may be short.
func (r ChunkRange) Bytes(size uint64) ByteRange {
	start := min(r.Start*ChunkSize, size)
	end := min(r.End*ChunkSize, size)
	return ByteRange{Offset: start, Length: end - start}
}

// checkRange verifies r is a non-empty range inside a blob of size
// bytes.
func checkRange(r ChunkRange, size uint64) error {
	if r.Empty() || r.End > ChunkCount(size) {
		return fmt.Errorf("%w: %s of %d chunks", ErrInvalidRange, r, ChunkCount(size))
	}
	return nil
}

// leafCount is the number of tree leaves. An empty blob still has one
// (empty) leaf so that every blob has a root.
func leafCount(size uint64) uint64 {
	return max(1, ChunkCount(size))
}

// nodeCount is the number of nodes in a tree of the given leaf count.
func nodeCount(leaves uint64) uint64 {
	return 2*leaves - 1
}

// chunkLength is the byte length of chunk index in a blob of size
// bytes.
func chunkLength(index, size uint64) int {
	start := index * ChunkSize
	if start >= size {
		return 0
	}
	return int(min(ChunkSize, size-start))
}

// node is a subtree covering leaves [start, start+count). Its
// pre-order index in the outboard is tracked separately by callers:
// for a node at index i, the left child is at i+1 and the right child
// at i+2*left.count.
type node struct {
	start uint64
	count uint64
}

func rootNode(size uint64) node {
	return node{start: 0, count: leafCount(size)}
}

func (n node) leaf() bool { return n.count == 1 }

// children splits n at the largest power of two strictly below its
// leaf count. Only valid for non-leaf nodes.
func (n node) children() (left, right node) {
	split := uint64(1) << (bits.Len64(n.count-1) - 1)
	return node{start: n.start, count: split},
		node{start: n.start + split, count: n.count - split}
}

// disjoint reports whether n covers no chunk of r.
func (n node) disjoint(r ChunkRange) bool {
	return n.start >= r.End || n.start+n.count <= r.Start
}
