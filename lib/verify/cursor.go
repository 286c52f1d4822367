// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verify

// Cursor verifies chunk ranges of one blob against a trusted root. It
// holds no mutable state, so ranges may be verified in any order and
// from any number of goroutines.
type Cursor struct {
	hash Hash
	size uint64
	root Hash
}

// NewCursor authenticates a (size, root) header against the blob's
// ContentHash. A header that does not derive hash is rejected before
// any content is looked at.
func NewCursor(hash Hash, size uint64, root Hash) (*Cursor, error) {
	if blobHash(root, size) != hash {
		return nil, &HashMismatchError{Hash: hash, Offset: 0}
	}
	return &Cursor{hash: hash, size: size, root: root}, nil
}

// Hash returns the ContentHash the cursor verifies against.
func (c *Cursor) Hash() Hash { return c.hash }

// Size returns the authenticated blob length.
func (c *Cursor) Size() uint64 { return c.size }

// Root returns the authenticated Merkle root.
func (c *Cursor) Root() Hash { return c.root }

// WriteRange verifies data, the complete bytes of chunk range r,
// using proof (from [Outboard.Proof]) to reach the root. On success it
// returns the verified bytes as a WrittenRange, which retains data:
// the caller must not modify it afterwards. On failure nothing from the
// range is accepted.
func (c *Cursor) WriteRange(r ChunkRange, data []byte, proof []Hash) (WrittenRange, error) {
	if err := checkRange(r, c.size); err != nil {
		return WrittenRange{}, err
	}
	span := r.Bytes(c.size)
	if uint64(len(data)) != span.Length {
		return WrittenRange{}, &HashMismatchError{Hash: c.hash, Offset: span.Offset}
	}

	used := 0
	short := false
	var walk func(n node) Hash
	walk = func(n node) Hash {
		if n.disjoint(r) {
			if used == len(proof) {
				short = true
				return Hash{}
			}
			used++
			return proof[used-1]
		}
		if n.leaf() {
			begin := n.start*ChunkSize - span.Offset
			return HashLeaf(data[begin : begin+uint64(chunkLength(n.start, c.size))])
		}
		left, right := n.children()
		leftHash := walk(left)
		return HashParent(leftHash, walk(right))
	}

	computed := walk(rootNode(c.size))
	if short || used != len(proof) || computed != c.root {
		return WrittenRange{}, &HashMismatchError{Hash: c.hash, Offset: span.Offset}
	}
	return WrittenRange{hash: c.hash, chunks: r, offset: span.Offset, data: data}, nil
}

// WrittenRange is a chunk range whose bytes have been verified against
// a ContentHash. Only this package constructs non-zero values.
type WrittenRange struct {
	hash   Hash
	chunks ChunkRange
	offset uint64
	data   []byte
}

// Valid reports whether w came from a successful verification.
func (w WrittenRange) Valid() bool { return !w.chunks.Empty() }

// Hash returns the blob the bytes belong to.
func (w WrittenRange) Hash() Hash { return w.hash }

// Chunks returns the verified chunk range.
func (w WrittenRange) Chunks() ChunkRange { return w.chunks }

// Offset returns the byte offset of the first verified byte.
func (w WrittenRange) Offset() uint64 { return w.offset }

// Bytes returns the verified bytes. The slice must not be modified.
func (w WrittenRange) Bytes() []byte { return w.data }
