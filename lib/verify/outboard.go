// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"fmt"
	"io"
)

// Outboard is the complete verification tree of a blob: every node
// hash in pre-order, root first. It is immutable once built.
type Outboard struct {
	size  uint64
	nodes []Hash
}

// chunkSource returns the bytes of one chunk. Leaves are requested in
// ascending order.
type chunkSource func(index uint64, length int) ([]byte, error)

func buildTree(size uint64, source chunkSource) (*Outboard, error) {
	outboard := &Outboard{
		size:  size,
		nodes: make([]Hash, nodeCount(leafCount(size))),
	}

	var walk func(n node, index uint64) (Hash, error)
	walk = func(n node, index uint64) (Hash, error) {
		if n.leaf() {
			chunk, err := source(n.start, chunkLength(n.start, size))
			if err != nil {
				return Hash{}, err
			}
			outboard.nodes[index] = HashLeaf(chunk)
			return outboard.nodes[index], nil
		}
		left, right := n.children()
		leftHash, err := walk(left, index+1)
		if err != nil {
			return Hash{}, err
		}
		rightHash, err := walk(right, index+2*left.count)
		if err != nil {
			return Hash{}, err
		}
		outboard.nodes[index] = HashParent(leftHash, rightHash)
		return outboard.nodes[index], nil
	}

	if _, err := walk(rootNode(size), 0); err != nil {
		return nil, err
	}
	return outboard, nil
}

// Build computes the outboard of size bytes read sequentially from r.
// Reading fewer than size bytes is an error; bytes past size are not
// read.
func Build(r io.Reader, size uint64) (*Outboard, error) {
	buffer := make([]byte, ChunkSize)
	return buildTree(size, func(index uint64, length int) ([]byte, error) {
		if _, err := io.ReadFull(r, buffer[:length]); err != nil {
			return nil, fmt.Errorf("reading chunk %d: %w", index, err)
		}
		return buffer[:length], nil
	})
}

// BuildBytes computes the outboard of an in-memory blob.
func BuildBytes(data []byte) *Outboard {
	outboard, err := buildTree(uint64(len(data)), func(index uint64, length int) ([]byte, error) {
		start := index * ChunkSize
		return data[start : start+uint64(length)], nil
	})
	if err != nil {
		panic("verify: in-memory tree build failed: " + err.Error())
	}
	return outboard
}

// ParseOutboard restores an outboard serialized by [Outboard.Bytes].
// The byte length must match the node count implied by size; the node
// hashes themselves are checked by [Outboard.Validate] or when the
// outboard is opened against a ContentHash.
func ParseOutboard(size uint64, data []byte) (*Outboard, error) {
	expected := int(nodeCount(leafCount(size))) * len(Hash{})
	if len(data) != expected {
		return nil, &LengthMismatchError{Size: size, Expected: expected, Actual: len(data)}
	}
	outboard := &Outboard{size: size, nodes: make([]Hash, expected/len(Hash{}))}
	for i := range outboard.nodes {
		copy(outboard.nodes[i][:], data[i*len(Hash{}):])
	}
	return outboard, nil
}

// Bytes serializes the outboard as concatenated node hashes.
func (o *Outboard) Bytes() []byte {
	data := make([]byte, 0, len(o.nodes)*len(Hash{}))
	for i := range o.nodes {
		data = append(data, o.nodes[i][:]...)
	}
	return data
}

// Size returns the blob length the outboard describes.
func (o *Outboard) Size() uint64 { return o.size }

// Chunks returns the number of chunks in the blob.
func (o *Outboard) Chunks() uint64 { return ChunkCount(o.size) }

// Root returns the Merkle root.
func (o *Outboard) Root() Hash { return o.nodes[0] }

// Hash returns the ContentHash of the blob.
func (o *Outboard) Hash() Hash { return blobHash(o.nodes[0], o.size) }

// Validate checks that every parent node is the hash of its children.
// Together with comparing Hash against a trusted ContentHash, this
// authenticates every leaf hash in the outboard.
func (o *Outboard) Validate() error {
	var walk func(n node, index uint64) error
	walk = func(n node, index uint64) error {
		if n.leaf() {
			return nil
		}
		left, right := n.children()
		leftIndex, rightIndex := index+1, index+2*left.count
		if HashParent(o.nodes[leftIndex], o.nodes[rightIndex]) != o.nodes[index] {
			return &HashMismatchError{Hash: o.Hash(), Offset: n.start * ChunkSize}
		}
		if err := walk(left, leftIndex); err != nil {
			return err
		}
		return walk(right, rightIndex)
	}
	return walk(rootNode(o.size), 0)
}

// Proof returns the hashes a verifier needs, alongside the bytes of r,
// to recompute the root: the maximal subtrees disjoint from r, in
// pre-order.
func (o *Outboard) Proof(r ChunkRange) ([]Hash, error) {
	if err := checkRange(r, o.size); err != nil {
		return nil, err
	}
	var proof []Hash
	var walk func(n node, index uint64)
	walk = func(n node, index uint64) {
		if n.disjoint(r) {
			proof = append(proof, o.nodes[index])
			return
		}
		if n.leaf() {
			return
		}
		left, right := n.children()
		walk(left, index+1)
		walk(right, index+2*left.count)
	}
	walk(rootNode(o.size), 0)
	return proof, nil
}

// leaf returns the hash of chunk index.
func (o *Outboard) leaf(chunk uint64) Hash {
	n, index := rootNode(o.size), uint64(0)
	for !n.leaf() {
		left, right := n.children()
		if chunk < right.start {
			n, index = left, index+1
		} else {
			n, index = right, index+2*left.count
		}
	}
	return o.nodes[index]
}
