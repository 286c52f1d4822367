// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"fmt"
	"io"
)

// Reader reads a complete blob, verifying every chunk it returns
// against the outboard. Corruption of the underlying data surfaces as
// a HashMismatchError instead of bad bytes.
//
// ReadAt is safe for concurrent use; Read and Seek share an offset
// and are not.
type Reader struct {
	outboard *Outboard
	data     io.ReaderAt
	offset   int64
}

// Open authenticates outboard against hash and returns a verified
// reader over data.
func Open(hash Hash, outboard *Outboard, data io.ReaderAt) (*Reader, error) {
	if outboard.Hash() != hash {
		return nil, &HashMismatchError{Hash: hash, Offset: 0}
	}
	if err := outboard.Validate(); err != nil {
		return nil, err
	}
	return &Reader{outboard: outboard, data: data}, nil
}

// Size returns the blob length.
func (r *Reader) Size() int64 { return int64(r.outboard.size) }

// Hash returns the blob's ContentHash.
func (r *Reader) Hash() Hash { return r.outboard.Hash() }

// Outboard returns the authenticated outboard.
func (r *Reader) Outboard() *Outboard { return r.outboard }

// ReadAt implements io.ReaderAt. Whole chunks are read and verified;
// the requested window is copied out of them.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("verify: negative offset %d", off)
	}
	size := r.outboard.size
	if uint64(off) >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	want := p
	if remaining := size - uint64(off); uint64(len(want)) > remaining {
		want = want[:remaining]
	}

	chunk := make([]byte, ChunkSize)
	n := 0
	for n < len(want) {
		position := uint64(off) + uint64(n)
		index := position / ChunkSize
		length := chunkLength(index, size)
		read, err := r.data.ReadAt(chunk[:length], int64(index*ChunkSize))
		if read < length {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, fmt.Errorf("verify: reading chunk %d: %w", index, err)
		}
		if HashLeaf(chunk[:length]) != r.outboard.leaf(index) {
			return n, &HashMismatchError{Hash: r.outboard.Hash(), Offset: index * ChunkSize}
		}
		n += copy(want[n:], chunk[position-index*ChunkSize:length])
	}

	if len(want) < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

// Seek implements io.Seeker.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.offset + offset
	case io.SeekEnd:
		target = r.Size() + offset
	default:
		return 0, fmt.Errorf("verify: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("verify: seek to negative offset %d", target)
	}
	r.offset = target
	return target, nil
}
