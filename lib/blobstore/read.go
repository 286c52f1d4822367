// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

// ReadRange returns length bytes of hash starting at offset. For a
// partial blob every chunk the range touches must be committed, or it
// fails with ErrRangeNotWritten.
func (s *Store) ReadRange(hash verify.Hash, offset, length uint64) ([]byte, error) {
	e, err := s.lookup(hash)
	if err != nil {
		return nil, err
	}
	if offset > e.size || length > e.size-offset {
		return nil, fmt.Errorf("%w: [%d,+%d) of %d-byte %s", ErrOutOfRange, offset, length, e.size, hash)
	}
	if length == 0 {
		return []byte{}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.removed {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if e.state == StatePartial {
		chunks, _ := verify.ByteRange{Offset: offset, Length: length}.Chunks(e.size)
		for i := chunks.Start; i < chunks.End; i++ {
			if !e.chunks.Test(uint(i)) {
				return nil, fmt.Errorf("%w: chunk %d of %s", ErrRangeNotWritten, i, hash)
			}
		}
	}

	file, err := os.Open(s.dataPath(hash))
	if err != nil {
		return nil, &IOError{Op: "open data file", Hash: hash, Err: err}
	}
	defer file.Close()

	data := make([]byte, length)
	if _, err := file.ReadAt(data, int64(offset)); err != nil {
		return nil, &IOError{Op: "read data file", Hash: hash, Err: err}
	}
	return data, nil
}

// Blob is an open, verified reader over a complete blob. Close it when
// done.
type Blob struct {
	*verify.Reader
	file *os.File
}

// Close releases the underlying data file.
func (b *Blob) Close() error { return b.file.Close() }

// OpenBlob opens a complete blob for verified reading. A partial blob
// fails with ErrIncomplete.
func (s *Store) OpenBlob(ctx context.Context, hash verify.Hash) (*Blob, error) {
	e, err := s.lookup(hash)
	if err != nil {
		return nil, err
	}
	return s.openEntry(ctx, e)
}

// openEntry does not take the store mutex, so GC can call it while
// holding it.
func (s *Store) openEntry(ctx context.Context, e *entry) (*Blob, error) {
	e.mu.RLock()
	state, removed := e.state, e.removed
	e.mu.RUnlock()
	if removed {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, e.hash)
	}
	if state != StateComplete {
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, e.hash)
	}

	outboard, err := s.loadOutboard(ctx, e)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(s.dataPath(e.hash))
	if err != nil {
		return nil, &IOError{Op: "open data file", Hash: e.hash, Err: err}
	}
	reader, err := verify.Open(e.hash, outboard, file)
	if err != nil {
		file.Close()
		return nil, &IOError{Op: "open blob", Hash: e.hash, Err: err}
	}
	return &Blob{Reader: reader, file: file}, nil
}

// Outboard returns the stored outboard of a complete blob.
func (s *Store) Outboard(ctx context.Context, hash verify.Hash) (*verify.Outboard, error) {
	e, err := s.lookup(hash)
	if err != nil {
		return nil, err
	}
	return s.loadOutboard(ctx, e)
}

func (s *Store) loadOutboard(ctx context.Context, e *entry) (*verify.Outboard, error) {
	data, err := s.inlineOutboard(ctx, e.hash)
	if err != nil {
		return nil, &IOError{Op: "read inline outboard", Hash: e.hash, Err: err}
	}
	if data == nil {
		data, err = os.ReadFile(s.outboardPath(e.hash))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: outboard of %s", ErrNotFound, e.hash)
		}
		if err != nil {
			return nil, &IOError{Op: "read outboard", Hash: e.hash, Err: err}
		}
	}
	outboard, err := verify.ParseOutboard(e.size, data)
	if err != nil {
		return nil, &IOError{Op: "parse outboard", Hash: e.hash, Err: err}
	}
	return outboard, nil
}
