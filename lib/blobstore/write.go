// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

// WriteHandle is one caller's reference to a blob's shared write
// target. All handles for the same hash commit into the same data file
// and bitmap. Close releases the reference; it does not discard
// committed chunks.
type WriteHandle struct {
	store  *Store
	entry  *entry
	file   *os.File
	closed atomic.Bool
}

// BeginWrite returns a handle for writing hash, creating a Partial
// entry of size bytes if none exists. Calls for a hash already being
// written share its target. For a hash already complete the handle's
// operations are no-ops. A size that disagrees with the existing entry
// fails with ErrSizeConflict.
func (s *Store) BeginWrite(ctx context.Context, hash verify.Hash, size uint64) (*WriteHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[hash]
	if e == nil {
		e = &entry{
			hash:   hash,
			size:   size,
			state:  StatePartial,
			chunks: bitset.New(uint(verify.ChunkCount(size))),
		}
		bitmap, err := e.chunks.MarshalBinary()
		if err != nil {
			return nil, &IOError{Op: "encode bitmap", Hash: hash, Err: err}
		}
		err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
			return insertEntry(conn, e, bitmap, s.clock.Now())
		})
		if err != nil {
			return nil, &IOError{Op: "insert entry", Hash: hash, Err: err}
		}
		s.entries[hash] = e
		s.logger.Debug("blob write started", "hash", hash, "size", size)
	} else if e.size != size {
		return nil, fmt.Errorf("%w: %s is %d bytes, write declared %d", ErrSizeConflict, hash, e.size, size)
	}

	e.mu.RLock()
	complete := e.state == StateComplete
	e.mu.RUnlock()

	if !complete && e.file == nil {
		file, err := s.openDataFile(hash, size)
		if err != nil {
			return nil, err
		}
		e.file = file
	}
	e.writers++
	return &WriteHandle{store: s, entry: e, file: e.file}, nil
}

// openDataFile opens the sparse data file for writing, sizing it to the
// full blob length on first creation.
func (s *Store) openDataFile(hash verify.Hash, size uint64) (*os.File, error) {
	path := s.dataPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &IOError{Op: "create shard directory", Hash: hash, Err: err}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open data file", Hash: hash, Err: err}
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &IOError{Op: "stat data file", Hash: hash, Err: err}
	}
	if info.Size() != int64(size) {
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, &IOError{Op: "size data file", Hash: hash, Err: err}
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, &IOError{Op: "sync data file", Hash: hash, Err: err}
		}
	}
	return file, nil
}

// Hash returns the blob being written.
func (h *WriteHandle) Hash() verify.Hash { return h.entry.hash }

// Size returns the declared blob length.
func (h *WriteHandle) Size() uint64 { return h.entry.size }

// Complete reports whether the blob has been finalized, by this or any
// other handle.
func (h *WriteHandle) Complete() bool {
	h.entry.mu.RLock()
	defer h.entry.mu.RUnlock()
	return h.entry.state == StateComplete
}

// Missing returns the chunk ranges not yet committed.
func (h *WriteHandle) Missing() []verify.ChunkRange {
	return h.entry.missing()
}

// CommitRange durably stores a verified range. Chunks already
// committed, by this or another handle, are skipped: their bytes are
// identical by construction. The range becomes visible to readers only
// after its bytes are synced and the index records it.
func (h *WriteHandle) CommitRange(ctx context.Context, written verify.WrittenRange) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	e := h.entry
	if !written.Valid() || written.Hash() != e.hash {
		return fmt.Errorf("%w: %s", ErrUnverified, e.hash)
	}

	e.mu.RLock()
	if e.state == StateComplete {
		e.mu.RUnlock()
		return nil
	}
	pending := unwrittenRuns(e.chunks, written.Chunks())
	e.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	data, base := written.Bytes(), written.Offset()
	for _, run := range pending {
		span := run.Bytes(e.size)
		start := span.Offset - base
		if _, err := h.file.WriteAt(data[start:start+span.Length], int64(span.Offset)); err != nil {
			return &IOError{Op: "write chunks", Hash: e.hash, Err: err}
		}
	}
	if err := datasync(h.file); err != nil {
		return &IOError{Op: "sync chunks", Hash: e.hash, Err: err}
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	// chunks is only replaced under commitMu, which is held.
	if e.state == StateComplete {
		return nil
	}
	updated := e.chunks.Clone()
	for _, run := range pending {
		for i := run.Start; i < run.End; i++ {
			updated.Set(uint(i))
		}
	}
	if updated.Count() == e.chunks.Count() {
		return nil
	}
	bitmap, err := updated.MarshalBinary()
	if err != nil {
		return &IOError{Op: "encode bitmap", Hash: e.hash, Err: err}
	}
	err = h.store.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return updateChunks(conn, e.hash, bitmap, h.store.clock.Now())
	})
	if err != nil {
		return &IOError{Op: "record chunks", Hash: e.hash, Err: err}
	}

	e.mu.Lock()
	e.chunks = updated
	e.mu.Unlock()
	return nil
}

// unwrittenRuns returns the maximal runs of r not set in chunks.
func unwrittenRuns(chunks *bitset.BitSet, r verify.ChunkRange) []verify.ChunkRange {
	var runs []verify.ChunkRange
	for i := r.Start; i < r.End; i++ {
		if chunks.Test(uint(i)) {
			continue
		}
		start := i
		for i < r.End && !chunks.Test(uint(i)) {
			i++
		}
		runs = append(runs, verify.ChunkRange{Start: start, End: i})
	}
	return runs
}

// Finalize flips the blob to Complete. Every chunk must be committed or
// it fails with ErrIncomplete. The outboard is rebuilt from the data
// file and must hash to the blob's ContentHash before the state
// changes. Finalizing an already-complete blob is a no-op.
func (h *WriteHandle) Finalize(ctx context.Context) error {
	return h.finalize(ctx, nil)
}

// finalize accepts a precomputed outboard on the import path, where the
// bytes were hashed in memory moments ago.
func (h *WriteHandle) finalize(ctx context.Context, outboard *verify.Outboard) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	e := h.entry
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.state == StateComplete {
		return nil
	}
	if written, total := uint64(e.chunks.Count()), verify.ChunkCount(e.size); written != total {
		return fmt.Errorf("%w: %s has %d of %d chunks", ErrIncomplete, e.hash, written, total)
	}

	if outboard == nil {
		built, err := verify.Build(io.NewSectionReader(h.file, 0, int64(e.size)), e.size)
		if err != nil {
			return &IOError{Op: "build outboard", Hash: e.hash, Err: err}
		}
		outboard = built
	}
	if outboard.Hash() != e.hash {
		return &IOError{Op: "finalize", Hash: e.hash, Err: &verify.HashMismatchError{Hash: e.hash}}
	}

	inline := outboard.Bytes()
	if len(inline) > InlineOutboardLimit {
		if err := h.store.writeOutboardFile(e.hash, inline); err != nil {
			return err
		}
		inline = nil
	}

	err := h.store.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return completeEntry(conn, e.hash, inline, h.store.clock.Now())
	})
	if err != nil {
		return &IOError{Op: "record completion", Hash: e.hash, Err: err}
	}

	e.mu.Lock()
	e.state = StateComplete
	e.chunks = nil
	e.mu.Unlock()

	h.store.logger.Debug("blob complete", "hash", e.hash, "size", e.size)
	return nil
}

// writeOutboardFile stores a large outboard via an atomic rename
// through the tmp directory.
func (s *Store) writeOutboardFile(hash verify.Hash, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "outboard-*")
	if err != nil {
		return &IOError{Op: "create outboard", Hash: hash, Err: err}
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return &IOError{Op: "write outboard", Hash: hash, Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return &IOError{Op: "sync outboard", Hash: hash, Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return &IOError{Op: "close outboard", Hash: hash, Err: err}
	}

	finalPath := s.outboardPath(hash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return &IOError{Op: "create shard directory", Hash: hash, Err: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return &IOError{Op: "rename outboard", Hash: hash, Err: err}
	}
	success = true
	return nil
}

// Close releases this handle's reference to the write target. The last
// handle closes the data file.
func (h *WriteHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	s := h.store
	s.mu.Lock()
	defer s.mu.Unlock()

	e := h.entry
	e.writers--
	if e.writers == 0 && e.file != nil {
		err := e.file.Close()
		e.file = nil
		if err != nil {
			return &IOError{Op: "close data file", Hash: e.hash, Err: err}
		}
	}
	return nil
}

// Put stores data as a complete blob and returns its ContentHash. If
// the blob is already complete nothing is written. If it is partially
// present, the missing chunks are filled in through the shared write
// target.
func (s *Store) Put(ctx context.Context, data []byte) (verify.Hash, error) {
	outboard := verify.BuildBytes(data)
	hash := outboard.Hash()

	handle, err := s.BeginWrite(ctx, hash, outboard.Size())
	if err != nil {
		return hash, err
	}
	defer handle.Close()
	if handle.Complete() {
		return hash, nil
	}

	if chunks := outboard.Chunks(); chunks > 0 {
		cursor, err := verify.NewCursor(hash, outboard.Size(), outboard.Root())
		if err != nil {
			return hash, err
		}
		written, err := cursor.WriteRange(verify.ChunkRange{Start: 0, End: chunks}, data, nil)
		if err != nil {
			return hash, err
		}
		if err := handle.CommitRange(ctx, written); err != nil {
			return hash, err
		}
	}
	if err := handle.finalize(ctx, outboard); err != nil {
		return hash, err
	}
	s.logger.Debug("blob stored", "hash", hash, "size", outboard.Size())
	return hash, nil
}
