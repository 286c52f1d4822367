// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

// GC removes every blob not reachable from a tag. Reachability follows
// complete collection blobs to their members. Partial blobs are
// removed too unless a write handle or a Hold keeps them. Returns the
// removed hashes.
//
// GC holds the store mutex for its whole run, so no write can begin
// and no tag can change while it decides.
func (s *Store) GC(ctx context.Context) (map[verify.Hash]struct{}, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	reached := s.reachableLocked(ctx)

	removed := make(map[verify.Hash]struct{})
	held := 0
	for hash, e := range s.entries {
		if _, ok := reached[hash]; ok {
			continue
		}
		if e.writers > 0 || s.holds[hash] > 0 {
			held++
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.removeLocked(ctx, e); err != nil {
			s.logger.Error("gc removal failed", "hash", hash, "error", err)
			return removed, err
		}
		removed[hash] = struct{}{}
	}

	s.logger.Info("gc completed",
		"removed", len(removed),
		"held", held,
		"retained", len(s.entries),
		"roots", s.tags.Len(),
	)
	return removed, nil
}

// reachableLocked walks from the tag targets through collections.
// Hashes without an entry are still marked reached: a tag may pin a
// blob ahead of its fetch.
func (s *Store) reachableLocked(ctx context.Context) map[verify.Hash]struct{} {
	var queue []verify.Hash
	for hash := range s.tags.Targets() {
		queue = append(queue, hash)
	}

	reached := make(map[verify.Hash]struct{})
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		if _, seen := reached[hash]; seen {
			continue
		}
		reached[hash] = struct{}{}

		e := s.entries[hash]
		if e == nil {
			continue
		}
		queue = append(queue, s.collectionMembers(ctx, e)...)
	}
	return reached
}

// collectionMembers returns the members of e if it is a complete
// collection blob, and nil otherwise. A blob with the collection magic
// that fails to decode is treated as opaque.
func (s *Store) collectionMembers(ctx context.Context, e *entry) []verify.Hash {
	if e.size < uint64(len(collectionMagic)) || e.size > MaxCollectionSize {
		return nil
	}
	blob, err := s.openEntry(ctx, e)
	if err != nil {
		if !errors.Is(err, ErrIncomplete) {
			s.logger.Warn("gc could not open blob", "hash", e.hash, "error", err)
		}
		return nil
	}
	defer blob.Close()

	prefix := make([]byte, len(collectionMagic))
	if _, err := blob.ReadAt(prefix, 0); err != nil || !IsCollection(prefix) {
		return nil
	}
	data, err := io.ReadAll(io.NewSectionReader(blob, 0, blob.Size()))
	if err != nil {
		s.logger.Warn("gc could not read collection", "hash", e.hash, "error", err)
		return nil
	}
	collection, err := DecodeCollection(data)
	if err != nil {
		s.logger.Warn("gc treating malformed collection as opaque", "hash", e.hash, "error", err)
		return nil
	}
	return collection.Hashes()
}

// removeLocked deletes the index row first, then the files. A crash
// in between leaves unreferenced files, never a row without its data.
func (s *Store) removeLocked(ctx context.Context, e *entry) error {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return deleteEntry(conn, e.hash)
	})
	if err != nil {
		e.mu.Lock()
		e.removed = false
		e.mu.Unlock()
		return &IOError{Op: "delete entry", Hash: e.hash, Err: err}
	}
	delete(s.entries, e.hash)

	for _, path := range []string{s.dataPath(e.hash), s.outboardPath(e.hash)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("gc could not remove file", "path", path, "error", err)
		}
	}
	return nil
}
