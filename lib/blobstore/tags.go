// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/blobnet/lib/clock"
	"github.com/bureau-foundation/blobnet/lib/sqlitepool"
	"github.com/bureau-foundation/blobnet/lib/verify"
)

// MaxTagNameLength is the maximum byte length of a tag name. Names are
// often hierarchical ("dataset/2026-10/latest").
const MaxTagNameLength = 512

// ErrTagConflict is returned by SetIf when the tag's current target is
// not the expected one.
var ErrTagConflict = errors.New("blobstore: tag conflict")

// TagRecord is one tag.
type TagRecord struct {
	Name      string
	Target    verify.Hash
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TagStore maps tag names to hashes, backed by the tags table with an
// in-memory copy for reads. Mutations of one name are serialized;
// different names proceed in parallel. Every mutation shares the
// store's GC lock, so none lands while a collection is deciding.
type TagStore struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
	gc    *sync.RWMutex
	locks nameLocks

	mu      sync.RWMutex
	entries map[string]TagRecord
}

func newTagStore(ctx context.Context, pool *sqlitepool.Pool, clk clock.Clock, gc *sync.RWMutex) (*TagStore, error) {
	ts := &TagStore{
		pool:    pool,
		clock:   clk,
		gc:      gc,
		locks:   nameLocks{locks: make(map[string]*nameLock)},
		entries: make(map[string]TagRecord),
	}
	err := pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT name, hash, created_at, updated_at FROM tags", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				target, err := columnHash(stmt, 1)
				if err != nil {
					return fmt.Errorf("loading tag %q: %w", stmt.ColumnText(0), err)
				}
				record := TagRecord{
					Name:      stmt.ColumnText(0),
					Target:    target,
					CreatedAt: time.Unix(0, stmt.ColumnInt64(2)).UTC(),
					UpdatedAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				}
				ts.entries[record.Name] = record
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading tags: %w", err)
	}
	return ts, nil
}

func validateTagName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTagName)
	}
	if len(name) > MaxTagNameLength {
		return fmt.Errorf("%w: name is %d bytes, maximum is %d", ErrInvalidTagName, len(name), MaxTagNameLength)
	}
	return nil
}

// Get returns the tag record for name.
func (ts *TagStore) Get(name string) (TagRecord, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	record, exists := ts.entries[name]
	return record, exists
}

// Set points name at target unconditionally.
func (ts *TagStore) Set(ctx context.Context, name string, target verify.Hash) error {
	return ts.set(ctx, name, target, nil)
}

// SetIf points name at target only if it currently points at expected.
// A tag that does not exist yet is created regardless.
func (ts *TagStore) SetIf(ctx context.Context, name string, target, expected verify.Hash) error {
	return ts.set(ctx, name, target, &expected)
}

func (ts *TagStore) set(ctx context.Context, name string, target verify.Hash, expected *verify.Hash) error {
	if err := validateTagName(name); err != nil {
		return err
	}
	ts.gc.RLock()
	defer ts.gc.RUnlock()
	unlock := ts.locks.lock(name)
	defer unlock()

	existing, exists := ts.Get(name)
	if exists && expected != nil && existing.Target != *expected {
		return fmt.Errorf("%w: %q points to %s, expected %s", ErrTagConflict, name, existing.Target.Short(), expected.Short())
	}

	now := ts.clock.Now().UTC()
	record := TagRecord{Name: name, Target: target, CreatedAt: now, UpdatedAt: now}
	if exists {
		record.CreatedAt = existing.CreatedAt
	}

	err := ts.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO tags (name, hash, created_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{
				Args: []any{name, target[:], record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano()},
			})
	})
	if err != nil {
		return &IOError{Op: "set tag " + name, Hash: target, Err: err}
	}

	ts.mu.Lock()
	ts.entries[name] = record
	ts.mu.Unlock()
	return nil
}

// Delete removes a tag. A missing tag fails with ErrTagNotFound.
func (ts *TagStore) Delete(ctx context.Context, name string) error {
	ts.gc.RLock()
	defer ts.gc.RUnlock()
	unlock := ts.locks.lock(name)
	defer unlock()

	existing, exists := ts.Get(name)
	if !exists {
		return fmt.Errorf("%w: %q", ErrTagNotFound, name)
	}
	err := ts.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM tags WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{name},
		})
	})
	if err != nil {
		return &IOError{Op: "delete tag " + name, Hash: existing.Target, Err: err}
	}

	ts.mu.Lock()
	delete(ts.entries, name)
	ts.mu.Unlock()
	return nil
}

// List returns the tags whose names start with prefix, sorted by name.
// An empty prefix returns every tag.
func (ts *TagStore) List(prefix string) []TagRecord {
	ts.mu.RLock()
	var results []TagRecord
	for _, record := range ts.entries {
		if strings.HasPrefix(record.Name, prefix) {
			results = append(results, record)
		}
	}
	ts.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Targets returns every tagged hash with the names pointing at it. GC
// uses it as its root set.
func (ts *TagStore) Targets() map[verify.Hash][]string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	targets := make(map[verify.Hash][]string, len(ts.entries))
	for _, record := range ts.entries {
		targets[record.Target] = append(targets[record.Target], record.Name)
	}
	return targets
}

// Len returns the number of tags.
func (ts *TagStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.entries)
}

// nameLocks hands out one mutex per tag name, dropping it when no
// goroutine holds or waits for it.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func (n *nameLocks) lock(name string) (unlock func()) {
	n.mu.Lock()
	held := n.locks[name]
	if held == nil {
		held = &nameLock{}
		n.locks[name] = held
	}
	held.refs++
	n.mu.Unlock()

	held.mu.Lock()
	return func() {
		held.mu.Unlock()
		n.mu.Lock()
		if held.refs--; held.refs == 0 {
			delete(n.locks, name)
		}
		n.mu.Unlock()
	}
}
