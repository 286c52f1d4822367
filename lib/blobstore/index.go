// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

// schema is applied to every index connection. The chunks column holds
// the written-chunk bitmap of a partial blob and is NULL once the blob
// is complete. The outboard column holds small outboards inline;
// larger ones live next to the data file.
const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	hash       BLOB PRIMARY KEY,
	size       INTEGER NOT NULL,
	state      INTEGER NOT NULL,
	chunks     BLOB,
	outboard   BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS tags (
	name       TEXT PRIMARY KEY,
	hash       BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// columnHash reads a 32-byte hash column.
func columnHash(stmt *sqlite.Stmt, column int) (verify.Hash, error) {
	var hash verify.Hash
	if length := stmt.ColumnLen(column); length != len(hash) {
		return hash, fmt.Errorf("hash column is %d bytes", length)
	}
	stmt.ColumnBytes(column, hash[:])
	return hash, nil
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnIsNull(column) {
		return nil
	}
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}

// loadEntries reads every blob row into the in-memory arena.
func (s *Store) loadEntries(ctx context.Context) error {
	return s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT hash, size, state, chunks FROM blobs", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hash, err := columnHash(stmt, 0)
				if err != nil {
					return fmt.Errorf("loading blob index: %w", err)
				}
				e := &entry{
					hash:  hash,
					size:  uint64(stmt.ColumnInt64(1)),
					state: State(stmt.ColumnInt64(2)),
				}
				if e.state == StatePartial {
					e.chunks = bitset.New(uint(verify.ChunkCount(e.size)))
					if data := columnBlob(stmt, 3); data != nil {
						if err := e.chunks.UnmarshalBinary(data); err != nil {
							return fmt.Errorf("loading chunk bitmap of %s: %w", hash, err)
						}
					}
				}
				s.entries[hash] = e
				return nil
			},
		})
	})
}

func insertEntry(conn *sqlite.Conn, e *entry, bitmap []byte, now time.Time) error {
	return sqlitex.Execute(conn,
		`INSERT INTO blobs (hash, size, state, chunks, outboard, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{e.hash[:], int64(e.size), int64(e.state), bitmap, now.UnixNano(), now.UnixNano()},
		})
}

func updateChunks(conn *sqlite.Conn, hash verify.Hash, bitmap []byte, now time.Time) error {
	return sqlitex.Execute(conn,
		"UPDATE blobs SET chunks = ?, updated_at = ? WHERE hash = ? AND state = ?",
		&sqlitex.ExecOptions{
			Args: []any{bitmap, now.UnixNano(), hash[:], int64(StatePartial)},
		})
}

func completeEntry(conn *sqlite.Conn, hash verify.Hash, inlineOutboard []byte, now time.Time) error {
	var outboard any
	if inlineOutboard != nil {
		outboard = inlineOutboard
	}
	return sqlitex.Execute(conn,
		"UPDATE blobs SET state = ?, chunks = NULL, outboard = ?, updated_at = ? WHERE hash = ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(StateComplete), outboard, now.UnixNano(), hash[:]},
		})
}

func deleteEntry(conn *sqlite.Conn, hash verify.Hash) error {
	return sqlitex.Execute(conn, "DELETE FROM blobs WHERE hash = ?", &sqlitex.ExecOptions{
		Args: []any{hash[:]},
	})
}

// inlineOutboard returns the outboard stored in the index row, or nil
// if the row keeps it in a file.
func (s *Store) inlineOutboard(ctx context.Context, hash verify.Hash) ([]byte, error) {
	var data []byte
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT outboard FROM blobs WHERE hash = ?", &sqlitex.ExecOptions{
			Args: []any{hash[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data = columnBlob(stmt, 0)
				return nil
			},
		})
	})
	return data, err
}
