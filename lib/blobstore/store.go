// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/bureau-foundation/blobnet/lib/clock"
	"github.com/bureau-foundation/blobnet/lib/sqlitepool"
	"github.com/bureau-foundation/blobnet/lib/verify"
)

const (
	dataDir   = "data"
	tmpDir    = "tmp"
	indexFile = "index.db"

	dataSuffix     = ".data"
	outboardSuffix = ".obao"
)

// InlineOutboardLimit is the largest outboard kept inside the index
// row. 4 KiB of node hashes covers blobs up to 64 chunks (1 MiB).
const InlineOutboardLimit = 4096

// State is the completeness of a blob entry.
type State int

const (
	// StatePartial entries accept commits and serve only written
	// ranges.
	StatePartial State = 1
	// StateComplete entries have every chunk and a stored outboard.
	StateComplete State = 2
)

func (s State) String() string {
	switch s {
	case StatePartial:
		return "partial"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Info describes one blob entry.
type Info struct {
	Hash  verify.Hash
	Size  uint64
	State State
	// Chunks is the total chunk count; Written is how many are
	// committed. Equal for complete blobs.
	Chunks  uint64
	Written uint64
}

// entry is the in-memory record of one blob.
type entry struct {
	hash verify.Hash
	size uint64

	// commitMu serializes bitmap persistence and finalize.
	commitMu sync.Mutex

	// mu guards state, chunks, and removed. Readers hold it shared
	// while reading committed bytes.
	mu      sync.RWMutex
	state   State
	chunks  *bitset.BitSet
	removed bool

	// Guarded by Store.mu.
	writers int
	file    *os.File
}

func (e *entry) info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info := Info{Hash: e.hash, Size: e.size, State: e.state, Chunks: verify.ChunkCount(e.size)}
	if e.state == StateComplete {
		info.Written = info.Chunks
	} else {
		info.Written = uint64(e.chunks.Count())
	}
	return info
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Root is the store directory. Created if missing.
	Root string

	// PoolSize is the index connection pool size. Zero selects the
	// sqlitepool default.
	PoolSize int

	// Clock stamps index rows and tags. Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Store is a content-addressed blob store. Safe for concurrent use.
type Store struct {
	root   string
	pool   *sqlitepool.Pool
	tags   *TagStore
	clock  clock.Clock
	logger *slog.Logger

	// gcMu is held exclusively by GC and shared by every TagStore
	// mutation, so a tag set during a collection is never missed.
	gcMu sync.RWMutex

	mu      sync.Mutex
	entries map[verify.Hash]*entry
	// holds pins hashes against GC, including ones with no entry yet.
	holds map[verify.Hash]int
}

// Open opens or creates a store at cfg.Root and loads its index.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blobstore: Root is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	for _, dir := range []string{dataDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("blobstore: creating %s directory: %w", dir, err)
		}
	}
	// Anything left in tmp is from an interrupted rename and is
	// unreferenced by construction.
	if stale, err := os.ReadDir(filepath.Join(cfg.Root, tmpDir)); err == nil {
		for _, item := range stale {
			os.Remove(filepath.Join(cfg.Root, tmpDir, item.Name()))
		}
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(cfg.Root, indexFile),
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		Schema:   schema,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: %w", err)
	}

	s := &Store{
		root:    cfg.Root,
		pool:    pool,
		clock:   clk,
		logger:  logger,
		entries: make(map[verify.Hash]*entry),
		holds:   make(map[verify.Hash]int),
	}
	if err := s.loadEntries(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("blobstore: %w", err)
	}
	s.tags, err = newTagStore(ctx, pool, clk, &s.gcMu)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("blobstore: %w", err)
	}

	partial := 0
	for _, e := range s.entries {
		if e.state == StatePartial {
			partial++
		}
	}
	logger.Info("blob store opened",
		"root", cfg.Root,
		"blobs", len(s.entries),
		"partial", partial,
		"tags", s.tags.Len(),
	)
	return s, nil
}

// Close releases the index and any open data files. Write handles
// still open become unusable; their committed chunks are already
// durable.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, e := range s.entries {
		if e.file != nil {
			e.file.Close()
			e.file = nil
		}
	}
	s.mu.Unlock()
	return s.pool.Close()
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Tags returns the tag store.
func (s *Store) Tags() *TagStore { return s.tags }

func (s *Store) shardPath(hash verify.Hash, suffix string) string {
	hex := hash.String()
	return filepath.Join(s.root, dataDir, hex[:2], hex[2:4], hex+suffix)
}

func (s *Store) dataPath(hash verify.Hash) string { return s.shardPath(hash, dataSuffix) }

func (s *Store) outboardPath(hash verify.Hash) string { return s.shardPath(hash, outboardSuffix) }

func (s *Store) lookup(hash verify.Hash) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[hash]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return e, nil
}

// Stat describes the entry for hash.
func (s *Store) Stat(hash verify.Hash) (Info, error) {
	e, err := s.lookup(hash)
	if err != nil {
		return Info{}, err
	}
	return e.info(), nil
}

// Has reports whether hash is stored and complete.
func (s *Store) Has(hash verify.Hash) bool {
	info, err := s.Stat(hash)
	return err == nil && info.State == StateComplete
}

// List returns every entry, ordered by hash.
func (s *Store) List() []Info {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Hash.String() < infos[j].Hash.String()
	})
	return infos
}

// Missing returns the chunk ranges of hash not yet committed, as
// maximal runs in ascending order. A complete blob has none.
func (s *Store) Missing(hash verify.Hash) ([]verify.ChunkRange, error) {
	e, err := s.lookup(hash)
	if err != nil {
		return nil, err
	}
	return e.missing(), nil
}

func (e *entry) missing() []verify.ChunkRange {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == StateComplete {
		return nil
	}
	var ranges []verify.ChunkRange
	count := verify.ChunkCount(e.size)
	for i := uint64(0); i < count; i++ {
		if e.chunks.Test(uint(i)) {
			continue
		}
		start := i
		for i < count && !e.chunks.Test(uint(i)) {
			i++
		}
		ranges = append(ranges, verify.ChunkRange{Start: start, End: i})
	}
	return ranges
}

// Hold pins hash against garbage collection until the returned release
// function is called. The hash need not be stored yet. Release is
// idempotent.
func (s *Store) Hold(hash verify.Hash) (release func()) {
	s.mu.Lock()
	s.holds[hash]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.holds[hash]--; s.holds[hash] <= 0 {
				delete(s.holds, hash)
			}
		})
	}
}

// Tag points name at hash, creating or replacing the tag.
func (s *Store) Tag(ctx context.Context, name string, hash verify.Hash) error {
	return s.tags.Set(ctx, name, hash)
}

// Untag removes the tag name. The blob it pointed at stays until a GC
// finds it unreachable.
func (s *Store) Untag(ctx context.Context, name string) error {
	return s.tags.Delete(ctx, name)
}
