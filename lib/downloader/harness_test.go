// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/blobnet/lib/blobstore"
	"github.com/bureau-foundation/blobnet/lib/clock"
	"github.com/bureau-foundation/blobnet/lib/testutil"
	"github.com/bureau-foundation/blobnet/lib/verify"
	"github.com/bureau-foundation/blobnet/lib/wire"
	"github.com/bureau-foundation/blobnet/transport"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *blobstore.Store {
	t.Helper()
	store, err := blobstore.Open(context.Background(), blobstore.Config{
		Root:  t.TempDir(),
		Clock: clock.Fake(testEpoch),
	})
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// storeSource serves a blobstore's complete blobs to the wire
// responder.
type storeSource struct {
	store *blobstore.Store
}

func (s storeSource) OpenBlob(ctx context.Context, hash verify.Hash) (wire.Blob, error) {
	blob, err := s.store.OpenBlob(ctx, hash)
	if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrIncomplete) {
		return nil, wire.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// servePeer registers name on network and answers every stream with a
// responder over source.
func servePeer(t *testing.T, network *transport.MemoryNetwork, name string, source wire.Source) {
	t.Helper()
	listener, err := network.Listen(name)
	if err != nil {
		t.Fatalf("Listen(%s): %v", name, err)
	}
	responder := wire.NewResponder(source, wire.ResponderConfig{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			stream, err := listener.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer stream.Close()
				responder.Serve(context.Background(), stream)
			}()
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		wg.Wait()
	})
}

// corruptSource flips one byte of everything it serves at offset.
type corruptSource struct {
	wire.Source
	offset int64
}

func (s corruptSource) OpenBlob(ctx context.Context, hash verify.Hash) (wire.Blob, error) {
	blob, err := s.Source.OpenBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	return corruptBlob{Blob: blob, offset: s.offset}, nil
}

type corruptBlob struct {
	wire.Blob
	offset int64
}

func (b corruptBlob) ReadAt(p []byte, off int64) (int, error) {
	n, err := b.Blob.ReadAt(p, off)
	if b.offset >= off && b.offset < off+int64(n) {
		p[b.offset-off] ^= 0x01
	}
	return n, err
}

// gatedSource serves normally except that reads at or past gateOffset
// block until open is closed. It counts reads per offset.
type gatedSource struct {
	wire.Source
	gateOffset int64
	reached    chan struct{}
	open       chan struct{}

	mu          sync.Mutex
	reachedOnce sync.Once
	reads       map[int64]int
}

func newGatedSource(inner wire.Source, gateOffset int64) *gatedSource {
	return &gatedSource{
		Source:     inner,
		gateOffset: gateOffset,
		reached:    make(chan struct{}),
		open:       make(chan struct{}),
		reads:      make(map[int64]int),
	}
}

func (s *gatedSource) OpenBlob(ctx context.Context, hash verify.Hash) (wire.Blob, error) {
	blob, err := s.Source.OpenBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	return gatedBlob{Blob: blob, source: s}, nil
}

func (s *gatedSource) readsAt(offset int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[offset]
}

type gatedBlob struct {
	wire.Blob
	source *gatedSource
}

func (b gatedBlob) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.source.gateOffset {
		b.source.reachedOnce.Do(func() { close(b.source.reached) })
		<-b.source.open
	}
	b.source.mu.Lock()
	b.source.reads[off]++
	b.source.mu.Unlock()
	return b.Blob.ReadAt(p, off)
}

// blockingSource delays every OpenBlob until release is closed, then
// defers to inner (or reports not found if inner is nil).
type blockingSource struct {
	inner   wire.Source
	release chan struct{}
	opened  chan struct{}
	once    sync.Once
}

func newBlockingSource(inner wire.Source) *blockingSource {
	return &blockingSource{inner: inner, release: make(chan struct{}), opened: make(chan struct{})}
}

func (s *blockingSource) OpenBlob(ctx context.Context, hash verify.Hash) (wire.Blob, error) {
	s.once.Do(func() { close(s.opened) })
	<-s.release
	if s.inner == nil {
		return nil, wire.ErrNotFound
	}
	return s.inner.OpenBlob(ctx, hash)
}

// stallingDialer wraps a dialer. Its first OpenStream ignores ctx and
// blocks until release is closed. Every call is announced on dialed,
// and peak records the most calls ever in progress at once.
type stallingDialer struct {
	inner   transport.Dialer
	release chan struct{}
	dialed  chan struct{}

	mu     sync.Mutex
	calls  int
	active int
	peak   int
}

func newStallingDialer(inner transport.Dialer) *stallingDialer {
	return &stallingDialer{inner: inner, release: make(chan struct{}), dialed: make(chan struct{}, 16)}
}

func (d *stallingDialer) OpenStream(ctx context.Context, peer string) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	d.calls++
	first := d.calls == 1
	d.active++
	d.peak = max(d.peak, d.active)
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	d.dialed <- struct{}{}
	if first {
		<-d.release
	}
	return d.inner.OpenStream(ctx, peer)
}

func (d *stallingDialer) stats() (calls, peak int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, d.peak
}

func newDownloader(t *testing.T, store *blobstore.Store, network *transport.MemoryNetwork, modify func(*Config)) *Downloader {
	t.Helper()
	config := Config{
		Store:  BlobStore(store),
		Dialer: network,
		Clock:  clock.Fake(testEpoch),
	}
	if modify != nil {
		modify(&config)
	}
	downloader, err := New(config)
	if err != nil {
		t.Fatalf("downloader.New: %v", err)
	}
	t.Cleanup(func() { downloader.Close() })
	return downloader
}

func waitResult(t *testing.T, handle *FetchHandle) Result {
	t.Helper()
	result, err := handle.Wait(testutil.Context(t))
	if err != nil {
		t.Fatalf("waiting for %s: %v", handle.Hash().Short(), err)
	}
	return result
}

func readAll(t *testing.T, store *blobstore.Store, hash verify.Hash, size int) []byte {
	t.Helper()
	data, err := store.ReadRange(hash, 0, uint64(size))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	return data
}
