// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/blobnet/lib/blobstore"
	"github.com/bureau-foundation/blobnet/lib/clock"
	"github.com/bureau-foundation/blobnet/lib/downloader"
	"github.com/bureau-foundation/blobnet/lib/verify"
	"github.com/bureau-foundation/blobnet/lib/wire"
	"github.com/bureau-foundation/blobnet/transport"
)

// DefaultCollectionDepth is the nesting limit used when
// Config.CollectionDepth is zero.
const DefaultCollectionDepth = 8

// ErrNotFound is returned by Get for a hash with no complete local
// copy and no fetch in progress.
var ErrNotFound = blobstore.ErrNotFound

// ErrCollectionDepth is returned by FetchCollection for collections
// nested deeper than the configured limit.
var ErrCollectionDepth = errors.New("collection nesting exceeds depth limit")

// Config configures an [Engine].
type Config struct {
	Store  *blobstore.Store
	Dialer transport.Dialer

	// Downloader tunes fetch scheduling. Its Store, Dialer, Clock and
	// Logger fields are filled in from this Config.
	Downloader downloader.Config

	// Codecs are the frame compressions this node serves with. Nil
	// means every supported codec.
	Codecs []wire.Compression

	// CollectionDepth bounds nested collection fetches.
	CollectionDepth int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine is one blobnet node.
type Engine struct {
	store      *blobstore.Store
	downloader *downloader.Downloader
	responder  *wire.Responder
	depth      int
	logger     *slog.Logger

	streams sync.WaitGroup
}

// New builds an engine over an open store. Closing the engine does not
// close the store.
func New(config Config) (*Engine, error) {
	if config.Store == nil {
		return nil, errors.New("engine: Store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	depth := config.CollectionDepth
	if depth <= 0 {
		depth = DefaultCollectionDepth
	}

	downloaderConfig := config.Downloader
	downloaderConfig.Store = downloader.BlobStore(config.Store)
	downloaderConfig.Dialer = config.Dialer
	downloaderConfig.Clock = config.Clock
	downloaderConfig.Logger = logger.With("component", "downloader")
	fetcher, err := downloader.New(downloaderConfig)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:      config.Store,
		downloader: fetcher,
		responder: wire.NewResponder(storeSource{config.Store}, wire.ResponderConfig{
			Codecs: config.Codecs,
			Logger: logger.With("component", "responder"),
		}),
		depth:  depth,
		logger: logger,
	}, nil
}

// Store returns the underlying blob store.
func (e *Engine) Store() *blobstore.Store { return e.store }

// Downloader returns the fetch scheduler.
func (e *Engine) Downloader() *downloader.Downloader { return e.downloader }

// Put stores data and returns its ContentHash.
func (e *Engine) Put(ctx context.Context, data []byte) (verify.Hash, error) {
	return e.store.Put(ctx, data)
}

// PutCollection stores a collection manifest of already-known member
// hashes. Members need not be stored locally.
func (e *Engine) PutCollection(ctx context.Context, entries []blobstore.CollectionEntry) (verify.Hash, error) {
	data, err := (&blobstore.Collection{Entries: entries}).Encode()
	if err != nil {
		return verify.Hash{}, err
	}
	return e.store.Put(ctx, data)
}

// Get opens the complete local copy of hash. If a fetch of hash is in
// progress Get waits for it; otherwise an absent or partial blob fails
// with ErrNotFound.
func (e *Engine) Get(ctx context.Context, hash verify.Hash) (*blobstore.Blob, error) {
	if handle, fetching := e.downloader.Join(hash); fetching {
		result, err := handle.Wait(ctx)
		if err != nil {
			e.downloader.Cancel(handle)
			return nil, err
		}
		if result.Status != downloader.StatusDone {
			return nil, fmt.Errorf("%w: %s: fetch ended %s: %w", ErrNotFound, hash, result.Status, result.Err)
		}
	}

	blob, err := e.store.OpenBlob(ctx, hash)
	if errors.Is(err, blobstore.ErrIncomplete) {
		return nil, fmt.Errorf("%w: %s is partial", ErrNotFound, hash)
	}
	return blob, err
}

// Fetch starts or joins the fetch of hash from peers.
func (e *Engine) Fetch(hash verify.Hash, peers []string) *downloader.FetchHandle {
	return e.downloader.Want(hash, peers)
}

// Cancel detaches a handle returned by Fetch.
func (e *Engine) Cancel(handle *downloader.FetchHandle) {
	e.downloader.Cancel(handle)
}

// Tag points name at hash, pinning it and, for collections, everything
// it reaches.
func (e *Engine) Tag(ctx context.Context, name string, hash verify.Hash) error {
	return e.store.Tag(ctx, name, hash)
}

// Untag removes a tag.
func (e *Engine) Untag(ctx context.Context, name string) error {
	return e.store.Untag(ctx, name)
}

// GC removes blobs no tag reaches and returns the removed hashes.
func (e *Engine) GC(ctx context.Context) (map[verify.Hash]struct{}, error) {
	return e.store.GC(ctx)
}

// Serve answers peers' streams from listener until ctx ends or the
// listener closes, then waits for active streams to finish.
func (e *Engine) Serve(ctx context.Context, listener transport.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	e.logger.Info("serving blobs", "address", listener.Addr())
	for {
		stream, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				break
			}
			e.logger.Error("accept failed", "error", err)
			continue
		}
		e.streams.Add(1)
		go func() {
			defer e.streams.Done()
			if err := e.ServeStream(ctx, stream); err != nil && ctx.Err() == nil {
				e.logger.Warn("stream ended with error", "error", err)
			}
		}()
	}
	e.streams.Wait()
	return nil
}

// ServeStream answers one peer's stream and closes it. Cancelling ctx
// closes the stream.
func (e *Engine) ServeStream(ctx context.Context, stream io.ReadWriteCloser) error {
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()
	return e.responder.Serve(ctx, stream)
}

// Close cancels every fetch and waits for them to exit.
func (e *Engine) Close() error {
	return e.downloader.Close()
}

// storeSource serves the store's complete blobs.
type storeSource struct {
	store *blobstore.Store
}

func (s storeSource) OpenBlob(ctx context.Context, hash verify.Hash) (wire.Blob, error) {
	blob, err := s.store.OpenBlob(ctx, hash)
	if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrIncomplete) {
		return nil, fmt.Errorf("%w: %w", wire.ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}
