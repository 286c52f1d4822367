// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bureau-foundation/blobnet/lib/blobstore"
	"github.com/bureau-foundation/blobnet/lib/downloader"
	"github.com/bureau-foundation/blobnet/lib/verify"
)

// FetchCollection fetches the collection hash and every blob it
// reaches from peers. The manifest comes first; then its members are
// fetched concurrently, and members that are themselves collections
// are expanded the same way. It returns the top-level collection once
// everything is local, or the joined errors of the members that
// failed.
func (e *Engine) FetchCollection(ctx context.Context, hash verify.Hash, peers []string) (*blobstore.Collection, error) {
	return e.fetchCollection(ctx, hash, peers, 1)
}

func (e *Engine) fetchCollection(ctx context.Context, hash verify.Hash, peers []string, depth int) (*blobstore.Collection, error) {
	if depth > e.depth {
		return nil, fmt.Errorf("%w: %s at depth %d", ErrCollectionDepth, hash.Short(), depth)
	}
	if err := e.fetchAndWait(ctx, hash, peers); err != nil {
		return nil, fmt.Errorf("fetching collection %s: %w", hash.Short(), err)
	}
	data, err := e.readCollection(ctx, hash)
	if err != nil {
		return nil, err
	}
	collection, err := blobstore.DecodeCollection(data)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", hash.Short(), err)
	}

	e.logger.Debug("fetching collection members",
		"hash", hash,
		"members", len(collection.Entries),
		"depth", depth,
	)

	seen := make(map[verify.Hash]bool)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, entry := range collection.Entries {
		if seen[entry.Hash] {
			continue
		}
		seen[entry.Hash] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.fetchMember(ctx, entry, peers, depth); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return collection, nil
}

// fetchMember fetches one member and descends into it if it turns out
// to be a collection.
func (e *Engine) fetchMember(ctx context.Context, entry blobstore.CollectionEntry, peers []string, depth int) error {
	if err := e.fetchAndWait(ctx, entry.Hash, peers); err != nil {
		return fmt.Errorf("member %q: %w", entry.Name, err)
	}
	nested, err := e.isCollection(ctx, entry.Hash)
	if err != nil || !nested {
		return err
	}
	if _, err := e.fetchCollection(ctx, entry.Hash, peers, depth+1); err != nil {
		return fmt.Errorf("member %q: %w", entry.Name, err)
	}
	return nil
}

// fetchAndWait fetches hash and waits for the outcome. Ending ctx
// detaches from the fetch.
func (e *Engine) fetchAndWait(ctx context.Context, hash verify.Hash, peers []string) error {
	handle := e.downloader.Want(hash, peers)
	result, err := handle.Wait(ctx)
	if err != nil {
		e.downloader.Cancel(handle)
		return err
	}
	if result.Status != downloader.StatusDone {
		return result.Err
	}
	return nil
}

func (e *Engine) readCollection(ctx context.Context, hash verify.Hash) ([]byte, error) {
	blob, err := e.store.OpenBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	if blob.Size() > blobstore.MaxCollectionSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", blobstore.ErrNotCollection, hash.Short(), blob.Size())
	}
	return io.ReadAll(blob)
}

// isCollection reports whether a complete local blob carries a
// collection that decodes.
func (e *Engine) isCollection(ctx context.Context, hash verify.Hash) (bool, error) {
	blob, err := e.store.OpenBlob(ctx, hash)
	if err != nil {
		return false, err
	}
	defer blob.Close()
	if blob.Size() > blobstore.MaxCollectionSize {
		return false, nil
	}
	prefix := make([]byte, 4)
	if n, _ := blob.ReadAt(prefix, 0); n < len(prefix) || !blobstore.IsCollection(prefix) {
		return false, nil
	}
	data, err := io.ReadAll(blob)
	if err != nil {
		return false, err
	}
	_, err = blobstore.DecodeCollection(data)
	return err == nil, nil
}
