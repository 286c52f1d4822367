// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"context"

	"github.com/bureau-foundation/blobnet/lib/blobstore"
	"github.com/bureau-foundation/blobnet/lib/verify"
)

// Store is the local blob store a downloader fills.
type Store interface {
	// Has reports whether a complete copy exists.
	Has(hash verify.Hash) bool

	// BeginWrite opens the partial entry for hash, creating it if
	// needed.
	BeginWrite(ctx context.Context, hash verify.Hash, size uint64) (Target, error)

	// Hold pins hash against garbage collection until release is
	// called.
	Hold(hash verify.Hash) (release func())
}

// Target is an open write into one blob.
type Target interface {
	Complete() bool
	Missing() []verify.ChunkRange
	CommitRange(ctx context.Context, written verify.WrittenRange) error
	Finalize(ctx context.Context) error
	Close() error
}

var _ Target = (*blobstore.WriteHandle)(nil)

// BlobStore adapts a *blobstore.Store to [Store].
func BlobStore(store *blobstore.Store) Store {
	return blobStore{store}
}

type blobStore struct {
	*blobstore.Store
}

func (s blobStore) BeginWrite(ctx context.Context, hash verify.Hash, size uint64) (Target, error) {
	handle, err := s.Store.BeginWrite(ctx, hash, size)
	if err != nil {
		return nil, err
	}
	return handle, nil
}
