// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bureau-foundation/blobnet/lib/codec"
	"github.com/bureau-foundation/blobnet/lib/verify"
)

// collectionMagic prefixes every encoded collection. A blob that does
// not start with it is opaque content.
var collectionMagic = []byte("BNC1")

// MaxCollectionSize bounds how much of a blob GC and collection
// resolution will decode as a manifest.
const MaxCollectionSize = 64 << 20

// ErrNotCollection means a blob's bytes are not an encoded collection.
var ErrNotCollection = errors.New("blobstore: not a collection")

// Collection is an ordered manifest of named blobs. It is stored as an
// ordinary blob; its members are GC edges.
type Collection struct {
	Entries []CollectionEntry `cbor:"entries"`
}

// CollectionEntry names one member blob.
type CollectionEntry struct {
	Name string      `cbor:"name"`
	Hash verify.Hash `cbor:"hash"`
}

// Encode returns the collection's blob bytes. The encoding is
// deterministic, so equal collections have equal ContentHashes.
func (c *Collection) Encode() ([]byte, error) {
	for i, entry := range c.Entries {
		if entry.Name == "" {
			return nil, fmt.Errorf("blobstore: collection entry %d has an empty name", i)
		}
	}
	body, err := codec.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("blobstore: encoding collection: %w", err)
	}
	return append(bytes.Clone(collectionMagic), body...), nil
}

// Hashes returns the member hashes in manifest order.
func (c *Collection) Hashes() []verify.Hash {
	hashes := make([]verify.Hash, len(c.Entries))
	for i, entry := range c.Entries {
		hashes[i] = entry.Hash
	}
	return hashes
}

// IsCollection reports whether data starts with the collection magic.
func IsCollection(data []byte) bool {
	return bytes.HasPrefix(data, collectionMagic)
}

// DecodeCollection parses blob bytes produced by Encode.
func DecodeCollection(data []byte) (*Collection, error) {
	if !IsCollection(data) {
		return nil, ErrNotCollection
	}
	if len(data) > MaxCollectionSize {
		return nil, fmt.Errorf("blobstore: collection of %d bytes exceeds %d", len(data), MaxCollectionSize)
	}
	var c Collection
	if err := codec.Unmarshal(data[len(collectionMagic):], &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCollection, err)
	}
	return &c, nil
}
