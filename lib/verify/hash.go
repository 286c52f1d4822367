// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. ContentHashes, tree nodes, and
// leaf hashes all have this type.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing: the ASCII name
// of the domain, zero-padded. Changing a key invalidates every hash in
// its domain.
type domainKey [32]byte

func newDomainKey(name string) domainKey {
	var key domainKey
	if copy(key[:], name) != len(name) {
		panic("verify: domain key name longer than 32 bytes: " + name)
	}
	return key
}

var (
	leafDomainKey   = newDomainKey("blobnet.verify.leaf")
	parentDomainKey = newDomainKey("blobnet.verify.parent")
	blobDomainKey   = newDomainKey("blobnet.verify.blob")
)

func keyedHash(key domainKey, parts ...[]byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("verify: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, part := range parts {
		hasher.Write(part)
	}
	var result Hash
	copy(result[:], hasher.Sum(nil))
	return result
}

// HashLeaf returns the leaf hash of one chunk's bytes.
func HashLeaf(chunk []byte) Hash {
	return keyedHash(leafDomainKey, chunk)
}

// HashParent returns the hash of an internal node from its children.
func HashParent(left, right Hash) Hash {
	return keyedHash(parentDomainKey, left[:], right[:])
}

// blobHash derives the ContentHash from a tree root and blob length.
func blobHash(root Hash, size uint64) Hash {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], size)
	return keyedHash(blobDomainKey, root[:], length[:])
}

// DigestOf returns the ContentHash of data.
func DigestOf(data []byte) Hash {
	return BuildBytes(data).Hash()
}

// String returns the lowercase hex form used in logs, tags, and file
// names.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, for human-facing output
// where the full hash is noise.
func (h Hash) Short() string {
	return h.String()[:12]
}

// IsZero reports whether h is the all-zero value, which never names a
// real blob.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// LogValue renders the hash as hex in structured logs instead of a
// 32-element byte array.
func (h Hash) LogValue() slog.Value {
	return slog.StringValue(h.String())
}

// CID returns the CIDv1 form of the hash: raw codec, BLAKE3 multihash.
// This is the form to hand to IPFS-aware tooling; the digest bytes are
// the ContentHash unchanged.
func (h Hash) CID() cid.Cid {
	encoded, err := multihash.Encode(h[:], multihash.BLAKE3)
	if err != nil {
		panic("verify: multihash encoding failed: " + err.Error())
	}
	return cid.NewCidV1(cid.Raw, encoded)
}

// ParseHash parses either the 64-character hex form or a CIDv1 string
// produced by [Hash.CID].
func ParseHash(s string) (Hash, error) {
	var hash Hash
	if len(s) == 2*len(hash) {
		decoded, err := hex.DecodeString(strings.ToLower(s))
		if err == nil {
			copy(hash[:], decoded)
			return hash, nil
		}
	}

	parsed, err := cid.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("parsing hash %q: not hex or CID: %w", s, err)
	}
	if parsed.Type() != cid.Raw {
		return Hash{}, fmt.Errorf("parsing hash %q: CID codec 0x%x is not raw", s, parsed.Type())
	}
	decoded, err := multihash.Decode(parsed.Hash())
	if err != nil {
		return Hash{}, fmt.Errorf("parsing hash %q: %w", s, err)
	}
	if decoded.Code != multihash.BLAKE3 {
		return Hash{}, fmt.Errorf("parsing hash %q: multihash code 0x%x is not blake3", s, decoded.Code)
	}
	if len(decoded.Digest) != len(hash) {
		return Hash{}, fmt.Errorf("parsing hash %q: digest is %d bytes, want %d", s, len(decoded.Digest), len(hash))
	}
	copy(hash[:], decoded.Digest)
	return hash, nil
}
