// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides blobnet's standard CBOR encoding configuration
// and the length-prefixed message framing used on peer streams.
//
// Everything blobnet serializes internally is CBOR: wire protocol
// messages, collection manifests, and inline records in the blob
// index. The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical data always produces identical bytes, which
// matters for collections because their bytes are content-addressed.
//
// For buffer-oriented operations (collections, index records):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For message-oriented streams (peer connections):
//
//	err := codec.WriteMessage(stream, request)
//	err = codec.ReadMessage(stream, &response, maxSize)
//
// Types in this module use `cbor` struct tags. They are never
// serialized as JSON.
package codec
