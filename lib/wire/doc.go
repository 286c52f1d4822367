// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the range-request protocol peers use to move
// blob content. A stream carries a sequence of requests from the
// requester; the responder answers each with a [Header], a series of
// data frames carrying verifiable chunk ranges and their proofs, and a
// terminating end message, or with an error frame.
//
// Every message is deterministic CBOR behind a 4-byte big-endian
// length prefix (see [codec.WriteMessage]). The protocol never trusts
// the responder: the requester checks that every frame lies inside the
// ranges it asked for and hands the decompressed bytes and proof to the
// caller, which verifies them with a [verify.Cursor] before anything
// reaches the store.
//
// Backpressure is request driven. A requester bounds the data in
// flight by choosing how many ranges each request carries; the
// responder sends nothing it was not asked for.
package wire
