// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

const (
	// MaxFrameChunks is the most chunks a single data frame carries.
	MaxFrameChunks = 16

	// MaxFramePayload is the largest decompressed payload of a frame.
	MaxFramePayload = MaxFrameChunks * verify.ChunkSize

	// MaxMessageSize bounds every message on the stream: a full frame
	// payload plus headroom for its proof and envelope.
	MaxMessageSize = MaxFramePayload + 64<<10

	// MaxRequestRanges bounds the ranges in one request.
	MaxRequestRanges = 4096
)

// MessageType tags the body carried by a message envelope.
type MessageType uint8

const (
	MessageRequest MessageType = 1
	MessageHeader  MessageType = 2
	MessageData    MessageType = 3
	MessageEnd     MessageType = 4
	MessageError   MessageType = 5

	// MessageDone tells the responder the requester will send nothing
	// more on this stream.
	MessageDone MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageHeader:
		return "header"
	case MessageData:
		return "data"
	case MessageEnd:
		return "end"
	case MessageError:
		return "error"
	case MessageDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// message is the envelope every stream message travels in. Exactly one
// body field matching Type is set.
type message struct {
	Type    MessageType `cbor:"type"`
	Request *Request    `cbor:"request,omitempty"`
	Header  *Header     `cbor:"header,omitempty"`
	Data    *DataFrame  `cbor:"data,omitempty"`
	Error   *ErrorFrame `cbor:"error,omitempty"`
}

// Request asks for byte ranges of a blob. An empty Ranges asks only for
// the header. Codecs lists the frame compressions the requester
// accepts, in preference order; "none" is always accepted.
type Request struct {
	Hash   verify.Hash        `cbor:"hash"`
	Ranges []verify.ByteRange `cbor:"ranges,omitempty"`
	Codecs []string           `cbor:"codecs,omitempty"`
}

// Header describes the blob being served. The pair is authenticated
// against the requested hash by [verify.NewCursor].
type Header struct {
	Size uint64      `cbor:"size"`
	Root verify.Hash `cbor:"root"`
}

// DataFrame carries chunks [Start, End) and the proof hashes that
// connect them to the root. Payload is compressed with Compression and
// decompresses to exactly RawLength bytes.
type DataFrame struct {
	Start       uint64        `cbor:"start"`
	End         uint64        `cbor:"end"`
	Proof       []verify.Hash `cbor:"proof,omitempty"`
	Compression Compression   `cbor:"compression,omitempty"`
	RawLength   uint64        `cbor:"raw_length"`
	Payload     []byte        `cbor:"payload"`
}

// ErrorCode classifies an error frame.
type ErrorCode string

const (
	// CodeNotFound means the responder has no complete copy of the blob.
	CodeNotFound ErrorCode = "not_found"

	// CodeBadRequest means the request was malformed or exceeded a
	// protocol limit.
	CodeBadRequest ErrorCode = "bad_request"

	// CodeInternal means the responder failed while serving, for
	// example because its own copy failed verification.
	CodeInternal ErrorCode = "internal"
)

// ErrorFrame reports a responder-side failure.
type ErrorFrame struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message,omitempty"`
}

// Frame is one verified-length chunk range delivered to a fetch
// callback. Data is decompressed; it has not been checked against the
// proof.
type Frame struct {
	Range verify.ChunkRange
	Data  []byte
	Proof []verify.Hash
}

// normalizeRanges sorts chunk ranges and merges those that overlap or
// touch, dropping empty ones.
func normalizeRanges(ranges []verify.ChunkRange) []verify.ChunkRange {
	var kept []verify.ChunkRange
	for _, r := range ranges {
		if !r.Empty() {
			kept = append(kept, r)
		}
	}
	slices.SortFunc(kept, func(a, b verify.ChunkRange) int {
		return cmp.Compare(a.Start, b.Start)
	})

	var merged []verify.ChunkRange
	for _, r := range kept {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
