// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/bureau-foundation/blobnet/lib/codec"
	"github.com/bureau-foundation/blobnet/lib/verify"
)

// ErrStreamBroken is returned by a [Requester] whose stream was left
// mid-response by an earlier failure.
var ErrStreamBroken = errors.New("stream left mid-response")

// Requester issues range requests over one stream. It is not safe for
// concurrent use: requests on a stream are strictly sequential.
type Requester struct {
	stream io.ReadWriteCloser
	codecs []string

	// headers remembers what the responder claimed for each hash, so
	// a later response that changes its story is caught.
	headers map[verify.Hash]Header
	broken  bool

	closeOnce sync.Once
	closeErr  error
}

// NewRequester wraps stream. Codecs is the compression preference sent
// with each request; nil means [DefaultCodecs].
func NewRequester(stream io.ReadWriteCloser, codecs []string) *Requester {
	if codecs == nil {
		codecs = DefaultCodecs
	}
	return &Requester{
		stream:  stream,
		codecs:  codecs,
		headers: make(map[verify.Hash]Header),
	}
}

// Header asks the responder for the blob's size and Merkle root.
func (q *Requester) Header(ctx context.Context, hash verify.Hash) (Header, error) {
	var (
		header Header
		seen   bool
	)
	err := q.exchange(ctx, &Request{Hash: hash}, func(msg *message) (bool, error) {
		switch msg.Type {
		case MessageHeader:
			if seen {
				return true, protocolErrorf("second header in one response")
			}
			var err error
			if header, err = q.acceptHeader(hash, msg.Header); err != nil {
				return true, err
			}
			seen = true
			return false, nil
		case MessageEnd:
			if !seen {
				return true, protocolErrorf("response ended before its header")
			}
			return true, nil
		default:
			return true, protocolErrorf("unexpected %s message in header response", msg.Type)
		}
	})
	return header, err
}

// Fetch requests chunk ranges of hash and calls fn with each frame as
// it arrives, in arrival order. Ranges are clamped to the blob. Fetch
// returns nil once every requested chunk has been delivered; an error
// from fn stops the fetch and is returned as is.
func (q *Requester) Fetch(ctx context.Context, hash verify.Hash, ranges []verify.ChunkRange, fn func(Frame) error) error {
	ranges = normalizeRanges(ranges)
	request := &Request{Hash: hash, Codecs: q.codecs}
	for _, r := range ranges {
		request.Ranges = append(request.Ranges, verify.ByteRange{
			Offset: r.Start * verify.ChunkSize,
			Length: r.Len() * verify.ChunkSize,
		})
	}

	var (
		header   Header
		seen     bool
		expected *bitset.BitSet
		received *bitset.BitSet
	)
	return q.exchange(ctx, request, func(msg *message) (bool, error) {
		switch msg.Type {
		case MessageHeader:
			if seen {
				return true, protocolErrorf("second header in one response")
			}
			var err error
			if header, err = q.acceptHeader(hash, msg.Header); err != nil {
				return true, err
			}
			seen = true
			count := verify.ChunkCount(header.Size)
			expected = bitset.New(uint(count))
			received = bitset.New(uint(count))
			for _, r := range ranges {
				for chunk := r.Start; chunk < min(r.End, count); chunk++ {
					expected.Set(uint(chunk))
				}
			}
			return false, nil

		case MessageData:
			if !seen {
				return true, protocolErrorf("data before header")
			}
			frame, err := decodeFrame(msg.Data, header.Size, expected, received)
			if err != nil {
				return true, err
			}
			return false, fn(frame)

		case MessageEnd:
			if !seen {
				return true, protocolErrorf("response ended before its header")
			}
			if missing := expected.Difference(received).Count(); missing > 0 {
				return true, protocolErrorf("response ended with %d requested chunks undelivered", missing)
			}
			return true, nil

		default:
			return true, protocolErrorf("unexpected %s message in data response", msg.Type)
		}
	})
}

// Close tells the responder the stream is done and closes it.
func (q *Requester) Close() error {
	q.closeOnce.Do(func() {
		if !q.broken {
			_ = codec.WriteMessage(q.stream, &message{Type: MessageDone})
		}
		q.closeErr = q.stream.Close()
	})
	return q.closeErr
}

// exchange sends request and feeds each response message to handle
// until it reports the response finished. Error frames end the
// exchange as a *PeerError. Cancelling ctx closes the stream, which
// unblocks any pending read.
func (q *Requester) exchange(ctx context.Context, request *Request, handle func(*message) (done bool, err error)) error {
	if q.broken {
		return ErrStreamBroken
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { q.stream.Close() })
	defer stop()

	// Any early return leaves the stream mid-response.
	finished := false
	defer func() {
		if !finished {
			q.broken = true
		}
	}()

	if err := codec.WriteMessage(q.stream, &message{Type: MessageRequest, Request: request}); err != nil {
		return q.streamError(ctx, err)
	}
	for {
		var msg message
		if err := codec.ReadMessage(q.stream, &msg, MaxMessageSize); err != nil {
			return q.streamError(ctx, err)
		}
		if msg.Type == MessageError {
			finished = true
			if msg.Error == nil {
				return &PeerError{Code: CodeInternal}
			}
			return &PeerError{Code: msg.Error.Code, Message: msg.Error.Message}
		}
		if !bodyPresent(&msg) {
			return protocolErrorf("%s message without a body", msg.Type)
		}
		done, err := handle(&msg)
		if done && err == nil {
			finished = true
		}
		if err != nil || done {
			return err
		}
	}
}

// streamError classifies a read or write failure. Malformed or
// oversized messages are the responder's fault; anything else is a
// transport failure, reported as the context error if the fetch was
// cancelled.
func (q *Requester) streamError(ctx context.Context, err error) error {
	if errors.Is(err, codec.ErrMalformedMessage) || errors.Is(err, codec.ErrMessageTooLarge) {
		return &ProtocolError{Reason: "unreadable message", Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("wire stream: %w", err)
}

func (q *Requester) acceptHeader(hash verify.Hash, header *Header) (Header, error) {
	if previous, ok := q.headers[hash]; ok && previous != *header {
		return Header{}, protocolErrorf("header for %s changed from size %d to %d", hash.Short(), previous.Size, header.Size)
	}
	q.headers[hash] = *header
	return *header, nil
}

func bodyPresent(msg *message) bool {
	switch msg.Type {
	case MessageHeader:
		return msg.Header != nil
	case MessageData:
		return msg.Data != nil
	default:
		return true
	}
}

// decodeFrame checks a data frame against the chunks still owed and
// decompresses its payload. On success the frame's chunks are marked
// received.
func decodeFrame(data *DataFrame, size uint64, expected, received *bitset.BitSet) (Frame, error) {
	chunks := verify.ChunkRange{Start: data.Start, End: data.End}
	if chunks.Empty() || chunks.Len() > MaxFrameChunks || chunks.End > verify.ChunkCount(size) {
		return Frame{}, protocolErrorf("unexpected range %s", chunks)
	}
	for chunk := chunks.Start; chunk < chunks.End; chunk++ {
		if !expected.Test(uint(chunk)) || received.Test(uint(chunk)) {
			return Frame{}, protocolErrorf("unexpected range %s", chunks)
		}
	}

	length := chunks.Bytes(size).Length
	if data.RawLength != length {
		return Frame{}, protocolErrorf("frame %s claims %d bytes, range holds %d", chunks, data.RawLength, length)
	}
	payload, err := decompressPayload(data.Payload, data.Compression, int(length))
	if err != nil {
		return Frame{}, &ProtocolError{Reason: "bad payload for " + chunks.String(), Err: err}
	}

	for chunk := chunks.Start; chunk < chunks.End; chunk++ {
		received.Set(uint(chunk))
	}
	return Frame{Range: chunks, Data: payload, Proof: data.Proof}, nil
}
