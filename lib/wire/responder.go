// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/blobnet/lib/codec"
	"github.com/bureau-foundation/blobnet/lib/verify"
)

// Blob is a complete blob a responder serves from. ReadAt should
// verify what it returns against the outboard.
type Blob interface {
	io.ReaderAt
	Outboard() *verify.Outboard
	Close() error
}

// Source opens blobs for serving. OpenBlob returns an error matching
// [ErrNotFound] when no complete copy exists.
type Source interface {
	OpenBlob(ctx context.Context, hash verify.Hash) (Blob, error)
}

// ResponderConfig configures a [Responder].
type ResponderConfig struct {
	// Codecs are the frame compressions this responder will use.
	// Nil means all supported codecs.
	Codecs []Compression

	// Logger receives per-request diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Responder answers range requests from a [Source].
type Responder struct {
	source Source
	codecs []Compression
	logger *slog.Logger
}

// NewResponder returns a responder serving blobs from source.
func NewResponder(source Source, config ResponderConfig) *Responder {
	codecs := config.Codecs
	if codecs == nil {
		codecs = []Compression{CompressionZstd, CompressionLZ4}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Responder{source: source, codecs: codecs, logger: logger}
}

// Serve answers requests on stream until the requester sends Done or
// closes its side, the context is cancelled, or a write fails. A clean
// end of stream returns nil.
func (r *Responder) Serve(ctx context.Context, stream io.ReadWriter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var msg message
		if err := codec.ReadMessage(stream, &msg, MaxMessageSize); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, codec.ErrMalformedMessage) || errors.Is(err, codec.ErrMessageTooLarge) {
				r.sendError(stream, CodeBadRequest, err.Error())
				return &ProtocolError{Reason: "unreadable request", Err: err}
			}
			return err
		}

		switch msg.Type {
		case MessageDone:
			return nil
		case MessageRequest:
			if msg.Request == nil {
				r.sendError(stream, CodeBadRequest, "request message without a body")
				return protocolErrorf("request message without a body")
			}
			if err := r.serveRequest(ctx, stream, msg.Request); err != nil {
				return err
			}
		default:
			r.sendError(stream, CodeBadRequest, "unexpected "+msg.Type.String()+" message")
			return protocolErrorf("unexpected %s message from requester", msg.Type)
		}
	}
}

// serveRequest answers one request. Failures the requester should hear
// about go out as error frames and return nil so the stream remains
// usable; only stream write failures are returned.
func (r *Responder) serveRequest(ctx context.Context, stream io.Writer, request *Request) error {
	if len(request.Ranges) > MaxRequestRanges {
		return r.sendError(stream, CodeBadRequest,
			fmt.Sprintf("%d ranges exceeds the limit of %d", len(request.Ranges), MaxRequestRanges))
	}

	blob, err := r.source.OpenBlob(ctx, request.Hash)
	if errors.Is(err, ErrNotFound) {
		return r.sendError(stream, CodeNotFound, request.Hash.String())
	}
	if err != nil {
		r.logger.Warn("opening blob to serve failed", "hash", request.Hash, "error", err)
		return r.sendError(stream, CodeInternal, "blob unavailable")
	}
	defer blob.Close()

	outboard := blob.Outboard()
	size := outboard.Size()
	err = codec.WriteMessage(stream, &message{
		Type:   MessageHeader,
		Header: &Header{Size: size, Root: outboard.Root()},
	})
	if err != nil {
		return err
	}

	var chunkRanges []verify.ChunkRange
	for _, byteRange := range request.Ranges {
		if chunks, ok := byteRange.Chunks(size); ok {
			chunkRanges = append(chunkRanges, chunks)
		}
	}
	chunkRanges = normalizeRanges(chunkRanges)
	compression := negotiate(request.Codecs, r.codecs)

	r.logger.Debug("serving blob",
		"hash", request.Hash,
		"ranges", len(chunkRanges),
		"compression", compression.String(),
	)

	// Round-robin over the ranges, one frame at a time, so that no
	// large range starves the others.
	for len(chunkRanges) > 0 {
		next := chunkRanges[:0]
		for _, remaining := range chunkRanges {
			if err := ctx.Err(); err != nil {
				return err
			}
			frame := verify.ChunkRange{
				Start: remaining.Start,
				End:   min(remaining.End, remaining.Start+MaxFrameChunks),
			}
			err := r.sendFrame(stream, blob, outboard, frame, compression)
			if errors.Is(err, errFrameAborted) {
				return nil
			}
			if err != nil {
				return err
			}
			if frame.End < remaining.End {
				next = append(next, verify.ChunkRange{Start: frame.End, End: remaining.End})
			}
		}
		chunkRanges = next
	}

	return codec.WriteMessage(stream, &message{Type: MessageEnd})
}

// errFrameAborted stops a response after an error frame was sent in
// place of a data frame.
var errFrameAborted = errors.New("frame aborted")

func (r *Responder) sendFrame(stream io.Writer, blob Blob, outboard *verify.Outboard, chunks verify.ChunkRange, compression Compression) error {
	span := chunks.Bytes(outboard.Size())
	data := make([]byte, span.Length)
	// A read that fills data may still report io.EOF at the blob's end.
	if n, err := blob.ReadAt(data, int64(span.Offset)); n < len(data) {
		r.logger.Error("reading served blob failed",
			"hash", outboard.Hash(),
			"range", chunks.String(),
			"error", err,
		)
		if sendErr := r.sendError(stream, CodeInternal, "local copy unreadable"); sendErr != nil {
			return sendErr
		}
		return errFrameAborted
	}
	proof, err := outboard.Proof(chunks)
	if err != nil {
		return fmt.Errorf("building proof for %s: %w", chunks, err)
	}
	payload, used, err := compressPayload(data, compression)
	if err != nil {
		return err
	}
	return codec.WriteMessage(stream, &message{
		Type: MessageData,
		Data: &DataFrame{
			Start:       chunks.Start,
			End:         chunks.End,
			Proof:       proof,
			Compression: used,
			RawLength:   span.Length,
			Payload:     payload,
		},
	})
}

func (r *Responder) sendError(stream io.Writer, code ErrorCode, text string) error {
	return codec.WriteMessage(stream, &message{
		Type:  MessageError,
		Error: &ErrorFrame{Code: code, Message: text},
	})
}
