// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// lengthPrefixSize is the size of the big-endian length that precedes
// every message on a stream.
const lengthPrefixSize = 4

// ErrMessageTooLarge is returned by ReadMessage when the length prefix
// announces a message larger than the caller's limit. The stream is
// unusable afterwards: the oversized body has not been consumed.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// ErrMalformedMessage is returned by ReadMessage when a complete
// message arrived but its body is not valid CBOR for the target type.
var ErrMalformedMessage = errors.New("malformed message")

// WriteMessage encodes v and writes it to w as a length-prefixed CBOR
// message. The prefix and body go out in a single Write so that
// synchronous transports (net.Pipe) see one message per write.
func WriteMessage(w io.Writer, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if uint64(len(data)) > 0xFFFFFFFF {
		return fmt.Errorf("encoding message: %d bytes: %w", len(data), ErrMessageTooLarge)
	}
	buffer := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buffer, uint32(len(data)))
	copy(buffer[lengthPrefixSize:], data)
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed CBOR message from r and decodes
// it into v. A stream that ends cleanly before the next message returns
// an error wrapping io.EOF; a stream that ends mid-message returns one
// wrapping io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader, v any, maxSize uint32) error {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("reading message length: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxSize {
		return fmt.Errorf("message of %d bytes (limit %d): %w", length, maxSize, ErrMessageTooLarge)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("reading message body: %w", err)
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return nil
}
