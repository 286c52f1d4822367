// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a data frame's payload is encoded. The
// values appear on the wire and must not change.
type Compression uint8

const (
	// CompressionNone sends the chunk bytes as they are. Responders
	// fall back to it for any frame that does not shrink.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression: cheap to decode, a
	// modest ratio on binary content.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at its default level: a better ratio
	// for text-like content at more CPU.
	CompressionZstd Compression = 2
)

// DefaultCodecs is the preference list requesters send when configured
// with nothing else.
var DefaultCodecs = []string{"zstd", "lz4"}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a codec name as it appears in a request.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// negotiate returns the first requested codec this side supports, or
// CompressionNone if there is none. Unknown names are skipped.
func negotiate(requested []string, supported []Compression) Compression {
	for _, name := range requested {
		codec, err := ParseCompression(name)
		if err != nil {
			continue
		}
		for _, candidate := range supported {
			if candidate == codec {
				return codec
			}
		}
	}
	return CompressionNone
}

// errIncompressible reports that compressing a payload would not make
// it smaller. Callers send the payload uncompressed instead.
var errIncompressible = errors.New("payload is incompressible")

// compressPayload encodes data with codec, falling back to
// CompressionNone when the result would not be smaller.
func compressPayload(data []byte, codec Compression) ([]byte, Compression, error) {
	var (
		compressed []byte
		err        error
	)
	switch codec {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression %s", codec)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, codec, nil
}

// decompressPayload decodes a payload that must expand to exactly
// rawLength bytes.
func decompressPayload(payload []byte, codec Compression, rawLength int) ([]byte, error) {
	switch codec {
	case CompressionNone:
		if len(payload) != rawLength {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, expected %d", len(payload), rawLength)
		}
		return payload, nil
	case CompressionLZ4:
		return decompressLZ4(payload, rawLength)
	case CompressionZstd:
		return decompressZstd(payload, rawLength)
	default:
		return nil, fmt.Errorf("unsupported compression %s", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for input it cannot shrink.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(payload []byte, rawLength int) ([]byte, error) {
	destination := make([]byte, rawLength)
	read, err := lz4.UncompressBlock(payload, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != rawLength {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawLength)
	}
	return destination, nil
}

// Shared zstd coders; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFramePayload*2))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(payload []byte, rawLength int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLength))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != rawLength {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), rawLength)
	}
	return result, nil
}
