// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"errors"
	"fmt"
)

// ErrInvalidRange is returned for a chunk range that is empty or
// extends past the end of the blob.
var ErrInvalidRange = errors.New("verify: invalid chunk range")

// HashMismatchError reports bytes, a proof, or a header that does not
// hash to the trusted value. Offset is the first byte of the rejected
// range. The whole range is rejected; nothing from it may be used.
type HashMismatchError struct {
	Hash   Hash
	Offset uint64
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("verify: hash mismatch in %s at offset %d", e.Hash.Short(), e.Offset)
}

// LengthMismatchError reports an outboard whose size disagrees with the
// leaf count implied by the declared blob length.
type LengthMismatchError struct {
	Size     uint64
	Expected int
	Actual   int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("verify: outboard for %d-byte blob is %d bytes, want %d", e.Size, e.Actual, e.Expected)
}

// IsVerifyError reports whether err is, or wraps, a verification
// failure. Callers use it to attribute a failure to the data source.
func IsVerifyError(err error) bool {
	var mismatch *HashMismatchError
	var length *LengthMismatchError
	return errors.As(err, &mismatch) || errors.As(err, &length)
}
