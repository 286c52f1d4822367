// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by a [Source] that holds no complete copy of
// the requested blob. A [PeerError] with [CodeNotFound] matches it
// under errors.Is.
var ErrNotFound = errors.New("blob not found")

// ProtocolError reports a responder that broke the protocol: a frame
// outside the requested ranges, a repeated chunk, a header that
// changed, a malformed message, or a response that ended early. It is
// attributed to the peer.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire protocol violation: %s: %v", e.Reason, e.Err)
	}
	return "wire protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// PeerError is an error frame received from the responder.
type PeerError struct {
	Code    ErrorCode
	Message string
}

func (e *PeerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer error %s", e.Code)
	}
	return fmt.Sprintf("peer error %s: %s", e.Code, e.Message)
}

// Is matches ErrNotFound for not-found error frames.
func (e *PeerError) Is(target error) bool {
	return target == ErrNotFound && e.Code == CodeNotFound
}

// IsProtocolError reports whether err is a [ProtocolError] or a
// [PeerError], the errors a downloader should hold against the peer.
func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	var peerErr *PeerError
	return errors.As(err, &protocolErr) || errors.As(err, &peerErr)
}
