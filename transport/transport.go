// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
)

// ErrListenerClosed is returned by Accept after the listener closes.
var ErrListenerClosed = errors.New("transport: listener closed")

// Dialer opens streams to peers. The peer string is transport
// specific: "host:port" for TCP, a registered name for a
// [MemoryNetwork].
type Dialer interface {
	OpenStream(ctx context.Context, peer string) (io.ReadWriteCloser, error)
}

// Listener accepts inbound streams.
type Listener interface {
	// Accept blocks until a peer opens a stream. After Close it
	// returns an error matching ErrListenerClosed.
	Accept() (io.ReadWriteCloser, error)

	// Addr returns the peer string other dialers use to reach this
	// listener.
	Addr() string

	Close() error
}
