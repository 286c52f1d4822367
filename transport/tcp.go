// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts streams as TCP connections. It requires direct
// reachability between peers.
type TCPListener struct {
	listener net.Listener
}

// NewTCPListener listens on address (e.g. ":7892" or
// "192.168.1.10:7892"). Use ":0" for a random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return &TCPListener{listener: listener}, nil
}

// Accept waits for the next inbound connection.
func (l *TCPListener) Accept() (io.ReadWriteCloser, error) {
	conn, err := l.listener.Accept()
	if errors.Is(err, net.ErrClosed) {
		return nil, ErrListenerClosed
	}
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

// Addr returns the listening address in "host:port" form.
func (l *TCPListener) Addr() string {
	return l.listener.Addr().String()
}

// Close stops accepting. Streams already accepted stay open.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer opens TCP streams to peers.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero leaves only the
	// context deadline.
	Timeout time.Duration
}

// OpenStream connects to peer, a "host:port" address.
func (d *TCPDialer) OpenStream(ctx context.Context, peer string) (io.ReadWriteCloser, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", peer)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", peer, err)
	}
	return conn, nil
}
