// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ErrUnknownPeer is returned by a MemoryNetwork dial to a name with no
// listener.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// MemoryNetwork is an in-process network. Listeners register under a
// name; dialing that name hands the listener one end of a net.Pipe.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
	dials     map[string]int
}

var _ Dialer = (*MemoryNetwork)(nil)

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]*MemoryListener),
		dials:     make(map[string]int),
	}
}

// Listen registers a listener under name.
func (n *MemoryNetwork) Listen(name string) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.listeners[name]; exists {
		return nil, fmt.Errorf("transport: %q is already listening", name)
	}
	listener := &MemoryListener{
		network: n,
		name:    name,
		streams: make(chan net.Conn),
		closed:  make(chan struct{}),
	}
	n.listeners[name] = listener
	return listener, nil
}

// OpenStream connects to the listener registered as peer. It blocks
// until the listener accepts, the listener closes, or ctx ends.
func (n *MemoryNetwork) OpenStream(ctx context.Context, peer string) (io.ReadWriteCloser, error) {
	n.mu.Lock()
	listener := n.listeners[peer]
	n.dials[peer]++
	n.mu.Unlock()
	if listener == nil {
		return nil, fmt.Errorf("dialing %s: %w", peer, ErrUnknownPeer)
	}

	client, server := net.Pipe()
	select {
	case listener.streams <- server:
		return client, nil
	case <-listener.closed:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dialing %s: %w", peer, ErrListenerClosed)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

// Dials returns how many streams have been requested to peer,
// including failed attempts.
func (n *MemoryNetwork) Dials(peer string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[peer]
}

// MemoryListener is the accepting side of a MemoryNetwork name.
type MemoryListener struct {
	network   *MemoryNetwork
	name      string
	streams   chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Listener = (*MemoryListener)(nil)

// Accept waits for the next dial.
func (l *MemoryListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case conn := <-l.streams:
		return conn, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

// Addr returns the name the listener is registered under.
func (l *MemoryListener) Addr() string { return l.name }

// Close unregisters the listener. Pending and later dials fail.
func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		if l.network.listeners[l.name] == l {
			delete(l.network.listeners, l.name)
		}
		l.network.mu.Unlock()
	})
	return nil
}
