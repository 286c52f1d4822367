// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport supplies the byte streams blob transfers run over.
//
// The package defines two interfaces: [Dialer] opens an outbound stream
// to a peer (OpenStream), and [Listener] accepts inbound streams
// (Accept, Addr, Close). A stream is an io.ReadWriteCloser carrying
// exactly one wire protocol session; closing it ends the session.
// Connection establishment beyond dialing (handshakes, encryption, NAT
// traversal, relays) belongs to whatever sits beneath these
// interfaces and is not this package's concern.
//
// [TCPDialer] and [TCPListener] are the direct-reachability
// implementation used by the daemon. [MemoryNetwork] connects dialers
// and listeners in one process over synchronous pipes and counts the
// streams opened to each peer, which tests use to check fetch
// deduplication.
package transport
