// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package downloader fetches blobs from untrusted peers into a local
// store.
//
// A [Downloader] runs at most one fetch per ContentHash. [Downloader.Want]
// either starts that fetch or attaches to the one in progress, merging
// the caller's candidate peers into it, and returns a [FetchHandle] the
// caller waits on. Every attached handle receives the same [Result].
//
// A fetch moves through [StatusQueued], [StatusInFlight] and
// [StatusVerifying] to [StatusDone]. Each transfer attempt takes a slot
// from the admission [Pool], opens one stream to one peer, probes the
// header, authenticates it against the hash, and then requests the
// store's missing chunks a window at a time. Every frame is verified by
// a [verify.Cursor] before the store commits it, so a lying peer can
// waste bandwidth but never place a byte in the store.
//
// A failed attempt moves on to the next candidate. Peers that send
// content failing verification, or that break the wire protocol, are
// marked suspect and not retried for the rest of the fetch; dial and
// store failures are treated as transient. Once every candidate has
// been tried the fetch backs off on the injected clock and starts
// another cycle, up to [Config.MaxCycles].
//
// [Downloader.Cancel] detaches a handle without blocking. When the last
// handle detaches the fetch is cancelled cooperatively: frames still in
// flight are dropped, but chunks already committed stay in the store
// for the next attempt to reuse.
package downloader
