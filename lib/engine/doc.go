// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine ties the blob store, the downloader, and the wire
// responder into one node.
//
// An [Engine] stores local content ([Engine.Put], [Engine.PutCollection]),
// reads it back verified ([Engine.Get]), fetches remote content from
// candidate peers ([Engine.Fetch], [Engine.FetchCollection]), pins it
// with tags, collects what is no longer reachable ([Engine.GC]), and
// serves its complete blobs to other peers ([Engine.Serve]).
//
// Collections are fetched in two phases: the manifest blob first, then
// its members concurrently, descending into nested collections up to
// [Config.CollectionDepth] levels.
package engine
