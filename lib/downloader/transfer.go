// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/blobnet/lib/verify"
	"github.com/bureau-foundation/blobnet/lib/wire"
)

// attempt runs one transfer of f from peer: admission, header probe,
// then windowed requests for whatever the store is still missing.
func (d *Downloader) attempt(f *fetch, peer string) (err error) {
	release, err := d.pool.Acquire(f.ctx)
	if err != nil {
		return err
	}
	defer release()

	f.setStatus(StatusInFlight)
	stream, err := d.config.Dialer.OpenStream(f.ctx, peer)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	requester := wire.NewRequester(stream, d.config.Codecs)
	defer requester.Close()

	header, err := requester.Header(f.ctx, f.hash)
	if err != nil {
		return fmt.Errorf("probing header: %w", err)
	}
	cursor, err := verify.NewCursor(f.hash, header.Size, header.Root)
	if err != nil {
		return fmt.Errorf("authenticating header: %w", err)
	}

	target, err := d.config.Store.BeginWrite(f.ctx, f.hash, header.Size)
	if err != nil {
		return fmt.Errorf("opening store entry: %w", err)
	}
	defer func() {
		if closeErr := target.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for !target.Complete() {
		missing := target.Missing()
		if len(missing) == 0 {
			break
		}
		window := requestWindow(missing, d.config.RangeChunks, d.config.Window)
		err := requester.Fetch(f.ctx, f.hash, window, func(frame wire.Frame) error {
			if f.cancelled.Load() {
				return errDropped
			}
			written, err := cursor.WriteRange(frame.Range, frame.Data, frame.Proof)
			if err != nil {
				return err
			}
			return target.CommitRange(f.ctx, written)
		})
		if errors.Is(err, errDropped) {
			return ErrCancelled
		}
		if err != nil {
			return err
		}
	}

	f.setStatus(StatusVerifying)
	if err := target.Finalize(f.ctx); err != nil {
		return fmt.Errorf("finalizing: %w", err)
	}
	return nil
}

// requestWindow splits missing into ranges of at most rangeChunks
// chunks and returns the first window of them.
func requestWindow(missing []verify.ChunkRange, rangeChunks uint64, window int) []verify.ChunkRange {
	var ranges []verify.ChunkRange
	for _, r := range missing {
		for start := r.Start; start < r.End; start += rangeChunks {
			ranges = append(ranges, verify.ChunkRange{Start: start, End: min(start+rangeChunks, r.End)})
			if len(ranges) == window {
				return ranges
			}
		}
	}
	return ranges
}
