// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/blobnet/lib/blobstore"
	"github.com/bureau-foundation/blobnet/lib/clock"
	"github.com/bureau-foundation/blobnet/lib/config"
	"github.com/bureau-foundation/blobnet/lib/downloader"
	"github.com/bureau-foundation/blobnet/lib/engine"
	"github.com/bureau-foundation/blobnet/lib/verify"
	"github.com/bureau-foundation/blobnet/lib/wire"
	"github.com/bureau-foundation/blobnet/transport"
)

type daemon struct {
	config *config.Config
	store  *blobstore.Store
	engine *engine.Engine
	clock  clock.Clock
	logger *slog.Logger

	// afterGC, when set, observes every periodic collection.
	afterGC func(removed int, err error)
}

func openDaemon(ctx context.Context, cfg *config.Config, dialer transport.Dialer, clk clock.Clock, logger *slog.Logger) (*daemon, error) {
	codecs, err := parseCodecs(cfg.Network.Codecs)
	if err != nil {
		return nil, err
	}

	store, err := blobstore.Open(ctx, blobstore.Config{
		Root:     cfg.Store.Root,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clk,
		Logger:   logger.With("component", "blobstore"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.Store.Root, err)
	}

	d := cfg.Downloader
	node, err := engine.New(engine.Config{
		Store:  store,
		Dialer: dialer,
		Downloader: downloader.Config{
			MaxConcurrent: d.MaxConcurrent,
			MaxCycles:     d.MaxCycles,
			BaseDelay:     d.BaseDelayDuration(),
			MaxDelay:      d.MaxDelayDuration(),
			RangeChunks:   d.RangeChunks,
			Window:        d.Window,
			Codecs:        cfg.Network.Codecs,
		},
		Codecs: codecs,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &daemon{
		config: cfg,
		store:  store,
		engine: node,
		clock:  clk,
		logger: logger,
	}, nil
}

func parseCodecs(names []string) ([]wire.Compression, error) {
	if len(names) == 0 {
		return nil, nil
	}
	codecs := make([]wire.Compression, 0, len(names))
	for _, name := range names {
		codec, err := wire.ParseCompression(name)
		if err != nil {
			return nil, err
		}
		codecs = append(codecs, codec)
	}
	return codecs, nil
}

// run serves listener (if not nil), mirrors configured content and
// collects garbage until ctx ends.
func (d *daemon) run(ctx context.Context, listener transport.Listener) error {
	var wg sync.WaitGroup

	if listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.engine.Serve(ctx, listener); err != nil {
				d.logger.Error("serving stopped", "error", err)
			}
		}()
	}

	if len(d.config.Mirror) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.mirror(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("mirroring incomplete", "error", err)
			}
		}()
	}

	if interval := d.config.Store.GCIntervalDuration(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.gcLoop(ctx, interval)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// mirror fetches every configured mirror entry and tags it. Entries are
// independent: one failing does not stop the others.
func (d *daemon) mirror(ctx context.Context) error {
	errs := make([]error, len(d.config.Mirror))
	var wg sync.WaitGroup
	for i, entry := range d.config.Mirror {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.mirrorOne(ctx, entry); err != nil {
				errs[i] = fmt.Errorf("mirror %q: %w", entry.Tag, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// mirrorOne tags the entry before fetching it, so collection cannot
// remove what arrives; a failed fetch removes the tag again.
func (d *daemon) mirrorOne(ctx context.Context, entry config.MirrorConfig) (err error) {
	hash, err := verify.ParseHash(entry.Hash)
	if err != nil {
		return err
	}
	if err := d.engine.Tag(ctx, entry.Tag, hash); err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if untagErr := d.engine.Untag(context.WithoutCancel(ctx), entry.Tag); untagErr != nil && !errors.Is(untagErr, blobstore.ErrTagNotFound) {
			err = errors.Join(err, untagErr)
		}
	}()

	peers := d.config.Network.Peers
	if entry.Collection {
		collection, err := d.engine.FetchCollection(ctx, hash, peers)
		if err != nil {
			return err
		}
		d.logger.Info("mirrored collection", "tag", entry.Tag, "hash", hash, "members", len(collection.Entries))
		return nil
	}

	handle := d.engine.Fetch(hash, peers)
	result, err := handle.Wait(ctx)
	if err != nil {
		d.engine.Cancel(handle)
		return err
	}
	if result.Status != downloader.StatusDone {
		return fmt.Errorf("fetch %s: %w", result.Status, result.Err)
	}
	d.logger.Info("mirrored blob", "tag", entry.Tag, "hash", hash, "peer", result.Peer)
	return nil
}

func (d *daemon) gcLoop(ctx context.Context, interval time.Duration) {
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hashes, err := d.engine.GC(ctx)
			removed := len(hashes)
			switch {
			case err != nil:
				d.logger.Error("garbage collection failed", "error", err)
			case removed > 0:
				d.logger.Info("garbage collected", "removed", removed)
			default:
				d.logger.Debug("garbage collection found nothing")
			}
			if d.afterGC != nil {
				d.afterGC(removed, err)
			}
		}
	}
}

func (d *daemon) close() error {
	return errors.Join(d.engine.Close(), d.store.Close())
}
