// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/blobnet/lib/clock"
	"github.com/bureau-foundation/blobnet/transport"
)

// Defaults applied by [New] to zero Config fields.
const (
	DefaultMaxConcurrent = 8
	DefaultMaxCycles     = 3
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 30 * time.Second
	DefaultRangeChunks   = 64
	DefaultWindow        = 4
)

// Config configures a [Downloader].
type Config struct {
	Store  Store
	Dialer transport.Dialer

	// Clock times the backoff between cycles. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives fetch lifecycle events. Nil discards them.
	Logger *slog.Logger

	// MaxConcurrent is the number of admission pool slots: how many
	// transfer attempts may run at once across all fetches.
	MaxConcurrent int

	// MaxCycles bounds the passes over the candidate peers before a
	// fetch fails.
	MaxCycles int

	// BaseDelay is the backoff after the first failed cycle. Each
	// later cycle doubles it, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// RangeChunks is the most chunks requested in a single range.
	RangeChunks uint64

	// Window is the number of ranges per request. Together with
	// RangeChunks it bounds the data a peer may send ahead of the
	// store committing it.
	Window int

	// Codecs is the frame compression preference sent to peers. Nil
	// means wire.DefaultCodecs.
	Codecs []string
}

func (c *Config) applyDefaults() error {
	if c.Store == nil {
		return errors.New("downloader: Store is required")
	}
	if c.Dialer == nil {
		return errors.New("downloader: Dialer is required")
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxCycles <= 0 {
		c.MaxCycles = DefaultMaxCycles
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.RangeChunks == 0 {
		c.RangeChunks = DefaultRangeChunks
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return nil
}

// backoff returns the delay after the given 1-based cycle.
func (c *Config) backoff(cycle int) time.Duration {
	delay := c.BaseDelay
	for i := 1; i < cycle; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(delay, c.MaxDelay)
}
