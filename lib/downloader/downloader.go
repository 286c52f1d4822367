// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/blobnet/lib/verify"
	"github.com/bureau-foundation/blobnet/lib/wire"
)

// Downloader schedules fetches. It is safe for concurrent use.
type Downloader struct {
	config Config
	pool   *Pool
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	fetches map[verify.Hash]*fetch
	closed  bool
}

// fetch is the single download of one hash. Its handles, peers, and
// membership in Downloader.fetches are guarded by Downloader.mu.
type fetch struct {
	hash   verify.Hash
	ctx    context.Context
	cancel context.CancelFunc

	// cancelled is set when the last handle detaches. Frames arriving
	// afterwards are dropped.
	cancelled atomic.Bool
	status    atomic.Int32

	// previous is a cancelled fetch of the same hash that has not yet
	// exited; this fetch starts only after it does.
	previous *fetch
	exited   chan struct{}

	peers   []string
	handles map[*FetchHandle]struct{}
}

// setStatus records progress unless the fetch was already cancelled.
func (f *fetch) setStatus(status Status) {
	for {
		current := f.status.Load()
		if Status(current) == StatusCancelled || f.status.CompareAndSwap(current, int32(status)) {
			return
		}
	}
}

// New returns a downloader. Close it to stop every fetch.
func New(config Config) (*Downloader, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Downloader{
		config:  config,
		pool:    NewPool(config.MaxConcurrent),
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
		fetches: make(map[verify.Hash]*fetch),
	}, nil
}

// Pool returns the admission pool shared by every transfer.
func (d *Downloader) Pool() *Pool { return d.pool }

// Want returns a handle on the fetch of hash from peers. If a fetch of
// hash is already running, the handle attaches to it and peers not yet
// among its candidates are appended. A blob already complete in the
// store resolves immediately, as does the zero-length blob, which is
// completed locally without any peer.
func (d *Downloader) Want(hash verify.Hash, peers []string) *FetchHandle {
	handle := newHandle(hash)

	if hash == emptyHash {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			handle.resolve(Result{Status: StatusFailed, Err: ErrClosed})
		} else {
			handle.resolve(d.storeEmpty())
		}
		return handle
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		handle.resolve(Result{Status: StatusFailed, Err: ErrClosed})
		return handle
	}

	existing := d.fetches[hash]
	if existing != nil && !existing.cancelled.Load() {
		existing.peers = mergePeers(existing.peers, peers)
		existing.handles[handle] = struct{}{}
		handle.fetch = existing
		return handle
	}

	if d.config.Store.Has(hash) {
		handle.resolve(Result{Status: StatusDone})
		return handle
	}

	ctx, cancel := context.WithCancel(d.ctx)
	f := &fetch{
		hash:     hash,
		ctx:      ctx,
		cancel:   cancel,
		previous: existing,
		exited:   make(chan struct{}),
		peers:    mergePeers(nil, peers),
		handles:  map[*FetchHandle]struct{}{handle: {}},
	}
	handle.fetch = f
	d.fetches[hash] = f

	d.wg.Add(1)
	go d.run(f)
	return handle
}

// emptyHash names the zero-length blob, which every node can produce
// without a peer.
var emptyHash = verify.DigestOf(nil)

// storeEmpty completes the zero-length blob locally. It has no chunks,
// so finalizing a fresh write proves it.
func (d *Downloader) storeEmpty() Result {
	if d.config.Store.Has(emptyHash) {
		return Result{Status: StatusDone}
	}
	target, err := d.config.Store.BeginWrite(d.ctx, emptyHash, 0)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	defer target.Close()
	if err := target.Finalize(d.ctx); err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	return Result{Status: StatusDone}
}

// mergePeers appends the peers not already present, keeping order.
func mergePeers(existing, peers []string) []string {
	for _, peer := range peers {
		if !slices.Contains(existing, peer) {
			existing = append(existing, peer)
		}
	}
	return existing
}

// Join attaches a handle to the running fetch of hash, if there is
// one, without adding peers or starting anything.
func (d *Downloader) Join(hash verify.Hash) (*FetchHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.fetches[hash]
	if f == nil || f.cancelled.Load() {
		return nil, false
	}
	handle := newHandle(hash)
	handle.fetch = f
	f.handles[handle] = struct{}{}
	return handle, true
}

// Status returns the status of the running fetch of hash.
func (d *Downloader) Status(hash verify.Hash) (Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.fetches[hash]
	if f == nil {
		return 0, false
	}
	return Status(f.status.Load()), true
}

// Cancel detaches handle, resolving it as cancelled. If it was the last
// handle on its fetch, the fetch is cancelled too. Cancel never blocks
// on the fetch and is a no-op for a handle already resolved.
func (d *Downloader) Cancel(handle *FetchHandle) {
	d.mu.Lock()
	f := handle.fetch
	if f == nil {
		d.mu.Unlock()
		return
	}
	if _, attached := f.handles[handle]; !attached {
		d.mu.Unlock()
		return
	}
	delete(f.handles, handle)
	last := len(f.handles) == 0
	if last {
		f.cancelled.Store(true)
		f.status.Store(int32(StatusCancelled))
	}
	d.mu.Unlock()

	handle.resolve(Result{Status: StatusCancelled, Err: ErrCancelled})
	if last {
		f.cancel()
		d.logger.Debug("fetch cancelled", "hash", f.hash)
	}
}

// Close cancels every fetch and waits for them to exit. Their handles
// resolve as cancelled.
func (d *Downloader) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	return nil
}

func (d *Downloader) run(f *fetch) {
	defer d.wg.Done()
	defer close(f.exited)

	// Wait out the predecessor even when cancelled: a successor chained
	// to this fetch relies on exited meaning no older transfer of the
	// hash is still running.
	if f.previous != nil {
		<-f.previous.exited
	}

	release := d.config.Store.Hold(f.hash)
	result := d.retry(f)
	release()
	d.finish(f, result)
}

// finish publishes result to every handle still attached.
func (d *Downloader) finish(f *fetch, result Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fetches[f.hash] == f {
		delete(d.fetches, f.hash)
	}
	if !f.cancelled.Load() {
		f.status.Store(int32(result.Status))
	}
	for handle := range f.handles {
		handle.resolve(result)
	}
	clear(f.handles)
	f.cancel()
}

// candidate returns the first peer not yet tried this cycle and not
// suspect. Peers merged in by later Want calls are seen immediately.
func (d *Downloader) candidate(f *fetch, tried, suspect map[string]bool) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, peer := range f.peers {
		if !tried[peer] && !suspect[peer] {
			return peer, true
		}
	}
	return "", false
}

func (d *Downloader) allSuspect(f *fetch, suspect map[string]bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, peer := range f.peers {
		if !suspect[peer] {
			return false
		}
	}
	return true
}

func (d *Downloader) stopped(f *fetch) (Result, bool) {
	if f.cancelled.Load() {
		return Result{Status: StatusCancelled, Err: ErrCancelled}, true
	}
	if f.ctx.Err() != nil {
		return Result{Status: StatusCancelled, Err: ErrClosed}, true
	}
	return Result{}, false
}

// retry runs attempts cycle by cycle until one succeeds, the fetch is
// cancelled, or the retry budget is spent.
func (d *Downloader) retry(f *fetch) Result {
	suspect := make(map[string]bool)
	var last error
	cycle := 1
	for ; ; cycle++ {
		tried := make(map[string]bool)
		for {
			if result, stop := d.stopped(f); stop {
				return result
			}
			peer, ok := d.candidate(f, tried, suspect)
			if !ok {
				break
			}
			tried[peer] = true

			err := d.attempt(f, peer)
			if err == nil {
				d.logger.Info("fetch completed", "hash", f.hash, "peer", peer, "cycle", cycle)
				return Result{Status: StatusDone, Peer: peer}
			}
			if result, stop := d.stopped(f); stop {
				return result
			}

			blame := verify.IsVerifyError(err) || wire.IsProtocolError(err)
			if blame {
				suspect[peer] = true
			}
			last = &AttemptError{Peer: peer, Suspect: blame, Err: err}
			f.setStatus(StatusQueued)
			d.logger.Warn("fetch attempt failed",
				"hash", f.hash,
				"peer", peer,
				"cycle", cycle,
				"suspect", blame,
				"error", err,
			)
		}

		if last == nil {
			last = ErrNoPeers
		}
		if cycle >= d.config.MaxCycles || d.allSuspect(f, suspect) {
			break
		}

		select {
		case <-d.config.Clock.After(d.config.backoff(cycle)):
		case <-f.ctx.Done():
			result, _ := d.stopped(f)
			return result
		}
	}

	err := &RetriesExhaustedError{Cycles: cycle, Last: last}
	d.logger.Warn("fetch failed", "hash", f.hash, "cycles", cycle, "error", last)
	return Result{Status: StatusFailed, Err: err}
}

// errDropped aborts a transfer whose fetch was cancelled mid-frame.
var errDropped = errors.New("frame dropped after cancellation")
