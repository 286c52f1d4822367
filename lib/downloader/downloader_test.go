// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/blobnet/lib/blobstore"
	"github.com/bureau-foundation/blobnet/lib/clock"
	"github.com/bureau-foundation/blobnet/lib/testutil"
	"github.com/bureau-foundation/blobnet/lib/verify"
	"github.com/bureau-foundation/blobnet/transport"
)

func TestFetchFromHonestPeer(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seeder := openStore(t)
	data := testutil.Content(1, 300*verify.ChunkSize+99)
	hash, err := seeder.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	servePeer(t, network, "seeder", storeSource{seeder})

	local := openStore(t)
	downloader := newDownloader(t, local, network, nil)
	result := waitResult(t, downloader.Want(hash, []string{"seeder"}))
	if result.Status != StatusDone || result.Peer != "seeder" || result.Err != nil {
		t.Fatalf("result = %+v", result)
	}
	if !bytes.Equal(readAll(t, local, hash, len(data)), data) {
		t.Fatal("fetched content differs")
	}

	// A second want for a complete blob resolves without a stream.
	again := downloader.Want(hash, []string{"seeder"})
	testutil.RequireClosed(t, again.Done(), testutil.DefaultTimeout, "want for complete blob")
	if again.Result().Status != StatusDone || network.Dials("seeder") != 1 {
		t.Errorf("second want = %+v after %d dials", again.Result(), network.Dials("seeder"))
	}
}

func TestWantEmptyBlobCompletesLocally(t *testing.T) {
	network := transport.NewMemoryNetwork()
	local := openStore(t)
	downloader := newDownloader(t, local, network, nil)

	empty := verify.DigestOf(nil)
	handle := downloader.Want(empty, nil)
	testutil.RequireClosed(t, handle.Done(), testutil.DefaultTimeout, "want for empty blob")
	if result := handle.Result(); result.Status != StatusDone || result.Err != nil {
		t.Fatalf("result = %+v, want done without peers", result)
	}
	if !local.Has(empty) {
		t.Error("empty blob not complete locally")
	}
	data, err := local.ReadRange(empty, 0, 0)
	if err != nil || len(data) != 0 {
		t.Errorf("ReadRange(empty) = %q, %v", data, err)
	}

	// Wanting it again, with a peer named, still opens no stream.
	if result := waitResult(t, downloader.Want(empty, []string{"seeder"})); result.Status != StatusDone {
		t.Errorf("second want = %+v", result)
	}
	if dials := network.Dials("seeder"); dials != 0 {
		t.Errorf("empty blob dialed %d times", dials)
	}
}

func TestCorruptingPeerIsSuspectedAndBypassed(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seeder := openStore(t)
	data := testutil.Content(2, 10<<20)
	hash, err := seeder.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	servePeer(t, network, "liar", corruptSource{Source: storeSource{seeder}, offset: 1<<20 + 123_457})
	servePeer(t, network, "honest", storeSource{seeder})

	local := openStore(t)
	downloader := newDownloader(t, local, network, nil)
	result := waitResult(t, downloader.Want(hash, []string{"liar", "honest"}))
	if result.Status != StatusDone || result.Peer != "honest" {
		t.Fatalf("result = %+v, want done by honest", result)
	}
	if !bytes.Equal(readAll(t, local, hash, len(data)), data) {
		t.Fatal("stored content differs from the original")
	}
	if got := network.Dials("liar"); got != 1 {
		t.Errorf("liar dialed %d times, want 1", got)
	}
}

func TestConcurrentWantsShareOneFetch(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seeder := openStore(t)
	data := testutil.Content(3, 50*verify.ChunkSize)
	hash, err := seeder.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	gate := newBlockingSource(storeSource{seeder})
	servePeer(t, network, "seeder", gate)

	local := openStore(t)
	downloader := newDownloader(t, local, network, nil)

	const wanters = 16
	handles := make([]*FetchHandle, wanters)
	var wg sync.WaitGroup
	for i := range wanters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i] = downloader.Want(hash, []string{"seeder"})
		}()
	}
	wg.Wait()
	testutil.RequireClosed(t, gate.opened, testutil.DefaultTimeout, "seeder reached")
	close(gate.release)

	for i, handle := range handles {
		result := waitResult(t, handle)
		if result.Status != StatusDone || result.Peer != "seeder" || result.Hash != hash {
			t.Errorf("handle %d result = %+v", i, result)
		}
	}
	if got := network.Dials("seeder"); got != 1 {
		t.Errorf("seeder dialed %d times, want 1", got)
	}
}

func TestWantWhileInFlightMergesPeers(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seeder := openStore(t)
	data := testutil.Content(4, 20*verify.ChunkSize)
	hash, err := seeder.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	// "empty" stalls and then has nothing; "seeder" has the blob.
	empty := newBlockingSource(nil)
	servePeer(t, network, "empty", empty)
	servePeer(t, network, "seeder", storeSource{seeder})

	local := openStore(t)
	downloader := newDownloader(t, local, network, nil)

	first := downloader.Want(hash, []string{"empty"})
	testutil.RequireClosed(t, empty.opened, testutil.DefaultTimeout, "first attempt started")
	if status := first.Result().Status; status != StatusInFlight {
		t.Errorf("status while stalled = %s, want in_flight", status)
	}
	second := downloader.Want(hash, []string{"seeder", "empty"})
	close(empty.release)

	one, two := waitResult(t, first), waitResult(t, second)
	if one != two {
		t.Errorf("results differ: %+v vs %+v", one, two)
	}
	if one.Status != StatusDone || one.Peer != "seeder" {
		t.Errorf("result = %+v, want done by seeder", one)
	}
}

func TestCancelKeepsCommittedChunks(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seeder := openStore(t)
	data := testutil.Content(5, 64*verify.ChunkSize)
	hash, err := seeder.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	gate := newGatedSource(storeSource{seeder}, 32*verify.ChunkSize)
	servePeer(t, network, "seeder", gate)

	local := openStore(t)
	// One frame per request, so reaching the gate means every
	// earlier frame has been committed.
	downloader := newDownloader(t, local, network, func(c *Config) {
		c.RangeChunks = 16
		c.Window = 1
	})

	handle := downloader.Want(hash, []string{"seeder"})
	testutil.RequireClosed(t, gate.reached, testutil.DefaultTimeout, "transfer reached the gate")

	downloader.Cancel(handle)
	testutil.RequireClosed(t, handle.Done(), testutil.DefaultTimeout, "cancelled handle")
	if result := handle.Result(); result.Status != StatusCancelled || !errors.Is(result.Err, ErrCancelled) {
		t.Fatalf("cancelled result = %+v", result)
	}

	info, err := local.Stat(hash)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.State != blobstore.StatePartial || info.Written != 32 {
		t.Errorf("after cancel: %+v, want partial with 32 chunks", info)
	}

	// A new want does not attach to the unwinding fetch; it waits for
	// it and then fetches only what is still missing.
	resumed := downloader.Want(hash, []string{"seeder"})
	close(gate.open)
	if result := waitResult(t, resumed); result.Status != StatusDone {
		t.Fatalf("resumed result = %+v", result)
	}
	if !bytes.Equal(readAll(t, local, hash, len(data)), data) {
		t.Fatal("resumed content differs")
	}
	for chunk := int64(0); chunk < 32; chunk++ {
		if reads := gate.readsAt(chunk * verify.ChunkSize); reads > 1 {
			t.Errorf("chunk %d served %d times", chunk, reads)
		}
	}
}

func TestRepeatedCancelKeepsOneTransferPerHash(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seeder := openStore(t)
	data := testutil.Content(12, 20*verify.ChunkSize)
	hash, err := seeder.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	servePeer(t, network, "seeder", storeSource{seeder})

	dialer := newStallingDialer(network)
	local := openStore(t)
	downloader := newDownloader(t, local, network, func(c *Config) { c.Dialer = dialer })
	peers := []string{"seeder"}

	first := downloader.Want(hash, peers)
	testutil.RequireReceive(t, dialer.dialed, testutil.DefaultTimeout, "first dial")
	downloader.Cancel(first)

	// The second fetch is chained behind the first and cancelled
	// before it runs; the third is chained behind the second.
	second := downloader.Want(hash, peers)
	downloader.Cancel(second)
	third := downloader.Want(hash, peers)

	select {
	case <-dialer.dialed:
		t.Fatal("a later fetch dialed while the first transfer was still running")
	case <-time.After(50 * time.Millisecond):
	}
	if status, ok := downloader.Status(hash); !ok || status != StatusQueued {
		t.Errorf("Status while chained = %v (running %v), want queued", status, ok)
	}

	close(dialer.release)
	if result := waitResult(t, third); result.Status != StatusDone {
		t.Fatalf("third result = %+v", result)
	}
	for i, handle := range []*FetchHandle{first, second} {
		if status := handle.Result().Status; status != StatusCancelled {
			t.Errorf("handle %d status = %v, want cancelled", i+1, status)
		}
	}
	calls, peak := dialer.stats()
	if peak != 1 {
		t.Errorf("%d transfers of one hash ran at once, want 1", peak)
	}
	if calls != 2 {
		t.Errorf("dialed %d times, want 2 (the cancelled first and the third)", calls)
	}
	if !bytes.Equal(readAll(t, local, hash, len(data)), data) {
		t.Error("fetched content differs")
	}
}

func TestRetriesExhaustedAfterBackoff(t *testing.T) {
	network := transport.NewMemoryNetwork()
	local := openStore(t)
	fake := clock.Fake(testEpoch)
	downloader := newDownloader(t, local, network, func(c *Config) {
		c.Clock = fake
		c.MaxCycles = 3
		c.BaseDelay = time.Second
		c.MaxDelay = 10 * time.Second
	})

	handle := downloader.Want(verify.DigestOf([]byte("nowhere")), []string{"ghost"})

	fake.WaitForTimers(1)
	testutil.RequireOpen(t, handle.Done(), "fetch during first backoff")
	fake.Advance(time.Second)
	fake.WaitForTimers(1)
	testutil.RequireOpen(t, handle.Done(), "fetch during second backoff")
	fake.Advance(2 * time.Second)

	result := waitResult(t, handle)
	var exhausted *RetriesExhaustedError
	if result.Status != StatusFailed || !errors.As(result.Err, &exhausted) {
		t.Fatalf("result = %+v, want RetriesExhaustedError", result)
	}
	if exhausted.Cycles != 3 {
		t.Errorf("Cycles = %d, want 3", exhausted.Cycles)
	}
	if !errors.Is(result.Err, transport.ErrUnknownPeer) {
		t.Errorf("last error = %v, want the dial failure", exhausted.Last)
	}
	if got := network.Dials("ghost"); got != 3 {
		t.Errorf("ghost dialed %d times, want 3", got)
	}
}

func TestAllPeersSuspectFailsWithoutBackoff(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seeder := openStore(t)
	hash, err := seeder.Put(context.Background(), testutil.Content(6, 5*verify.ChunkSize))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	servePeer(t, network, "liar", corruptSource{Source: storeSource{seeder}, offset: 10})

	local := openStore(t)
	downloader := newDownloader(t, local, network, nil)
	result := waitResult(t, downloader.Want(hash, []string{"liar"}))

	var exhausted *RetriesExhaustedError
	if !errors.As(result.Err, &exhausted) || exhausted.Cycles != 1 {
		t.Fatalf("result = %+v, want exhaustion after one cycle", result)
	}
	var attempt *AttemptError
	if !errors.As(result.Err, &attempt) || attempt.Peer != "liar" || !attempt.Suspect {
		t.Errorf("last attempt = %+v, want suspect liar", attempt)
	}
	if !verify.IsVerifyError(result.Err) {
		t.Errorf("error = %v, want a verification failure", result.Err)
	}
}

func TestWantWithoutPeers(t *testing.T) {
	downloader := newDownloader(t, openStore(t), transport.NewMemoryNetwork(), nil)
	result := waitResult(t, downloader.Want(verify.DigestOf([]byte("x")), nil))
	if result.Status != StatusFailed || !errors.Is(result.Err, ErrNoPeers) {
		t.Errorf("result = %+v, want ErrNoPeers failure", result)
	}
}

func TestJoinAndClose(t *testing.T) {
	network := transport.NewMemoryNetwork()
	stall := newBlockingSource(nil)
	servePeer(t, network, "stall", stall)
	defer close(stall.release)

	local := openStore(t)
	downloader := newDownloader(t, local, network, nil)
	hash := verify.DigestOf([]byte("stalled"))

	if _, ok := downloader.Join(hash); ok {
		t.Fatal("Join succeeded with no fetch running")
	}
	wanted := downloader.Want(hash, []string{"stall"})
	joined, ok := downloader.Join(hash)
	if !ok {
		t.Fatal("Join failed while a fetch runs")
	}
	testutil.RequireClosed(t, stall.opened, testutil.DefaultTimeout, "attempt started")

	downloader.Close()
	for _, handle := range []*FetchHandle{wanted, joined} {
		if result := handle.Result(); result.Status != StatusCancelled || !errors.Is(result.Err, ErrClosed) {
			t.Errorf("result after Close = %+v", result)
		}
	}
	if result := waitResult(t, downloader.Want(hash, []string{"stall"})); !errors.Is(result.Err, ErrClosed) {
		t.Errorf("Want after Close = %+v", result)
	}
}
