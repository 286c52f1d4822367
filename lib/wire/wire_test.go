// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/bureau-foundation/blobnet/lib/codec"
	"github.com/bureau-foundation/blobnet/lib/testutil"
	"github.com/bureau-foundation/blobnet/lib/verify"
)

type memBlob struct {
	io.ReaderAt
	outboard *verify.Outboard
}

func (b memBlob) Outboard() *verify.Outboard { return b.outboard }
func (memBlob) Close() error                { return nil }

// memSource serves blobs from memory. A blob registered through
// addCorrupt serves through a verifying reader over damaged bytes.
type memSource struct {
	blobs map[verify.Hash]func() Blob
}

func newMemSource() *memSource {
	return &memSource{blobs: make(map[verify.Hash]func() Blob)}
}

func (s *memSource) add(data []byte) *verify.Outboard {
	outboard := verify.BuildBytes(data)
	s.blobs[outboard.Hash()] = func() Blob {
		return memBlob{ReaderAt: bytes.NewReader(data), outboard: outboard}
	}
	return outboard
}

func (s *memSource) addCorrupt(t *testing.T, data []byte, offset int) *verify.Outboard {
	outboard := verify.BuildBytes(data)
	damaged := bytes.Clone(data)
	damaged[offset] ^= 0x01
	reader, err := verify.Open(outboard.Hash(), outboard, bytes.NewReader(damaged))
	if err != nil {
		t.Fatalf("verify.Open: %v", err)
	}
	s.blobs[outboard.Hash()] = func() Blob { return memBlob{ReaderAt: reader, outboard: outboard} }
	return outboard
}

func (s *memSource) OpenBlob(_ context.Context, hash verify.Hash) (Blob, error) {
	open, ok := s.blobs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return open(), nil
}

// connect starts a responder over an in-memory pipe and returns the
// requester end.
func connect(t *testing.T, source Source) *Requester {
	t.Helper()
	client, server := net.Pipe()
	responder := NewResponder(source, ResponderConfig{})
	done := make(chan error, 1)
	go func() {
		done <- responder.Serve(context.Background(), server)
		server.Close()
	}()
	requester := NewRequester(client, nil)
	t.Cleanup(func() {
		requester.Close()
		testutil.RequireReceive(t, done, testutil.DefaultTimeout, "responder exit")
	})
	return requester
}

// fetchVerified fetches ranges and verifies every frame, returning the
// assembled blob bytes and the frame order.
func fetchVerified(t *testing.T, q *Requester, hash verify.Hash, ranges []verify.ChunkRange) ([]byte, []verify.ChunkRange, error) {
	t.Helper()
	ctx := testutil.Context(t)
	header, err := q.Header(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	cursor, err := verify.NewCursor(hash, header.Size, header.Root)
	if err != nil {
		t.Fatalf("NewCursor: %v", err)
	}
	assembled := make([]byte, header.Size)
	var order []verify.ChunkRange
	err = q.Fetch(ctx, hash, ranges, func(frame Frame) error {
		written, err := cursor.WriteRange(frame.Range, frame.Data, frame.Proof)
		if err != nil {
			return err
		}
		copy(assembled[written.Offset():], written.Bytes())
		order = append(order, frame.Range)
		return nil
	})
	return assembled, order, err
}

func TestFetchWholeBlob(t *testing.T) {
	source := newMemSource()
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one short chunk", testutil.Content(1, 100)},
		{"many chunks", testutil.Content(2, 70*verify.ChunkSize+5)},
		{"compressible", bytes.Repeat([]byte("blobnet compressible text "), 20_000)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			outboard := source.add(test.data)
			q := connect(t, source)
			all := []verify.ChunkRange{{Start: 0, End: outboard.Chunks()}}
			got, _, err := fetchVerified(t, q, outboard.Hash(), all)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if !bytes.Equal(got, test.data) {
				t.Fatal("fetched bytes differ from the source")
			}
		})
	}
}

func TestFetchInterleavesRanges(t *testing.T) {
	source := newMemSource()
	outboard := source.add(testutil.Content(3, 100*verify.ChunkSize))
	q := connect(t, source)

	_, order, err := fetchVerified(t, q, outboard.Hash(), []verify.ChunkRange{
		{Start: 60, End: 100},
		{Start: 0, End: 40},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []verify.ChunkRange{
		{Start: 0, End: 16}, {Start: 60, End: 76},
		{Start: 16, End: 32}, {Start: 76, End: 92},
		{Start: 32, End: 40}, {Start: 92, End: 100},
	}
	if len(order) != len(want) {
		t.Fatalf("frames = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestFetchClampsAndMergesRanges(t *testing.T) {
	source := newMemSource()
	data := testutil.Content(4, 3*verify.ChunkSize+10)
	outboard := source.add(data)
	q := connect(t, source)

	got, order, err := fetchVerified(t, q, outboard.Hash(), []verify.ChunkRange{
		{Start: 1, End: 3},
		{Start: 0, End: 2},
		{Start: 2, End: 1000},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(order) != 1 || order[0] != (verify.ChunkRange{Start: 0, End: 4}) {
		t.Errorf("frames = %v, want one frame [0,4)", order)
	}
	if !bytes.Equal(got, data) {
		t.Error("fetched bytes differ from the source")
	}
}

func TestNotFoundKeepsStreamUsable(t *testing.T) {
	source := newMemSource()
	outboard := source.add(testutil.Content(5, 1000))
	q := connect(t, source)
	ctx := testutil.Context(t)

	_, err := q.Header(ctx, verify.DigestOf([]byte("absent")))
	var peerErr *PeerError
	if !errors.As(err, &peerErr) || peerErr.Code != CodeNotFound {
		t.Fatalf("Header(absent) = %v, want not-found PeerError", err)
	}
	if !errors.Is(err, ErrNotFound) || !IsProtocolError(err) {
		t.Errorf("not-found frame should match ErrNotFound and be peer-attributable: %v", err)
	}

	header, err := q.Header(ctx, outboard.Hash())
	if err != nil {
		t.Fatalf("Header after not-found: %v", err)
	}
	if header.Size != 1000 || header.Root != outboard.Root() {
		t.Errorf("header = %+v", header)
	}
}

func TestResponderRefusesCorruptLocalCopy(t *testing.T) {
	source := newMemSource()
	data := testutil.Content(6, 4*verify.ChunkSize)
	outboard := source.addCorrupt(t, data, 2*verify.ChunkSize+7)
	q := connect(t, source)

	_, order, err := fetchVerified(t, q, outboard.Hash(), []verify.ChunkRange{{Start: 0, End: 4}})
	var peerErr *PeerError
	if !errors.As(err, &peerErr) || peerErr.Code != CodeInternal {
		t.Fatalf("fetch = %v, want internal PeerError", err)
	}
	if len(order) != 0 {
		t.Errorf("frames delivered before the error: %v", order)
	}
}

// scripted runs a fake responder that answers each request with the
// messages reply returns, then closes.
func scripted(t *testing.T, reply func(round int, request *Request) []message) *Requester {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		for round := 0; ; round++ {
			var msg message
			if err := codec.ReadMessage(server, &msg, MaxMessageSize); err != nil || msg.Type != MessageRequest {
				return
			}
			for _, out := range reply(round, msg.Request) {
				if err := codec.WriteMessage(server, &out); err != nil {
					return
				}
			}
		}
	}()
	requester := NewRequester(client, nil)
	t.Cleanup(func() {
		requester.Close()
		testutil.RequireClosed(t, done, testutil.DefaultTimeout, "scripted responder exit")
	})
	return requester
}

func dataMessage(t *testing.T, outboard *verify.Outboard, data []byte, r verify.ChunkRange) message {
	t.Helper()
	span := r.Bytes(outboard.Size())
	proof, err := outboard.Proof(r)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	return message{Type: MessageData, Data: &DataFrame{
		Start:     r.Start,
		End:       r.End,
		Proof:     proof,
		RawLength: span.Length,
		Payload:   data[span.Offset : span.Offset+span.Length],
	}}
}

func TestRequesterRejectsMisbehavingResponder(t *testing.T) {
	data := testutil.Content(7, 8*verify.ChunkSize)
	outboard := verify.BuildBytes(data)
	header := message{Type: MessageHeader, Header: &Header{Size: outboard.Size(), Root: outboard.Root()}}
	end := message{Type: MessageEnd}
	requested := []verify.ChunkRange{{Start: 0, End: 4}}

	tests := []struct {
		name   string
		reply  func(t *testing.T) []message
		reason string
	}{
		{
			name: "frame outside request",
			reply: func(t *testing.T) []message {
				return []message{header, dataMessage(t, outboard, data, verify.ChunkRange{Start: 4, End: 6})}
			},
			reason: "unexpected range",
		},
		{
			name: "repeated chunk",
			reply: func(t *testing.T) []message {
				return []message{header,
					dataMessage(t, outboard, data, verify.ChunkRange{Start: 0, End: 2}),
					dataMessage(t, outboard, data, verify.ChunkRange{Start: 1, End: 3}),
				}
			},
			reason: "unexpected range",
		},
		{
			name: "premature end",
			reply: func(t *testing.T) []message {
				return []message{header, dataMessage(t, outboard, data, verify.ChunkRange{Start: 0, End: 2}), end}
			},
			reason: "undelivered",
		},
		{
			name: "data before header",
			reply: func(t *testing.T) []message {
				return []message{dataMessage(t, outboard, data, verify.ChunkRange{Start: 0, End: 2})}
			},
			reason: "data before header",
		},
		{
			name: "wrong raw length",
			reply: func(t *testing.T) []message {
				frame := dataMessage(t, outboard, data, verify.ChunkRange{Start: 0, End: 4})
				frame.Data.RawLength--
				return []message{header, frame}
			},
			reason: "claims",
		},
		{
			name: "short payload",
			reply: func(t *testing.T) []message {
				frame := dataMessage(t, outboard, data, verify.ChunkRange{Start: 0, End: 4})
				frame.Data.Payload = frame.Data.Payload[:100]
				return []message{header, frame}
			},
			reason: "bad payload",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			q := scripted(t, func(int, *Request) []message { return test.reply(t) })
			err := q.Fetch(testutil.Context(t), outboard.Hash(), requested, func(Frame) error { return nil })
			var protocolErr *ProtocolError
			if !errors.As(err, &protocolErr) {
				t.Fatalf("Fetch = %v, want ProtocolError", err)
			}
			if !strings.Contains(protocolErr.Reason, test.reason) {
				t.Errorf("reason = %q, want it to mention %q", protocolErr.Reason, test.reason)
			}
			if err := q.Fetch(testutil.Context(t), outboard.Hash(), requested, nil); !errors.Is(err, ErrStreamBroken) {
				t.Errorf("Fetch after violation = %v, want ErrStreamBroken", err)
			}
		})
	}
}

func TestRequesterDetectsChangedHeader(t *testing.T) {
	q := scripted(t, func(round int, request *Request) []message {
		return []message{
			{Type: MessageHeader, Header: &Header{Size: uint64(100 + round), Root: verify.DigestOf(nil)}},
			{Type: MessageEnd},
		}
	})
	ctx := testutil.Context(t)
	hash := verify.DigestOf([]byte("anything"))
	if _, err := q.Header(ctx, hash); err != nil {
		t.Fatalf("first Header: %v", err)
	}
	_, err := q.Header(ctx, hash)
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) || !strings.Contains(protocolErr.Reason, "changed") {
		t.Fatalf("second Header = %v, want changed-header ProtocolError", err)
	}
}

func TestFetchCallbackErrorStops(t *testing.T) {
	source := newMemSource()
	outboard := source.add(testutil.Content(8, 40*verify.ChunkSize))
	q := connect(t, source)
	ctx := testutil.Context(t)
	if _, err := q.Header(ctx, outboard.Hash()); err != nil {
		t.Fatalf("Header: %v", err)
	}

	stop := errors.New("stop here")
	frames := 0
	err := q.Fetch(ctx, outboard.Hash(), []verify.ChunkRange{{Start: 0, End: 40}}, func(Frame) error {
		frames++
		return stop
	})
	if !errors.Is(err, stop) || frames != 1 {
		t.Fatalf("Fetch = %v after %d frames, want the callback error after 1", err, frames)
	}
}

func TestFetchCancellation(t *testing.T) {
	// The responder reads the request and never answers.
	q := scripted(t, func(int, *Request) []message { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- q.Fetch(ctx, verify.DigestOf(nil), []verify.ChunkRange{{Start: 0, End: 1}}, func(Frame) error { return nil })
	}()
	cancel()
	err := testutil.RequireReceive(t, result, testutil.DefaultTimeout, "cancelled fetch")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch = %v, want context.Canceled", err)
	}
}

func TestResponderRejectsOversizedRequest(t *testing.T) {
	source := newMemSource()
	outboard := source.add(testutil.Content(9, 10))
	client, server := net.Pipe()
	defer client.Close()
	done := make(chan error, 1)
	go func() { done <- NewResponder(source, ResponderConfig{}).Serve(context.Background(), server) }()

	request := &Request{Hash: outboard.Hash(), Ranges: make([]verify.ByteRange, MaxRequestRanges+1)}
	if err := codec.WriteMessage(client, &message{Type: MessageRequest, Request: request}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var reply message
	if err := codec.ReadMessage(client, &reply, MaxMessageSize); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if reply.Type != MessageError || reply.Error.Code != CodeBadRequest {
		t.Fatalf("reply = %+v, want bad-request error", reply)
	}
	if err := codec.WriteMessage(client, &message{Type: MessageDone}); err != nil {
		t.Fatalf("WriteMessage(done): %v", err)
	}
	if err := testutil.RequireReceive(t, done, testutil.DefaultTimeout, "responder exit"); err != nil {
		t.Errorf("Serve = %v", err)
	}
}
