package peer

import (
	"context"
	"crypto/sha1"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/protocol"
)

var (
	testInfoHash = sha1.Sum([]byte("leech test torrent"))
	testOurID    = sha1.Sum([]byte("local"))
	testRemoteID = sha1.Sum([]byte("remote"))
)

type harness struct {
	session *Session
	remote  net.Conn
	events  chan Event
	done    chan struct{}
	err     error
}

// startSession runs an inbound session over an in-memory pipe. The test
// plays the remote peer through h.remote.
func startSession(t *testing.T, opts *Opts) *harness {
	t.Helper()

	local, remote := net.Pipe()
	events := make(chan Event, 256)

	opts.Conn = local
	opts.Addr = netip.MustParseAddrPort("10.0.0.2:6881")
	opts.InfoHash = testInfoHash
	opts.PeerID = testOurID
	opts.Events = events

	h := &harness{
		session: NewSession(opts),
		remote:  remote,
		events:  events,
		done:    make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.err = h.session.Run(ctx)
		close(h.done)
	}()

	t.Cleanup(func() {
		h.session.Close(ReasonShutdown)
		_ = remote.Close()
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()

	select {
	case <-h.done:
		return h.err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

// handshake completes the exchange from the remote side and consumes our
// bitfield.
func (h *harness) handshake(t *testing.T) {
	t.Helper()

	_, err := protocol.NewHandshake(testInfoHash, testRemoteID).WriteTo(h.remote)
	require.NoError(t, err)

	hs, err := protocol.ReadHandshake(h.remote)
	require.NoError(t, err)
	require.Equal(t, testInfoHash, hs.InfoHash)
	require.Equal(t, testOurID, hs.PeerID)

	m, err := protocol.ReadMessage(h.remote)
	require.NoError(t, err)
	require.Equal(t, protocol.Bitfield, m.ID)
}

func waitEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(T); ok {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func assertNoEvent[T Event](t *testing.T, events <-chan Event, d time.Duration) {
	t.Helper()

	timeout := time.After(d)
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(T); ok {
				t.Fatalf("unexpected %T", ev)
			}
		case <-timeout:
			return
		}
	}
}

func TestSession_ForeignInfoHashIsBadHandshake(t *testing.T) {
	h := startSession(t, &Opts{PieceCount: 4})

	_, err := protocol.NewHandshake(sha1.Sum([]byte("another torrent")), testRemoteID).WriteTo(h.remote)
	require.NoError(t, err)

	ev := waitEvent[TaskCompletedEvent](t, h.events)
	assert.Equal(t, ReasonBadHandshake, ev.Data)
	assert.Equal(t, h.session.ID(), ev.Session)
	assert.Equal(t, h.session.Addr(), ev.Peer)

	assert.ErrorIs(t, h.wait(t), errBadHandshake)
	assert.Equal(t, StateClosed, h.session.State())
	assert.False(t, ReasonBadHandshake.Retryable())

	h.session.Close(ReasonShutdown)
	assertNoEvent[TaskCompletedEvent](t, h.events, 100*time.Millisecond)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	h := startSession(t, &Opts{PieceCount: 4})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.Close(ReasonTimeout)
		}()
	}
	wg.Wait()

	assert.Error(t, h.wait(t))

	ev := waitEvent[TaskCompletedEvent](t, h.events)
	assert.Equal(t, ReasonTimeout, ev.Data)

	h.session.Close(ReasonProtocolViolation)
	assert.Equal(t, ReasonTimeout, h.session.Reason())
	assertNoEvent[TaskCompletedEvent](t, h.events, 100*time.Millisecond)
}

func TestSession_DownloadsAssignedPiece(t *testing.T) {
	data := make([]byte, piece.BlockLength+3616)
	for i := range data {
		data[i] = byte(i % 239)
	}

	pieces, err := piece.Layout(int64(len(data)), []int64{int64(len(data))}, [][sha1.Size]byte{sha1.Sum(data)})
	require.NoError(t, err)
	store := piece.NewStore(pieces, nil, nil)

	h := startSession(t, &Opts{PieceCount: 1, Store: store})
	h.handshake(t)

	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageBitfield([]byte{0x80})))
	avail := waitEvent[AvailabilityEvent](t, h.events)
	assert.True(t, avail.Data.Has(0))
	assert.Equal(t, StateAwaitingUnchoke, h.session.State())

	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageUnchoke()))
	waitEvent[ReadyEvent](t, h.events)
	assert.Equal(t, StateReadyToDownload, h.session.State())

	require.True(t, h.session.Assign(pieces[0]))

	var requested []uint32
	for len(requested) < 2 {
		m, err := protocol.ReadMessage(h.remote)
		require.NoError(t, err)
		if m == nil || m.ID != protocol.Request {
			continue
		}

		index, begin, length, ok := m.ParseRequest()
		require.True(t, ok)
		requested = append(requested, length)
		require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessagePiece(index, begin, data[begin:begin+length])))
	}
	assert.Equal(t, []uint32{piece.BlockLength, 3616}, requested)

	done := waitEvent[PieceCompletedEvent](t, h.events)
	assert.True(t, done.Data.OK)
	assert.Equal(t, data, done.Data.Data)

	waitEvent[ReadyEvent](t, h.events)
	assert.Equal(t, StateReadyToDownload, h.session.State())
	assert.Zero(t, store.BufferedBytes())
	assert.EqualValues(t, len(data), h.session.Stats().Downloaded.Load())
}

func TestSession_RequestRules(t *testing.T) {
	h := startSession(t, &Opts{PieceCount: 1})
	h.handshake(t)

	// We start out choking, so this one is dropped.
	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageRequest(0, 0, piece.BlockLength)))
	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageRequest(0, 0, 256*1024)))

	ev := waitEvent[TaskCompletedEvent](t, h.events)
	assert.Equal(t, ReasonProtocolViolation, ev.Data)
	assert.EqualValues(t, 1, h.session.Stats().RequestsDropped.Load())
}

func TestSession_MalformedHaveClosesSession(t *testing.T) {
	h := startSession(t, &Opts{PieceCount: 2})
	h.handshake(t)

	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageHave(7)))

	ev := waitEvent[TaskCompletedEvent](t, h.events)
	assert.Equal(t, ReasonMalformedMessage, ev.Data)
}

func TestSession_SilentPeerTimesOut(t *testing.T) {
	cfg := WithDefaultConfig()
	cfg.KeepAliveInterval = 20 * time.Millisecond
	cfg.PeerTimeout = 50 * time.Millisecond

	h := startSession(t, &Opts{PieceCount: 1, Config: cfg})
	h.handshake(t)
	go func() { _, _ = io.Copy(io.Discard, h.remote) }()

	ev := waitEvent[TaskCompletedEvent](t, h.events)
	assert.Equal(t, ReasonTimeout, ev.Data)
	assert.ErrorIs(t, h.wait(t), errTimeout)
}

// nextRequest reads until the session sends a request and returns its
// offset within the piece.
func nextRequest(t *testing.T, conn net.Conn) (index, begin, length uint32) {
	t.Helper()

	for {
		m, err := protocol.ReadMessage(conn)
		require.NoError(t, err)
		if m == nil || m.ID != protocol.Request {
			continue
		}

		index, begin, length, ok := m.ParseRequest()
		require.True(t, ok)
		return index, begin, length
	}
}

func assertNoRequest(t *testing.T, conn net.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	defer func() { require.NoError(t, conn.SetReadDeadline(time.Time{})) }()

	m, err := protocol.ReadMessage(conn)
	require.Error(t, err, "unexpected message %+v", m)
}

func TestSession_PipelineAndChokeResume(t *testing.T) {
	const blocks = 7

	data := make([]byte, blocks*piece.BlockLength)
	for i := range data {
		data[i] = byte((i/piece.BlockLength)*17 + i%131)
	}

	pieces, err := piece.Layout(int64(len(data)), []int64{int64(len(data))}, [][sha1.Size]byte{sha1.Sum(data)})
	require.NoError(t, err)
	store := piece.NewStore(pieces, nil, nil)

	h := startSession(t, &Opts{PieceCount: 1, Store: store})
	h.handshake(t)

	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageBitfield([]byte{0x80})))
	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageUnchoke()))
	waitEvent[ReadyEvent](t, h.events)
	require.True(t, h.session.Assign(pieces[0]))

	serve := func(begin uint32) {
		t.Helper()
		block := data[begin : begin+piece.BlockLength]
		require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessagePiece(0, begin, block)))
	}

	var first []uint32
	for range 5 {
		index, begin, length := nextRequest(t, h.remote)
		assert.Zero(t, index)
		assert.EqualValues(t, piece.BlockLength, length)
		first = append(first, begin)
	}
	assert.Equal(t, []uint32{0, piece.BlockLength, 2 * piece.BlockLength, 3 * piece.BlockLength, 4 * piece.BlockLength}, first)
	assertNoRequest(t, h.remote)

	serve(first[0])
	serve(first[1])

	// Each stored block frees one pipeline slot.
	for _, want := range []uint32{5 * piece.BlockLength, 6 * piece.BlockLength} {
		_, begin, _ := nextRequest(t, h.remote)
		assert.Equal(t, want, begin)
	}
	assertNoRequest(t, h.remote)

	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageChoke()))
	waitEvent[RequestsDroppedEvent](t, h.events)
	require.Eventually(t, func() bool { return h.session.State() == StateAwaitingUnchoke },
		time.Second, 5*time.Millisecond)
	assertNoRequest(t, h.remote)

	assert.True(t, store.HasBlock(0, int(first[0])))
	assert.True(t, store.HasBlock(0, int(first[1])))

	require.NoError(t, protocol.WriteMessage(h.remote, protocol.MessageUnchoke()))

	var resumed []uint32
	for range 5 {
		_, begin, _ := nextRequest(t, h.remote)
		resumed = append(resumed, begin)
	}
	assertNoRequest(t, h.remote)

	assert.NotContains(t, resumed, first[0])
	assert.NotContains(t, resumed, first[1])
	assert.ElementsMatch(t, []uint32{
		2 * piece.BlockLength,
		3 * piece.BlockLength,
		4 * piece.BlockLength,
		5 * piece.BlockLength,
		6 * piece.BlockLength,
	}, resumed)

	for _, begin := range resumed {
		serve(begin)
	}

	done := waitEvent[PieceCompletedEvent](t, h.events)
	assert.True(t, done.Data.OK)
	assert.Equal(t, data, done.Data.Data)
	assert.Zero(t, store.BufferedBytes())
}

func TestSession_OutboundDialsThenHandshakes(t *testing.T) {
	local, remote := net.Pipe()
	release := make(chan struct{})
	events := make(chan Event, 64)

	s := NewSession(&Opts{
		Addr:       netip.MustParseAddrPort("10.0.0.3:6881"),
		InfoHash:   testInfoHash,
		PeerID:     testOurID,
		PieceCount: 4,
		Events:     events,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			assert.Equal(t, "10.0.0.3:6881", address)
			<-release
			return local, nil
		},
	})
	assert.Equal(t, Outbound, s.Direction())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = remote.Close()
		<-done
	})

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	close(release)

	// The initiator speaks first.
	hs, err := protocol.ReadHandshake(remote)
	require.NoError(t, err)
	assert.Equal(t, testInfoHash, hs.InfoHash)
	assert.Equal(t, testOurID, hs.PeerID)
	require.Eventually(t, func() bool { return s.State() == StateAwaitingHandshake }, time.Second, 5*time.Millisecond)

	_, err = protocol.NewHandshake(testInfoHash, testRemoteID).WriteTo(remote)
	require.NoError(t, err)

	m, err := protocol.ReadMessage(remote)
	require.NoError(t, err)
	assert.Equal(t, protocol.Bitfield, m.ID)
	require.Eventually(t, func() bool { return s.State() == StateAwaitingBitfield }, time.Second, 5*time.Millisecond)

	id, ok := s.PeerID()
	require.True(t, ok)
	assert.Equal(t, testRemoteID, id)
}

func TestSession_HalfHandshakeIsBadHandshake(t *testing.T) {
	h := startSession(t, &Opts{PieceCount: 4})

	b, err := protocol.NewHandshake(testInfoHash, testRemoteID).MarshalBinary()
	require.NoError(t, err)
	_, err = h.remote.Write(b[:40])
	require.NoError(t, err)
	require.NoError(t, h.remote.Close())

	ev := waitEvent[TaskCompletedEvent](t, h.events)
	assert.Equal(t, ReasonBadHandshake, ev.Data)
	assert.ErrorIs(t, h.wait(t), protocol.ErrMalformedMessage)
}
