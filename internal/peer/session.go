package peer

import (
	"bufio"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prxssh/leech/internal/bitfield"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/protocol"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// State is the position of a session in its protocol state machine.
type State uint32

const (
	StateIdle State = iota
	StateAwaitingHandshake
	StateAwaitingBitfield
	StateAwaitingUnchoke
	StateReadyToDownload
	StateDownloading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingHandshake:
		return "awaiting handshake"
	case StateAwaitingBitfield:
		return "awaiting bitfield"
	case StateAwaitingUnchoke:
		return "awaiting unchoke"
	case StateReadyToDownload:
		return "ready"
	case StateDownloading:
		return "downloading"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Direction tells which side opened the connection.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// PieceStore is the part of the piece store a session writes blocks into.
type PieceStore interface {
	SetBlock(index, begin int, data []byte) error
	HasBlock(index, begin int) bool
	Verify(index int) bool
	Materialize(index int) []byte
	Clear(index int)
}

// DialFunc opens the transport to a remote peer.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Opts struct {
	Config *Config
	Log    *slog.Logger

	Addr netip.AddrPort

	// Conn is an already accepted connection. When nil the session dials
	// Addr itself and acts as the initiator.
	Conn net.Conn
	Dial DialFunc

	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	PieceCount int

	Store PieceStore

	// Bitfield returns the pieces we currently have. It is called once,
	// right after the handshake exchange.
	Bitfield func() bitfield.Bitfield

	Events chan<- Event
}

type inbound struct {
	hs  *protocol.Handshake
	msg *protocol.Message
}

// Session drives the wire protocol for one peer connection.
type Session struct {
	id        uuid.UUID
	addr      netip.AddrPort
	direction Direction
	cfg       *Config
	log       *slog.Logger

	infoHash   [sha1.Size]byte
	ourID      [sha1.Size]byte
	pieceCount int
	store      PieceStore
	have       func() bitfield.Bitfield
	dial       DialFunc

	state    atomic.Uint32
	flags    atomic.Uint32
	remoteID atomic.Pointer[[sha1.Size]byte]
	lastRecv atomic.Int64
	stats    *Stats

	out    *outbox
	inbox  chan inbound
	assign chan *piece.Descriptor
	idle   chan struct{}

	ctx    context.Context
	events chan<- Event

	connMu sync.Mutex
	conn   net.Conn

	closed     chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
	reason     atomic.Uint32

	// Owned by runLoop.
	piece     *piece.Descriptor
	cursor    int
	pending   map[int]int
	available bitfield.Bitfield
}

var errClosed = errors.New("peer: session closed")

func NewSession(opts *Opts) *Session {
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	dial := opts.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		dial = d.DialContext
	}

	have := opts.Bitfield
	if have == nil {
		have = func() bitfield.Bitfield { return bitfield.New(opts.PieceCount) }
	}

	s := &Session{
		id:         uuid.New(),
		addr:       opts.Addr,
		cfg:        cfg,
		infoHash:   opts.InfoHash,
		ourID:      opts.PeerID,
		pieceCount: opts.PieceCount,
		store:      opts.Store,
		have:       have,
		dial:       dial,
		stats:      &Stats{},
		out:        newOutbox(cfg.MaxQueuedPieces),
		inbox:      make(chan inbound, 16),
		assign:     make(chan *piece.Descriptor, 1),
		idle:       make(chan struct{}, 1),
		events:     opts.Events,
		conn:       opts.Conn,
		closed:     make(chan struct{}),
		pending:    make(map[int]int),
		available:  bitfield.New(opts.PieceCount),
	}
	if opts.Conn != nil {
		s.direction = Inbound
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	s.log = log.With("peer", opts.Addr, "session", s.id.String()[:8])

	s.flags.Store(maskAmChoking | maskPeerChoking)
	s.ctx = context.Background()
	return s
}

func (s *Session) ID() uuid.UUID            { return s.id }
func (s *Session) Addr() netip.AddrPort     { return s.addr }
func (s *Session) Direction() Direction     { return s.direction }
func (s *Session) State() State             { return State(s.state.Load()) }
func (s *Session) Stats() *Stats            { return s.stats }
func (s *Session) AmChoking() bool          { return s.getFlag(maskAmChoking) }
func (s *Session) AmInterested() bool       { return s.getFlag(maskAmInterested) }
func (s *Session) PeerChoking() bool        { return s.getFlag(maskPeerChoking) }
func (s *Session) PeerInterested() bool     { return s.getFlag(maskPeerInterested) }
func (s *Session) DownloadRate() uint64     { return s.stats.DownloadRate.Load() }
func (s *Session) UploadRate() uint64       { return s.stats.UploadRate.Load() }
func (s *Session) Done() <-chan struct{}    { return s.closed }
func (s *Session) setState(st State)        { s.state.Store(uint32(st)) }
func (s *Session) getFlag(mask uint32) bool { return s.flags.Load()&mask != 0 }

// PeerID returns the id the remote side sent in its handshake.
func (s *Session) PeerID() ([sha1.Size]byte, bool) {
	if p := s.remoteID.Load(); p != nil {
		return *p, true
	}
	return [sha1.Size]byte{}, false
}

func (s *Session) setFlag(mask uint32, on bool) bool {
	for {
		old := s.flags.Load()
		next := old &^ mask
		if on {
			next = old | mask
		}
		if old == next {
			return false
		}
		if s.flags.CompareAndSwap(old, next) {
			return true
		}
	}
}

// Run connects (when outbound), exchanges handshakes and serves the
// connection until it fails, ctx is cancelled or Close is called. Exactly
// one TaskCompletedEvent is sent when it returns.
func (s *Session) Run(ctx context.Context) (err error) {
	s.ctx = ctx
	defer func() { s.finish(err) }()

	if s.conn == nil {
		s.setState(StateIdle)
		if err := s.connect(ctx); err != nil {
			return err
		}
	}

	s.lastRecv.Store(time.Now().UnixNano())
	s.stats.ConnectedAt.Store(time.Now().UnixNano())

	if s.direction == Outbound {
		s.out.pushHandshake(protocol.NewHandshake(s.infoHash, s.ourID))
		s.setState(StateAwaitingHandshake)
	} else {
		s.setState(StateAwaitingBitfield)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.runLoop(gctx) })
	g.Go(func() error { return s.ratesLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.closeConn()
			return nil
		case <-s.closed:
			s.closeConn()
			return errClosed
		}
	})

	return g.Wait()
}

func (s *Session) connect(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.dial(dctx, "tcp", s.addr.String())
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	select {
	case <-s.closed:
		s.closeConn()
		return errClosed
	default:
		return nil
	}
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Close ends the session with reason. Calling it again, or after the
// session ended on its own, has no effect.
func (s *Session) Close(reason Reason) {
	s.closeOnce.Do(func() {
		s.reason.CompareAndSwap(uint32(ReasonNone), uint32(reason))
		close(s.closed)
		s.closeConn()
	})
}

func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		reason := Reason(s.reason.Load())
		if reason == ReasonNone {
			if errors.Is(err, errClosed) {
				reason = ReasonShutdown
			} else {
				reason = classify(err)
			}
			s.reason.Store(uint32(reason))
		}

		s.closeOnce.Do(func() { close(s.closed) })
		s.closeConn()
		s.out.close()
		s.setState(StateClosed)
		s.stats.DisconnectedAt.Store(time.Now().UnixNano())

		s.log.Debug("session ended", "reason", reason, "error", err)
		s.emit(newTaskCompletedEvent(s, reason))
	})
}

// Reason returns why the session ended, or ReasonNone while it runs.
func (s *Session) Reason() Reason { return Reason(s.reason.Load()) }

func (s *Session) emit(ev Event) {
	if s.events == nil {
		return
	}

	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	r := bufio.NewReader(s.conn)

	hs, err := protocol.ReadHandshake(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, protocol.ErrMalformedMessage) {
			return fmt.Errorf("%w: %w", errBadHandshake, err)
		}
		return err
	}
	s.touch()

	if err := s.deliver(ctx, inbound{hs: hs}); err != nil {
		return nil
	}

	for {
		m, err := protocol.ReadMessage(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.touch()

		if err := s.deliver(ctx, inbound{msg: m}); err != nil {
			return nil
		}
	}
}

func (s *Session) touch() {
	s.lastRecv.Store(time.Now().UnixNano())
	s.stats.MessagesReceived.Add(1)
}

func (s *Session) deliver(ctx context.Context, in inbound) error {
	select {
	case s.inbox <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	w := bufio.NewWriter(s.conn)

	timer := time.NewTimer(s.cfg.KeepAliveInterval)
	defer timer.Stop()

	for {
		if f, ok := s.out.pop(); ok {
			if err := s.writeFrame(w, f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			timer.Reset(s.cfg.KeepAliveInterval)
			continue
		}

		select {
		case <-ctx.Done():
			return nil

		case <-s.out.notify:

		case <-timer.C:
			silent := time.Since(time.Unix(0, s.lastRecv.Load()))
			if silent > s.cfg.PeerTimeout {
				return fmt.Errorf("%w: silent for %s", errTimeout, silent.Round(time.Second))
			}

			if s.out.isOpen() {
				if err := s.writeFrame(w, frame{}); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}

				select {
				case s.idle <- struct{}{}:
				default:
				}
			}
			timer.Reset(s.cfg.KeepAliveInterval)
		}
	}
}

func (s *Session) writeFrame(w *bufio.Writer, f frame) error {
	var err error
	if f.hs != nil {
		_, err = f.hs.WriteTo(w)
	} else {
		err = protocol.WriteMessage(w, f.msg)
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		return err
	}

	s.onWritten(f.msg)
	return nil
}

func (s *Session) onWritten(m *protocol.Message) {
	s.stats.MessagesSent.Add(1)
	if m == nil {
		return
	}

	switch m.ID {
	case protocol.Request:
		s.stats.RequestsSent.Add(1)
	case protocol.Piece:
		if n := len(m.Payload); n >= 8 {
			s.stats.PiecesSent.Add(1)
			s.stats.Uploaded.Add(uint64(n - 8))
		}
	}
}

func (s *Session) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case in := <-s.inbox:
			var err error
			if in.hs != nil {
				err = s.onHandshake(in.hs)
			} else {
				err = s.onMessage(in.msg)
			}
			if err != nil {
				return err
			}

		case d := <-s.assign:
			s.onAssign(d)

		case <-s.idle:
			if s.State() == StateReadyToDownload && s.piece == nil {
				s.emit(newReadyEvent(s))
			}
		}
	}
}

func (s *Session) onHandshake(hs *protocol.Handshake) error {
	if err := hs.Check(s.infoHash); err != nil {
		return fmt.Errorf("%w: %w", errBadHandshake, err)
	}

	id := hs.PeerID
	s.remoteID.Store(&id)

	if s.direction == Inbound {
		s.out.pushHandshake(protocol.NewHandshake(s.infoHash, s.ourID))
	}
	s.out.open(protocol.MessageBitfield(s.have().Bytes()))
	s.setState(StateAwaitingBitfield)

	s.log.Debug("handshake complete", "direction", s.direction)
	return nil
}

func (s *Session) onMessage(m *protocol.Message) error {
	if protocol.IsKeepAlive(m) {
		return nil
	}

	switch m.ID {
	case protocol.Choke:
		s.setFlag(maskPeerChoking, true)
		if len(s.pending) > 0 {
			clear(s.pending)
			s.emit(newRequestsDroppedEvent(s))
		}
		s.cursor = 0
		if st := s.State(); st == StateReadyToDownload || st == StateDownloading {
			s.setState(StateAwaitingUnchoke)
		}

	case protocol.Unchoke:
		s.setFlag(maskPeerChoking, false)
		if s.piece == nil {
			s.setState(StateReadyToDownload)
			s.emit(newReadyEvent(s))
		} else {
			s.setState(StateDownloading)
			s.progress()
		}

	case protocol.Interested:
		s.setFlag(maskPeerInterested, true)

	case protocol.NotInterested:
		s.setFlag(maskPeerInterested, false)

	case protocol.Have:
		index, _ := m.ParseHave()
		if int(index) >= s.pieceCount {
			return fmt.Errorf("%w: have %d of %d pieces", protocol.ErrMalformedMessage, index, s.pieceCount)
		}
		if s.State() == StateAwaitingBitfield {
			s.setState(StateAwaitingUnchoke)
		}
		if s.available.Set(int(index)) {
			s.emit(newAvailabilityEvent(s, s.available))
		}

	case protocol.Bitfield:
		if s.State() != StateAwaitingBitfield {
			return fmt.Errorf("%w: bitfield in state %s", errViolation, s.State())
		}
		bf, err := bitfield.FromPayload(m.Payload, s.pieceCount)
		if err != nil {
			return fmt.Errorf("%w: %w", protocol.ErrMalformedMessage, err)
		}
		s.available = bf
		s.setState(StateAwaitingUnchoke)
		s.emit(newAvailabilityEvent(s, bf))

	case protocol.Request:
		index, begin, length, _ := m.ParseRequest()
		if int(length) > s.cfg.MaxRequestLength {
			return fmt.Errorf("%w: request of %d bytes", errViolation, length)
		}
		s.stats.RequestsReceived.Add(1)
		if s.AmChoking() {
			s.stats.RequestsDropped.Add(1)
			return nil
		}
		s.emit(newRequestEvent(s, index, begin, length))

	case protocol.Piece:
		return s.onBlock(m)

	case protocol.Cancel:
		index, begin, _, _ := m.ParseRequest()
		if s.out.cancel(index, begin) {
			s.stats.RequestsCancelled.Add(1)
		}

	case protocol.Port:
		// DHT is not supported.
	}

	return nil
}

func (s *Session) onBlock(m *protocol.Message) error {
	idx, b, block, _ := m.ParsePiece()
	index, begin := int(idx), int(b)

	s.stats.BlocksReceived.Add(1)
	if s.piece == nil || index != s.piece.Index {
		s.stats.BlocksUnsolicited.Add(1)
		return nil
	}

	want, ok := piece.BlockLengthAt(s.piece.Length, begin)
	if !ok || want != len(block) {
		return fmt.Errorf("%w: block %d+%d of %d bytes", errViolation, index, begin, len(block))
	}
	delete(s.pending, begin)

	if err := s.store.SetBlock(index, begin, block); err != nil {
		return fmt.Errorf("%w: %w", errViolation, err)
	}
	s.stats.Downloaded.Add(uint64(len(block)))
	s.emit(newBlockReceivedEvent(s, BlockRef{Index: index, Begin: begin, Length: len(block)}))

	s.progress()
	return nil
}

func (s *Session) onAssign(d *piece.Descriptor) {
	if s.piece != nil {
		// Already busy: hand the piece straight back.
		s.emit(newPieceCompletedEvent(s, PieceResult{Index: d.Index}))
		return
	}

	s.piece = d
	s.cursor = 0
	clear(s.pending)

	if s.PeerChoking() {
		s.setState(StateAwaitingUnchoke)
		return
	}
	s.setState(StateDownloading)
	s.progress()
}

// progress keeps up to PipelineDepth requests in flight for the assigned
// piece and finishes the piece once nothing is left to fetch.
func (s *Session) progress() {
	if s.piece == nil {
		return
	}
	d := s.piece

	for !s.PeerChoking() && len(s.pending) < s.cfg.PipelineDepth && s.cursor < d.Length {
		begin := s.cursor
		length, _ := piece.BlockLengthAt(d.Length, begin)
		s.cursor += length

		if s.store.HasBlock(d.Index, begin) {
			continue
		}

		s.pending[begin] = length
		s.out.push(protocol.MessageRequest(uint32(d.Index), uint32(begin), uint32(length)))
		s.emit(newRequestSentEvent(s, BlockRef{Index: d.Index, Begin: begin, Length: length}))
	}

	if s.cursor < d.Length || len(s.pending) > 0 {
		return
	}

	res := PieceResult{Index: d.Index, OK: s.store.Verify(d.Index)}
	if res.OK {
		res.Data = s.store.Materialize(d.Index)
	} else {
		s.stats.HashFailures.Add(1)
	}
	s.store.Clear(d.Index)

	s.piece = nil
	s.cursor = 0
	s.emit(newPieceCompletedEvent(s, res))

	s.setState(StateReadyToDownload)
	s.emit(newReadyEvent(s))
}

// Assign hands a piece to the session. It never blocks and reports false
// when an assignment is already waiting to be picked up.
func (s *Session) Assign(d *piece.Descriptor) bool {
	select {
	case s.assign <- d:
		return true
	default:
		return false
	}
}

func (s *Session) Choke() {
	if s.setFlag(maskAmChoking, true) {
		s.out.push(protocol.MessageChoke())
	}
}

func (s *Session) Unchoke() {
	if s.setFlag(maskAmChoking, false) {
		s.out.push(protocol.MessageUnchoke())
	}
}

func (s *Session) Interested() {
	if s.setFlag(maskAmInterested, true) {
		s.out.push(protocol.MessageInterested())
	}
}

func (s *Session) NotInterested() {
	if s.setFlag(maskAmInterested, false) {
		s.out.push(protocol.MessageNotInterested())
	}
}

func (s *Session) Have(index int) {
	s.out.push(protocol.MessageHave(uint32(index)))
}

// SendPiece queues a block for upload. It is refused while we choke the
// peer.
func (s *Session) SendPiece(index, begin int, block []byte) bool {
	if s.AmChoking() {
		return false
	}
	return s.out.push(protocol.MessagePiece(uint32(index), uint32(begin), block))
}
