package peer

import (
	"net/netip"

	"github.com/google/uuid"

	"github.com/prxssh/leech/internal/bitfield"
)

// Event is anything a session reports to the scheduler inbox.
type Event interface {
	event()
	Source() (netip.AddrPort, uuid.UUID)
}

// PeerEvent carries data of type T from the session identified by Session.
// Session disambiguates reconnections that reuse the same address.
type PeerEvent[T any] struct {
	Peer    netip.AddrPort
	Session uuid.UUID
	Data    T
}

func (e PeerEvent[T]) event() {}

func (e PeerEvent[T]) Source() (netip.AddrPort, uuid.UUID) { return e.Peer, e.Session }

type (
	ReadyEvent           = PeerEvent[ReadyData]
	AvailabilityEvent    = PeerEvent[bitfield.Bitfield]
	PieceCompletedEvent  = PeerEvent[PieceResult]
	RequestEvent         = PeerEvent[IncomingRequest]
	RequestSentEvent     = PeerEvent[OutgoingRequest]
	BlockReceivedEvent   = PeerEvent[ReceivedBlock]
	RequestsDroppedEvent = PeerEvent[DroppedData]
	TaskCompletedEvent   = PeerEvent[Reason]
)

type (
	ReadyData   struct{}
	DroppedData struct{}
)

// PieceResult is the outcome of downloading one piece. Data holds the
// verified bytes when OK is set.
type PieceResult struct {
	Index int
	OK    bool
	Data  []byte
}

// BlockRef names one block of a piece.
type BlockRef struct {
	Index  int
	Begin  int
	Length int
}

// The three block events share a layout but must stay distinct types for
// the scheduler's type switch.
type (
	IncomingRequest BlockRef
	OutgoingRequest BlockRef
	ReceivedBlock   BlockRef
)

// Key packs the block position into a single comparable value.
func (b BlockRef) Key() uint64 {
	return uint64(b.Index)<<32 | uint64(uint32(b.Begin))
}

func newReadyEvent(s *Session) ReadyEvent {
	return ReadyEvent{Peer: s.addr, Session: s.id}
}

func newAvailabilityEvent(s *Session, bf bitfield.Bitfield) AvailabilityEvent {
	return AvailabilityEvent{Peer: s.addr, Session: s.id, Data: bf.Clone()}
}

func newPieceCompletedEvent(s *Session, res PieceResult) PieceCompletedEvent {
	return PieceCompletedEvent{Peer: s.addr, Session: s.id, Data: res}
}

func newRequestEvent(s *Session, index, begin, length uint32) RequestEvent {
	return RequestEvent{
		Peer:    s.addr,
		Session: s.id,
		Data:    IncomingRequest{Index: int(index), Begin: int(begin), Length: int(length)},
	}
}

func newRequestSentEvent(s *Session, ref BlockRef) RequestSentEvent {
	return RequestSentEvent{Peer: s.addr, Session: s.id, Data: OutgoingRequest(ref)}
}

func newBlockReceivedEvent(s *Session, ref BlockRef) BlockReceivedEvent {
	return BlockReceivedEvent{Peer: s.addr, Session: s.id, Data: ReceivedBlock(ref)}
}

func newRequestsDroppedEvent(s *Session) RequestsDroppedEvent {
	return RequestsDroppedEvent{Peer: s.addr, Session: s.id}
}

func newTaskCompletedEvent(s *Session, reason Reason) TaskCompletedEvent {
	return TaskCompletedEvent{Peer: s.addr, Session: s.id, Data: reason}
}
