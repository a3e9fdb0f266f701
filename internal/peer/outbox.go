package peer

import (
	"sync"

	"github.com/prxssh/leech/internal/protocol"
)

type frame struct {
	hs  *protocol.Handshake
	msg *protocol.Message
}

// outbox is the per-session outbound queue.
//
// Until the handshake exchange completes only handshakes are written;
// regular messages are held back and released right after our bitfield.
// Piece payloads are bounded: once maxPieces are queued, the oldest queued
// payload is dropped to make room.
type outbox struct {
	mu        sync.Mutex
	frames    []frame
	held      []*protocol.Message
	pieces    int
	maxPieces int
	opened    bool
	closed    bool
	dropped   uint64
	notify    chan struct{}
}

func newOutbox(maxPieces int) *outbox {
	return &outbox{
		maxPieces: max(1, maxPieces),
		notify:    make(chan struct{}, 1),
	}
}

func (q *outbox) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outbox) pushHandshake(hs *protocol.Handshake) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.frames = append(q.frames, frame{hs: hs})
	q.wake()
	return true
}

// open queues first, then every message held back so far, and lets later
// messages through directly.
func (q *outbox) open(first *protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.opened {
		return
	}

	q.opened = true
	q.frames = append(q.frames, frame{msg: first})
	for _, m := range q.held {
		q.appendLocked(m)
	}
	q.held = nil
	q.wake()
}

func (q *outbox) push(m *protocol.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !q.opened {
		if m.ID == protocol.Piece {
			return false
		}
		q.held = append(q.held, m)
		return true
	}

	q.appendLocked(m)
	q.wake()
	return true
}

func (q *outbox) appendLocked(m *protocol.Message) {
	if m.ID == protocol.Piece {
		if q.pieces >= q.maxPieces {
			q.dropOldestPieceLocked()
		}
		q.pieces++
	}
	q.frames = append(q.frames, frame{msg: m})
}

func (q *outbox) dropOldestPieceLocked() {
	for i, f := range q.frames {
		if f.msg != nil && f.msg.ID == protocol.Piece {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.pieces--
			q.dropped++
			return
		}
	}
}

// cancel removes a queued piece payload matching a Cancel from the peer.
func (q *outbox) cancel(index, begin uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, f := range q.frames {
		if f.msg == nil || f.msg.ID != protocol.Piece {
			continue
		}

		idx, b, _, ok := f.msg.ParsePiece()
		if ok && idx == index && b == begin {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.pieces--
			return true
		}
	}
	return false
}

func (q *outbox) pop() (frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return frame{}, false
	}

	f := q.frames[0]
	q.frames[0] = frame{}
	q.frames = q.frames[1:]
	if f.msg != nil && f.msg.ID == protocol.Piece {
		q.pieces--
	}
	return f, true
}

func (q *outbox) isOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opened
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *outbox) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.held = nil
	q.pieces = 0
	q.mu.Unlock()
}
