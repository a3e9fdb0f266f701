package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/leech/internal/protocol"
)

func drain(q *outbox) []*protocol.Message {
	var out []*protocol.Message
	for {
		f, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, f.msg)
	}
}

func TestOutbox_HoldsMessagesUntilOpen(t *testing.T) {
	q := newOutbox(4)

	require.True(t, q.push(protocol.MessageInterested()))
	assert.False(t, q.push(protocol.MessagePiece(0, 0, []byte{1})), "pieces are refused before the handshake")
	assert.Zero(t, q.len())

	q.open(protocol.MessageBitfield([]byte{0xF0}))

	got := drain(q)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.Bitfield, got[0].ID)
	assert.Equal(t, protocol.Interested, got[1].ID)
}

func TestOutbox_DropsOldestPiece(t *testing.T) {
	q := newOutbox(2)
	q.open(protocol.MessageBitfield([]byte{0}))
	drain(q)

	q.push(protocol.MessagePiece(0, 0, []byte{1}))
	q.push(protocol.MessageHave(3))
	q.push(protocol.MessagePiece(1, 0, []byte{2}))
	q.push(protocol.MessagePiece(2, 0, []byte{3}))

	got := drain(q)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.Have, got[0].ID)

	index, _, _, _ := got[1].ParsePiece()
	assert.EqualValues(t, 1, index)
	index, _, _, _ = got[2].ParsePiece()
	assert.EqualValues(t, 2, index)
	assert.EqualValues(t, 1, q.dropped)
}

func TestOutbox_CancelRemovesQueuedPiece(t *testing.T) {
	q := newOutbox(8)
	q.open(protocol.MessageBitfield([]byte{0}))
	drain(q)

	q.push(protocol.MessagePiece(4, 16384, []byte{1}))
	assert.False(t, q.cancel(4, 0))
	assert.True(t, q.cancel(4, 16384))
	assert.Zero(t, q.len())
}

func TestOutbox_ClosedRefusesEverything(t *testing.T) {
	q := newOutbox(8)
	q.open(protocol.MessageBitfield([]byte{0}))
	q.close()

	assert.False(t, q.push(protocol.MessageChoke()))
	assert.False(t, q.pushHandshake(protocol.NewHandshake(testInfoHash, testOurID)))
	assert.Zero(t, q.len())
}
