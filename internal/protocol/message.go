package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
)

// MaxFrameLength bounds the length prefix we are willing to allocate for. It
// covers a 128 KiB block plus header and bitfields of torrents with up to
// ~16M pieces.
const MaxFrameLength = 2 << 20

func (mid MessageID) String() string {
	switch mid {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "Not Interested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	default:
		return fmt.Sprintf("Unknown(%d)", mid)
	}
}

// Message represents a single length-prefixed peer wire message.
//
// Wire format:
//
//	keep-alive: <length=0>
//	otherwise: <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	// ErrMalformedMessage reports structurally invalid wire data: unknown
	// ids, payloads of the wrong size for their id, or absurd lengths.
	ErrMalformedMessage = errors.New("protocol: malformed message")

	// ErrTruncatedStream reports that the stream or buffer ended before the
	// frame declared by its length prefix was complete.
	ErrTruncatedStream = errors.New("protocol: truncated stream")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	return &Message{ID: Bitfield, Payload: cp}
}

func MessageRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Payload: triple(index, begin, length)}
}

func MessageCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Payload: triple(index, begin, length)}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)

	return &Message{ID: Piece, Payload: payload}
}

func MessagePort(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)

	return &Message{ID: Port, Payload: payload}
}

func triple(a, b, c uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], a)
	binary.BigEndian.PutUint32(payload[4:8], b)
	binary.BigEndian.PutUint32(payload[8:12], c)
	return payload
}

// ParseHave returns the piece index for a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request or Cancel payload into index, begin, and
// length.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into index, begin, and the data block.
// The block aliases the message payload.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

func (m *Message) ParsePort() (port uint16, ok bool) {
	if m == nil || m.ID != Port || len(m.Payload) != 2 {
		return 0, false
	}

	return binary.BigEndian.Uint16(m.Payload), true
}

// Validate checks that the payload has the shape required by the message id.
func (m *Message) Validate() error {
	if m == nil {
		return nil
	}

	var ok bool
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		ok = len(m.Payload) == 0
	case Have:
		ok = len(m.Payload) == 4
	case Bitfield:
		ok = true
	case Request, Cancel:
		ok = len(m.Payload) == 12
	case Piece:
		ok = len(m.Payload) >= 8
	case Port:
		ok = len(m.Payload) == 2
	default:
		return fmt.Errorf("%w: unknown id %d", ErrMalformedMessage, m.ID)
	}

	if !ok {
		return fmt.Errorf(
			"%w: %s with %d byte payload",
			ErrMalformedMessage, m.ID, len(m.Payload),
		)
	}
	return nil
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	length, err := m.frameLength()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// frameLength is the length prefix m encodes with. Both encoders reject
// frames the decoder would refuse.
func (m *Message) frameLength() (int, error) {
	length := 1 + len(m.Payload)
	if length > MaxFrameLength {
		return 0, fmt.Errorf("%w: frame length %d", ErrMalformedMessage, length)
	}
	return length, nil
}

// UnmarshalBinary decodes exactly one frame from b. A zero-length frame
// leaves m zeroed; callers that need the keep-alive distinction should use
// Decode.
func (m *Message) UnmarshalBinary(b []byte) error {
	decoded, n, err := Decode(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(b)-n)
	}

	if decoded == nil {
		*m = Message{}
		return nil
	}
	*m = *decoded
	return nil
}

// Decode parses the first frame in b and reports how many bytes it consumed.
// A keep-alive decodes to a nil message.
func Decode(b []byte) (*Message, int, error) {
	if len(b) < 4 {
		return nil, 0, ErrTruncatedStream
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		return nil, 4, nil
	}
	if length > MaxFrameLength {
		return nil, 0, fmt.Errorf("%w: frame length %d", ErrMalformedMessage, length)
	}
	if uint64(len(b)) < 4+uint64(length) {
		return nil, 0, ErrTruncatedStream
	}

	m := &Message{
		ID:      MessageID(b[4]),
		Payload: append([]byte(nil), b[5:4+length]...),
	}
	if len(m.Payload) == 0 {
		m.Payload = nil
	}
	if err := m.Validate(); err != nil {
		return nil, 0, err
	}

	return m, 4 + int(length), nil
}

// WriteTo implements io.WriterTo.
//
// For keep-alive (m==nil), it writes 4 zero bytes.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if m == nil {
		var z [4]byte
		n, err := w.Write(z[:])
		return int64(n), err
	}

	length, err := m.frameLength()
	if err != nil {
		return 0, err
	}

	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(length))
	hdr[4] = byte(m.ID)

	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	if len(m.Payload) == 0 {
		return int64(n1), nil
	}

	n2, err := w.Write(m.Payload)
	return int64(n1 + n2), err
}

// ReadMessage reads one frame from r. Keep-alives are returned as a nil
// message. A stream that closes cleanly on a frame boundary yields io.EOF;
// one that closes mid-frame yields ErrTruncatedStream.
func ReadMessage(r io.Reader) (*Message, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return nil, truncated(err)
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformedMessage, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTruncatedStream
		}
		return nil, truncated(err)
	}

	m := &Message{ID: MessageID(buf[0])}
	if length > 1 {
		m.Payload = buf[1:]
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// WriteMessage writes m to w. If m is nil, it writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncatedStream
	}
	return err
}
