package protocol

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"fmt"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8
)

// HandshakeLength is the wire size of a handshake carrying the standard
// protocol string.
const HandshakeLength = 1 + len(btProtocol) + reservedN + 2*sha1.Size

// Handshake is the first message exchanged on every peer connection.
//
// Wire format (in bytes):
//
//	<pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrBadPstrlen       = fmt.Errorf("%w: handshake protocol string length", ErrMalformedMessage)
	ErrProtocolMismatch = fmt.Errorf("%w: handshake protocol string", ErrMalformedMessage)
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")

	// ErrShortHandshake matches both ErrMalformedMessage and
	// ErrTruncatedStream.
	ErrShortHandshake = fmt.Errorf("%w: short handshake: %w", ErrMalformedMessage, ErrTruncatedStream)
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a canonical handshake for the given torrent and local
// peer id, with zeroed reserved bytes.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// MarshalBinary encodes the handshake into its wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, 1+len(h.Pstr)+reservedN+2*sha1.Size)
	buf[0] = byte(len(h.Pstr))

	off := 1
	off += copy(buf[off:], h.Pstr)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake from exactly the bytes in b.
//
// Fewer bytes than the declared protocol string requires yields
// ErrShortHandshake; extra bytes mean the length byte disagrees with the
// frame. Both are malformed.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 {
		return ErrBadPstrlen
	}

	want := 1 + pstrlen + reservedN + 2*sha1.Size
	if len(b) < want {
		return ErrShortHandshake
	}
	if len(b) > want {
		return ErrBadPstrlen
	}

	end := 1 + pstrlen
	h.Pstr = string(b[1:end])
	copy(h.Reserved[:], b[end:end+reservedN])
	copy(h.InfoHash[:], b[end+reservedN:end+reservedN+sha1.Size])
	copy(h.PeerID[:], b[end+reservedN+sha1.Size:])

	return nil
}

// WriteTo implements io.WriterTo.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom. It blocks until a full handshake has
// been read or the stream fails.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, truncated(err)
	}

	pstrlen := int(hdr[0])
	if pstrlen == 0 {
		return 1, ErrBadPstrlen
	}

	buf := make([]byte, 1+pstrlen+reservedN+2*sha1.Size)
	buf[0] = hdr[0]
	if _, err := io.ReadFull(r, buf[1:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 1, ErrShortHandshake
		}
		return 1, err
	}

	if err := h.UnmarshalBinary(buf); err != nil {
		return int64(len(buf)), err
	}
	return int64(len(buf)), nil
}

// ReadHandshake reads a full handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var h Handshake
	if _, err := h.ReadFrom(r); err != nil {
		return nil, err
	}
	return &h, nil
}

// Check verifies the protocol string and, when expected is non-zero, that
// the remote side is talking about the same torrent.
func (h *Handshake) Check(expected [sha1.Size]byte) error {
	if h.Pstr != btProtocol {
		return ErrProtocolMismatch
	}
	if expected != ([sha1.Size]byte{}) && h.InfoHash != expected {
		return ErrInfoHashMismatch
	}
	return nil
}
