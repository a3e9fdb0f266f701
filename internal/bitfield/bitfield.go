package bitfield

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
)

// Bitfield is the wire representation of piece possession. Bits are stored
// MSB-first within each byte: bit 0 of the torrent is the high bit of byte 0.
type Bitfield []byte

var ErrBadLength = errors.New("bitfield: payload length does not match piece count")

// New returns a zeroed bitfield able to hold nbits bits.
func New(nbits int) Bitfield {
	if nbits <= 0 {
		return Bitfield{}
	}

	return make(Bitfield, (nbits+7)/8)
}

// FromPayload validates a bitfield received from a peer for a torrent of n
// pieces and returns an independent copy. The payload must be exactly
// ceil(n/8) bytes and the spare trailing bits must be clear.
func FromPayload(payload []byte, n int) (Bitfield, error) {
	if len(payload) != (n+7)/8 {
		return nil, fmt.Errorf("%w: got %d bytes for %d pieces", ErrBadLength, len(payload), n)
	}

	bf := Bitfield(append([]byte(nil), payload...))
	for i := n; i < bf.Len(); i++ {
		if bf.Has(i) {
			return nil, fmt.Errorf("bitfield: spare bit %d set", i)
		}
	}

	return bf, nil
}

// Bytes returns a copy of the underlying bytes.
func (bf Bitfield) Bytes() []byte {
	return append([]byte(nil), bf...)
}

// Len returns the number of addressable bits.
func (bf Bitfield) Len() int { return len(bf) * 8 }

// Has reports whether bit at index is set. Out-of-range indices report
// false.
func (bf Bitfield) Has(index int) bool {
	if index < 0 || index >= bf.Len() {
		return false
	}

	return bf[index/8]&(0x80>>(index%8)) != 0
}

// Set sets bit at index and reports whether it changed.
func (bf Bitfield) Set(index int) bool {
	if index < 0 || index >= bf.Len() {
		return false
	}

	mask := byte(0x80 >> (index % 8))
	old := bf[index/8]
	bf[index/8] = old | mask

	return old&mask == 0
}

// Clear clears bit at index and reports whether it changed.
func (bf Bitfield) Clear(index int) bool {
	if index < 0 || index >= bf.Len() {
		return false
	}

	mask := byte(0x80 >> (index % 8))
	old := bf[index/8]
	bf[index/8] = old &^ mask

	return old&mask != 0
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}
	return n
}

func (bf Bitfield) Equals(other Bitfield) bool { return bytes.Equal(bf, other) }

func (bf Bitfield) Clone() Bitfield { return bf.Bytes() }

// String returns the bits as a 0/1 string, MSB-first.
func (bf Bitfield) String() string {
	var buf bytes.Buffer
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	return buf.String()
}
