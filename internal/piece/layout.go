package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
)

// Span is the part of a piece stored in one backing file.
type Span struct {
	File   int
	Offset int64
	Length int64
}

// Descriptor describes one piece of the torrent. It is immutable once the
// layout is built.
type Descriptor struct {
	Index  int
	Length int
	Hash   [sha1.Size]byte

	// Spans lists the file regions holding the piece, in ascending file
	// order. Their lengths add up to Length.
	Spans []Span
}

var ErrLayout = errors.New("piece: inconsistent layout")

// Layout maps every piece of a torrent onto its backing files. Files are
// treated as one contiguous stream in list order; zero-length files are
// skipped.
func Layout(pieceLen int64, fileLengths []int64, hashes [][sha1.Size]byte) ([]*Descriptor, error) {
	var total int64
	for i, l := range fileLengths {
		if l < 0 {
			return nil, fmt.Errorf("%w: file %d has negative length", ErrLayout, i)
		}
		total += l
	}

	count, ok := PieceCount(total, pieceLen)
	if !ok {
		return nil, fmt.Errorf("%w: size %d, piece length %d", ErrLayout, total, pieceLen)
	}
	if count != len(hashes) {
		return nil, fmt.Errorf("%w: %d pieces but %d hashes", ErrLayout, count, len(hashes))
	}

	pieces := make([]*Descriptor, count)
	file, fileOff := 0, int64(0)

	for i := range pieces {
		length, _ := PieceLengthAt(i, total, pieceLen)
		d := &Descriptor{Index: i, Length: int(length), Hash: hashes[i]}

		for remaining := length; remaining > 0; {
			for fileOff >= fileLengths[file] {
				file++
				fileOff = 0
			}

			n := min(remaining, fileLengths[file]-fileOff)
			d.Spans = append(d.Spans, Span{File: file, Offset: fileOff, Length: n})

			fileOff += n
			remaining -= n
		}

		pieces[i] = d
	}

	return pieces, nil
}
