package piece

// BlockLength is the request granularity used on the wire.
const BlockLength = 16 * 1024

// PieceCount returns how many pieces are needed to cover size bytes.
func PieceCount(size, pieceLen int64) (int, bool) {
	if size <= 0 || pieceLen <= 0 {
		return 0, false
	}

	return int((size + pieceLen - 1) / pieceLen), true
}

// LastPieceLength returns the exact length of the final piece. If size is a
// multiple of pieceLen this is pieceLen.
func LastPieceLength(size, pieceLen int64) (int64, bool) {
	if size <= 0 || pieceLen <= 0 {
		return 0, false
	}

	if rem := size % pieceLen; rem != 0 {
		return rem, true
	}
	return pieceLen, true
}

// PieceLengthAt returns the length of piece index.
func PieceLengthAt(index int, size, pieceLen int64) (int64, bool) {
	count, ok := PieceCount(size, pieceLen)
	if !ok || index < 0 || index >= count {
		return 0, false
	}

	if index == count-1 {
		return LastPieceLength(size, pieceLen)
	}
	return pieceLen, true
}

// BlockCount returns the number of BlockLength blocks in a piece.
func BlockCount(pieceLen int) int {
	if pieceLen <= 0 {
		return 0
	}
	return (pieceLen + BlockLength - 1) / BlockLength
}

// BlockLengthAt returns the length of the block starting at begin, which is
// BlockLength except for the tail of the piece.
func BlockLengthAt(pieceLen, begin int) (int, bool) {
	if begin < 0 || begin >= pieceLen {
		return 0, false
	}
	return min(BlockLength, pieceLen-begin), true
}
