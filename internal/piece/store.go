package piece

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prxssh/leech/internal/bitfield"
	"github.com/prxssh/leech/internal/storage"
)

var (
	ErrUnknownPiece = errors.New("piece: index out of range")
	ErrBadBlock     = errors.New("piece: block outside piece bounds")
)

// Buffer accumulates the blocks of one piece in arrival order.
type Buffer struct {
	blocks map[int][]byte
	size   int
}

func (b *Buffer) offsets() []int {
	offs := make([]int, 0, len(b.blocks))
	for off := range b.blocks {
		offs = append(offs, off)
	}
	slices.Sort(offs)
	return offs
}

func (b *Buffer) concat() []byte {
	out := make([]byte, 0, b.size)
	for _, off := range b.offsets() {
		out = append(out, b.blocks[off]...)
	}
	return out
}

// Store holds in-flight piece buffers and moves verified pieces to and from
// the backing files.
type Store struct {
	log     *slog.Logger
	backend storage.Backend
	pieces  []*Descriptor

	mu      sync.Mutex
	buffers map[int]*Buffer
}

func NewStore(pieces []*Descriptor, backend storage.Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		log:     log.With("component", "piece store"),
		backend: backend,
		pieces:  pieces,
		buffers: make(map[int]*Buffer),
	}
}

func (s *Store) Count() int { return len(s.pieces) }

// Descriptor returns the descriptor of piece index, or nil.
func (s *Store) Descriptor(index int) *Descriptor {
	if index < 0 || index >= len(s.pieces) {
		return nil
	}
	return s.pieces[index]
}

// TotalLength returns the size of the torrent content in bytes.
func (s *Store) TotalLength() int64 {
	var n int64
	for _, d := range s.pieces {
		n += int64(d.Length)
	}
	return n
}

// SetBlock records a received block. A block at an offset already present
// replaces the previous one.
func (s *Store) SetBlock(index, begin int, data []byte) error {
	d := s.Descriptor(index)
	if d == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPiece, index)
	}
	if begin < 0 || len(data) == 0 || begin+len(data) > d.Length {
		return fmt.Errorf("%w: piece %d [%d,%d) of %d", ErrBadBlock, index, begin, begin+len(data), d.Length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[index]
	if !ok {
		buf = &Buffer{blocks: make(map[int][]byte)}
		s.buffers[index] = buf
	}

	if old, ok := buf.blocks[begin]; ok {
		buf.size -= len(old)
	}
	buf.blocks[begin] = append([]byte(nil), data...)
	buf.size += len(data)

	return nil
}

func (s *Store) HasBlock(index, begin int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[index]
	if !ok {
		return false
	}
	_, ok = buf.blocks[begin]
	return ok
}

// IsComplete reports whether the buffered blocks cover the whole piece
// without gaps or overlaps.
func (s *Store) IsComplete(index int) bool {
	d := s.Descriptor(index)
	if d == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[index]
	if !ok {
		return false
	}

	next := 0
	for _, off := range buf.offsets() {
		if off != next {
			return false
		}
		next += len(buf.blocks[off])
	}
	return next == d.Length
}

// Verify hashes the buffered blocks in offset order and compares the digest
// with the expected one. Missing blocks make it fail.
func (s *Store) Verify(index int) bool {
	d := s.Descriptor(index)
	if d == nil {
		return false
	}

	s.mu.Lock()
	buf, ok := s.buffers[index]
	var data []byte
	if ok {
		data = buf.concat()
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	return sha1.Sum(data) == d.Hash
}

// Materialize returns the buffered blocks concatenated in offset order.
func (s *Store) Materialize(index int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[index]
	if !ok {
		return nil
	}
	return buf.concat()
}

// Clear frees the buffer of piece index.
func (s *Store) Clear(index int) {
	s.mu.Lock()
	delete(s.buffers, index)
	s.mu.Unlock()
}

// BufferedBytes reports the bytes currently held in piece buffers.
func (s *Store) BufferedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, buf := range s.buffers {
		n += int64(buf.size)
	}
	return n
}

// LoadFromBackingStore reads piece index back from the backing files into
// its buffer, replacing whatever was buffered.
func (s *Store) LoadFromBackingStore(index int) error {
	d := s.Descriptor(index)
	if d == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPiece, index)
	}

	data, err := s.ReadBlock(index, 0, d.Length)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.buffers[index] = &Buffer{blocks: map[int][]byte{0: data}, size: len(data)}
	s.mu.Unlock()

	return nil
}

// Save writes a verified piece to its backing files, split across the
// descriptor's spans.
func (s *Store) Save(index int, data []byte) error {
	d := s.Descriptor(index)
	if d == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPiece, index)
	}
	if len(data) != d.Length {
		return fmt.Errorf("%w: piece %d has %d bytes, want %d", ErrBadBlock, index, len(data), d.Length)
	}

	var pos int64
	for _, sp := range d.Spans {
		if err := s.backend.Write(sp.File, sp.Offset, data[pos:pos+sp.Length]); err != nil {
			return fmt.Errorf("%w: save piece %d: %w", storage.ErrIO, index, err)
		}
		pos += sp.Length
	}

	return nil
}

// ReadBlock reads length bytes starting at begin within piece index from the
// backing files.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	d := s.Descriptor(index)
	if d == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPiece, index)
	}
	if begin < 0 || length <= 0 || begin+length > d.Length {
		return nil, fmt.Errorf("%w: piece %d [%d,%d) of %d", ErrBadBlock, index, begin, begin+length, d.Length)
	}

	var (
		out      = make([]byte, 0, length)
		start    = int64(begin)
		end      = int64(begin + length)
		spanBase int64
	)

	for _, sp := range d.Spans {
		lo, hi := max(start, spanBase), min(end, spanBase+sp.Length)
		if lo < hi {
			chunk, err := s.backend.Read(sp.File, sp.Offset+(lo-spanBase), int(hi-lo))
			if err != nil {
				return nil, fmt.Errorf("%w: read piece %d: %w", storage.ErrIO, index, err)
			}
			out = append(out, chunk...)
		}
		spanBase += sp.Length
	}

	return out, nil
}

// Recheck verifies every piece against the backing files and returns the
// set of pieces already present. Buffers are left empty.
func (s *Store) Recheck(ctx context.Context) (bitfield.Bitfield, error) {
	have := bitfield.New(len(s.pieces))

	for i := range s.pieces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := s.LoadFromBackingStore(i); err != nil {
			return nil, err
		}
		if s.Verify(i) {
			have.Set(i)
		}
		s.Clear(i)
	}

	s.log.Debug("recheck finished", "have", have.Count(), "pieces", len(s.pieces))
	return have, nil
}
