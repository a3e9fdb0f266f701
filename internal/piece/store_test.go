package piece

import (
	"context"
	"crypto/sha1"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/leech/internal/storage"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Read(file int, offset int64, length int) ([]byte, error) {
	args := m.Called(file, offset, length)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockBackend) Write(file int, offset int64, data []byte) error {
	return m.Called(file, offset, data).Error(0)
}

func (m *mockBackend) EnsureAllocated(file int, length int64) error {
	return m.Called(file, length).Error(0)
}

func stream(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*7 + 3) % 251)
	}
	return b
}

func hashes(data []byte, pieceLen int) [][sha1.Size]byte {
	var out [][sha1.Size]byte
	for off := 0; off < len(data); off += pieceLen {
		out = append(out, sha1.Sum(data[off:min(off+pieceLen, len(data))]))
	}
	return out
}

func TestLayout_SpansAcrossFiles(t *testing.T) {
	data := stream(100)
	pieces, err := Layout(40, []int64{30, 0, 50, 20}, hashes(data, 40))
	require.NoError(t, err)
	require.Len(t, pieces, 3)

	assert.Equal(t, []Span{{File: 0, Offset: 0, Length: 30}, {File: 2, Offset: 0, Length: 10}}, pieces[0].Spans)
	assert.Equal(t, []Span{{File: 2, Offset: 10, Length: 40}}, pieces[1].Spans)
	assert.Equal(t, []Span{{File: 3, Offset: 0, Length: 20}}, pieces[2].Spans)
	assert.Equal(t, 20, pieces[2].Length)
}

func TestLayout_HashCountMismatch(t *testing.T) {
	_, err := Layout(40, []int64{100}, make([][sha1.Size]byte, 2))
	assert.ErrorIs(t, err, ErrLayout)
}

func TestStore_VerifyOutOfOrderBlocks(t *testing.T) {
	data := stream(2*BlockLength + 100)
	pieces, err := Layout(int64(len(data)), []int64{int64(len(data))}, hashes(data, len(data)))
	require.NoError(t, err)

	s := NewStore(pieces, &mockBackend{}, nil)

	require.NoError(t, s.SetBlock(0, BlockLength, data[BlockLength:2*BlockLength]))
	require.NoError(t, s.SetBlock(0, 2*BlockLength, data[2*BlockLength:]))
	assert.False(t, s.IsComplete(0))
	assert.False(t, s.Verify(0), "verify must fail while a block is missing")

	require.NoError(t, s.SetBlock(0, 0, data[:BlockLength]))
	assert.True(t, s.IsComplete(0))
	assert.True(t, s.Verify(0))
	assert.Equal(t, data, s.Materialize(0))

	s.Clear(0)
	assert.False(t, s.HasBlock(0, 0))
	assert.Zero(t, s.BufferedBytes())
}

func TestStore_VerifyWrongData(t *testing.T) {
	data := stream(BlockLength)
	pieces, _ := Layout(BlockLength, []int64{BlockLength}, hashes(data, BlockLength))
	s := NewStore(pieces, &mockBackend{}, nil)

	bad := append([]byte(nil), data...)
	bad[10] ^= 0xFF
	require.NoError(t, s.SetBlock(0, 0, bad))
	assert.True(t, s.IsComplete(0))
	assert.False(t, s.Verify(0))
}

func TestStore_SetBlockBounds(t *testing.T) {
	data := stream(100)
	pieces, _ := Layout(100, []int64{100}, hashes(data, 100))
	s := NewStore(pieces, &mockBackend{}, nil)

	assert.ErrorIs(t, s.SetBlock(0, 90, make([]byte, 20)), ErrBadBlock)
	assert.ErrorIs(t, s.SetBlock(0, -1, make([]byte, 1)), ErrBadBlock)
	assert.ErrorIs(t, s.SetBlock(1, 0, make([]byte, 1)), ErrUnknownPiece)
}

func TestStore_SaveReadAcrossFiles(t *testing.T) {
	data := stream(100)
	files := []storage.File{{Path: "a", Length: 30}, {Path: "b", Length: 50}, {Path: "c/d", Length: 20}}
	lengths := []int64{30, 50, 20}

	cfg := storage.WithDefaultConfig()
	cfg.Fs = afero.NewMemMapFs()
	disk, err := storage.Open("/dl", files, &storage.Opts{Config: cfg})
	require.NoError(t, err)
	defer disk.Close()

	pieces, err := Layout(40, lengths, hashes(data, 40))
	require.NoError(t, err)
	s := NewStore(pieces, disk, nil)

	for i, d := range pieces {
		require.NoError(t, s.Save(i, data[i*40:i*40+d.Length]))
	}

	got, err := afero.ReadFile(cfg.Fs, "/dl/b")
	require.NoError(t, err)
	assert.Equal(t, data[30:80], got)

	block, err := s.ReadBlock(0, 25, 10)
	require.NoError(t, err)
	assert.Equal(t, data[25:35], block)

	have, err := s.Recheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, have.Count())
	assert.Zero(t, s.BufferedBytes())
}

func TestStore_RecheckDetectsCorruption(t *testing.T) {
	data := stream(80)
	cfg := storage.WithDefaultConfig()
	cfg.Fs = afero.NewMemMapFs()

	corrupt := append([]byte(nil), data...)
	corrupt[50] ^= 1
	require.NoError(t, afero.WriteFile(cfg.Fs, "/dl/a", corrupt, 0o644))

	disk, err := storage.Open("/dl", []storage.File{{Path: "a", Length: 80}}, &storage.Opts{Config: cfg})
	require.NoError(t, err)
	defer disk.Close()

	pieces, _ := Layout(40, []int64{80}, hashes(data, 40))
	have, err := NewStore(pieces, disk, nil).Recheck(context.Background())
	require.NoError(t, err)
	assert.True(t, have.Has(0))
	assert.False(t, have.Has(1))
}

func TestStore_SaveFailureIsIOError(t *testing.T) {
	data := stream(40)
	pieces, _ := Layout(40, []int64{40}, hashes(data, 40))

	backend := &mockBackend{}
	backend.On("Write", 0, int64(0), mock.Anything).Return(errors.New("disk full"))

	err := NewStore(pieces, backend, nil).Save(0, data)
	assert.ErrorIs(t, err, storage.ErrIO)
	backend.AssertExpectations(t)
}
