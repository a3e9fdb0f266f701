package meta

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashes(n int) string {
	return strings.Repeat("0123456789abcdefghij", n)
}

func encode(t *testing.T, v any) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, v))
	return buf.Bytes()
}

func TestParse_SingleFile(t *testing.T) {
	info := map[string]any{
		"name":         "file.bin",
		"piece length": int64(16384),
		"pieces":       hashes(2),
		"length":       int64(20000),
		"private":      int64(1),
	}
	data := encode(t, map[string]any{
		"announce":      "http://tracker.example/announce",
		"creation date": int64(1700000000),
		"created by":    "mktorrent",
		"comment":       "hello",
		"info":          info,
	})

	m, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example/announce", m.Announce)
	assert.Empty(t, m.AnnounceList)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), m.CreationDate)
	assert.Equal(t, "mktorrent", m.CreatedBy)
	assert.Equal(t, "hello", m.Comment)

	assert.Equal(t, "file.bin", m.Info.Name)
	assert.EqualValues(t, 16384, m.Info.PieceLength)
	assert.True(t, m.Info.Private)
	require.Len(t, m.Info.Pieces, 2)
	assert.Equal(t, "0123456789abcdefghij", string(m.Info.Pieces[1][:]))
	assert.EqualValues(t, 20000, m.Size())

	assert.Equal(t, sha1.Sum(encode(t, info)), m.InfoHash)

	paths, lengths := m.Paths()
	assert.Equal(t, []string{"file.bin"}, paths)
	assert.Equal(t, []int64{20000}, lengths)
}

func TestParse_MultiFile(t *testing.T) {
	data := encode(t, map[string]any{
		"announce-list": []any{
			[]any{"http://a/announce", "http://b/announce"},
			[]any{},
			[]any{"udp://c:80"},
		},
		"info": map[string]any{
			"name":         "album",
			"piece length": int64(32768),
			"pieces":       hashes(1),
			"files": []any{
				map[string]any{"length": int64(100), "path": []any{"cd1", "01.flac"}},
				map[string]any{"length": int64(0), "path": []any{"empty"}},
				map[string]any{"length": int64(900), "path": []any{"cover.jpg"}},
			},
		},
	})

	m, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Empty(t, m.Announce)
	assert.Equal(t, [][]string{{"http://a/announce", "http://b/announce"}, {"udp://c:80"}}, m.AnnounceList)
	assert.EqualValues(t, 1000, m.Size())

	paths, lengths := m.Paths()
	assert.Equal(t, []string{"album/cd1/01.flac", "album/empty", "album/cover.jpg"}, paths)
	assert.Equal(t, []int64{100, 0, 900}, lengths)
}

func TestParse_Invalid(t *testing.T) {
	validInfo := func() map[string]any {
		return map[string]any{
			"name":         "x",
			"piece length": int64(16384),
			"pieces":       hashes(1),
			"length":       int64(10),
		}
	}

	tests := []struct {
		name string
		mut  func(root, info map[string]any)
		want error
	}{
		{"no announce", func(root, _ map[string]any) { delete(root, "announce") }, ErrNoAnnounce},
		{"no info", func(root, _ map[string]any) { delete(root, "info") }, ErrInfoMissing},
		{"no name", func(_, info map[string]any) { delete(info, "name") }, ErrNameMissing},
		{"zero piece length", func(_, info map[string]any) { info["piece length"] = int64(0) }, ErrPieceLength},
		{"short pieces", func(_, info map[string]any) { info["pieces"] = "abc" }, ErrPieces},
		{"length and files", func(_, info map[string]any) {
			info["files"] = []any{map[string]any{"length": int64(1), "path": []any{"a"}}}
		}, ErrLayout},
		{"neither length nor files", func(_, info map[string]any) { delete(info, "length") }, ErrLayout},
		{"bad file entry", func(_, info map[string]any) {
			delete(info, "length")
			info["files"] = []any{map[string]any{"length": int64(1), "path": []any{}}}
		}, ErrInvalidFileEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := validInfo()
			root := map[string]any{"announce": "http://t/announce", "info": info}
			tt.mut(root, info)

			_, err := Parse(bytes.NewReader(encode(t, root)))
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Parse(bytes.NewReader(encode(t, []any{"x"})))
	require.ErrorIs(t, err, ErrNotDict)

	_, err = Parse(strings.NewReader("d8:announce"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := encode(t, map[string]any{
		"announce": "http://t/announce",
		"info": map[string]any{
			"name":         "x",
			"piece length": int64(16384),
			"pieces":       hashes(1),
			"length":       int64(10),
		},
	})
	require.NoError(t, afero.WriteFile(fs, "/torrents/x.torrent", data, 0o644))

	m, err := Load(fs, "/torrents/x.torrent")
	require.NoError(t, err)
	assert.Equal(t, "x", m.Info.Name)

	_, err = Load(fs, "/torrents/missing.torrent")
	require.Error(t, err)
}
