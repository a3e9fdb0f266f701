// Package meta loads .torrent files.
package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/spf13/afero"
)

type Metainfo struct {
	Info         *Info
	InfoHash     [sha1.Size]byte
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
}

type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Private     bool

	// Length is set for single-file torrents, Files for multi-file ones.
	Length int64
	Files  []*File
}

type File struct {
	Length int64
	Path   []string
}

var (
	ErrNotDict          = errors.New("metainfo: top level is not a dict")
	ErrNoAnnounce       = errors.New("metainfo: announce and announce-list both missing")
	ErrInfoMissing      = errors.New("metainfo: info missing or not a dict")
	ErrNameMissing      = errors.New("metainfo: info name missing")
	ErrPieceLength      = errors.New("metainfo: piece length must be positive")
	ErrPieces           = errors.New("metainfo: pieces missing or not a multiple of 20 bytes")
	ErrLayout           = errors.New("metainfo: info needs exactly one of length and files")
	ErrInvalidFileEntry = errors.New("metainfo: invalid files entry")
)

// Load reads and parses the torrent at name.
func Load(fs afero.Fs, name string) (*Metainfo, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

func Parse(r io.Reader) (*Metainfo, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotDict
	}

	infoDict, ok := root["info"].(map[string]any)
	if !ok {
		return nil, ErrInfoMissing
	}
	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	// Decoded dicts are re-encoded with sorted keys, which reproduces the
	// original bytes of any well-formed torrent.
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, infoDict); err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	m := &Metainfo{
		Info:         info,
		InfoHash:     sha1.Sum(buf.Bytes()),
		Announce:     str(root["announce"]),
		AnnounceList: announceList(root["announce-list"]),
		CreatedBy:    str(root["created by"]),
		Comment:      str(root["comment"]),
	}
	if secs, ok := root["creation date"].(int64); ok && secs > 0 {
		m.CreationDate = time.Unix(secs, 0).UTC()
	}

	if m.Announce == "" && len(m.AnnounceList) == 0 {
		return nil, ErrNoAnnounce
	}
	return m, nil
}

func parseInfo(d map[string]any) (*Info, error) {
	info := &Info{Name: str(d["name"])}
	if info.Name == "" {
		return nil, ErrNameMissing
	}

	info.PieceLength, _ = d["piece length"].(int64)
	if info.PieceLength <= 0 {
		return nil, ErrPieceLength
	}

	pieces, ok := d["pieces"].(string)
	if !ok || len(pieces) == 0 || len(pieces)%sha1.Size != 0 {
		return nil, ErrPieces
	}
	info.Pieces = make([][sha1.Size]byte, len(pieces)/sha1.Size)
	for i := range info.Pieces {
		copy(info.Pieces[i][:], pieces[i*sha1.Size:])
	}

	if p, ok := d["private"].(int64); ok {
		info.Private = p == 1
	}

	length, hasLength := d["length"].(int64)
	files, hasFiles := d["files"].([]any)

	switch {
	case hasLength && !hasFiles:
		if length < 0 {
			return nil, ErrLayout
		}
		info.Length = length
	case hasFiles && !hasLength && len(files) > 0:
		for i, v := range files {
			f, err := parseFile(v)
			if err != nil {
				return nil, fmt.Errorf("%w %d: %w", ErrInvalidFileEntry, i, err)
			}
			info.Files = append(info.Files, f)
		}
	default:
		return nil, ErrLayout
	}

	return info, nil
}

func parseFile(v any) (*File, error) {
	d, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("entry is %T", v)
	}

	length, ok := d["length"].(int64)
	if !ok || length < 0 {
		return nil, errors.New("bad length")
	}

	segments, _ := d["path"].([]any)
	if len(segments) == 0 {
		return nil, errors.New("empty path")
	}

	f := &File{Length: length}
	for _, s := range segments {
		seg, ok := s.(string)
		if !ok || seg == "" {
			return nil, errors.New("bad path segment")
		}
		f.Path = append(f.Path, seg)
	}
	return f, nil
}

func announceList(v any) [][]string {
	tiers, _ := v.([]any)

	var out [][]string
	for _, t := range tiers {
		urls, _ := t.([]any)

		var tier []string
		for _, u := range urls {
			if s := str(u); s != "" {
				tier = append(tier, s)
			}
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Size is the total content length.
func (m *Metainfo) Size() int64 {
	if m.Info.Files == nil {
		return m.Info.Length
	}

	var n int64
	for _, f := range m.Info.Files {
		n += f.Length
	}
	return n
}

// Paths lists the content files as slash-separated paths with their
// lengths. Multi-file torrents are rooted at the torrent name.
func (m *Metainfo) Paths() ([]string, []int64) {
	if m.Info.Files == nil {
		return []string{m.Info.Name}, []int64{m.Info.Length}
	}

	paths := make([]string, len(m.Info.Files))
	lengths := make([]int64, len(m.Info.Files))
	for i, f := range m.Info.Files {
		paths[i] = path.Join(append([]string{m.Info.Name}, f.Path...)...)
		lengths[i] = f.Length
	}
	return paths, lengths
}
