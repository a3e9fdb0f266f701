package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrIO marks failures of the backing files. They are fatal to the whole
// download.
var ErrIO = errors.New("storage: i/o failure")

var ErrOutOfRange = errors.New("storage: range outside file")

// Backend reads and writes torrent bytes addressed by file index and
// in-file offset.
type Backend interface {
	Read(file int, offset int64, length int) ([]byte, error)
	Write(file int, offset int64, data []byte) error
	EnsureAllocated(file int, length int64) error
}

// File is one entry of the torrent's file list. Path is relative to the
// store root.
type File struct {
	Path   string
	Length int64
}

type Config struct {
	// Fs is the filesystem the files live on.
	Fs afero.Fs

	// Preallocate extends every file to its declared length when opened.
	Preallocate bool

	DirMode  os.FileMode
	FileMode os.FileMode
}

func WithDefaultConfig() *Config {
	return &Config{
		Fs:          afero.NewOsFs(),
		Preallocate: true,
		DirMode:     0o755,
		FileMode:    0o644,
	}
}

type Opts struct {
	Config *Config
	Logger *slog.Logger
}

type datafile struct {
	path   string
	length int64
	mu     sync.Mutex
	f      afero.File
}

// Disk is the afero-backed Backend. One handle is kept open per file.
type Disk struct {
	log   *slog.Logger
	files []*datafile
}

var _ Backend = (*Disk)(nil)

// Open prepares directories under root, opens every file read-write and,
// if configured, allocates each one to its declared length.
func Open(root string, files []File, opts *Opts) (*Disk, error) {
	if opts == nil {
		opts = &Opts{}
	}
	if opts.Config == nil {
		opts.Config = WithDefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := opts.Config
	d := &Disk{log: opts.Logger.With("component", "storage", "root", root)}

	for i, file := range files {
		full, err := resolve(root, file.Path)
		if err != nil {
			d.Close()
			return nil, err
		}

		if err := cfg.Fs.MkdirAll(filepath.Dir(full), cfg.DirMode); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: mkdir %s: %w", ErrIO, filepath.Dir(full), err)
		}

		f, err := cfg.Fs.OpenFile(full, os.O_CREATE|os.O_RDWR, cfg.FileMode)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: open %s: %w", ErrIO, full, err)
		}
		d.files = append(d.files, &datafile{path: full, length: file.Length, f: f})

		if cfg.Preallocate {
			if err := d.EnsureAllocated(i, file.Length); err != nil {
				d.Close()
				return nil, err
			}
		}
	}

	d.log.Debug("storage opened", "files", len(d.files))
	return d, nil
}

func resolve(root, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || filepath.IsAbs(clean) ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: unsafe path %q", rel)
	}

	return filepath.Join(root, clean), nil
}

func (d *Disk) file(i int) (*datafile, error) {
	if i < 0 || i >= len(d.files) {
		return nil, fmt.Errorf("%w: file index %d", ErrOutOfRange, i)
	}
	return d.files[i], nil
}

func (d *Disk) Read(file int, offset int64, length int) ([]byte, error) {
	df, err := d.file(file)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+int64(length) > df.length {
		return nil, fmt.Errorf(
			"%w: read [%d,%d) of %s (%d bytes)",
			ErrOutOfRange, offset, offset+int64(length), df.path, df.length,
		)
	}

	buf := make([]byte, length)

	df.mu.Lock()
	n, err := df.f.ReadAt(buf, offset)
	df.mu.Unlock()

	// Never-written regions of an unallocated file read back as zeros.
	if errors.Is(err, io.EOF) {
		clear(buf[n:])
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, df.path, err)
	}

	return buf, nil
}

func (d *Disk) Write(file int, offset int64, data []byte) error {
	df, err := d.file(file)
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(data)) > df.length {
		return fmt.Errorf(
			"%w: write [%d,%d) of %s (%d bytes)",
			ErrOutOfRange, offset, offset+int64(len(data)), df.path, df.length,
		)
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	if _, err := df.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrIO, df.path, err)
	}
	return nil
}

// EnsureAllocated grows the file to length bytes. Existing content is kept.
func (d *Disk) EnsureAllocated(file int, length int64) error {
	df, err := d.file(file)
	if err != nil {
		return err
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	st, err := df.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrIO, df.path, err)
	}
	if st.Size() >= length {
		return nil
	}

	if err := df.f.Truncate(length); err != nil {
		return fmt.Errorf("%w: allocate %s to %d: %w", ErrIO, df.path, length, err)
	}
	return nil
}

func (d *Disk) Close() {
	for _, df := range d.files {
		if err := df.f.Close(); err != nil {
			d.log.Warn("close file failed", "path", df.path, "error", err.Error())
		}
	}
}
