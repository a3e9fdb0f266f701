// Package config holds the process-wide client configuration.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	"runtime"

	"github.com/prxssh/leech/internal/listener"
	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/scheduler"
	"github.com/prxssh/leech/internal/storage"
	"github.com/prxssh/leech/internal/tracker"
)

// ClientPrefix starts every peer id we announce.
const ClientPrefix = "-LC0001-"

type Config struct {
	// ClientID is the peer id sent in handshakes and announces.
	ClientID [sha1.Size]byte

	// DownloadDir is where content files are created.
	DownloadDir string

	Peer      *peer.Config
	Scheduler *scheduler.Config
	Tracker   *tracker.Config
	Storage   *storage.Config
	Listener  *listener.Config
}

// Default returns a fresh configuration with a new random client id.
func Default() (Config, error) {
	id, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ClientID:    id,
		DownloadDir: defaultDownloadDir(),
		Peer:        peer.WithDefaultConfig(),
		Scheduler:   scheduler.WithDefaultConfig(),
		Tracker:     tracker.WithDefaultConfig(),
		Storage:     storage.WithDefaultConfig(),
		Listener:    listener.WithDefaultConfig(),
	}, nil
}

// clone copies the component configs so a mutated copy shares nothing with
// the snapshot it came from.
func (c Config) clone() Config {
	out := c
	if c.Peer != nil {
		p := *c.Peer
		out.Peer = &p
	}
	if c.Scheduler != nil {
		s := *c.Scheduler
		out.Scheduler = &s
	}
	if c.Tracker != nil {
		t := *c.Tracker
		out.Tracker = &t
	}
	if c.Storage != nil {
		s := *c.Storage
		out.Storage = &s
	}
	if c.Listener != nil {
		l := *c.Listener
		out.Listener = &l
	}
	return out
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads")
	default:
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	n := copy(id[:], ClientPrefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return id, err
	}
	return id, nil
}
