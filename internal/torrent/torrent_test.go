package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/meta"
)

// swarm is a tiny tracker that hands every announcer the loopback
// addresses of everyone else.
type swarm struct {
	mu     sync.Mutex
	ports  map[string]uint16
	events chan string
}

func (s *swarm) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	port, _ := strconv.Atoi(q.Get("port"))
	id := q.Get("peer_id")

	s.mu.Lock()
	if q.Get("event") == "stopped" {
		delete(s.ports, id)
	} else {
		s.ports[id] = uint16(port)
	}

	var compact []byte
	for other, p := range s.ports {
		if other == id {
			continue
		}
		compact = append(compact, 127, 0, 0, 1)
		compact = binary.BigEndian.AppendUint16(compact, p)
	}
	s.mu.Unlock()

	select {
	case s.events <- q.Get("event"):
	default:
	}

	var buf bytes.Buffer
	_ = bencode.Marshal(&buf, map[string]any{
		"interval": int64(1),
		"peers":    string(compact),
	})
	_, _ = w.Write(buf.Bytes())
}

func testConfig(t *testing.T, fs afero.Fs, tag byte) *config.Config {
	t.Helper()

	cfg, err := config.Default()
	require.NoError(t, err)

	cfg.ClientID[len(cfg.ClientID)-1] = tag
	cfg.DownloadDir = "/downloads"
	cfg.Storage.Fs = fs
	cfg.Listener.Host = "127.0.0.1"
	cfg.Listener.PortMin, cfg.Listener.PortMax = 0, 0
	cfg.Scheduler.RechokeInterval = 20 * time.Millisecond
	cfg.Tracker.MinAnnounceInterval = 0
	cfg.Tracker.RetryDelay = time.Millisecond
	cfg.Tracker.BackoffBase = 10 * time.Millisecond
	cfg.Tracker.StopTimeout = time.Second
	return &cfg
}

func TestTorrent_LeecherCompletesFromSeederViaTracker(t *testing.T) {
	const pieceLen = 32 * 1024

	content := make([]byte, 3*pieceLen+1234)
	for i := range content {
		content[i] = byte(i * 7)
	}

	var hashes [][sha1.Size]byte
	for off := 0; off < len(content); off += pieceLen {
		hashes = append(hashes, sha1.Sum(content[off:min(off+pieceLen, len(content))]))
	}

	tracker := &swarm{ports: make(map[string]uint16), events: make(chan string, 64)}
	srv := httptest.NewServer(tracker)
	defer srv.Close()

	m := &meta.Metainfo{
		Announce: srv.URL + "/announce",
		InfoHash: sha1.Sum([]byte("torrent package test")),
		Info: &meta.Info{
			Name:        "payload.bin",
			PieceLength: pieceLen,
			Pieces:      hashes,
			Length:      int64(len(content)),
		},
	}

	seedFs, leechFs := afero.NewMemMapFs(), afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(seedFs, "/downloads/payload.bin", content, 0o644))

	quiet := slog.New(slog.DiscardHandler)
	seeder, err := New(m, &Opts{Config: testConfig(t, seedFs, 's'), Logger: quiet})
	require.NoError(t, err)

	var dialer net.Dialer
	leecher, err := New(m, &Opts{Config: testConfig(t, leechFs, 'l'), Logger: quiet, Dial: dialer.DialContext})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- seeder.Run(ctx) }()

	select {
	case <-seeder.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("seeder did not recheck as complete")
	}

	go func() { errs <- leecher.Run(ctx) }()

	select {
	case <-leecher.Done():
	case err := <-errs:
		t.Fatalf("torrent stopped early: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatalf("download did not finish: %+v", leecher.Stats())
	}

	st := leecher.Stats()
	assert.Equal(t, len(hashes), st.Completed)
	assert.Zero(t, st.Left)
	assert.NotZero(t, st.Port)

	cancel()
	for range 2 {
		assert.NoError(t, <-errs)
	}

	got, err := afero.ReadFile(leechFs, "/downloads/payload.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got), "downloaded content differs")
}
