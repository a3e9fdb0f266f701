// Package torrent runs one torrent: storage, piece store, scheduler,
// listener and tracker under a single errgroup.
package torrent

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/listener"
	"github.com/prxssh/leech/internal/meta"
	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/scheduler"
	"github.com/prxssh/leech/internal/storage"
	"github.com/prxssh/leech/internal/tracker"
)

type Opts struct {
	// Config defaults to the global snapshot.
	Config *config.Config
	Logger *slog.Logger

	// Dial overrides how outbound peer connections are made.
	Dial peer.DialFunc
}

type Torrent struct {
	Meta *meta.Metainfo

	cfg   *config.Config
	log   *slog.Logger
	disk  *storage.Disk
	store *piece.Store
	sched *scheduler.Scheduler

	tracker atomic.Pointer[tracker.Tracker]
	port    atomic.Uint32
}

// Stats combines transfer progress with tracker counters.
type Stats struct {
	scheduler.Stats
	Tracker tracker.Metrics
	Port    uint16
}

// New opens the content files under the download directory and builds the
// scheduler. Nothing touches the network until Run.
func New(m *meta.Metainfo, opts *Opts) (*Torrent, error) {
	if opts == nil {
		opts = &Opts{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("torrent", m.Info.Name, "info_hash", hex.EncodeToString(m.InfoHash[:8]))

	paths, lengths := m.Paths()
	files := make([]storage.File, len(paths))
	for i := range paths {
		files[i] = storage.File{Path: paths[i], Length: lengths[i]}
	}

	pieces, err := piece.Layout(m.Info.PieceLength, lengths, m.Info.Pieces)
	if err != nil {
		return nil, err
	}

	disk, err := storage.Open(cfg.DownloadDir, files, &storage.Opts{Config: cfg.Storage, Logger: log})
	if err != nil {
		return nil, err
	}

	store := piece.NewStore(pieces, disk, log)

	t := &Torrent{
		Meta:  m,
		cfg:   cfg,
		log:   log,
		disk:  disk,
		store: store,
		sched: scheduler.NewScheduler(store, &scheduler.Opts{
			Config:     cfg.Scheduler,
			PeerConfig: cfg.Peer,
			Logger:     log,
			InfoHash:   m.InfoHash,
			PeerID:     cfg.ClientID,
			Dial:       opts.Dial,
		}),
	}

	log.Debug("torrent opened", "size", m.Size(), "pieces", len(pieces), "files", len(files))
	return t, nil
}

// Run rechecks the files on disk, then downloads and seeds until ctx ends
// or storage fails. The content files are closed on return.
func (t *Torrent) Run(ctx context.Context) error {
	defer t.disk.Close()

	if err := t.sched.Recheck(ctx); err != nil {
		return fmt.Errorf("recheck: %w", err)
	}

	ln, err := listener.Listen(ctx, t.cfg.Listener, t.sched.Accept, t.log)
	if err != nil {
		return err
	}
	t.port.Store(uint32(ln.Port()))

	trCfg := *t.cfg.Tracker
	trCfg.Port = ln.Port()

	tr, err := tracker.New(t.Meta.Announce, t.Meta.AnnounceList, &tracker.Opts{
		Config:    &trCfg,
		Logger:    t.log,
		GetState:  t.announceState,
		OnPeers:   t.addPeers,
		Completed: t.sched.Done(),
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	t.tracker.Store(tr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.sched.Run(gctx) })
	g.Go(func() error { return ln.Run(gctx) })
	g.Go(func() error { return tr.Run(gctx) })

	err = g.Wait()
	if err != nil {
		t.log.Error("torrent stopped", "error", err)
	}
	return err
}

func (t *Torrent) addPeers(peers []netip.AddrPort) int {
	return t.sched.UpdatePeerList(peers)
}

func (t *Torrent) announceState() *tracker.AnnounceParams {
	st := t.sched.Stats()

	return &tracker.AnnounceParams{
		InfoHash:   t.Meta.InfoHash,
		PeerID:     t.cfg.ClientID,
		Uploaded:   uint64(st.Uploaded),
		Downloaded: uint64(st.Downloaded),
		Left:       uint64(max(st.Left, 0)),
	}
}

// Done is closed once every piece is verified on disk.
func (t *Torrent) Done() <-chan struct{} { return t.sched.Done() }

func (t *Torrent) Stats() Stats {
	st := Stats{Stats: t.sched.Stats(), Port: uint16(t.port.Load())}
	if tr := t.tracker.Load(); tr != nil {
		st.Tracker = tr.Metrics()
	}
	return st
}
