package scheduler

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prxssh/leech/internal/bitfield"
	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/piece"
)

// Store is the piece store as seen by the scheduler and its sessions.
type Store interface {
	peer.PieceStore

	Count() int
	Descriptor(index int) *piece.Descriptor
	TotalLength() int64
	Save(index int, data []byte) error
	ReadBlock(index, begin, length int) ([]byte, error)
	Recheck(ctx context.Context) (bitfield.Bitfield, error)
}

type Opts struct {
	Config     *Config
	PeerConfig *peer.Config
	Logger     *slog.Logger

	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte

	// Dial is handed to outbound sessions. Nil means plain TCP.
	Dial peer.DialFunc

	// NewSession builds sessions; it defaults to peer.NewSession.
	NewSession func(*peer.Opts) Session
}

// Scheduler is the download coordinator for one torrent. All shared state
// lives under mu; sessions talk to it only through the inbox.
type Scheduler struct {
	cfg     *Config
	peerCfg *peer.Config
	log     *slog.Logger
	store   Store
	n       int

	infoHash   [sha1.Size]byte
	peerID     [sha1.Size]byte
	dial       peer.DialFunc
	newSession func(*peer.Opts) Session

	inbox chan peer.Event

	mu           sync.Mutex
	complete     bitmap.Bitmap
	requested    bitmap.Bitmap
	nComplete    int
	sessions     map[netip.AddrPort]Session
	availability map[netip.AddrPort]bitfield.Bitfield
	pending      map[netip.AddrPort]mapset.Set
	assigned     map[netip.AddrPort]int
	waiting      mapset.Set
	banned       map[netip.AddrPort]struct{}
	unchoked     map[netip.AddrPort]struct{}
	optimistic   []netip.AddrPort
	optPeer      netip.AddrPort
	lastRechoke  time.Time
	ctx          context.Context
	deferred     []Session
	sessionsWG   sync.WaitGroup

	verified   atomic.Int64
	downloaded atomic.Int64
	uploaded   atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
}

func NewScheduler(store Store, opts *Opts) *Scheduler {
	if opts.Config == nil {
		opts.Config = WithDefaultConfig()
	}
	if opts.PeerConfig == nil {
		opts.PeerConfig = peer.WithDefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewSession == nil {
		opts.NewSession = func(o *peer.Opts) Session { return peer.NewSession(o) }
	}

	n := store.Count()

	return &Scheduler{
		cfg:          opts.Config,
		peerCfg:      opts.PeerConfig,
		log:          opts.Logger.With("component", "scheduler"),
		store:        store,
		n:            n,
		infoHash:     opts.InfoHash,
		peerID:       opts.PeerID,
		dial:         opts.Dial,
		newSession:   opts.NewSession,
		inbox:        make(chan peer.Event, opts.Config.InboxSize),
		complete:     bitmap.New(n),
		requested:    bitmap.New(n),
		sessions:     make(map[netip.AddrPort]Session),
		availability: make(map[netip.AddrPort]bitfield.Bitfield),
		pending:      make(map[netip.AddrPort]mapset.Set),
		assigned:     make(map[netip.AddrPort]int),
		waiting:      mapset.NewThreadUnsafeSet(),
		banned:       make(map[netip.AddrPort]struct{}),
		unchoked:     make(map[netip.AddrPort]struct{}),
		done:         make(chan struct{}),
	}
}

// Recheck verifies the backing files and marks every intact piece complete.
// It must run before Run.
func (s *Scheduler) Recheck(ctx context.Context) error {
	have, err := s.store.Recheck(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.n {
		if have.Has(i) && !s.complete.Get(i) {
			s.markCompleteLocked(i)
		}
	}

	s.log.Info("recheck complete", "have", s.nComplete, "pieces", s.n)
	return nil
}

// Run serves session events and drives the choke loops until ctx is
// cancelled or a storage failure occurs, which is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.ctx = gctx
	deferred := s.deferred
	s.deferred = nil
	for _, sess := range deferred {
		s.spawnLocked(sess)
	}
	s.mu.Unlock()

	g.Go(func() error { return s.inboxLoop(gctx) })
	g.Go(func() error { return s.rechokeLoop(gctx) })
	g.Go(func() error { return s.optimisticLoop(gctx) })

	err := g.Wait()

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Close(peer.ReasonShutdown)
	}
	s.mu.Unlock()
	s.sessionsWG.Wait()

	return err
}

func (s *Scheduler) inboxLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.inbox:
			if err := s.dispatch(ev); err != nil {
				s.log.Error("fatal storage failure", "error", err)
				return err
			}
		}
	}
}

func (s *Scheduler) dispatch(ev peer.Event) error {
	switch e := ev.(type) {
	case peer.ReadyEvent:
		s.PeerReady(e.Peer, e.Session)

	case peer.AvailabilityEvent:
		s.PeerAvailability(e.Peer, e.Session, e.Data)

	case peer.PieceCompletedEvent:
		return s.PieceCompleted(e.Peer, e.Session, e.Data)

	case peer.RequestEvent:
		return s.PeerRequest(e.Peer, e.Session, peer.BlockRef(e.Data))

	case peer.RequestSentEvent:
		s.withPending(e.Peer, e.Session, func(set mapset.Set) { set.Add(peer.BlockRef(e.Data).Key()) })

	case peer.BlockReceivedEvent:
		s.withPending(e.Peer, e.Session, func(set mapset.Set) { set.Remove(peer.BlockRef(e.Data).Key()) })

	case peer.RequestsDroppedEvent:
		s.withPending(e.Peer, e.Session, func(set mapset.Set) { set.Clear() })

	case peer.TaskCompletedEvent:
		s.TaskCompleted(e.Peer, e.Session, e.Data)

	default:
		s.log.Warn("unknown event", "type", ev)
	}
	return nil
}

func (s *Scheduler) withPending(addr netip.AddrPort, id uuid.UUID, fn func(mapset.Set)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupLocked(addr, id) == nil {
		return
	}
	fn(s.pending[addr])
}

// Done is closed once every piece is complete.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Complete reports whether every piece is complete.
func (s *Scheduler) Complete() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Bitfield returns the wire bitfield of our complete pieces.
func (s *Scheduler) Bitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf := bitfield.New(s.n)
	for i := range s.n {
		if s.complete.Get(i) {
			bf.Set(i)
		}
	}
	return bf
}

func (s *Scheduler) markCompleteLocked(index int) {
	s.complete.Set(index, true)
	s.nComplete++
	s.verified.Add(int64(s.store.Descriptor(index).Length))

	if s.nComplete == s.n {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

// Stats is a snapshot of transfer progress.
type Stats struct {
	Pieces       int
	Completed    int
	Verified     int64
	Downloaded   int64
	Uploaded     int64
	Left         int64
	Peers        int
	DownloadRate uint64
	UploadRate   uint64
	PeerMetrics  []peer.Metrics
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Pieces:     s.n,
		Completed:  s.nComplete,
		Verified:   s.verified.Load(),
		Downloaded: s.downloaded.Load(),
		Uploaded:   s.uploaded.Load(),
		Peers:      len(s.sessions),
	}
	st.Left = s.store.TotalLength() - st.Verified

	for _, sess := range s.sessions {
		m := sess.Metrics()
		st.DownloadRate += m.DownloadRate
		st.UploadRate += m.UploadRate
		st.PeerMetrics = append(st.PeerMetrics, m)
	}
	return st
}
