package scheduler

import (
	"context"
	"net"
	"net/netip"
	"slices"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"

	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/piece"
)

// Session is the scheduler's handle on a running peer session.
type Session interface {
	ID() uuid.UUID
	Addr() netip.AddrPort
	Run(ctx context.Context) error
	Close(reason peer.Reason)

	Assign(d *piece.Descriptor) bool
	Choke()
	Unchoke()
	Interested()
	NotInterested()
	Have(index int)
	SendPiece(index, begin int, block []byte) bool

	AmChoking() bool
	AmInterested() bool
	PeerInterested() bool
	DownloadRate() uint64
	UploadRate() uint64
	Metrics() peer.Metrics
}

// Events is the inbox sessions report to.
func (s *Scheduler) Events() chan<- peer.Event { return s.inbox }

func (s *Scheduler) sessionOpts(addr netip.AddrPort, conn net.Conn) *peer.Opts {
	return &peer.Opts{
		Config:     s.peerCfg,
		Log:        s.log,
		Addr:       addr,
		Conn:       conn,
		Dial:       s.dial,
		InfoHash:   s.infoHash,
		PeerID:     s.peerID,
		PieceCount: s.n,
		Store:      s.store,
		Bitfield:   s.Bitfield,
		Events:     s.inbox,
	}
}

// UpdatePeerList connects to every address not already tracked, up to
// MaxPeers sessions.
func (s *Scheduler) UpdatePeerList(addrs []netip.AddrPort) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var started int
	for _, addr := range addrs {
		if len(s.sessions) >= s.cfg.MaxPeers {
			break
		}
		if !addr.IsValid() || s.trackedLocked(addr) {
			continue
		}

		sess := s.newSession(s.sessionOpts(addr, nil))
		s.trackLocked(sess)
		s.spawnLocked(sess)
		started++
	}

	if started > 0 {
		s.log.Debug("peer list updated", "offered", len(addrs), "started", started, "peers", len(s.sessions))
	}
	return started
}

// Accept starts an inbound session on conn. A session already tracked under
// the same address is replaced. It reports false, closing conn, when the
// peer is banned or MaxPeers is reached.
func (s *Scheduler) Accept(conn net.Conn, addr netip.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.banned[addr]; ok || len(s.sessions) >= s.cfg.MaxPeers {
		_ = conn.Close()
		return false
	}

	if old, ok := s.sessions[addr]; ok {
		s.untrackLocked(addr)
		old.Close(peer.ReasonReplaced)
	}

	sess := s.newSession(s.sessionOpts(addr, conn))
	s.trackLocked(sess)
	s.spawnLocked(sess)
	return true
}

func (s *Scheduler) trackedLocked(addr netip.AddrPort) bool {
	_, tracked := s.sessions[addr]
	_, banned := s.banned[addr]
	return tracked || banned
}

func (s *Scheduler) trackLocked(sess Session) {
	addr := sess.Addr()

	s.sessions[addr] = sess
	s.pending[addr] = mapset.NewThreadUnsafeSet()
	s.optimistic = append(s.optimistic, addr)
}

// untrackLocked drops addr from every index at once and releases the piece
// it was working on.
func (s *Scheduler) untrackLocked(addr netip.AddrPort) {
	if idx, ok := s.assigned[addr]; ok {
		s.requested.Set(idx, false)
	}

	delete(s.sessions, addr)
	delete(s.availability, addr)
	delete(s.pending, addr)
	delete(s.assigned, addr)
	delete(s.unchoked, addr)
	s.waiting.Remove(addr)

	if i := slices.Index(s.optimistic, addr); i >= 0 {
		s.optimistic = slices.Delete(s.optimistic, i, i+1)
	}
	if s.optPeer == addr {
		s.optPeer = netip.AddrPort{}
	}
}

func (s *Scheduler) spawnLocked(sess Session) {
	if s.ctx == nil {
		s.deferred = append(s.deferred, sess)
		return
	}

	ctx := s.ctx
	s.sessionsWG.Add(1)
	go func() {
		defer s.sessionsWG.Done()
		_ = sess.Run(ctx)
	}()
}

// lookupLocked returns the live session for addr, or nil when the event
// comes from a session that has since been replaced or removed.
func (s *Scheduler) lookupLocked(addr netip.AddrPort, id uuid.UUID) Session {
	sess, ok := s.sessions[addr]
	if !ok || sess.ID() != id {
		return nil
	}
	return sess
}

// TaskCompleted forgets a finished session.
func (s *Scheduler) TaskCompleted(addr netip.AddrPort, id uuid.UUID, reason peer.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupLocked(addr, id) == nil {
		return
	}

	_, hadPiece := s.assigned[addr]
	s.untrackLocked(addr)

	if !reason.Retryable() {
		s.banned[addr] = struct{}{}
	}

	s.log.Debug("peer gone", "peer", addr, "reason", reason, "peers", len(s.sessions))

	if hadPiece {
		s.retryWaitingLocked()
	}
}
