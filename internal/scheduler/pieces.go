package scheduler

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/prxssh/leech/internal/bitfield"
	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/storage"
)

// PeerReady assigns the next piece to a session that has nothing to do.
// Peers left without work are retried when something changes.
func (s *Scheduler) PeerReady(addr netip.AddrPort, id uuid.UUID) {
	s.mu.Lock()
	overdue := time.Since(s.lastRechoke) > s.cfg.RechokeInterval
	s.mu.Unlock()

	if overdue {
		s.UnchokePeers()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupLocked(addr, id) == nil {
		return
	}
	s.assignLocked(addr)
}

func (s *Scheduler) assignLocked(addr netip.AddrPort) bool {
	sess := s.sessions[addr]
	if _, busy := s.assigned[addr]; busy {
		s.waiting.Remove(addr)
		return false
	}

	d := s.selectPieceLocked(addr)
	if d == nil {
		s.waiting.Add(addr)
		return false
	}

	wasRequested := s.requested.Get(d.Index)
	s.requested.Set(d.Index, true)

	if !sess.Assign(d) {
		s.requested.Set(d.Index, wasRequested)
		s.waiting.Add(addr)
		return false
	}

	s.assigned[addr] = d.Index
	s.waiting.Remove(addr)
	return true
}

// selectPieceLocked returns a piece that is missing, held by addr and not
// requested from anyone else, or nil. Near the end of the download
// requested pieces become eligible again.
func (s *Scheduler) selectPieceLocked(addr netip.AddrPort) *piece.Descriptor {
	avail, ok := s.availability[addr]
	if !ok {
		return nil
	}

	endgame := s.nComplete >= s.n-s.cfg.EndgameThreshold

	var candidates []int
	for i := range s.n {
		if s.complete.Get(i) || !avail.Has(i) {
			continue
		}
		if s.requested.Get(i) && !endgame {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return nil
	}

	return s.store.Descriptor(s.cfg.Strategy.pick(candidates, s.replicasLocked))
}

func (s *Scheduler) replicasLocked(index int) int {
	var n int
	for _, bf := range s.availability {
		if bf.Has(index) {
			n++
		}
	}
	return n
}

func (s *Scheduler) retryWaitingLocked() {
	for _, v := range s.waiting.ToSlice() {
		s.assignLocked(v.(netip.AddrPort))
	}
}

// PieceCompleted records the outcome of a piece download. A verified piece
// is persisted, then announced to every peer; a failed one becomes eligible
// again. Only a storage failure is returned.
func (s *Scheduler) PieceCompleted(addr netip.AddrPort, id uuid.UUID, res peer.PieceResult) error {
	s.mu.Lock()

	if s.lookupLocked(addr, id) != nil {
		if idx, ok := s.assigned[addr]; ok && idx == res.Index {
			delete(s.assigned, addr)
		}
	}

	if !res.OK || s.complete.Get(res.Index) {
		if !res.OK {
			s.log.Warn("piece failed verification", "piece", res.Index, "peer", addr)
		}
		if !s.complete.Get(res.Index) {
			s.requested.Set(res.Index, false)
		}
		s.retryWaitingLocked()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// requested stays set while writing so nobody else picks the piece.
	if err := s.store.Save(res.Index, res.Data); err != nil {
		s.mu.Lock()
		s.requested.Set(res.Index, false)
		s.mu.Unlock()
		return err
	}
	s.downloaded.Add(int64(len(res.Data)))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requested.Set(res.Index, false)
	if s.complete.Get(res.Index) {
		return nil
	}
	s.markCompleteLocked(res.Index)

	for a, sess := range s.sessions {
		sess.Have(res.Index)
		if sess.AmInterested() && !s.interestingLocked(a) {
			sess.NotInterested()
		}
	}

	// Entering endgame makes requested pieces eligible for waiting peers.
	s.retryWaitingLocked()

	s.log.Debug("piece complete", "piece", res.Index, "have", s.nComplete, "pieces", s.n)
	return nil
}

// interestingLocked reports whether addr has a piece we lack.
func (s *Scheduler) interestingLocked(addr netip.AddrPort) bool {
	bf, ok := s.availability[addr]
	if !ok {
		return false
	}

	for i := range s.n {
		if bf.Has(i) && !s.complete.Get(i) {
			return true
		}
	}
	return false
}

// PeerAvailability replaces the recorded availability of addr and declares
// interest when the peer has something we lack.
func (s *Scheduler) PeerAvailability(addr netip.AddrPort, id uuid.UUID, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.lookupLocked(addr, id)
	if sess == nil {
		return
	}

	s.availability[addr] = bf
	if !sess.AmInterested() && s.interestingLocked(addr) {
		sess.Interested()
	}

	s.retryWaitingLocked()
}

// PeerRequest serves a block of a complete piece. Asking for anything else
// is a protocol violation and ends the session. Only a storage failure is
// returned.
func (s *Scheduler) PeerRequest(addr netip.AddrPort, id uuid.UUID, req peer.BlockRef) error {
	s.mu.Lock()
	sess := s.lookupLocked(addr, id)
	have := req.Index >= 0 && req.Index < s.n && s.complete.Get(req.Index)
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	if !have {
		s.log.Debug("request for missing piece", "peer", addr, "piece", req.Index)
		sess.Close(peer.ReasonProtocolViolation)
		return nil
	}

	block, err := s.store.ReadBlock(req.Index, req.Begin, req.Length)
	switch {
	case errors.Is(err, storage.ErrIO):
		return err
	case err != nil:
		sess.Close(peer.ReasonProtocolViolation)
		return nil
	}

	if sess.SendPiece(req.Index, req.Begin, block) {
		s.uploaded.Add(int64(len(block)))
	}
	return nil
}
