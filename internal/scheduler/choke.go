package scheduler

import (
	"cmp"
	"context"
	"net/netip"
	"slices"
	"time"
)

// UnchokePeers is the regular choke pass. Peers that are not interested are
// unchoked first since it costs nothing, then interested peers by rate:
// download rate while we leech, upload rate once we seed. At most
// UnchokeSlots peers are unchoked; everyone else is choked except the
// optimistic peer.
func (s *Scheduler) UnchokePeers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRechoke = time.Now()
	seeding := s.nComplete == s.n

	rate := func(addr netip.AddrPort) uint64 {
		if seeding {
			return s.sessions[addr].UploadRate()
		}
		return s.sessions[addr].DownloadRate()
	}
	byRate := func(a, b netip.AddrPort) int {
		if c := cmp.Compare(rate(b), rate(a)); c != 0 {
			return c
		}
		return a.Compare(b)
	}

	var idle, interested []netip.AddrPort
	for addr, sess := range s.sessions {
		if sess.PeerInterested() {
			interested = append(interested, addr)
		} else {
			idle = append(idle, addr)
		}
	}
	slices.SortFunc(idle, byRate)
	slices.SortFunc(interested, byRate)

	clear(s.unchoked)
	for _, addr := range append(idle, interested...) {
		if len(s.unchoked) >= s.cfg.UnchokeSlots {
			break
		}
		s.unchoked[addr] = struct{}{}
	}

	for addr, sess := range s.sessions {
		if _, ok := s.unchoked[addr]; ok || addr == s.optPeer {
			sess.Unchoke()
		} else {
			sess.Choke()
		}
	}
}

// OptimisticUnchoke moves the optimistic slot to the next choked peer in
// connection order, so every choked peer gets a turn before any repeats.
func (s *Scheduler) OptimisticUnchoke() (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.optPeer
	var next netip.AddrPort

	for range len(s.optimistic) {
		addr := s.optimistic[0]
		s.optimistic = append(s.optimistic[1:], addr)

		if addr == prev {
			continue
		}
		if _, regular := s.unchoked[addr]; regular {
			continue
		}
		if sess := s.sessions[addr]; sess != nil && sess.AmChoking() {
			next = addr
			break
		}
	}

	if !next.IsValid() && s.sessions[prev] != nil {
		// Nobody else is waiting.
		if _, regular := s.unchoked[prev]; !regular {
			next = prev
		}
	}

	if prev.IsValid() && prev != next {
		if _, regular := s.unchoked[prev]; !regular {
			if sess := s.sessions[prev]; sess != nil {
				sess.Choke()
			}
		}
	}

	s.optPeer = next
	if !next.IsValid() {
		return netip.AddrPort{}, false
	}

	s.sessions[next].Unchoke()
	return next, true
}

func (s *Scheduler) rechokeLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.RechokeInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.UnchokePeers()
		}
	}
}

func (s *Scheduler) optimisticLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.OptimisticUnchokeInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if addr, ok := s.OptimisticUnchoke(); ok {
				s.log.Debug("optimistic unchoke", "peer", addr)
			}
		}
	}
}
