package peer

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"
)

// Stats holds per-connection counters. Counters only ever grow.
type Stats struct {
	// Downloaded and Uploaded count block payload bytes only.
	Downloaded atomic.Uint64
	Uploaded   atomic.Uint64

	// Smoothed bytes per second, refreshed every RateInterval.
	DownloadRate atomic.Uint64
	UploadRate   atomic.Uint64

	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsDropped   atomic.Uint64
	RequestsCancelled atomic.Uint64
	BlocksReceived    atomic.Uint64
	BlocksUnsolicited atomic.Uint64
	PiecesSent        atomic.Uint64
	HashFailures      atomic.Uint64

	// Unix nanoseconds.
	ConnectedAt    atomic.Int64
	DisconnectedAt atomic.Int64
}

// Metrics is a point-in-time copy of a session's counters and flags.
type Metrics struct {
	Addr           netip.AddrPort
	State          State
	Direction      Direction
	Downloaded     uint64
	Uploaded       uint64
	DownloadRate   uint64
	UploadRate     uint64
	RequestsSent   uint64
	BlocksReceived uint64
	HashFailures   uint64
	ConnectedFor   time.Duration
	LastActive     time.Time
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

func (s *Session) Metrics() Metrics {
	m := Metrics{
		Addr:           s.addr,
		State:          s.State(),
		Direction:      s.direction,
		Downloaded:     s.stats.Downloaded.Load(),
		Uploaded:       s.stats.Uploaded.Load(),
		DownloadRate:   s.stats.DownloadRate.Load(),
		UploadRate:     s.stats.UploadRate.Load(),
		RequestsSent:   s.stats.RequestsSent.Load(),
		BlocksReceived: s.stats.BlocksReceived.Load(),
		HashFailures:   s.stats.HashFailures.Load(),
		LastActive:     time.Unix(0, s.lastRecv.Load()),
		AmChoking:      s.AmChoking(),
		AmInterested:   s.AmInterested(),
		PeerChoking:    s.PeerChoking(),
		PeerInterested: s.PeerInterested(),
	}

	if at := s.stats.ConnectedAt.Load(); at != 0 {
		end := time.Now()
		if dc := s.stats.DisconnectedAt.Load(); dc != 0 {
			end = time.Unix(0, dc)
		}
		m.ConnectedFor = end.Sub(time.Unix(0, at))
	}
	return m
}

// rateAlpha weights the newest sample of the moving average.
const rateAlpha = 0.2

// ratesLoop samples the byte counters every RateInterval and folds the
// per-second delta into an exponential moving average:
//
//	ema = alpha*instant + (1-alpha)*ema
//
// The first sample seeds the average directly. Elapsed time is measured
// rather than assumed so ticker drift does not skew the rate.
func (s *Session) ratesLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.RateInterval)
	defer t.Stop()

	var (
		down, up ema
		lastDown = s.stats.Downloaded.Load()
		lastUp   = s.stats.Uploaded.Load()
		last     = time.Now()
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case now := <-t.C:
			secs := now.Sub(last).Seconds()
			if secs <= 0 {
				continue
			}

			curDown, curUp := s.stats.Downloaded.Load(), s.stats.Uploaded.Load()
			s.stats.DownloadRate.Store(down.add(float64(curDown-lastDown) / secs))
			s.stats.UploadRate.Store(up.add(float64(curUp-lastUp) / secs))

			lastDown, lastUp, last = curDown, curUp, now
		}
	}
}

type ema struct {
	value  float64
	primed bool
}

func (e *ema) add(sample float64) uint64 {
	if !e.primed {
		e.value, e.primed = sample, true
	} else {
		e.value = rateAlpha*sample + (1-rateAlpha)*e.value
	}
	return uint64(e.value)
}
