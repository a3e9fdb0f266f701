package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/leech/internal/retry"
)

var (
	// ErrFailure is returned when the tracker answers with a failure reason.
	ErrFailure = errors.New("tracker: announce rejected")

	ErrNoTrackers = errors.New("tracker: no usable announce urls")
)

type Config struct {
	// NumWant is the number of peers asked for per announce.
	NumWant uint32

	// AnnounceInterval overrides the interval suggested by the tracker.
	// 0 keeps the tracker's value.
	AnnounceInterval time.Duration

	// DefaultAnnounceInterval is used when the tracker sends no interval.
	DefaultAnnounceInterval time.Duration

	// MinAnnounceInterval is the floor between two regular announces.
	MinAnnounceInterval time.Duration

	// BackoffBase is the first wait after a failed announce round; it
	// doubles per consecutive failure up to MaxBackoffShift times.
	BackoffBase        time.Duration
	MaxAnnounceBackoff time.Duration
	MaxBackoffShift    int

	// Retries is the number of attempts made against a single url
	// before moving on to the next one.
	Retries    int
	RetryDelay time.Duration

	// StopTimeout bounds the final stopped announce.
	StopTimeout time.Duration

	// Port is the TCP port we accept peers on.
	Port uint16
}

func WithDefaultConfig() *Config {
	return &Config{
		NumWant:                 50,
		DefaultAnnounceInterval: 15 * time.Minute,
		MinAnnounceInterval:     time.Minute,
		BackoffBase:             15 * time.Second,
		MaxAnnounceBackoff:      30 * time.Minute,
		MaxBackoffShift:         6,
		Retries:                 2,
		RetryDelay:              time.Second,
		StopTimeout:             5 * time.Second,
		Port:                    6881,
	}
}

type Event uint8

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event

	// Filled in from Config by Tracker.Announce.
	Port    uint16
	NumWant uint32
}

type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Announcer talks to one tracker url.
type Announcer interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

type stats struct {
	announces atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	peers     atomic.Uint64
	seeders   atomic.Int64
	leechers  atomic.Int64
	lastTry   atomic.Int64
	lastOK    atomic.Int64
}

type Metrics struct {
	Announces     uint64
	Succeeded     uint64
	Failed        uint64
	PeersReceived uint64
	Seeders       int64
	Leechers      int64
	LastAnnounce  time.Time
	LastSuccess   time.Time
}

type Opts struct {
	Config *Config
	Logger *slog.Logger

	// GetState returns fresh transfer counters for each announce.
	GetState func() *AnnounceParams

	// OnPeers receives the peers of every successful announce.
	OnPeers func(peers []netip.AddrPort) int

	// Completed is closed once the download finishes.
	Completed <-chan struct{}
}

// Tracker announces to the tiers of an announce list. Within a tier the url
// that answered last is tried first next time.
type Tracker struct {
	cfg *Config
	log *slog.Logger

	mu      sync.Mutex
	tiers   [][]*url.URL
	clients map[string]Announcer

	getState  func() *AnnounceParams
	onPeers   func([]netip.AddrPort) int
	completed <-chan struct{}

	stats stats
}

func New(announce string, announceList [][]string, opts *Opts) (*Tracker, error) {
	if opts.GetState == nil {
		return nil, errors.New("tracker: GetState hook missing")
	}

	tiers, err := buildTiers(announce, announceList)
	if err != nil {
		return nil, err
	}
	for _, tier := range tiers {
		rand.Shuffle(len(tier), func(i, j int) { tier[i], tier[j] = tier[j], tier[i] })
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Tracker{
		cfg:       cfg,
		log:       log.With("component", "tracker"),
		tiers:     tiers,
		clients:   make(map[string]Announcer),
		getState:  opts.GetState,
		onPeers:   opts.OnPeers,
		completed: opts.Completed,
	}, nil
}

// Run announces until ctx ends, then sends a single stopped announce.
// Announce failures are logged and retried with backoff; Run itself only
// returns nil.
func (t *Tracker) Run(ctx context.Context) error {
	var (
		event     = EventStarted
		failures  int
		owed      bool
		completed = t.completed
	)

	// A torrent that is complete before the first announce never
	// announces completed.
	select {
	case <-completed:
		completed = nil
	default:
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			t.stop()
			return nil

		case <-completed:
			completed = nil
			if event != EventNone {
				owed = true
				continue
			}
			event = EventCompleted
			timer.Reset(0)

		case <-timer.C:
			params := t.getState()
			params.Event = event

			resp, err := t.Announce(ctx, params)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}

				failures++
				wait := retry.Backoff(failures-1, t.cfg.BackoffBase, t.cfg.MaxAnnounceBackoff, t.cfg.MaxBackoffShift)
				t.log.Warn("announce failed", "event", event, "error", err, "failures", failures, "retry_in", wait)
				timer.Reset(wait)
				continue
			}

			failures = 0
			if owed {
				owed = false
				event = EventCompleted
				timer.Reset(0)
				continue
			}
			event = EventNone

			next := nextInterval(resp, t.cfg)
			t.log.Debug("next announce", "in", next)
			timer.Reset(next)
		}
	}
}

// stop tells the tracker we are leaving. A tracker that never heard from us
// is left alone.
func (t *Tracker) stop() {
	if t.stats.succeeded.Load() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StopTimeout)
	defer cancel()

	params := t.getState()
	params.Event = EventStopped
	if _, err := t.Announce(ctx, params); err != nil {
		t.log.Debug("stopped announce failed", "error", err)
	}
}

// Announce tries every url tier by tier and returns the first answer.
// Stopped announces are not retried.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.announces.Add(1)
	t.stats.lastTry.Store(time.Now().UnixNano())

	params.Port = t.cfg.Port
	params.NumWant = t.cfg.NumWant

	attempts := t.cfg.Retries
	if params.Event == EventStopped {
		attempts = 1
	}

	var lastErr error
	for ti := range t.tiers {
		for i, u := range t.tier(ti) {
			client, err := t.client(u)
			if err != nil {
				lastErr = err
				continue
			}

			var resp *AnnounceResponse
			err = retry.Do(ctx, func(ctx context.Context) error {
				var err error
				resp, err = client.Announce(ctx, params)
				return err
			},
				retry.Attempts(attempts),
				retry.Base(t.cfg.RetryDelay),
				retry.Jitter(0.25),
				retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrFailure) }),
			)
			if err != nil {
				t.log.Debug("tracker did not answer", "url", u.Redacted(), "error", err)
				lastErr = err
				if ctx.Err() != nil {
					t.stats.failed.Add(1)
					return nil, err
				}
				continue
			}

			t.promote(ti, i)
			t.record(resp)

			t.log.Info("announce ok",
				"url", u.Redacted(),
				"event", params.Event,
				"peers", len(resp.Peers),
				"seeders", resp.Seeders,
				"leechers", resp.Leechers,
			)

			if t.onPeers != nil && params.Event != EventStopped && len(resp.Peers) > 0 {
				t.onPeers(resp.Peers)
			}
			return resp, nil
		}
	}

	t.stats.failed.Add(1)
	if lastErr == nil {
		lastErr = ErrNoTrackers
	}
	return nil, lastErr
}

func (t *Tracker) record(resp *AnnounceResponse) {
	t.stats.succeeded.Add(1)
	t.stats.lastOK.Store(time.Now().UnixNano())
	t.stats.peers.Add(uint64(len(resp.Peers)))
	t.stats.seeders.Store(resp.Seeders)
	t.stats.leechers.Store(resp.Leechers)
}

func (t *Tracker) Metrics() Metrics {
	at := func(ns int64) time.Time {
		if ns == 0 {
			return time.Time{}
		}
		return time.Unix(0, ns)
	}

	return Metrics{
		Announces:     t.stats.announces.Load(),
		Succeeded:     t.stats.succeeded.Load(),
		Failed:        t.stats.failed.Load(),
		PeersReceived: t.stats.peers.Load(),
		Seeders:       t.stats.seeders.Load(),
		Leechers:      t.stats.leechers.Load(),
		LastAnnounce:  at(t.stats.lastTry.Load()),
		LastSuccess:   at(t.stats.lastOK.Load()),
	}
}

func (t *Tracker) tier(i int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*url.URL(nil), t.tiers[i]...)
}

// promote moves url i of tier ti to the front of its tier.
func (t *Tracker) promote(ti, i int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[ti]
	if i <= 0 || i >= len(tier) {
		return
	}

	u := tier[i]
	copy(tier[1:i+1], tier[:i])
	tier[0] = u
}

func (t *Tracker) client(u *url.URL) (Announcer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := u.String()
	if c, ok := t.clients[key]; ok {
		return c, nil
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	c := NewHTTPAnnouncer(u, t.log)
	t.clients[key] = c
	return c, nil
}

// buildTiers returns the announce list tiers, or announce alone when there
// is no list. Unusable and repeated urls are skipped.
func buildTiers(announce string, announceList [][]string) ([][]*url.URL, error) {
	var tiers [][]*url.URL
	seen := make(map[string]bool)

	add := func(raw []string) {
		var tier []*url.URL
		for _, s := range raw {
			u, err := url.Parse(strings.TrimSpace(s))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || seen[u.String()] {
				continue
			}
			seen[u.String()] = true
			tier = append(tier, u)
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}

	for _, tier := range announceList {
		add(tier)
	}
	if len(tiers) == 0 {
		add([]string{announce})
	}

	if len(tiers) == 0 {
		return nil, ErrNoTrackers
	}
	return tiers, nil
}

// nextInterval is max(interval, min interval, configured floor), where
// interval comes from the override, the tracker or the default in that
// order.
func nextInterval(resp *AnnounceResponse, cfg *Config) time.Duration {
	interval := cfg.DefaultAnnounceInterval
	switch {
	case cfg.AnnounceInterval > 0:
		interval = cfg.AnnounceInterval
	case resp.Interval > 0:
		interval = resp.Interval
	}

	return max(interval, resp.MinInterval, cfg.MinAnnounceInterval)
}
