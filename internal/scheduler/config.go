package scheduler

import "time"

type Config struct {
	// Strategy picks among the eligible pieces for a ready peer.
	Strategy DownloadStrategy

	// RechokeInterval is the cadence of the choke/unchoke pass. A ready
	// peer also triggers the pass when it is overdue.
	RechokeInterval time.Duration

	// OptimisticUnchokeInterval is how often the optimistic slot rotates.
	OptimisticUnchokeInterval time.Duration

	// UnchokeSlots is the number of regular unchoke slots.
	UnchokeSlots int

	// EndgameThreshold is the number of missing pieces at or below which a
	// piece may be requested from more than one peer.
	EndgameThreshold int

	// InboxSize is the capacity of the session event inbox.
	InboxSize int

	// MaxPeers caps concurrent sessions, inbound and outbound combined.
	MaxPeers int
}

func WithDefaultConfig() *Config {
	return &Config{
		Strategy:                  DownloadStrategyRandom,
		RechokeInterval:           10 * time.Second,
		OptimisticUnchokeInterval: 30 * time.Second,
		UnchokeSlots:              5,
		EndgameThreshold:          3,
		InboxSize:                 1024,
		MaxPeers:                  50,
	}
}
