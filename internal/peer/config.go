package peer

import "time"

type Config struct {
	// DialTimeout bounds establishing an outbound TCP connection.
	DialTimeout time.Duration

	// KeepAliveInterval is how long the outbound queue may stay empty
	// before a keep-alive is written.
	KeepAliveInterval time.Duration

	// PeerTimeout is how long the remote side may stay silent. It is
	// checked whenever a keep-alive goes out.
	PeerTimeout time.Duration

	// PipelineDepth is the maximum number of outstanding block requests.
	PipelineDepth int

	// MaxQueuedPieces caps piece payloads waiting in the outbound queue.
	// When full, the oldest queued piece payload is dropped.
	MaxQueuedPieces int

	// MaxRequestLength is the largest block a peer may ask us for.
	MaxRequestLength int

	// RateInterval is the sampling period of the transfer rate estimator.
	RateInterval time.Duration
}

func WithDefaultConfig() *Config {
	return &Config{
		DialTimeout:       7 * time.Second,
		KeepAliveInterval: 120 * time.Second,
		PeerTimeout:       180 * time.Second,
		PipelineDepth:     5,
		MaxQueuedPieces:   64,
		MaxRequestLength:  128 * 1024,
		RateInterval:      time.Second,
	}
}
