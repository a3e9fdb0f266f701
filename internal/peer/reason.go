package peer

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/prxssh/leech/internal/protocol"
)

// Reason tells why a session ended.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonShutdown
	ReasonDisconnected
	ReasonUnknownHost
	ReasonConnectionRefused
	ReasonBadHandshake
	ReasonMalformedMessage
	ReasonTruncatedStream
	ReasonTimeout
	ReasonProtocolViolation
	ReasonReplaced
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonShutdown:
		return "shutdown"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonUnknownHost:
		return "unknown host"
	case ReasonConnectionRefused:
		return "connection refused"
	case ReasonBadHandshake:
		return "bad handshake"
	case ReasonMalformedMessage:
		return "malformed message"
	case ReasonTruncatedStream:
		return "truncated stream"
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocolViolation:
		return "protocol violation"
	case ReasonReplaced:
		return "replaced"
	default:
		return fmt.Sprintf("Reason(%d)", r)
	}
}

// Retryable reports whether the peer may be dialed again if a tracker
// returns it later.
func (r Reason) Retryable() bool {
	return r != ReasonBadHandshake
}

var (
	errBadHandshake = errors.New("peer: bad handshake")
	errTimeout      = errors.New("peer: no traffic from peer")
	errViolation    = errors.New("peer: protocol violation")
)

// classify maps the error a session ended with onto a Reason.
func classify(err error) Reason {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)

	switch {
	case err == nil:
		return ReasonShutdown
	case errors.Is(err, errBadHandshake):
		return ReasonBadHandshake
	case errors.Is(err, errTimeout):
		return ReasonTimeout
	case errors.Is(err, errViolation):
		return ReasonProtocolViolation
	case errors.Is(err, protocol.ErrTruncatedStream):
		return ReasonTruncatedStream
	case errors.Is(err, protocol.ErrMalformedMessage):
		return ReasonMalformedMessage
	case errors.As(err, &dnsErr),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return ReasonUnknownHost
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonConnectionRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	default:
		// io.EOF and connection resets.
		return ReasonDisconnected
	}
}
