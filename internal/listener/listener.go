// Package listener accepts inbound peer connections.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"
)

var ErrNoPort = errors.New("listener: no free port in range")

type Config struct {
	// Host is the address to bind; empty binds all interfaces.
	Host string

	// The first free port in [PortMin, PortMax] is used. A zero range
	// lets the kernel pick.
	PortMin uint16
	PortMax uint16
}

func WithDefaultConfig() *Config {
	return &Config{PortMin: 6881, PortMax: 6889}
}

// AcceptFunc takes ownership of conn. Returning false means the connection
// was refused and already closed.
type AcceptFunc func(conn net.Conn, addr netip.AddrPort) bool

type Listener struct {
	ln     net.Listener
	port   uint16
	accept AcceptFunc
	log    *slog.Logger
}

// Listen binds the first free port of the configured range.
func Listen(ctx context.Context, cfg *Config, accept AcceptFunc, log *slog.Logger) (*Listener, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	var lc net.ListenConfig
	for port := int(cfg.PortMin); port <= int(cfg.PortMax); port++ {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)))
		if err != nil {
			log.Debug("port unavailable", "port", port, "error", err)
			continue
		}

		bound := uint16(ln.Addr().(*net.TCPAddr).Port)
		return &Listener{
			ln:     ln,
			port:   bound,
			accept: accept,
			log:    log.With("component", "listener", "port", bound),
		}, nil
	}

	return nil, fmt.Errorf("%w [%d, %d]", ErrNoPort, cfg.PortMin, cfg.PortMax)
}

func (l *Listener) Port() uint16 { return l.port }

// Run hands accepted connections to the accept callback until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	l.log.Info("accepting peers")

	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			// Usually EMFILE; back off like net/http does.
			delay = min(max(2*delay, 5*time.Millisecond), time.Second)
			l.log.Warn("accept failed", "error", err, "retry_in", delay)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		addr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			_ = conn.Close()
			continue
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

		if !l.accept(conn, addr) {
			l.log.Debug("inbound peer refused", "peer", addr)
		}
	}
}

func (l *Listener) Close() error { return l.ln.Close() }
