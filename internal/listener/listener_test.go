package listener

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestListen_HandsOffConnections(t *testing.T) {
	type accepted struct {
		conn net.Conn
		addr netip.AddrPort
	}
	got := make(chan accepted, 1)

	l, err := Listen(context.Background(), &Config{Host: "127.0.0.1"}, func(conn net.Conn, addr netip.AddrPort) bool {
		got <- accepted{conn, addr}
		return true
	}, quiet())
	require.NoError(t, err)
	require.NotZero(t, l.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(l.Port()))))
	require.NoError(t, err)
	defer c.Close()

	select {
	case a := <-got:
		defer a.conn.Close()
		assert.Equal(t, netip.MustParseAddr("127.0.0.1"), a.addr.Addr())
		assert.Equal(t, c.LocalAddr().(*net.TCPAddr).Port, int(a.addr.Port()))
	case <-time.After(2 * time.Second):
		t.Fatal("connection not handed off")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestListen_SkipsBusyPorts(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	port := uint16(busy.Addr().(*net.TCPAddr).Port)

	_, err = Listen(context.Background(), &Config{Host: "127.0.0.1", PortMin: port, PortMax: port}, nil, quiet())
	require.ErrorIs(t, err, ErrNoPort)
}
