package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	tr := NewTCPTransport(ln.Addr().String())
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	// device -> host
	_, err = server.Write([]byte{0x5A, 0x5A, 0x01})
	require.NoError(t, err)

	select {
	case chunk := <-tr.Notifications():
		assert.Equal(t, []byte{0x5A, 0x5A, 0x01}, chunk)
	case <-time.After(time.Second):
		t.Fatal("no chunk received")
	}

	// host -> device
	require.NoError(t, tr.Write(context.Background(), []byte{0xAA, 0x03}))

	buf := make([]byte, 16)
	server.SetReadDeadline(time.Now().Add(time.Second))
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x03}, buf[:n])
}

func TestTCPTransportCloseEndsNotifications(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 64)
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}
	}()

	tr := NewTCPTransport(ln.Addr().String())
	require.NoError(t, tr.Open(context.Background()))

	notif := tr.Notifications()
	require.NoError(t, tr.Close())

	select {
	case _, ok := <-notif:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("notification channel not closed")
	}

	// Write on a closed transport fails
	assert.Error(t, tr.Write(context.Background(), []byte{0x01}))

	// Close is idempotent
	assert.NoError(t, tr.Close())
}

func TestTCPTransportReopen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				c.Write([]byte{0x01})
				buf := make([]byte, 64)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()

	tr := NewTCPTransport(ln.Addr().String())
	require.NoError(t, tr.Open(context.Background()))

	first := tr.Notifications()
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("no chunk on first connection")
	}

	// A fresh Open replaces the connection and channel
	require.NoError(t, tr.Open(context.Background()))
	second := tr.Notifications()
	assert.NotEqual(t, first, second)

	select {
	case chunk := <-second:
		assert.Equal(t, []byte{0x01}, chunk)
	case <-time.After(time.Second):
		t.Fatal("no chunk on second connection")
	}

	require.NoError(t, tr.Close())
}

func TestTCPTransportOpenRefused(t *testing.T) {
	// Grab a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tr := NewTCPTransport(addr)
	assert.Error(t, tr.Open(context.Background()))
}
