package bridge

import (
	"context"
	"net"
	"sync"
	"time"
)

const (
	dialTimeout   = 10 * time.Second
	readChunkSize = 4096
	notifChanSize = 64
)

// TCPTransport carries frames over a TCP link to a BLE gateway that
// proxies the GATT characteristic as a raw byte stream. Each Open dials a
// fresh connection and replaces the notification channel, so a session can
// reuse the transport across reconnects.
type TCPTransport struct {
	addr string

	mu    sync.Mutex
	conn  net.Conn
	notif chan []byte
}

// NewTCPTransport creates a transport dialing the given address.
func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{addr: addr}
}

// Open dials the device endpoint and starts the receive pump.
func (t *TCPTransport) Open(ctx context.Context) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}

	notif := make(chan []byte, notifChanSize)

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.notif = notif
	t.mu.Unlock()

	go t.readLoop(conn, notif)
	return nil
}

// readLoop pushes received chunks into notif until the connection drops,
// then closes the channel.
func (t *TCPTransport) readLoop(conn net.Conn, notif chan []byte) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			notif <- chunk
		}
		if err != nil {
			close(notif)
			return
		}
	}
}

// Write sends data over the current connection.
func (t *TCPTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}

	_, err := conn.Write(data)
	return err
}

// Notifications returns the receive channel of the current connection.
func (t *TCPTransport) Notifications() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notif
}

// Close drops the current connection. The receive pump closes the
// notification channel on its way out.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
