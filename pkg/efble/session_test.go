package efble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simDevice implements the device end of the protocol behind a simTransport:
// it answers the handshake, acknowledges commands and can push telemetry.
type simDevice struct {
	t         *testing.T
	accountID string
	sn        string
	table     KeyTable
	srand     []byte
	seed      [2]byte

	rejectIdentity bool
	swallowAcks    bool
	rejectCommands bool

	// authTrailer, when set, rides in the same chunk as the accepting
	// identity reply, simulating telemetry coalesced behind the final
	// handshake frame.
	authTrailer func() *Packet

	mu         sync.Mutex
	dec        *FrameDecoder
	keys       *SessionKeys
	push       func([]byte)
	lastCmdSeq uint32
	cmdCount   int
}

func newSimDevice(t *testing.T) *simDevice {
	return &simDevice{
		t:         t,
		accountID: "acct-42",
		sn:        "HD31SIMDEVICE001",
		table:     testKeyTable(),
		srand:     []byte("sim-random-bytes"),
		seed:      [2]byte{0x02, 0x03},
	}
}

func (d *simDevice) reset(push func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dec = NewFrameDecoder()
	d.keys = nil
	d.push = push
}

func (d *simDevice) handleWrite(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	frames, err := d.dec.Feed(data)
	require.NoError(d.t, err)
	for _, f := range frames {
		d.handleFrame(f)
	}
}

func (d *simDevice) handleFrame(f Frame) {
	if f.Type == FrameTypeCommand {
		switch f.Payload[0] {
		case 0x01:
			kp, err := generateECDHKeyPair(nil)
			require.NoError(d.t, err)
			secret, err := kp.SharedSecret(f.Payload[2 : 2+ecdhPublicSize])
			require.NoError(d.t, err)
			d.keys, err = newSessionKeysFromSecret(secret)
			require.NoError(d.t, err)
			d.send(FrameTypeCommand, append([]byte{0x01, 0x00, 0x00}, kp.PublicBytes()...))
		case 0x02:
			plain := append(append([]byte{}, d.srand...), d.seed[0], d.seed[1])
			ct, err := encryptCBC(d.keys.sharedKey[:], d.keys.iv[:], plain)
			require.NoError(d.t, err)
			require.NoError(d.t, d.keys.deriveSessionKey(d.table, d.seed, d.srand))
			d.send(FrameTypeCommand, append([]byte{0x02}, ct...))
		}
		return
	}

	plain, err := d.keys.DecryptSession(f.Payload)
	require.NoError(d.t, err)
	pkt, err := UnmarshalPacket(plain)
	require.NoError(d.t, err)

	if pkt.CmdSet == cmdSetAuth {
		switch pkt.CmdID {
		case cmdIDAuthStatus:
			d.reply(pkt, []byte{0x00, 0x01})
		case cmdIDIdentity:
			status := byte(0x00)
			if d.rejectIdentity || string(pkt.Payload) != string(identityProof(d.accountID, d.sn)) {
				status = 0x01
			}
			reply := NewPacket(AddrDevice, AddrApp, pkt.CmdSet, pkt.CmdID, []byte{status}, pkt.Seq)
			if status == 0x00 && d.authTrailer != nil {
				d.sendCoalesced(reply, d.authTrailer())
				return
			}
			d.sendPacket(reply)
		}
		return
	}

	// Anything else is an app command.
	d.cmdCount++
	d.lastCmdSeq = pkt.Seq
	if d.swallowAcks {
		return
	}
	status := byte(0x00)
	if d.rejectCommands {
		status = 0x01
	}
	d.reply(pkt, []byte{status})
}

func (d *simDevice) reply(req *Packet, payload []byte) {
	pkt := NewPacket(AddrDevice, AddrApp, req.CmdSet, req.CmdID, payload, req.Seq)
	d.sendPacket(pkt)
}

func (d *simDevice) sendPacket(pkt *Packet) {
	raw, err := pkt.MarshalBinary()
	require.NoError(d.t, err)
	ct, err := d.keys.EncryptSession(raw)
	require.NoError(d.t, err)
	d.send(FrameTypeProtocol, ct)
}

func (d *simDevice) send(ft byte, payload []byte) {
	raw, err := EncodeFrame(ft, payload)
	require.NoError(d.t, err)
	d.push(raw)
}

// sendCoalesced concatenates several packets into one notification chunk.
func (d *simDevice) sendCoalesced(pkts ...*Packet) {
	var chunk []byte
	for _, pkt := range pkts {
		raw, err := pkt.MarshalBinary()
		require.NoError(d.t, err)
		ct, err := d.keys.EncryptSession(raw)
		require.NoError(d.t, err)
		frame, err := EncodeFrame(FrameTypeProtocol, ct)
		require.NoError(d.t, err)
		chunk = append(chunk, frame...)
	}
	d.push(chunk)
}

// pushTelemetry emits one session-encrypted telemetry packet.
func (d *simDevice) pushTelemetry(src, cmdSet, cmdID byte, body []byte, seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendPacket(NewPacket(src, AddrApp, cmdSet, cmdID, body, seq))
}

// ackLast acknowledges the most recent command, for late-ack scenarios.
func (d *simDevice) ackLast() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendPacket(NewPacket(AddrDevice, AddrApp, 0x0C, 0x21, []byte{0x00}, d.lastCmdSeq))
}

func (d *simDevice) commandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cmdCount
}

// simTransport is an in-memory Transport backed by a simDevice.
type simTransport struct {
	dev *simDevice

	mu     sync.Mutex
	notif  chan []byte
	closed bool
	writes int
}

func newSimTransport(dev *simDevice) *simTransport {
	return &simTransport{dev: dev}
}

func (t *simTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notif = make(chan []byte, 64)
	t.closed = false
	t.dev.reset(t.pushNotification)
	return nil
}

func (t *simTransport) pushNotification(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.notif <- data
	}
}

func (t *simTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.writes++
	t.mu.Unlock()

	t.dev.handleWrite(data)
	return nil
}

func (t *simTransport) Notifications() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notif
}

func (t *simTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed && t.notif != nil {
		t.closed = true
		close(t.notif)
	}
	return nil
}

func (t *simTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

func sessionTestRegistry() *Registry {
	r := testRegistry()
	r.RegisterCommand(&CommandSpec{
		Kind:   CmdSetCircuitPower,
		CmdSet: 0x0C,
		CmdID:  0x21,
		Dst:    AddrDevice,
		Params: []ParamSpec{
			{Name: "circuit", Min: 0, Max: 11, Integer: true, Required: true},
			{Name: "enable", Min: 0, Max: 1, Integer: true, Required: true},
		},
		Encode: func(p map[string]float64) []byte {
			var body []byte
			body = AppendVarintField(body, 1, uint64(p["circuit"]))
			body = AppendVarintField(body, 2, uint64(p["enable"]))
			return body
		},
	})
	return r
}

func newTestSession(t *testing.T, dev *simDevice, mutate func(*SessionConfig)) (*Session, *simTransport) {
	cfg := SessionConfig{
		DeviceSN:  dev.sn,
		AccountID: dev.accountID,
		KeyTable:  dev.table,
		Registry:  sessionTestRegistry(),
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr := newSimTransport(dev)
	return NewSession(cfg, tr), tr
}

func TestSessionConnectAndCommand(t *testing.T) {
	dev := newSimDevice(t)
	s, _ := newTestSession(t, dev, nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Established())

	outcome, err := s.SendCommand(context.Background(),
		NewCommand(CmdSetCircuitPower, map[string]float64{"circuit": 2, "enable": 1}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledged, outcome)
	assert.Equal(t, 1, dev.commandCount())
}

func TestSessionCommandRejected(t *testing.T) {
	dev := newSimDevice(t)
	dev.rejectCommands = true
	s, _ := newTestSession(t, dev, nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	outcome, err := s.SendCommand(context.Background(),
		NewCommand(CmdSetCircuitPower, map[string]float64{"circuit": 0, "enable": 0}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestSessionCommandBeforeConnect(t *testing.T) {
	dev := newSimDevice(t)
	s, tr := newTestSession(t, dev, nil)

	_, err := s.SendCommand(context.Background(),
		NewCommand(CmdSetCircuitPower, map[string]float64{"circuit": 0, "enable": 1}))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, tr.writeCount())
}

func TestSessionInvalidCommandNeverTransmitted(t *testing.T) {
	dev := newSimDevice(t)
	s, tr := newTestSession(t, dev, nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	handshakeWrites := tr.writeCount()

	_, err := s.SendCommand(context.Background(),
		NewCommand(CmdSetCircuitPower, map[string]float64{"circuit": 99, "enable": 1}))
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Equal(t, handshakeWrites, tr.writeCount())
	assert.Zero(t, dev.commandCount())
}

func TestSessionCommandTimeoutIgnoresLateAck(t *testing.T) {
	dev := newSimDevice(t)
	dev.swallowAcks = true
	s, _ := newTestSession(t, dev, func(cfg *SessionConfig) {
		cfg.CommandTimeout = 50 * time.Millisecond
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	outcome, err := s.SendCommand(context.Background(),
		NewCommand(CmdSetCircuitPower, map[string]float64{"circuit": 1, "enable": 1}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)

	// The ack arriving now matches nothing and must be quietly dropped.
	dev.ackLast()
	require.Eventually(t, func() bool {
		return s.unknownPayloads.Load() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Established())
}

func TestSessionCloseCancelsPendingCommands(t *testing.T) {
	dev := newSimDevice(t)
	dev.swallowAcks = true
	s, _ := newTestSession(t, dev, func(cfg *SessionConfig) {
		cfg.CommandTimeout = 10 * time.Second
	})

	require.NoError(t, s.Connect(context.Background()))

	type result struct {
		outcome CommandOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := s.SendCommand(context.Background(),
			NewCommand(CmdSetCircuitPower, map[string]float64{"circuit": 1, "enable": 0}))
		done <- result{o, err}
	}()

	require.Eventually(t, func() bool { return dev.commandCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, OutcomeCancelled, r.outcome)
	case <-time.After(time.Second):
		t.Fatal("pending command not cancelled on close")
	}
}

func TestSessionTelemetryFlow(t *testing.T) {
	dev := newSimDevice(t)
	s, _ := newTestSession(t, dev, nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	deltas, cancel := s.Subscribe()
	defer cancel()

	dev.pushTelemetry(0x0B, 0x0C, 0x01, encodeTestReport(), 100)

	select {
	case delta := <-deltas:
		assert.Equal(t, "test_report", delta.Schema)
		assert.Contains(t, delta.Changed, "bat_per")
	case <-time.After(time.Second):
		t.Fatal("no telemetry delta delivered")
	}

	snap := s.State()
	assert.Equal(t, 76.0, snap["bat_per"].Num)
	assert.False(t, s.LastSeen().IsZero())
}

func TestSessionTelemetryBehindHandshakeReply(t *testing.T) {
	dev := newSimDevice(t)
	dev.authTrailer = func() *Packet {
		return NewPacket(0x0B, AddrApp, 0x0C, 0x01, encodeTestReport(), 100)
	}
	s, _ := newTestSession(t, dev, nil)
	defer s.Close()

	deltas, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Connect(context.Background()))
	require.True(t, s.Established())

	// The telemetry frame arrived in the same chunk as the reply that
	// completed the handshake; it must still be dispatched.
	select {
	case delta := <-deltas:
		assert.Equal(t, "test_report", delta.Schema)
	case <-time.After(time.Second):
		t.Fatal("telemetry coalesced with the handshake tail was dropped")
	}
	assert.Equal(t, 76.0, s.State()["bat_per"].Num)
}

func TestSessionSchemaViolationLeavesStateUntouched(t *testing.T) {
	dev := newSimDevice(t)
	s, _ := newTestSession(t, dev, nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	// Mandatory load_info.hall1_watt is absent.
	var body []byte
	body = AppendVarintField(body, 2, 50)
	dev.pushTelemetry(0x0B, 0x0C, 0x01, body, 5)

	require.Eventually(t, func() bool {
		return s.schemaRejects.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.State())
}

func TestSessionAuthRejection(t *testing.T) {
	dev := newSimDevice(t)
	dev.rejectIdentity = true
	s, _ := newTestSession(t, dev, nil)

	err := s.Connect(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthRejected, authErr.Reason)
	assert.False(t, s.Established())

	select {
	case ev := <-s.Events():
		assert.Equal(t, EventAuthFailed, ev.Type)
	default:
		t.Fatal("expected an auth failure event")
	}
}

func TestSessionWrongAccountRejected(t *testing.T) {
	dev := newSimDevice(t)
	s, _ := newTestSession(t, dev, func(cfg *SessionConfig) {
		cfg.AccountID = "someone-else"
	})

	err := s.Connect(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthRejected, authErr.Reason)
}

func TestSessionReconnectAfterLinkDrop(t *testing.T) {
	dev := newSimDevice(t)
	s, tr := newTestSession(t, dev, func(cfg *SessionConfig) {
		cfg.Reconnect = true
		cfg.ReconnectDelay = 10 * time.Millisecond
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	require.True(t, s.Established())

	// Drop the link out from under the session.
	tr.Close()
	require.Eventually(t, func() bool { return !s.Established() },
		time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Established() },
		2*time.Second, 10*time.Millisecond)

	// The new connection works end to end.
	outcome, err := s.SendCommand(context.Background(),
		NewCommand(CmdSetCircuitPower, map[string]float64{"circuit": 3, "enable": 1}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledged, outcome)
}

func TestSessionStateClearedAtTeardown(t *testing.T) {
	dev := newSimDevice(t)
	s, _ := newTestSession(t, dev, nil)

	require.NoError(t, s.Connect(context.Background()))
	dev.pushTelemetry(0x0B, 0x0C, 0x01, encodeTestReport(), 1)
	require.Eventually(t, func() bool { return len(s.State()) > 0 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	assert.Empty(t, s.State())
	assert.False(t, s.Established())
}
