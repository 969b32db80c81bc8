package efble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultCommandTimeout   = 5 * time.Second
	defaultReconnectDelay   = 3 * time.Second

	deltaChanSize = 16
	eventChanSize = 8
)

// SessionEventType classifies session lifecycle events.
type SessionEventType string

const (
	EventConnected    SessionEventType = "CONNECTED"
	EventDisconnected SessionEventType = "DISCONNECTED"
	EventAuthFailed   SessionEventType = "AUTH_FAILED"
)

// SessionEvent is one lifecycle notification.
type SessionEvent struct {
	Type SessionEventType
	Err  error
	At   time.Time
}

// SessionConfig carries everything a session needs to talk to one device.
type SessionConfig struct {
	DeviceSN  string
	AccountID string
	KeyTable  KeyTable
	Registry  *Registry

	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration

	Reconnect      bool
	ReconnectDelay time.Duration

	Logger zerolog.Logger
}

func (c *SessionConfig) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
}

type pendingCommand struct {
	id   string
	done chan CommandOutcome
}

// Session owns one device connection: it drives the handshake, decrypts and
// routes inbound traffic, matches command acknowledgements, and maintains
// the merged device state. All methods are safe for concurrent use.
type Session struct {
	cfg       SessionConfig
	transport Transport
	log       zerolog.Logger

	seq     atomic.Uint32
	decoder *FrameDecoder
	state   *DeviceState
	events  chan SessionEvent

	mu          sync.Mutex
	keys        *SessionKeys
	established bool
	pending     map[uint32]*pendingCommand
	subs        map[int]chan StateDelta
	nextSubID   int
	lastRxSeq   uint32
	haveRxSeq   bool

	rxAnomalies     atomic.Uint64
	schemaRejects   atomic.Uint64
	unknownPayloads atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wires a session to a transport. Connect must be called before
// any commands or telemetry flow.
func NewSession(cfg SessionConfig, transport Transport) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		transport: transport,
		log:       cfg.Logger.With().Str("device_sn", cfg.DeviceSN).Logger(),
		decoder:   NewFrameDecoder(),
		state:     NewDeviceState(),
		events:    make(chan SessionEvent, eventChanSize),
		pending:   make(map[uint32]*pendingCommand),
		subs:      make(map[int]chan StateDelta),
		closed:    make(chan struct{}),
	}
}

// Connect opens the transport, runs the authentication handshake and starts
// the read loop. It blocks until the session is Established or the
// handshake fails.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	if err := s.authenticate(ctx); err != nil {
		s.transport.Close()
		return err
	}
	go s.readLoop()
	return nil
}

// authenticate runs one handshake attempt over the open transport.
func (s *Session) authenticate(ctx context.Context) error {
	s.decoder.Reset()

	send := func(data []byte) error {
		return s.transport.Write(ctx, data)
	}
	hs := NewHandshake(s.cfg.AccountID, s.cfg.DeviceSN, s.cfg.KeyTable,
		s.cfg.HandshakeTimeout, send, s.nextSeq)

	if err := hs.Start(); err != nil {
		s.emit(EventAuthFailed, err)
		return err
	}
	s.log.Debug().Msg("handshake started")

	timer := time.NewTimer(time.Until(hs.Deadline()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.emit(EventAuthFailed, ctx.Err())
			return ctx.Err()

		case <-timer.C:
			err := hs.Expire()
			s.emit(EventAuthFailed, err)
			return err

		case data, ok := <-s.transport.Notifications():
			if !ok {
				err := &AuthError{Reason: AuthMalformedResponse,
					Err: errors.New("transport closed during handshake")}
				s.emit(EventAuthFailed, err)
				return err
			}
			frames, decErr := s.decoder.Feed(data)
			if decErr != nil {
				s.log.Warn().Err(decErr).Msg("corrupt frame during handshake")
			}
			for i, f := range frames {
				done, err := hs.HandleFrame(f)
				if err != nil {
					s.emit(EventAuthFailed, err)
					return err
				}
				if done {
					s.mu.Lock()
					s.keys = hs.Keys()
					s.established = true
					s.haveRxSeq = false
					s.mu.Unlock()
					s.log.Info().Msg("session established")
					s.emit(EventConnected, nil)
					// The chunk that completed the handshake may carry the
					// first post-auth frames right behind it. Dispatch them
					// now rather than dropping the decoded tail.
					for _, rest := range frames[i+1:] {
						s.handleFrame(rest)
					}
					return nil
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(hs.Deadline()))
		}
	}
}

// readLoop drains transport notifications until the link drops, then tears
// the session down and, when configured, schedules a reconnect.
func (s *Session) readLoop() {
	for data := range s.transport.Notifications() {
		s.handleData(data)
	}

	s.teardown()
	s.emit(EventDisconnected, nil)

	if s.cfg.Reconnect && !s.isClosed() {
		go s.reconnectLoop()
	}
}

// reconnectLoop retries the full connect sequence, fresh handshake
// included, until it succeeds or the session is closed. A rejection from
// the device is terminal: retrying with the same identity cannot succeed.
func (s *Session) reconnectLoop() {
	for !s.isClosed() {
		select {
		case <-s.closed:
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.HandshakeTimeout)
		err := s.Connect(ctx)
		cancel()
		if err == nil {
			s.log.Info().Msg("reconnected")
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Reason == AuthRejected {
			s.log.Error().Err(err).Msg("device rejected identity, giving up")
			return
		}
		s.log.Warn().Err(err).Msg("reconnect attempt failed")
	}
}

func (s *Session) handleData(data []byte) {
	frames, err := s.decoder.Feed(data)
	if err != nil {
		s.log.Warn().Err(err).
			Uint64("corrupt_total", s.decoder.CorruptCount()).
			Msg("dropped corrupt frame")
	}
	for _, f := range frames {
		s.handleFrame(f)
	}
}

func (s *Session) handleFrame(f Frame) {
	// FrameTypeProtocolInt shares the Protocol wire byte, so one comparison
	// covers both spellings.
	if f.Type != FrameTypeProtocol {
		s.unknownPayloads.Add(1)
		s.log.Debug().Uint8("frame_type", f.Type).Msg("ignoring non-protocol frame")
		return
	}

	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys == nil {
		s.unknownPayloads.Add(1)
		return
	}

	plaintext, err := keys.DecryptSession(f.Payload)
	if err != nil {
		s.unknownPayloads.Add(1)
		s.log.Warn().Err(err).Msg("cannot decrypt inbound frame")
		return
	}
	pkt, err := UnmarshalPacket(plaintext)
	if err != nil {
		s.unknownPayloads.Add(1)
		s.log.Warn().Err(err).Msg("cannot parse inbound packet")
		return
	}

	s.trackRxSeq(pkt.Seq)

	if s.resolveAck(pkt) {
		return
	}
	s.dispatchTelemetry(pkt)
}

// trackRxSeq counts out-of-order inbound sequence numbers. Anomalous
// packets are still delivered; the counter only feeds diagnostics.
func (s *Session) trackRxSeq(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveRxSeq && seq <= s.lastRxSeq {
		s.rxAnomalies.Add(1)
		s.log.Debug().
			Uint32("seq", seq).
			Uint32("last_seq", s.lastRxSeq).
			Msg("out-of-order packet")
	}
	if !s.haveRxSeq || seq > s.lastRxSeq {
		s.lastRxSeq = seq
		s.haveRxSeq = true
	}
}

// resolveAck completes a pending command when the packet echoes its
// sequence number. An empty or zero status payload is an acknowledgement.
func (s *Session) resolveAck(pkt *Packet) bool {
	s.mu.Lock()
	pc, ok := s.pending[pkt.Seq]
	if ok {
		delete(s.pending, pkt.Seq)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	outcome := OutcomeAcknowledged
	if len(pkt.Payload) > 0 && pkt.Payload[0] != 0x00 {
		outcome = OutcomeRejected
	}
	s.log.Debug().
		Str("command_id", pc.id).
		Str("outcome", string(outcome)).
		Msg("command resolved")
	pc.done <- outcome
	return true
}

func (s *Session) dispatchTelemetry(pkt *Packet) {
	rec, err := s.cfg.Registry.Decode(pkt)
	if err != nil {
		s.schemaRejects.Add(1)
		s.log.Warn().Err(err).
			Uint8("cmd_set", pkt.CmdSet).
			Uint8("cmd_id", pkt.CmdID).
			Msg("telemetry rejected")
		return
	}
	if rec == nil {
		s.unknownPayloads.Add(1)
		s.log.Debug().
			Uint8("src", pkt.Src).
			Uint8("cmd_set", pkt.CmdSet).
			Uint8("cmd_id", pkt.CmdID).
			Msg("no schema for packet")
		return
	}

	delta := s.state.Apply(rec)
	if len(delta.Changed) == 0 {
		return
	}

	s.mu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- delta:
		default:
			// Slow consumer: drop rather than stall the read loop.
		}
	}
	s.mu.Unlock()
}

// SendCommand validates, encrypts and transmits a command, then waits for
// the device acknowledgement. It fails fast with ErrNotAuthenticated when
// the session is not Established; nothing touches the wire in that case.
func (s *Session) SendCommand(ctx context.Context, cmd Command) (CommandOutcome, error) {
	s.mu.Lock()
	if !s.established {
		s.mu.Unlock()
		return OutcomeCancelled, ErrNotAuthenticated
	}
	keys := s.keys
	s.mu.Unlock()

	seq := s.nextSeq()
	pkt, err := buildCommandPacket(s.cfg.Registry, cmd, seq)
	if err != nil {
		return OutcomeCancelled, err
	}
	plaintext, err := pkt.MarshalBinary()
	if err != nil {
		return OutcomeCancelled, err
	}
	ciphertext, err := keys.EncryptSession(plaintext)
	if err != nil {
		return OutcomeCancelled, fmt.Errorf("encrypt command: %w", err)
	}
	frame, err := EncodeFrame(FrameTypeProtocol, ciphertext)
	if err != nil {
		return OutcomeCancelled, err
	}

	pc := &pendingCommand{id: cmd.ID.String(), done: make(chan CommandOutcome, 1)}
	s.mu.Lock()
	s.pending[seq] = pc
	s.mu.Unlock()

	if err := s.transport.Write(ctx, frame); err != nil {
		s.dropPending(seq)
		return OutcomeCancelled, fmt.Errorf("write command: %w", err)
	}
	s.log.Debug().
		Str("command_id", pc.id).
		Str("kind", string(cmd.Kind)).
		Uint32("seq", seq).
		Msg("command sent")

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case outcome := <-pc.done:
		return outcome, nil
	case <-timer.C:
		// A later ack for this seq must not flip the outcome, so the
		// pending entry goes now.
		s.dropPending(seq)
		return OutcomeTimedOut, nil
	case <-ctx.Done():
		s.dropPending(seq)
		return OutcomeCancelled, ctx.Err()
	}
}

func (s *Session) dropPending(seq uint32) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

// Subscribe registers a telemetry delta channel. The returned func
// unsubscribes and closes the channel. Deltas are dropped, not queued,
// when the subscriber falls behind.
func (s *Session) Subscribe() (<-chan StateDelta, func()) {
	ch := make(chan StateDelta, deltaChanSize)
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// State returns a snapshot of the merged device state.
func (s *Session) State() map[string]FieldValue {
	return s.state.Snapshot()
}

// LastSeen reports when telemetry last arrived.
func (s *Session) LastSeen() time.Time {
	return s.state.LastSeen()
}

// Events exposes lifecycle notifications. The channel is buffered and
// never blocks the session; missed events are dropped.
func (s *Session) Events() <-chan SessionEvent {
	return s.events
}

// Established reports whether the session key is live.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// RxAnomalies returns the out-of-order packet count for this connection.
func (s *Session) RxAnomalies() uint64 {
	return s.rxAnomalies.Load()
}

// Close tears the session down permanently. Pending commands resolve as
// CANCELLED and no reconnect is attempted afterwards.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.transport.Close()
		s.teardown()
	})
	return err
}

// teardown wipes key material, clears accumulated state and fails every
// in-flight command.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.keys != nil {
		s.keys.Destroy()
		s.keys = nil
	}
	s.established = false
	s.haveRxSeq = false
	pending := s.pending
	s.pending = make(map[uint32]*pendingCommand)
	s.mu.Unlock()

	for _, pc := range pending {
		pc.done <- OutcomeCancelled
	}
	s.state.Reset()
	s.decoder.Reset()
}

func (s *Session) nextSeq() uint32 {
	return s.seq.Add(1)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) emit(t SessionEventType, err error) {
	select {
	case s.events <- SessionEvent{Type: t, Err: err, At: time.Now()}:
	default:
	}
}
