package efble

import (
	"fmt"
	"time"
)

// HandshakeState is the externally visible authentication phase.
type HandshakeState int

const (
	HandshakeIdle HandshakeState = iota
	HandshakeHelloSent
	HandshakeKeyExchanged
	HandshakeEstablished
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "idle"
	case HandshakeHelloSent:
		return "hello_sent"
	case HandshakeKeyExchanged:
		return "key_exchanged"
	case HandshakeEstablished:
		return "established"
	case HandshakeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Wire steps within the handshake. HelloSent spans the two plaintext
// exchanges that produce key material; KeyExchanged spans the two encrypted
// exchanges that verify the account identity.
type handshakeStep int

const (
	stepHello handshakeStep = iota
	stepKeyInfo
	stepAuthStatus
	stepIdentity
	stepDone
)

// Authentication command set and ids.
const (
	cmdSetAuth      = 0x35
	cmdIDAuthStatus = 0x89
	cmdIDIdentity   = 0x86
)

// Handshake drives the four-exchange authentication sequence:
//
//	hello (our ECDH public key)  -> device public key
//	key info request             -> encrypted seed + srand, session key fixed
//	auth status probe            -> device status
//	account identity proof       -> acceptance byte
//
// It is strictly sequential and never retries; a failure is terminal for the
// attempt and reported as *AuthError. Reconnect-and-retry belongs to the
// session, not here.
type Handshake struct {
	accountID string
	deviceSN  string
	keyTable  KeyTable
	send      func([]byte) error
	nextSeq   func() uint32
	timeout   time.Duration

	state    HandshakeState
	step     handshakeStep
	deadline time.Time
	failure  *AuthError

	keyPair *ecdhKeyPair
	keys    *SessionKeys
}

// NewHandshake builds an idle handshake. send transmits raw frame bytes;
// nextSeq allocates outgoing packet sequence numbers from the session
// counter.
func NewHandshake(accountID, deviceSN string, table KeyTable, timeout time.Duration,
	send func([]byte) error, nextSeq func() uint32) *Handshake {
	return &Handshake{
		accountID: accountID,
		deviceSN:  deviceSN,
		keyTable:  table,
		send:      send,
		nextSeq:   nextSeq,
		timeout:   timeout,
		state:     HandshakeIdle,
		step:      stepHello,
	}
}

// State returns the current phase.
func (h *Handshake) State() HandshakeState {
	return h.state
}

// Err returns the terminal failure, if any.
func (h *Handshake) Err() *AuthError {
	return h.failure
}

// Keys hands the derived session keys to the session once Established.
func (h *Handshake) Keys() *SessionKeys {
	return h.keys
}

// Deadline is the instant the current step times out.
func (h *Handshake) Deadline() time.Time {
	return h.deadline
}

// Start sends the hello frame carrying a fresh ECDH public key.
func (h *Handshake) Start() error {
	if h.state != HandshakeIdle {
		return fmt.Errorf("handshake already started (state %s)", h.state)
	}

	kp, err := generateECDHKeyPair(nil)
	if err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	h.keyPair = kp

	payload := append([]byte{0x01, 0x00}, kp.PublicBytes()...)
	frame, err := EncodeFrame(FrameTypeCommand, payload)
	if err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	if err := h.send(frame); err != nil {
		return h.fail(AuthCryptoFailure, err)
	}

	h.state = HandshakeHelloSent
	h.deadline = time.Now().Add(h.timeout)
	return nil
}

// Expire marks the current step timed out. Callers invoke it when Deadline
// passes without a response.
func (h *Handshake) Expire() error {
	return h.fail(AuthTimeout, fmt.Errorf("no response in %s state", h.state))
}

// HandleFrame advances the sequence with one received frame. It returns true
// once the handshake is Established. Any unexpected, undecodable or
// rejecting response moves the machine to Failed.
func (h *Handshake) HandleFrame(f Frame) (bool, error) {
	switch h.step {
	case stepHello:
		return false, h.handleDevicePublicKey(f)
	case stepKeyInfo:
		return false, h.handleKeyInfo(f)
	case stepAuthStatus:
		return false, h.handleAuthStatus(f)
	case stepIdentity:
		if err := h.handleIdentityResult(f); err != nil {
			return false, err
		}
		return true, nil
	default:
		return h.state == HandshakeEstablished, nil
	}
}

// handleDevicePublicKey consumes the hello response: status byte, curve id,
// device public key. Completing it yields the shared key and IV, after which
// the key info request goes out.
func (h *Handshake) handleDevicePublicKey(f Frame) error {
	if len(f.Payload) < 3 {
		return h.fail(AuthMalformedResponse, fmt.Errorf("short key exchange response (%d bytes)", len(f.Payload)))
	}
	curveID := f.Payload[2]
	keySize := ecdhPublicKeySize(curveID)
	if keySize != ecdhPublicSize {
		return h.fail(AuthMalformedResponse, fmt.Errorf("unsupported curve id %d", curveID))
	}
	if len(f.Payload) < 3+keySize {
		return h.fail(AuthMalformedResponse, fmt.Errorf("truncated device public key"))
	}

	secret, err := h.keyPair.SharedSecret(f.Payload[3 : 3+keySize])
	if err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	h.keyPair.destroy()

	keys, err := newSessionKeysFromSecret(secret)
	zero(secret)
	if err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	h.keys = keys

	frame, err := EncodeFrame(FrameTypeCommand, []byte{0x02})
	if err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	if err := h.send(frame); err != nil {
		return h.fail(AuthCryptoFailure, err)
	}

	h.step = stepKeyInfo
	h.deadline = time.Now().Add(h.timeout)
	return nil
}

// handleKeyInfo consumes the shared-key-encrypted seed material and derives
// the session key, then sends the first session-encrypted packet (the auth
// status probe).
func (h *Handshake) handleKeyInfo(f Frame) error {
	if len(f.Payload) < 1 || f.Payload[0] != 0x02 {
		return h.fail(AuthMalformedResponse, fmt.Errorf("unexpected key info marker"))
	}

	data, err := h.keys.DecryptShared(f.Payload[1:])
	if err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	if len(data) < 18 {
		return h.fail(AuthMalformedResponse, fmt.Errorf("key info too short (%d bytes)", len(data)))
	}

	// First 16 bytes are srand, the next 2 the table seed.
	var seed [2]byte
	copy(seed[:], data[16:18])
	if err := h.keys.deriveSessionKey(h.keyTable, seed, data[:16]); err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	zero(data)

	h.state = HandshakeKeyExchanged

	if err := h.sendAuthPacket(cmdIDAuthStatus, nil); err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	h.step = stepAuthStatus
	h.deadline = time.Now().Add(h.timeout)
	return nil
}

// handleAuthStatus validates the device answered the probe at all, then
// sends the account identity proof.
func (h *Handshake) handleAuthStatus(f Frame) error {
	if _, err := h.decryptPacket(f); err != nil {
		return err
	}

	if err := h.sendAuthPacket(cmdIDIdentity, identityProof(h.accountID, h.deviceSN)); err != nil {
		return h.fail(AuthCryptoFailure, err)
	}
	h.step = stepIdentity
	h.deadline = time.Now().Add(h.timeout)
	return nil
}

// handleIdentityResult checks the acceptance byte. Anything but 0x00 is an
// explicit rejection of the account identifier.
func (h *Handshake) handleIdentityResult(f Frame) error {
	pkt, err := h.decryptPacket(f)
	if err != nil {
		return err
	}
	if len(pkt.Payload) != 1 || pkt.Payload[0] != 0x00 {
		return h.fail(AuthRejected, fmt.Errorf("device refused identity (response %x)", pkt.Payload))
	}

	h.state = HandshakeEstablished
	h.step = stepDone
	return nil
}

func (h *Handshake) sendAuthPacket(cmdID byte, payload []byte) error {
	pkt := NewPacket(AddrApp, AddrDevice, cmdSetAuth, cmdID, payload, h.nextSeq())
	raw, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}
	enc, err := h.keys.EncryptSession(raw)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(FrameTypeProtocol, enc)
	if err != nil {
		return err
	}
	return h.send(frame)
}

func (h *Handshake) decryptPacket(f Frame) (*Packet, error) {
	plain, err := h.keys.DecryptSession(f.Payload)
	if err != nil {
		return nil, h.fail(AuthCryptoFailure, err)
	}
	pkt, err := UnmarshalPacket(plain)
	if err != nil {
		return nil, h.fail(AuthMalformedResponse, err)
	}
	return pkt, nil
}

func (h *Handshake) fail(reason AuthErrorReason, err error) error {
	h.state = HandshakeFailed
	h.step = stepDone
	h.failure = &AuthError{Reason: reason, Err: err}
	if h.keyPair != nil {
		h.keyPair.destroy()
	}
	if h.keys != nil {
		h.keys.Destroy()
	}
	return h.failure
}
