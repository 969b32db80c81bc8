package efble

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrFrameTooLarge is returned by Encode when a payload exceeds MaxFramePayload.
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrCorruptFrame is reported when a frame fails its checksum. The decoder
	// resynchronizes and keeps going; the error exists so callers can count it.
	ErrCorruptFrame = errors.New("corrupt frame")

	// ErrAuthFailure is returned when a payload cannot be decrypted with the
	// session keys. The frame must be discarded, never retried with other keys.
	ErrAuthFailure = errors.New("payload authentication failure")

	// ErrNotAuthenticated is returned for commands submitted before the
	// handshake reaches Established.
	ErrNotAuthenticated = errors.New("session not authenticated")

	// ErrSchemaViolation is returned when a telemetry payload is missing a
	// mandatory field. The record is dropped; the session continues.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrInvalidCommand is returned for out-of-range or unknown command
	// parameters, before anything touches the wire.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrKeyTableTooSmall is returned when the supplied vendor key table is
	// shorter than the derivation positions can address.
	ErrKeyTableTooSmall = errors.New("key table too small")
)

// AuthErrorReason classifies handshake failures.
type AuthErrorReason string

const (
	AuthTimeout           AuthErrorReason = "TIMEOUT"
	AuthRejected          AuthErrorReason = "REJECTED"
	AuthMalformedResponse AuthErrorReason = "MALFORMED_RESPONSE"
	AuthCryptoFailure     AuthErrorReason = "CRYPTO_FAILURE"
)

// AuthError is the terminal error of a failed handshake attempt. It is fatal
// to the session but not to the process; retry policy belongs to the caller.
type AuthError struct {
	Reason AuthErrorReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// CommandOutcome is the single terminal result of a submitted command.
type CommandOutcome string

const (
	OutcomeAcknowledged CommandOutcome = "ACKNOWLEDGED"
	OutcomeRejected     CommandOutcome = "REJECTED"
	OutcomeTimedOut     CommandOutcome = "TIMED_OUT"
	OutcomeCancelled    CommandOutcome = "CANCELLED"
)
