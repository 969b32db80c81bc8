package efble

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame is the outer envelope the device exchanges over the radio link:
//
//	5A 5A | type | 01 | u16le(len(payload)+2) | payload | u16le(crc16)
//
// The declared length covers payload plus the 2-byte CRC. The CRC16/ARC is
// computed over everything preceding it. Command frames carry plaintext
// handshake payloads; Protocol frames carry an encrypted Packet. Type holds
// the third header byte exactly as it appears on the wire.
type Frame struct {
	Type    byte
	Payload []byte
}

// Frame types, as carried in the third header byte. The frame type lives in
// the high nibble: Command is 0x00<<4 and Protocol 0x01<<4. ProtocolInt is
// the pre-shifted spelling of the protocol envelope and lands on the same
// wire byte, so the two are interchangeable in comparisons.
const (
	FrameTypeCommand     = 0x00 << 4
	FrameTypeProtocol    = 0x01 << 4
	FrameTypeProtocolInt = 0x10
)

const (
	frameHeaderSize = 6
	frameCRCSize    = 2

	// MaxFramePayload bounds a single frame payload. Also the plausibility
	// limit used when deciding whether to trust a corrupt frame's declared
	// length during resynchronization.
	MaxFramePayload = 4096
)

var framePrefix = []byte{0x5A, 0x5A}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(frameType byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), MaxFramePayload)
	}

	data := make([]byte, 0, frameHeaderSize+len(payload)+frameCRCSize)
	data = append(data, framePrefix...)
	data = append(data, frameType, 0x01)
	data = binary.LittleEndian.AppendUint16(data, uint16(len(payload)+frameCRCSize))
	data = append(data, payload...)
	data = binary.LittleEndian.AppendUint16(data, checksum16(data))

	return data, nil
}

// FrameDecoder is an incremental parser over an unframed chunk stream. Feed
// accepts arbitrarily split input and yields complete frames as boundaries
// are recognized, keeping any trailing partial frame buffered for the next
// call.
type FrameDecoder struct {
	buf     []byte
	corrupt uint64
	skipped uint64
}

// NewFrameDecoder returns a decoder with empty state.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends chunk to the internal buffer and extracts every complete
// frame. Corrupt frames are skipped using the resynchronization rules below
// and reported through the returned error (wrapping ErrCorruptFrame) while
// decoding continues; the returned frames are always usable.
//
// Resynchronization: a frame failing its CRC is skipped by its declared
// length when that length is plausible (at most MaxFramePayload), bounding
// the damage to one frame. An implausible length means the header itself is
// garbage, so the decoder drops a single byte and rescans for the prefix.
func (d *FrameDecoder) Feed(chunk []byte) ([]Frame, error) {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	var errs []error

	for {
		// Scan to the next prefix candidate.
		start := 0
		for start+1 < len(d.buf) && !(d.buf[start] == framePrefix[0] && d.buf[start+1] == framePrefix[1]) {
			start++
		}
		if start > 0 {
			d.skipped += uint64(start)
			d.buf = d.buf[start:]
		}
		if len(d.buf) < frameHeaderSize {
			break
		}

		declared := int(binary.LittleEndian.Uint16(d.buf[4:6]))
		if declared < frameCRCSize || declared > MaxFramePayload+frameCRCSize {
			// Header is not trustworthy. Drop one byte and rescan.
			d.corrupt++
			d.skipped++
			d.buf = d.buf[1:]
			errs = append(errs, fmt.Errorf("%w: implausible length %d", ErrCorruptFrame, declared))
			continue
		}

		end := frameHeaderSize + declared
		if end > len(d.buf) {
			// Partial frame, wait for more input.
			break
		}

		body := d.buf[:end-frameCRCSize]
		want := binary.LittleEndian.Uint16(d.buf[end-frameCRCSize : end])
		if checksum16(body) != want {
			// Length looked plausible, trust it for the skip.
			d.corrupt++
			d.buf = d.buf[end:]
			errs = append(errs, fmt.Errorf("%w: crc mismatch", ErrCorruptFrame))
			continue
		}

		payload := make([]byte, declared-frameCRCSize)
		copy(payload, d.buf[frameHeaderSize:end-frameCRCSize])
		frames = append(frames, Frame{
			Type:    d.buf[2],
			Payload: payload,
		})
		d.buf = d.buf[end:]
	}

	// Release the buffer when fully drained.
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return frames, errors.Join(errs...)
}

// CorruptCount reports how many corrupt frames were skipped so far.
func (d *FrameDecoder) CorruptCount() uint64 {
	return d.corrupt
}

// SkippedBytes reports how many bytes were dropped during resynchronization.
func (d *FrameDecoder) SkippedBytes() uint64 {
	return d.skipped
}

// Reset discards buffered state, for reuse across sessions.
func (d *FrameDecoder) Reset() {
	d.buf = nil
}
