package efble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumVectors(t *testing.T) {
	data := []byte("123456789")
	assert.Equal(t, uint16(0xBB3D), checksum16(data))
	assert.Equal(t, uint8(0xF4), checksum8(data))
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x00, 0xDE, 0xAD, 0xBE, 0xEF}
	raw, err := EncodeFrame(FrameTypeCommand, payload)
	require.NoError(t, err)

	d := NewFrameDecoder()
	frames, err := d.Feed(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, byte(FrameTypeCommand), frames[0].Type)
	assert.Equal(t, payload, frames[0].Payload)
	assert.Zero(t, d.CorruptCount())
}

func TestFrameTypeBits(t *testing.T) {
	for _, ft := range []byte{FrameTypeCommand, FrameTypeProtocol, FrameTypeProtocolInt} {
		raw, err := EncodeFrame(ft, []byte{0x42})
		require.NoError(t, err)
		assert.Equal(t, ft, raw[2])

		frames, err := NewFrameDecoder().Feed(raw)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.Equal(t, ft, frames[0].Type)
	}

	// Command and Protocol occupy the high nibble; ProtocolInt is the
	// pre-shifted spelling of Protocol and must share its wire byte.
	assert.Equal(t, byte(0x00), byte(FrameTypeCommand))
	assert.Equal(t, byte(0x10), byte(FrameTypeProtocol))
	assert.Equal(t, byte(FrameTypeProtocol), byte(FrameTypeProtocolInt))
}

func TestEncodeFrameEmptyPayload(t *testing.T) {
	raw, err := EncodeFrame(FrameTypeProtocol, nil)
	require.NoError(t, err)

	frames, err := NewFrameDecoder().Feed(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Payload)
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(FrameTypeProtocol, make([]byte, MaxFramePayload+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameDecoderMultipleFramesOneChunk(t *testing.T) {
	var chunk []byte
	for i := 0; i < 3; i++ {
		raw, err := EncodeFrame(FrameTypeProtocol, []byte{byte(i), byte(i + 1)})
		require.NoError(t, err)
		chunk = append(chunk, raw...)
	}

	frames, err := NewFrameDecoder().Feed(chunk)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, []byte{byte(i), byte(i + 1)}, f.Payload)
	}
}

func TestFrameDecoderChunkedInput(t *testing.T) {
	payload := []byte("telemetry body")
	raw, err := EncodeFrame(FrameTypeProtocol, payload)
	require.NoError(t, err)

	d := NewFrameDecoder()
	var frames []Frame
	for _, b := range raw {
		got, err := d.Feed([]byte{b})
		require.NoError(t, err)
		frames = append(frames, got...)
	}
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0].Payload)
}

func TestFrameDecoderCRCMismatchResync(t *testing.T) {
	bad, err := EncodeFrame(FrameTypeProtocol, []byte{0x11, 0x22, 0x33})
	require.NoError(t, err)
	bad[7] ^= 0xFF // flip a payload byte, CRC now fails

	good, err := EncodeFrame(FrameTypeProtocol, []byte{0x44})
	require.NoError(t, err)

	d := NewFrameDecoder()
	frames, err := d.Feed(append(bad, good...))
	assert.ErrorIs(t, err, ErrCorruptFrame)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x44}, frames[0].Payload)
	assert.Equal(t, uint64(1), d.CorruptCount())
}

func TestFrameDecoderImplausibleLength(t *testing.T) {
	good, err := EncodeFrame(FrameTypeProtocol, []byte{0x55, 0x66})
	require.NoError(t, err)

	// A prefix followed by an absurd declared length must cost only a
	// one-byte skip, not a giant swallowed region.
	garbage := []byte{0x5A, 0x5A, 0x10, 0x01, 0xFF, 0xFF}

	d := NewFrameDecoder()
	frames, err := d.Feed(append(garbage, good...))
	assert.ErrorIs(t, err, ErrCorruptFrame)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x55, 0x66}, frames[0].Payload)
}

func TestFrameDecoderLeadingGarbage(t *testing.T) {
	raw, err := EncodeFrame(FrameTypeCommand, []byte{0x01})
	require.NoError(t, err)

	d := NewFrameDecoder()
	frames, err := d.Feed(append([]byte{0x00, 0x13, 0x37}, raw...))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(3), d.SkippedBytes())
}

func TestFrameDecoderBitFlipAlwaysDetected(t *testing.T) {
	for size := 1; size <= 32; size++ {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 31)
		}
		raw, err := EncodeFrame(FrameTypeProtocol, payload)
		require.NoError(t, err)

		// Flip one payload bit.
		raw[frameHeaderSize] ^= 0x01
		frames, err := NewFrameDecoder().Feed(raw)
		assert.ErrorIs(t, err, ErrCorruptFrame, "payload size %d", size)
		assert.Empty(t, frames, "payload size %d", size)
	}
}

func TestFrameDecoderReset(t *testing.T) {
	raw, err := EncodeFrame(FrameTypeProtocol, []byte{0x01, 0x02})
	require.NoError(t, err)

	d := NewFrameDecoder()
	_, err = d.Feed(raw[:4])
	require.NoError(t, err)
	d.Reset()

	// The buffered partial frame is gone; the tail alone is garbage.
	frames, err := d.Feed(raw[4:])
	require.NoError(t, err)
	assert.Empty(t, frames)
}
