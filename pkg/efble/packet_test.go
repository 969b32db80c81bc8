package efble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	in := NewPacket(AddrApp, AddrDevice, 0x0C, 0x21, []byte{0x2A, 0x01}, 7)

	raw, err := in.MarshalBinary()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), packetMinSize)

	out, err := UnmarshalPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(packetVersion), out.Version)
	assert.Equal(t, uint32(7), out.Seq)
	assert.Equal(t, byte(AddrApp), out.Src)
	assert.Equal(t, byte(AddrDevice), out.Dst)
	assert.Equal(t, byte(0x0C), out.CmdSet)
	assert.Equal(t, byte(0x21), out.CmdID)
	assert.Equal(t, []byte{0x2A, 0x01}, out.Payload)
}

func TestPacketRoundTripEmptyPayload(t *testing.T) {
	raw, err := NewPacket(AddrApp, AddrDevice, 0x35, 0x89, nil, 1).MarshalBinary()
	require.NoError(t, err)

	out, err := UnmarshalPacket(raw)
	require.NoError(t, err)
	assert.Empty(t, out.Payload)
}

func TestPacketVersion19TrailerStripped(t *testing.T) {
	p := NewPacket(AddrDevice, AddrApp, 0x0C, 0x01, []byte{0x10, 0x20, 0xBB, 0xBB}, 3)
	p.Version = 19

	raw, err := p.MarshalBinary()
	require.NoError(t, err)

	out, err := UnmarshalPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(19), out.Version)
	assert.Equal(t, []byte{0x10, 0x20}, out.Payload)
}

func TestUnmarshalPacketTooSmall(t *testing.T) {
	_, err := UnmarshalPacket(make([]byte, packetMinSize-1))
	assert.ErrorIs(t, err, ErrCorruptFrame)
}

func TestUnmarshalPacketBadPrefix(t *testing.T) {
	raw, err := NewPacket(AddrApp, AddrDevice, 0x0C, 0x01, []byte{0x01}, 1).MarshalBinary()
	require.NoError(t, err)
	raw[0] = 0xAB

	_, err = UnmarshalPacket(raw)
	assert.ErrorIs(t, err, ErrCorruptFrame)
}

func TestUnmarshalPacketHeaderCRCMismatch(t *testing.T) {
	raw, err := NewPacket(AddrApp, AddrDevice, 0x0C, 0x01, []byte{0x01}, 1).MarshalBinary()
	require.NoError(t, err)
	raw[4] ^= 0xFF

	_, err = UnmarshalPacket(raw)
	assert.ErrorIs(t, err, ErrCorruptFrame)
}

func TestUnmarshalPacketBodyCRCMismatch(t *testing.T) {
	raw, err := NewPacket(AddrApp, AddrDevice, 0x0C, 0x01, []byte{0x01, 0x02, 0x03}, 1).MarshalBinary()
	require.NoError(t, err)
	raw[18] ^= 0xFF

	_, err = UnmarshalPacket(raw)
	assert.ErrorIs(t, err, ErrCorruptFrame)
}
