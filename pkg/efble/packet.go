package efble

import (
	"encoding/binary"
	"fmt"
)

// Packet is the inner addressed unit carried encrypted inside Protocol
// frames:
//
//	AA | version | u16le(payloadLen) | crc8(hdr) | product | u32le(seq) |
//	00 00 | src | dst | dsrc | ddst | cmdSet | cmdId | payload | u16le(crc16)
//
// The CRC8 covers the first four header bytes, the CRC16 the whole packet.
// Telemetry discriminates on (Src, CmdSet, CmdID).
type Packet struct {
	Version   byte
	Seq       uint32
	ProductID int
	Src       byte
	Dst       byte
	DSrc      byte
	DDst      byte
	CmdSet    byte
	CmdID     byte
	Payload   []byte
}

const (
	packetPrefix  = 0xAA
	packetMinSize = 20
	packetVersion = 3
)

// Well-known endpoint addresses.
const (
	AddrApp    = 0x21
	AddrDevice = 0x35
)

// NewPacket returns a version-3 packet with the defaults every outgoing
// request uses.
func NewPacket(src, dst, cmdSet, cmdID byte, payload []byte, seq uint32) *Packet {
	return &Packet{
		Version: packetVersion,
		Seq:     seq,
		Src:     src,
		Dst:     dst,
		DSrc:    0x01,
		DDst:    0x01,
		CmdSet:  cmdSet,
		CmdID:   cmdID,
		Payload: payload,
	}
}

// MarshalBinary serializes the packet.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: packet payload %d bytes", ErrFrameTooLarge, len(p.Payload))
	}

	data := make([]byte, 0, packetMinSize+len(p.Payload))
	data = append(data, packetPrefix, p.Version)
	data = binary.LittleEndian.AppendUint16(data, uint16(len(p.Payload)))
	data = append(data, checksum8(data))
	data = append(data, p.productByte())
	data = binary.LittleEndian.AppendUint32(data, p.Seq)
	data = append(data, 0x00, 0x00)
	data = append(data, p.Src, p.Dst, p.DSrc, p.DDst, p.CmdSet, p.CmdID)
	data = append(data, p.Payload...)
	data = binary.LittleEndian.AppendUint16(data, checksum16(data))

	return data, nil
}

// UnmarshalPacket parses a decrypted frame payload into a packet.
func UnmarshalPacket(data []byte) (*Packet, error) {
	if len(data) < packetMinSize {
		return nil, fmt.Errorf("%w: packet too small (%d bytes)", ErrCorruptFrame, len(data))
	}
	if data[0] != packetPrefix {
		return nil, fmt.Errorf("%w: bad packet prefix 0x%02x", ErrCorruptFrame, data[0])
	}

	version := data[1]
	payloadLen := int(binary.LittleEndian.Uint16(data[2:4]))

	if version == packetVersion {
		want := binary.LittleEndian.Uint16(data[len(data)-2:])
		if checksum16(data[:len(data)-2]) != want {
			return nil, fmt.Errorf("%w: packet crc mismatch", ErrCorruptFrame)
		}
	}
	if checksum8(data[:4]) != data[4] {
		return nil, fmt.Errorf("%w: packet header crc mismatch", ErrCorruptFrame)
	}
	if 18+payloadLen > len(data) {
		return nil, fmt.Errorf("%w: truncated packet payload", ErrCorruptFrame)
	}

	p := &Packet{
		Version: version,
		Seq:     binary.LittleEndian.Uint32(data[6:10]),
		Src:     data[12],
		Dst:     data[13],
		DSrc:    data[14],
		DDst:    data[15],
		CmdSet:  data[16],
		CmdID:   data[17],
	}

	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, data[18:18+payloadLen])
	}

	// Protocol revision 19 terminates the payload with a BB BB marker.
	if version == 19 && len(p.Payload) >= 2 &&
		p.Payload[len(p.Payload)-2] == 0xBB && p.Payload[len(p.Payload)-1] == 0xBB {
		p.Payload = p.Payload[:len(p.Payload)-2]
	}

	return p, nil
}

func (p *Packet) productByte() byte {
	if p.ProductID >= 0 {
		return 0x0D
	}
	return 0x0C
}
