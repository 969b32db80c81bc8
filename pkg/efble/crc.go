package efble

import (
	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

// The wire protocol uses CRC16/ARC over frames and whole packets, and
// CRC8 (poly 0x07, init 0x00) over the 4-byte packet header.
var (
	crc16Table = crc16.MakeTable(crc16.CRC16_ARC)
	crc8Table  = crc8.MakeTable(crc8.CRC8)
)

func checksum16(data []byte) uint16 {
	return crc16.Checksum(data, crc16Table)
}

func checksum8(data []byte) uint8 {
	return crc8.Checksum(data, crc8Table)
}
