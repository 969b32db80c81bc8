package devices

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoflow-bridge/ecoflow-ble-bridge/pkg/efble"
)

func packFloatField(buf []byte, num int, v float32) []byte {
	buf = binary.AppendUvarint(buf, uint64(num)<<3|5)
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
}

func TestDetect(t *testing.T) {
	m, ok := Detect("HD31ZAB1PG7E0053")
	require.True(t, ok)
	assert.Equal(t, "Smart Home Panel 2", m.Name)

	m, ok = Detect("Y711AAAA00000001")
	require.True(t, ok)
	assert.Equal(t, "Delta Pro Ultra", m.Name)

	_, ok = Detect("R331XXXX00000001")
	assert.False(t, ok)
}

func TestParseAdvertisement(t *testing.T) {
	sn := "HD31ZAB1PG7E0053"
	md := map[uint16][]byte{
		manufacturerKey: append([]byte{0x01}, []byte(sn)...),
	}
	got, ok := ParseAdvertisement(md)
	require.True(t, ok)
	assert.Equal(t, sn, got)
}

func TestParseAdvertisementWrongKey(t *testing.T) {
	md := map[uint16][]byte{
		0x1234: append([]byte{0x01}, []byte("HD31ZAB1PG7E0053")...),
	}
	_, ok := ParseAdvertisement(md)
	assert.False(t, ok)
}

func TestParseAdvertisementTruncated(t *testing.T) {
	md := map[uint16][]byte{
		manufacturerKey: {0x01, 'H', 'D'},
	}
	_, ok := ParseAdvertisement(md)
	assert.False(t, ok)
}

func TestParseAdvertisementUnknownModel(t *testing.T) {
	md := map[uint16][]byte{
		manufacturerKey: append([]byte{0x01}, []byte("ZZZZXXXX00000001")...),
	}
	_, ok := ParseAdvertisement(md)
	assert.False(t, ok)
}

func TestSHP2RegistrySchemas(t *testing.T) {
	m, ok := Detect("HD31ZAB1PG7E0053")
	require.True(t, ok)
	reg := m.Registry()

	_, ok = reg.Schema(efble.Discriminant{Src: shp2ReportSrc, CmdSet: shp2CmdSet, CmdID: shp2LoadReportID})
	assert.True(t, ok)
	_, ok = reg.Schema(efble.Discriminant{Src: shp2ReportSrc, CmdSet: shp2CmdSet, CmdID: shp2BackupReportID})
	assert.True(t, ok)

	for _, kind := range []efble.CommandKind{
		efble.CmdSetCircuitPower, efble.CmdSetBackupChannel, efble.CmdSetBackupReserve,
	} {
		_, ok := reg.CommandSpecFor(kind)
		assert.True(t, ok, "missing command %s", kind)
	}
}

func TestSHP2CircuitRange(t *testing.T) {
	reg := shp2Registry()
	spec, ok := reg.CommandSpecFor(efble.CmdSetCircuitPower)
	require.True(t, ok)

	assert.NoError(t, spec.Validate(map[string]float64{"circuit": 11, "enable": 1}))
	assert.ErrorIs(t, spec.Validate(map[string]float64{"circuit": 12, "enable": 1}), efble.ErrInvalidCommand)
}

func TestSHP2LoadReportDecode(t *testing.T) {
	reg := shp2Registry()

	var load []byte
	for i := 0; i < shp2Circuits; i++ {
		load = packFloatField(load, 1, float32(i*10))
	}
	var body []byte
	body = efble.AppendBytesField(body, 2, load)

	pkt := efble.NewPacket(shp2ReportSrc, efble.AddrApp, shp2CmdSet, shp2LoadReportID, body, 1)

	rec, err := reg.Decode(pkt)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, rec.Fields["load_info.hall1_watt"].Nums, shp2Circuits)
	assert.Equal(t, "W", rec.Fields["load_info.hall1_watt"].Unit)
}

func TestDPURegistry(t *testing.T) {
	reg := dpuRegistry()

	_, ok := reg.Schema(efble.Discriminant{Src: dpuReportSrc, CmdSet: dpuCmdSet, CmdID: dpuReportID})
	assert.True(t, ok)

	spec, ok := reg.CommandSpecFor(efble.CmdSetBackupReserve)
	require.True(t, ok)
	assert.NoError(t, spec.Validate(map[string]float64{"percent": 100}))
	assert.ErrorIs(t, spec.Validate(map[string]float64{"percent": 101}), efble.ErrInvalidCommand)
	assert.NotEmpty(t, spec.Encode(map[string]float64{"percent": 30}))
}
