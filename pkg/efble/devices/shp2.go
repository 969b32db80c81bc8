package devices

import "github.com/ecoflow-bridge/ecoflow-ble-bridge/pkg/efble"

// Smart Home Panel 2: 12 relay-controlled circuits plus 3 backup channels.
// Field numbers come from observed traffic captures; the device streams two
// report messages, a fast load/wattage report and a slower backup status
// report.

const (
	shp2Circuits       = 12
	shp2BackupChannels = 3

	shp2ReportSrc = 0x0B
	shp2CmdSet    = 0x0C

	shp2LoadReportID   = 0x01
	shp2BackupReportID = 0x20

	shp2CtrlCmdSet         = 0x0C
	shp2SetCircuitPowerID  = 0x21
	shp2SetBackupChannelID = 0x22
	shp2SetBackupReserveID = 0x23
)

func shp2Registry() *efble.Registry {
	r := efble.NewRegistry()

	r.RegisterSchema(
		efble.Discriminant{Src: shp2ReportSrc, CmdSet: shp2CmdSet, CmdID: shp2LoadReportID},
		&efble.MessageSchema{
			Name: "shp2_load_report",
			Fields: []efble.FieldSpec{
				{Num: 2, Name: "load_info", Kind: efble.KindMessage, Mandatory: true, Fields: []efble.FieldSpec{
					{Num: 1, Name: "hall1_watt", Kind: efble.KindFloat, Repeated: true, Mandatory: true, Unit: "W"},
					{Num: 2, Name: "hall1_curr", Kind: efble.KindFloat, Repeated: true, Unit: "A"},
				}},
				{Num: 4, Name: "watt_info", Kind: efble.KindMessage, Fields: []efble.FieldSpec{
					{Num: 1, Name: "grid_watt", Kind: efble.KindFloat, Unit: "W"},
					{Num: 2, Name: "ch_watt", Kind: efble.KindFloat, Repeated: true, Unit: "W"},
					{Num: 6, Name: "all_hall_watt", Kind: efble.KindFloat, Unit: "W"},
				}},
			},
		})

	r.RegisterSchema(
		efble.Discriminant{Src: shp2ReportSrc, CmdSet: shp2CmdSet, CmdID: shp2BackupReportID},
		&efble.MessageSchema{
			Name: "shp2_backup_report",
			Fields: []efble.FieldSpec{
				{Num: 3, Name: "backup_incre_info", Kind: efble.KindMessage, Mandatory: true, Fields: []efble.FieldSpec{
					{Num: 1, Name: "errcode", Kind: efble.KindMessage, Fields: []efble.FieldSpec{
						{Num: 1, Name: "err_code", Kind: efble.KindBytes, Repeated: true},
					}},
					{Num: 2, Name: "backup_bat_per", Kind: efble.KindVarint, Mandatory: true, Unit: "%"},
				}},
			},
		})

	r.RegisterCommand(&efble.CommandSpec{
		Kind:   efble.CmdSetCircuitPower,
		CmdSet: shp2CtrlCmdSet,
		CmdID:  shp2SetCircuitPowerID,
		Dst:    efble.AddrDevice,
		Params: []efble.ParamSpec{
			{Name: "circuit", Min: 0, Max: shp2Circuits - 1, Integer: true, Required: true},
			{Name: "enable", Min: 0, Max: 1, Integer: true, Required: true},
		},
		Encode: func(p map[string]float64) []byte {
			var body []byte
			body = efble.AppendVarintField(body, 1, uint64(p["circuit"]))
			body = efble.AppendVarintField(body, 2, uint64(p["enable"]))
			return efble.AppendBytesField(nil, 5, body)
		},
	})

	r.RegisterCommand(&efble.CommandSpec{
		Kind:   efble.CmdSetBackupChannel,
		CmdSet: shp2CtrlCmdSet,
		CmdID:  shp2SetBackupChannelID,
		Dst:    efble.AddrDevice,
		Params: []efble.ParamSpec{
			{Name: "channel", Min: 0, Max: shp2BackupChannels - 1, Integer: true, Required: true},
			{Name: "enable", Min: 0, Max: 1, Integer: true, Required: true},
		},
		Encode: func(p map[string]float64) []byte {
			var body []byte
			body = efble.AppendVarintField(body, 1, uint64(p["channel"]))
			body = efble.AppendVarintField(body, 2, uint64(p["enable"]))
			return efble.AppendBytesField(nil, 6, body)
		},
	})

	r.RegisterCommand(&efble.CommandSpec{
		Kind:   efble.CmdSetBackupReserve,
		CmdSet: shp2CtrlCmdSet,
		CmdID:  shp2SetBackupReserveID,
		Dst:    efble.AddrDevice,
		Params: []efble.ParamSpec{
			{Name: "percent", Min: 0, Max: 100, Integer: true, Required: true},
		},
		Encode: func(p map[string]float64) []byte {
			return efble.AppendVarintField(nil, 7, uint64(p["percent"]))
		},
	})

	return r
}
