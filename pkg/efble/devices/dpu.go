package devices

import "github.com/ecoflow-bridge/ecoflow-ble-bridge/pkg/efble"

// Delta Pro Ultra: portable battery station. It streams a single combined
// report with pack charge level and the input/output wattages. The unit
// accepts the backup reserve command but has no switchable circuits.

const (
	dpuReportSrc = 0x02
	dpuCmdSet    = 0x02

	dpuReportID = 0x01

	dpuSetBackupReserveID = 0x47
)

func dpuRegistry() *efble.Registry {
	r := efble.NewRegistry()

	r.RegisterSchema(
		efble.Discriminant{Src: dpuReportSrc, CmdSet: dpuCmdSet, CmdID: dpuReportID},
		&efble.MessageSchema{
			Name: "dpu_report",
			Fields: []efble.FieldSpec{
				{Num: 1, Name: "display_property_upload", Kind: efble.KindMessage, Mandatory: true, Fields: []efble.FieldSpec{
					{Num: 1, Name: "cms_batt_soc", Kind: efble.KindFloat, Mandatory: true, Unit: "%"},
					{Num: 2, Name: "pow_in_sum_w", Kind: efble.KindFloat, Unit: "W"},
					{Num: 3, Name: "pow_out_sum_w", Kind: efble.KindFloat, Unit: "W"},
					{Num: 8, Name: "energy_backup_start_soc", Kind: efble.KindVarint, Unit: "%"},
					{Num: 11, Name: "cms_batt_temp", Kind: efble.KindVarint, Unit: "degC"},
				}},
			},
		})

	r.RegisterCommand(&efble.CommandSpec{
		Kind:   efble.CmdSetBackupReserve,
		CmdSet: dpuCmdSet,
		CmdID:  dpuSetBackupReserveID,
		Dst:    efble.AddrDevice,
		Params: []efble.ParamSpec{
			{Name: "percent", Min: 0, Max: 100, Integer: true, Required: true},
		},
		Encode: func(p map[string]float64) []byte {
			var body []byte
			body = efble.AppendVarintField(body, 1, 1)
			body = efble.AppendVarintField(body, 2, uint64(p["percent"]))
			return efble.AppendBytesField(nil, 8, body)
		},
	})

	return r
}
