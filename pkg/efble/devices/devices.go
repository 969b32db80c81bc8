// Package devices carries per-model schema and command tables for the
// supported power-storage hardware. Adding a model means adding a table,
// not touching the protocol engine.
package devices

import (
	"strings"

	"github.com/ecoflow-bridge/ecoflow-ble-bridge/pkg/efble"
)

// manufacturerKey is the BLE manufacturer-specific data key the devices
// advertise under.
const manufacturerKey = 0xB5B5

const serialNumberLen = 16

// Model describes one supported device family. BatteryField names the
// telemetry field carrying the pack state of charge, when the model
// reports one.
type Model struct {
	Name         string
	SNPrefix     string
	BatteryField string
	registry     func() *efble.Registry
}

// Registry builds a fresh schema/command registry for this model.
func (m *Model) Registry() *efble.Registry {
	return m.registry()
}

var models = []*Model{
	{
		Name:         "Smart Home Panel 2",
		SNPrefix:     "HD31",
		BatteryField: "backup_incre_info.backup_bat_per",
		registry:     shp2Registry,
	},
	{
		Name:         "Delta Pro Ultra",
		SNPrefix:     "Y711",
		BatteryField: "display_property_upload.cms_batt_soc",
		registry:     dpuRegistry,
	},
}

// Detect resolves a device model from its serial number prefix.
func Detect(sn string) (*Model, bool) {
	for _, m := range models {
		if strings.HasPrefix(sn, m.SNPrefix) {
			return m, true
		}
	}
	return nil, false
}

// ParseAdvertisement extracts the serial number from BLE manufacturer
// data. Devices pack a status byte followed by the 16-byte serial under
// the vendor key.
func ParseAdvertisement(manufacturerData map[uint16][]byte) (string, bool) {
	data, ok := manufacturerData[manufacturerKey]
	if !ok || len(data) < 1+serialNumberLen {
		return "", false
	}
	sn := string(data[1 : 1+serialNumberLen])
	if _, ok := Detect(sn); !ok {
		return "", false
	}
	return sn, true
}
