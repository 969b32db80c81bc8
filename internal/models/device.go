package models

import (
	"time"
)

// Device represents a bridged power-storage device
type Device struct {
	BaseModel

	// Identifiers
	SN    string `json:"sn" db:"sn"`
	Model string `json:"model" db:"model"`

	// Metadata
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
	Address     string `json:"address" db:"address"`

	// Status
	IsDisabled bool       `json:"isDisabled" db:"is_disabled"`
	Connected  bool       `json:"connected" db:"connected"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	// Battery
	BatteryLevel          *float64   `json:"batteryLevel,omitempty" db:"battery_level"`
	BatteryLevelUpdatedAt *time.Time `json:"batteryLevelUpdatedAt,omitempty" db:"battery_level_updated_at"`
}
