package models

import (
	"time"

	"github.com/google/uuid"
)

// TelemetryPoint represents one decoded telemetry field value at a point
// in time
type TelemetryPoint struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DeviceSN string `json:"deviceSn" db:"device_sn"`
	Schema   string `json:"schema" db:"schema_name"`
	Field    string `json:"field" db:"field"`

	Value  *float64  `json:"value,omitempty" db:"value"`
	Values []float64 `json:"values,omitempty" db:"-"`
	Unit   string    `json:"unit" db:"unit"`

	Seq uint32 `json:"seq" db:"seq"`
}
