package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	UpdateUserLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, sn string) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	UpdateDeviceStatus(ctx context.Context, sn string, connected bool, lastSeen *time.Time) error
	UpdateDeviceBattery(ctx context.Context, sn string, level float64, at time.Time) error
	DeleteDevice(ctx context.Context, sn string) error
	ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error)

	// Telemetry methods
	InsertTelemetry(ctx context.Context, points []*models.TelemetryPoint) error
	ListTelemetry(ctx context.Context, filters TelemetryFilters, limit, offset int) ([]*models.TelemetryPoint, int64, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// TelemetryFilters represents filters for telemetry queries
type TelemetryFilters struct {
	DeviceSN  string
	Field     string
	StartTime *time.Time
	EndTime   *time.Time
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DeviceSN  string
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
