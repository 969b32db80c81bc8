package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/models"
)

// ========== Device Methods ==========

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            id, created_at, updated_at, sn, model, name, description,
            address, is_disabled, connected
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt, device.SN,
		device.Model, device.Name, device.Description, device.Address,
		device.IsDisabled, device.Connected,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by serial number
func (s *PostgresStore) GetDevice(ctx context.Context, sn string) (*models.Device, error) {
	query := `
        SELECT id, created_at, updated_at, sn, model, name, description,
               address, is_disabled, connected, last_seen_at,
               battery_level, battery_level_updated_at
        FROM devices
        WHERE sn = $1`

	device := &models.Device{}
	err := s.getDB().QueryRowContext(ctx, query, sn).Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.SN,
		&device.Model, &device.Name, &device.Description, &device.Address,
		&device.IsDisabled, &device.Connected, &device.LastSeenAt,
		&device.BatteryLevel, &device.BatteryLevelUpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	return device, err
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            updated_at = $2, model = $3, name = $4, description = $5,
            address = $6, is_disabled = $7
        WHERE sn = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.SN, device.UpdatedAt, device.Model, device.Name,
		device.Description, device.Address, device.IsDisabled,
	)

	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateDeviceStatus updates the connectivity status of a device
func (s *PostgresStore) UpdateDeviceStatus(ctx context.Context, sn string, connected bool, lastSeen *time.Time) error {
	query := `
        UPDATE devices SET
            updated_at = $2, connected = $3,
            last_seen_at = COALESCE($4, last_seen_at)
        WHERE sn = $1`

	result, err := s.getDB().ExecContext(ctx, query, sn, time.Now(), connected, lastSeen)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateDeviceBattery updates the reported battery level of a device
func (s *PostgresStore) UpdateDeviceBattery(ctx context.Context, sn string, level float64, at time.Time) error {
	query := `
        UPDATE devices SET
            battery_level = $2, battery_level_updated_at = $3
        WHERE sn = $1`

	result, err := s.getDB().ExecContext(ctx, query, sn, level, at)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, sn string) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE sn = $1", sn)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists devices with pagination
func (s *PostgresStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM devices").Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, created_at, updated_at, sn, model, name, description,
               address, is_disabled, connected, last_seen_at,
               battery_level, battery_level_updated_at
        FROM devices
        ORDER BY name
        LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		err := rows.Scan(
			&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.SN,
			&device.Model, &device.Name, &device.Description, &device.Address,
			&device.IsDisabled, &device.Connected, &device.LastSeenAt,
			&device.BatteryLevel, &device.BatteryLevelUpdatedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, count, rows.Err()
}
