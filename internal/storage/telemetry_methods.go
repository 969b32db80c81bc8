package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ecoflow-bridge/ecoflow-ble-bridge/internal/models"
)

// ========== Telemetry Methods ==========

// InsertTelemetry inserts a batch of telemetry points
func (s *PostgresStore) InsertTelemetry(ctx context.Context, points []*models.TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}

	query := "INSERT INTO telemetry (id, created_at, device_sn, schema_name, field, value, unit, seq) VALUES "
	args := []interface{}{}
	argCount := 0

	values := make([]string, 0, len(points))
	for _, p := range points {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}

		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			argCount+1, argCount+2, argCount+3, argCount+4,
			argCount+5, argCount+6, argCount+7, argCount+8))
		argCount += 8

		args = append(args, p.ID, p.CreatedAt, p.DeviceSN, p.Schema,
			p.Field, p.Value, p.Unit, p.Seq)
	}

	query += strings.Join(values, ", ")

	_, err := s.getDB().ExecContext(ctx, query, args...)
	return err
}

// ListTelemetry lists telemetry points with filters
func (s *PostgresStore) ListTelemetry(ctx context.Context, filters TelemetryFilters, limit, offset int) ([]*models.TelemetryPoint, int64, error) {
	// Build query with filters
	query := "SELECT COUNT(*) FROM telemetry WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.DeviceSN != "" {
		argCount++
		query += fmt.Sprintf(" AND device_sn = $%d", argCount)
		args = append(args, filters.DeviceSN)
	}

	if filters.Field != "" {
		argCount++
		query += fmt.Sprintf(" AND field = $%d", argCount)
		args = append(args, filters.Field)
	}

	if filters.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, device_sn, schema_name, field, value, unit, seq", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var points []*models.TelemetryPoint
	for rows.Next() {
		p := &models.TelemetryPoint{}
		err := rows.Scan(
			&p.ID, &p.CreatedAt, &p.DeviceSN, &p.Schema,
			&p.Field, &p.Value, &p.Unit, &p.Seq,
		)
		if err != nil {
			return nil, 0, err
		}
		points = append(points, p)
	}

	return points, count, rows.Err()
}
