package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/iotgateway/gateway-core/internal/models"
)

const insertTelemetry = `INSERT INTO telemetry (device_id, cmd, payload_name, value, ts, source_topic) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

// SaveTelemetry persists the records of one frame in a single transaction
// and fills in their ids. Either every record is stored or none is.
func (s *PostgresStore) SaveTelemetry(ctx context.Context, records []*models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}

	for _, rec := range records {
		err := tx.getDB().QueryRowContext(ctx, insertTelemetry,
			rec.DeviceID, rec.Cmd, rec.PayloadName, rec.Value, rec.Timestamp, rec.SourceTopic,
		).Scan(&rec.ID)
		if err != nil {
			tx.Rollback()
			return &PersistenceError{Op: "insert telemetry", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// QueryTelemetry lists telemetry records with filters
func (s *PostgresStore) QueryTelemetry(ctx context.Context, filter TelemetryFilter, page models.PageRequest) ([]*models.TelemetryRecord, int64, error) {
	page, err := NormalizeQuery(filter, page)
	if err != nil {
		return nil, 0, err
	}

	// Build query with filters
	query := "SELECT COUNT(*) FROM telemetry WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filter.DeviceID != "" {
		argCount++
		query += fmt.Sprintf(" AND device_id = $%d", argCount)
		args = append(args, filter.DeviceID)
	}

	if filter.Cmd != "" {
		argCount++
		query += fmt.Sprintf(" AND cmd = $%d", argCount)
		args = append(args, filter.Cmd)
	}

	if filter.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND ts >= $%d", argCount)
		args = append(args, filter.StartTime.Unix())
	}

	if filter.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND ts <= $%d", argCount)
		args = append(args, filter.EndTime.Unix())
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count telemetry: %w", err)
	}

	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, device_id, cmd, payload_name, value, ts, source_topic", 1)
	selectQuery += orderClause(page)

	argCount++
	selectQuery += fmt.Sprintf(" LIMIT $%d", argCount)
	args = append(args, page.PageSize)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, page.Offset())

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	records := []*models.TelemetryRecord{}
	for rows.Next() {
		rec := &models.TelemetryRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.DeviceID, &rec.Cmd, &rec.PayloadName,
			&rec.Value, &rec.Timestamp, &rec.SourceTopic,
		); err != nil {
			return nil, 0, fmt.Errorf("scan telemetry: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return records, count, nil
}
