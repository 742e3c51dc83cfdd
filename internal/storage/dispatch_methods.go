package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iotgateway/gateway-core/internal/models"
)

// SaveDispatchLog creates a dispatch log entry
func (s *PostgresStore) SaveDispatchLog(ctx context.Context, entry *models.DispatchLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO dispatch_logs (
            id, device_id, action, hex, topic, status, error, operator, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.getDB().ExecContext(ctx, query,
		entry.ID, entry.DeviceID, entry.Action, entry.Hex,
		entry.Topic, string(entry.Status), entry.Error, entry.Operator, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save dispatch log: %w", err)
	}
	return nil
}

// ListDispatchLogs lists the latest dispatch attempts for a device
func (s *PostgresStore) ListDispatchLogs(ctx context.Context, deviceID string, limit int) ([]*models.DispatchLog, error) {
	if limit <= 0 || limit > models.MaxPageSize {
		limit = models.DefaultPageSize
	}

	query := `
        SELECT id, device_id, action, hex, topic, status, error, operator, created_at
        FROM dispatch_logs
        WHERE device_id = $1
        ORDER BY created_at DESC
        LIMIT $2`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatch logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.DispatchLog{}
	for rows.Next() {
		entry := &models.DispatchLog{}
		var status string
		if err := rows.Scan(
			&entry.ID, &entry.DeviceID, &entry.Action, &entry.Hex,
			&entry.Topic, &status, &entry.Error, &entry.Operator, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.Status = models.DispatchStatus(status)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
