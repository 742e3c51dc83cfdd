package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/iotgateway/gateway-core/internal/models"
)

// UpsertCmdStats writes counter snapshots. GREATEST keeps the stored
// counters from ever moving backwards.
func (s *PostgresStore) UpsertCmdStats(ctx context.Context, stats []models.CmdStat) error {
	if len(stats) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO cmd_stats (device_id, cmd, real_time_count, missed_count, last_seen) VALUES ")

	args := make([]interface{}, 0, len(stats)*5)
	for i, st := range stats {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5))

		var lastSeen interface{}
		if !st.LastSeen.IsZero() {
			lastSeen = st.LastSeen
		}
		args = append(args, st.DeviceID, st.Cmd, int64(st.RealTimeCount), int64(st.MissedCount), lastSeen)
	}

	b.WriteString(` ON CONFLICT (device_id, cmd) DO UPDATE SET` +
		` real_time_count = GREATEST(cmd_stats.real_time_count, EXCLUDED.real_time_count),` +
		` missed_count = GREATEST(cmd_stats.missed_count, EXCLUDED.missed_count),` +
		` last_seen = COALESCE(EXCLUDED.last_seen, cmd_stats.last_seen)`)

	if _, err := s.getDB().ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("upsert cmd stats: %w", err)
	}
	return nil
}

// ListCmdStats returns every stored counter row
func (s *PostgresStore) ListCmdStats(ctx context.Context) ([]models.CmdStat, error) {
	rows, err := s.getDB().QueryContext(ctx,
		"SELECT device_id, cmd, real_time_count, missed_count, last_seen FROM cmd_stats ORDER BY device_id, cmd")
	if err != nil {
		return nil, fmt.Errorf("list cmd stats: %w", err)
	}
	defer rows.Close()

	var stats []models.CmdStat
	for rows.Next() {
		var st models.CmdStat
		var realTime, missed int64
		var lastSeen sql.NullTime
		if err := rows.Scan(&st.DeviceID, &st.Cmd, &realTime, &missed, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan cmd stat: %w", err)
		}
		st.RealTimeCount = uint64(realTime)
		st.MissedCount = uint64(missed)
		if lastSeen.Valid {
			st.LastSeen = lastSeen.Time
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
