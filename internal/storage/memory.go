package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iotgateway/gateway-core/internal/models"
)

// MemoryStore keeps everything in process memory. It backs tests and
// deployments started without a database DSN.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	telemetry []models.TelemetryRecord
	stats     map[string]models.CmdStat
	logs      []models.DispatchLog

	// failWrites makes SaveTelemetry fail, for exercising fail-closed paths
	failWrites error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[string]models.CmdStat)}
}

// FailWrites makes subsequent telemetry writes return err (nil restores)
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	m.failWrites = err
	m.mu.Unlock()
}

// SaveTelemetry appends records and assigns increasing ids
func (m *MemoryStore) SaveTelemetry(ctx context.Context, records []*models.TelemetryRecord) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "insert telemetry", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return &PersistenceError{Op: "insert telemetry", Err: m.failWrites}
	}

	for _, rec := range records {
		m.nextID++
		rec.ID = m.nextID
		m.telemetry = append(m.telemetry, *rec)
	}
	return nil
}

// QueryTelemetry filters, sorts and pages the stored records
func (m *MemoryStore) QueryTelemetry(ctx context.Context, filter TelemetryFilter, page models.PageRequest) ([]*models.TelemetryRecord, int64, error) {
	page, err := NormalizeQuery(filter, page)
	if err != nil {
		return nil, 0, err
	}

	m.mu.RLock()
	matched := make([]models.TelemetryRecord, 0, len(m.telemetry))
	for _, rec := range m.telemetry {
		if matches(filter, rec) {
			matched = append(matched, rec)
		}
	}
	m.mu.RUnlock()

	desc := page.SortOrder == models.SortDesc
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if page.SortBy == models.SortByTimestamp && a.Timestamp != b.Timestamp {
			if desc {
				return a.Timestamp > b.Timestamp
			}
			return a.Timestamp < b.Timestamp
		}
		if desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	total := int64(len(matched))
	records := []*models.TelemetryRecord{}
	for i := page.Offset(); i < len(matched) && len(records) < page.PageSize; i++ {
		rec := matched[i]
		records = append(records, &rec)
	}
	return records, total, nil
}

func matches(filter TelemetryFilter, rec models.TelemetryRecord) bool {
	if filter.DeviceID != "" && rec.DeviceID != filter.DeviceID {
		return false
	}
	if filter.Cmd != "" && rec.Cmd != filter.Cmd {
		return false
	}
	if filter.StartTime != nil && rec.Timestamp < filter.StartTime.Unix() {
		return false
	}
	if filter.EndTime != nil && rec.Timestamp > filter.EndTime.Unix() {
		return false
	}
	return true
}

// UpsertCmdStats stores counter snapshots without letting them decrease
func (m *MemoryStore) UpsertCmdStats(ctx context.Context, stats []models.CmdStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range stats {
		key := st.DeviceID + "\x00" + st.Cmd
		cur, ok := m.stats[key]
		if ok {
			if cur.RealTimeCount > st.RealTimeCount {
				st.RealTimeCount = cur.RealTimeCount
			}
			if cur.MissedCount > st.MissedCount {
				st.MissedCount = cur.MissedCount
			}
			if st.LastSeen.IsZero() {
				st.LastSeen = cur.LastSeen
			}
		}
		m.stats[key] = st
	}
	return nil
}

// ListCmdStats returns stored counters ordered by device and command
func (m *MemoryStore) ListCmdStats(ctx context.Context) ([]models.CmdStat, error) {
	m.mu.RLock()
	stats := make([]models.CmdStat, 0, len(m.stats))
	for _, st := range m.stats {
		stats = append(stats, st)
	}
	m.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].DeviceID != stats[j].DeviceID {
			return stats[i].DeviceID < stats[j].DeviceID
		}
		return stats[i].Cmd < stats[j].Cmd
	})
	return stats, nil
}

// SaveDispatchLog appends a dispatch log entry
func (m *MemoryStore) SaveDispatchLog(ctx context.Context, entry *models.DispatchLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	m.mu.Lock()
	m.logs = append(m.logs, *entry)
	m.mu.Unlock()
	return nil
}

// ListDispatchLogs returns the newest entries for a device first
func (m *MemoryStore) ListDispatchLogs(ctx context.Context, deviceID string, limit int) ([]*models.DispatchLog, error) {
	if limit <= 0 || limit > models.MaxPageSize {
		limit = models.DefaultPageSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := []*models.DispatchLog{}
	for i := len(m.logs) - 1; i >= 0 && len(logs) < limit; i-- {
		if m.logs[i].DeviceID != deviceID {
			continue
		}
		entry := m.logs[i]
		logs = append(logs, &entry)
	}
	return logs, nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
