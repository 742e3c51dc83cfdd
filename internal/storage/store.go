package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iotgateway/gateway-core/internal/models"
)

// Common errors
var (
	ErrNotFound        = errors.New("not found")
	ErrQueryValidation = errors.New("invalid query")
)

// PersistenceError reports a telemetry write that did not reach the store.
// Records covered by it must not be broadcast.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store defines the storage interface
type Store interface {
	// Telemetry methods
	SaveTelemetry(ctx context.Context, records []*models.TelemetryRecord) error
	QueryTelemetry(ctx context.Context, filter TelemetryFilter, page models.PageRequest) ([]*models.TelemetryRecord, int64, error)

	// Statistics methods
	UpsertCmdStats(ctx context.Context, stats []models.CmdStat) error
	ListCmdStats(ctx context.Context) ([]models.CmdStat, error)

	// Dispatch log methods
	SaveDispatchLog(ctx context.Context, entry *models.DispatchLog) error
	ListDispatchLogs(ctx context.Context, deviceID string, limit int) ([]*models.DispatchLog, error)

	Ping(ctx context.Context) error
	Close() error
}

// TelemetryFilter represents filters for telemetry queries. Time bounds are
// inclusive; a nil bound is unbounded on that side.
type TelemetryFilter struct {
	DeviceID  string
	Cmd       string
	StartTime *time.Time
	EndTime   *time.Time
}

// NormalizeQuery validates a query and fills in defaults: page 1,
// DefaultPageSize, timestamp desc.
func NormalizeQuery(filter TelemetryFilter, page models.PageRequest) (models.PageRequest, error) {
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Page < 0 || page.Page > models.MaxPage {
		return page, fmt.Errorf("%w: page must be between 1 and %d", ErrQueryValidation, models.MaxPage)
	}

	if page.PageSize == 0 {
		page.PageSize = models.DefaultPageSize
	}
	if page.PageSize < 0 || page.PageSize > models.MaxPageSize {
		return page, fmt.Errorf("%w: limit must be between 1 and %d", ErrQueryValidation, models.MaxPageSize)
	}

	switch page.SortBy {
	case "":
		page.SortBy = models.SortByTimestamp
	case models.SortByTimestamp, models.SortByID:
	default:
		return page, fmt.Errorf("%w: unknown sortBy %q", ErrQueryValidation, page.SortBy)
	}

	switch page.SortOrder {
	case "":
		page.SortOrder = models.SortDesc
	case models.SortAsc, models.SortDesc:
	default:
		return page, fmt.Errorf("%w: unknown sortOrder %q", ErrQueryValidation, page.SortOrder)
	}

	if filter.StartTime != nil && filter.EndTime != nil && filter.StartTime.After(*filter.EndTime) {
		return page, fmt.Errorf("%w: startTime after endTime", ErrQueryValidation)
	}

	return page, nil
}

// orderClause is built from validated enum values only
func orderClause(page models.PageRequest) string {
	dir := "DESC"
	if page.SortOrder == models.SortAsc {
		dir = "ASC"
	}
	if page.SortBy == models.SortByID {
		return " ORDER BY id " + dir
	}
	return " ORDER BY ts " + dir + ", id " + dir
}
