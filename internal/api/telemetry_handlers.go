package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/internal/storage"
)

// TelemetryQuery holds the query string of GET /telemetry
type TelemetryQuery struct {
	Page      int    `json:"page" validate:"gte=0,lte=1000000"`
	Limit     int    `json:"limit" validate:"gte=0,lte=1000"`
	SortBy    string `json:"sortBy" validate:"omitempty,oneof=timestamp id"`
	SortOrder string `json:"sortOrder" validate:"omitempty,oneof=asc desc"`
	DeviceID  string `json:"deviceId" validate:"omitempty,clientid"`
	Cmd       string `json:"cmd" validate:"omitempty,max=64"`
}

// HandleQueryTelemetry returns one page of historical telemetry
func (s *RESTServer) HandleQueryTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	query, err := parseTelemetryQuery(q)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validator.Validate(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := storage.TelemetryFilter{
		DeviceID: registry.NormalizeClientID(query.DeviceID),
		Cmd:      query.Cmd,
	}
	if filter.StartTime, err = parseTime(q.Get("startTime")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid startTime: "+err.Error())
		return
	}
	if filter.EndTime, err = parseTime(q.Get("endTime")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid endTime: "+err.Error())
		return
	}

	page, err := storage.NormalizeQuery(filter, models.PageRequest{
		Page:      query.Page,
		PageSize:  query.Limit,
		SortBy:    models.SortBy(query.SortBy),
		SortOrder: models.SortOrder(query.SortOrder),
	})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, total, err := s.deps.Store.QueryTelemetry(ctx, filter, page)
	if err != nil {
		if errors.Is(err, storage.ErrQueryValidation) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("telemetry query failed")
		s.respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":       records,
		"pagination": models.NewPaginationInfo(page.Page, page.PageSize, total),
	})
}

func parseTelemetryQuery(q url.Values) (TelemetryQuery, error) {
	query := TelemetryQuery{
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
		DeviceID:  q.Get("deviceId"),
		Cmd:       q.Get("cmd"),
	}

	var err error
	if query.Page, err = parseInt(q, "page"); err != nil {
		return query, err
	}
	if query.Limit, err = parseInt(q, "limit"); err != nil {
		return query, err
	}
	if query.Limit == 0 {
		// pageSize is accepted as an alias of limit
		if query.Limit, err = parseInt(q, "pageSize"); err != nil {
			return query, err
		}
	}
	return query, nil
}

func parseInt(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// parseTime accepts unix seconds or RFC 3339
func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.Unix(secs, 0)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New("expected unix seconds or RFC 3339")
	}
	return &t, nil
}
