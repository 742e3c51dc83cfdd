package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

// HandleHealth handles health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	s.respondJSON(w, status, map[string]interface{}{
		"status":  state,
		"version": s.config.Server.Version,
		"checks":  checks,
		"time":    time.Now().UTC(),
	})
}

// HandleListCommands returns the action and opcode tables
func (s *RESTServer) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	type action struct {
		codec.Action
		Hex string `json:"hex"`
	}

	actions := codec.Actions()
	out := make([]action, 0, len(actions))
	for _, a := range actions {
		frame, err := codec.Encode(a.Opcode, a.Payload)
		if err != nil {
			continue
		}
		out = append(out, action{Action: a, Hex: codec.FormatHex(frame)})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"actions": out,
		"opcodes": codec.Opcodes(),
		"types":   []string{codec.TypeModbusRead, codec.TypeModbusWrite, codec.TypeSerialSend},
	})
}

// HandleListSessions lists device sessions
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Sessions.List()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// HandleGetSession gets one device session
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	clientID := registry.NormalizeClientID(chi.URLParam(r, "clientId"))

	session, ok := s.deps.Sessions.Find(clientID)
	if !ok {
		s.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

// HandleGetStatistics returns the counters of one device keyed by command
func (s *RESTServer) HandleGetStatistics(w http.ResponseWriter, r *http.Request) {
	deviceID := registry.NormalizeClientID(chi.URLParam(r, "deviceId"))
	if deviceID == "" {
		s.respondError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	s.respondJSON(w, http.StatusOK, models.StatsByCmd(deviceID, s.deps.Statistics.Snapshot(deviceID)))
}

// HandleListStatistics returns the counters of every device
func (s *RESTServer) HandleListStatistics(w http.ResponseWriter, r *http.Request) {
	byDevice := make(map[string][]models.CmdStat)
	for _, st := range s.deps.Statistics.Snapshot("") {
		byDevice[st.DeviceID] = append(byDevice[st.DeviceID], st)
	}

	ids := make([]string, 0, len(byDevice))
	for id := range byDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	devices := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, models.StatsByCmd(id, byDevice[id]))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   len(devices),
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
