package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/auth"
	"github.com/iotgateway/gateway-core/internal/dispatch"
	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

const maxDispatchBody = 64 << 10

// DispatchRequest is the body of POST /dispatch and of NATS dispatch
// requests. Exactly one of Hex, Action or Type selects the command; the
// remaining keys of the body are the fields of a structured Type.
type DispatchRequest struct {
	MAC    string                 `json:"mac" validate:"required,clientid"`
	Hex    string                 `json:"hex" validate:"omitempty,hexframe"`
	Action string                 `json:"action" validate:"omitempty,action"`
	Type   string                 `json:"type" validate:"omitempty,max=64"`
	Fields map[string]interface{} `json:"-"`
}

// DispatchResponse is the reply to a dispatch request
type DispatchResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
	Hex     string `json:"hex,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// ParseDispatchRequest decodes a dispatch body, keeping unknown keys as
// structured command fields
func ParseDispatchRequest(body []byte) (*DispatchRequest, error) {
	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	var all map[string]interface{}
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, err
	}
	for _, k := range []string{"mac", "hex", "action", "type"} {
		delete(all, k)
	}
	req.Fields = all
	return &req, nil
}

// Execute runs req on d
func (req *DispatchRequest) Execute(ctx context.Context, d Dispatcher) (*dispatch.Result, error) {
	deviceID := registry.NormalizeClientID(req.MAC)

	switch {
	case req.Hex != "":
		frame, err := codec.ParseHex(req.Hex)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dispatch.ErrInvalidCommand, err)
		}
		return d.DispatchRaw(ctx, deviceID, frame)
	case req.Action != "":
		return d.Dispatch(ctx, deviceID, req.Action)
	default:
		if _, ok := codec.LookupAction(req.Type); ok {
			return d.Dispatch(ctx, deviceID, req.Type)
		}
		return d.DispatchStructured(ctx, deviceID, req.Type, req.Fields)
	}
}

// DispatchStatus maps a dispatch outcome to an HTTP status and response
func DispatchStatus(res *dispatch.Result, err error) (int, DispatchResponse) {
	if err == nil {
		return http.StatusOK, DispatchResponse{
			Success: true,
			Status:  string(models.DispatchPublished),
			Message: "command sent",
			ID:      res.ID.String(),
			Hex:     res.Hex,
			Topic:   res.Topic,
		}
	}

	resp := DispatchResponse{Status: string(models.DispatchFailed), Message: err.Error()}
	switch {
	case errors.Is(err, dispatch.ErrDeviceNotConnected):
		resp.Status = string(models.DispatchRefused)
		return http.StatusConflict, resp
	case errors.Is(err, dispatch.ErrPublishTimeout):
		return http.StatusGatewayTimeout, resp
	case errors.Is(err, dispatch.ErrInvalidCommand):
		resp.Status = string(models.DispatchRefused)
		return http.StatusBadRequest, resp
	default:
		return http.StatusBadGateway, resp
	}
}

// HandleDispatch sends a command to a connected device
func (s *RESTServer) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDispatchBody))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := ParseDispatchRequest(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Hex == "" && req.Action == "" && req.Type == "" {
		s.respondError(w, http.StatusBadRequest, "one of hex, action or type is required")
		return
	}

	ctx := r.Context()
	if claims, ok := auth.ClaimsFrom(ctx); ok {
		ctx = dispatch.WithOperator(ctx, claims.Operator)
	}

	res, err := req.Execute(ctx, s.deps.Dispatcher)
	status, resp := DispatchStatus(res, err)
	if err != nil {
		log.Warn().Err(err).Str("mac", req.MAC).Int("status", status).Msg("dispatch rejected")
	}
	s.respondJSON(w, status, resp)
}

// HandleListDispatchLogs lists the latest dispatch attempts of a device
func (s *RESTServer) HandleListDispatchLogs(w http.ResponseWriter, r *http.Request) {
	deviceID := registry.NormalizeClientID(chi.URLParam(r, "deviceId"))

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > models.MaxPageSize {
		limit = models.DefaultPageSize
	}

	logs, err := s.deps.Store.ListDispatchLogs(r.Context(), deviceID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"total": len(logs),
	})
}
