package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/api"
	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/internal/validation"
)

// NATSSubscriber answers gateway requests arriving over NATS:
//
//	<prefix>.dispatch               same body and reply as POST /dispatch
//	<prefix>.statistics.<deviceId>  counters of one device
//	<prefix>.sessions               all device sessions
type NATSSubscriber struct {
	nc         *nats.Conn
	prefix     string
	dispatcher api.Dispatcher
	stats      api.Statistics
	sessions   api.Sessions
	validator  *validation.Validator
	subs       []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, prefix string, d api.Dispatcher, stats api.Statistics, sessions api.Sessions) *NATSSubscriber {
	if prefix == "" {
		prefix = "gateway"
	}
	return &NATSSubscriber{
		nc:         nc,
		prefix:     prefix,
		dispatcher: d,
		stats:      stats,
		sessions:   sessions,
		validator:  validation.NewValidator(),
		subs:       make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until ctx is done
func (s *NATSSubscriber) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, string, []byte) interface{}{
		s.prefix + ".dispatch":     s.handleDispatch,
		s.prefix + ".statistics.*": s.handleStatistics,
		s.prefix + ".sessions":     s.handleSessions,
	}

	for subject, handle := range handlers {
		handle := handle
		sub, err := s.nc.QueueSubscribe(subject, s.prefix, func(msg *nats.Msg) {
			s.respond(ctx, msg, handle)
		})
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("prefix", s.prefix).
		Msg("NATS subscriber started")

	<-ctx.Done()

	s.unsubscribe()
	return nil
}

func (s *NATSSubscriber) unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *NATSSubscriber) respond(ctx context.Context, msg *nats.Msg, handle func(context.Context, string, []byte) interface{}) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received NATS request")

	reply := handle(ctx, msg.Subject, msg.Data)
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to marshal NATS reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to send NATS reply")
	}
}

// handleDispatch handles dispatch requests
func (s *NATSSubscriber) handleDispatch(ctx context.Context, subject string, data []byte) interface{} {
	req, err := api.ParseDispatchRequest(data)
	if err != nil {
		return api.DispatchResponse{Status: string(models.DispatchRefused), Message: "invalid request body"}
	}
	if err := s.validator.Validate(req); err != nil {
		return api.DispatchResponse{Status: string(models.DispatchRefused), Message: err.Error()}
	}
	if req.Hex == "" && req.Action == "" && req.Type == "" {
		return api.DispatchResponse{Status: string(models.DispatchRefused), Message: "one of hex, action or type is required"}
	}

	res, err := req.Execute(ctx, s.dispatcher)
	_, resp := api.DispatchStatus(res, err)
	if err != nil {
		log.Warn().Err(err).Str("mac", req.MAC).Msg("NATS dispatch rejected")
	}
	return resp
}

// handleStatistics handles statistics requests for the device named by the
// last subject token
func (s *NATSSubscriber) handleStatistics(ctx context.Context, subject string, data []byte) interface{} {
	deviceID := registry.NormalizeClientID(subject[strings.LastIndexByte(subject, '.')+1:])
	return models.StatsByCmd(deviceID, s.stats.Snapshot(deviceID))
}

// handleSessions handles session list requests
func (s *NATSSubscriber) handleSessions(ctx context.Context, subject string, data []byte) interface{} {
	sessions := s.sessions.List()
	return map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	}
}
