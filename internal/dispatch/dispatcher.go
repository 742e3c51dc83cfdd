package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/metrics"
	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/mqtt"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

var (
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrPublishTimeout     = errors.New("publish timed out")
	ErrInvalidCommand     = errors.New("invalid command")
)

// SessionFinder resolves a device to its live session
type SessionFinder interface {
	Find(clientID string) (models.DeviceSession, bool)
}

// LogStore records dispatch attempts
type LogStore interface {
	SaveDispatchLog(ctx context.Context, entry *models.DispatchLog) error
}

// Config configures a Dispatcher
type Config struct {
	QoS            byte
	PublishTimeout time.Duration
	Encoding       codec.WireEncoding
	Topics         mqtt.Topics
}

// Result describes a published command
type Result struct {
	ID          uuid.UUID `json:"id"`
	DeviceID    string    `json:"deviceId"`
	Action      string    `json:"action"`
	Topic       string    `json:"topic"`
	Hex         string    `json:"hex"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Dispatcher sends operator commands to connected devices. It does not wait
// for device acknowledgement and does not deduplicate repeated requests.
type Dispatcher struct {
	sessions  SessionFinder
	publisher mqtt.Publisher
	logs      LogStore
	metrics   *metrics.Metrics
	cfg       Config
}

// New creates a dispatcher. logs may be nil.
func New(sessions SessionFinder, publisher mqtt.Publisher, logs LogStore, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Encoding == "" {
		cfg.Encoding = codec.WireHex
	}
	return &Dispatcher{
		sessions:  sessions,
		publisher: publisher,
		logs:      logs,
		metrics:   m,
		cfg:       cfg,
	}
}

// Dispatch sends the canonical frame of a named action
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, action string) (*Result, error) {
	frame, err := codec.EncodeAction(action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return d.send(ctx, deviceID, action, frame)
}

// DispatchRaw sends a pre-encoded frame after checking it decodes
func (d *Dispatcher) DispatchRaw(ctx context.Context, deviceID string, frame []byte) (*Result, error) {
	if _, err := codec.Decode(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return d.send(ctx, deviceID, "raw", frame)
}

// DispatchStructured builds and sends a protocol-specific command
func (d *Dispatcher) DispatchStructured(ctx context.Context, deviceID, typ string, fields map[string]interface{}) (*Result, error) {
	opcode, payload, err := codec.BuildStructured(typ, fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	frame, err := codec.Encode(opcode, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return d.send(ctx, deviceID, typ, frame)
}

type operatorKey struct{}

// WithOperator names the operator on whose behalf commands sent with ctx
// are dispatched. It ends up on the dispatch log.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

func operatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}

func (d *Dispatcher) send(ctx context.Context, deviceID, action string, frame []byte) (*Result, error) {
	entry := &models.DispatchLog{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		Action:    action,
		Hex:       codec.FormatHex(frame),
		Operator:  operatorFrom(ctx),
		CreatedAt: time.Now(),
	}

	session, ok := d.sessions.Find(deviceID)
	if !ok || !session.Online() {
		entry.Status = models.DispatchRefused
		entry.Error = ErrDeviceNotConnected.Error()
		d.record(entry)
		log.Info().Str("deviceId", deviceID).Str("action", action).Msg("dispatch refused, device not connected")
		return nil, ErrDeviceNotConnected
	}

	entry.DeviceID = session.ClientID
	entry.Topic = d.cfg.Topics.Down(session.ClientID)

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()

	err := d.publisher.Publish(pubCtx, entry.Topic, d.cfg.QoS, d.cfg.Encoding.Marshal(frame))
	if err != nil {
		entry.Status = models.DispatchFailed
		entry.Error = err.Error()
		d.record(entry)

		if errors.Is(err, mqtt.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Str("deviceId", session.ClientID).Str("action", action).Msg("dispatch publish timed out")
			return nil, fmt.Errorf("%w: %v", ErrPublishTimeout, err)
		}
		log.Error().Err(err).Str("deviceId", session.ClientID).Str("action", action).Msg("dispatch publish failed")
		return nil, fmt.Errorf("dispatch %s: %w", action, err)
	}

	entry.Status = models.DispatchPublished
	d.record(entry)
	log.Info().Str("deviceId", session.ClientID).Str("action", action).Str("hex", entry.Hex).Str("operator", entry.Operator).Msg("command dispatched")

	return &Result{
		ID:          entry.ID,
		DeviceID:    session.ClientID,
		Action:      action,
		Topic:       entry.Topic,
		Hex:         entry.Hex,
		PublishedAt: time.Now(),
	}, nil
}

// record saves the log entry without failing the dispatch
func (d *Dispatcher) record(entry *models.DispatchLog) {
	d.metrics.Dispatch(string(entry.Status))
	if d.logs == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.logs.SaveDispatchLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("deviceId", entry.DeviceID).Msg("save dispatch log failed")
	}
}
