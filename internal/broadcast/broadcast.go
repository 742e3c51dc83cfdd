package broadcast

import (
	"context"
	"errors"
	"time"
)

// Live-update events
const (
	EventSendData     = "iot_send_data"
	EventUpdateStatus = "iot_update_status"
	EventStatistics   = "server_emit_statistics"
	EventMonitor      = "server_emit_monitor"
)

// Event is one live update. DeviceID scopes it for subscribers that
// filter by device; an empty DeviceID reaches every subscriber.
type Event struct {
	Name     string
	DeviceID string
	Data     interface{}
	At       time.Time
}

// Message is the JSON envelope pushed to live clients
type Message struct {
	Type  string      `json:"type"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	TS    int64       `json:"ts"`
}

// Broadcaster pushes events to live subscribers. Calls for the same device
// must be made from one goroutine to keep per-device order.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) error
}

// Multi fans an event out to several broadcasters
type Multi []Broadcaster

// Broadcast delivers to every broadcaster and joins their errors
func (m Multi) Broadcast(ctx context.Context, ev Event) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Broadcast(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Broadcaster
type Func func(ctx context.Context, ev Event) error

func (f Func) Broadcast(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
