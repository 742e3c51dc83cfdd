package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors live events onto NATS subjects
// <prefix>.<event>.<deviceId> so other services can follow the feed.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher on nc
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "gateway.events"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event is published on. Characters that
// would split or wildcard the device token are replaced by '_'.
func (p *NATSPublisher) Subject(ev Event) string {
	device := subjectToken.Replace(ev.DeviceID)
	if device == "" {
		device = "all"
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, ev.Name, device)
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Broadcast publishes ev as a JSON Message
func (p *NATSPublisher) Broadcast(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	data, err := json.Marshal(Message{
		Type:  "event",
		Event: ev.Name,
		Data:  ev.Data,
		TS:    at.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Name, err)
	}

	if err := p.nc.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}
