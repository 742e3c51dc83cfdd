package models

import (
	"time"

	"github.com/google/uuid"
)

// TelemetryRecord is one decoded payload field of an ingested frame
type TelemetryRecord struct {
	ID          int64  `json:"id" db:"id"`
	DeviceID    string `json:"deviceId" db:"device_id"`
	Cmd         string `json:"cmd" db:"cmd"`
	PayloadName string `json:"payloadName" db:"payload_name"`
	Value       Value  `json:"value" db:"value"`
	Timestamp   int64  `json:"timestamp" db:"ts"`
	SourceTopic string `json:"sourceTopic" db:"source_topic"`
}

// Time returns the record timestamp
func (r *TelemetryRecord) Time() time.Time {
	return time.Unix(r.Timestamp, 0)
}

// DispatchStatus is the outcome of a dispatch attempt
type DispatchStatus string

const (
	DispatchPublished DispatchStatus = "published"
	DispatchRefused   DispatchStatus = "refused"
	DispatchFailed    DispatchStatus = "failed"
)

// DispatchLog records one operator command sent (or refused) to a device
type DispatchLog struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	DeviceID  string         `json:"deviceId" db:"device_id"`
	Action    string         `json:"action" db:"action"`
	Hex       string         `json:"hex" db:"hex"`
	Topic     string         `json:"topic" db:"topic"`
	Status    DispatchStatus `json:"status" db:"status"`
	Error     string         `json:"error,omitempty" db:"error"`
	Operator  string         `json:"operator,omitempty" db:"operator"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}
