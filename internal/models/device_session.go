package models

import (
	"time"
)

// SessionStatus is the connectivity state of a device session
type SessionStatus string

const (
	SessionOnline  SessionStatus = "online"
	SessionOffline SessionStatus = "offline"
)

// DeviceSession represents a connected device as seen through its MQTT session
type DeviceSession struct {
	// Stable device identity, also the MQTT client id
	ClientID string `json:"clientId"`

	// Transport metadata
	Username        string `json:"username"`
	IPAddress       string `json:"ipAddress"`
	MACAddress      string `json:"macAddress"`
	FirmwareVersion string `json:"firmwareVersion"`

	Status       SessionStatus `json:"status"`
	InputActive  bool          `json:"inputActive"`
	OutputActive bool          `json:"outputActive"`

	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Online reports whether commands may be dispatched to the device
func (s *DeviceSession) Online() bool {
	return s.Status == SessionOnline
}

// StatusDelta is one session change pushed to live clients
type StatusDelta struct {
	ClientID     string        `json:"clientId"`
	Status       SessionStatus `json:"status"`
	Removed      bool          `json:"removed,omitempty"`
	InputActive  bool          `json:"inputActive"`
	OutputActive bool          `json:"outputActive"`
	At           int64         `json:"at"`
}

// DeltaOf builds the status delta describing s at time at
func DeltaOf(s DeviceSession, at time.Time) StatusDelta {
	return StatusDelta{
		ClientID:     s.ClientID,
		Status:       s.Status,
		InputActive:  s.InputActive,
		OutputActive: s.OutputActive,
		At:           at.Unix(),
	}
}
