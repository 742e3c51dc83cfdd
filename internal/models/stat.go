package models

import "time"

// CmdStat counts messages per (device, command)
type CmdStat struct {
	DeviceID      string    `json:"deviceId" db:"device_id"`
	Cmd           string    `json:"cmd" db:"cmd"`
	RealTimeCount uint64    `json:"realTimeCount" db:"real_time_count"`
	MissedCount   uint64    `json:"missedCount" db:"missed_count"`
	LastSeen      time.Time `json:"lastSeen" db:"last_seen"`
}

// StatsByCmd keys a device snapshot by command name, the shape pushed
// with server_emit_statistics and returned by the statistics endpoint.
func StatsByCmd(deviceID string, stats []CmdStat) map[string]interface{} {
	out := make(map[string]interface{}, len(stats)+1)
	out["deviceId"] = deviceID
	for _, s := range stats {
		if s.DeviceID != deviceID {
			continue
		}
		out[s.Cmd] = s
	}
	return out
}
