package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/broadcast"
	"github.com/iotgateway/gateway-core/internal/metrics"
	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/registry"
)

// 状态主题上的在线状态，"offline" 由 broker 作为遗嘱消息发布
const (
	PresenceOnline     = "online"
	PresenceOffline    = "offline"
	PresenceDisconnect = "disconnect"
)

// StatusPayload 设备状态消息的 JSON 内容
type StatusPayload struct {
	Status   string `json:"status"`
	Username string `json:"username"`
	IP       string `json:"ip"`
	MAC      string `json:"mac"`
	Firmware string `json:"firmware"`
}

// Presence 根据设备状态消息更新会话表，
// 变化批量合并成 iot_update_status 事件推送
type Presence struct {
	registry *registry.Registry
	out      broadcast.Broadcaster
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending []models.StatusDelta
}

// NewPresence 创建在线状态处理器
func NewPresence(reg *registry.Registry, out broadcast.Broadcaster, m *metrics.Metrics) *Presence {
	return &Presence{registry: reg, out: out, metrics: m}
}

// HandleStatus 处理 clientID 的一条状态消息
func (p *Presence) HandleStatus(clientID string, payload []byte, at time.Time) error {
	var msg StatusPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		// 也接受纯字符串 "online"/"offline"
		msg.Status = strings.Trim(strings.TrimSpace(string(payload)), `"`)
	}

	switch strings.ToLower(msg.Status) {
	case PresenceOnline:
		mac := msg.MAC
		if mac == "" {
			mac = clientID
		}
		session := models.DeviceSession{
			ClientID:        clientID,
			Username:        msg.Username,
			IPAddress:       msg.IP,
			MACAddress:      mac,
			FirmwareVersion: msg.Firmware,
			Status:          models.SessionOnline,
			ConnectedAt:     at,
			LastSeen:        at,
		}
		if evicted := p.registry.Upsert(session); evicted != nil {
			log.Info().Str("clientId", evicted.ClientID).Str("ip", evicted.IPAddress).Msg("previous session evicted")
		}
		session.ClientID = registry.NormalizeClientID(clientID)
		p.Queue(models.DeltaOf(session, at))
		log.Info().Str("clientId", session.ClientID).Str("ip", msg.IP).Msg("device online")

	case PresenceOffline:
		s, ok, changed := p.registry.SetStatus(clientID, models.SessionOffline, at)
		if ok && changed {
			p.Queue(models.DeltaOf(s, at))
			log.Info().Str("clientId", s.ClientID).Msg("device offline")
		}

	case PresenceDisconnect:
		if p.registry.Remove(clientID) {
			p.Queue(models.StatusDelta{
				ClientID: registry.NormalizeClientID(clientID),
				Status:   models.SessionOffline,
				Removed:  true,
				At:       at.Unix(),
			})
			log.Info().Str("clientId", clientID).Msg("device disconnected")
		}

	default:
		return fmt.Errorf("unknown status %q", msg.Status)
	}

	p.metrics.SetSessions(p.registry.Len())
	return nil
}

// Expired 会话表清理掉的会话，排队一条移除变化
func (p *Presence) Expired(s models.DeviceSession) {
	p.Queue(models.StatusDelta{
		ClientID: s.ClientID,
		Status:   models.SessionOffline,
		Removed:  true,
		At:       time.Now().Unix(),
	})
	p.metrics.SetSessions(p.registry.Len())
}

// Queue 把变化加入下一批
func (p *Presence) Queue(delta models.StatusDelta) {
	p.mu.Lock()
	p.pending = append(p.pending, delta)
	p.mu.Unlock()
}

// Flush 推送待发送的一批变化
func (p *Presence) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 || p.out == nil {
		return nil
	}
	p.metrics.Event(broadcast.EventUpdateStatus)
	return p.out.Broadcast(ctx, broadcast.Event{
		Name: broadcast.EventUpdateStatus,
		Data: batch,
		At:   time.Now(),
	})
}

// Run 按间隔推送，直到 ctx 结束
func (p *Presence) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.Flush(context.Background())
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("status broadcast failed")
			}
		}
	}
}
