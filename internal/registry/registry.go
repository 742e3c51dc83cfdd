package registry

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/models"
)

// DefaultShards New 的分片数不大于 0 时使用
const DefaultShards = 32

// Registry 按 client id 保存设备会话。
// 每个分片一把锁，任何操作同时只锁一个分片。
type Registry struct {
	shards []*shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*models.DeviceSession
}

// New 创建 n 个分片的会话表
func New(n int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*models.DeviceSession)}
	}
	return r
}

// NormalizeClientID 转小写并去掉 MAC 分隔符，
// "AA:BB:CC:DD:EE:FF" 和 "aabbccddeeff" 是同一个设备
func NormalizeClientID(id string) string {
	id = strings.TrimSpace(strings.ToLower(id))
	return strings.NewReplacer(":", "", "-", "").Replace(id)
}

func (r *Registry) shardFor(clientID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Upsert 保存会话，同一 client id 只保留一个，返回被踢掉的旧会话
func (r *Registry) Upsert(s models.DeviceSession) *models.DeviceSession {
	s.ClientID = NormalizeClientID(s.ClientID)
	if s.Status == "" {
		s.Status = models.SessionOnline
	}
	now := time.Now()
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = now
	}
	if s.LastSeen.IsZero() {
		s.LastSeen = s.ConnectedAt
	}

	sh := r.shardFor(s.ClientID)
	sh.mu.Lock()
	prev, ok := sh.sessions[s.ClientID]
	sh.sessions[s.ClientID] = &s
	sh.mu.Unlock()

	if !ok {
		return nil
	}
	evicted := *prev
	return &evicted
}

// Remove 删除会话
func (r *Registry) Remove(clientID string) bool {
	clientID = NormalizeClientID(clientID)
	sh := r.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[clientID]; !ok {
		return false
	}
	delete(sh.sessions, clientID)
	return true
}

// Find 返回会话副本
func (r *Registry) Find(clientID string) (models.DeviceSession, bool) {
	clientID = NormalizeClientID(clientID)
	sh := r.shardFor(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[clientID]
	if !ok {
		return models.DeviceSession{}, false
	}
	return *s, true
}

// List 按 client id 排序返回所有会话副本
func (r *Registry) List() []models.DeviceSession {
	var out []models.DeviceSession
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, *s)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Len 会话数量
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// update 在分片锁内对会话执行 fn，返回修改后的副本
func (r *Registry) update(clientID string, fn func(s *models.DeviceSession) bool) (models.DeviceSession, bool, bool) {
	clientID = NormalizeClientID(clientID)
	sh := r.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[clientID]
	if !ok {
		return models.DeviceSession{}, false, false
	}
	changed := fn(s)
	return *s, true, changed
}

// SetStatus 修改在线状态，返回会话是否存在、状态是否变化
func (r *Registry) SetStatus(clientID string, status models.SessionStatus, at time.Time) (models.DeviceSession, bool, bool) {
	return r.update(clientID, func(s *models.DeviceSession) bool {
		if s.Status == status {
			return false
		}
		s.Status = status
		s.LastSeen = at
		return true
	})
}

// Touch 记录设备活动时间
func (r *Registry) Touch(clientID string, at time.Time) bool {
	_, ok, _ := r.update(clientID, func(s *models.DeviceSession) bool {
		if at.After(s.LastSeen) {
			s.LastSeen = at
		}
		return false
	})
	return ok
}

// SetIO 更新 IO 状态，nil 表示不变
func (r *Registry) SetIO(clientID string, input, output *bool) (models.DeviceSession, bool, bool) {
	return r.update(clientID, func(s *models.DeviceSession) bool {
		changed := false
		if input != nil && s.InputActive != *input {
			s.InputActive = *input
			changed = true
		}
		if output != nil && s.OutputActive != *output {
			s.OutputActive = *output
			changed = true
		}
		return changed
	})
}

// Cleanup 删除 cutoff 之前就已离线的会话并返回
func (r *Registry) Cleanup(cutoff time.Time) []models.DeviceSession {
	var removed []models.DeviceSession
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.Status == models.SessionOffline && s.LastSeen.Before(cutoff) {
				removed = append(removed, *s)
				delete(sh.sessions, id)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run 定期清理离线超过 ttl 的会话，onRemove 在锁外调用
func (r *Registry) Run(ctx context.Context, interval, ttl time.Duration, onRemove func(models.DeviceSession)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range r.Cleanup(now.Add(-ttl)) {
				log.Info().Str("clientId", s.ClientID).Msg("offline session expired")
				if onRemove != nil {
					onRemove(s)
				}
			}
		}
	}
}
