package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/broadcast"
	"github.com/iotgateway/gateway-core/internal/metrics"
	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/mqtt"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

// 丢弃阶段
const (
	StageDecode   = "decode"
	StageValidate = "validate"
	StagePersist  = "persist"
	StageQueue    = "queue"
)

// ErrStopped Stop 之后 Submit 返回的错误
var ErrStopped = errors.New("pipeline stopped")

// DropError 记录消息在哪个阶段被丢弃
type DropError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dropped at %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("dropped at %s: %s", e.Stage, e.Reason)
}

func (e *DropError) Unwrap() error {
	return e.Err
}

// Store 原子地保存一帧的全部记录
type Store interface {
	SaveTelemetry(ctx context.Context, records []*models.TelemetryRecord) error
}

// Stats 管道需要的统计接口
type Stats interface {
	RecordArrival(deviceID, cmd string, at time.Time) models.CmdStat
	Snapshot(deviceID string) []models.CmdStat
}

// Config 管道配置
type Config struct {
	Workers        int
	QueueSize      int
	Encoding       codec.WireEncoding
	PersistTimeout time.Duration
	Topics         mqtt.Topics
}

// Message 一条原始 MQTT 消息
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time

	// NotifyStats 排队的统计推送才设置
	statsFor string
}

// Pipeline 处理设备上行：解码、校验、计数、入库、推送。
// 消息按 client id 分片到有序 worker，同一设备的消息按接收顺序处理。
type Pipeline struct {
	cfg      Config
	registry *registry.Registry
	presence *Presence
	store    Store
	stats    Stats
	out      broadcast.Broadcaster
	metrics  *metrics.Metrics

	queues   []chan Message
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewPipeline 创建管道，Submit 之前需要先 Start
func NewPipeline(cfg Config, reg *registry.Registry, presence *Presence, store Store, stats Stats, out broadcast.Broadcaster, m *metrics.Metrics) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Encoding == "" {
		cfg.Encoding = codec.WireHex
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	p := &Pipeline{
		cfg:      cfg,
		registry: reg,
		presence: presence,
		store:    store,
		stats:    stats,
		out:      out,
		metrics:  m,
		queues:   make([]chan Message, cfg.Workers),
		done:     make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Message, cfg.QueueSize)
	}
	return p
}

// Start 启动 worker
func (p *Pipeline) Start(ctx context.Context) {
	for _, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, q)
	}
	log.Info().Int("workers", len(p.queues)).Msg("ingestion pipeline started")
}

// Stop 停止接收消息，等待已排队的消息处理完
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		// 先释放阻塞在满队列上的 Submit，再拿锁
		close(p.done)

		p.mu.Lock()
		p.stopped = true
		for _, q := range p.queues {
			close(q)
		}
		p.mu.Unlock()

		p.wg.Wait()
		log.Info().Msg("ingestion pipeline stopped")
	})
}

// HandleMQTT 上行和状态主题的 MQTT 消息处理器
func (p *Pipeline) HandleMQTT(topic string, payload []byte) {
	msg := Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now(),
	}
	if err := p.Submit(msg); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("message not queued")
	}
}

// Submit 把消息放到设备所属 worker 的队列。
// 队列满时阻塞，对 MQTT 客户端形成背压。
func (p *Pipeline) Submit(msg Message) error {
	clientID, _, ok := p.cfg.Topics.Parse(msg.Topic)
	if !ok {
		p.metrics.FrameDropped(StageQueue)
		return &DropError{Stage: StageQueue, Reason: "unrecognised topic " + msg.Topic}
	}
	return p.enqueue(registry.NormalizeClientID(clientID), msg)
}

// NotifyStats 在设备所属 worker 上排队一次 server_emit_statistics 推送，
// 排在该设备已入队的帧之后；快照在 worker 处理时才取。
func (p *Pipeline) NotifyStats(deviceID string) error {
	deviceID = registry.NormalizeClientID(deviceID)
	return p.enqueue(deviceID, Message{statsFor: deviceID, ReceivedAt: time.Now()})
}

func (p *Pipeline) enqueue(clientID string, msg Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	q := p.queues[shardOf(clientID, len(p.queues))]
	select {
	case q <- msg:
		return nil
	case <-p.done:
		return ErrStopped
	}
}

func shardOf(clientID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return int(h.Sum32() % uint32(n))
}

func (p *Pipeline) worker(ctx context.Context, q chan Message) {
	defer p.wg.Done()
	// 关闭开始后仍处理完已排队的消息
	ctx = context.WithoutCancel(ctx)
	for msg := range q {
		p.safeProcess(ctx, msg)
	}
}

// safeProcess 隔离单条消息，任何错误都不能让 worker 退出
func (p *Pipeline) safeProcess(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", msg.Topic).Msg("ingest worker recovered")
		}
	}()

	if err := p.Process(ctx, msg); err != nil {
		var drop *DropError
		if errors.As(err, &drop) {
			log.Warn().Str("topic", msg.Topic).Str("stage", drop.Stage).Str("reason", drop.Reason).Err(drop.Err).Msg("message dropped")
			return
		}
		log.Error().Err(err).Str("topic", msg.Topic).Msg("message failed")
	}
}

// Process 同步处理一条消息
func (p *Pipeline) Process(ctx context.Context, msg Message) error {
	if msg.statsFor != "" {
		p.emitStatistics(ctx, msg.statsFor, msg.ReceivedAt)
		return nil
	}

	clientID, kind, ok := p.cfg.Topics.Parse(msg.Topic)
	if !ok {
		p.metrics.FrameDropped(StageQueue)
		return &DropError{Stage: StageQueue, Reason: "unrecognised topic " + msg.Topic}
	}
	clientID = registry.NormalizeClientID(clientID)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	switch kind {
	case mqtt.KindStatus:
		if p.presence == nil {
			return nil
		}
		if err := p.presence.HandleStatus(clientID, msg.Payload, msg.ReceivedAt); err != nil {
			p.metrics.FrameDropped(StageValidate)
			return &DropError{Stage: StageValidate, Reason: "bad status message", Err: err}
		}
		return nil
	case mqtt.KindUp:
		return p.processFrame(ctx, clientID, msg)
	default:
		return nil
	}
}

func (p *Pipeline) processFrame(ctx context.Context, clientID string, msg Message) error {
	p.metrics.FrameReceived()

	// 解码
	raw, err := p.cfg.Encoding.Unmarshal(msg.Payload)
	if err != nil {
		p.metrics.FrameDropped(StageDecode)
		return &DropError{Stage: StageDecode, Reason: "bad payload encoding", Err: err}
	}
	frame, err := codec.Decode(raw)
	if err != nil {
		p.metrics.FrameDropped(StageDecode)
		return &DropError{Stage: StageDecode, Reason: "bad frame", Err: err}
	}

	// 校验
	fields, err := codec.Expand(frame)
	if err != nil {
		p.metrics.FrameDropped(StageValidate)
		return &DropError{Stage: StageValidate, Reason: "unexpanded payload", Err: err}
	}
	if len(fields) == 0 {
		p.metrics.FrameDropped(StageValidate)
		return &DropError{Stage: StageValidate, Reason: "no payload fields"}
	}

	ts := msg.ReceivedAt.Unix()
	records := make([]*models.TelemetryRecord, 0, len(fields))
	for _, f := range fields {
		records = append(records, &models.TelemetryRecord{
			DeviceID:    clientID,
			Cmd:         f.Cmd,
			PayloadName: f.Name,
			Value:       models.NewValue(f.Value),
			Timestamp:   ts,
			SourceTopic: msg.Topic,
		})
		p.stats.RecordArrival(clientID, f.Cmd, msg.ReceivedAt)
	}

	// 入库
	persistCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	err = p.store.SaveTelemetry(persistCtx, records)
	cancel()
	if err != nil {
		p.metrics.FrameDropped(StagePersist)
		return &DropError{Stage: StagePersist, Reason: "store write failed", Err: err}
	}
	p.metrics.RecordsPersisted(len(records))

	p.trackSession(clientID, records, msg.ReceivedAt)

	// 推送
	p.broadcast(ctx, clientID, records)
	p.metrics.ObserveIngest(msg.ReceivedAt)
	return nil
}

// trackSession 刷新设备会话，同步 IO 通道状态
func (p *Pipeline) trackSession(clientID string, records []*models.TelemetryRecord, at time.Time) {
	if !p.registry.Touch(clientID, at) {
		// 没有状态消息但有数据，说明设备在线
		p.registry.Upsert(models.DeviceSession{ClientID: clientID, MACAddress: clientID, ConnectedAt: at})
		if p.presence != nil {
			s, _ := p.registry.Find(clientID)
			p.presence.Queue(models.DeltaOf(s, at))
		}
		p.metrics.SetSessions(p.registry.Len())
	}

	var input, output *bool
	for _, rec := range records {
		b, ok := rec.Value.Bool()
		if !ok {
			continue
		}
		v := b
		switch {
		case strings.HasPrefix(rec.Cmd, "CMD_INPUT_"), strings.HasPrefix(rec.Cmd, "CMD_PUSH_IO_DI"):
			input = &v
		case strings.HasPrefix(rec.Cmd, "CMD_OUTPUT_"), strings.HasPrefix(rec.Cmd, "CMD_PUSH_IO_DO"):
			output = &v
		}
	}
	if input == nil && output == nil {
		return
	}
	if s, ok, changed := p.registry.SetIO(clientID, input, output); ok && changed && p.presence != nil {
		p.presence.Queue(models.DeltaOf(s, at))
	}
}

func (p *Pipeline) broadcast(ctx context.Context, clientID string, records []*models.TelemetryRecord) {
	if p.out == nil {
		return
	}

	for _, rec := range records {
		at := rec.Time()
		p.emit(ctx, broadcast.Event{Name: broadcast.EventSendData, DeviceID: clientID, Data: rec, At: at})
		p.emit(ctx, broadcast.Event{Name: broadcast.EventMonitor, DeviceID: clientID, Data: rec, At: at})
	}
	p.emitStatistics(ctx, clientID, records[len(records)-1].Time())
}

// emitStatistics 只能在 clientID 所属的 worker 上调用
func (p *Pipeline) emitStatistics(ctx context.Context, clientID string, at time.Time) {
	if p.out == nil {
		return
	}
	p.emit(ctx, broadcast.Event{
		Name:     broadcast.EventStatistics,
		DeviceID: clientID,
		Data:     models.StatsByCmd(clientID, p.stats.Snapshot(clientID)),
		At:       at,
	})
}

func (p *Pipeline) emit(ctx context.Context, ev broadcast.Event) {
	p.metrics.Event(ev.Name)
	if err := p.out.Broadcast(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", ev.Name).Str("deviceId", ev.DeviceID).Msg("broadcast failed")
	}
}
