package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iotgateway/gateway-core/internal/broadcast"
	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/internal/stats"
	"github.com/iotgateway/gateway-core/internal/storage"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) Broadcast(ctx context.Context, ev broadcast.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) named(name string) []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	pipeline *Pipeline
	presence *Presence
	registry *registry.Registry
	store    *storage.MemoryStore
	stats    *stats.Aggregator
	out      *recorder
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		registry: registry.New(4),
		store:    storage.NewMemoryStore(),
		stats:    stats.New(stats.Options{Intervals: codec.Intervals(), GraceRatio: 0.5}),
		out:      &recorder{},
	}
	f.presence = NewPresence(f.registry, f.out, nil)
	f.pipeline = NewPipeline(cfg, f.registry, f.presence, f.store, f.stats, f.out, nil)
	return f
}

func TestEndToEndIOControlFrame(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	err := f.pipeline.Process(ctx, Message{
		Topic:      "device/aabbccddeeff/up",
		Payload:    []byte("03 01 07 01 EC"),
		ReceivedAt: at,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	records, total, err := f.store.QueryTelemetry(ctx, storage.TelemetryFilter{DeviceID: "aabbccddeeff"}, models.PageRequest{})
	if err != nil || total != 1 {
		t.Fatalf("expected 1 persisted record, got %d (%v)", total, err)
	}
	rec := records[0]
	if rec.Cmd != "CMD_INPUT_CHANNEL1" || rec.Timestamp != at.Unix() || rec.SourceTopic != "device/aabbccddeeff/up" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if b, ok := rec.Value.Bool(); !ok || !b {
		t.Fatalf("expected value true, got %v", rec.Value.Interface())
	}

	snap := f.stats.Snapshot("aabbccddeeff")
	if len(snap) != 1 || snap[0].Cmd != "CMD_INPUT_CHANNEL1" || snap[0].RealTimeCount != 1 {
		t.Fatalf("expected realTimeCount 1, got %+v", snap)
	}

	statEvents := f.out.named(broadcast.EventStatistics)
	if len(statEvents) != 1 {
		t.Fatalf("expected 1 statistics event, got %d", len(statEvents))
	}
	data := statEvents[0].Data.(map[string]interface{})
	if data["deviceId"] != "aabbccddeeff" {
		t.Fatalf("statistics event keyed by wrong device: %v", data["deviceId"])
	}
	if st, ok := data["CMD_INPUT_CHANNEL1"].(models.CmdStat); !ok || st.RealTimeCount != 1 {
		t.Fatalf("statistics event missing updated counter: %+v", data)
	}

	if len(f.out.named(broadcast.EventSendData)) != 1 || len(f.out.named(broadcast.EventMonitor)) != 1 {
		t.Fatalf("expected one data and one monitor event")
	}

	// The frame came without a status message: the device gets a session.
	s, ok := f.registry.Find("aabbccddeeff")
	if !ok || !s.InputActive {
		t.Fatalf("expected online session with input active, got %+v", s)
	}
}

func TestCorruptFrameIsDropped(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	err := f.pipeline.Process(ctx, Message{Topic: "device/dev/up", Payload: []byte("03 01 07 01 ED")})
	var drop *DropError
	if !errors.As(err, &drop) || drop.Stage != StageDecode || !errors.Is(err, codec.ErrChecksum) {
		t.Fatalf("expected checksum drop at decode, got %v", err)
	}
	if len(f.out.events) != 0 || f.stats.Len() != 0 {
		t.Fatalf("dropped frame must not reach stats or subscribers")
	}

	err = f.pipeline.Process(ctx, Message{Topic: "device/dev/up", Payload: []byte("not hex")})
	if !errors.As(err, &drop) || drop.Stage != StageDecode {
		t.Fatalf("expected decode drop, got %v", err)
	}

	// query-io carries no fields
	frame, _ := codec.Encode(codec.OpQueryIO, nil)
	err = f.pipeline.Process(ctx, Message{Topic: "device/dev/up", Payload: codec.WireHex.Marshal(frame)})
	if !errors.As(err, &drop) || drop.Stage != StageValidate {
		t.Fatalf("expected validate drop, got %v", err)
	}
}

func TestPersistenceFailureIsNotBroadcast(t *testing.T) {
	f := newFixture(Config{})
	f.store.FailWrites(errors.New("disk full"))

	err := f.pipeline.Process(context.Background(), Message{Topic: "device/dev/up", Payload: []byte("03010701EC")})

	var perr *storage.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(f.out.named(broadcast.EventSendData)) != 0 || len(f.out.named(broadcast.EventStatistics)) != 0 {
		t.Fatalf("unpersisted record was broadcast")
	}
}

func TestWorkersPreserveDeviceOrder(t *testing.T) {
	f := newFixture(Config{Workers: 4, QueueSize: 2})
	f.pipeline.Start(context.Background())

	const n = 40
	devices := []string{"dev-a", "dev-b", "dev-c"}
	for i := 0; i < n; i++ {
		for _, dev := range devices {
			frame, _ := codec.Encode(codec.OpHeartbeat, []byte{0, 0, 0, byte(i)})
			if err := f.pipeline.Submit(Message{Topic: "device/" + dev + "/up", Payload: codec.WireHex.Marshal(frame)}); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	f.pipeline.Stop()

	if err := f.pipeline.Submit(Message{Topic: "device/dev-a/up"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}

	for _, dev := range devices {
		id := registry.NormalizeClientID(dev)
		records, total, err := f.store.QueryTelemetry(context.Background(),
			storage.TelemetryFilter{DeviceID: id},
			models.PageRequest{PageSize: n, SortBy: models.SortByID, SortOrder: models.SortAsc})
		if err != nil || total != n {
			t.Fatalf("%s: expected %d records, got %d (%v)", dev, n, total, err)
		}
		for i, rec := range records {
			if rec.Value.Interface() != int64(i) {
				t.Fatalf("%s: record %d out of order: uptime %v", dev, i, rec.Value.Interface())
			}
		}

		var last int64 = -1
		for _, ev := range f.out.named(broadcast.EventSendData) {
			if ev.DeviceID != id {
				continue
			}
			v := ev.Data.(*models.TelemetryRecord).Value.Interface().(int64)
			if v <= last {
				t.Fatalf("%s: broadcast out of order: %d after %d", dev, v, last)
			}
			last = v
		}
	}
}

func TestUnknownTopicIsRejected(t *testing.T) {
	f := newFixture(Config{})
	if err := f.pipeline.Submit(Message{Topic: "elsewhere/x"}); err == nil {
		t.Fatalf("expected error for unknown topic")
	}
}

func heartbeatFrame(t *testing.T, uptime byte) []byte {
	t.Helper()
	frame, err := codec.Encode(codec.OpHeartbeat, []byte{0, 0, 0, uptime})
	if err != nil {
		t.Fatal(err)
	}
	return codec.WireHex.Marshal(frame)
}

func heartbeatCounts(events []broadcast.Event, deviceID string) []uint64 {
	var counts []uint64
	for _, ev := range events {
		if ev.DeviceID != deviceID {
			continue
		}
		st, _ := ev.Data.(map[string]interface{})["CMD_PUSH_HEARTBEAT"].(models.CmdStat)
		counts = append(counts, st.RealTimeCount)
	}
	return counts
}

func TestStatsPushFollowsDeviceFrames(t *testing.T) {
	f := newFixture(Config{Workers: 2, QueueSize: 64})
	f.pipeline.Start(context.Background())

	const n = 20
	for i := 0; i < n; i++ {
		if err := f.pipeline.Submit(Message{Topic: "device/aabbccddee01/up", Payload: heartbeatFrame(t, byte(i))}); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if err := f.pipeline.NotifyStats("AA:BB:CC:DD:EE:01"); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	f.pipeline.Stop()

	if err := f.pipeline.NotifyStats("aabbccddee01"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}

	// one push per frame plus one per notification, never going backwards
	counts := heartbeatCounts(f.out.named(broadcast.EventStatistics), "aabbccddee01")
	if len(counts) != 2*n {
		t.Fatalf("expected %d statistics events, got %d", 2*n, len(counts))
	}
	for i := 1; i < len(counts); i++ {
		if counts[i] < counts[i-1] {
			t.Fatalf("realTimeCount went down at event %d: %v", i, counts)
		}
	}
	if counts[len(counts)-1] != n {
		t.Fatalf("expected last push to report %d, got %d", n, counts[len(counts)-1])
	}
}

func TestSweepPushesMissedCount(t *testing.T) {
	f := newFixture(Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// last heartbeat two minutes ago: three 30s windows past the grace
	err := f.pipeline.Process(ctx, Message{
		Topic:      "device/aabbccddee01/up",
		Payload:    heartbeatFrame(t, 1),
		ReceivedAt: time.Now().Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	f.pipeline.Start(ctx)

	runner := &stats.Runner{
		Aggregator:    f.stats,
		SweepInterval: 5 * time.Millisecond,
		FlushInterval: time.Hour,
		OnChange: func(deviceID string) {
			if err := f.pipeline.NotifyStats(deviceID); err != nil {
				t.Errorf("notify: %v", err)
			}
		},
	}
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var missed uint64
	for missed == 0 && time.Now().Before(deadline) {
		for _, ev := range f.out.named(broadcast.EventStatistics) {
			st, _ := ev.Data.(map[string]interface{})["CMD_PUSH_HEARTBEAT"].(models.CmdStat)
			if st.MissedCount > missed {
				missed = st.MissedCount
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runner: %v", err)
	}
	f.pipeline.Stop()

	if missed != 3 {
		t.Fatalf("expected a statistics push with 3 missed, got %d", missed)
	}
}
