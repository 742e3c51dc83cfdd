package server

import (
	"context"
	"testing"
	"time"

	"github.com/iotgateway/gateway-core/internal/api"
	"github.com/iotgateway/gateway-core/internal/dispatch"
	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/internal/stats"
	"github.com/iotgateway/gateway-core/internal/storage"
)

type nopPublisher struct{ topics []string }

func (p *nopPublisher) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	p.topics = append(p.topics, topic)
	return nil
}

func newTestSubscriber() (*NATSSubscriber, *registry.Registry, *stats.Aggregator, *nopPublisher) {
	reg := registry.New(4)
	agg := stats.New(stats.Options{})
	pub := &nopPublisher{}
	d := dispatch.New(reg, pub, storage.NewMemoryStore(), nil, dispatch.Config{PublishTimeout: time.Second})
	return NewNATSSubscriber(nil, "", d, agg, reg), reg, agg, pub
}

func TestHandleDispatch(t *testing.T) {
	s, reg, _, pub := newTestSubscriber()
	reg.Upsert(models.DeviceSession{ClientID: "aabbccddeeff"})
	ctx := context.Background()

	resp := s.handleDispatch(ctx, "gateway.dispatch", []byte(`{"mac":"AA:BB:CC:DD:EE:FF","type":"output1-on"}`)).(api.DispatchResponse)
	if !resp.Success || resp.Hex != "03 01 07 01 EC" {
		t.Fatalf("unexpected reply %+v", resp)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "device/aabbccddeeff/down" {
		t.Fatalf("unexpected publishes %v", pub.topics)
	}

	resp = s.handleDispatch(ctx, "gateway.dispatch", []byte(`{"mac":"ffeeddccbbaa","action":"reboot"}`)).(api.DispatchResponse)
	if resp.Success || resp.Status != string(models.DispatchRefused) {
		t.Fatalf("expected refusal, got %+v", resp)
	}

	for _, body := range []string{`not json`, `{"action":"reboot"}`, `{"mac":"aabbccddeeff"}`} {
		resp = s.handleDispatch(ctx, "gateway.dispatch", []byte(body)).(api.DispatchResponse)
		if resp.Success {
			t.Fatalf("%s: expected rejection", body)
		}
	}
	if len(pub.topics) != 1 {
		t.Fatalf("rejected requests must not publish")
	}
}

func TestHandleStatisticsAndSessions(t *testing.T) {
	s, reg, agg, _ := newTestSubscriber()
	reg.Upsert(models.DeviceSession{ClientID: "aabbccddeeff"})
	agg.RecordArrival("aabbccddeeff", "CMD_PUSH_AI1", time.Now())

	out := s.handleStatistics(context.Background(), "gateway.statistics.AABBCCDDEEFF", nil).(map[string]interface{})
	if out["deviceId"] != "aabbccddeeff" {
		t.Fatalf("unexpected device %v", out["deviceId"])
	}
	if st, ok := out["CMD_PUSH_AI1"].(models.CmdStat); !ok || st.RealTimeCount != 1 {
		t.Fatalf("unexpected statistics %+v", out)
	}

	sessions := s.handleSessions(context.Background(), "gateway.sessions", nil).(map[string]interface{})
	if sessions["total"] != 1 {
		t.Fatalf("expected one session, got %v", sessions["total"])
	}
}
