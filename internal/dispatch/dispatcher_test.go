package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iotgateway/gateway-core/internal/models"
	"github.com/iotgateway/gateway-core/internal/mqtt"
	"github.com/iotgateway/gateway-core/internal/registry"
	"github.com/iotgateway/gateway-core/internal/storage"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	sent  []published
	block bool
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if f.block {
		<-ctx.Done()
		return mqtt.ErrTimeout
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, published{topic, qos, payload})
	f.mu.Unlock()
	return nil
}

func newTestDispatcher(pub *fakePublisher) (*Dispatcher, *registry.Registry, *storage.MemoryStore) {
	reg := registry.New(4)
	store := storage.NewMemoryStore()
	d := New(reg, pub, store, nil, Config{QoS: 1, PublishTimeout: 50 * time.Millisecond})
	return d, reg, store
}

func TestDispatchUnknownDeviceDoesNotPublish(t *testing.T) {
	pub := &fakePublisher{}
	d, _, store := newTestDispatcher(pub)

	_, err := d.Dispatch(context.Background(), "unknown-device", "output1-on")
	if !errors.Is(err, ErrDeviceNotConnected) {
		t.Fatalf("expected ErrDeviceNotConnected, got %v", err)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("expected no publish, got %d", len(pub.sent))
	}

	logs, _ := store.ListDispatchLogs(context.Background(), "unknown-device", 10)
	if len(logs) != 1 || logs[0].Status != models.DispatchRefused {
		t.Fatalf("expected one refused log entry, got %+v", logs)
	}
}

func TestDispatchOfflineDeviceIsRefused(t *testing.T) {
	pub := &fakePublisher{}
	d, reg, _ := newTestDispatcher(pub)
	reg.Upsert(models.DeviceSession{ClientID: "aabbccddeeff", Status: models.SessionOffline})

	if _, err := d.Dispatch(context.Background(), "aabbccddeeff", "reboot"); !errors.Is(err, ErrDeviceNotConnected) {
		t.Fatalf("expected ErrDeviceNotConnected, got %v", err)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("expected no publish for offline device")
	}
}

func TestDispatchPublishesCanonicalFrame(t *testing.T) {
	pub := &fakePublisher{}
	d, reg, _ := newTestDispatcher(pub)
	reg.Upsert(models.DeviceSession{ClientID: "AA:BB:CC:DD:EE:FF"})

	res, err := d.Dispatch(context.Background(), "aa:bb:cc:dd:ee:ff", "output1-on")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Hex != "03 01 07 01 EC" || res.Topic != "device/aabbccddeeff/down" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(pub.sent) != 1 || !bytes.Equal(pub.sent[0].payload, []byte("03010701EC")) || pub.sent[0].qos != 1 {
		t.Fatalf("unexpected publish %+v", pub.sent)
	}

	// Repeated dispatch is allowed and not deduplicated.
	if _, err := d.Dispatch(context.Background(), "aabbccddeeff", "output1-on"); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.sent))
	}
}

func TestDispatchTimeout(t *testing.T) {
	pub := &fakePublisher{block: true}
	d, reg, store := newTestDispatcher(pub)
	reg.Upsert(models.DeviceSession{ClientID: "dev"})

	_, err := d.Dispatch(context.Background(), "dev", "query-io")
	if !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("expected ErrPublishTimeout, got %v", err)
	}

	logs, _ := store.ListDispatchLogs(context.Background(), "dev", 10)
	if len(logs) != 1 || logs[0].Status != models.DispatchFailed {
		t.Fatalf("expected one failed log entry, got %+v", logs)
	}
}

func TestDispatchRawAndStructured(t *testing.T) {
	pub := &fakePublisher{}
	d, reg, _ := newTestDispatcher(pub)
	reg.Upsert(models.DeviceSession{ClientID: "dev"})
	ctx := context.Background()

	if _, err := d.DispatchRaw(ctx, "dev", []byte{0x03, 0x01, 0x07, 0x01, 0xED}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("corrupt raw frame must be rejected, got %v", err)
	}
	if _, err := d.DispatchRaw(ctx, "dev", []byte{0x03, 0x01, 0x07, 0x01, 0xEC}); err != nil {
		t.Fatalf("raw dispatch: %v", err)
	}

	res, err := d.DispatchStructured(ctx, "dev", codec.TypeModbusRead, map[string]interface{}{
		"slave": float64(1), "address": float64(0x10), "quantity": float64(2),
	})
	if err != nil {
		t.Fatalf("structured dispatch: %v", err)
	}
	frame, _ := codec.ParseHex(res.Hex)
	if frame[0] != codec.OpModbus {
		t.Fatalf("expected modbus opcode, got %s", res.Hex)
	}

	if _, err := d.DispatchStructured(ctx, "dev", "launch-rocket", nil); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.sent))
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	pub := &fakePublisher{}
	d, reg, _ := newTestDispatcher(pub)
	reg.Upsert(models.DeviceSession{ClientID: "dev"})

	if _, err := d.Dispatch(context.Background(), "dev", "self-destruct"); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}
