package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iotgateway/gateway-core/internal/models"
)

func TestUpsertKeepsOneSessionPerClient(t *testing.T) {
	r := New(4)

	for i := 0; i < 5; i++ {
		r.Upsert(models.DeviceSession{ClientID: "aabbccddeeff", Username: fmt.Sprintf("user-%d", i)})
		r.Upsert(models.DeviceSession{ClientID: "112233445566", Username: fmt.Sprintf("other-%d", i)})
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	for _, s := range list {
		switch s.ClientID {
		case "aabbccddeeff":
			if s.Username != "user-4" {
				t.Fatalf("expected most recent upsert, got %s", s.Username)
			}
		case "112233445566":
			if s.Username != "other-4" {
				t.Fatalf("expected most recent upsert, got %s", s.Username)
			}
		default:
			t.Fatalf("unexpected client %s", s.ClientID)
		}
	}
}

func TestUpsertReturnsEvictedSession(t *testing.T) {
	r := New(0)

	if evicted := r.Upsert(models.DeviceSession{ClientID: "AA:BB:CC:DD:EE:FF", IPAddress: "10.0.0.1"}); evicted != nil {
		t.Fatalf("first upsert evicted %+v", evicted)
	}
	evicted := r.Upsert(models.DeviceSession{ClientID: "aabbccddeeff", IPAddress: "10.0.0.2"})
	if evicted == nil || evicted.IPAddress != "10.0.0.1" {
		t.Fatalf("expected evicted session from 10.0.0.1, got %+v", evicted)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestConcurrentUpsertUniqueness(t *testing.T) {
	r := New(8)
	var wg sync.WaitGroup

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("dev-%02d", i%10)
				r.Upsert(models.DeviceSession{ClientID: id, Username: fmt.Sprintf("w%d", w)})
				if _, ok := r.Find(id); !ok {
					t.Errorf("session %s vanished", id)
				}
				r.List()
			}
		}(w)
	}
	wg.Wait()

	list := r.List()
	if len(list) != 10 {
		t.Fatalf("expected 10 sessions, got %d", len(list))
	}
	seen := make(map[string]bool)
	for _, s := range list {
		if seen[s.ClientID] {
			t.Fatalf("duplicate session %s", s.ClientID)
		}
		seen[s.ClientID] = true
	}
}

func TestFindReturnsCopy(t *testing.T) {
	r := New(2)
	r.Upsert(models.DeviceSession{ClientID: "dev"})

	s, _ := r.Find("dev")
	s.Status = models.SessionOffline

	again, _ := r.Find("dev")
	if again.Status != models.SessionOnline {
		t.Fatalf("mutating a copy leaked into the registry")
	}
}

func TestSetStatusAndIO(t *testing.T) {
	r := New(2)
	r.Upsert(models.DeviceSession{ClientID: "dev"})
	at := time.Now()

	if _, ok, changed := r.SetStatus("dev", models.SessionOffline, at); !ok || !changed {
		t.Fatalf("expected status change, ok=%v changed=%v", ok, changed)
	}
	if _, _, changed := r.SetStatus("dev", models.SessionOffline, at); changed {
		t.Fatalf("repeated status must not report a change")
	}

	on := true
	s, ok, changed := r.SetIO("dev", &on, nil)
	if !ok || !changed || !s.InputActive || s.OutputActive {
		t.Fatalf("unexpected IO update: %+v changed=%v", s, changed)
	}

	if _, ok, _ := r.SetStatus("missing", models.SessionOnline, at); ok {
		t.Fatalf("unknown client must not be found")
	}
}

func TestRemoveAndCleanup(t *testing.T) {
	r := New(2)
	old := time.Now().Add(-time.Hour)

	r.Upsert(models.DeviceSession{ClientID: "gone", Status: models.SessionOffline, ConnectedAt: old})
	r.Upsert(models.DeviceSession{ClientID: "online", ConnectedAt: old})
	r.Upsert(models.DeviceSession{ClientID: "recent", Status: models.SessionOffline})
	r.Upsert(models.DeviceSession{ClientID: "bye"})

	if !r.Remove("bye") || r.Remove("bye") {
		t.Fatalf("remove must succeed exactly once")
	}

	removed := r.Cleanup(time.Now().Add(-time.Minute))
	if len(removed) != 1 || removed[0].ClientID != "gone" {
		t.Fatalf("expected only the stale offline session removed, got %+v", removed)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 sessions left, got %d", r.Len())
	}
}

func TestRunExpiresOfflineSessions(t *testing.T) {
	r := New(2)
	r.Upsert(models.DeviceSession{ClientID: "gone", Status: models.SessionOffline, ConnectedAt: time.Now().Add(-time.Hour)})
	r.Upsert(models.DeviceSession{ClientID: "online", ConnectedAt: time.Now().Add(-time.Hour)})

	removed := make(chan models.DeviceSession, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond, time.Minute, func(s models.DeviceSession) { removed <- s })
		close(done)
	}()

	select {
	case s := <-removed:
		if s.ClientID != "gone" {
			t.Fatalf("unexpected expiry %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("offline session never expired")
	}
	cancel()
	<-done

	if _, ok := r.Find("online"); !ok || r.Len() != 1 {
		t.Fatalf("online session must survive cleanup")
	}
}
