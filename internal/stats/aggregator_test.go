package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iotgateway/gateway-core/internal/models"
)

const heartbeat = "CMD_PUSH_HEARTBEAT"

func newTestAggregator() *Aggregator {
	return New(Options{
		Shards:     4,
		Intervals:  map[string]time.Duration{heartbeat: 30 * time.Second},
		GraceRatio: 0.5,
	})
}

func TestIntervalDetector(t *testing.T) {
	d := NewIntervalDetector(30*time.Second, 0.5)
	base := time.Unix(1000, 0)

	tests := []struct {
		elapsed time.Duration
		want    uint64
	}{
		{0, 0},
		{30 * time.Second, 0},
		{44 * time.Second, 0},
		{45 * time.Second, 1},
		{74 * time.Second, 1},
		{75 * time.Second, 2},
		{10 * time.Minute, 19},
	}
	for _, tt := range tests {
		if got := d.Missed(base, base.Add(tt.elapsed)); got != tt.want {
			t.Fatalf("elapsed %v: expected %d, got %d", tt.elapsed, tt.want, got)
		}
	}

	if got := (IntervalDetector{}).Missed(base, base.Add(time.Hour)); got != 0 {
		t.Fatalf("zero interval must never report gaps, got %d", got)
	}
}

func TestRecordArrivalCountsGapOnce(t *testing.T) {
	a := newTestAggregator()
	base := time.Unix(1000, 0)

	a.RecordArrival("dev", heartbeat, base)

	// The sweeper sees two missed windows before the device comes back.
	a.Sweep(base.Add(80 * time.Second))
	st := a.Snapshot("dev")[0]
	if st.MissedCount != 2 {
		t.Fatalf("expected 2 missed after sweep, got %d", st.MissedCount)
	}

	// The arrival settles the same gap and must not count it again.
	st = a.RecordArrival("dev", heartbeat, base.Add(100*time.Second))
	if st.MissedCount != 2 || st.RealTimeCount != 2 {
		t.Fatalf("expected realTime 2 missed 2, got %+v", st)
	}

	// A second sweep in the same window adds nothing.
	if _, added := a.Sweep(base.Add(110 * time.Second)); added != 0 {
		t.Fatalf("expected no new gaps, got %d", added)
	}
}

func TestArrivalWithoutSweepCountsGap(t *testing.T) {
	a := newTestAggregator()
	base := time.Unix(1000, 0)

	a.RecordArrival("dev", heartbeat, base)
	st := a.RecordArrival("dev", heartbeat, base.Add(95*time.Second))
	if st.MissedCount != 2 {
		t.Fatalf("expected 2 missed, got %d", st.MissedCount)
	}
}

func TestCommandsWithoutIntervalNeverMiss(t *testing.T) {
	a := newTestAggregator()
	base := time.Unix(1000, 0)

	a.RecordArrival("dev", "CMD_INPUT_CHANNEL1", base)
	a.Sweep(base.Add(time.Hour))
	st := a.RecordArrival("dev", "CMD_INPUT_CHANNEL1", base.Add(2*time.Hour))
	if st.MissedCount != 0 || st.RealTimeCount != 2 {
		t.Fatalf("unexpected counters %+v", st)
	}
}

func TestConcurrentArrivalsAreNotLost(t *testing.T) {
	a := newTestAggregator()
	base := time.Unix(1000, 0)

	const workers = 16
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var prev models.CmdStat
			for i := 0; i < perWorker; i++ {
				st := a.RecordArrival("dev", "CMD_PUSH_AI1", base.Add(time.Duration(i)*time.Millisecond))
				if st.RealTimeCount <= prev.RealTimeCount || st.MissedCount < prev.MissedCount {
					t.Errorf("counters went backwards: %+v after %+v", st, prev)
					return
				}
				prev = st
				a.RecordMissed(fmt.Sprintf("dev-%d", w), "CMD_PUSH_AI1", 1)
				a.Snapshot("")
			}
		}(w)
	}
	wg.Wait()

	snap := a.Snapshot("dev")
	if len(snap) != 1 || snap[0].RealTimeCount != workers*perWorker {
		t.Fatalf("expected %d arrivals, got %+v", workers*perWorker, snap)
	}
	for w := 0; w < workers; w++ {
		st := a.Snapshot(fmt.Sprintf("dev-%d", w))
		if len(st) != 1 || st[0].MissedCount != perWorker {
			t.Fatalf("worker %d: expected %d missed, got %+v", w, perWorker, st)
		}
	}
}

func TestSnapshotOrdering(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()
	a.RecordArrival("b", "CMD_2", now)
	a.RecordArrival("a", "CMD_2", now)
	a.RecordArrival("a", "CMD_1", now)

	all := a.Snapshot("")
	if len(all) != 3 || all[0].DeviceID != "a" || all[0].Cmd != "CMD_1" || all[2].DeviceID != "b" {
		t.Fatalf("unexpected order: %+v", all)
	}
	if got := a.Snapshot("missing"); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", got)
	}
}

type fakePersister struct {
	mu      sync.Mutex
	rows    []models.CmdStat
	fail    error
	flushed [][]models.CmdStat
}

func (f *fakePersister) UpsertCmdStats(ctx context.Context, stats []models.CmdStat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.flushed = append(f.flushed, stats)
	return nil
}

func (f *fakePersister) ListCmdStats(ctx context.Context) ([]models.CmdStat, error) {
	return f.rows, nil
}

func TestFlushKeepsDirtyOnFailure(t *testing.T) {
	a := newTestAggregator()
	p := &fakePersister{fail: errors.New("db down")}
	ctx := context.Background()

	a.RecordArrival("dev", heartbeat, time.Now())

	if _, err := a.Flush(ctx, p); err == nil {
		t.Fatalf("expected flush error")
	}

	p.fail = nil
	n, err := a.Flush(ctx, p)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row flushed after recovery, got %d (%v)", n, err)
	}
	if n, _ := a.Flush(ctx, p); n != 0 {
		t.Fatalf("clean counters must not be flushed again, got %d", n)
	}
}

func TestRestoreNeverLowersCounters(t *testing.T) {
	a := newTestAggregator()
	a.RecordArrival("dev", heartbeat, time.Now())
	a.RecordArrival("dev", heartbeat, time.Now())

	p := &fakePersister{rows: []models.CmdStat{
		{DeviceID: "dev", Cmd: heartbeat, RealTimeCount: 1, MissedCount: 7, LastSeen: time.Now().Add(-time.Hour)},
		{DeviceID: "other", Cmd: heartbeat, RealTimeCount: 40, LastSeen: time.Now().Add(-time.Hour)},
	}}
	if _, err := a.Restore(context.Background(), p); err != nil {
		t.Fatalf("restore: %v", err)
	}

	dev := a.Snapshot("dev")[0]
	if dev.RealTimeCount != 2 || dev.MissedCount != 7 {
		t.Fatalf("unexpected merged counters %+v", dev)
	}

	// Gateway downtime is not charged to the restored device.
	if _, added := a.Sweep(time.Now().Add(10 * time.Second)); added != 0 {
		t.Fatalf("expected no gaps right after restore, got %d", added)
	}
}
