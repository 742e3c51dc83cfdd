package stats

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/iotgateway/gateway-core/internal/metrics"
	"github.com/iotgateway/gateway-core/internal/models"
)

// Aggregator keeps per (device, command) counters. The index is sharded by
// device id; each counter entry has its own mutex, so arrivals for
// different keys never contend and a snapshot holds one entry lock at a
// time.
type Aggregator struct {
	shards    []*shard
	detectors map[string]GapDetector
	metrics   *metrics.Metrics
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]map[string]*entry
}

type entry struct {
	deviceID string
	cmd      string

	mu   sync.Mutex
	stat models.CmdStat

	// since is the reference point of gap detection and counted the
	// windows already added to MissedCount since then.
	since   time.Time
	counted uint64
	dirty   bool
}

// Options configures an Aggregator
type Options struct {
	Shards int

	// Intervals maps a command name to its expected push interval.
	// Commands without one never accrue missed counts.
	Intervals  map[string]time.Duration
	GraceRatio float64

	// Detectors overrides the interval policy per command
	Detectors map[string]GapDetector

	Metrics *metrics.Metrics
}

// New creates an aggregator. The detector table is fixed from here on.
func New(opts Options) *Aggregator {
	n := opts.Shards
	if n <= 0 {
		n = 32
	}

	a := &Aggregator{
		shards:    make([]*shard, n),
		detectors: make(map[string]GapDetector, len(opts.Intervals)+len(opts.Detectors)),
		metrics:   opts.Metrics,
	}
	for i := range a.shards {
		a.shards[i] = &shard{devices: make(map[string]map[string]*entry)}
	}
	for cmd, iv := range opts.Intervals {
		if iv > 0 {
			a.detectors[cmd] = NewIntervalDetector(iv, opts.GraceRatio)
		}
	}
	for cmd, d := range opts.Detectors {
		a.detectors[cmd] = d
	}
	return a
}

func (a *Aggregator) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

func (a *Aggregator) lookup(deviceID, cmd string, create bool) *entry {
	sh := a.shardFor(deviceID)

	sh.mu.RLock()
	e := sh.devices[deviceID][cmd]
	sh.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	cmds, ok := sh.devices[deviceID]
	if !ok {
		cmds = make(map[string]*entry)
		sh.devices[deviceID] = cmds
	}
	if e = cmds[cmd]; e == nil {
		e = &entry{deviceID: deviceID, cmd: cmd, stat: models.CmdStat{DeviceID: deviceID, Cmd: cmd}}
		cmds[cmd] = e
	}
	return e
}

// settle adds windows missed up to now that were not counted yet. Caller
// holds e.mu.
func (e *entry) settle(d GapDetector, now time.Time) uint64 {
	if d == nil || e.since.IsZero() || !now.After(e.since) {
		return 0
	}
	expected := d.Missed(e.since, now)
	if expected <= e.counted {
		return 0
	}
	added := expected - e.counted
	e.stat.MissedCount += added
	e.counted = expected
	e.dirty = true
	return added
}

// RecordArrival counts one received record and returns the updated
// counters. Windows that elapsed before at are settled first.
func (a *Aggregator) RecordArrival(deviceID, cmd string, at time.Time) models.CmdStat {
	e := a.lookup(deviceID, cmd, true)

	e.mu.Lock()
	defer e.mu.Unlock()

	a.metrics.Missed(e.settle(a.detectors[cmd], at))
	e.stat.RealTimeCount++
	if at.After(e.since) {
		e.since = at
		e.counted = 0
	}
	if at.After(e.stat.LastSeen) {
		e.stat.LastSeen = at
	}
	e.dirty = true
	return e.stat
}

// RecordMissed adds n missed messages reported by an external detector
func (a *Aggregator) RecordMissed(deviceID, cmd string, n uint64) models.CmdStat {
	e := a.lookup(deviceID, cmd, true)

	e.mu.Lock()
	defer e.mu.Unlock()

	if n > 0 {
		e.stat.MissedCount += n
		e.dirty = true
	}
	return e.stat
}

// Sweep settles every entry with a gap detector against now and returns
// the devices whose counters changed, with the number of windows added.
func (a *Aggregator) Sweep(now time.Time) (map[string]struct{}, uint64) {
	changed := make(map[string]struct{})
	var total uint64

	for _, sh := range a.shards {
		for _, e := range sh.entries() {
			d := a.detectors[e.cmd]
			if d == nil {
				continue
			}
			e.mu.Lock()
			added := e.settle(d, now)
			e.mu.Unlock()
			if added > 0 {
				changed[e.deviceID] = struct{}{}
				total += added
			}
		}
	}
	a.metrics.Missed(total)
	return changed, total
}

// entries returns the shard's entries without holding the lock afterwards
func (sh *shard) entries() []*entry {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	var out []*entry
	for _, cmds := range sh.devices {
		for _, e := range cmds {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot copies the counters of deviceID, or of every device when
// deviceID is empty, ordered by device and command.
func (a *Aggregator) Snapshot(deviceID string) []models.CmdStat {
	var entries []*entry
	if deviceID != "" {
		sh := a.shardFor(deviceID)
		sh.mu.RLock()
		for _, e := range sh.devices[deviceID] {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
	} else {
		for _, sh := range a.shards {
			entries = append(entries, sh.entries()...)
		}
	}

	out := make([]models.CmdStat, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.stat)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Cmd < out[j].Cmd
	})
	return out
}

// Load seeds counters from persisted rows. Counters only move up; gap
// detection restarts from now so downtime of the gateway itself is not
// counted against devices.
func (a *Aggregator) Load(stats []models.CmdStat, now time.Time) {
	for _, st := range stats {
		e := a.lookup(st.DeviceID, st.Cmd, true)
		e.mu.Lock()
		if st.RealTimeCount > e.stat.RealTimeCount {
			e.stat.RealTimeCount = st.RealTimeCount
		}
		if st.MissedCount > e.stat.MissedCount {
			e.stat.MissedCount = st.MissedCount
		}
		if st.LastSeen.After(e.stat.LastSeen) {
			e.stat.LastSeen = st.LastSeen
		}
		if e.since.IsZero() && !st.LastSeen.IsZero() {
			e.since = now
			e.counted = 0
		}
		e.mu.Unlock()
	}
}

// Dirty returns the counters changed since the previous call and clears
// their dirty flag.
func (a *Aggregator) Dirty() []models.CmdStat {
	var out []models.CmdStat
	for _, sh := range a.shards {
		for _, e := range sh.entries() {
			e.mu.Lock()
			if e.dirty {
				out = append(out, e.stat)
				e.dirty = false
			}
			e.mu.Unlock()
		}
	}
	return out
}

// markDirty flags entries again after a failed flush
func (a *Aggregator) markDirty(stats []models.CmdStat) {
	for _, st := range stats {
		if e := a.lookup(st.DeviceID, st.Cmd, false); e != nil {
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
	}
}

// Len returns the number of tracked (device, command) pairs
func (a *Aggregator) Len() int {
	n := 0
	for _, sh := range a.shards {
		sh.mu.RLock()
		for _, cmds := range sh.devices {
			n += len(cmds)
		}
		sh.mu.RUnlock()
	}
	return n
}
