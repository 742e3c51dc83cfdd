package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/models"
)

// Persister stores counter snapshots across restarts
type Persister interface {
	UpsertCmdStats(ctx context.Context, stats []models.CmdStat) error
	ListCmdStats(ctx context.Context) ([]models.CmdStat, error)
}

// Restore loads persisted counters into the aggregator
func (a *Aggregator) Restore(ctx context.Context, p Persister) (int, error) {
	stats, err := p.ListCmdStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore stats: %w", err)
	}
	a.Load(stats, time.Now())
	return len(stats), nil
}

// Flush writes dirty counters. On failure they stay dirty for the next
// flush.
func (a *Aggregator) Flush(ctx context.Context, p Persister) (int, error) {
	dirty := a.Dirty()
	if len(dirty) == 0 {
		return 0, nil
	}
	if err := p.UpsertCmdStats(ctx, dirty); err != nil {
		a.markDirty(dirty)
		return 0, fmt.Errorf("flush stats: %w", err)
	}
	return len(dirty), nil
}

// Runner drives periodic gap sweeps and counter flushes
type Runner struct {
	Aggregator    *Aggregator
	Store         Persister
	SweepInterval time.Duration
	FlushInterval time.Duration

	// OnChange is called on the runner goroutine for every device whose
	// missed counters moved during a sweep.
	OnChange func(deviceID string)
}

// Run blocks until ctx is done, then flushes one last time
func (r *Runner) Run(ctx context.Context) error {
	sweep := time.NewTicker(r.SweepInterval)
	defer sweep.Stop()
	flush := time.NewTicker(r.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			if r.Store != nil {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if _, err := r.Aggregator.Flush(flushCtx, r.Store); err != nil {
					log.Error().Err(err).Msg("final stats flush failed")
				}
				cancel()
			}
			return nil
		case now := <-sweep.C:
			r.sweep(now)
		case <-flush.C:
			if r.Store == nil {
				continue
			}
			n, err := r.Aggregator.Flush(ctx, r.Store)
			if err != nil {
				log.Warn().Err(err).Msg("stats flush failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("rows", n).Msg("stats flushed")
			}
		}
	}
}

func (r *Runner) sweep(now time.Time) {
	changed, added := r.Aggregator.Sweep(now)
	if added > 0 {
		log.Debug().Uint64("missed", added).Int("devices", len(changed)).Msg("gap sweep")
	}
	if r.OnChange == nil {
		return
	}
	for deviceID := range changed {
		r.OnChange(deviceID)
	}
}
