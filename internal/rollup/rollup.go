// Package rollup folds publishing log rows into hourly analytics buckets.
// Each log row is consumed exactly once: the store marks the row and
// upserts its bucket in one transaction, so a crashed sweep repeats no
// accumulation when it reruns.
package rollup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"plume/internal/domain/publishing"
	"plume/internal/logging"
)

// Metrics receives the consumed row count per sweep.
type Metrics interface {
	LogsRolledUp(n int)
}

// Rollup sweeps unconsumed log rows into hour buckets.
type Rollup struct {
	store     publishing.Store
	batchSize int
	logger    logging.Logger
	cron      *cron.Cron
	metrics   Metrics

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// New builds a roll-up over the store.
func New(store publishing.Store, batchSize int, logger logging.Logger) *Rollup {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Rollup{store: store, batchSize: batchSize, logger: logging.OrNop(logger)}
}

// SetMetrics attaches an optional metrics sink.
func (r *Rollup) SetMetrics(m Metrics) { r.metrics = m }

// Sweep consumes unrolled log rows until the backlog is drained and
// returns how many rows were folded. Attempt-level accounting: a success
// row counts one successful task, every failure category counts one
// failed attempt; duration accumulates either way.
func (r *Rollup) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		logs, err := r.store.ListUnrolledLogs(ctx, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("list unrolled logs: %w", err)
		}
		if len(logs) == 0 {
			return total, nil
		}
		for _, log := range logs {
			delta := deltaFor(log)
			hour := publishing.HourOf(log.PublishedAt)
			if err := r.store.ApplyRollup(ctx, log.ID, hour, log.ProjectID, delta); err != nil {
				return total, fmt.Errorf("apply rollup for log %d: %w", log.ID, err)
			}
			total++
		}
		if r.metrics != nil {
			r.metrics.LogsRolledUp(len(logs))
		}
		if len(logs) < r.batchSize {
			return total, nil
		}
	}
}

// Start runs Sweep on the given interval until Stop. One immediate sweep
// drains backlog accumulated while the process was down.
func (r *Rollup) Start(interval time.Duration) error {
	r.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := r.cron.AddFunc("@every "+interval.String(), r.tick); err != nil {
		return err
	}
	r.tick()
	r.cron.Start()
	r.logger.Info("rollup loop started")
	return nil
}

// Stop halts the loop and waits for an in-flight sweep.
func (r *Rollup) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("rollup loop stopped")
}

// Status reports the last completed sweep.
func (r *Rollup) Status() (lastRun time.Time, lastErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastErr
}

func (r *Rollup) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	n, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("rollup sweep failed after %d rows: %v", n, err)
	} else if n > 0 {
		r.logger.Info("rolled up %d log rows", n)
	}

	r.mu.Lock()
	r.lastRun = time.Now().UTC()
	r.lastErr = err
	r.mu.Unlock()
}

func deltaFor(log *publishing.Log) publishing.HourlyDelta {
	delta := publishing.HourlyDelta{DurationS: log.DurationS}
	if log.Status == publishing.LogSuccess {
		delta.Successful = 1
	} else {
		delta.Failed = 1
	}
	return delta
}
