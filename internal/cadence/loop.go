package cadence

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"plume/internal/logging"
)

// Loop drives the planner on a fixed tick using robfig/cron. Ticks never
// overlap: a slow planning pass skips the next tick instead of stacking.
type Loop struct {
	planner *Planner
	cron    *cron.Cron
	logger  logging.Logger

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// NewLoop wires a planner to a tick interval.
func NewLoop(planner *Planner, tick time.Duration, logger logging.Logger) (*Loop, error) {
	logger = logging.OrNop(logger)
	l := &Loop{
		planner: planner,
		logger:  logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	spec := "@every " + tick.String()
	if _, err := l.cron.AddFunc(spec, l.tick); err != nil {
		return nil, err
	}
	return l, nil
}

// Start begins ticking. One immediate pass runs first so a restart does
// not wait a full interval to replan.
func (l *Loop) Start() {
	l.tick()
	l.cron.Start()
	l.logger.Info("cadence loop started")
}

// Stop halts ticking and waits for an in-flight pass to finish.
func (l *Loop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
	l.logger.Info("cadence loop stopped")
}

// Status reports the last completed pass.
func (l *Loop) Status() (lastRun time.Time, lastErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRun, l.lastErr
}

func (l *Loop) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	_, err := l.planner.PlanAll(ctx)
	if err != nil {
		l.logger.Error("planning pass failed: %v", err)
	}

	l.mu.Lock()
	l.lastRun = time.Now().UTC()
	l.lastErr = err
	l.mu.Unlock()
}
