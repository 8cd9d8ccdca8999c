// Package governor enforces platform-side publish rate limits before any
// network call is made. Two independent limits apply: a token bucket over a
// one minute window and a hard daily ceiling that refills at local midnight.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "plume/internal/errors"
	"plume/internal/logging"
)

// Config sizes the two limits.
type Config struct {
	PerMinute int
	// Burst caps back-to-back publishes; defaults to PerMinute.
	Burst  int
	PerDay int
	// Location anchors the daily refill to local midnight.
	Location *time.Location
}

// Pressure is a point-in-time snapshot of limiter occupancy, each value in
// [0, 1] where 1 means exhausted.
type Pressure struct {
	Minute float64 `json:"minute"`
	Day    float64 `json:"day"`
}

// Governor serializes publish admission across all workers in the process.
type Governor struct {
	limiter  *rate.Limiter
	perDay   int
	loc      *time.Location
	logger   logging.Logger
	now      func() time.Time
	newTimer func(d time.Duration) *time.Timer

	mu       sync.Mutex
	dayStart time.Time // local midnight of the current window
	dayUsed  int
}

// New builds a governor from config. Zero or negative limits are rejected
// by config validation upstream; here they would admit nothing.
func New(cfg Config, logger logging.Logger) *Governor {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.PerMinute
	}
	g := &Governor{
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), burst),
		perDay:   cfg.PerDay,
		loc:      loc,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		newTimer: time.NewTimer,
	}
	g.dayStart = localMidnight(g.now().In(loc))
	return g
}

// Acquire blocks until a publish slot is available or the deadline passes.
//
// The daily ceiling is checked first: exhausting it returns a quota error
// whose cooldown runs to the next local midnight, so callers can park the
// task instead of spinning. A minute-bucket wait that cannot finish before
// the deadline returns a transient error without consuming a token.
func (g *Governor) Acquire(ctx context.Context, deadline time.Time) error {
	now := g.now()

	g.mu.Lock()
	g.rollDayLocked(now)
	if g.dayUsed >= g.perDay {
		cooldown := g.dayStart.AddDate(0, 0, 1).Sub(now)
		g.mu.Unlock()
		g.logger.Warn("daily publish ceiling reached (%d), cooling down %s", g.perDay, cooldown.Round(time.Second))
		return apperrors.NewQuota(fmt.Errorf("daily publish ceiling %d reached", g.perDay), cooldown)
	}
	g.mu.Unlock()

	res := g.limiter.ReserveN(now, 1)
	if !res.OK() {
		return apperrors.NewTransient(fmt.Errorf("publish burst larger than minute bucket"))
	}
	delay := res.DelayFrom(now)
	if !deadline.IsZero() && now.Add(delay).After(deadline) {
		res.CancelAt(now)
		return apperrors.NewTransient(fmt.Errorf("rate slot not available before deadline (need %s)", delay.Round(time.Millisecond)))
	}
	if delay > 0 {
		timer := g.newTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			res.CancelAt(g.now())
			return apperrors.NewTransient(ctx.Err())
		case <-timer.C:
		}
	}

	g.mu.Lock()
	g.rollDayLocked(g.now())
	g.dayUsed++
	g.mu.Unlock()
	return nil
}

// CurrentPressure reports how close each limit is to exhaustion.
func (g *Governor) CurrentPressure() Pressure {
	now := g.now()

	g.mu.Lock()
	g.rollDayLocked(now)
	day := float64(g.dayUsed) / float64(g.perDay)
	g.mu.Unlock()

	burst := float64(g.limiter.Burst())
	minute := 1 - g.limiter.TokensAt(now)/burst
	if minute < 0 {
		minute = 0
	}
	if minute > 1 {
		minute = 1
	}
	return Pressure{Minute: minute, Day: day}
}

// rollDayLocked resets the daily counter when a local midnight has passed.
func (g *Governor) rollDayLocked(now time.Time) {
	midnight := localMidnight(now.In(g.loc))
	if midnight.After(g.dayStart) {
		g.dayStart = midnight
		g.dayUsed = 0
	}
}

func localMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
