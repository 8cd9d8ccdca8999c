// Package cadence places pending tasks on the publication timeline.
//
// The planner walks a virtual cursor forward from
// max(now, last_scheduled + min_interval) and assigns each pending task the
// admissible slot nearest the cursor: never in a blackout hour, snapped to
// an optimal hour when one is close enough, never more than daily_max
// placements per local day, and never past the planning horizon. All local
// time arithmetic happens here and nowhere else; stored instants are UTC.
//
// The minimum interval spaces the nominal cursor, not the final slots.
// Optimal-hour snapping wins within the snap window, so two adjacent
// placements can land closer than the interval when both snap toward each
// other (a 4h interval over the 9/12/15/18/21 hour set yields 3h gaps).
// Placements are still strictly increasing per project.
package cadence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
	"plume/internal/logging"
)

// Config is the cadence rule set for the planner.
type Config struct {
	MinInterval   time.Duration
	OptimalHours  map[int]bool
	BlackoutHours map[int]bool
	DailyMax      int
	Horizon       time.Duration
	// SnapWindow bounds how far a nominal instant may move to reach an
	// optimal hour. Beyond it the nearest non-blackout slot is used.
	SnapWindow time.Duration
	Location   *time.Location
	// BatchLimit caps pending tasks considered per project per run.
	BatchLimit int
}

// Planner computes and applies placements.
type Planner struct {
	store  publishing.Store
	cfg    Config
	logger logging.Logger
	now    func() time.Time
}

// Report summarizes one planning run for one project.
type Report struct {
	ProjectID int64
	Examined  int
	Placed    int // reschedules actually applied
	Unchanged int // already at their planned slot
	Conflicts int // lost version races, retried next run
	Deferred  int // beyond the horizon
}

// New builds a planner over the store.
func New(store publishing.Store, cfg Config, logger logging.Logger) *Planner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SnapWindow <= 0 {
		cfg.SnapWindow = 3 * time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	return &Planner{store: store, cfg: cfg, logger: logging.OrNop(logger), now: time.Now}
}

// PlanAll plans every project and returns the per-project reports.
func (p *Planner) PlanAll(ctx context.Context) ([]*Report, error) {
	projects, err := p.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var reports []*Report
	for _, project := range projects {
		report, err := p.PlanProject(ctx, project.ID)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// PlanProject replans the project's pending tasks. The run is a fixed
// point: replanning an already satisfied timeline applies no reschedules.
func (p *Planner) PlanProject(ctx context.Context, projectID int64) (*Report, error) {
	now := p.now().UTC()
	report := &Report{ProjectID: projectID}

	pending, err := p.store.ListPendingForPlanning(ctx, projectID, p.cfg.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending for project %d: %w", projectID, err)
	}
	if len(pending) == 0 {
		return report, nil
	}
	report.Examined = len(pending)

	cursor := now
	last, ok, err := p.store.LastScheduledAt(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("last scheduled for project %d: %w", projectID, err)
	}
	if ok {
		if next := last.Add(p.cfg.MinInterval); next.After(cursor) {
			cursor = next
		}
	}

	horizonEnd := now.Add(p.cfg.Horizon)
	dayCounts := make(map[string]int)
	prev := time.Time{}

	for _, task := range pending {
		slot, found := p.nextSlot(cursor, prev, now, dayCounts, horizonEnd)
		if !found {
			report.Deferred = len(pending) - report.Placed - report.Unchanged - report.Conflicts
			break
		}
		dayCounts[p.localDay(slot)]++
		prev = slot
		cursor = slot.Add(p.cfg.MinInterval)

		if task.ScheduledAt.Equal(slot) {
			report.Unchanged++
			continue
		}
		if err := p.store.RescheduleTask(ctx, task.ID, task.Version, slot); err != nil {
			if apperrors.Classify(err) == apperrors.KindConflict {
				// Someone moved the task under us; it keeps its slot in
				// the plan and is re-examined next run.
				p.logger.Debug("placement conflict on task %d, replanning next run", task.ID)
				report.Conflicts++
				continue
			}
			return nil, fmt.Errorf("reschedule task %d: %w", task.ID, err)
		}
		report.Placed++
	}

	if report.Placed > 0 || report.Conflicts > 0 {
		p.logger.Info("planned project %d: %d placed, %d unchanged, %d conflicts, %d deferred",
			projectID, report.Placed, report.Unchanged, report.Conflicts, report.Deferred)
	}
	return report, nil
}

// nextSlot finds the admissible instant nearest to the nominal cursor.
func (p *Planner) nextSlot(nominal, prev, now time.Time, dayCounts map[string]int, horizonEnd time.Time) (time.Time, bool) {
	floor := now
	if prev.After(floor) {
		floor = prev
	}
	for attempts := 0; attempts < 64; attempts++ {
		if nominal.After(horizonEnd) {
			return time.Time{}, false
		}
		candidate := p.admissibleNear(nominal, floor)
		if candidate.IsZero() || candidate.After(horizonEnd) {
			return time.Time{}, false
		}
		if p.cfg.DailyMax > 0 && dayCounts[p.localDay(candidate)] >= p.cfg.DailyMax {
			// Day is full; restart the search from the next local day and
			// forbid snapping back into the full day.
			local := candidate.In(p.cfg.Location)
			midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, p.cfg.Location).UTC()
			nominal = midnight
			if midnight.After(floor) {
				floor = midnight.Add(-time.Nanosecond)
			}
			continue
		}
		return candidate, true
	}
	return time.Time{}, false
}

// admissibleNear resolves one nominal instant to a concrete slot. With
// optimal hours configured the nearest optimal hour within the snap window
// wins, which lets placements ride the peak-hour grid even when it is
// tighter than the nominal spacing. Otherwise the nominal instant is pushed
// forward out of any blackout hour. Candidates are always strictly after
// floor.
func (p *Planner) admissibleNear(nominal, floor time.Time) time.Time {
	if len(p.cfg.OptimalHours) > 0 {
		if t := p.nearestOptimal(nominal, floor); !t.IsZero() {
			return t
		}
	}

	// No optimal hour in reach; take the nearest later non-blackout instant.
	t := nominal
	if t.Before(floor) {
		t = floor
	}
	for i := 0; i < 48; i++ {
		local := t.In(p.cfg.Location)
		if !p.cfg.BlackoutHours[local.Hour()] {
			return t.UTC()
		}
		t = time.Date(local.Year(), local.Month(), local.Day(), local.Hour()+1, 0, 0, 0, p.cfg.Location).UTC()
	}
	return time.Time{}
}

// nearestOptimal returns the optimal-hour instant closest to nominal that
// is strictly after floor, or the first one after nominal when nothing
// lies within the snap window. Ties prefer the later instant.
func (p *Planner) nearestOptimal(nominal, floor time.Time) time.Time {
	hours := make([]int, 0, len(p.cfg.OptimalHours))
	for h := range p.cfg.OptimalHours {
		if !p.cfg.BlackoutHours[h] {
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		return time.Time{}
	}
	sort.Ints(hours)

	local := nominal.In(p.cfg.Location)
	var best, firstAfter time.Time
	for dayOffset := -1; dayOffset <= 4; dayOffset++ {
		for _, h := range hours {
			t := time.Date(local.Year(), local.Month(), local.Day()+dayOffset, h, 0, 0, 0, p.cfg.Location).UTC()
			if !t.After(floor) {
				continue
			}
			if !t.Before(nominal) && (firstAfter.IsZero() || t.Before(firstAfter)) {
				firstAfter = t
			}
			if absDuration(t.Sub(nominal)) > p.cfg.SnapWindow {
				continue
			}
			if best.IsZero() || better(t, best, nominal) {
				best = t
			}
		}
	}
	if !best.IsZero() {
		return best
	}
	return firstAfter
}

// better reports whether a beats b as the snap target for nominal.
func better(a, b, nominal time.Time) bool {
	da, db := absDuration(a.Sub(nominal)), absDuration(b.Sub(nominal))
	if da != db {
		return da < db
	}
	return a.After(b)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (p *Planner) localDay(t time.Time) string {
	return t.In(p.cfg.Location).Format("2006-01-02")
}
