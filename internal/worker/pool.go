// Package worker drives claimed tasks to a terminal state. A fixed pool of
// workers shares one claim queue through the store's atomic claim
// operation; every execution ends in exactly one CompleteTask call and one
// log row.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
	"plume/internal/generator"
	"plume/internal/logging"
	"plume/internal/publisher"
)

// Config shapes the pool.
type Config struct {
	Count         int
	BatchSize     int
	CheckInterval time.Duration
	TaskTimeout   time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LeaseTTL      time.Duration
	MediaRoot     string
	CharLimit     int
	Language      string
	StyleHints    string
}

// Governor is the slice of the rate governor the pool needs.
type Governor interface {
	Acquire(ctx context.Context, deadline time.Time) error
}

// Metrics receives execution telemetry; implementations must be safe for
// concurrent use. A nil Metrics disables reporting.
type Metrics interface {
	TasksClaimed(n int)
	TasksInFlight(delta int)
	TaskCompleted(outcome string, duration time.Duration)
}

// Pool owns the worker goroutines.
type Pool struct {
	store    publishing.Store
	gen      generator.Generator
	pub      publisher.Publisher
	governor Governor
	metrics  Metrics
	cfg      Config
	logger   logging.Logger
	idPrefix string
	now      func() time.Time
	jitter   func(max time.Duration) time.Duration
}

// New builds a pool. Generator and publisher are required; governor and
// metrics may be nil (admission then never blocks and nothing is reported).
func New(store publishing.Store, gen generator.Generator, pub publisher.Publisher, gov Governor, cfg Config, logger logging.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "plume"
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	return &Pool{
		store:    store,
		gen:      gen,
		pub:      pub,
		governor: gov,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		idPrefix: fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:      time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			rngMu.Lock()
			defer rngMu.Unlock()
			return time.Duration(rng.Int63n(int64(max)))
		},
	}
}

// SetMetrics attaches a telemetry sink. Call before Run.
func (p *Pool) SetMetrics(m Metrics) { p.metrics = m }

// Run recovers stale claims from a previous process, then blocks running
// the workers until ctx is cancelled. In-flight executions finish; their
// CompleteTask calls are not interrupted by shutdown.
func (p *Pool) Run(ctx context.Context) error {
	recovered, err := p.store.RecoverStaleClaims(ctx, p.now().UTC())
	if err != nil {
		return fmt.Errorf("recover stale claims: %w", err)
	}
	if recovered > 0 {
		p.logger.Warn("recovered %d stale claims from a previous run", recovered)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.recoverLoop(ctx)
		return nil
	})
	for i := 0; i < p.cfg.Count; i++ {
		workerID := fmt.Sprintf("%s-w%d", p.idPrefix, i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	err = g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// recoverLoop returns tasks whose lease lapsed (a crashed worker in this
// or another process) to the pending queue once per lease interval.
func (p *Pool) recoverLoop(ctx context.Context) {
	interval := p.cfg.LeaseTTL
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		recovered, err := p.store.RecoverStaleClaims(ctx, p.now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("recover stale claims: %v", err)
			}
			continue
		}
		if recovered > 0 {
			p.logger.Warn("recovered %d stale claims", recovered)
		}
	}
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	p.logger.Info("worker %s started", workerID)
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		claimed, err := p.store.ClaimDueTasks(ctx, workerID, 0, p.now().UTC(), p.cfg.BatchSize, p.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("worker %s claim failed: %v", workerID, err)
		}
		if p.metrics != nil && len(claimed) > 0 {
			p.metrics.TasksClaimed(len(claimed))
		}

		for _, task := range claimed {
			// Finish the claimed batch even when shutting down; the claim
			// is ours and abandoning it would only burn the lease.
			p.Execute(context.WithoutCancel(ctx), workerID, task)
		}
		if len(claimed) == p.cfg.BatchSize {
			// Queue likely non-empty, claim again immediately.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Execute runs one claimed task end to end: caption, admission, publish,
// log, complete. Exported for the run-once CLI path.
func (p *Pool) Execute(ctx context.Context, workerID string, task *publishing.Task) {
	start := p.now()

	if p.metrics != nil {
		p.metrics.TasksInFlight(1)
		defer p.metrics.TasksInFlight(-1)
	}

	attemptCtx, cancel := context.WithDeadline(ctx, start.Add(p.cfg.TaskTimeout))
	platformID, caption, execErr := p.attempt(attemptCtx, task)
	cancel()
	duration := p.now().Sub(start)
	outcome := p.outcomeFor(task, execErr)

	// The attempt may have burned the whole task timeout. The log row and
	// the completion must still land, so the bookkeeping writes run
	// detached from that deadline on a fresh one.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelWrite()

	log := &publishing.Log{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		Status:      logStatusFor(outcome.Kind),
		PlatformID:  platformID,
		Caption:     caption,
		ErrorText:   outcome.ErrorText,
		DurationS:   duration.Seconds(),
		PublishedAt: p.now().UTC(),
	}
	if err := p.store.AppendLog(writeCtx, log); err != nil {
		p.logger.Error("worker %s append log for task %d: %v", workerID, task.ID, err)
	}
	if err := p.store.CompleteTask(writeCtx, task.ID, task.Version, outcome); err != nil {
		// A conflict here means the lease expired mid-flight and recovery
		// took the task back; the recovery log row is authoritative.
		p.logger.Warn("worker %s complete task %d: %v", workerID, task.ID, err)
	}
	if p.metrics != nil {
		p.metrics.TaskCompleted(outcome.Kind.String(), duration)
	}

	switch outcome.Kind {
	case publishing.OutcomeSuccess:
		p.logger.Info("worker %s published task %d as %s in %.1fs", workerID, task.ID, platformID, duration.Seconds())
	default:
		p.logger.Warn("worker %s task %d %s: %s", workerID, task.ID, outcome.Kind, outcome.ErrorText)
	}
}

// attempt performs the publish pipeline and returns the platform id and
// caption used. Any error is categorized by the adapters or the governor.
func (p *Pool) attempt(ctx context.Context, task *publishing.Task) (platformID, caption string, err error) {
	content, err := publishing.ParseContentData(task.ContentData)
	if err != nil {
		return "", "", apperrors.NewPermanent(fmt.Errorf("content data: %w", err))
	}

	mediaPath := ""
	if content.MediaKind != "text" {
		mediaPath = filepath.Join(p.cfg.MediaRoot, filepath.FromSlash(task.MediaPath))
		if _, statErr := os.Stat(mediaPath); statErr != nil {
			return "", "", apperrors.NewPermanent(fmt.Errorf("media file %s: %w", task.MediaPath, statErr))
		}
	}

	caption, err = p.gen.Caption(ctx, generator.Request{
		TaskID:     task.ID,
		MediaPath:  task.MediaPath,
		Content:    content,
		Language:   p.cfg.Language,
		StyleHints: p.cfg.StyleHints,
		CharLimit:  p.cfg.CharLimit,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate caption: %w", err)
	}

	if p.governor != nil {
		deadline, _ := ctx.Deadline()
		if err := p.governor.Acquire(ctx, deadline); err != nil {
			return "", caption, fmt.Errorf("acquire publish slot: %w", err)
		}
	}

	res, err := p.pub.Publish(ctx, publisher.Request{
		Caption:   caption,
		MediaPath: mediaPath,
		MediaKind: content.MediaKind,
	})
	if err != nil {
		return "", caption, err
	}
	return res.PlatformID, caption, nil
}

// outcomeFor maps an execution error to the store outcome. Transient
// errors retry after exponential backoff, quota errors after the advised
// cooldown; the store flips either to terminal failed once retry_count
// passes MaxRetries.
func (p *Pool) outcomeFor(task *publishing.Task, err error) publishing.Outcome {
	if err == nil {
		return publishing.Outcome{Kind: publishing.OutcomeSuccess, MaxRetries: p.cfg.MaxRetries}
	}

	now := p.now().UTC()
	outcome := publishing.Outcome{MaxRetries: p.cfg.MaxRetries, ErrorText: err.Error()}
	switch apperrors.Classify(err) {
	case apperrors.KindQuota:
		outcome.Kind = publishing.OutcomeQuota
		cooldown := apperrors.QuotaCooldown(err)
		if cooldown <= 0 {
			cooldown = p.cfg.BackoffMax
		}
		outcome.RetryAt = now.Add(cooldown)
	case apperrors.KindTransient:
		outcome.Kind = publishing.OutcomeTransient
		outcome.RetryAt = now.Add(p.backoff(task.RetryCount))
	default:
		outcome.Kind = publishing.OutcomePermanent
	}
	return outcome
}

// backoff computes base * 2^retry clamped to max, plus uniform jitter in
// [0, base).
func (p *Pool) backoff(retryCount int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.cfg.BackoffMax {
			d = p.cfg.BackoffMax
			break
		}
	}
	if d > p.cfg.BackoffMax {
		d = p.cfg.BackoffMax
	}
	return d + p.jitter(p.cfg.BackoffBase)
}

func logStatusFor(kind publishing.OutcomeKind) publishing.LogStatus {
	switch kind {
	case publishing.OutcomeSuccess:
		return publishing.LogSuccess
	case publishing.OutcomeTransient:
		return publishing.LogTransient
	case publishing.OutcomeQuota:
		return publishing.LogQuota
	default:
		return publishing.LogPermanent
	}
}
