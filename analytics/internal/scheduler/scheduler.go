// Package scheduler runs the hourly and daily aggregation jobs and the raw
// event retention purge.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/aggregator"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/lock"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/metrics"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/repository"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
)

// ErrRunInProgress is returned when a run for the same period is already
// executing in this process.
var ErrRunInProgress = errors.New("aggregation run already in progress")

// DefaultBootDelay postpones the first hourly run after Start.
const DefaultBootDelay = time.Minute

// RunResult summarises one aggregation run.
type RunResult struct {
	Period      models.Period `json:"period"`
	WindowStart time.Time     `json:"windowStart"`
	WindowEnd   time.Time     `json:"windowEnd"`
	Records     int           `json:"records"`
	Rollups     int           `json:"rollups"`
	Monthly     int           `json:"monthlyRollups,omitempty"`
	Duration    time.Duration `json:"durationNs"`
}

// Config tunes the scheduler. Zero values select the defaults.
type Config struct {
	BootDelay     time.Duration
	LateArrival   time.Duration
	PurgeInterval time.Duration
	LockTTL       time.Duration
}

// Scheduler owns the periodic runners.
type Scheduler struct {
	repo   repository.Repository
	locker lock.Locker
	clock  clock.Clock
	log    *slog.Logger
	cfg    Config

	hourlyRunning atomic.Bool
	dailyRunning  atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving timers and run windows.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLocker serializes runs across instances.
func WithLocker(l lock.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New creates a scheduler over repo.
func New(repo repository.Repository, cfg Config, opts ...Option) *Scheduler {
	if cfg.BootDelay <= 0 {
		cfg.BootDelay = DefaultBootDelay
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	s := &Scheduler{
		repo:   repo,
		locker: lock.Noop{},
		clock:  clock.New(),
		log:    slog.Default(),
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the runners:
//   - hourly: once after BootDelay, then every hour
//   - daily: at the next UTC midnight, then every 24 hours
//   - purge: every PurgeInterval
//
// Timers are created before Start returns.
func (s *Scheduler) Start(ctx context.Context) {
	now := s.clock.Now()
	boot := s.clock.Timer(s.cfg.BootDelay)
	hourly := s.clock.Ticker(time.Hour)
	midnight := s.clock.Timer(untilNextMidnight(now))
	purge := s.clock.Ticker(s.cfg.PurgeInterval)

	s.wg.Add(3)
	go s.hourlyLoop(ctx, boot, hourly)
	go s.dailyLoop(ctx, midnight)
	go s.purgeLoop(ctx, purge)

	s.log.Info("aggregation scheduler started",
		"boot_delay", s.cfg.BootDelay.String(),
		"first_daily_run", now.Add(untilNextMidnight(now)).UTC().Format(time.RFC3339))
}

// Stop halts the runners and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) hourlyLoop(ctx context.Context, boot *clock.Timer, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer boot.Stop()
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-boot.C:
		case <-ticker.C:
		}
		s.tick(ctx, models.PeriodHourly)
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context, midnight *clock.Timer) {
	defer s.wg.Done()
	defer midnight.Stop()

	select {
	case <-s.stop:
		return
	case <-ctx.Done():
		return
	case <-midnight.C:
	}

	ticker := s.clock.Ticker(24 * time.Hour)
	defer ticker.Stop()
	for {
		s.tick(ctx, models.PeriodDaily)
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) purgeLoop(ctx context.Context, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.Purge(ctx); err != nil {
			s.log.Error("retention purge failed", logging.Error(err))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, period models.Period) {
	res, err := s.Run(ctx, period, s.clock.Now())
	switch {
	case err == nil:
		s.log.Info("aggregation run complete",
			logging.Period(string(period)),
			"records", res.Records,
			"rollups", res.Rollups,
			"duration_ms", res.Duration.Milliseconds())
	case errors.Is(err, ErrRunInProgress), errors.Is(err, lock.ErrLockHeld):
		s.log.Info("aggregation run skipped", logging.Period(string(period)), logging.Error(err))
	default:
		s.log.Error("aggregation run failed", logging.Period(string(period)), logging.Error(err))
	}
}

// RunHourly aggregates the full hour before now.
func (s *Scheduler) RunHourly(ctx context.Context, now time.Time) (RunResult, error) {
	return s.Run(ctx, models.PeriodHourly, now)
}

// RunDaily aggregates the full UTC day before now and folds the result into
// that month's monthly rollups.
func (s *Scheduler) RunDaily(ctx context.Context, now time.Time) (RunResult, error) {
	return s.Run(ctx, models.PeriodDaily, now)
}

// Run executes one aggregation for period ending at the period boundary
// at or before now.
func (s *Scheduler) Run(ctx context.Context, period models.Period, now time.Time) (RunResult, error) {
	var guard *atomic.Bool
	switch period {
	case models.PeriodHourly:
		guard = &s.hourlyRunning
	case models.PeriodDaily:
		guard = &s.dailyRunning
	default:
		return RunResult{}, fmt.Errorf("%w: %q", repository.ErrUnsupportedPeriod, period)
	}
	if !guard.CompareAndSwap(false, true) {
		metrics.Runs.WithLabelValues(string(period), "skipped").Inc()
		return RunResult{}, fmt.Errorf("%s: %w", period, ErrRunInProgress)
	}
	defer guard.Store(false)

	lease, err := s.locker.Acquire(ctx, "aggregation:"+string(period), s.cfg.LockTTL)
	if err != nil {
		outcome := "error"
		if errors.Is(err, lock.ErrLockHeld) {
			outcome = "skipped"
		}
		metrics.Runs.WithLabelValues(string(period), outcome).Inc()
		return RunResult{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release aggregation lock", logging.Period(string(period)), logging.Error(err))
		}
	}()

	start := s.clock.Now()
	res, err := s.run(ctx, period, now)
	res.Duration = s.clock.Since(start)
	metrics.RunDuration.WithLabelValues(string(period)).Observe(res.Duration.Seconds())
	if err != nil {
		metrics.Runs.WithLabelValues(string(period), "error").Inc()
		return res, err
	}
	metrics.Runs.WithLabelValues(string(period), "ok").Inc()
	return res, nil
}

func (s *Scheduler) run(ctx context.Context, period models.Period, now time.Time) (RunResult, error) {
	end := period.Start(now)
	start := previousStart(period, end).Add(-s.cfg.LateArrival)
	res := RunResult{Period: period, WindowStart: start, WindowEnd: end}

	records, err := s.repo.ListUnprocessed(ctx, period, start, end)
	if err != nil {
		return res, fmt.Errorf("list unprocessed %s: %w", period, err)
	}
	res.Records = len(records)

	rollups := aggregator.Aggregate(records, period, now)
	res.Rollups = len(rollups)
	if period == models.PeriodDaily {
		monthly := make([]*aggregator.Rollup, 0, len(rollups))
		for _, r := range rollups {
			monthly = append(monthly, r.Rekey(models.PeriodMonthly, models.PeriodMonthly.Start(r.PeriodStart)))
		}
		res.Monthly = len(monthly)
		rollups = append(rollups, monthly...)
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	if len(records) > 0 {
		if err := s.repo.CommitRun(ctx, period, rollups, ids); err != nil {
			return res, fmt.Errorf("commit %s run: %w", period, err)
		}
	}

	metrics.RecordsAggregated.WithLabelValues(string(period)).Add(float64(res.Records))
	metrics.RollupsWritten.WithLabelValues(string(period)).Add(float64(len(rollups)))
	return res, nil
}

// Purge deletes raw events whose retention has lapsed.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	n, err := s.repo.PurgeExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.EventsPurged.Add(float64(n))
		s.log.Info("expired raw events purged", "count", n)
	}
	return n, nil
}

func previousStart(p models.Period, end time.Time) time.Time {
	switch p {
	case models.PeriodHourly:
		return end.Add(-time.Hour)
	case models.PeriodDaily:
		return end.AddDate(0, 0, -1)
	}
	return p.Start(end.Add(-time.Nanosecond))
}

func untilNextMidnight(now time.Time) time.Duration {
	today := models.PeriodDaily.Start(now)
	return models.PeriodDaily.End(today).Sub(now)
}
