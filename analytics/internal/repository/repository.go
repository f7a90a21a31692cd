// Package repository persists raw events and rollups for the analytics
// service.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/aggregator"
	"github.com/nimbus-baas/nimbus-stack/common/models"
)

var (
	ErrNotFound = errors.New("rollup not found")

	// ErrUnsupportedPeriod is returned for raw-event operations on a period
	// that is never computed from raw events (monthly).
	ErrUnsupportedPeriod = errors.New("period is not aggregated from raw events")
)

// RollupFilter narrows ListRollups. Zero fields match everything.
type RollupFilter struct {
	OwnerID string
	AppIDs  []string
	Period  models.Period
	From    time.Time // inclusive, on period_start
	To      time.Time // exclusive
	Limit   int
	Offset  int // rows to skip in list order, for paging
}

// DefaultListLimit caps ListRollups when the filter has no limit.
const DefaultListLimit = 500

// Repository is the analytics store.
type Repository interface {
	// InsertRawEvent stores rec. Storing the same id twice is a no-op and
	// reports inserted=false.
	InsertRawEvent(ctx context.Context, rec aggregator.Record) (inserted bool, err error)

	// ListUnprocessed returns records not yet rolled up at period whose
	// timestamp is in [from, to), oldest first.
	ListUnprocessed(ctx context.Context, period models.Period, from, to time.Time) ([]aggregator.Record, error)

	// MarkProcessed flags records as rolled up at period.
	MarkProcessed(ctx context.Context, period models.Period, ids []string) error

	// UpsertRollup merges r into the stored rollup for its key, creating it
	// if absent, and returns the merged result.
	UpsertRollup(ctx context.Context, r *aggregator.Rollup) (*aggregator.Rollup, error)

	// CommitRun upserts every rollup and marks ids processed at period in
	// one unit, so a crash cannot count the same records twice.
	CommitRun(ctx context.Context, period models.Period, rollups []*aggregator.Rollup, ids []string) error

	GetRollup(ctx context.Context, key aggregator.Key) (*aggregator.Rollup, error)
	ListRollups(ctx context.Context, f RollupFilter) ([]*aggregator.Rollup, error)

	// PurgeExpired deletes raw events whose retention has lapsed at now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

func processedColumn(p models.Period) (string, error) {
	switch p {
	case models.PeriodHourly:
		return "processed_hourly", nil
	case models.PeriodDaily:
		return "processed_daily", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPeriod, p)
}

func (f RollupFilter) offset() int {
	return max(f.Offset, 0)
}

func (f RollupFilter) limit() int {
	if f.Limit <= 0 || f.Limit > DefaultListLimit {
		return DefaultListLimit
	}
	return f.Limit
}
