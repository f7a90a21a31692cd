package repository

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/aggregator"
	"github.com/nimbus-baas/nimbus-stack/common/models"
)

type memRecord struct {
	rec       aggregator.Record
	processed map[models.Period]bool
}

// Memory is an in-process Repository for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	events  map[string]*memRecord
	rollups map[string]*aggregator.Rollup
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		events:  map[string]*memRecord{},
		rollups: map[string]*aggregator.Rollup{},
	}
}

func (m *Memory) InsertRawEvent(_ context.Context, rec aggregator.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[rec.ID]; ok {
		return false, nil
	}
	m.events[rec.ID] = &memRecord{rec: rec, processed: map[models.Period]bool{}}
	return true, nil
}

func (m *Memory) ListUnprocessed(_ context.Context, period models.Period, from, to time.Time) ([]aggregator.Record, error) {
	if _, err := processedColumn(period); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []aggregator.Record
	for _, e := range m.events {
		ts := e.rec.Timestamp
		if e.processed[period] || ts.Before(from) || !ts.Before(to) {
			continue
		}
		out = append(out, e.rec)
	}
	slices.SortFunc(out, func(a, b aggregator.Record) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) MarkProcessed(_ context.Context, period models.Period, ids []string) error {
	if _, err := processedColumn(period); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLocked(period, ids)
	return nil
}

func (m *Memory) markLocked(period models.Period, ids []string) {
	for _, id := range ids {
		if e, ok := m.events[id]; ok {
			e.processed[period] = true
		}
	}
}

func (m *Memory) UpsertRollup(_ context.Context, r *aggregator.Rollup) (*aggregator.Rollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(r)
}

func (m *Memory) upsertLocked(r *aggregator.Rollup) (*aggregator.Rollup, error) {
	id := r.Key.String()
	cur, ok := m.rollups[id]
	if !ok {
		cur = aggregator.NewRollup(r.Key)
	}
	merged := cur.Clone()
	if err := merged.Merge(r); err != nil {
		return nil, err
	}
	m.rollups[id] = merged
	return merged.Clone(), nil
}

func (m *Memory) CommitRun(_ context.Context, period models.Period, rollups []*aggregator.Rollup, ids []string) error {
	if _, err := processedColumn(period); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage on a copy so a failed merge leaves nothing half-applied.
	staged := maps.Clone(m.rollups)
	saved := m.rollups
	m.rollups = staged
	for _, r := range rollups {
		if _, err := m.upsertLocked(r); err != nil {
			m.rollups = saved
			return err
		}
	}
	m.markLocked(period, ids)
	return nil
}

func (m *Memory) GetRollup(_ context.Context, key aggregator.Key) (*aggregator.Rollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollups[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) ListRollups(_ context.Context, f RollupFilter) ([]*aggregator.Rollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*aggregator.Rollup
	for _, r := range m.rollups {
		switch {
		case f.OwnerID != "" && r.OwnerID != f.OwnerID,
			len(f.AppIDs) > 0 && !slices.Contains(f.AppIDs, r.AppID),
			f.Period != "" && r.Period != f.Period,
			!f.From.IsZero() && r.PeriodStart.Before(f.From),
			!f.To.IsZero() && !r.PeriodStart.Before(f.To):
			continue
		}
		out = append(out, r.Clone())
	}
	// Newest first, then by app for a stable order.
	slices.SortFunc(out, func(a, b *aggregator.Rollup) int {
		if c := b.PeriodStart.Compare(a.PeriodStart); c != 0 {
			return c
		}
		if c := cmp.Compare(a.AppID, b.AppID); c != 0 {
			return c
		}
		return cmp.Compare(a.OwnerID, b.OwnerID)
	})
	if off := f.offset(); off < len(out) {
		out = out[off:]
	} else {
		out = nil
	}
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.events {
		if !e.rec.ExpiresAt.After(now) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

// Len reports the number of stored raw events.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
