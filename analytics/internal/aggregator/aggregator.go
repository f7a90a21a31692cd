// Package aggregator turns raw event records into per-tenant, per-period
// usage rollups. It does no I/O.
package aggregator

import (
	"cmp"
	"slices"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
)

// Aggregate groups records by owner, app and the period bucket their
// timestamp falls in, and derives one rollup per group. Output is ordered by
// owner, app, then period start.
func Aggregate(records []Record, period models.Period, now time.Time) []*Rollup {
	groups := map[string]*Rollup{}
	for _, rec := range records {
		key := Key{OwnerID: rec.OwnerID, AppID: rec.AppID, Period: period, PeriodStart: period.Start(rec.Timestamp)}
		id := key.String()
		r, ok := groups[id]
		if !ok {
			r = NewRollup(key)
			r.UpdatedAt = now.UTC()
			groups[id] = r
		}
		r.Add(rec)
	}

	out := make([]*Rollup, 0, len(groups))
	for _, r := range groups {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Rollup) int {
		if c := cmp.Compare(a.OwnerID, b.OwnerID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.AppID, b.AppID); c != 0 {
			return c
		}
		return a.PeriodStart.Compare(b.PeriodStart)
	})
	return out
}

// Add folds one record into r. Records whose payload no longer decodes still
// count toward EventCount and ActiveUsers.
func (r *Rollup) Add(rec Record) {
	r.EventCount++
	r.addUser(rec.UserID)

	ev, err := events.Decode(rec.Envelope())
	if err != nil {
		return
	}

	action := events.Action(rec.EventType)
	switch e := ev.(type) {
	case *events.APIRequestCompleted:
		r.APICalls++
		r.APICallsByEndpoint[e.Endpoint]++
		r.ResponseTime.add(e.DurationMs)
	case *events.DocumentEvent, *events.AppEvent:
		r.addCRUD(KindForEventType(rec.EventType), action, 1)
	case *events.FileEvent:
		r.addCRUD(KindFile, action, 1)
		switch rec.EventType {
		case messaging.KeyStorageFileUploaded:
			r.StorageBytesDelta += e.Size
		case messaging.KeyStorageFileDeleted:
			r.StorageBytesDelta -= e.Size
		}
	case *events.AuthEvent:
		r.AuthEvents[action]++
	}
}
