package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/models"
)

// ErrKeyMismatch is returned when merging rollups for different keys.
var ErrKeyMismatch = errors.New("aggregator: rollup keys differ")

// Entity kinds counted in Rollup.CRUD, keyed by event domain.
const (
	KindDocument         = "document"
	KindRealtimeDocument = "realtime_document"
	KindFile             = "file"
	KindApplication      = "application"
)

var kindByDomain = map[string]string{
	"database": KindDocument,
	"realtime": KindRealtimeDocument,
	"storage":  KindFile,
	"app":      KindApplication,
}

// KindForEventType returns the entity kind for an event type, or "".
func KindForEventType(eventType string) string {
	return kindByDomain[events.Domain(eventType)]
}

// Key identifies one rollup row.
type Key struct {
	OwnerID     string        `json:"ownerId"`
	AppID       string        `json:"appId"`
	Period      models.Period `json:"period"`
	PeriodStart time.Time     `json:"periodStart"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.OwnerID, k.AppID, k.Period, k.PeriodStart.UTC().Format(time.RFC3339))
}

// Latency accumulates response time samples in milliseconds.
type Latency struct {
	Count int64   `json:"count"`
	SumMs float64 `json:"sumMs"`
	MinMs float64 `json:"minMs"`
	MaxMs float64 `json:"maxMs"`
}

// AvgMs is the mean sample, 0 with no samples.
func (l Latency) AvgMs() float64 {
	if l.Count == 0 {
		return 0
	}
	return l.SumMs / float64(l.Count)
}

func (l *Latency) add(ms float64) {
	if l.Count == 0 || ms < l.MinMs {
		l.MinMs = ms
	}
	if l.Count == 0 || ms > l.MaxMs {
		l.MaxMs = ms
	}
	l.Count++
	l.SumMs += ms
}

func (l *Latency) merge(o Latency) {
	if o.Count == 0 {
		return
	}
	if l.Count == 0 {
		*l = o
		return
	}
	l.MinMs = min(l.MinMs, o.MinMs)
	l.MaxMs = max(l.MaxMs, o.MaxMs)
	l.Count += o.Count
	l.SumMs += o.SumMs
}

// MarshalJSON adds the derived average.
func (l Latency) MarshalJSON() ([]byte, error) {
	type plain Latency
	return json.Marshal(struct {
		plain
		AvgMs float64 `json:"avgMs"`
	}{plain(l), l.AvgMs()})
}

// Rollup is the set of usage counters for one key.
type Rollup struct {
	Key
	EventCount         int64                       `json:"eventCount"`
	APICalls           int64                       `json:"apiCalls"`
	APICallsByEndpoint map[string]int64            `json:"apiCallsByEndpoint"`
	CRUD               map[string]map[string]int64 `json:"crudCounts"`
	StorageBytesDelta  int64                       `json:"storageBytesDelta"`
	AuthEvents         map[string]int64            `json:"authEvents"`
	ResponseTime       Latency                     `json:"responseTime"`
	// ActiveUsers is the sorted set of distinct user ids.
	ActiveUsers []string  `json:"activeUsers"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewRollup returns an empty rollup for key.
func NewRollup(key Key) *Rollup {
	key.PeriodStart = key.PeriodStart.UTC()
	return &Rollup{
		Key:                key,
		APICallsByEndpoint: map[string]int64{},
		CRUD:               map[string]map[string]int64{},
		AuthEvents:         map[string]int64{},
		ActiveUsers:        []string{},
	}
}

// ActiveUserCount is the number of distinct users.
func (r *Rollup) ActiveUserCount() int64 {
	return int64(len(r.ActiveUsers))
}

// CRUDCount returns the count for kind and action.
func (r *Rollup) CRUDCount(kind, action string) int64 {
	return r.CRUD[kind][action]
}

func (r *Rollup) addCRUD(kind, action string, n int64) {
	m, ok := r.CRUD[kind]
	if !ok {
		m = map[string]int64{}
		r.CRUD[kind] = m
	}
	m[action] += n
}

func (r *Rollup) addUser(id string) {
	if id == "" {
		return
	}
	i, found := slices.BinarySearch(r.ActiveUsers, id)
	if !found {
		r.ActiveUsers = slices.Insert(r.ActiveUsers, i, id)
	}
}

// Merge adds o's counters into r. Both must share the same key.
func (r *Rollup) Merge(o *Rollup) error {
	if r.Key.String() != o.Key.String() {
		return fmt.Errorf("%w: %s vs %s", ErrKeyMismatch, r.Key, o.Key)
	}
	r.EventCount += o.EventCount
	r.APICalls += o.APICalls
	for ep, n := range o.APICallsByEndpoint {
		r.APICallsByEndpoint[ep] += n
	}
	for kind, actions := range o.CRUD {
		for action, n := range actions {
			r.addCRUD(kind, action, n)
		}
	}
	r.StorageBytesDelta += o.StorageBytesDelta
	for action, n := range o.AuthEvents {
		r.AuthEvents[action] += n
	}
	r.ResponseTime.merge(o.ResponseTime)
	for _, u := range o.ActiveUsers {
		r.addUser(u)
	}
	if o.UpdatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = o.UpdatedAt
	}
	return nil
}

// Rekey returns a copy of r under a different period, for folding a daily
// rollup into its month.
func (r *Rollup) Rekey(period models.Period, start time.Time) *Rollup {
	return Sum(Key{OwnerID: r.OwnerID, AppID: r.AppID, Period: period, PeriodStart: start}, r)
}

// Sum merges rollups with any keys into a new rollup for key.
func Sum(key Key, rs ...*Rollup) *Rollup {
	out := NewRollup(key)
	for _, r := range rs {
		src := *r
		src.Key = out.Key
		_ = out.Merge(&src)
	}
	return out
}

// Clone returns a deep copy of r.
func (r *Rollup) Clone() *Rollup {
	return r.Rekey(r.Period, r.PeriodStart)
}

// Counters flattens the rollup into stats counters.
func (r *Rollup) Counters() map[string]int64 {
	c := map[string]int64{
		"event_count":          r.EventCount,
		"api_calls":            r.APICalls,
		"storage_bytes_delta":  r.StorageBytesDelta,
		"active_users":         r.ActiveUserCount(),
		"response_time_count":  r.ResponseTime.Count,
		"response_time_avg_ms": int64(r.ResponseTime.AvgMs()),
	}
	for kind, actions := range r.CRUD {
		for action, n := range actions {
			c["crud."+kind+"."+action] = n
		}
	}
	for action, n := range r.AuthEvents {
		c["auth."+action] = n
	}
	return c
}
