package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   FanoutEvent
		wantErr error
	}{
		{"valid", FanoutEvent{AppID: "a1", Type: ChangeCreate}, nil},
		{"valid with collection", FanoutEvent{AppID: "a1", Collection: "todos", Type: ChangeDelete, DocumentID: "d1"}, nil},
		{"missing app", FanoutEvent{Type: ChangeUpdate}, ErrMissingAppID},
		{"bad type", FanoutEvent{AppID: "a1", Type: "upsert"}, ErrInvalidChangeType},
		{"empty type", FanoutEvent{AppID: "a1"}, ErrInvalidChangeType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFanoutEvent_JSON(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := FanoutEvent{AppID: "a1", Type: ChangeCreate, Timestamp: ts}

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"appId":"a1","type":"create","timestamp":"2024-03-01T12:00:00Z"}`, string(b))

	e.Collection = "todos"
	e.DocumentID = "d1"
	e.Data = json.RawMessage(`{"title":"x"}`)
	b, err = json.Marshal(e)
	require.NoError(t, err)

	var got FanoutEvent
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "todos", got.Collection)
	assert.Equal(t, "d1", got.DocumentID)
	assert.JSONEq(t, `{"title":"x"}`, string(got.Data))
}

func TestChangeTypeForAction(t *testing.T) {
	for action, want := range map[string]ChangeType{
		"created": ChangeCreate,
		"updated": ChangeUpdate,
		"deleted": ChangeDelete,
	} {
		got, ok := ChangeTypeForAction(action)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := ChangeTypeForAction("uploaded")
	assert.False(t, ok)
}

func TestPeriod_Bounds(t *testing.T) {
	ts := time.Date(2024, 2, 29, 17, 42, 5, 0, time.UTC)

	tests := []struct {
		period    Period
		wantStart time.Time
		wantEnd   time.Time
	}{
		{PeriodHourly, time.Date(2024, 2, 29, 17, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 18, 0, 0, 0, time.UTC)},
		{PeriodDaily, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{PeriodMonthly, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			start := tt.period.Start(ts)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, tt.period.End(start))
		})
	}
}

func TestPeriod_StartConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2024, 3, 1, 1, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), PeriodDaily.Start(ts))
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("daily")
	require.NoError(t, err)
	assert.Equal(t, PeriodDaily, p)

	_, err = ParsePeriod("weekly")
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestStatsRequest_Validate(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, (&StatsRequest{}).Validate())
	assert.NoError(t, (&StatsRequest{Period: PeriodDaily, From: from, To: from.Add(time.Hour)}).Validate())
	assert.ErrorIs(t, (&StatsRequest{Period: "weekly"}).Validate(), ErrInvalidPeriod)
	assert.ErrorIs(t, (&StatsRequest{From: from, To: from}).Validate(), ErrInvalidRange)
}

func TestStatsRequest_WantsApp(t *testing.T) {
	all := StatsRequest{}
	assert.True(t, all.WantsApp("anything"))

	some := StatsRequest{AppIDs: []string{"a1", "a2"}}
	assert.True(t, some.WantsApp("a2"))
	assert.False(t, some.WantsApp("a3"))
}

func TestStatsResponse(t *testing.T) {
	resp := StatsResponse{
		Service: "realtime",
		Apps:    []AppStats{{AppID: "a1", Counters: map[string]int64{"connections": 3}}},
	}
	require.NoError(t, resp.Validate())
	require.NotNil(t, resp.App("a1"))
	assert.Equal(t, int64(3), resp.App("a1").Counters["connections"])
	assert.Nil(t, resp.App("a2"))

	assert.Error(t, (&StatsResponse{}).Validate())
	assert.Error(t, (&StatsResponse{Service: "x", Apps: []AppStats{{}}}).Validate())
}

func TestUnavailableStats(t *testing.T) {
	now := time.Now()
	resp := UnavailableStats("storage", []string{"a1", "a2"}, now)

	assert.True(t, resp.Unavailable)
	assert.Equal(t, "storage", resp.Service)
	require.Len(t, resp.Apps, 2)
	assert.Empty(t, resp.Apps[0].Counters)
	assert.NotNil(t, resp.Apps[0].Counters)
	assert.NoError(t, resp.Validate())
}
