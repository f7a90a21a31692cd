package models

import (
	"errors"
	"fmt"
	"time"
)

// Period is a rollup granularity.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Periods lists every granularity, finest first.
var Periods = []Period{PeriodHourly, PeriodDaily, PeriodMonthly}

// ParsePeriod parses a period name.
func ParsePeriod(s string) (Period, error) {
	p := Period(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return p, nil
}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodMonthly:
		return true
	}
	return false
}

// Start truncates t (in UTC) to the start of the period containing it.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// End returns the exclusive end of the period starting at start.
func (p Period) End(start time.Time) time.Time {
	switch p {
	case PeriodHourly:
		return start.Add(time.Hour)
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	}
	return start
}

var (
	ErrInvalidPeriod = errors.New("invalid period")
	ErrInvalidRange  = errors.New("from must be before to")
)

// StatsRequest asks a service for per-app usage statistics.
type StatsRequest struct {
	AppIDs []string  `json:"appIds"`
	Period Period    `json:"period,omitempty"`
	From   time.Time `json:"from,omitempty"`
	To     time.Time `json:"to,omitempty"`
}

// Validate checks the request. An empty period is allowed and means the
// responder's natural granularity.
func (r *StatsRequest) Validate() error {
	if r.Period != "" && !r.Period.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPeriod, r.Period)
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return ErrInvalidRange
	}
	return nil
}

// WantsApp reports whether appID is in scope. An empty AppIDs list means all apps.
func (r *StatsRequest) WantsApp(appID string) bool {
	if len(r.AppIDs) == 0 {
		return true
	}
	for _, id := range r.AppIDs {
		if id == appID {
			return true
		}
	}
	return false
}

// AppStats is one app's section of a StatsResponse. Counters are free-form
// per service (connections, documents, bytes, ...).
type AppStats struct {
	AppID    string           `json:"appId"`
	Counters map[string]int64 `json:"counters"`
}

// StatsResponse is the reply to a StatsRequest.
type StatsResponse struct {
	Service     string     `json:"service"`
	Apps        []AppStats `json:"apps"`
	GeneratedAt time.Time  `json:"generatedAt"`
	Unavailable bool       `json:"unavailable,omitempty"`
}

// Validate checks the response.
func (r *StatsResponse) Validate() error {
	if r.Service == "" {
		return errors.New("service is required")
	}
	for _, a := range r.Apps {
		if a.AppID == "" {
			return fmt.Errorf("%s: app section without appId", r.Service)
		}
	}
	return nil
}

// App returns the section for appID, or nil.
func (r *StatsResponse) App(appID string) *AppStats {
	for i := range r.Apps {
		if r.Apps[i].AppID == appID {
			return &r.Apps[i]
		}
	}
	return nil
}

// UnavailableStats is the zeroed section reported for a peer that did not answer.
func UnavailableStats(service string, appIDs []string, now time.Time) StatsResponse {
	apps := make([]AppStats, 0, len(appIDs))
	for _, id := range appIDs {
		apps = append(apps, AppStats{AppID: id, Counters: map[string]int64{}})
	}
	return StatsResponse{
		Service:     service,
		Apps:        apps,
		GeneratedAt: now.UTC(),
		Unavailable: true,
	}
}
