// Package stats answers analytics.stats.request from stored rollups and
// assembles the cross-service usage report.
package stats

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/aggregator"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/metrics"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/repository"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/common/rpc"
)

// ServiceName identifies this service in stats responses.
const ServiceName = "analytics"

// DefaultPeriod is used when a request leaves the period empty.
const DefaultPeriod = models.PeriodDaily

// Report is the usage report across analytics and its peers.
type Report struct {
	AppIDs      []string               `json:"appIds"`
	Period      models.Period          `json:"period"`
	From        time.Time              `json:"from"`
	To          time.Time              `json:"to"`
	GeneratedAt time.Time              `json:"generatedAt"`
	Services    []models.StatsResponse `json:"services"`
}

// Service reads rollups and queries peers.
type Service struct {
	repo    repository.Repository
	rpc     *rpc.Client
	peers   []string
	timeout time.Duration
	clock   clock.Clock
	log     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock for default windows and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithPeers sets the stats routing keys queried by Usage and their timeout.
func WithPeers(keys []string, timeout time.Duration) Option {
	return func(s *Service) {
		s.peers = keys
		s.timeout = timeout
	}
}

// New creates a stats service. client may be nil when no peers are queried.
func New(repo repository.Repository, client *rpc.Client, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		rpc:   client,
		clock: clock.New(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register starts answering analytics.stats.request.
func (s *Service) Register(ctx context.Context) (*rpc.Responder, error) {
	return s.rpc.Respond(ctx, messaging.RPCAnalyticsStats, rpc.Handle(s.Stats))
}

// window fills in the period and range defaults: the current period.
func (s *Service) window(req models.StatsRequest) models.StatsRequest {
	if req.Period == "" {
		req.Period = DefaultPeriod
	}
	if req.From.IsZero() {
		ref := s.clock.Now()
		if !req.To.IsZero() {
			ref = req.To.Add(-time.Nanosecond)
		}
		req.From = req.Period.Start(ref)
	}
	if req.To.IsZero() {
		req.To = req.Period.End(req.Period.Start(req.From))
	}
	return req
}

// Stats sums the rollups in the requested window per app. Requested apps
// with no rollups get an empty section.
func (s *Service) Stats(ctx context.Context, req models.StatsRequest) (models.StatsResponse, error) {
	req = s.window(req)

	rollups, err := s.listAll(ctx, repository.RollupFilter{
		AppIDs: req.AppIDs,
		Period: req.Period,
		From:   req.From,
		To:     req.To,
	})
	if err != nil {
		return models.StatsResponse{}, err
	}

	byApp := map[string][]*aggregator.Rollup{}
	for _, r := range rollups {
		byApp[r.AppID] = append(byApp[r.AppID], r)
	}
	appIDs := slices.Clone(req.AppIDs)
	for id := range byApp {
		if !slices.Contains(appIDs, id) {
			appIDs = append(appIDs, id)
		}
	}
	slices.Sort(appIDs)

	resp := models.StatsResponse{Service: ServiceName, GeneratedAt: s.clock.Now().UTC()}
	for _, id := range appIDs {
		total := aggregator.Sum(aggregator.Key{AppID: id, Period: req.Period, PeriodStart: req.From}, byApp[id]...)
		resp.Apps = append(resp.Apps, models.AppStats{AppID: id, Counters: total.Counters()})
	}
	if resp.Apps == nil {
		resp.Apps = []models.AppStats{}
	}
	return resp, nil
}

// listAll pages through ListRollups until a short page, so wide windows are
// summed in full.
func (s *Service) listAll(ctx context.Context, f repository.RollupFilter) ([]*aggregator.Rollup, error) {
	f.Limit = repository.DefaultListLimit
	var out []*aggregator.Rollup
	for {
		page, err := s.repo.ListRollups(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < f.Limit {
			return out, nil
		}
		f.Offset += len(page)
	}
}

// Usage combines local stats with every peer's. A peer that does not answer
// in time yields a zeroed section marked unavailable.
func (s *Service) Usage(ctx context.Context, req models.StatsRequest) (Report, error) {
	req = s.window(req)

	local, err := s.Stats(ctx, req)
	if err != nil {
		return Report{}, err
	}

	peers := make([]models.StatsResponse, len(s.peers))
	var wg sync.WaitGroup
	for i, key := range s.peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			peers[i] = s.peerStats(ctx, key, req)
		}()
	}
	wg.Wait()

	return Report{
		AppIDs:      req.AppIDs,
		Period:      req.Period,
		From:        req.From,
		To:          req.To,
		GeneratedAt: s.clock.Now().UTC(),
		Services:    append([]models.StatsResponse{local}, peers...),
	}, nil
}

func (s *Service) peerStats(ctx context.Context, key string, req models.StatsRequest) models.StatsResponse {
	service := PeerService(key)
	if s.rpc == nil {
		return models.UnavailableStats(service, req.AppIDs, s.clock.Now())
	}

	resp, err := rpc.Call[models.StatsRequest, models.StatsResponse](ctx, s.rpc, key, req, s.timeout)
	if err != nil {
		metrics.PeerStatsUnavailable.WithLabelValues(key).Inc()
		s.log.Warn("peer stats unavailable",
			logging.RoutingKey(key),
			logging.Error(err))
		return models.UnavailableStats(service, req.AppIDs, s.clock.Now())
	}
	return resp
}

// PeerService names the service owning a stats routing key
// ("realtime" for "realtime.stats.request").
func PeerService(key string) string {
	name, _, _ := strings.Cut(key, ".")
	return name
}
