// Package stats answers realtime.stats.request with live connection counts.
package stats

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/common/rpc"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/hub"
)

// ServiceName identifies this service in stats responses.
const ServiceName = "realtime"

// Counter names in each app section.
const (
	CounterConnections   = "connections"
	CounterCollections   = "collections"
	CounterSubscriptions = "collection_subscriptions"
)

type Service struct {
	hub   *hub.Hub
	clock clock.Clock
}

func New(h *hub.Hub, c clock.Clock) *Service {
	if c == nil {
		c = clock.New()
	}
	return &Service{hub: h, clock: c}
}

// Register starts the RPC responder.
func (s *Service) Register(ctx context.Context, client *rpc.Client) (*rpc.Responder, error) {
	return client.Respond(ctx, messaging.RPCRealtimeStats, rpc.Handle(s.Stats))
}

// Stats reports the current membership. The period and range of the request
// are ignored: connections are a live gauge, not a history.
func (s *Service) Stats(_ context.Context, req models.StatsRequest) (models.StatsResponse, error) {
	snaps := s.hub.Snapshot(req.AppIDs...)
	resp := models.StatsResponse{
		Service:     ServiceName,
		Apps:        make([]models.AppStats, 0, len(snaps)),
		GeneratedAt: s.clock.Now().UTC(),
	}
	for _, snap := range snaps {
		counters := map[string]int64{
			CounterConnections:   int64(snap.Connections),
			CounterCollections:   int64(len(snap.Collections)),
			CounterSubscriptions: int64(snap.Subscriptions()),
		}
		for name, n := range snap.Collections {
			counters["collection."+name] = int64(n)
		}
		resp.Apps = append(resp.Apps, models.AppStats{AppID: snap.AppID, Counters: counters})
	}
	return resp, nil
}
