// Package seeder generates synthetic domain events for development and
// load testing, spread over a time window so the aggregation pipeline has
// something to roll up.
package seeder

import (
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// Categories accepted by NewGenerator.
var Categories = []string{"api", "database", "realtime", "storage", "auth", "app"}

var (
	endpoints   = []string{"/v1/documents", "/v1/files", "/v1/auth/login", "/v1/apps", "/v1/realtime/documents"}
	methods     = []string{"GET", "POST", "PUT", "DELETE"}
	collections = []string{"todos", "messages", "profiles", "orders"}
)

// Tenant is one (owner, app) pair with its user pool.
type Tenant struct {
	OwnerID string
	AppID   string
	Users   []string
}

// Generator builds events for a fixed tenant population.
type Generator struct {
	faker   *gofakeit.Faker
	rng     *rand.Rand
	tenants []Tenant
	types   []string
}

// NewGenerator creates a generator. A zero seed picks a random one.
func NewGenerator(seed int64, owners, appsPerOwner, users int, categories []string) (*Generator, error) {
	if owners <= 0 || appsPerOwner <= 0 || users <= 0 {
		return nil, fmt.Errorf("owners, apps and users must be positive")
	}
	if len(categories) == 0 {
		categories = Categories
	}
	for _, c := range categories {
		if !slices.Contains(Categories, c) {
			return nil, fmt.Errorf("unknown event category %q (valid: %v)", c, Categories)
		}
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	g := &Generator{
		faker: gofakeit.New(seed),
		rng:   rand.New(rand.NewSource(seed)),
		types: categories,
	}
	for o := 0; o < owners; o++ {
		ownerID := g.faker.UUID()
		for a := 0; a < appsPerOwner; a++ {
			t := Tenant{OwnerID: ownerID, AppID: g.faker.UUID()}
			for u := 0; u < users; u++ {
				t.Users = append(t.Users, g.faker.UUID())
			}
			g.tenants = append(g.tenants, t)
		}
	}
	return g, nil
}

// Tenants returns the generated tenant population.
func (g *Generator) Tenants() []Tenant {
	return g.tenants
}

// Next returns a random event of one of the configured categories.
func (g *Generator) Next() events.Event {
	t := g.tenants[g.rng.Intn(len(g.tenants))]
	ctx := events.Context{
		OwnerID: t.OwnerID,
		AppID:   t.AppID,
		UserID:  t.Users[g.rng.Intn(len(t.Users))],
		Metadata: map[string]string{
			"ip":        g.faker.IPv4Address(),
			"userAgent": g.faker.UserAgent(),
		},
	}

	switch g.types[g.rng.Intn(len(g.types))] {
	case "api":
		return &events.APIRequestCompleted{
			Context:    ctx,
			Endpoint:   g.pick(endpoints),
			Method:     g.pick(methods),
			Status:     g.pickStatus(),
			DurationMs: float64(g.faker.Number(2, 800)),
		}
	case "database":
		return g.document(ctx, []string{
			messaging.KeyDatabaseDocumentCreated,
			messaging.KeyDatabaseDocumentUpdated,
			messaging.KeyDatabaseDocumentDeleted,
		})
	case "realtime":
		return g.document(ctx, []string{
			messaging.KeyRealtimeDocumentCreated,
			messaging.KeyRealtimeDocumentUpdated,
			messaging.KeyRealtimeDocumentDeleted,
		})
	case "storage":
		return &events.FileEvent{
			Context: ctx,
			Type:    g.pick(events.FileTypes),
			FileID:  g.faker.UUID(),
			Size:    int64(g.faker.Number(1<<10, 8<<20)),
		}
	case "auth":
		typ := g.pick(events.AuthTypes)
		if typ == messaging.KeyAuthUserLoginFailed {
			ctx.UserID = ""
		}
		return &events.AuthEvent{Context: ctx, Type: typ}
	default:
		return &events.AppEvent{
			Context: ctx,
			Type:    messaging.KeyAppApplicationCreated,
			AppName: g.faker.AppName(),
		}
	}
}

func (g *Generator) document(ctx events.Context, types []string) events.Event {
	return events.NewDocumentEvent(g.pick(types), ctx, g.pick(collections), g.faker.UUID())
}

func (g *Generator) pick(values []string) string {
	return values[g.rng.Intn(len(values))]
}

// pickStatus returns mostly successful statuses with the occasional error.
func (g *Generator) pickStatus() int {
	switch n := g.rng.Intn(20); {
	case n == 0:
		return 500
	case n < 3:
		return 404
	default:
		return 200
	}
}

// EventTime spreads index of total events over window ending at now, with
// ±40% jitter around an even spacing. A zero window returns now.
func EventTime(rng *rand.Rand, now time.Time, window time.Duration, index, total int) time.Time {
	if window <= 0 || total <= 0 {
		return now
	}
	baseInterval := float64(window) / float64(total)
	baseOffset := time.Duration(float64(index) * baseInterval)

	jitterRange := baseInterval * 0.4
	jitter := time.Duration((rng.Float64()*2.0 - 1.0) * jitterRange)

	offset := baseOffset + jitter
	if offset < 0 {
		offset = 0
	}
	if offset > window {
		offset = window
	}
	// Events are placed going backwards from now.
	return now.Add(-(window - offset))
}
