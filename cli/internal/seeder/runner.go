package seeder

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
)

// Publisher publishes a prepared envelope. *eventbus.Bus implements it.
type Publisher interface {
	PublishEnvelope(ctx context.Context, env events.Envelope) error
}

// Options controls a seeding run.
type Options struct {
	Count      int
	TimeSpread time.Duration
	// Interval pauses between publishes to throttle the run.
	Interval time.Duration
	Now      func() time.Time
}

// Summary reports what a run published.
type Summary struct {
	Published int            `json:"published" yaml:"published"`
	Failed    int            `json:"failed" yaml:"failed"`
	ByType    map[string]int `json:"byType" yaml:"byType"`
	Tenants   int            `json:"tenants" yaml:"tenants"`
}

// Runner publishes generated events.
type Runner struct {
	gen *Generator
	pub Publisher
	log *slog.Logger
	rng *rand.Rand
}

// NewRunner creates a runner.
func NewRunner(gen *Generator, pub Publisher, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{gen: gen, pub: pub, log: log, rng: rand.New(rand.NewSource(gen.rng.Int63()))}
}

// Run publishes opts.Count events. Envelope timestamps are backdated across
// opts.TimeSpread so that past aggregation windows receive data. Publish
// failures are counted, not fatal; only ctx cancellation stops the run early.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	start := now().UTC()

	sum := Summary{ByType: map[string]int{}, Tenants: len(r.gen.Tenants())}
	for i := 0; i < opts.Count; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		ev := r.gen.Next()
		env, err := events.NewEnvelope(ev.EventType(), ev)
		if err != nil {
			return sum, err
		}
		env.Timestamp = EventTime(r.rng, start, opts.TimeSpread, i, opts.Count).UTC()

		if err := r.pub.PublishEnvelope(ctx, env); err != nil {
			sum.Failed++
			r.log.Warn("seed event not published",
				logging.EventType(env.EventType),
				logging.Error(err))
		} else {
			sum.Published++
			sum.ByType[env.EventType]++
		}

		if opts.Interval > 0 && i < opts.Count-1 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(opts.Interval):
			}
		}
	}

	r.log.Info("seeding complete",
		"published", sum.Published,
		"failed", sum.Failed)
	return sum, nil
}
