package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"concilia.dev/internal/obs"
)

// Integration identifies one bank feed to pull movements from.
type Integration struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

// IntegrationSource enumerates the feeds the nightly batch should process.
type IntegrationSource interface {
	Integrations(ctx context.Context) ([]Integration, error)
}

// MovementFetcher pulls normalized movements for one integration.
type MovementFetcher interface {
	Fetch(ctx context.Context, integ Integration, since time.Time) ([]NormalizedMovement, error)
}

// IntegrationResult is the per-feed outcome of a batch.
type IntegrationResult struct {
	IntegrationID string   `json:"integration_id"`
	AccountID     string   `json:"account_id"`
	RunID         string   `json:"run_id,omitempty"`
	Counters      Counters `json:"counters"`
	Error         string   `json:"error,omitempty"`
}

// Summary reports a whole batch.
type Summary struct {
	StartedAt     time.Time           `json:"started_at"`
	MarkedOverdue int                 `json:"marked_overdue"`
	Escalated     int                 `json:"escalated"`
	Results       []IntegrationResult `json:"results"`
}

// Controller runs the reconciliation batch: every integration is fetched
// and ingested concurrently, one feed's failure never aborting the others.
// Fetches go through a circuit breaker so a bank outage fails fast instead
// of tying the batch up in timeouts.
type Controller struct {
	engine  *Engine
	source  IntegrationSource
	fetcher MovementFetcher
	breaker *gobreaker.CircuitBreaker

	// Lookback bounds how far back movements are requested. Parallelism
	// caps concurrent feeds.
	Lookback    time.Duration
	Parallelism int
}

func NewController(engine *Engine, source IntegrationSource, fetcher MovementFetcher) *Controller {
	return &Controller{
		engine:  engine,
		source:  source,
		fetcher: fetcher,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "bank-feed",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		Lookback:    72 * time.Hour,
		Parallelism: 4,
	}
}

// RunAutomatic executes one batch over every known integration.
func (c *Controller) RunAutomatic(ctx context.Context, now time.Time) (Summary, error) {
	integrations, err := c.source.Integrations(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{StartedAt: now.UTC()}

	// The batch doubles as the lifecycle clock: flip past-due pending
	// instruments to overdue before matching.
	overdue, err := c.engine.instruments.MarkOverdue(ctx, now)
	if err != nil {
		return Summary{}, err
	}
	summary.MarkedOverdue = overdue

	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Parallelism)
	for _, integ := range integrations {
		integ := integ
		g.Go(func() error {
			res := c.runOne(ctx, integ, now)
			mu.Lock()
			summary.Results = append(summary.Results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Stale movements from earlier runs get flagged in the same batch.
	escalated, err := c.engine.SweepStale(ctx, now)
	if err != nil {
		return Summary{}, err
	}
	summary.Escalated = escalated

	obs.LogEvent(map[string]any{
		"event":        "reconciliation_batch",
		"integrations": len(integrations),
		"escalated":    escalated,
	})
	return summary, nil
}

// RunManual reconciles a single integration on demand.
func (c *Controller) RunManual(ctx context.Context, integrationID string, now time.Time) (IntegrationResult, error) {
	integrations, err := c.source.Integrations(ctx)
	if err != nil {
		return IntegrationResult{}, err
	}
	for _, integ := range integrations {
		if integ.ID == integrationID {
			return c.runOne(ctx, integ, now), nil
		}
	}
	return IntegrationResult{}, ErrIntegration
}

// Ingest feeds pre-parsed movements (e.g. an uploaded return file) through
// the engine, bypassing the fetcher.
func (c *Controller) Ingest(ctx context.Context, integrationID, accountID string, movements []NormalizedMovement, now time.Time) (Run, error) {
	return c.engine.Ingest(ctx, integrationID, accountID, movements, now)
}

func (c *Controller) runOne(ctx context.Context, integ Integration, now time.Time) IntegrationResult {
	res := IntegrationResult{IntegrationID: integ.ID, AccountID: integ.AccountID}

	fetched, err := c.breaker.Execute(func() (any, error) {
		return c.fetcher.Fetch(ctx, integ, now.Add(-c.Lookback))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = ErrIntegration
		}
		res.Error = err.Error()
		return res
	}
	movements := fetched.([]NormalizedMovement)

	run, err := c.engine.Ingest(ctx, integ.ID, integ.AccountID, movements, now)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.RunID = run.ID
	res.Counters = run.Counters
	return res
}
