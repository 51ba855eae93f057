package logstore

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc/pool"
)

// ErrCostNotYetReported is returned by a CostFetcher when the provider has
// not yet reported usage for a request; the reconciler treats this as
// retryable up to its wall budget, not as a hard failure.
var ErrCostNotYetReported = errors.New("cost not yet reported")

// CostFetcher polls a provider for the token/cost usage of one request.
type CostFetcher func(ctx context.Context, providerRequestID string) (CostUpdate, error)

// Reconciler is the bounded worker pool backing cost reconciliation: on
// append of any assistant row carrying a provider_request_id, the row is
// queued for cost fetch; a worker polls with a Fibonacci backoff starting
// at 1s and capped at 4s until usage is reported, or gives up after a fixed wall
// budget (default 10s), leaving cost null with no further retry. The
// worker pool itself is github.com/sourcegraph/conc/pool and the backoff
// schedule is github.com/sethvargo/go-retry.
type Reconciler struct {
	writer     Writer
	fetch      CostFetcher
	maxWorkers int
	wallBudget time.Duration
	onEvent    func(sessionID, traceID string, u CostUpdate)

	pool *pool.Pool
}

// NewReconciler builds a Reconciler. onEvent, if non-nil, is called after a
// successful reconciliation so the caller can publish a cost_update
// lifecycle event onto the hub.
func NewReconciler(writer Writer, fetch CostFetcher, maxWorkers int, onEvent func(sessionID, traceID string, u CostUpdate)) *Reconciler {
	if maxWorkers < 1 {
		maxWorkers = 4
	}
	return &Reconciler{
		writer:     writer,
		fetch:      fetch,
		maxWorkers: maxWorkers,
		wallBudget: 10 * time.Second,
		onEvent:    onEvent,
		pool:       pool.New().WithMaxGoroutines(maxWorkers),
	}
}

// Enqueue schedules a cost-fetch-and-update job for a just-appended
// assistant row. It returns immediately; the fetch runs in the pool.
func (r *Reconciler) Enqueue(sessionID, traceID, providerRequestID string) {
	r.pool.Go(func() {
		r.reconcileOne(sessionID, traceID, providerRequestID)
	})
}

// Wait blocks until every enqueued job has finished, used at shutdown and
// in tests.
func (r *Reconciler) Wait() { r.pool.Wait() }

func (r *Reconciler) reconcileOne(sessionID, traceID, providerRequestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.wallBudget)
	defer cancel()

	// Approximates the bounded {0,1,2,3,4}s backoff of spec §4.1: a
	// Fibonacci schedule capped at 4s, bounded overall by the wall budget.
	backoff := retry.WithCappedDuration(4*time.Second, retry.NewFibonacci(1*time.Second))

	var usage CostUpdate
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		u, err := r.fetch(ctx, providerRequestID)
		if err != nil {
			if errors.Is(err, ErrCostNotYetReported) {
				return retry.RetryableError(err)
			}
			return err
		}
		usage = u
		return nil
	})
	if err != nil {
		// Wall budget exhausted or a hard fetch error: cost stays null,
		// no further retry, per spec §4.12 "Cost fetch failure" row.
		return
	}
	if err := r.writer.UpdateCost(traceID, usage); err != nil {
		return
	}
	if r.onEvent != nil {
		r.onEvent(sessionID, traceID, usage)
	}
}
