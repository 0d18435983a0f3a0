package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"marketflow/internal/domain"
	"marketflow/internal/jobstore"
)

// Config sizes the pool. Workers covers the shared priority queues; the
// screenshot queue gets its own ceiling because it wraps an external
// browser resource and must never compete with the rest.
type Config struct {
	Workers           int
	ScreenshotWorkers int
	// BulkSharePct of Workers try bulk first, so bulk cannot starve even
	// when higher-priority queues stay saturated.
	BulkSharePct    int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	ReclaimInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:           8,
		ScreenshotWorkers: 2,
		BulkSharePct:      10,
		PollInterval:      250 * time.Millisecond,
		LeaseDuration:     60 * time.Second,
		ReclaimInterval:   30 * time.Second,
	}
}

// Pool leases jobs from the store and drives handlers. It is a standalone
// process-internal loop; nothing here runs on an HTTP request thread.
type Pool struct {
	store jobstore.Repository
	reg   *Registry
	cfg   Config
}

func NewPool(store jobstore.Repository, reg *Registry, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	return &Pool{store: store, reg: reg, cfg: cfg}
}

// bulkReserved is how many shared workers claim bulk ahead of the priority
// order. At least one when any share is configured and the pool has spare
// capacity, so saturation above never starves batch work indefinitely.
func (p *Pool) bulkReserved() int {
	if p.cfg.BulkSharePct <= 0 || p.cfg.Workers <= 1 {
		return 0
	}
	n := p.cfg.Workers * p.cfg.BulkSharePct / 100
	if n < 1 {
		n = 1
	}
	return n
}

// Run blocks until ctx is cancelled and every worker has drained.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	reserved := p.bulkReserved()
	for i := 0; i < p.cfg.Workers; i++ {
		order := domain.PriorityOrder
		if i < reserved {
			order = []domain.Queue{domain.QueueBulk, domain.QueueHigh, domain.QueueDefault, domain.QueueLow}
		}
		workerID := fmt.Sprintf("wrk-%s", uuid.NewString()[:8])
		claimOrder := order
		g.Go(func() error {
			p.workerLoop(ctx, workerID, claimOrder)
			return nil
		})
	}
	for i := 0; i < p.cfg.ScreenshotWorkers; i++ {
		workerID := fmt.Sprintf("shot-%s", uuid.NewString()[:8])
		g.Go(func() error {
			p.workerLoop(ctx, workerID, []domain.Queue{domain.QueueScreenshot})
			return nil
		})
	}
	g.Go(func() error {
		p.reclaimLoop(ctx)
		return nil
	})

	log.Info().
		Int("workers", p.cfg.Workers).
		Int("bulk_reserved", reserved).
		Int("screenshot_workers", p.cfg.ScreenshotWorkers).
		Msg("dispatch pool started")
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string, order []domain.Queue) {
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			// Drain: keep claiming until every queue in our order is empty.
			for p.claimOne(ctx, workerID, order, now.UTC()) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (p *Pool) claimOne(ctx context.Context, workerID string, order []domain.Queue, now time.Time) bool {
	for _, q := range order {
		job, err := p.store.ClaimNext(ctx, q, workerID, p.cfg.LeaseDuration, now)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("queue", string(q)).Msg("claim failed")
			}
			return false
		}
		if job != nil {
			p.runJob(ctx, workerID, *job)
			return true
		}
	}
	return false
}

func (p *Pool) runJob(ctx context.Context, workerID string, job domain.Job) {
	now := time.Now().UTC()
	logger := log.With().
		Str("job_id", job.ID).
		Str("queue", string(job.Queue)).
		Str("handler", job.HandlerType).
		Int("attempt", job.Attempts+1).
		Logger()

	reg, ok := p.reg.Lookup(job.HandlerType)
	if !ok {
		logger.Error().Msg("no handler registered, dead-lettering")
		if err := p.store.FailTerminal(ctx, job.ID, domain.ErrUnknownHandler.Error(), now); err != nil {
			logger.Error().Err(err).Msg("dead-letter failed")
		}
		return
	}

	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = p.cfg.LeaseDuration
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	execCtx = withHeartbeat(execCtx, func(hbCtx context.Context) error {
		return p.store.Heartbeat(hbCtx, job.ID, workerID, p.cfg.LeaseDuration, time.Now().UTC())
	})

	res := safeExecute(reg.Handler, execCtx, job.Payload)
	now = time.Now().UTC()

	switch res.Kind() {
	case domain.ResultOK:
		if err := p.store.Complete(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("complete failed")
			return
		}
		logger.Info().Msg("job done")
	case domain.ResultDeferred:
		if err := p.store.Reschedule(ctx, job.ID, res.Until()); err != nil {
			logger.Error().Err(err).Msg("reschedule failed")
			return
		}
		logger.Info().Time("run_at", res.Until()).Msg("job deferred")
	case domain.ResultTerminal:
		if err := p.store.FailTerminal(ctx, job.ID, errString(res.Err()), now); err != nil {
			logger.Error().Err(err).Msg("dead-letter failed")
			return
		}
		logger.Warn().Err(res.Err()).Msg("job dead-lettered")
	default: // ResultRetry
		if err := p.store.Fail(ctx, job.ID, errString(res.Err()), reg.BackoffBase, now); err != nil {
			logger.Error().Err(err).Msg("fail transition failed")
			return
		}
		logger.Warn().Err(res.Err()).Msg("job failed, retry scheduled")
	}
}

// safeExecute translates panics crossing the handler boundary into a
// transient retry; the job's attempt budget still bounds them.
func safeExecute(h Handler, ctx context.Context, payload []byte) (res domain.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = domain.Retry(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	res = h.Execute(ctx, payload)
	// A handler that ran past its deadline counts as a failure even if it
	// reported success after the fact.
	if ctx.Err() != nil && res.Kind() == domain.ResultOK {
		res = domain.Retry(fmt.Errorf("handler exceeded deadline: %w", ctx.Err()))
	}
	return res
}

func errString(err error) string {
	if err == nil {
		return "failure"
	}
	return err.Error()
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	t := time.NewTicker(p.cfg.ReclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := p.store.ReclaimExpiredLeases(ctx, now.UTC())
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("lease reclaim failed")
				}
				continue
			}
			if n > 0 {
				log.Info().Int("reclaimed", n).Msg("expired leases returned to pending")
			}
		}
	}
}

type heartbeatKey struct{}

func withHeartbeat(ctx context.Context, fn func(context.Context) error) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, fn)
}

// HeartbeatFromContext returns the lease renewal function for the running
// job. Long handlers call it periodically to keep their lease live; without
// renewal a lapsed lease makes the job claimable again (at-least-once).
func HeartbeatFromContext(ctx context.Context) (func(context.Context) error, bool) {
	fn, ok := ctx.Value(heartbeatKey{}).(func(context.Context) error)
	return fn, ok
}
