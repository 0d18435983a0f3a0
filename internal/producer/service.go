package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"marketflow/internal/domain"
	"marketflow/internal/jobstore"
	"marketflow/internal/ratelimit"
)

// Spec describes one periodic producer: a cron expression plus how to build
// the job it enqueues. Bucket sizes the idempotency window, so a double
// fire (or a second replica firing) collapses to one job.
type Spec struct {
	Name        string
	Cron        string
	Queue       domain.Queue
	HandlerType string
	MaxAttempts int
	Bucket      time.Duration
	Payload     func(now time.Time) []byte
}

// IdempotencyKey buckets the spec's fires so repeats inside one bucket
// collapse onto the same job row.
func (s Spec) IdempotencyKey(now time.Time) string {
	bucket := s.Bucket
	if bucket <= 0 {
		bucket = time.Hour
	}
	return fmt.Sprintf("%s:%d", s.Name, now.UTC().Truncate(bucket).Unix())
}

// Service drives the periodic producers. It lives outside the scheduling
// core: each fire goes through the same admission path as any other
// producer (rate-limit check, then enqueue).
type Service struct {
	store   jobstore.Repository
	limiter *ratelimit.Limiter
	cron    *cron.Cron
	specs   []Spec
	now     func() time.Time
}

func NewService(store jobstore.Repository, limiter *ratelimit.Limiter, specs []Spec) *Service {
	return &Service{
		store:   store,
		limiter: limiter,
		cron:    cron.New(),
		specs:   specs,
		now:     time.Now,
	}
}

func (s *Service) Start() error {
	for _, spec := range s.specs {
		spec := spec
		if _, err := s.cron.AddFunc(spec.Cron, func() { s.Fire(context.Background(), spec) }); err != nil {
			return fmt.Errorf("producer %s: bad cron %q: %w", spec.Name, spec.Cron, err)
		}
	}
	s.cron.Start()
	log.Info().Int("producers", len(s.specs)).Msg("periodic producers started")
	return nil
}

func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Fire runs one producer cycle. Exported so tests and manual triggers can
// drive a spec without waiting on the cron clock.
func (s *Service) Fire(ctx context.Context, spec Spec) {
	now := s.now().UTC()

	dec, err := s.limiter.Check(ctx, "system", spec.Name, domain.TierSystem)
	if err != nil {
		log.Error().Err(err).Str("producer", spec.Name).Msg("admission check failed")
		return
	}
	if !dec.Allowed {
		log.Warn().Str("producer", spec.Name).Msg("producer rate limited, skipping cycle")
		return
	}

	var payload []byte
	if spec.Payload != nil {
		payload = spec.Payload(now)
	}
	key := spec.IdempotencyKey(now)
	id, err := s.store.Enqueue(ctx, jobstore.EnqueueParams{
		Queue:          spec.Queue,
		HandlerType:    spec.HandlerType,
		Payload:        payload,
		IdempotencyKey: &key,
		RunAt:          now,
		MaxAttempts:    spec.MaxAttempts,
	})
	if err != nil {
		log.Error().Err(err).Str("producer", spec.Name).Msg("enqueue failed")
		return
	}
	log.Info().Str("producer", spec.Name).Str("job_id", id).Msg("periodic job enqueued")
}
