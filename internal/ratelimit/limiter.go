package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"marketflow/internal/domain"
)

// ViolationSink records denials for abuse triage. Best-effort: a sink error
// never changes the admission decision.
type ViolationSink interface {
	RecordViolation(ctx context.Context, identity, action, endpoint string, at time.Time) error
}

// Limiter approximates a sliding window with fixed windows keyed on the
// window start. Admission is one atomic increment against the counter store.
type Limiter struct {
	rules    Rules
	counters CounterStore
	sink     ViolationSink
	now      func() time.Time
}

func NewLimiter(rules Rules, counters CounterStore, sink ViolationSink) *Limiter {
	return &Limiter{rules: rules, counters: counters, sink: sink, now: time.Now}
}

// Check admits or denies one unit of the guarded action. remaining never
// goes negative; on denial RetryAfter carries the rule's window length so
// callers can surface a Retry-After header.
func (l *Limiter) Check(ctx context.Context, identity, action string, tier domain.Tier) (domain.Decision, error) {
	rule, ok := l.rules.Lookup(action, tier)
	if !ok {
		// No rule configured: fail open, but leave a trace.
		log.Debug().Str("action", action).Str("tier", string(tier)).Msg("no rate limit rule, allowing")
		return domain.Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now().UTC()
	windowStart := now.Truncate(rule.Window).Unix()
	key := fmt.Sprintf("rl:%s:%s:%d", action, identity, windowStart)

	// TTL slightly past the window end so a boundary check never sees a
	// counter evicted mid-window.
	ttl := rule.Window + time.Second
	count, err := l.counters.Incr(ctx, key, ttl)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) > rule.Limit {
		if l.sink != nil {
			if serr := l.sink.RecordViolation(ctx, identity, action, "", now); serr != nil {
				log.Warn().Err(serr).Str("identity", identity).Str("action", action).Msg("violation record failed")
			}
		}
		return domain.Decision{Allowed: false, Remaining: 0, RetryAfter: rule.Window}, nil
	}
	return domain.Decision{Allowed: true, Remaining: remaining}, nil
}
