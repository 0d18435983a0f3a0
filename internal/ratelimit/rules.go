package ratelimit

import (
	"time"

	"marketflow/internal/domain"
)

// Rules is an immutable snapshot of (action, tier) -> rule mappings, built
// at startup and passed into the limiter explicitly. Refreshing config means
// constructing a new snapshot, never mutating a shared one.
type Rules struct {
	m map[string]map[domain.Tier]domain.RateLimitRule
}

func NewRules(rules []domain.RateLimitRule) Rules {
	m := make(map[string]map[domain.Tier]domain.RateLimitRule)
	for _, r := range rules {
		if m[r.Action] == nil {
			m[r.Action] = make(map[domain.Tier]domain.RateLimitRule)
		}
		m[r.Action][r.Tier] = r
	}
	return Rules{m: m}
}

// Lookup returns the rule for (action, tier), or ok=false when none is
// configured. Unmatched actions are admitted; the limiter fails open.
func (r Rules) Lookup(action string, tier domain.Tier) (domain.RateLimitRule, bool) {
	tiers, ok := r.m[action]
	if !ok {
		return domain.RateLimitRule{}, false
	}
	rule, ok := tiers[tier]
	return rule, ok
}

// DefaultRules covers the platform's guarded actions. Anonymous callers get
// the tightest windows; system producers are effectively unthrottled but
// still audited through the same path.
func DefaultRules() Rules {
	return NewRules([]domain.RateLimitRule{
		{Action: "enqueue", Tier: domain.TierAnonymous, Limit: 10, Window: time.Minute},
		{Action: "enqueue", Tier: domain.TierLoggedIn, Limit: 60, Window: time.Minute},
		{Action: "enqueue", Tier: domain.TierTrusted, Limit: 600, Window: time.Minute},
		{Action: "enqueue", Tier: domain.TierSystem, Limit: 10000, Window: time.Minute},

		{Action: "vote", Tier: domain.TierAnonymous, Limit: 0, Window: time.Minute},
		{Action: "vote", Tier: domain.TierLoggedIn, Limit: 5, Window: time.Minute},
		{Action: "vote", Tier: domain.TierTrusted, Limit: 30, Window: time.Minute},

		{Action: "submit_listing", Tier: domain.TierAnonymous, Limit: 2, Window: time.Hour},
		{Action: "submit_listing", Tier: domain.TierLoggedIn, Limit: 10, Window: time.Hour},
		{Action: "submit_listing", Tier: domain.TierTrusted, Limit: 100, Window: time.Hour},

		{Action: "feed_refresh", Tier: domain.TierSystem, Limit: 1000, Window: time.Minute},
		{Action: "payment_reconcile", Tier: domain.TierSystem, Limit: 100, Window: time.Minute},
		{Action: "budget_report", Tier: domain.TierSystem, Limit: 10, Window: time.Minute},
	})
}
