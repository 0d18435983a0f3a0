package domain

import "time"

// Queue is a named priority class of deferred work.
type Queue string

const (
	QueueHigh       Queue = "high"
	QueueDefault    Queue = "default"
	QueueLow        Queue = "low"
	QueueBulk       Queue = "bulk"
	QueueScreenshot Queue = "screenshot"
)

// PriorityOrder lists the queues the shared worker pool serves, best first.
// Screenshot work runs under its own ceiling and never competes here.
var PriorityOrder = []Queue{QueueHigh, QueueDefault, QueueLow, QueueBulk}

// AllQueues includes the independently scheduled screenshot queue.
var AllQueues = []Queue{QueueHigh, QueueDefault, QueueLow, QueueBulk, QueueScreenshot}

func (q Queue) Valid() bool {
	switch q {
	case QueueHigh, QueueDefault, QueueLow, QueueBulk, QueueScreenshot:
		return true
	}
	return false
}

type JobState string

const (
	StatePending JobState = "pending"
	StateLeased  JobState = "leased"
	StateDone    JobState = "done"
	StateDead    JobState = "dead"
)

// Job is one unit of deferred work. Rows are mutated only by the job store
// (lease/complete/fail transitions) and admin operations, never by handlers.
type Job struct {
	ID             string
	Queue          Queue
	HandlerType    string
	Payload        []byte
	IdempotencyKey *string
	State          JobState
	Attempts       int
	MaxAttempts    int
	RunAt          time.Time
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	LastError      *string
	FailedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeaseLive reports whether the job holds an unexpired lease at now.
func (j Job) LeaseLive(now time.Time) bool {
	return j.State == StateLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// Tier classifies the trust level of an actor for rate limiting.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierLoggedIn  Tier = "logged_in"
	TierTrusted   Tier = "trusted"
	TierSystem    Tier = "system"
)

// RateLimitRule maps (action, tier) to a window and a count ceiling.
type RateLimitRule struct {
	Action string
	Tier   Tier
	Limit  int
	Window time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// BudgetAction is the graduated response to monthly provider spend.
type BudgetAction string

const (
	BudgetNormal    BudgetAction = "normal"
	BudgetReduce    BudgetAction = "reduce"
	BudgetQueueNext BudgetAction = "queue_next_cycle"
	BudgetHardStop  BudgetAction = "hard_stop"
)

// BudgetCounter is the monthly spend record for one provider.
type BudgetCounter struct {
	Month          string // UTC "2006-01"
	Provider       string
	TotalUnits     int64
	CostCents      int64
	LimitCents     int64
	OverrideReason *string
	UpdatedAt      time.Time
}

// PercentUsed returns spend as a percentage of the configured limit.
func (c BudgetCounter) PercentUsed() float64 {
	if c.LimitCents <= 0 {
		return 0
	}
	return float64(c.CostCents) / float64(c.LimitCents) * 100
}
