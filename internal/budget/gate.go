package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"marketflow/internal/domain"
)

// Notifier receives one-time threshold crossing notifications (75/90/100%).
type Notifier interface {
	BudgetThresholdCrossed(provider string, percent int, counter domain.BudgetCounter)
}

// LogNotifier is the default Notifier; operators watch the structured log.
type LogNotifier struct{}

func (LogNotifier) BudgetThresholdCrossed(provider string, percent int, c domain.BudgetCounter) {
	log.Warn().
		Str("provider", provider).
		Int("threshold_pct", percent).
		Int64("cost_cents", c.CostCents).
		Int64("limit_cents", c.LimitCents).
		Msg("budget threshold crossed")
}

// Gate tracks monthly AI spend per provider and returns the graduated
// action callers use to size or defer their work. Counters are created
// lazily on first touch in a month and retained for reporting.
type Gate struct {
	db                *sql.DB
	defaultLimitCents int64
	notifier          Notifier
	now               func() time.Time
}

func NewGate(db *sql.DB, defaultLimitCents int64, notifier Notifier) *Gate {
	if defaultLimitCents <= 0 {
		defaultLimitCents = 50000 // $500
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Gate{db: db, defaultLimitCents: defaultLimitCents, notifier: notifier, now: time.Now}
}

// MonthKey is the UTC calendar month a timestamp falls in.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// NextCycleStart is UTC midnight on the 1st of the following month, the
// earliest run time for work deferred under queue_next_cycle.
func NextCycleStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// ReportUsage atomically adds consumed units and cost to the current month's
// counter, then fires any threshold notifications crossed by this report.
func (g *Gate) ReportUsage(ctx context.Context, provider string, units int64, costCents int64) error {
	now := g.now()
	_, err := g.db.ExecContext(ctx, `
INSERT INTO budget_counters (month, provider, total_units, cost_cents, limit_cents, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(month, provider) DO UPDATE SET
  total_units = total_units + excluded.total_units,
  cost_cents = cost_cents + excluded.cost_cents,
  updated_at = excluded.updated_at
`, MonthKey(now), provider, units, costCents, g.defaultLimitCents, fmtTime(now))
	if err != nil {
		return fmt.Errorf("budget report usage: %w", err)
	}
	return g.notifyCrossings(ctx, provider, now)
}

// notifyCrossings latches each threshold per counter row so operators hear
// about 75/90/100% exactly once per month, not on every check.
func (g *Gate) notifyCrossings(ctx context.Context, provider string, now time.Time) error {
	c, err := g.Counter(ctx, provider)
	if err != nil {
		return err
	}
	pct := c.PercentUsed()
	for _, th := range []struct {
		pct int
		col string
	}{{75, "notified_75"}, {90, "notified_90"}, {100, "notified_100"}} {
		if pct < float64(th.pct) {
			continue
		}
		res, err := g.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE budget_counters SET %s=1 WHERE month=? AND provider=? AND %s=0
`, th.col, th.col), MonthKey(now), provider)
		if err != nil {
			return fmt.Errorf("budget latch %d: %w", th.pct, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			g.notifier.BudgetThresholdCrossed(provider, th.pct, c)
		}
	}
	return nil
}

// CurrentAction maps the month's spend percentage to the graduated action.
// A provider with no counter yet is at 0% and runs normally.
func (g *Gate) CurrentAction(ctx context.Context, provider string) (domain.BudgetAction, error) {
	c, err := g.Counter(ctx, provider)
	if err != nil {
		return "", err
	}
	switch pct := c.PercentUsed(); {
	case pct >= 100:
		return domain.BudgetHardStop, nil
	case pct >= 90:
		return domain.BudgetQueueNext, nil
	case pct >= 75:
		return domain.BudgetReduce, nil
	default:
		return domain.BudgetNormal, nil
	}
}

// Counter returns the current month's counter, a zero-usage one when the
// month has not been touched yet.
func (g *Gate) Counter(ctx context.Context, provider string) (domain.BudgetCounter, error) {
	now := g.now()
	c := domain.BudgetCounter{
		Month:      MonthKey(now),
		Provider:   provider,
		LimitCents: g.defaultLimitCents,
	}
	var reason sql.NullString
	var updatedAt string
	err := g.db.QueryRowContext(ctx, `
SELECT total_units, cost_cents, limit_cents, override_reason, updated_at
FROM budget_counters WHERE month = ? AND provider = ?
`, c.Month, provider).Scan(&c.TotalUnits, &c.CostCents, &c.LimitCents, &reason, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return domain.BudgetCounter{}, fmt.Errorf("budget counter: %w", err)
	}
	if reason.Valid {
		s := reason.String
		c.OverrideReason = &s
	}
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// MonthCounters returns every provider counter touched in the current
// month, for operator reports. Providers with no spend yet have no row.
func (g *Gate) MonthCounters(ctx context.Context) ([]domain.BudgetCounter, error) {
	month := MonthKey(g.now())
	rows, err := g.db.QueryContext(ctx, `
SELECT provider, total_units, cost_cents, limit_cents, override_reason, updated_at
FROM budget_counters WHERE month = ? ORDER BY provider
`, month)
	if err != nil {
		return nil, fmt.Errorf("budget month counters: %w", err)
	}
	defer rows.Close()

	var out []domain.BudgetCounter
	for rows.Next() {
		c := domain.BudgetCounter{Month: month}
		var reason sql.NullString
		var updatedAt string
		if err := rows.Scan(&c.Provider, &c.TotalUnits, &c.CostCents, &c.LimitCents, &reason, &updatedAt); err != nil {
			return nil, fmt.Errorf("budget month counters scan: %w", err)
		}
		if reason.Valid {
			s := reason.String
			c.OverrideReason = &s
		}
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Override raises the current month's limit with a recorded reason. The
// computed action changes immediately; notification latches above the new
// percentage are re-armed so a later re-crossing notifies again.
func (g *Gate) Override(ctx context.Context, provider string, newLimitCents int64, reason string) error {
	if newLimitCents <= 0 {
		return fmt.Errorf("budget override: limit must be positive")
	}
	if reason == "" {
		return fmt.Errorf("budget override: reason required")
	}
	now := g.now()
	_, err := g.db.ExecContext(ctx, `
INSERT INTO budget_counters (month, provider, limit_cents, override_reason, updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(month, provider) DO UPDATE SET
  limit_cents = excluded.limit_cents,
  override_reason = excluded.override_reason,
  updated_at = excluded.updated_at
`, MonthKey(now), provider, newLimitCents, reason, fmtTime(now))
	if err != nil {
		return fmt.Errorf("budget override: %w", err)
	}

	c, err := g.Counter(ctx, provider)
	if err != nil {
		return err
	}
	pct := c.PercentUsed()
	for _, th := range []struct {
		pct int
		col string
	}{{75, "notified_75"}, {90, "notified_90"}, {100, "notified_100"}} {
		if pct < float64(th.pct) {
			if _, err := g.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE budget_counters SET %s=0 WHERE month=? AND provider=?
`, th.col), MonthKey(now), provider); err != nil {
				return fmt.Errorf("budget latch reset %d: %w", th.pct, err)
			}
		}
	}
	log.Info().
		Str("provider", provider).
		Int64("new_limit_cents", newLimitCents).
		Str("reason", reason).
		Msg("budget limit overridden")
	return nil
}

const timeFormat = "2006-01-02 15:04:05.000000000"

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t.UTC()
}
