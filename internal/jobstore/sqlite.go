package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketflow/internal/domain"
)

// timeFormat is fixed-width UTC so stored timestamps compare correctly as
// strings inside SQL (RFC3339Nano trims trailing zeros and breaks ordering).
const timeFormat = "2006-01-02 15:04:05.000000000"

// maxBackoff caps the retry delay regardless of attempt count.
const maxBackoff = time.Hour

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t.UTC()
}

// EnsureSchema creates tables if they don't exist. The jobs table is the
// single source of truth for queue state; queue_control holds the pause
// gates; the remaining tables back the rate-limit audit trail and the
// monthly budget counters.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  queue TEXT NOT NULL CHECK(queue IN ('high','default','low','bulk','screenshot')),
  handler_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  idempotency_key TEXT,
  state TEXT NOT NULL CHECK(state IN ('pending','leased','done','dead')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  run_at TEXT NOT NULL,
  lease_owner TEXT,
  lease_expires_at TEXT,
  last_error TEXT,
  failed_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, state, run_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(idempotency_key)
  WHERE idempotency_key IS NOT NULL AND state != 'dead';
CREATE TABLE IF NOT EXISTS queue_control (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rate_limit_violations (
  identity TEXT NOT NULL,
  action TEXT NOT NULL,
  endpoint TEXT NOT NULL DEFAULT '',
  first_at TEXT NOT NULL,
  last_at TEXT NOT NULL,
  count INTEGER NOT NULL DEFAULT 1,
  PRIMARY KEY (identity, action)
);
CREATE TABLE IF NOT EXISTS budget_counters (
  month TEXT NOT NULL,
  provider TEXT NOT NULL,
  total_units INTEGER NOT NULL DEFAULT 0,
  cost_cents INTEGER NOT NULL DEFAULT 0,
  limit_cents INTEGER NOT NULL,
  notified_75 INTEGER NOT NULL DEFAULT 0,
  notified_90 INTEGER NOT NULL DEFAULT 0,
  notified_100 INTEGER NOT NULL DEFAULT 0,
  override_reason TEXT,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (month, provider)
);
`
	_, err := db.Exec(schema)
	return err
}

// EnqueueParams carries everything Enqueue needs beyond the defaults the
// registry supplies per handler type.
type EnqueueParams struct {
	Queue          domain.Queue
	HandlerType    string
	Payload        []byte
	IdempotencyKey *string
	RunAt          time.Time
	MaxAttempts    int
}

type Repository interface {
	Enqueue(ctx context.Context, p EnqueueParams) (string, error)
	ClaimNext(ctx context.Context, queue domain.Queue, workerID string, leaseDur time.Duration, now time.Time) (*domain.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errMsg string, backoffBase time.Duration, now time.Time) error
	FailTerminal(ctx context.Context, id, errMsg string, now time.Time) error
	Reschedule(ctx context.Context, id string, runAt time.Time) error
	Heartbeat(ctx context.Context, id, workerID string, extendBy time.Duration, now time.Time) error
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Job, error)

	// Admin surface.
	PauseQueue(ctx context.Context, q domain.Queue) error
	ResumeQueue(ctx context.Context, q domain.Queue) error
	IsPaused(ctx context.Context, q domain.Queue) (bool, error)
	Requeue(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ListDeadLetter(ctx context.Context, queue domain.Queue, limit int) ([]domain.Job, error)
	QueueDepths(ctx context.Context) (map[domain.Queue]map[domain.JobState]int, error)

	// RecordViolation is the append-only audit sink for rate-limit denials.
	RecordViolation(ctx context.Context, identity, action, endpoint string, at time.Time) error
}

type sqliteRepo struct {
	db              *sql.DB
	maxPayloadBytes int
}

// New returns a SQLite-backed Repository. maxPayloadBytes bounds enqueue
// payload size; zero means the default of 256 KiB.
func New(db *sql.DB, maxPayloadBytes int) Repository {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 256 << 10
	}
	return &sqliteRepo{db: db, maxPayloadBytes: maxPayloadBytes}
}

func (r *sqliteRepo) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if !p.Queue.Valid() {
		return "", fmt.Errorf("enqueue: invalid queue %q", p.Queue)
	}
	if len(p.Payload) > r.maxPayloadBytes {
		return "", fmt.Errorf("enqueue %s: %d bytes: %w", p.HandlerType, len(p.Payload), domain.ErrPayloadTooLarge)
	}
	now := time.Now().UTC()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = []byte("{}")
	}

	// Duplicate idempotency key collapses to the existing job unless that
	// job is dead; a dead job does not block a fresh enqueue.
	if p.IdempotencyKey != nil {
		var existingID string
		err := r.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE idempotency_key = ? AND state != 'dead'`,
			*p.IdempotencyKey).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("enqueue dedupe lookup: %w", err)
		}
	}

	id := "job_" + uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id, queue, handler_type, payload, idempotency_key, state, attempts, max_attempts, run_at, created_at, updated_at)
VALUES (?,?,?,?,?,'pending',0,?,?,?,?)
`, id, string(p.Queue), p.HandlerType, p.Payload, p.IdempotencyKey,
		p.MaxAttempts, fmtTime(p.RunAt), fmtTime(now), fmtTime(now))
	if err != nil && p.IdempotencyKey != nil && isUniqueViolation(err) {
		// Raced another producer on the same key; return the winner.
		var existingID string
		if lerr := r.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE idempotency_key = ? AND state != 'dead'`,
			*p.IdempotencyKey).Scan(&existingID); lerr == nil {
			return existingID, nil
		}
	}
	if err != nil {
		return "", fmt.Errorf("enqueue insert: %w", err)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *sqliteRepo) ClaimNext(ctx context.Context, queue domain.Queue, workerID string, leaseDur time.Duration, now time.Time) (*domain.Job, error) {
	paused, err := r.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("claim begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectJob+`
WHERE queue = ? AND state = 'pending' AND run_at <= ?
ORDER BY run_at ASC, created_at ASC
LIMIT 1
`, string(queue), fmtTime(now))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}

	leaseUntil := now.Add(leaseDur)
	res, err := tx.ExecContext(ctx, `
UPDATE jobs
SET state='leased', lease_owner=?, lease_expires_at=?, updated_at=?
WHERE id = ? AND state = 'pending'
`, workerID, fmtTime(leaseUntil), fmtTime(now), j.ID)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	// Zero rows means another worker won the race on this row.
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}

	j.State = domain.StateLeased
	j.LeaseOwner = &workerID
	u := leaseUntil.UTC()
	j.LeaseExpiresAt = &u
	return &j, nil
}

func (r *sqliteRepo) Complete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='done', lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id = ? AND state IN ('leased','done')
`, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("complete %s: %w", id, domain.ErrJobNotFound)
	}
	return nil
}

// Fail increments attempts and either reschedules with exponential backoff
// plus jitter or dead-letters the job once attempts reach the maximum.
func (r *sqliteRepo) Fail(ctx context.Context, id, errMsg string, backoffBase time.Duration, now time.Time) error {
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("fail begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = ? AND state = 'leased'`,
		id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fail %s: %w", id, domain.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("fail select: %w", err)
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
UPDATE jobs
SET state='dead', attempts=?, last_error=?, failed_at=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id = ?`, attempts, errMsg, fmtTime(now), fmtTime(now), id)
	} else {
		runAt := now.Add(backoff(backoffBase, attempts))
		_, err = tx.ExecContext(ctx, `
UPDATE jobs
SET state='pending', attempts=?, last_error=?, run_at=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id = ?`, attempts, errMsg, fmtTime(runAt), fmtTime(now), id)
	}
	if err != nil {
		return fmt.Errorf("fail update: %w", err)
	}
	return tx.Commit()
}

// backoff is base * 2^attempts plus jitter in [0, base), capped.
func backoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(base)))
}

func (r *sqliteRepo) FailTerminal(ctx context.Context, id, errMsg string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='dead', attempts=attempts+1, last_error=?, failed_at=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id = ? AND state = 'leased'
`, errMsg, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("fail terminal: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("fail terminal %s: %w", id, domain.ErrJobNotFound)
	}
	return nil
}

// Reschedule returns a leased job to pending at runAt without burning an
// attempt. Used for budget deferrals, which are decisions, not failures.
func (r *sqliteRepo) Reschedule(ctx context.Context, id string, runAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='pending', run_at=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id = ? AND state = 'leased'
`, fmtTime(runAt), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("reschedule %s: %w", id, domain.ErrJobNotFound)
	}
	return nil
}

func (r *sqliteRepo) Heartbeat(ctx context.Context, id, workerID string, extendBy time.Duration, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET lease_expires_at=?, updated_at=?
WHERE id = ? AND state = 'leased' AND lease_owner = ? AND lease_expires_at > ?
`, fmtTime(now.Add(extendBy)), fmtTime(now), id, workerID, fmtTime(now))
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("heartbeat %s: %w", id, domain.ErrLeaseLost)
	}
	return nil
}

// ReclaimExpiredLeases returns leased jobs with lapsed leases to pending so
// any worker can claim them. Covers crashed workers without heartbeats.
func (r *sqliteRepo) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='pending', lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE state = 'leased' AND lease_expires_at < ?
`, fmtTime(now), fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const selectJob = `
SELECT id, queue, handler_type, payload, idempotency_key, state, attempts, max_attempts,
       run_at, lease_owner, lease_expires_at, last_error, failed_at, created_at, updated_at
FROM jobs
`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                       domain.Job
		queue, state            string
		idem, owner, lastErr    sql.NullString
		runAt, createdAt, updAt string
		leaseExpires, failedAt  sql.NullString
	)
	err := row.Scan(&j.ID, &queue, &j.HandlerType, &j.Payload, &idem, &state,
		&j.Attempts, &j.MaxAttempts, &runAt, &owner, &leaseExpires, &lastErr,
		&failedAt, &createdAt, &updAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Queue = domain.Queue(queue)
	j.State = domain.JobState(state)
	j.RunAt = parseTime(runAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updAt)
	if idem.Valid {
		s := idem.String
		j.IdempotencyKey = &s
	}
	if owner.Valid {
		s := owner.String
		j.LeaseOwner = &s
	}
	if lastErr.Valid {
		s := lastErr.String
		j.LastError = &s
	}
	if leaseExpires.Valid {
		t := parseTime(leaseExpires.String)
		j.LeaseExpiresAt = &t
	}
	if failedAt.Valid {
		t := parseTime(failedAt.String)
		j.FailedAt = &t
	}
	return j, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, selectJob+`WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("get %s: %w", id, domain.ErrJobNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get: %w", err)
	}
	return j, nil
}

func pauseKey(q domain.Queue) string { return "paused:" + string(q) }

func (r *sqliteRepo) PauseQueue(ctx context.Context, q domain.Queue) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO queue_control (key, value) VALUES (?, '1')
ON CONFLICT(key) DO UPDATE SET value='1'
`, pauseKey(q))
	return err
}

func (r *sqliteRepo) ResumeQueue(ctx context.Context, q domain.Queue) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM queue_control WHERE key = ?`, pauseKey(q))
	return err
}

func (r *sqliteRepo) IsPaused(ctx context.Context, q domain.Queue) (bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM queue_control WHERE key = ?`, pauseKey(q)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is paused: %w", err)
	}
	return v == "1", nil
}

// Requeue resets a dead job to pending with a clean attempt budget.
func (r *sqliteRepo) Requeue(ctx context.Context, id string) error {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='pending', attempts=0, run_at=?, failed_at=NULL, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id = ? AND state = 'dead'
`, fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("requeue %s: %w", id, domain.ErrJobNotFound)
	}
	return nil
}

// Delete removes a pending or dead job. Leased jobs are refused; the caller
// must wait for the lease to resolve.
func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND state IN ('pending','dead')`, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var state string
	err = r.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete %s: %w", id, domain.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete lookup: %w", err)
	}
	if state == string(domain.StateLeased) {
		return fmt.Errorf("delete %s: %w", id, domain.ErrJobLeased)
	}
	return fmt.Errorf("delete %s in state %s: %w", id, state, domain.ErrJobNotFound)
}

func (r *sqliteRepo) ListDeadLetter(ctx context.Context, queue domain.Queue, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := selectJob + `WHERE state = 'dead'`
	args := []any{}
	if queue != "" {
		q += ` AND queue = ?`
		args = append(args, string(queue))
	}
	q += ` ORDER BY failed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letter scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *sqliteRepo) QueueDepths(ctx context.Context) (map[domain.Queue]map[domain.JobState]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT queue, state, COUNT(*) FROM jobs GROUP BY queue, state`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Queue]map[domain.JobState]int)
	for rows.Next() {
		var queue, state string
		var n int
		if err := rows.Scan(&queue, &state, &n); err != nil {
			return nil, err
		}
		q := domain.Queue(queue)
		if out[q] == nil {
			out[q] = make(map[domain.JobState]int)
		}
		out[q][domain.JobState(state)] = n
	}
	return out, rows.Err()
}

// RecordViolation upserts the audit row for one (identity, action) pair.
// Append-only from the limiter's point of view; never read for admission.
func (r *sqliteRepo) RecordViolation(ctx context.Context, identity, action, endpoint string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO rate_limit_violations (identity, action, endpoint, first_at, last_at, count)
VALUES (?,?,?,?,?,1)
ON CONFLICT(identity, action) DO UPDATE SET last_at=excluded.last_at, count=count+1
`, identity, action, endpoint, fmtTime(at), fmtTime(at))
	return err
}
