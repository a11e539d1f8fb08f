// Package jobs is the per-company job ledger that gates pipeline
// concurrency. A cycle starts a job row, and the orchestrator consults the
// active count before admitting new work.
package jobs

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/db"
)

// Job kinds recorded in the ledger.
const (
	KindSync        = "sync"
	KindPostProcess = "postprocess"
	KindMetrics     = "metrics"
)

// Ledger tracks running jobs in the canonical database.
type Ledger struct {
	pool       db.Pool
	staleAfter time.Duration
}

// NewLedger creates a Ledger. Jobs running longer than staleAfter are
// treated as crashed and excluded from the active count.
func NewLedger(pool db.Pool, staleAfter time.Duration) *Ledger {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Hour
	}
	return &Ledger{pool: pool, staleAfter: staleAfter}
}

// ActiveCount returns how many jobs are currently running for a company.
func (l *Ledger) ActiveCount(ctx context.Context, companyID int64) (int, error) {
	var n int
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM company_jobs
		 WHERE company_id = $1 AND status = 'running' AND started_at > now() - $2::interval`,
		companyID, l.staleAfter.String(),
	).Scan(&n)
	return n, eris.Wrapf(err, "jobs: active count for company %d", companyID)
}

// Start records a new running job and returns its id.
func (l *Ledger) Start(ctx context.Context, companyID int64, kind string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO company_jobs (company_id, kind) VALUES ($1, $2) RETURNING id`,
		companyID, kind,
	).Scan(&id)
	return id, eris.Wrapf(err, "jobs: start %s for company %d", kind, companyID)
}

// Complete marks a job finished successfully.
func (l *Ledger) Complete(ctx context.Context, jobID int64) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE company_jobs SET status = 'complete', finished_at = now() WHERE id = $1`,
		jobID)
	return eris.Wrapf(err, "jobs: complete job %d", jobID)
}

// Fail marks a job failed with its cause.
func (l *Ledger) Fail(ctx context.Context, jobID int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.pool.Exec(ctx,
		`UPDATE company_jobs SET status = 'failed', error = $1, finished_at = now() WHERE id = $2`,
		msg, jobID)
	return eris.Wrapf(err, "jobs: fail job %d", jobID)
}

// InProgress reports whether a specific job is still running.
func (l *Ledger) InProgress(ctx context.Context, jobID int64) (bool, error) {
	var running bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM company_jobs WHERE id = $1 AND status = 'running')`,
		jobID,
	).Scan(&running)
	return running, eris.Wrapf(err, "jobs: in-progress check for job %d", jobID)
}

// ReapStale fails running jobs older than the stale cutoff, so crashed
// cycles stop holding a concurrency slot.
func (l *Ledger) ReapStale(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		`UPDATE company_jobs SET status = 'failed', error = 'reaped: stale', finished_at = now()
		 WHERE status = 'running' AND started_at <= now() - $1::interval`,
		l.staleAfter.String())
	if err != nil {
		return 0, eris.Wrap(err, "jobs: reap stale")
	}
	return tag.RowsAffected(), nil
}
