// Package orchestrator drives the per-company reconciliation cycle: digest
// staged rows, post-process addresses, recompute customer metrics, all
// gated by the company's job ledger.
package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconcile-cli/internal/importer"
	"github.com/sells-group/reconcile-cli/internal/jobs"
	"github.com/sells-group/reconcile-cli/internal/metrics"
	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/postprocess"
	"github.com/sells-group/reconcile-cli/internal/runlog"
	"github.com/sells-group/reconcile-cli/internal/staging"
	"github.com/sells-group/reconcile-cli/internal/store"
	"github.com/sells-group/reconcile-cli/internal/stream"
)

// Outcome says what a cycle request turned into.
type Outcome string

const (
	// OutcomeRan means the cycle executed.
	OutcomeRan Outcome = "ran"
	// OutcomeDropped means the company already had the maximum number of
	// active jobs and the request was discarded.
	OutcomeDropped Outcome = "dropped"
	// OutcomeBusy means one job was active; the request waited out the
	// requeue delay and the company was still busy.
	OutcomeBusy Outcome = "busy"
)

// Ledger is the job-gating surface the orchestrator needs; *jobs.Ledger
// satisfies it.
type Ledger interface {
	ActiveCount(ctx context.Context, companyID int64) (int, error)
	Start(ctx context.Context, companyID int64, kind string) (int64, error)
	Complete(ctx context.Context, jobID int64) error
	Fail(ctx context.Context, jobID int64, cause error) error
}

// Config tunes cycle admission and follow-up behavior.
type Config struct {
	// MaxActiveJobs is the active-job count at which new cycle requests
	// are dropped outright.
	MaxActiveJobs int
	// RequeueDelay is how long a request waits when exactly one job is
	// active before re-checking.
	RequeueDelay time.Duration
	// SkipMetricsAbove skips the metrics pass when any stream still has
	// more than this many staged rows outstanding.
	SkipMetricsAbove int
	// MaxConcurrent bounds RunAll's company parallelism.
	MaxConcurrent int
	// MaxCycles caps self-requeued follow-up cycles within one Run.
	MaxCycles int
	// SkipMetrics disables the metrics pass entirely.
	SkipMetrics bool
}

func (c *Config) defaults() {
	if c.MaxActiveJobs <= 0 {
		c.MaxActiveJobs = 2
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = time.Minute
	}
	if c.SkipMetricsAbove <= 0 {
		c.SkipMetricsAbove = 10000
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxCycles <= 0 {
		c.MaxCycles = 5
	}
}

// Orchestrator runs reconciliation cycles.
type Orchestrator struct {
	store      store.Store
	ledger     Ledger
	repos      []*staging.Repo
	adapters   map[string]*stream.Adapter
	importer   *importer.Importer
	processor  *postprocess.Processor
	aggregator *metrics.Aggregator
	history    *runlog.Log
	cfg        Config
	log        *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an Orchestrator. history may be nil to skip local run logging.
func New(st store.Store, ledger Ledger, repos []*staging.Repo, im *importer.Importer, proc *postprocess.Processor, agg *metrics.Aggregator, history *runlog.Log, cfg Config) *Orchestrator {
	cfg.defaults()

	adapters := make(map[string]*stream.Adapter)
	for _, a := range stream.Registry() {
		adapters[a.Source] = a
	}

	return &Orchestrator{
		store:      st,
		ledger:     ledger,
		repos:      repos,
		adapters:   adapters,
		importer:   im,
		processor:  proc,
		aggregator: agg,
		history:    history,
		cfg:        cfg,
		log:        zap.L().With(zap.String("component", "orchestrator")),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes a full cycle for one company identifier. When staging rows
// remain after a cycle and the cycle made progress, follow-up cycles run
// until the backlog drains or MaxCycles is hit.
func (o *Orchestrator) Run(ctx context.Context, identifier string) (Outcome, error) {
	company, err := o.store.GetOrCreateCompany(ctx, identifier)
	if err != nil {
		return OutcomeRan, err
	}

	outcome, err := o.admit(ctx, company)
	if err != nil || outcome != OutcomeRan {
		return outcome, err
	}

	for cycle := 0; cycle < o.cfg.MaxCycles; cycle++ {
		progressed, remaining, err := o.cycle(ctx, company)
		if err != nil {
			return OutcomeRan, err
		}
		if remaining == 0 {
			break
		}
		if !progressed {
			o.log.Warn("staging backlog is not draining, stopping",
				zap.String("company", company.Identifier),
				zap.Int("remaining", remaining))
			break
		}
		o.log.Info("staging rows remain, running follow-up cycle",
			zap.String("company", company.Identifier),
			zap.Int("remaining", remaining))
	}
	return OutcomeRan, nil
}

// admit applies the job-concurrency gate.
func (o *Orchestrator) admit(ctx context.Context, company *model.Company) (Outcome, error) {
	active, err := o.ledger.ActiveCount(ctx, company.ID)
	if err != nil {
		return OutcomeRan, err
	}
	if active >= o.cfg.MaxActiveJobs {
		o.log.Warn("dropping cycle request, too many active jobs",
			zap.String("company", company.Identifier),
			zap.Int("active", active))
		return OutcomeDropped, nil
	}
	if active > 0 {
		o.log.Info("company busy, waiting before retry",
			zap.String("company", company.Identifier),
			zap.Duration("delay", o.cfg.RequeueDelay))
		if err := o.sleep(ctx, o.cfg.RequeueDelay); err != nil {
			return OutcomeBusy, err
		}
		active, err = o.ledger.ActiveCount(ctx, company.ID)
		if err != nil {
			return OutcomeBusy, err
		}
		if active > 0 {
			return OutcomeBusy, nil
		}
	}
	return OutcomeRan, nil
}

// cycle runs digest, post-process, and metrics once. It reports whether any
// staging rows were consumed and how many remain.
func (o *Orchestrator) cycle(ctx context.Context, company *model.Company) (bool, int, error) {
	jobID, err := o.ledger.Start(ctx, company.ID, jobs.KindSync)
	if err != nil {
		return false, 0, err
	}

	var historyID string
	if o.history != nil {
		if historyID, err = o.history.Start(ctx, company.Identifier, jobs.KindSync); err != nil {
			o.log.Warn("run log unavailable", zap.Error(err))
		}
	}

	detail, progressed, remaining, runErr := o.stages(ctx, company)

	if runErr != nil {
		if err := o.ledger.Fail(ctx, jobID, runErr); err != nil {
			o.log.Error("failed to mark job failed", zap.Error(err))
		}
		if o.history != nil && historyID != "" {
			if err := o.history.Fail(ctx, historyID, runErr); err != nil {
				o.log.Error("failed to record run failure", zap.Error(err))
			}
		}
		return progressed, remaining, runErr
	}

	if err := o.ledger.Complete(ctx, jobID); err != nil {
		o.log.Error("failed to mark job complete", zap.Error(err))
	}
	if o.history != nil && historyID != "" {
		if err := o.history.Complete(ctx, historyID, detail); err != nil {
			o.log.Error("failed to record run completion", zap.Error(err))
		}
	}

	if counts, err := o.store.EntityCounts(ctx, company.ID); err == nil {
		o.log.Info("cycle complete",
			zap.String("company", company.Identifier),
			zap.Any("entities", counts),
			zap.Any("detail", detail))
	}
	return progressed, remaining, nil
}

// stages runs digest, post-process, and metrics in order. A failing stage
// marks the cycle failed but never blocks the stages after it; each works
// off whatever the earlier passes managed to land.
func (o *Orchestrator) stages(ctx context.Context, company *model.Company) (map[string]int, bool, int, error) {
	detail := map[string]int{}
	var stageErrs []error
	progressed := false

	digestRes, err := o.Digest(ctx, company)
	if err != nil {
		o.log.Error("digest stage failed, continuing",
			zap.String("company", company.Identifier), zap.Error(err))
		stageErrs = append(stageErrs, eris.Wrap(err, "orchestrator: digest stage"))
	} else {
		detail["prospects"] = digestRes.Prospects
		detail["customers"] = digestRes.Customers
		detail["invoices"] = digestRes.Invoices
		detail["subscriptions"] = digestRes.Subscriptions
		detail["staging_deleted"] = int(digestRes.Deleted)
		progressed = digestRes.Deleted > 0
	}

	ppRes, err := o.processor.Run(ctx, company)
	if err != nil {
		o.log.Error("postprocess stage failed, continuing",
			zap.String("company", company.Identifier), zap.Error(err))
		stageErrs = append(stageErrs, eris.Wrap(err, "orchestrator: postprocess stage"))
	} else {
		detail["processed"] = ppRes.Processed
		detail["verified"] = ppRes.Verified
		detail["invalid_addresses"] = ppRes.InvalidAddress
	}

	remaining, maxStream, err := o.outstanding(ctx, company)
	if err != nil {
		o.log.Error("outstanding counts failed, continuing",
			zap.String("company", company.Identifier), zap.Error(err))
		stageErrs = append(stageErrs, eris.Wrap(err, "orchestrator: outstanding counts"))
	}

	switch {
	case o.cfg.SkipMetrics:
	case maxStream > o.cfg.SkipMetricsAbove:
		o.log.Warn("skipping metrics, staging backlog too large",
			zap.String("company", company.Identifier),
			zap.Int("largest_stream", maxStream))
	default:
		mRes, err := o.aggregator.Run(ctx, company)
		if err != nil {
			stageErrs = append(stageErrs, eris.Wrap(err, "orchestrator: metrics stage"))
		} else {
			detail["metrics_customers"] = mRes.Customers
		}
	}

	return detail, progressed, remaining, errors.Join(stageErrs...)
}

// DigestOptions narrow a digest run.
type DigestOptions struct {
	// Source restricts the run to one staging source.
	Source string
	// Limit caps rows fetched per stream table.
	Limit int
	// KeepStaging leaves consumed staging rows in place, for dry runs
	// against a live staging area.
	KeepStaging bool
}

type noopDeleter struct{}

func (noopDeleter) DeleteByID(context.Context, string, []int64) (int64, error) { return 0, nil }

// Digest pulls every staged row for the company through its source adapter.
func (o *Orchestrator) Digest(ctx context.Context, company *model.Company) (*importer.Result, error) {
	return o.DigestWith(ctx, company, DigestOptions{})
}

// DigestWith is Digest with source/limit/retention controls.
func (o *Orchestrator) DigestWith(ctx context.Context, company *model.Company, opts DigestOptions) (*importer.Result, error) {
	total := &importer.Result{}

	for _, repo := range o.repos {
		if opts.Source != "" && repo.Source() != opts.Source {
			continue
		}
		adapter, ok := o.adapters[repo.Source()]
		if !ok {
			o.log.Warn("no adapter for staging source", zap.String("source", repo.Source()))
			continue
		}
		var del importer.Deleter = repo
		if opts.KeepStaging {
			del = noopDeleter{}
		}
		for _, table := range adapter.Streams {
			grouped, err := repo.FetchGrouped(ctx, table, "", opts.Limit)
			if err != nil {
				return total, err
			}
			for rawTenant, rows := range grouped {
				if model.NormalizeIdentifier(rawTenant) != company.Identifier {
					continue
				}

				if table == staging.StreamMembers {
					version, err := repo.LatestMemberVersion(ctx, rawTenant)
					if err != nil {
						return total, err
					}
					if version != "" {
						if err := o.importer.PrepareMembers(ctx, company, version); err != nil {
							return total, err
						}
					}
				}

				res, err := o.importer.DigestProspects(ctx, company, adapter, table, adapter.Prospects(rows), del)
				if err != nil {
					return total, err
				}
				total.Add(res)

				if table == staging.StreamInvoices {
					res, err := o.importer.DigestInvoices(ctx, company, adapter, adapter.Invoices(rows), del)
					if err != nil {
						return total, err
					}
					total.Add(res)
				}
			}
		}
	}
	return total, nil
}

// outstanding sums staged rows remaining for the company across sources,
// also returning the largest single-stream backlog.
func (o *Orchestrator) outstanding(ctx context.Context, company *model.Company) (total, largest int, err error) {
	for _, repo := range o.repos {
		counts, err := repo.OutstandingCounts(ctx, company.Identifier)
		if err != nil {
			return 0, 0, err
		}
		for _, n := range counts {
			total += n
			if n > largest {
				largest = n
			}
		}
	}
	return total, largest, nil
}

// RunAll discovers companies from the canonical store and the staging
// backlogs and runs a cycle for each, bounded by MaxConcurrent.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	identifiers, err := o.DiscoverCompanies(ctx)
	if err != nil {
		return err
	}

	// One company's failure is recorded but does not stop the rest.
	var failures atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrent)
	for _, identifier := range identifiers {
		g.Go(func() error {
			outcome, err := o.Run(ctx, identifier)
			if err != nil {
				failures.Add(1)
				o.log.Error("cycle failed",
					zap.String("company", identifier),
					zap.Error(err))
				return nil
			}
			if outcome != OutcomeRan {
				o.log.Info("cycle not run",
					zap.String("company", identifier),
					zap.String("outcome", string(outcome)))
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failures.Load(); n > 0 {
		return eris.Errorf("orchestrator: %d of %d companies failed", n, len(identifiers))
	}
	return nil
}

// DiscoverCompanies returns the union of known companies and tenants with
// staged rows, as normalized identifiers.
func (o *Orchestrator) DiscoverCompanies(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var identifiers []string

	companies, err := o.store.ListCompanies(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range companies {
		if !seen[c.Identifier] {
			seen[c.Identifier] = true
			identifiers = append(identifiers, c.Identifier)
		}
	}

	for _, repo := range o.repos {
		adapter, ok := o.adapters[repo.Source()]
		if !ok {
			continue
		}
		for _, table := range adapter.Streams {
			tenants, err := repo.Tenants(ctx, table)
			if err != nil {
				return nil, err
			}
			for _, rawTenant := range tenants {
				id := model.NormalizeIdentifier(rawTenant)
				if id != "" && !seen[id] {
					seen[id] = true
					identifiers = append(identifiers, id)
				}
			}
		}
	}
	return identifiers, nil
}
