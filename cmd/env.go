package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/importer"
	"github.com/sells-group/reconcile-cli/internal/jobs"
	"github.com/sells-group/reconcile-cli/internal/metrics"
	"github.com/sells-group/reconcile-cli/internal/orchestrator"
	"github.com/sells-group/reconcile-cli/internal/postprocess"
	"github.com/sells-group/reconcile-cli/internal/runlog"
	"github.com/sells-group/reconcile-cli/internal/staging"
	"github.com/sells-group/reconcile-cli/internal/store"
	"github.com/sells-group/reconcile-cli/pkg/usps"
)

func initStore(ctx context.Context) (*store.PostgresStore, error) {
	if err := cfg.Validate("sync"); err != nil {
		return nil, err
	}
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
}

// initStaging opens one repo per configured staging source. Sources whose
// DSN matches the canonical store share its pool.
func initStaging(ctx context.Context, st *store.PostgresStore) ([]*staging.Repo, func(), error) {
	var (
		repos  []*staging.Repo
		closes []func()
	)
	cleanup := func() {
		for _, fn := range closes {
			fn()
		}
	}

	for source, dsn := range cfg.Staging.Sources {
		if dsn == "" {
			zap.L().Warn("staging source has no database url, skipping", zap.String("source", source))
			continue
		}
		if dsn == cfg.Store.DatabaseURL {
			repos = append(repos, staging.NewRepo(st.Pool(), source))
			continue
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			cleanup()
			return nil, nil, eris.Wrapf(err, "staging pool for %s", source)
		}
		closes = append(closes, pool.Close)
		repos = append(repos, staging.NewRepo(pool, source))
	}

	if len(repos) == 0 {
		cleanup()
		return nil, nil, eris.New("no staging sources configured")
	}
	return repos, cleanup, nil
}

// initVerifier builds the USPS verifier when credentials are configured.
// Without credentials post-processing still runs, minus verification.
func initVerifier() postprocess.Verifier {
	if cfg.USPS.ClientID == "" || cfg.USPS.ClientSecret == "" {
		zap.L().Warn("usps credentials not configured, address verification disabled")
		return nil
	}
	client := usps.NewClient(cfg.USPS.ClientID, cfg.USPS.ClientSecret,
		usps.WithBaseURL(cfg.USPS.BaseURL),
		usps.WithRateLimit(cfg.USPS.RatePerSec))
	return postprocess.NewUSPSVerifier(client)
}

func initRunLog() *runlog.Log {
	if cfg.RunLog.Path == "" {
		return nil
	}
	history, err := runlog.Open(cfg.RunLog.Path)
	if err != nil {
		zap.L().Warn("run log unavailable", zap.Error(err))
		return nil
	}
	return history
}

// env bundles the wired pipeline for commands that run cycles.
type env struct {
	Store        *store.PostgresStore
	Repos        []*staging.Repo
	Ledger       *jobs.Ledger
	Orchestrator *orchestrator.Orchestrator
	History      *runlog.Log

	closes []func()
}

func (e *env) Close() {
	for i := len(e.closes) - 1; i >= 0; i-- {
		e.closes[i]()
	}
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	e := &env{Store: st, closes: []func(){func() { _ = st.Close() }}}

	if err := st.Migrate(ctx); err != nil {
		e.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	repos, cleanup, err := initStaging(ctx, st)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Repos = repos
	e.closes = append(e.closes, cleanup)

	e.Ledger = jobs.NewLedger(st.Pool(), time.Duration(cfg.Jobs.StaleMinutes)*time.Minute)

	if e.History = initRunLog(); e.History != nil {
		e.closes = append(e.closes, func() { _ = e.History.Close() })
	}

	e.Orchestrator = orchestrator.New(st, e.Ledger, repos,
		importer.New(st, cfg.Import.BatchSize),
		postprocess.New(st, initVerifier(), cfg.PostProcess.BatchSize, cfg.PostProcess.RecordLimit),
		metrics.New(st, cfg.Metrics.BatchSize),
		e.History,
		orchestrator.Config{
			MaxActiveJobs:    cfg.Jobs.MaxActive,
			RequeueDelay:     time.Duration(cfg.Jobs.RequeueSecs) * time.Second,
			SkipMetricsAbove: cfg.Metrics.SkipAboveStaged,
			SkipMetrics:      processSkipMetrics,
			MaxConcurrent:    cfg.Import.MaxConcurrentCompanies,
		})

	return e, nil
}
