package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/metrics"
)

var metricsCompany string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Recompute customer metrics for a single company",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		company, err := st.GetOrCreateCompany(ctx, metricsCompany)
		if err != nil {
			return eris.Wrap(err, "resolve company")
		}

		agg := metrics.New(st, cfg.Metrics.BatchSize)
		res, err := agg.Run(ctx, company)
		if err != nil {
			return eris.Wrap(err, "metrics")
		}

		zap.L().Info("metrics complete",
			zap.String("company", company.Identifier),
			zap.Int("customers", res.Customers),
			zap.Int("batches", res.Batches),
		)
		return nil
	},
}

func init() {
	metricsCmd.Flags().StringVar(&metricsCompany, "company", "", "company identifier (required)")
	_ = metricsCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(metricsCmd)
}
