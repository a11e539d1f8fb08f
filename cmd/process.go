package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	processCompany     string
	processAll         bool
	processSkipMetrics bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the full reconciliation cycle",
	Long:  "Digests staged rows, post-processes addresses, and recomputes customer metrics for one company or for every company with staged work.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if !processAll && processCompany == "" {
			return eris.New("either --company or --all is required")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if reaped, err := e.Ledger.ReapStale(ctx); err != nil {
			zap.L().Warn("stale job reap failed", zap.Error(err))
		} else if reaped > 0 {
			zap.L().Info("reaped stale jobs", zap.Int64("count", reaped))
		}

		if processAll {
			return e.Orchestrator.RunAll(ctx)
		}

		outcome, err := e.Orchestrator.Run(ctx, processCompany)
		if err != nil {
			return eris.Wrap(err, "process")
		}
		zap.L().Info("process finished",
			zap.String("company", processCompany),
			zap.String("outcome", string(outcome)))
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processCompany, "company", "", "company identifier")
	processCmd.Flags().BoolVar(&processAll, "all", false, "process every known company")
	processCmd.Flags().BoolVar(&processSkipMetrics, "skip-metrics", false, "skip the metrics pass")
	rootCmd.AddCommand(processCmd)
}
