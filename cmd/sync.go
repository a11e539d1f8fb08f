package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/orchestrator"
)

var (
	syncCompany      string
	syncSource       string
	syncLimit        int
	syncDeleteRemote bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Digest staged stream rows for a single company",
	Long:  "Runs only the import phase: staged prospect, member, and invoice rows are merged into the canonical store and consumed. Address post-processing and metrics are skipped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		company, err := e.Store.GetOrCreateCompany(ctx, syncCompany)
		if err != nil {
			return eris.Wrap(err, "resolve company")
		}

		res, err := e.Orchestrator.DigestWith(ctx, company, orchestrator.DigestOptions{
			Source:      syncSource,
			Limit:       syncLimit,
			KeepStaging: !syncDeleteRemote,
		})
		if err != nil {
			return eris.Wrap(err, "sync")
		}

		zap.L().Info("sync complete",
			zap.String("company", company.Identifier),
			zap.Int("prospects", res.Prospects),
			zap.Int("customers", res.Customers),
			zap.Int("invoices", res.Invoices),
			zap.Int("subscriptions", res.Subscriptions),
			zap.Int("skipped", res.Skipped),
			zap.Int64("staging_deleted", res.Deleted),
		)
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncCompany, "company", "", "company identifier (required)")
	syncCmd.Flags().StringVar(&syncSource, "source", "", "restrict to one staging source")
	syncCmd.Flags().IntVar(&syncLimit, "limit", 0, "max rows per stream table (0 = all)")
	syncCmd.Flags().BoolVar(&syncDeleteRemote, "delete-remote", true, "delete staging rows after a successful flush")
	_ = syncCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(syncCmd)
}
