package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/postprocess"
)

var (
	postprocessCompany string
	postprocessVerify  bool
	postprocessLimit   int
)

var postprocessCmd = &cobra.Command{
	Use:   "postprocess",
	Short: "Post-process prospect addresses for a single company",
	Long:  "Derives and links address records, applies the restricted do-not-mail list, verifies addresses through USPS, and consolidates preferred prospects per address.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if postprocessVerify {
			if err := cfg.Validate("verify"); err != nil {
				return err
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		company, err := st.GetOrCreateCompany(ctx, postprocessCompany)
		if err != nil {
			return eris.Wrap(err, "resolve company")
		}

		var verifier postprocess.Verifier
		if postprocessVerify {
			verifier = initVerifier()
		}

		limit := postprocessLimit
		if limit == 0 {
			limit = cfg.PostProcess.RecordLimit
		}

		proc := postprocess.New(st, verifier, cfg.PostProcess.BatchSize, limit)
		res, err := proc.Run(ctx, company)
		if err != nil {
			return eris.Wrap(err, "postprocess")
		}

		zap.L().Info("postprocess complete",
			zap.String("company", company.Identifier),
			zap.Int("processed", res.Processed),
			zap.Int("verified", res.Verified),
			zap.Int("verify_failures", res.VerifyFailures),
			zap.Int("restricted", res.Restricted),
			zap.Int("invalid_addresses", res.InvalidAddress),
			zap.Int("marked_business", res.MarkedBusiness),
		)
		return nil
	},
}

func init() {
	postprocessCmd.Flags().StringVar(&postprocessCompany, "company", "", "company identifier (required)")
	postprocessCmd.Flags().BoolVar(&postprocessVerify, "verify", true, "verify addresses through USPS")
	postprocessCmd.Flags().IntVar(&postprocessLimit, "limit", 0, "max prospects per run (default from config)")
	_ = postprocessCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(postprocessCmd)
}
