package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/runlog"
)

var (
	statusCompany string
	statusRuns    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show entity counts, staging backlog, and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		var companies []model.Company
		if statusCompany != "" {
			company, err := e.Store.GetOrCreateCompany(ctx, statusCompany)
			if err != nil {
				return eris.Wrap(err, "resolve company")
			}
			companies = append(companies, *company)
		} else {
			if companies, err = e.Store.ListCompanies(ctx); err != nil {
				return eris.Wrap(err, "list companies")
			}
		}

		type companyStatus struct {
			Company  string                    `json:"company"`
			Entities map[string]int            `json:"entities"`
			Staging  map[string]map[string]int `json:"staging"`
		}

		var statuses []companyStatus
		for _, company := range companies {
			entities, err := e.Store.EntityCounts(ctx, company.ID)
			if err != nil {
				return eris.Wrap(err, "entity counts")
			}

			backlog := map[string]map[string]int{}
			for _, repo := range e.Repos {
				counts, err := repo.OutstandingCounts(ctx, company.Identifier)
				if err != nil {
					return eris.Wrapf(err, "staging counts for %s", repo.Source())
				}
				backlog[repo.Source()] = counts
			}

			statuses = append(statuses, companyStatus{
				Company:  company.Identifier,
				Entities: entities,
				Staging:  backlog,
			})
		}

		var recent []runlog.Entry
		if e.History != nil {
			if recent, err = e.History.Recent(ctx, statusRuns); err != nil {
				return eris.Wrap(err, "recent runs")
			}
		}

		out := struct {
			Companies []companyStatus `json:"companies"`
			Runs      []runlog.Entry  `json:"runs,omitempty"`
		}{
			Companies: statuses,
			Runs:      recent,
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusCompany, "company", "", "restrict to one company")
	statusCmd.Flags().IntVar(&statusRuns, "runs", 10, "number of recent runs to include")
	rootCmd.AddCommand(statusCmd)
}
