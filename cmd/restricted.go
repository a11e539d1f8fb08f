package main

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/model"
)

var restrictedReset bool

var restrictedCmd = &cobra.Command{
	Use:   "restricted",
	Short: "Manage the restricted do-not-mail address list",
}

var restrictedLoadCmd = &cobra.Command{
	Use:   "load <csv>",
	Short: "Load the restricted address list from a CSV",
	Long:  "Imports a CSV of restricted addresses. Prospects whose address matches an entry are flagged do-not-mail during post-processing. With --reset, previously applied global flags are cleared first so the next post-processing pass reapplies them from the fresh list.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file := args[0]

		entries, err := readRestrictedCSV(file)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return eris.New("restricted list is empty")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if restrictedReset {
			cleared, err := st.ResetGlobalDoNotMail(ctx)
			if err != nil {
				return eris.Wrap(err, "reset global do-not-mail")
			}
			zap.L().Info("cleared global do-not-mail flags", zap.Int64("prospects", cleared))
		}

		n, err := st.LoadRestrictedAddresses(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "load restricted addresses")
		}

		zap.L().Info("restricted list loaded",
			zap.String("file", file),
			zap.Int("rows", len(entries)),
			zap.Int64("stored", n),
		)
		return nil
	},
}

// readRestrictedCSV parses a headered CSV with address1, address2, city,
// state, and postal_code columns, in any order.
func readRestrictedCSV(path string) ([]model.RestrictedAddress, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open restricted list")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read restricted list header")
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"address1", "city", "state", "postal_code"} {
		if _, ok := col[required]; !ok {
			return nil, eris.Errorf("restricted list missing %q column", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var entries []model.RestrictedAddress
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "read restricted list row")
		}

		entry := model.RestrictedAddress{
			Address1:   field(row, "address1"),
			Address2:   field(row, "address2"),
			City:       field(row, "city"),
			StateCode:  field(row, "state"),
			PostalCode: field(row, "postal_code"),
		}
		if entry.Address1 == "" {
			continue
		}
		entry.PostalCodeShort = model.PostalCodeShort(entry.PostalCode)
		entry.ExternalID = entry.Key()
		entries = append(entries, entry)
	}
	return entries, nil
}

func init() {
	restrictedLoadCmd.Flags().BoolVar(&restrictedReset, "reset", false, "clear previously applied global do-not-mail flags first")
	restrictedCmd.AddCommand(restrictedLoadCmd)
	rootCmd.AddCommand(restrictedCmd)
}
