package stream

import (
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/staging"
)

// Adapter maps one vendor feed's column vocabulary onto normalized records.
// Column aliases are sanitized header names (see staging.SanitizeHeader);
// the first alias present and non-empty in a row wins.
type Adapter struct {
	// Source names the feed; it is recorded on prospect_sources and selects
	// the staging database to read from.
	Source string

	// Streams lists the staging tables this feed populates.
	Streams []string

	prospect map[string][]string
	invoice  map[string][]string
}

func (a *Adapter) pick(fields map[string]string, key string, aliases map[string][]string) string {
	for _, alias := range aliases[key] {
		if v := fields[alias]; v != "" {
			return v
		}
	}
	return ""
}

func (a *Adapter) prospectFrom(row staging.Row) ProspectRecord {
	p := a.prospect
	return ProspectRecord{
		StagingID:        row.ID,
		FullName:         a.pick(row.Fields, "fullname", p),
		FirstName:        a.pick(row.Fields, "firstname", p),
		LastName:         a.pick(row.Fields, "lastname", p),
		Address1:         a.pick(row.Fields, "address1", p),
		Address2:         a.pick(row.Fields, "address2", p),
		City:             a.pick(row.Fields, "city", p),
		State:            a.pick(row.Fields, "state", p),
		PostalCode:       a.pick(row.Fields, "postalcode", p),
		DoNotMail:        Truthy(a.pick(row.Fields, "donotmail", p)),
		ActiveMembership: Truthy(a.pick(row.Fields, "activemembership", p)),
		Version:          a.pick(row.Fields, "version", p),
		TagCSV:           a.pick(row.Fields, "tags", p),
		NetWorth:         row.Fields["networthprem"],
		YearBuilt:        row.Fields["yearhomebuilt"],
		Age:              row.Fields["ageofindividual"],
		EstimatedIncome:  row.Fields["estincome"],
		Raw:              row.Fields,
	}
}

// Prospects parses prospect-shaped records out of staging rows. Rows with
// neither a name nor an address are unusable and get logged and skipped.
func (a *Adapter) Prospects(rows []staging.Row) []ProspectRecord {
	log := zap.L().With(zap.String("component", "stream"), zap.String("source", a.Source))
	records := make([]ProspectRecord, 0, len(rows))
	for _, row := range rows {
		rec := a.prospectFrom(row)
		if rec.Name() == "" && rec.AddressKey() == "" {
			log.Warn("skipping unusable row", zap.Int64("staging_id", row.ID))
			continue
		}
		records = append(records, rec)
	}
	return records
}

// Invoices parses invoice records out of staging rows. Rows whose prospect
// portion is unusable, or that carry no total at all, are logged and skipped.
func (a *Adapter) Invoices(rows []staging.Row) []InvoiceRecord {
	log := zap.L().With(zap.String("component", "stream"), zap.String("source", a.Source))
	records := make([]InvoiceRecord, 0, len(rows))
	for _, row := range rows {
		rec := InvoiceRecord{
			StagingID:   row.ID,
			Prospect:    a.prospectFrom(row),
			Total:       Money(a.pick(row.Fields, "total", a.invoice)),
			Balance:     Money(a.pick(row.Fields, "balance", a.invoice)),
			SubTotal:    Money(a.pick(row.Fields, "subtotal", a.invoice)),
			Tax:         Money(a.pick(row.Fields, "tax", a.invoice)),
			Description: a.pick(row.Fields, "description", a.invoice),
			TradeName:   a.pick(row.Fields, "tradename", a.invoice),
			InvoicedAt:  Date(a.pick(row.Fields, "invoicedat", a.invoice)),
		}
		if rec.Prospect.Name() == "" && rec.Prospect.AddressKey() == "" {
			log.Warn("skipping unusable invoice row", zap.Int64("staging_id", row.ID))
			continue
		}
		if a.pick(row.Fields, "total", a.invoice) == "" {
			log.Warn("skipping invoice row without a total", zap.Int64("staging_id", row.ID))
			continue
		}
		records = append(records, rec)
	}
	return records
}

// Registry returns every feed adapter, keyed by the column vocabulary the
// vendor exports. The generic adapter covers the in-house ingest format.
func Registry() []*Adapter {
	return []*Adapter{
		{
			Source:  "generic",
			Streams: []string{staging.StreamProspects, staging.StreamMembers, staging.StreamInvoices},
			prospect: map[string][]string{
				"fullname":         {"fullname", "name"},
				"firstname":        {"firstname"},
				"lastname":         {"lastname"},
				"address1":         {"address1", "address"},
				"address2":         {"address2"},
				"city":             {"city"},
				"state":            {"state"},
				"postalcode":       {"postalcode", "zip", "zipcode"},
				"donotmail":        {"donotmail"},
				"activemembership": {"activemembership", "activemember"},
				"version":          {"version"},
				"tags":             {"tags", "tag"},
			},
			invoice: map[string][]string{
				"total":       {"total", "invoicetotal"},
				"balance":     {"balance"},
				"subtotal":    {"subtotal"},
				"tax":         {"tax"},
				"description": {"description", "memo"},
				"tradename":   {"tradename", "trade"},
				"invoicedat":  {"invoicedate", "invoicedat", "date"},
			},
		},
		{
			Source:  "fieldserve",
			Streams: []string{staging.StreamInvoices},
			prospect: map[string][]string{
				"fullname":   {"customername", "billtoname"},
				"address1":   {"serviceaddress", "billtoaddress"},
				"address2":   {"serviceaddress2"},
				"city":       {"servicecity"},
				"state":      {"servicestate"},
				"postalcode": {"servicezip"},
				"donotmail":  {"nomail"},
				"tags":       {"jobtags"},
			},
			invoice: map[string][]string{
				"total":       {"invoicetotal", "jobtotal"},
				"balance":     {"balancedue"},
				"subtotal":    {"subtotal"},
				"tax":         {"salestax"},
				"description": {"jobdescription", "summary"},
				"tradename":   {"businessunit", "jobtype"},
				"invoicedat":  {"invoicedate", "completedon"},
			},
		},
		{
			Source:  "rosteriq",
			Streams: []string{staging.StreamMembers},
			prospect: map[string][]string{
				"fullname":         {"membername"},
				"firstname":        {"memberfirst"},
				"lastname":         {"memberlast"},
				"address1":         {"street1"},
				"address2":         {"street2"},
				"city":             {"city"},
				"state":            {"region", "state"},
				"postalcode":       {"postal"},
				"donotmail":        {"mailoptout"},
				"activemembership": {"memberstatus"},
				"version":          {"rosterversion", "version"},
				"tags":             {"membertags"},
			},
			invoice: map[string][]string{},
		},
		{
			Source:  "legacydesk",
			Streams: []string{staging.StreamProspects, staging.StreamInvoices},
			prospect: map[string][]string{
				"fullname":   {"custnam"},
				"address1":   {"addr1"},
				"address2":   {"addr2"},
				"city":       {"city"},
				"state":      {"st"},
				"postalcode": {"zip"},
				"donotmail":  {"dnm"},
				"tags":       {"cattags"},
			},
			invoice: map[string][]string{
				"total":       {"invamt"},
				"balance":     {"balamt"},
				"subtotal":    {"subamt"},
				"tax":         {"taxamt"},
				"description": {"invdesc"},
				"tradename":   {"dept"},
				"invoicedat":  {"invdate"},
			},
		},
	}
}
