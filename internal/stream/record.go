// Package stream turns raw staging rows into normalized prospect and invoice
// records. Each vendor feed has an Adapter that knows its column vocabulary;
// everything downstream of this package works with the same two record
// shapes regardless of where a row came from.
package stream

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/reconcile-cli/internal/model"
)

// ProspectRecord is a prospect-shaped row from any stream. The invoice
// streams produce these too, since every invoice row carries the customer's
// name and service address.
type ProspectRecord struct {
	StagingID int64

	FullName   string
	FirstName  string
	LastName   string
	Address1   string
	Address2   string
	City       string
	State      string
	PostalCode string

	DoNotMail        bool
	ActiveMembership bool
	Version          string
	TagCSV           string

	NetWorth        string
	YearBuilt       string
	Age             string
	EstimatedIncome string

	// Raw holds the sanitized source row for the prospect_sources archive.
	Raw map[string]string
}

// Name returns the display name, composing first/last when the feed has no
// single full-name column.
func (r *ProspectRecord) Name() string {
	if r.FullName != "" {
		return r.FullName
	}
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Key returns the dedup key for this record's person-at-address identity.
func (r *ProspectRecord) Key() string {
	return model.ProspectKey(r.Name(), r.Address1, r.Address2, r.City, r.State,
		model.PostalCodeShort(r.PostalCode))
}

// AddressKey returns the dedup key for the record's address alone.
func (r *ProspectRecord) AddressKey() string {
	return model.AddressKey(r.Address1, r.Address2, r.City, r.State,
		model.PostalCodeShort(r.PostalCode))
}

// Tags splits the comma-delimited custom tag column into trimmed names.
func (r *ProspectRecord) Tags() []string {
	if strings.TrimSpace(r.TagCSV) == "" {
		return nil
	}
	parts := strings.Split(r.TagCSV, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// InvoiceRecord is a normalized invoice row plus the prospect it belongs to.
type InvoiceRecord struct {
	StagingID int64
	Prospect  ProspectRecord

	Total       string
	Balance     string
	SubTotal    string
	Tax         string
	Description string
	TradeName   string
	InvoicedAt  *time.Time
}

// Key returns the invoice dedup key.
func (r *InvoiceRecord) Key() string {
	var day string
	if r.InvoicedAt != nil {
		day = r.InvoicedAt.Format("2006-01-02")
	}
	return model.InvoiceKey(r.Prospect.Key(), r.Total, r.Description, day)
}

// Money normalizes a vendor money column to a fixed two-decimal string.
// Currency symbols, grouping commas and surrounding noise are stripped;
// anything unparseable comes back "0.00".
func Money(raw string) string {
	cleaned := strings.Map(func(c rune) rune {
		switch {
		case c >= '0' && c <= '9', c == '.', c == '-':
			return c
		default:
			return -1
		}
	}, raw)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return "0.00"
	}
	return d.StringFixed(2)
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
}

// Date parses a vendor date column against the layouts the feeds use.
func Date(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

// Truthy interprets the boolean vocabulary that shows up across feeds.
func Truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "y", "yes", "true", "t", "active", "x":
		return true
	}
	return false
}
