// Package model defines the canonical entity graph that stream imports
// reconcile into: one deduplicated set of prospects, customers, addresses,
// and invoices per company (tenant).
package model

import (
	"strings"
	"time"
)

// HostSystemTag is the suffix this system appends to tenant identifiers it
// provisions itself.
const HostSystemTag = "UNIF"

// systemTags are the known suffixes stripped from raw tenant tags when
// resolving a company identifier.
var systemTags = []string{HostSystemTag, "HUB"}

// NormalizeIdentifier strips known system suffixes ("_UNIF", "_HUB", any
// case) from a raw tenant tag, yielding the canonical company identifier.
func NormalizeIdentifier(extID string) string {
	for _, tag := range systemTags {
		extID = strings.ReplaceAll(extID, "_"+tag, "")
		extID = strings.ReplaceAll(extID, "_"+strings.ToLower(tag), "")
	}
	return strings.TrimSpace(extID)
}

// Company is the tenant root. Each company owns its prospects, customers,
// tags, and addresses; a company is created lazily on first sighting of an
// unknown tenant identifier during import.
type Company struct {
	ID         int64
	Identifier string // normalized tenant identifier, unique
	Name       string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Prospect is a contactable person/location, unique per (company,
// externalID). Relationships are carried as foreign keys, not object graphs;
// "addresses linked to this prospect" is a store query.
type Prospect struct {
	ID                 int64
	CompanyID          int64
	CustomerID         *int64 // set when the prospect has been promoted
	PreferredAddressID *int64
	ExternalID         string
	FullName           string
	FirstName          string
	LastName           string
	Address1           string
	Address2           string
	City               string
	State              string
	PostalCode         string
	PostalCodeShort    string
	IsPreferred        bool // prospects start preferred; post-processing consolidates
	DoNotMail          bool
	ProcessedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NeedsPostProcessing reports whether the prospect has not yet been through
// the address post-processing pass.
func (p *Prospect) NeedsPostProcessing() bool {
	return p.ProcessedAt == nil
}

// ProspectDetails is a demographic overlay populated from vendor extra
// fields when present.
type ProspectDetails struct {
	ID              int64
	ProspectID      int64
	InfoBase        string
	YearBuilt       string
	Age             string
	EstimatedIncome string
}

// ProspectSource records, per vendor origin, the current raw payload a
// prospect was last seen with plus the previous one for audit diffing.
type ProspectSource struct {
	ID           int64
	ProspectID   int64
	Name         string // adapter/source name
	CurrentJSON  []byte
	PreviousJSON []byte
	UpdatedAt    time.Time
}

// MaxVerificationAttempts caps how many times an address is submitted for
// external verification before it is permanently skipped.
const MaxVerificationAttempts = 3

// Address is a physical address normalized to its component fields. Its
// external id is a deterministic key over those fields, so two prospects at
// the same physical address always resolve to the same row. Many-to-many
// with both prospects and customers.
type Address struct {
	ID                   int64
	CompanyID            int64
	ExternalID           string
	Address1             string
	Address2             string
	City                 string
	StateCode            string
	PostalCode           string
	PostalCodeShort      string
	CountryCode          string
	IsBusiness           bool
	IsVacant             bool
	VerifiedAt           *time.Time
	VerificationAttempts int
	DoNotMail            bool
	GlobalDoNotMail      bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsVerified reports whether the address has been verified externally.
func (a *Address) IsVerified() bool {
	return a.VerifiedAt != nil
}

// HasFailedVerification reports whether the address has exhausted its
// verification attempts.
func (a *Address) HasFailedVerification() bool {
	return a.VerificationAttempts > MaxVerificationAttempts
}

// EligibleForVerification reports whether the address should be submitted
// for external verification: never verified and not past the attempt cap.
func (a *Address) EligibleForVerification() bool {
	return !a.IsVerified() && !a.HasFailedVerification()
}

// SetPostalCode assigns the postal code and rederives its short form.
func (a *Address) SetPostalCode(code string) {
	a.PostalCode = code
	a.PostalCodeShort = PostalCodeShort(code)
}

// Key recomputes the address's external id from its current fields.
func (a *Address) Key() string {
	return AddressKey(a.Address1, a.Address2, a.City, a.StateCode, a.PostalCodeShort)
}

// RestrictedAddress is a global denylist entry. Any Address whose key
// matches a restricted entry is forced to do-not-mail.
type RestrictedAddress struct {
	ID              int64
	ExternalID      string
	Address1        string
	Address2        string
	City            string
	StateCode       string
	PostalCode      string
	PostalCodeShort string
	CreatedAt       time.Time
}

// Key recomputes the restricted address's external id.
func (r *RestrictedAddress) Key() string {
	return AddressKey(r.Address1, r.Address2, r.City, r.StateCode, r.PostalCodeShort)
}

// InstallationThreshold is the single-invoice dollar amount at or above
// which a customer is considered to have bought an installation.
const InstallationThreshold = 2500.0

// NewCustomerWindow is how recent a customer's first invoice must be for the
// customer to count as "new".
const NewCustomerWindow = 30 * 24 * time.Hour

// Customer is created only when a prospect is promoted (members or invoices
// feed). The aggregate fields are pure functions of the customer's invoice
// and subscription sets, recomputed by the metrics pass and never
// hand-edited. Monetary aggregates are fixed-precision decimal strings.
type Customer struct {
	ID         int64
	CompanyID  int64
	ProspectID int64
	Name       string
	Active     bool
	Version    string // members-feed version this customer was last seen in

	CountInvoices   int
	FirstInvoicedAt *time.Time
	LastInvoicedAt  *time.Time
	BalanceTotal    string
	InvoiceTotal    string
	LifetimeValue   string

	IsNewCustomer    bool
	IsRepeatCustomer bool
	HasInstallation  bool
	HasSubscription  bool

	// Pre-migration values carried from the legacy system; the metrics pass
	// reconciles date bounds against them.
	LegacyCountInvoices   int
	LegacyFirstInvoicedAt *time.Time
	LegacyLifetimeValue   string
	LegacyFirstSaleAmount string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Invoice belongs to exactly one customer and company; externalID is unique
// per company. Monetary fields are fixed-precision decimal strings.
type Invoice struct {
	ID          int64
	CompanyID   int64
	CustomerID  int64
	TradeID     *int64
	ExternalID  string
	Description string
	Total       string
	Balance     string
	SubTotal    string
	Tax         string
	InvoicedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Subscription represents a membership for a customer. Subscriptions are
// recreated wholesale each time a members feed is reprocessed for a tenant.
type Subscription struct {
	ID         int64
	CompanyID  int64
	CustomerID int64
	ExternalID string
	Name       string
	Active     bool
	CreatedAt  time.Time
}

// Tag is a per-company label, unique by (company, name). System tags are
// generated by the importer (feed version tags); the rest are
// vendor-asserted.
type Tag struct {
	ID          int64
	CompanyID   int64
	Name        string
	Description string
	IsSystem    bool
	CreatedAt   time.Time
}

// Trade is a fixed global classification looked up by name and cached
// during a run.
type Trade struct {
	ID   int64
	Name string
}

// Known trade names.
const (
	TradeElectrical = "electrical"
	TradePlumbing   = "plumbing"
	TradeHVAC       = "hvac"
	TradeRoofing    = "roofing"
)

// NormalizeTradeName canonicalizes a feed's trade column for lookup.
func NormalizeTradeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultCustomerName is used when a feed promotes a prospect with no
// usable name to a customer.
const DefaultCustomerName = "Imported Customer"

// MembershipSubscriptionName labels subscriptions rebuilt from a members
// feed.
const MembershipSubscriptionName = "Membership"

// VersionTag renders a members-feed version as its system tag form.
func VersionTag(version string) string {
	if version == "" {
		return ""
	}
	return "v." + version
}
