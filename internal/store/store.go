// Package store is the persistence layer for the canonical reconciliation
// database. Every entity carries a derived external id, so each write is an
// idempotent upsert and repeated imports of the same feed rows converge.
package store

import (
	"context"

	"github.com/sells-group/reconcile-cli/internal/model"
)

// Store defines the persistence interface for the reconciliation pipeline.
type Store interface {
	// Companies
	GetOrCreateCompany(ctx context.Context, identifier string) (*model.Company, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)

	// Prospects
	GetProspect(ctx context.Context, companyID int64, externalID string) (*model.Prospect, error)
	UpsertProspect(ctx context.Context, p *model.Prospect) error
	SaveProspects(ctx context.Context, prospects []*model.Prospect) error
	ProspectsForPostProcessing(ctx context.Context, companyID int64, limit int) ([]model.Prospect, error)
	UpsertProspectDetails(ctx context.Context, d *model.ProspectDetails) error
	RecordProspectSource(ctx context.Context, prospectID int64, source string, payload []byte) error

	// Addresses
	GetAddress(ctx context.Context, companyID int64, externalID string) (*model.Address, error)
	UpsertAddress(ctx context.Context, a *model.Address) error
	SaveAddresses(ctx context.Context, addresses []*model.Address) error
	LinkProspectAddress(ctx context.Context, prospectID, addressID int64) error
	SetPreferredProspect(ctx context.Context, addressID, prospectID int64) error

	// Restricted addresses
	RestrictedAddressKeys(ctx context.Context) (map[string]struct{}, error)
	LoadRestrictedAddresses(ctx context.Context, entries []model.RestrictedAddress) (int64, error)
	ResetGlobalDoNotMail(ctx context.Context) (int64, error)

	// Customers
	GetCustomerByProspect(ctx context.Context, prospectID int64) (*model.Customer, error)
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
	UpsertCustomer(ctx context.Context, c *model.Customer) error
	EnsureCustomer(ctx context.Context, c *model.Customer) error
	SaveCustomerMetrics(ctx context.Context, c *model.Customer) error
	CustomerIDs(ctx context.Context, companyID int64) ([]int64, error)
	DeactivateCustomersExceptVersion(ctx context.Context, companyID int64, version string) (int64, error)

	// Invoices and subscriptions
	InvoiceExists(ctx context.Context, companyID int64, externalID string) (bool, error)
	UpsertInvoice(ctx context.Context, inv *model.Invoice) error
	InvoicesForCustomer(ctx context.Context, customerID int64) ([]model.Invoice, error)
	UpsertSubscription(ctx context.Context, sub *model.Subscription) error
	HasActiveSubscription(ctx context.Context, customerID int64) (bool, error)
	DeleteSubscriptions(ctx context.Context, companyID int64) (int64, error)

	// Tags and trades
	GetOrCreateTag(ctx context.Context, companyID int64, name string, isSystem bool) (*model.Tag, error)
	TagProspect(ctx context.Context, prospectID, tagID int64) error
	GetOrCreateTrade(ctx context.Context, name string) (*model.Trade, error)

	// EntityCounts returns per-table row counts for a company, used by the
	// status command and post-run audit logging.
	EntityCounts(ctx context.Context, companyID int64) (map[string]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
