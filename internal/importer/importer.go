// Package importer digests staged feed rows into the canonical model.
// Records are cached and deduplicated per batch by derived key, flushed as
// idempotent upserts, and their staging rows deleted only after the flush
// lands. A failed flush drops the batch's pending deletes so the rows are
// retried on the next cycle.
package importer

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/staging"
	"github.com/sells-group/reconcile-cli/internal/store"
	"github.com/sells-group/reconcile-cli/internal/stream"
)

// Deleter removes consumed staging rows. *staging.Repo satisfies it.
type Deleter interface {
	DeleteByID(ctx context.Context, table string, ids []int64) (int64, error)
}

// Result summarizes one digest pass.
type Result struct {
	Prospects     int
	Customers     int
	Invoices      int
	Subscriptions int
	Skipped       int
	Flushes       int
	FailedFlushes int
	Deleted       int64
}

// Add folds another result into this one.
func (r *Result) Add(other *Result) {
	if other == nil {
		return
	}
	r.Prospects += other.Prospects
	r.Customers += other.Customers
	r.Invoices += other.Invoices
	r.Subscriptions += other.Subscriptions
	r.Skipped += other.Skipped
	r.Flushes += other.Flushes
	r.FailedFlushes += other.FailedFlushes
	r.Deleted += other.Deleted
}

// Importer digests normalized stream records for one company at a time.
type Importer struct {
	store     store.Store
	batchSize int
	log       *zap.Logger
}

// New creates an Importer. batchSize bounds how many records accumulate
// before a flush.
func New(st store.Store, batchSize int) *Importer {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Importer{
		store:     st,
		batchSize: batchSize,
		log:       zap.L().With(zap.String("component", "importer")),
	}
}

// prospectEntry is one batch-cache slot: the entity under construction plus
// the latest record that fed it.
type prospectEntry struct {
	prospect *model.Prospect
	rec      stream.ProspectRecord
	tags     map[string]bool
}

// PrepareMembers runs the wholesale replacement step ahead of a members
// digest: customers outside the incoming feed version go inactive and all
// subscriptions are dropped, to be rebuilt from the feed.
func (im *Importer) PrepareMembers(ctx context.Context, company *model.Company, version string) error {
	deactivated, err := im.store.DeactivateCustomersExceptVersion(ctx, company.ID, model.VersionTag(version))
	if err != nil {
		return eris.Wrap(err, "importer: deactivate customers")
	}
	dropped, err := im.store.DeleteSubscriptions(ctx, company.ID)
	if err != nil {
		return eris.Wrap(err, "importer: delete subscriptions")
	}
	im.log.Info("prepared members replacement",
		zap.String("company", company.Identifier),
		zap.String("version", version),
		zap.Int64("deactivated", deactivated),
		zap.Int64("subscriptions_dropped", dropped))
	return nil
}

// DigestProspects consumes prospect-shaped records from one stream table.
// Members and invoices streams also promote each prospect to a customer;
// the members stream additionally rebuilds subscriptions.
func (im *Importer) DigestProspects(ctx context.Context, company *model.Company, adapter *stream.Adapter, table string, records []stream.ProspectRecord, del Deleter) (*Result, error) {
	res := &Result{}
	cache := make(map[string]*prospectEntry, im.batchSize)
	var order []string
	var pending []int64

	createCustomers := table == staging.StreamMembers || table == staging.StreamInvoices
	membership := table == staging.StreamMembers

	flush := func() {
		if len(order) == 0 {
			return
		}
		res.Flushes++
		if err := im.flushProspects(ctx, company, adapter.Source, cache, order, createCustomers, membership, res); err != nil {
			// Staging rows for this batch stay put and are retried next
			// cycle; derived keys make the retry converge.
			res.FailedFlushes++
			im.log.Error("prospect flush failed, keeping staging rows",
				zap.String("company", company.Identifier),
				zap.String("table", table),
				zap.Int("batch", len(order)),
				zap.Error(err))
		} else {
			deleted, err := del.DeleteByID(ctx, table, pending)
			if err != nil {
				im.log.Error("staging delete failed", zap.Error(err))
			}
			res.Deleted += deleted
		}
		cache = make(map[string]*prospectEntry, im.batchSize)
		order = order[:0]
		pending = pending[:0]
	}

	count := 0
	for _, rec := range records {
		key := rec.Key()
		entry, ok := cache[key]
		if !ok {
			entry = &prospectEntry{
				prospect: &model.Prospect{
					CompanyID:  company.ID,
					ExternalID: key,
				},
				tags: make(map[string]bool),
			}
			cache[key] = entry
			order = append(order, key)
		}
		mergeRecord(entry, rec)
		pending = append(pending, rec.StagingID)

		count++
		if count%im.batchSize == 0 {
			flush()
		}
	}
	flush()

	res.Prospects = len(records)
	return res, nil
}

func mergeRecord(entry *prospectEntry, rec stream.ProspectRecord) {
	p := entry.prospect
	p.FullName = rec.Name()
	p.FirstName = rec.FirstName
	p.LastName = rec.LastName
	p.Address1 = rec.Address1
	p.Address2 = rec.Address2
	p.City = rec.City
	p.State = rec.State
	p.PostalCode = rec.PostalCode
	p.PostalCodeShort = model.PostalCodeShort(rec.PostalCode)
	p.DoNotMail = p.DoNotMail || rec.DoNotMail

	prevActive := entry.rec.ActiveMembership
	entry.rec = rec
	entry.rec.ActiveMembership = rec.ActiveMembership || prevActive

	for _, tag := range rec.Tags() {
		entry.tags[tag] = true
	}
}

func (im *Importer) flushProspects(ctx context.Context, company *model.Company, source string, cache map[string]*prospectEntry, order []string, createCustomers, membership bool, res *Result) error {
	for _, key := range order {
		entry := cache[key]
		p := entry.prospect
		rec := entry.rec

		if err := im.store.UpsertProspect(ctx, p); err != nil {
			return err
		}

		if rec.NetWorth != "" || rec.YearBuilt != "" || rec.Age != "" || rec.EstimatedIncome != "" {
			details := &model.ProspectDetails{
				ProspectID:      p.ID,
				InfoBase:        rec.NetWorth,
				YearBuilt:       rec.YearBuilt,
				Age:             rec.Age,
				EstimatedIncome: rec.EstimatedIncome,
			}
			if err := im.store.UpsertProspectDetails(ctx, details); err != nil {
				return err
			}
		}

		if len(rec.Raw) > 0 {
			payload, err := json.Marshal(rec.Raw)
			if err != nil {
				return eris.Wrap(err, "importer: marshal source row")
			}
			if err := im.store.RecordProspectSource(ctx, p.ID, source, payload); err != nil {
				return err
			}
		}

		for tag := range entry.tags {
			if err := im.tagProspect(ctx, company, p.ID, tag, false); err != nil {
				return err
			}
		}
		if membership && rec.Version != "" {
			if err := im.tagProspect(ctx, company, p.ID, model.VersionTag(rec.Version), true); err != nil {
				return err
			}
		}

		if createCustomers {
			if err := im.promote(ctx, company, entry, membership, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// promote ensures the prospect has a customer and, for membership feeds, a
// subscription reflecting the feed's membership state.
func (im *Importer) promote(ctx context.Context, company *model.Company, entry *prospectEntry, membership bool, res *Result) error {
	p := entry.prospect
	rec := entry.rec

	name := p.FullName
	if name == "" {
		name = model.DefaultCustomerName
	}
	customer := &model.Customer{
		CompanyID:  company.ID,
		ProspectID: p.ID,
		Name:       name,
		Active:     true,
	}
	if membership {
		// The members feed owns active status and version. A lapsed member
		// row still promotes an active customer; only the subscription is
		// gated on membership below.
		customer.Version = model.VersionTag(rec.Version)
		if err := im.store.UpsertCustomer(ctx, customer); err != nil {
			return err
		}
	} else {
		// Invoices-stream promotes must not override what the members feed
		// (or the deactivation sweep) decided.
		if err := im.store.EnsureCustomer(ctx, customer); err != nil {
			return err
		}
	}
	res.Customers++

	if p.CustomerID == nil || *p.CustomerID != customer.ID {
		p.CustomerID = &customer.ID
		if err := im.store.SaveProspects(ctx, []*model.Prospect{p}); err != nil {
			return err
		}
	}

	if membership && rec.ActiveMembership {
		sub := &model.Subscription{
			CompanyID:  company.ID,
			CustomerID: customer.ID,
			ExternalID: p.ExternalID,
			Name:       model.MembershipSubscriptionName,
			Active:     true,
		}
		if err := im.store.UpsertSubscription(ctx, sub); err != nil {
			return err
		}
		res.Subscriptions++
	}
	return nil
}

func (im *Importer) tagProspect(ctx context.Context, company *model.Company, prospectID int64, name string, isSystem bool) error {
	tag, err := im.store.GetOrCreateTag(ctx, company.ID, name, isSystem)
	if err != nil {
		return err
	}
	return im.store.TagProspect(ctx, prospectID, tag.ID)
}

// DigestInvoices consumes invoice records. The caller runs DigestProspects
// over the same rows first, so by the time this pass runs every invoice's
// prospect should exist with a linked customer; rows that still lack one
// are dropped without error.
func (im *Importer) DigestInvoices(ctx context.Context, company *model.Company, adapter *stream.Adapter, records []stream.InvoiceRecord, del Deleter) (*Result, error) {
	res := &Result{}
	seen := make(map[string]bool, im.batchSize)
	var batch []*model.Invoice
	var pending []int64

	flush := func() {
		if len(batch) == 0 {
			return
		}
		res.Flushes++
		if err := im.flushInvoices(ctx, batch); err != nil {
			res.FailedFlushes++
			im.log.Error("invoice flush failed, keeping staging rows",
				zap.String("company", company.Identifier),
				zap.Int("batch", len(batch)),
				zap.Error(err))
		} else {
			deleted, err := del.DeleteByID(ctx, staging.StreamInvoices, pending)
			if err != nil {
				im.log.Error("staging delete failed", zap.Error(err))
			}
			res.Deleted += deleted
			res.Invoices += len(batch)
		}
		batch = batch[:0]
		pending = pending[:0]
		seen = make(map[string]bool, im.batchSize)
	}

	count := 0
	for _, rec := range records {
		key := rec.Key()
		if seen[key] {
			pending = append(pending, rec.StagingID)
			continue
		}

		// Invoices are immutable once landed; a key match means this row
		// was already imported and only needs consuming.
		exists, err := im.store.InvoiceExists(ctx, company.ID, key)
		if err != nil {
			return res, eris.Wrap(err, "importer: check invoice")
		}
		if exists {
			res.Skipped++
			pending = append(pending, rec.StagingID)
			continue
		}

		prospect, err := im.store.GetProspect(ctx, company.ID, rec.Prospect.Key())
		if err != nil {
			return res, eris.Wrap(err, "importer: look up invoice prospect")
		}
		if prospect == nil || prospect.CustomerID == nil {
			// No promoted customer to attach to; the row is consumed, not
			// retried.
			res.Skipped++
			pending = append(pending, rec.StagingID)
			continue
		}

		inv := &model.Invoice{
			CompanyID:   company.ID,
			CustomerID:  *prospect.CustomerID,
			ExternalID:  key,
			Description: rec.Description,
			Total:       rec.Total,
			Balance:     rec.Balance,
			SubTotal:    rec.SubTotal,
			Tax:         rec.Tax,
			InvoicedAt:  rec.InvoicedAt,
		}
		if rec.TradeName != "" {
			trade, err := im.store.GetOrCreateTrade(ctx, model.NormalizeTradeName(rec.TradeName))
			if err != nil {
				return res, eris.Wrap(err, "importer: resolve trade")
			}
			inv.TradeID = &trade.ID
		}

		seen[key] = true
		batch = append(batch, inv)
		pending = append(pending, rec.StagingID)

		count++
		if count%im.batchSize == 0 {
			flush()
		}
	}
	flush()

	return res, nil
}

func (im *Importer) flushInvoices(ctx context.Context, batch []*model.Invoice) error {
	for _, inv := range batch {
		if err := im.store.UpsertInvoice(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}
