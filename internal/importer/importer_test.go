package importer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/staging"
	"github.com/sells-group/reconcile-cli/internal/store"
	"github.com/sells-group/reconcile-cli/internal/stream"
)

// fakeStore is an in-memory Store covering the operations the importer
// exercises. Unimplemented Store methods panic via the embedded nil.
type fakeStore struct {
	store.Store

	nextID      int64
	prospects   map[string]*model.Prospect
	customers   map[int64]*model.Customer // by prospect id
	invoices    map[string]*model.Invoice
	subs        []*model.Subscription
	tags        map[string]*model.Tag
	trades      map[string]*model.Trade
	details     []*model.ProspectDetails
	sources     int
	savedBacks  int
	deactivated string
	subsDropped bool

	failProspects bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prospects: map[string]*model.Prospect{},
		customers: map[int64]*model.Customer{},
		invoices:  map[string]*model.Invoice{},
		tags:      map[string]*model.Tag{},
		trades:    map[string]*model.Trade{},
	}
}

func (f *fakeStore) id() int64 { f.nextID++; return f.nextID }

func (f *fakeStore) UpsertProspect(_ context.Context, p *model.Prospect) error {
	if f.failProspects {
		return errors.New("boom")
	}
	if existing, ok := f.prospects[p.ExternalID]; ok {
		p.ID = existing.ID
		p.CustomerID = existing.CustomerID
		p.DoNotMail = existing.DoNotMail || p.DoNotMail
	} else {
		p.ID = f.id()
	}
	clone := *p
	f.prospects[p.ExternalID] = &clone
	return nil
}

func (f *fakeStore) SaveProspects(_ context.Context, prospects []*model.Prospect) error {
	for _, p := range prospects {
		clone := *p
		f.prospects[p.ExternalID] = &clone
		f.savedBacks++
	}
	return nil
}

func (f *fakeStore) GetProspect(_ context.Context, _ int64, externalID string) (*model.Prospect, error) {
	p, ok := f.prospects[externalID]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (f *fakeStore) UpsertProspectDetails(_ context.Context, d *model.ProspectDetails) error {
	d.ID = f.id()
	f.details = append(f.details, d)
	return nil
}

func (f *fakeStore) RecordProspectSource(_ context.Context, _ int64, _ string, _ []byte) error {
	f.sources++
	return nil
}

func (f *fakeStore) GetOrCreateTag(_ context.Context, companyID int64, name string, isSystem bool) (*model.Tag, error) {
	if t, ok := f.tags[name]; ok {
		return t, nil
	}
	t := &model.Tag{ID: f.id(), CompanyID: companyID, Name: name, IsSystem: isSystem}
	f.tags[name] = t
	return t, nil
}

func (f *fakeStore) TagProspect(_ context.Context, _, _ int64) error { return nil }

func (f *fakeStore) UpsertCustomer(_ context.Context, c *model.Customer) error {
	if existing, ok := f.customers[c.ProspectID]; ok {
		c.ID = existing.ID
	} else {
		c.ID = f.id()
	}
	clone := *c
	f.customers[c.ProspectID] = &clone
	return nil
}

func (f *fakeStore) EnsureCustomer(_ context.Context, c *model.Customer) error {
	if existing, ok := f.customers[c.ProspectID]; ok {
		c.ID = existing.ID
		c.Active = existing.Active
		c.Version = existing.Version
		existing.Name = c.Name
		return nil
	}
	c.ID = f.id()
	clone := *c
	f.customers[c.ProspectID] = &clone
	return nil
}

func (f *fakeStore) UpsertSubscription(_ context.Context, sub *model.Subscription) error {
	sub.ID = f.id()
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeStore) GetOrCreateTrade(_ context.Context, name string) (*model.Trade, error) {
	if t, ok := f.trades[name]; ok {
		return t, nil
	}
	t := &model.Trade{ID: f.id(), Name: name}
	f.trades[name] = t
	return t, nil
}

func (f *fakeStore) InvoiceExists(_ context.Context, _ int64, externalID string) (bool, error) {
	_, ok := f.invoices[externalID]
	return ok, nil
}

func (f *fakeStore) UpsertInvoice(_ context.Context, inv *model.Invoice) error {
	inv.ID = f.id()
	f.invoices[inv.ExternalID] = inv
	return nil
}

func (f *fakeStore) DeactivateCustomersExceptVersion(_ context.Context, _ int64, version string) (int64, error) {
	f.deactivated = version
	return 3, nil
}

func (f *fakeStore) DeleteSubscriptions(_ context.Context, _ int64) (int64, error) {
	f.subsDropped = true
	return 5, nil
}

type fakeDeleter struct {
	deleted map[string][]int64
}

func (d *fakeDeleter) DeleteByID(_ context.Context, table string, ids []int64) (int64, error) {
	if d.deleted == nil {
		d.deleted = map[string][]int64{}
	}
	d.deleted[table] = append(d.deleted[table], ids...)
	return int64(len(ids)), nil
}

func genericAdapter(t *testing.T) *stream.Adapter {
	t.Helper()
	for _, a := range stream.Registry() {
		if a.Source == "generic" {
			return a
		}
	}
	t.Fatal("generic adapter missing")
	return nil
}

var company = &model.Company{ID: 1, Identifier: "ACME"}

func prospectRec(id int64, name, addr1 string) stream.ProspectRecord {
	return stream.ProspectRecord{
		StagingID:  id,
		FullName:   name,
		Address1:   addr1,
		City:       "Salem",
		State:      "MA",
		PostalCode: "01970",
		Raw:        map[string]string{"fullname": name},
	}
}

func TestDigestProspectsDedupsWithinBatch(t *testing.T) {
	fs := newFakeStore()
	del := &fakeDeleter{}
	im := New(fs, 100)

	recs := []stream.ProspectRecord{
		prospectRec(1, "Jane Doe", "1 Elm St"),
		prospectRec(2, "Jane Doe", "1 Elm St"),
		prospectRec(3, "John Roe", "9 Oak Ave"),
	}
	res, err := im.DigestProspects(context.Background(), company, genericAdapter(t), staging.StreamProspects, recs, del)
	require.NoError(t, err)

	assert.Len(t, fs.prospects, 2)
	assert.Equal(t, int64(3), res.Deleted)
	assert.Equal(t, 1, res.Flushes)
	assert.Len(t, del.deleted[staging.StreamProspects], 3)
	// prospects stream never promotes customers
	assert.Empty(t, fs.customers)
}

func TestDigestProspectsDoNotMailSticks(t *testing.T) {
	fs := newFakeStore()
	im := New(fs, 100)

	a := prospectRec(1, "Jane Doe", "1 Elm St")
	a.DoNotMail = true
	b := prospectRec(2, "Jane Doe", "1 Elm St")

	_, err := im.DigestProspects(context.Background(), company, genericAdapter(t), staging.StreamProspects,
		[]stream.ProspectRecord{a, b}, &fakeDeleter{})
	require.NoError(t, err)

	p := fs.prospects[a.Key()]
	require.NotNil(t, p)
	assert.True(t, p.DoNotMail)
}

func TestDigestMembersPromotesAndSubscribes(t *testing.T) {
	fs := newFakeStore()
	im := New(fs, 100)

	active := prospectRec(1, "Jane Doe", "1 Elm St")
	active.ActiveMembership = true
	active.Version = "2026-08-01"
	lapsed := prospectRec(2, "John Roe", "9 Oak Ave")
	lapsed.Version = "2026-08-01"

	res, err := im.DigestProspects(context.Background(), company, genericAdapter(t), staging.StreamMembers,
		[]stream.ProspectRecord{active, lapsed}, &fakeDeleter{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Customers)
	assert.Equal(t, 1, res.Subscriptions)

	jane := fs.customers[fs.prospects[active.Key()].ID]
	require.NotNil(t, jane)
	assert.True(t, jane.Active)
	assert.Equal(t, "v.2026-08-01", jane.Version)

	// A lapsed member is still a customer on the roster; only the
	// subscription reflects the lapse.
	john := fs.customers[fs.prospects[lapsed.Key()].ID]
	require.NotNil(t, john)
	assert.True(t, john.Active)
	assert.Equal(t, "v.2026-08-01", john.Version)

	// version system tag minted once
	tag, ok := fs.tags["v.2026-08-01"]
	require.True(t, ok)
	assert.True(t, tag.IsSystem)

	// prospects carry their customer link back
	assert.NotNil(t, fs.prospects[active.Key()].CustomerID)
}

func TestDigestInvoicesStreamPreservesMembershipState(t *testing.T) {
	fs := newFakeStore()
	im := New(fs, 100)
	ctx := context.Background()

	member := prospectRec(1, "Jane Doe", "1 Elm St")
	member.ActiveMembership = true
	member.Version = "2026-08-01"
	_, err := im.DigestProspects(ctx, company, genericAdapter(t), staging.StreamMembers,
		[]stream.ProspectRecord{member}, &fakeDeleter{})
	require.NoError(t, err)

	jane := fs.customers[fs.prospects[member.Key()].ID]
	require.NotNil(t, jane)

	// Simulate the deactivation sweep of a later members import.
	jane.Active = false

	// The same person arriving on the invoices stream promotes through
	// EnsureCustomer, which must not reactivate her or wipe the version.
	again := prospectRec(2, "Jane Doe", "1 Elm St")
	_, err = im.DigestProspects(ctx, company, genericAdapter(t), staging.StreamInvoices,
		[]stream.ProspectRecord{again}, &fakeDeleter{})
	require.NoError(t, err)

	jane = fs.customers[fs.prospects[member.Key()].ID]
	require.NotNil(t, jane)
	assert.False(t, jane.Active)
	assert.Equal(t, "v.2026-08-01", jane.Version)
	// No subscription from the invoices stream.
	assert.Len(t, fs.subs, 1)
}

func TestPrepareMembers(t *testing.T) {
	fs := newFakeStore()
	im := New(fs, 100)

	require.NoError(t, im.PrepareMembers(context.Background(), company, "2026-08-01"))
	assert.Equal(t, "v.2026-08-01", fs.deactivated)
	assert.True(t, fs.subsDropped)
}

func TestDigestProspectsFlushFailureKeepsStagingRows(t *testing.T) {
	fs := newFakeStore()
	fs.failProspects = true
	del := &fakeDeleter{}
	im := New(fs, 100)

	res, err := im.DigestProspects(context.Background(), company, genericAdapter(t), staging.StreamProspects,
		[]stream.ProspectRecord{prospectRec(1, "Jane Doe", "1 Elm St")}, del)
	require.NoError(t, err)

	assert.Equal(t, 1, res.FailedFlushes)
	assert.Zero(t, res.Deleted)
	assert.Empty(t, del.deleted)
}

func TestDigestProspectsBatchBoundary(t *testing.T) {
	fs := newFakeStore()
	im := New(fs, 2)

	recs := []stream.ProspectRecord{
		prospectRec(1, "A One", "1 A St"),
		prospectRec(2, "B Two", "2 B St"),
		prospectRec(3, "C Three", "3 C St"),
	}
	res, err := im.DigestProspects(context.Background(), company, genericAdapter(t), staging.StreamProspects, recs, &fakeDeleter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Flushes)
	assert.Len(t, fs.prospects, 3)
}

func TestDigestInvoices(t *testing.T) {
	fs := newFakeStore()
	del := &fakeDeleter{}
	im := New(fs, 100)
	ctx := context.Background()

	// Seed a promoted prospect the way the prospect pass would have.
	seed := prospectRec(0, "Jane Doe", "1 Elm St")
	p := &model.Prospect{CompanyID: 1, ExternalID: seed.Key(), FullName: "Jane Doe"}
	require.NoError(t, fs.UpsertProspect(ctx, p))
	cust := &model.Customer{CompanyID: 1, ProspectID: p.ID, Name: "Jane Doe", Active: true}
	require.NoError(t, fs.UpsertCustomer(ctx, cust))
	p.CustomerID = &cust.ID
	require.NoError(t, fs.SaveProspects(ctx, []*model.Prospect{p}))

	invoiced := stream.Date("2026-03-15")
	recs := []stream.InvoiceRecord{
		{
			StagingID:   10,
			Prospect:    seed,
			Total:       "300.00",
			Description: "furnace tune-up",
			TradeName:   "HVAC",
			InvoicedAt:  invoiced,
		},
		{
			// No promoted prospect: consumed but skipped.
			StagingID: 11,
			Prospect:  prospectRec(0, "Nobody Known", "4 Gone St"),
			Total:     "50.00",
		},
	}
	res, err := im.DigestInvoices(ctx, company, genericAdapter(t), recs, del)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Invoices)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, del.deleted[staging.StreamInvoices], 2, "skipped rows are consumed too")

	require.Len(t, fs.invoices, 1)
	for _, inv := range fs.invoices {
		assert.Equal(t, cust.ID, inv.CustomerID)
		require.NotNil(t, inv.TradeID)
		assert.Equal(t, fs.trades["hvac"].ID, *inv.TradeID)
	}
}

func TestDigestInvoicesDedupsByKey(t *testing.T) {
	fs := newFakeStore()
	im := New(fs, 100)
	ctx := context.Background()

	seed := prospectRec(0, "Jane Doe", "1 Elm St")
	p := &model.Prospect{CompanyID: 1, ExternalID: seed.Key()}
	require.NoError(t, fs.UpsertProspect(ctx, p))
	cust := &model.Customer{CompanyID: 1, ProspectID: p.ID}
	require.NoError(t, fs.UpsertCustomer(ctx, cust))
	p.CustomerID = &cust.ID
	require.NoError(t, fs.SaveProspects(ctx, []*model.Prospect{p}))

	rec := stream.InvoiceRecord{StagingID: 1, Prospect: seed, Total: "300.00", Description: "x"}
	dup := rec
	dup.StagingID = 2

	res, err := im.DigestInvoices(ctx, company, genericAdapter(t), []stream.InvoiceRecord{rec, dup}, &fakeDeleter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Invoices)
	assert.Len(t, fs.invoices, 1)
}

func TestDigestInvoicesSkipsAlreadyImported(t *testing.T) {
	fs := newFakeStore()
	del := &fakeDeleter{}
	im := New(fs, 100)
	ctx := context.Background()

	seed := prospectRec(0, "Jane Doe", "1 Elm St")
	p := &model.Prospect{CompanyID: 1, ExternalID: seed.Key()}
	require.NoError(t, fs.UpsertProspect(ctx, p))
	cust := &model.Customer{CompanyID: 1, ProspectID: p.ID}
	require.NoError(t, fs.UpsertCustomer(ctx, cust))
	p.CustomerID = &cust.ID
	require.NoError(t, fs.SaveProspects(ctx, []*model.Prospect{p}))

	rec := stream.InvoiceRecord{StagingID: 1, Prospect: seed, Total: "300.00", Description: "x"}
	_, err := im.DigestInvoices(ctx, company, genericAdapter(t), []stream.InvoiceRecord{rec}, del)
	require.NoError(t, err)

	// The same key staged again is consumed without another write.
	rerun := rec
	rerun.StagingID = 2
	res, err := im.DigestInvoices(ctx, company, genericAdapter(t), []stream.InvoiceRecord{rerun}, del)
	require.NoError(t, err)
	assert.Zero(t, res.Invoices)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, fs.invoices, 1)
	assert.Len(t, del.deleted[staging.StreamInvoices], 2)
}
