package postprocess

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/store"
)

type fakeStore struct {
	store.Store

	restricted map[string]struct{}
	prospects  []model.Prospect
	addresses  map[string]*model.Address // by external id
	nextID     int64

	savedProspects []*model.Prospect
	savedAddresses []*model.Address
	preferred      [][2]int64 // addressID, prospectID
	preferredErr   func() error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		restricted: map[string]struct{}{},
		addresses:  map[string]*model.Address{},
	}
}

func (f *fakeStore) RestrictedAddressKeys(context.Context) (map[string]struct{}, error) {
	return f.restricted, nil
}

func (f *fakeStore) ProspectsForPostProcessing(context.Context, int64, int) ([]model.Prospect, error) {
	return f.prospects, nil
}

func (f *fakeStore) UpsertAddress(_ context.Context, a *model.Address) error {
	if existing, ok := f.addresses[a.ExternalID]; ok {
		a.ID = existing.ID
		a.VerifiedAt = existing.VerifiedAt
		a.VerificationAttempts = existing.VerificationAttempts
		a.IsBusiness = existing.IsBusiness
		a.GlobalDoNotMail = existing.GlobalDoNotMail
		a.DoNotMail = existing.DoNotMail || a.DoNotMail
		if existing.VerifiedAt != nil {
			a.Address1 = existing.Address1
			a.Address2 = existing.Address2
			a.City = existing.City
			a.StateCode = existing.StateCode
			a.PostalCode = existing.PostalCode
			a.PostalCodeShort = existing.PostalCodeShort
		}
		return nil
	}
	f.nextID++
	a.ID = f.nextID
	clone := *a
	f.addresses[a.ExternalID] = &clone
	return nil
}

func (f *fakeStore) LinkProspectAddress(context.Context, int64, int64) error { return nil }

func (f *fakeStore) SetPreferredProspect(_ context.Context, addressID, prospectID int64) error {
	if f.preferredErr != nil {
		if err := f.preferredErr(); err != nil {
			return err
		}
	}
	f.preferred = append(f.preferred, [2]int64{addressID, prospectID})
	return nil
}

func (f *fakeStore) SaveAddresses(_ context.Context, addresses []*model.Address) error {
	f.savedAddresses = append(f.savedAddresses, addresses...)
	return nil
}

func (f *fakeStore) SaveProspects(_ context.Context, prospects []*model.Prospect) error {
	f.savedProspects = append(f.savedProspects, prospects...)
	return nil
}

type fakeVerifier struct {
	result *Verification
	err    error
	calls  int
}

func (v *fakeVerifier) Verify(context.Context, *model.Address) (*Verification, error) {
	v.calls++
	return v.result, v.err
}

var company = &model.Company{ID: 1, Identifier: "ACME"}

func prospect(id int64, name, addr1 string) model.Prospect {
	return model.Prospect{
		ID:              id,
		CompanyID:       1,
		FullName:        name,
		Address1:        addr1,
		City:            "Salem",
		State:           "MA",
		PostalCode:      "01970",
		PostalCodeShort: "01970",
	}
}

func TestRunSkipsEmptyStreetLine(t *testing.T) {
	fs := newFakeStore()
	fs.prospects = []model.Prospect{
		prospect(1, "Jane Doe", ""),
		prospect(2, "John Roe", "9 Oak Ave"),
	}
	proc := New(fs, nil, 100, 1000)

	res, err := proc.Run(context.Background(), company)
	require.NoError(t, err)

	assert.Equal(t, 1, res.InvalidAddress)
	assert.Equal(t, 1, res.Processed)
	// The invalid prospect is saved with a processed stamp too, so it never
	// takes up a slot of a later capped pass.
	require.Len(t, fs.savedProspects, 2)
	assert.Equal(t, int64(1), fs.savedProspects[0].ID)
	assert.NotNil(t, fs.savedProspects[0].ProcessedAt)
	assert.Nil(t, fs.savedProspects[0].PreferredAddressID)
	assert.Equal(t, int64(2), fs.savedProspects[1].ID)
	assert.NotNil(t, fs.savedProspects[1].ProcessedAt)
}

func TestRunRestrictedAddress(t *testing.T) {
	fs := newFakeStore()
	p := prospect(1, "Jane Doe", "123 Main St")
	fs.prospects = []model.Prospect{p}
	fs.restricted[model.AddressKey("123 Main St", "", "Salem", "MA", "01970")] = struct{}{}
	proc := New(fs, nil, 100, 1000)

	res, err := proc.Run(context.Background(), company)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Restricted)
	require.Len(t, fs.savedAddresses, 1)
	addr := fs.savedAddresses[0]
	assert.True(t, addr.GlobalDoNotMail)
	assert.True(t, addr.DoNotMail)
	assert.True(t, fs.savedProspects[0].DoNotMail)
}

func TestRunVerificationSuccess(t *testing.T) {
	fs := newFakeStore()
	fs.prospects = []model.Prospect{prospect(1, "Jane Doe", "1 elm street")}
	verifier := &fakeVerifier{result: &Verification{
		Address1:    "1 ELM ST",
		City:        "SALEM",
		StateCode:   "MA",
		PostalCode:  "01970-1234",
		Deliverable: true,
	}}
	proc := New(fs, verifier, 100, 1000)

	res, err := proc.Run(context.Background(), company)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Verified)
	require.Len(t, fs.savedAddresses, 1)
	addr := fs.savedAddresses[0]
	assert.Equal(t, "1 ELM ST", addr.Address1)
	assert.Equal(t, "01970", addr.PostalCodeShort)
	assert.Equal(t, 1, addr.VerificationAttempts)
	assert.NotNil(t, addr.VerifiedAt)

	// verified address drives preferred consolidation
	require.Len(t, fs.preferred, 1)
	assert.Equal(t, [2]int64{addr.ID, 1}, fs.preferred[0])
	assert.True(t, fs.savedProspects[0].IsPreferred)
}

func TestRunVerificationFailureCountsAttempt(t *testing.T) {
	fs := newFakeStore()
	fs.prospects = []model.Prospect{prospect(1, "Jane Doe", "1 Elm St")}
	verifier := &fakeVerifier{err: errors.New("service down")}
	proc := New(fs, verifier, 100, 1000)

	res, err := proc.Run(context.Background(), company)
	require.NoError(t, err)

	assert.Equal(t, 1, res.VerifyFailures)
	assert.Zero(t, res.Verified)
	addr := fs.savedAddresses[0]
	assert.Equal(t, 1, addr.VerificationAttempts)
	assert.Nil(t, addr.VerifiedAt)
	assert.Empty(t, fs.preferred)
}

func TestRunExhaustedAddressNotResubmitted(t *testing.T) {
	fs := newFakeStore()
	p := prospect(1, "Jane Doe", "1 Elm St")
	fs.prospects = []model.Prospect{p}

	key := model.AddressKey("1 Elm St", "", "Salem", "MA", "01970")
	fs.addresses[key] = &model.Address{
		ID:                   9,
		CompanyID:            1,
		ExternalID:           key,
		VerificationAttempts: model.MaxVerificationAttempts + 1,
	}
	fs.nextID = 9

	verifier := &fakeVerifier{err: errors.New("should not be called")}
	proc := New(fs, verifier, 100, 1000)

	_, err := proc.Run(context.Background(), company)
	require.NoError(t, err)
	assert.Zero(t, verifier.calls)
}

func TestRunAlreadyVerifiedSkipsVerifierButConsolidates(t *testing.T) {
	fs := newFakeStore()
	fs.prospects = []model.Prospect{prospect(1, "Jane Doe", "1 Elm St")}

	key := model.AddressKey("1 Elm St", "", "Salem", "MA", "01970")
	verified := time.Now()
	fs.addresses[key] = &model.Address{
		ID:         9,
		ExternalID: key,
		Address1:   "1 ELM ST",
		City:       "SALEM",
		StateCode:  "MA",
		PostalCode: "01970-1234",
		VerifiedAt: &verified,
	}
	fs.nextID = 9

	verifier := &fakeVerifier{}
	proc := New(fs, verifier, 100, 1000)

	_, err := proc.Run(context.Background(), company)
	require.NoError(t, err)
	assert.Zero(t, verifier.calls)
	require.Len(t, fs.preferred, 1)

	// Raw feed text on the prospect does not displace the normalized form.
	require.Len(t, fs.savedAddresses, 1)
	assert.Equal(t, "1 ELM ST", fs.savedAddresses[0].Address1)
	assert.Equal(t, "01970-1234", fs.savedAddresses[0].PostalCode)
}

func TestRunHeuristicBusinessClassification(t *testing.T) {
	fs := newFakeStore()
	fs.prospects = []model.Prospect{prospect(1, "Doe Holdings LLC", "100 Main St")}
	proc := New(fs, nil, 100, 1000)

	res, err := proc.Run(context.Background(), company)
	require.NoError(t, err)

	assert.Equal(t, 1, res.MarkedBusiness)
	assert.True(t, fs.savedAddresses[0].IsBusiness)
}

func TestRunStoreFailureFlushesProgress(t *testing.T) {
	fs := newFakeStore()
	fs.prospects = []model.Prospect{
		prospect(1, "Jane Doe", "1 Elm St"),
		prospect(2, "John Roe", "9 Oak Ave"),
	}
	// Fail preferred consolidation on the second prospect only.
	verifier := &fakeVerifier{result: &Verification{Address1: "X", City: "Y", StateCode: "MA", PostalCode: "01970", Deliverable: true}}
	proc := New(fs, verifier, 100, 1000)

	calls := 0
	fs.preferredErr = func() error {
		calls++
		if calls == 2 {
			return errors.New("boom")
		}
		return nil
	}

	res, err := proc.Run(context.Background(), company)
	require.Error(t, err)
	assert.Equal(t, 1, res.Processed)
	// the first prospect's work was flushed before the error surfaced
	require.Len(t, fs.savedProspects, 1)
	assert.Equal(t, int64(1), fs.savedProspects[0].ID)
}
