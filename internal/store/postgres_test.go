package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestGetOrCreateCompanyNormalizesIdentifier(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO companies`).
		WithArgs("ACME").
		WillReturnRows(pgxmock.NewRows([]string{"id", "identifier", "name", "active", "created_at", "updated_at"}).
			AddRow(int64(1), "ACME", "ACME", true, now, now))

	c, err := s.GetOrCreateCompany(context.Background(), "ACME_UNIF")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, "ACME", c.Identifier)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProspectHydratesPreservedColumns(t *testing.T) {
	s, mock := newMockStore(t)

	custID := int64(42)
	processed := time.Now()
	mock.ExpectQuery(`INSERT INTO prospects`).
		WithArgs(int64(1), "janedoe1elmstsalemma01970", "Jane Doe", "", "",
			"1 Elm St", "", "Salem", "MA", "01970", "01970", false).
		WillReturnRows(pgxmock.NewRows([]string{"id", "customer_id", "preferred_address_id", "is_preferred", "processed_at"}).
			AddRow(int64(7), &custID, (*int64)(nil), true, &processed))

	p := &model.Prospect{
		CompanyID:       1,
		ExternalID:      "janedoe1elmstsalemma01970",
		FullName:        "Jane Doe",
		Address1:        "1 Elm St",
		City:            "Salem",
		State:           "MA",
		PostalCode:      "01970",
		PostalCodeShort: "01970",
	}
	require.NoError(t, s.UpsertProspect(context.Background(), p))

	assert.Equal(t, int64(7), p.ID)
	require.NotNil(t, p.CustomerID)
	assert.Equal(t, int64(42), *p.CustomerID)
	assert.Nil(t, p.PreferredAddressID)
	assert.NotNil(t, p.ProcessedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProspects(t *testing.T) {
	s, mock := newMockStore(t)

	processed := time.Now()
	mock.ExpectExec(`UPDATE prospects SET customer_id`).
		WithArgs((*int64)(nil), (*int64)(nil), false, true, &processed, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SaveProspects(context.Background(), []*model.Prospect{
		{ID: 7, IsPreferred: false, DoNotMail: true, ProcessedAt: &processed},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProspectNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM prospects WHERE company_id`).
		WithArgs(int64(1), "missing").
		WillReturnError(pgx.ErrNoRows)

	p, err := s.GetProspect(context.Background(), 1, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProspectsForPostProcessingExcludesProcessed(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM prospects\s+WHERE company_id = \$1 AND processed_at IS NULL`).
		WithArgs(int64(1), 500).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "company_id", "customer_id", "preferred_address_id", "external_id",
			"full_name", "first_name", "last_name", "address1", "address2", "city", "state",
			"postal_code", "postal_code_short", "is_preferred", "do_not_mail", "processed_at",
			"created_at", "updated_at"}).
			AddRow(int64(7), int64(1), (*int64)(nil), (*int64)(nil), "janedoe1elmstsalemma01970",
				"Jane Doe", "Jane", "Doe", "1 Elm St", "", "Salem", "MA",
				"01970", "01970", false, false, (*time.Time)(nil),
				now, now))

	prospects, err := s.ProspectsForPostProcessing(context.Background(), 1, 500)
	require.NoError(t, err)
	require.Len(t, prospects, 1)
	assert.Nil(t, prospects[0].ProcessedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAddressHydratesVerifiedStreetFields(t *testing.T) {
	s, mock := newMockStore(t)

	verified := time.Now()
	mock.ExpectQuery(`INSERT INTO addresses`).
		WithArgs(int64(1), "1elmstsalemma01970", "1 elm street", "", "salem", "ma",
			"01970", "01970", "US", false).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "address1", "address2", "city", "state_code", "postal_code", "postal_code_short",
			"is_business", "is_vacant", "verified_at", "verification_attempts",
			"do_not_mail", "global_do_not_mail"}).
			AddRow(int64(9), "1 ELM ST", "", "SALEM", "MA", "01970-1234", "01970",
				false, false, &verified, 1, false, false))

	a := &model.Address{
		CompanyID:       1,
		ExternalID:      "1elmstsalemma01970",
		Address1:        "1 elm street",
		City:            "salem",
		StateCode:       "ma",
		PostalCode:      "01970",
		PostalCodeShort: "01970",
	}
	require.NoError(t, s.UpsertAddress(context.Background(), a))

	// Raw feed text never wins over the normalized form of a verified address.
	assert.Equal(t, "1 ELM ST", a.Address1)
	assert.Equal(t, "SALEM", a.City)
	assert.Equal(t, "01970-1234", a.PostalCode)
	assert.NotNil(t, a.VerifiedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateCustomersExceptVersion(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE customers SET active = FALSE`).
		WithArgs(int64(1), "v.2026-08-01").
		WillReturnResult(pgxmock.NewResult("UPDATE", 12))

	n, err := s.DeactivateCustomersExceptVersion(context.Background(), 1, "v.2026-08-01")
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCustomerHydratesExistingStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO customers`).
		WithArgs(int64(1), int64(7), "Jane Doe", true, "").
		WillReturnRows(pgxmock.NewRows([]string{"id", "active", "version", "has_installation"}).
			AddRow(int64(3), false, "v.2026-08-01", true))

	c := &model.Customer{CompanyID: 1, ProspectID: 7, Name: "Jane Doe", Active: true}
	require.NoError(t, s.EnsureCustomer(context.Background(), c))

	assert.Equal(t, int64(3), c.ID)
	assert.False(t, c.Active, "existing status wins over the insert default")
	assert.Equal(t, "v.2026-08-01", c.Version)
	assert.True(t, c.HasInstallation)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRestrictedAddresses(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO restricted_addresses`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := s.LoadRestrictedAddresses(context.Background(), []model.RestrictedAddress{
		{Address1: "123 Main St", City: "Boston", StateCode: "MA", PostalCode: "02108", PostalCodeShort: "02108"},
		{Address1: "9 Oak Ave", City: "Lowell", StateCode: "MA", PostalCode: "01850", PostalCodeShort: "01850"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestrictedAddressKeys(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT external_id FROM restricted_addresses`).
		WillReturnRows(pgxmock.NewRows([]string{"external_id"}).
			AddRow("123mainstbostonma02108").
			AddRow("9oakavelowellma01850"))

	keys, err := s.RestrictedAddressKeys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	_, ok := keys["123mainstbostonma02108"]
	assert.True(t, ok)
}

func TestHasActiveSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM subscriptions`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasActiveSubscription(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetOrCreateTrade(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO trades`).
		WithArgs("hvac").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))

	trade, err := s.GetOrCreateTrade(context.Background(), "hvac")
	require.NoError(t, err)
	assert.Equal(t, int64(3), trade.ID)
	assert.Equal(t, "hvac", trade.Name)
}

func TestEntityCounts(t *testing.T) {
	s, mock := newMockStore(t)

	for _, n := range []int{10, 8, 4, 20, 2, 5} {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(n))
	}

	counts, err := s.EntityCounts(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 10, counts["prospects"])
	assert.Equal(t, 20, counts["invoices"])
	assert.Equal(t, 5, counts["tags"])
}
