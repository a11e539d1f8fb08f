package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/db"
	"github.com/sells-group/reconcile-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests and by callers
// that manage pool lifecycle themselves.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., the job ledger).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id         BIGSERIAL PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prospects (
	id                   BIGSERIAL PRIMARY KEY,
	company_id           BIGINT NOT NULL REFERENCES companies(id),
	customer_id          BIGINT,
	preferred_address_id BIGINT,
	external_id          TEXT NOT NULL,
	full_name            TEXT NOT NULL DEFAULT '',
	first_name           TEXT NOT NULL DEFAULT '',
	last_name            TEXT NOT NULL DEFAULT '',
	address1             TEXT NOT NULL DEFAULT '',
	address2             TEXT NOT NULL DEFAULT '',
	city                 TEXT NOT NULL DEFAULT '',
	state                TEXT NOT NULL DEFAULT '',
	postal_code          TEXT NOT NULL DEFAULT '',
	postal_code_short    TEXT NOT NULL DEFAULT '',
	is_preferred         BOOLEAN NOT NULL DEFAULT TRUE,
	do_not_mail          BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at         TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (company_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_prospects_customer ON prospects(customer_id);
CREATE INDEX IF NOT EXISTS idx_prospects_unprocessed ON prospects(company_id) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS prospect_details (
	id               BIGSERIAL PRIMARY KEY,
	prospect_id      BIGINT NOT NULL UNIQUE REFERENCES prospects(id),
	info_base        TEXT NOT NULL DEFAULT '',
	year_built       TEXT NOT NULL DEFAULT '',
	age              TEXT NOT NULL DEFAULT '',
	estimated_income TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS prospect_sources (
	id            BIGSERIAL PRIMARY KEY,
	prospect_id   BIGINT NOT NULL REFERENCES prospects(id),
	name          TEXT NOT NULL,
	current_json  JSONB,
	previous_json JSONB,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (prospect_id, name)
);

CREATE TABLE IF NOT EXISTS addresses (
	id                    BIGSERIAL PRIMARY KEY,
	company_id            BIGINT NOT NULL REFERENCES companies(id),
	external_id           TEXT NOT NULL,
	address1              TEXT NOT NULL DEFAULT '',
	address2              TEXT NOT NULL DEFAULT '',
	city                  TEXT NOT NULL DEFAULT '',
	state_code            TEXT NOT NULL DEFAULT '',
	postal_code           TEXT NOT NULL DEFAULT '',
	postal_code_short     TEXT NOT NULL DEFAULT '',
	country_code          TEXT NOT NULL DEFAULT 'US',
	is_business           BOOLEAN NOT NULL DEFAULT FALSE,
	is_vacant             BOOLEAN NOT NULL DEFAULT FALSE,
	verified_at           TIMESTAMPTZ,
	verification_attempts INTEGER NOT NULL DEFAULT 0,
	do_not_mail           BOOLEAN NOT NULL DEFAULT FALSE,
	global_do_not_mail    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (company_id, external_id)
);

CREATE TABLE IF NOT EXISTS prospect_addresses (
	prospect_id BIGINT NOT NULL REFERENCES prospects(id),
	address_id  BIGINT NOT NULL REFERENCES addresses(id),
	PRIMARY KEY (prospect_id, address_id)
);

CREATE INDEX IF NOT EXISTS idx_prospect_addresses_address ON prospect_addresses(address_id);

CREATE TABLE IF NOT EXISTS restricted_addresses (
	id                BIGSERIAL PRIMARY KEY,
	external_id       TEXT NOT NULL UNIQUE,
	address1          TEXT NOT NULL DEFAULT '',
	address2          TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	state_code        TEXT NOT NULL DEFAULT '',
	postal_code       TEXT NOT NULL DEFAULT '',
	postal_code_short TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS customers (
	id                       BIGSERIAL PRIMARY KEY,
	company_id               BIGINT NOT NULL REFERENCES companies(id),
	prospect_id              BIGINT NOT NULL UNIQUE REFERENCES prospects(id),
	name                     TEXT NOT NULL DEFAULT '',
	active                   BOOLEAN NOT NULL DEFAULT TRUE,
	version                  TEXT NOT NULL DEFAULT '',
	count_invoices           INTEGER NOT NULL DEFAULT 0,
	first_invoiced_at        TIMESTAMPTZ,
	last_invoiced_at         TIMESTAMPTZ,
	balance_total            TEXT NOT NULL DEFAULT '0.00',
	invoice_total            TEXT NOT NULL DEFAULT '0.00',
	lifetime_value           TEXT NOT NULL DEFAULT '0.00',
	is_new_customer          BOOLEAN NOT NULL DEFAULT FALSE,
	is_repeat_customer       BOOLEAN NOT NULL DEFAULT FALSE,
	has_installation         BOOLEAN NOT NULL DEFAULT FALSE,
	has_subscription         BOOLEAN NOT NULL DEFAULT FALSE,
	legacy_count_invoices    INTEGER NOT NULL DEFAULT 0,
	legacy_first_invoiced_at TIMESTAMPTZ,
	legacy_lifetime_value    TEXT NOT NULL DEFAULT '',
	legacy_first_sale_amount TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_customers_company ON customers(company_id);

CREATE TABLE IF NOT EXISTS invoices (
	id          BIGSERIAL PRIMARY KEY,
	company_id  BIGINT NOT NULL REFERENCES companies(id),
	customer_id BIGINT NOT NULL REFERENCES customers(id),
	trade_id    BIGINT,
	external_id TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	total       TEXT NOT NULL DEFAULT '0.00',
	balance     TEXT NOT NULL DEFAULT '0.00',
	sub_total   TEXT NOT NULL DEFAULT '0.00',
	tax         TEXT NOT NULL DEFAULT '0.00',
	invoiced_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (company_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_invoices_customer ON invoices(customer_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	id          BIGSERIAL PRIMARY KEY,
	company_id  BIGINT NOT NULL REFERENCES companies(id),
	customer_id BIGINT NOT NULL REFERENCES customers(id),
	external_id TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (company_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(customer_id);

CREATE TABLE IF NOT EXISTS tags (
	id          BIGSERIAL PRIMARY KEY,
	company_id  BIGINT NOT NULL REFERENCES companies(id),
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_system   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (company_id, name)
);

CREATE TABLE IF NOT EXISTS prospect_tags (
	prospect_id BIGINT NOT NULL REFERENCES prospects(id),
	tag_id      BIGINT NOT NULL REFERENCES tags(id),
	PRIMARY KEY (prospect_id, tag_id)
);

CREATE TABLE IF NOT EXISTS trades (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS company_jobs (
	id          BIGSERIAL PRIMARY KEY,
	company_id  BIGINT NOT NULL REFERENCES companies(id),
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_company_jobs_active ON company_jobs(company_id) WHERE status = 'running';
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- companies ---

func (s *PostgresStore) GetOrCreateCompany(ctx context.Context, identifier string) (*model.Company, error) {
	identifier = model.NormalizeIdentifier(identifier)
	var c model.Company
	err := s.pool.QueryRow(ctx,
		`INSERT INTO companies (identifier, name) VALUES ($1, $1)
		 ON CONFLICT (identifier) DO UPDATE SET updated_at = now()
		 RETURNING id, identifier, name, active, created_at, updated_at`,
		identifier,
	).Scan(&c.ID, &c.Identifier, &c.Name, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get or create company %s", identifier)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, identifier, name, active, created_at, updated_at FROM companies WHERE active ORDER BY identifier`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var c model.Company
		if err := rows.Scan(&c.ID, &c.Identifier, &c.Name, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "postgres: list companies")
}

// --- prospects ---

const prospectColumns = `id, company_id, customer_id, preferred_address_id, external_id,
	full_name, first_name, last_name, address1, address2, city, state,
	postal_code, postal_code_short, is_preferred, do_not_mail, processed_at,
	created_at, updated_at`

func scanProspect(row pgx.Row) (*model.Prospect, error) {
	var p model.Prospect
	err := row.Scan(&p.ID, &p.CompanyID, &p.CustomerID, &p.PreferredAddressID, &p.ExternalID,
		&p.FullName, &p.FirstName, &p.LastName, &p.Address1, &p.Address2, &p.City, &p.State,
		&p.PostalCode, &p.PostalCodeShort, &p.IsPreferred, &p.DoNotMail, &p.ProcessedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProspect(ctx context.Context, companyID int64, externalID string) (*model.Prospect, error) {
	p, err := scanProspect(s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE company_id = $1 AND external_id = $2`,
		companyID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get prospect %s", externalID)
	}
	return p, nil
}

// UpsertProspect inserts or refreshes a prospect by its derived external id.
// Columns owned by post-processing and customer promotion (customer_id,
// preferred_address_id, is_preferred, processed_at) are preserved on
// conflict and hydrated back onto the entity.
func (s *PostgresStore) UpsertProspect(ctx context.Context, p *model.Prospect) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prospects (company_id, external_id, full_name, first_name, last_name,
			address1, address2, city, state, postal_code, postal_code_short, do_not_mail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (company_id, external_id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			address1 = EXCLUDED.address1,
			address2 = EXCLUDED.address2,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			postal_code = EXCLUDED.postal_code,
			postal_code_short = EXCLUDED.postal_code_short,
			do_not_mail = prospects.do_not_mail OR EXCLUDED.do_not_mail,
			updated_at = now()
		 RETURNING id, customer_id, preferred_address_id, is_preferred, processed_at`,
		p.CompanyID, p.ExternalID, p.FullName, p.FirstName, p.LastName,
		p.Address1, p.Address2, p.City, p.State, p.PostalCode, p.PostalCodeShort, p.DoNotMail,
	).Scan(&p.ID, &p.CustomerID, &p.PreferredAddressID, &p.IsPreferred, &p.ProcessedAt)
	return eris.Wrapf(err, "postgres: upsert prospect %s", p.ExternalID)
}

// SaveProspects writes back the mutable state post-processing and customer
// promotion own.
func (s *PostgresStore) SaveProspects(ctx context.Context, prospects []*model.Prospect) error {
	for _, p := range prospects {
		_, err := s.pool.Exec(ctx,
			`UPDATE prospects SET customer_id = $1, preferred_address_id = $2,
				is_preferred = $3, do_not_mail = $4, processed_at = $5, updated_at = now()
			 WHERE id = $6`,
			p.CustomerID, p.PreferredAddressID, p.IsPreferred, p.DoNotMail, p.ProcessedAt, p.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: save prospect %d", p.ID)
		}
	}
	return nil
}

// ProspectsForPostProcessing returns up to limit unprocessed prospects for
// a company, customer-linked ones ahead of the rest. Processed prospects are
// excluded so successive capped passes advance through the backlog instead
// of re-reading the same rows.
func (s *PostgresStore) ProspectsForPostProcessing(ctx context.Context, companyID int64, limit int) ([]model.Prospect, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prospectColumns+` FROM prospects
		 WHERE company_id = $1 AND processed_at IS NULL
		 ORDER BY (customer_id IS NOT NULL) DESC, id
		 LIMIT $2`,
		companyID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: prospects for post-processing")
	}
	defer rows.Close()

	var prospects []model.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "postgres: prospects for post-processing")
}

func (s *PostgresStore) UpsertProspectDetails(ctx context.Context, d *model.ProspectDetails) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prospect_details (prospect_id, info_base, year_built, age, estimated_income)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (prospect_id) DO UPDATE SET
			info_base = EXCLUDED.info_base,
			year_built = EXCLUDED.year_built,
			age = EXCLUDED.age,
			estimated_income = EXCLUDED.estimated_income
		 RETURNING id`,
		d.ProspectID, d.InfoBase, d.YearBuilt, d.Age, d.EstimatedIncome,
	).Scan(&d.ID)
	return eris.Wrapf(err, "postgres: upsert details for prospect %d", d.ProspectID)
}

// RecordProspectSource archives the raw feed row a prospect came from. When
// the payload changes, the prior payload is shuffled into previous_json.
func (s *PostgresStore) RecordProspectSource(ctx context.Context, prospectID int64, source string, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prospect_sources (prospect_id, name, current_json)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (prospect_id, name) DO UPDATE SET
			previous_json = prospect_sources.current_json,
			current_json = EXCLUDED.current_json,
			updated_at = now()
		 WHERE prospect_sources.current_json IS DISTINCT FROM EXCLUDED.current_json`,
		prospectID, source, payload)
	return eris.Wrapf(err, "postgres: record source %s for prospect %d", source, prospectID)
}

// --- addresses ---

const addressColumns = `id, company_id, external_id, address1, address2, city, state_code,
	postal_code, postal_code_short, country_code, is_business, is_vacant,
	verified_at, verification_attempts, do_not_mail, global_do_not_mail,
	created_at, updated_at`

func scanAddress(row pgx.Row) (*model.Address, error) {
	var a model.Address
	err := row.Scan(&a.ID, &a.CompanyID, &a.ExternalID, &a.Address1, &a.Address2, &a.City, &a.StateCode,
		&a.PostalCode, &a.PostalCodeShort, &a.CountryCode, &a.IsBusiness, &a.IsVacant,
		&a.VerifiedAt, &a.VerificationAttempts, &a.DoNotMail, &a.GlobalDoNotMail,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAddress(ctx context.Context, companyID int64, externalID string) (*model.Address, error) {
	a, err := scanAddress(s.pool.QueryRow(ctx,
		`SELECT `+addressColumns+` FROM addresses WHERE company_id = $1 AND external_id = $2`,
		companyID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get address %s", externalID)
	}
	return a, nil
}

// UpsertAddress inserts or refreshes an address by its derived external id.
// Verification state is preserved on conflict and hydrated back. Once an
// address is verified its street fields are the normalized ones from the
// verification service; raw feed text must not overwrite them, so those
// columns are preserved too and hydrated back into a.
func (s *PostgresStore) UpsertAddress(ctx context.Context, a *model.Address) error {
	if a.CountryCode == "" {
		a.CountryCode = "US"
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO addresses (company_id, external_id, address1, address2, city, state_code,
			postal_code, postal_code_short, country_code, do_not_mail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (company_id, external_id) DO UPDATE SET
			address1 = CASE WHEN addresses.verified_at IS NULL THEN EXCLUDED.address1 ELSE addresses.address1 END,
			address2 = CASE WHEN addresses.verified_at IS NULL THEN EXCLUDED.address2 ELSE addresses.address2 END,
			city = CASE WHEN addresses.verified_at IS NULL THEN EXCLUDED.city ELSE addresses.city END,
			state_code = CASE WHEN addresses.verified_at IS NULL THEN EXCLUDED.state_code ELSE addresses.state_code END,
			postal_code = CASE WHEN addresses.verified_at IS NULL THEN EXCLUDED.postal_code ELSE addresses.postal_code END,
			postal_code_short = CASE WHEN addresses.verified_at IS NULL THEN EXCLUDED.postal_code_short ELSE addresses.postal_code_short END,
			do_not_mail = addresses.do_not_mail OR EXCLUDED.do_not_mail,
			updated_at = now()
		 RETURNING id, address1, address2, city, state_code, postal_code, postal_code_short,
			is_business, is_vacant, verified_at, verification_attempts,
			do_not_mail, global_do_not_mail`,
		a.CompanyID, a.ExternalID, a.Address1, a.Address2, a.City, a.StateCode,
		a.PostalCode, a.PostalCodeShort, a.CountryCode, a.DoNotMail,
	).Scan(&a.ID, &a.Address1, &a.Address2, &a.City, &a.StateCode, &a.PostalCode,
		&a.PostalCodeShort, &a.IsBusiness, &a.IsVacant, &a.VerifiedAt, &a.VerificationAttempts,
		&a.DoNotMail, &a.GlobalDoNotMail)
	return eris.Wrapf(err, "postgres: upsert address %s", a.ExternalID)
}

// SaveAddresses writes back address state mutated by verification and the
// restricted-list pass. Verification can rewrite the street fields, so the
// full shape is saved.
func (s *PostgresStore) SaveAddresses(ctx context.Context, addresses []*model.Address) error {
	for _, a := range addresses {
		_, err := s.pool.Exec(ctx,
			`UPDATE addresses SET address1 = $1, address2 = $2, city = $3, state_code = $4,
				postal_code = $5, postal_code_short = $6, is_business = $7, is_vacant = $8,
				verified_at = $9, verification_attempts = $10, do_not_mail = $11,
				global_do_not_mail = $12, updated_at = now()
			 WHERE id = $13`,
			a.Address1, a.Address2, a.City, a.StateCode,
			a.PostalCode, a.PostalCodeShort, a.IsBusiness, a.IsVacant,
			a.VerifiedAt, a.VerificationAttempts, a.DoNotMail,
			a.GlobalDoNotMail, a.ID)
		if err != nil {
			return eris.Wrapf(err, "postgres: save address %d", a.ID)
		}
	}
	return nil
}

func (s *PostgresStore) LinkProspectAddress(ctx context.Context, prospectID, addressID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prospect_addresses (prospect_id, address_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		prospectID, addressID)
	return eris.Wrapf(err, "postgres: link prospect %d to address %d", prospectID, addressID)
}

// SetPreferredProspect makes one prospect the preferred recipient for an
// address: every other prospect linked to the address loses its preferred
// flag, the given one gains it. Last processed wins.
func (s *PostgresStore) SetPreferredProspect(ctx context.Context, addressID, prospectID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE prospects SET is_preferred = FALSE, updated_at = now()
		 WHERE is_preferred AND id <> $2 AND id IN (
			SELECT prospect_id FROM prospect_addresses WHERE address_id = $1)`,
		addressID, prospectID)
	if err != nil {
		return eris.Wrapf(err, "postgres: clear preferred for address %d", addressID)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE prospects SET is_preferred = TRUE, preferred_address_id = $1, updated_at = now()
		 WHERE id = $2`,
		addressID, prospectID)
	return eris.Wrapf(err, "postgres: set preferred prospect %d", prospectID)
}

// --- restricted addresses ---

func (s *PostgresStore) RestrictedAddressKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT external_id FROM restricted_addresses`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: restricted address keys")
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "postgres: scan restricted key")
		}
		keys[key] = struct{}{}
	}
	return keys, eris.Wrap(rows.Err(), "postgres: restricted address keys")
}

// LoadRestrictedAddresses bulk-upserts denylist entries keyed by their
// derived address key.
func (s *PostgresStore) LoadRestrictedAddresses(ctx context.Context, entries []model.RestrictedAddress) (int64, error) {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.Key(), e.Address1, e.Address2, e.City, e.StateCode, e.PostalCode, e.PostalCodeShort}
	}
	cfg := db.UpsertConfig{
		Table:        "restricted_addresses",
		Columns:      []string{"external_id", "address1", "address2", "city", "state_code", "postal_code", "postal_code_short"},
		ConflictKeys: []string{"external_id"},
		UpdateCols:   []string{"address1", "address2", "city", "state_code", "postal_code", "postal_code_short"},
	}
	n, err := db.BulkUpsert(ctx, s.pool, cfg, rows)
	return n, eris.Wrap(err, "postgres: load restricted addresses")
}

func (s *PostgresStore) ResetGlobalDoNotMail(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE addresses SET global_do_not_mail = FALSE, updated_at = now() WHERE global_do_not_mail`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset global do-not-mail")
	}
	return tag.RowsAffected(), nil
}

// --- customers ---

const customerColumns = `id, company_id, prospect_id, name, active, version,
	count_invoices, first_invoiced_at, last_invoiced_at, balance_total, invoice_total,
	lifetime_value, is_new_customer, is_repeat_customer, has_installation, has_subscription,
	legacy_count_invoices, legacy_first_invoiced_at, legacy_lifetime_value, legacy_first_sale_amount,
	created_at, updated_at`

func scanCustomer(row pgx.Row) (*model.Customer, error) {
	var c model.Customer
	err := row.Scan(&c.ID, &c.CompanyID, &c.ProspectID, &c.Name, &c.Active, &c.Version,
		&c.CountInvoices, &c.FirstInvoicedAt, &c.LastInvoicedAt, &c.BalanceTotal, &c.InvoiceTotal,
		&c.LifetimeValue, &c.IsNewCustomer, &c.IsRepeatCustomer, &c.HasInstallation, &c.HasSubscription,
		&c.LegacyCountInvoices, &c.LegacyFirstInvoicedAt, &c.LegacyLifetimeValue, &c.LegacyFirstSaleAmount,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetCustomerByProspect(ctx context.Context, prospectID int64) (*model.Customer, error) {
	c, err := scanCustomer(s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE prospect_id = $1`, prospectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: customer for prospect %d", prospectID)
	}
	return c, nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	c, err := scanCustomer(s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get customer %d", id)
	}
	return c, nil
}

// UpsertCustomer inserts or reactivates the customer for a prospect. Metric
// columns are owned by the metrics pass and preserved on conflict.
func (s *PostgresStore) UpsertCustomer(ctx context.Context, c *model.Customer) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO customers (company_id, prospect_id, name, active, version)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (prospect_id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			version = EXCLUDED.version,
			updated_at = now()
		 RETURNING id, has_installation`,
		c.CompanyID, c.ProspectID, c.Name, c.Active, c.Version,
	).Scan(&c.ID, &c.HasInstallation)
	return eris.Wrapf(err, "postgres: upsert customer for prospect %d", c.ProspectID)
}

// EnsureCustomer inserts the customer if the prospect has none. On conflict
// active and version are preserved and hydrated back, so promotes from
// non-membership feeds never override what the members feed decided.
func (s *PostgresStore) EnsureCustomer(ctx context.Context, c *model.Customer) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO customers (company_id, prospect_id, name, active, version)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (prospect_id) DO UPDATE SET
			name = EXCLUDED.name,
			updated_at = now()
		 RETURNING id, active, version, has_installation`,
		c.CompanyID, c.ProspectID, c.Name, c.Active, c.Version,
	).Scan(&c.ID, &c.Active, &c.Version, &c.HasInstallation)
	return eris.Wrapf(err, "postgres: ensure customer for prospect %d", c.ProspectID)
}

// SaveCustomerMetrics writes back the aggregate columns for one customer.
func (s *PostgresStore) SaveCustomerMetrics(ctx context.Context, c *model.Customer) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE customers SET count_invoices = $1, first_invoiced_at = $2, last_invoiced_at = $3,
			balance_total = $4, invoice_total = $5, lifetime_value = $6,
			is_new_customer = $7, is_repeat_customer = $8, has_installation = $9,
			has_subscription = $10, updated_at = now()
		 WHERE id = $11`,
		c.CountInvoices, c.FirstInvoicedAt, c.LastInvoicedAt,
		c.BalanceTotal, c.InvoiceTotal, c.LifetimeValue,
		c.IsNewCustomer, c.IsRepeatCustomer, c.HasInstallation,
		c.HasSubscription, c.ID)
	return eris.Wrapf(err, "postgres: save metrics for customer %d", c.ID)
}

func (s *PostgresStore) CustomerIDs(ctx context.Context, companyID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM customers WHERE company_id = $1 ORDER BY id`, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: customer ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan customer id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: customer ids")
}

// DeactivateCustomersExceptVersion marks every customer outside the given
// members-feed version inactive. Runs ahead of a members import so the feed
// becomes the source of truth for active membership.
func (s *PostgresStore) DeactivateCustomersExceptVersion(ctx context.Context, companyID int64, version string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE customers SET active = FALSE, updated_at = now()
		 WHERE company_id = $1 AND active AND version IS DISTINCT FROM $2`,
		companyID, version)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: deactivate customers for company %d", companyID)
	}
	return tag.RowsAffected(), nil
}

// --- invoices and subscriptions ---

func (s *PostgresStore) InvoiceExists(ctx context.Context, companyID int64, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM invoices WHERE company_id = $1 AND external_id = $2)`,
		companyID, externalID).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: invoice exists %s", externalID)
}

func (s *PostgresStore) UpsertInvoice(ctx context.Context, inv *model.Invoice) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO invoices (company_id, customer_id, trade_id, external_id, description,
			total, balance, sub_total, tax, invoiced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (company_id, external_id) DO UPDATE SET
			trade_id = EXCLUDED.trade_id,
			description = EXCLUDED.description,
			balance = EXCLUDED.balance,
			sub_total = EXCLUDED.sub_total,
			tax = EXCLUDED.tax,
			updated_at = now()
		 RETURNING id`,
		inv.CompanyID, inv.CustomerID, inv.TradeID, inv.ExternalID, inv.Description,
		inv.Total, inv.Balance, inv.SubTotal, inv.Tax, inv.InvoicedAt,
	).Scan(&inv.ID)
	return eris.Wrapf(err, "postgres: upsert invoice %s", inv.ExternalID)
}

func (s *PostgresStore) InvoicesForCustomer(ctx context.Context, customerID int64) ([]model.Invoice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, customer_id, trade_id, external_id, description,
			total, balance, sub_total, tax, invoiced_at, created_at, updated_at
		 FROM invoices WHERE customer_id = $1 ORDER BY invoiced_at NULLS LAST, id`,
		customerID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: invoices for customer %d", customerID)
	}
	defer rows.Close()

	var invoices []model.Invoice
	for rows.Next() {
		var inv model.Invoice
		if err := rows.Scan(&inv.ID, &inv.CompanyID, &inv.CustomerID, &inv.TradeID, &inv.ExternalID,
			&inv.Description, &inv.Total, &inv.Balance, &inv.SubTotal, &inv.Tax,
			&inv.InvoicedAt, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan invoice")
		}
		invoices = append(invoices, inv)
	}
	return invoices, eris.Wrapf(rows.Err(), "postgres: invoices for customer %d", customerID)
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (company_id, customer_id, external_id, name, active)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (company_id, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active
		 RETURNING id`,
		sub.CompanyID, sub.CustomerID, sub.ExternalID, sub.Name, sub.Active,
	).Scan(&sub.ID)
	return eris.Wrapf(err, "postgres: upsert subscription %s", sub.ExternalID)
}

func (s *PostgresStore) HasActiveSubscription(ctx context.Context, customerID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE customer_id = $1 AND active)`,
		customerID).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: active subscription for customer %d", customerID)
}

// DeleteSubscriptions removes every subscription for a company. A members
// import replaces subscription state wholesale.
func (s *PostgresStore) DeleteSubscriptions(ctx context.Context, companyID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE company_id = $1`, companyID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete subscriptions for company %d", companyID)
	}
	return tag.RowsAffected(), nil
}

// --- tags and trades ---

func (s *PostgresStore) GetOrCreateTag(ctx context.Context, companyID int64, name string, isSystem bool) (*model.Tag, error) {
	t := model.Tag{CompanyID: companyID, Name: name, IsSystem: isSystem}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tags (company_id, name, is_system) VALUES ($1, $2, $3)
		 ON CONFLICT (company_id, name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, is_system, created_at`,
		companyID, name, isSystem,
	).Scan(&t.ID, &t.IsSystem, &t.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get or create tag %s", name)
	}
	return &t, nil
}

func (s *PostgresStore) TagProspect(ctx context.Context, prospectID, tagID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prospect_tags (prospect_id, tag_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		prospectID, tagID)
	return eris.Wrapf(err, "postgres: tag prospect %d", prospectID)
}

func (s *PostgresStore) GetOrCreateTrade(ctx context.Context, name string) (*model.Trade, error) {
	t := model.Trade{Name: name}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO trades (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		name,
	).Scan(&t.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get or create trade %s", name)
	}
	return &t, nil
}

// --- counts ---

func (s *PostgresStore) EntityCounts(ctx context.Context, companyID int64) (map[string]int, error) {
	counts := make(map[string]int, 6)
	for _, table := range []string{"prospects", "addresses", "customers", "invoices", "subscriptions", "tags"} {
		var n int
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM `+table+` WHERE company_id = $1`, companyID).Scan(&n)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: count %s", table)
		}
		counts[table] = n
	}
	return counts, nil
}
