// Package staging reads and deletes not-yet-reconciled vendor rows from the
// per-source staging databases.
package staging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/db"
)

// Stream names every adapter feeds from.
const (
	StreamProspects = "prospects_stream"
	StreamMembers   = "members_stream"
	StreamInvoices  = "invoices_stream"
)

// Streams lists all staging stream tables.
var Streams = []string{StreamProspects, StreamMembers, StreamInvoices}

// Row is one staging row: its numeric id (used for post-commit deletion),
// the raw tenant tag, and the remaining columns keyed by sanitized header.
type Row struct {
	ID     int64
	Tenant string
	Fields map[string]string
}

// Repo reads one source's staging area.
type Repo struct {
	pool   db.Pool
	source string
}

// NewRepo creates a staging repo over a source's connection pool.
func NewRepo(pool db.Pool, source string) *Repo {
	return &Repo{pool: pool, source: source}
}

// Source returns the source name this repo reads for.
func (r *Repo) Source() string { return r.source }

// FetchGrouped reads rows from a stream table, grouped by tenant. An empty
// tenant fetches every tenant; limit > 0 bounds the read (used for dry runs
// and tests). Rows missing a tenant tag are dropped.
func (r *Repo) FetchGrouped(ctx context.Context, table, tenant string, limit int) (map[string][]Row, error) {
	query := fmt.Sprintf(`SELECT * FROM %s`, pgx.Identifier{table}.Sanitize())
	args := []any{}
	if tenant != "" {
		query += ` WHERE tenant = $1`
		args = append(args, tenant)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: fetch %s.%s", r.source, table)
	}
	defer rows.Close()

	cols := make([]string, len(rows.FieldDescriptions()))
	for i, fd := range rows.FieldDescriptions() {
		cols[i] = SanitizeHeader(fd.Name)
	}

	grouped := make(map[string][]Row)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, eris.Wrapf(err, "staging: scan %s.%s", r.source, table)
		}
		row := Row{Fields: make(map[string]string, len(cols))}
		for i, col := range cols {
			switch col {
			case "id":
				row.ID = toInt64(values[i])
			case "tenant":
				row.Tenant = toString(values[i])
			default:
				row.Fields[col] = toString(values[i])
			}
		}
		if row.Tenant == "" {
			continue
		}
		grouped[row.Tenant] = append(grouped[row.Tenant], row)
	}
	return grouped, eris.Wrapf(rows.Err(), "staging: iterate %s.%s", r.source, table)
}

// Tenants returns the distinct tenant tags present in a stream table.
// Untagged rows are ignored, matching FetchGrouped.
func (r *Repo) Tenants(ctx context.Context, table string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT tenant FROM %s WHERE tenant IS NOT NULL AND tenant <> ''`,
			pgx.Identifier{table}.Sanitize()))
	if err != nil {
		return nil, eris.Wrapf(err, "staging: tenants of %s.%s", r.source, table)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, eris.Wrapf(err, "staging: scan tenant of %s.%s", r.source, table)
		}
		tenants = append(tenants, tenant)
	}
	return tenants, eris.Wrapf(rows.Err(), "staging: tenants of %s.%s", r.source, table)
}

// DeleteByID removes consumed rows from a stream table. Callers invoke this
// only after a successful flush of the corresponding canonical writes.
func (r *Repo) DeleteByID(ctx context.Context, table string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, pgx.Identifier{table}.Sanitize()),
		ids,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "staging: delete from %s.%s", r.source, table)
	}
	return tag.RowsAffected(), nil
}

// LatestMemberVersion returns the highest feed version present in the
// members stream for a tenant, or "" when the stream has none.
func (r *Repo) LatestMemberVersion(ctx context.Context, tenant string) (string, error) {
	var version *string
	err := r.pool.QueryRow(ctx,
		`SELECT MAX(version) FROM members_stream WHERE tenant = $1`,
		tenant,
	).Scan(&version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", eris.Wrapf(err, "staging: latest member version for %s", tenant)
	}
	if version == nil {
		return "", nil
	}
	return *version, nil
}

// RowCount counts outstanding rows in a stream table for a tenant.
func (r *Repo) RowCount(ctx context.Context, table, tenant string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant = $1`, pgx.Identifier{table}.Sanitize()),
		tenant,
	).Scan(&count)
	if err != nil {
		return 0, eris.Wrapf(err, "staging: count %s.%s", r.source, table)
	}
	return count, nil
}

// OutstandingCounts returns per-stream outstanding row counts for a tenant.
// The orchestrator uses these to decide whether the metrics pass runs and
// whether a follow-up cycle is needed.
func (r *Repo) OutstandingCounts(ctx context.Context, tenant string) (map[string]int, error) {
	counts := make(map[string]int, len(Streams))
	for _, table := range Streams {
		n, err := r.RowCount(ctx, table, tenant)
		if err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case time.Time:
		return s.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(v)
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
