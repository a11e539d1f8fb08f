package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes one bulk upsert target.
type UpsertConfig struct {
	// Table is the destination, optionally schema qualified.
	Table string
	// Columns lists every inserted column, in row order.
	Columns []string
	// ConflictKeys are the columns of the unique constraint.
	ConflictKeys []string
	// UpdateCols restricts which columns are rewritten on conflict. Empty
	// means every non-key column.
	UpdateCols []string
}

func (cfg UpsertConfig) updateColumns() []string {
	if len(cfg.UpdateCols) > 0 {
		return cfg.UpdateCols
	}
	keys := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		keys[k] = true
	}
	var cols []string
	for _, c := range cfg.Columns {
		if !keys[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

func (cfg UpsertConfig) target() string {
	if schema, name, ok := strings.Cut(cfg.Table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{cfg.Table}.Sanitize()
}

func (cfg UpsertConfig) scratchName() string {
	return "_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")
}

func quoteList(cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgx.Identifier{c}.Sanitize())
	}
	return b.String()
}

// BulkUpsert COPYs rows into a transaction-scoped scratch table and merges
// them into the target with INSERT ... ON CONFLICT DO UPDATE. Returns the
// number of rows written.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 || len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert needs columns and conflict keys")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: begin upsert")
	}
	defer tx.Rollback(ctx)

	scratch := cfg.scratchName()
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{scratch}.Sanitize(), cfg.target())
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: scratch table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{scratch}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: copy into scratch for %s", cfg.Table)
	}

	assignments := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.updateColumns() {
		q := pgx.Identifier{col}.Sanitize()
		assignments = append(assignments, q+" = EXCLUDED."+q)
	}

	merge := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		cfg.target(), quoteList(cfg.Columns), quoteList(cfg.Columns),
		pgx.Identifier{scratch}.Sanitize(), quoteList(cfg.ConflictKeys),
		strings.Join(assignments, ", "))

	tag, err := tx.Exec(ctx, merge)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: commit upsert")
	}
	return tag.RowsAffected(), nil
}
