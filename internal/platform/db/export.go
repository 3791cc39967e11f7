package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirtable/internal/domain/table"
)

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// WriterOption configures a TableWriter.
type WriterOption func(*TableWriter)

// WithSchema writes into schema instead of the connection's search_path.
func WithSchema(schema string) WriterOption {
	return func(w *TableWriter) { w.schema = schema }
}

// WithReplace drops an existing table before loading.
func WithReplace(replace bool) WriterOption {
	return func(w *TableWriter) { w.replace = replace }
}

// WithWriterLogger sets the logger.
func WithWriterLogger(l zerolog.Logger) WriterOption {
	return func(w *TableWriter) { w.logger = l }
}

// TableWriter loads tables into Postgres. Every column is TEXT; nil cells
// become NULL.
type TableWriter struct {
	db      TxBeginner
	schema  string
	replace bool
	logger  zerolog.Logger
}

func NewTableWriter(db TxBeginner, opts ...WriterOption) *TableWriter {
	w := &TableWriter{db: db, logger: zerolog.Nop()}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Write creates name when absent and copies t's rows into it inside one
// transaction. It returns the number of rows copied.
func (w *TableWriter) Write(ctx context.Context, name string, t *table.Table) (int64, error) {
	if !tableNamePattern.MatchString(name) {
		return 0, fmt.Errorf("invalid table name %q", name)
	}
	if w.schema != "" && !tableNamePattern.MatchString(w.schema) {
		return 0, fmt.Errorf("invalid schema name %q", w.schema)
	}
	cols := t.Columns()
	if len(cols) == 0 {
		return 0, errors.New("table has no columns")
	}

	ident := w.identifier(name)
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin export: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if w.replace {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident.Sanitize()); err != nil {
			return 0, fmt.Errorf("drop %s: %w", ident.Sanitize(), err)
		}
	}
	if _, err := tx.Exec(ctx, CreateTableSQL(ident, cols)); err != nil {
		return 0, fmt.Errorf("create %s: %w", ident.Sanitize(), err)
	}

	n, err := tx.CopyFrom(ctx, ident, cols, pgx.CopyFromRows(textRows(t)))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", ident.Sanitize(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit export: %w", err)
	}

	w.logger.Info().Str("table", ident.Sanitize()).Int64("rows", n).Msg("table exported")
	return n, nil
}

func (w *TableWriter) identifier(name string) pgx.Identifier {
	if w.schema != "" {
		return pgx.Identifier{w.schema, name}
	}
	return pgx.Identifier{name}
}

// CreateTableSQL returns the DDL for a table of TEXT columns.
func CreateTableSQL(ident pgx.Identifier, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident.Sanitize(), strings.Join(defs, ", "))
}

func textRows(t *table.Table) [][]any {
	rows := make([][]any, t.Len())
	for i, r := range t.Rows() {
		out := make([]any, len(r))
		for j, v := range r {
			if v != nil {
				out[j] = table.CellText(v)
			}
		}
		rows[i] = out
	}
	return rows
}
