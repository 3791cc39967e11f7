package db

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/ehr/fhirtable/internal/domain/table"
)

// fakeTx records statements and copied rows. Methods it does not override
// panic through the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	execs      []string
	copyTable  pgx.Identifier
	copyCols   []string
	copied     [][]any
	copyErr    error
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeTx) CopyFrom(_ context.Context, ident pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	f.copyTable, f.copyCols = ident, cols
	for src.Next() {
		v, err := src.Values()
		if err != nil {
			return 0, err
		}
		f.copied = append(f.copied, v)
	}
	return int64(len(f.copied)), src.Err()
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeDB struct{ tx *fakeTx }

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) { return f.tx, nil }

func sampleTable(t *testing.T) *table.Table {
	t.Helper()
	a := table.NewAssembler([]string{"id", "Score", `we"ird`})
	_ = a.Append([]any{"p1", decimal.RequireFromString("1.50"), true})
	_ = a.Append([]any{"p2", nil, nil})
	tbl, err := a.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	return tbl
}

func TestCreateTableSQL_QuotesIdentifiers(t *testing.T) {
	got := CreateTableSQL(pgx.Identifier{"analytics", "patients"}, []string{"id", "Score", `we"ird`})
	want := `CREATE TABLE IF NOT EXISTS "analytics"."patients" ("id" TEXT, "Score" TEXT, "we""ird" TEXT)`
	if got != want {
		t.Errorf("got %s\nwant %s", got, want)
	}
}

func TestTableWriter_Write(t *testing.T) {
	tx := &fakeTx{}
	w := NewTableWriter(&fakeDB{tx: tx}, WithSchema("analytics"))

	n, err := w.Write(context.Background(), "patients", sampleTable(t))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 2 {
		t.Errorf("copied %d rows, want 2", n)
	}
	if len(tx.execs) != 1 || !strings.HasPrefix(tx.execs[0], `CREATE TABLE IF NOT EXISTS "analytics"."patients"`) {
		t.Errorf("unexpected statements %v", tx.execs)
	}
	if !reflect.DeepEqual(tx.copyTable, pgx.Identifier{"analytics", "patients"}) {
		t.Errorf("copy target = %v", tx.copyTable)
	}
	want := [][]any{{"p1", "1.50", "true"}, {"p2", nil, nil}}
	if !reflect.DeepEqual(tx.copied, want) {
		t.Errorf("copied %v, want %v", tx.copied, want)
	}
	if !tx.committed {
		t.Error("expected commit")
	}
}

func TestTableWriter_Replace(t *testing.T) {
	tx := &fakeTx{}
	w := NewTableWriter(&fakeDB{tx: tx}, WithReplace(true))
	if _, err := w.Write(context.Background(), "patients", sampleTable(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(tx.execs) != 2 || tx.execs[0] != `DROP TABLE IF EXISTS "patients"` {
		t.Errorf("unexpected statements %v", tx.execs)
	}
}

func TestTableWriter_CopyFailureRollsBack(t *testing.T) {
	tx := &fakeTx{copyErr: errors.New("disk full")}
	w := NewTableWriter(&fakeDB{tx: tx})
	if _, err := w.Write(context.Background(), "patients", sampleTable(t)); err == nil {
		t.Fatal("expected error")
	}
	if tx.committed || !tx.rolledBack {
		t.Errorf("expected rollback without commit, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestTableWriter_RejectsBadNames(t *testing.T) {
	w := NewTableWriter(&fakeDB{tx: &fakeTx{}})
	for _, name := range []string{"", "1patients", "patients; DROP TABLE x", strings.Repeat("a", 64)} {
		if _, err := w.Write(context.Background(), name, sampleTable(t)); err == nil {
			t.Errorf("Write(%q): expected error", name)
		}
	}
	bad := NewTableWriter(&fakeDB{tx: &fakeTx{}}, WithSchema("public.x"))
	if _, err := bad.Write(context.Background(), "patients", sampleTable(t)); err == nil {
		t.Error("expected error for bad schema")
	}
}
