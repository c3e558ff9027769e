package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type call struct {
	sql  string
	args []any
}

type execResult struct {
	tag pgconn.CommandTag
	err error
}

func affected(n int) execResult {
	return execResult{tag: pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n))}
}

// assign copies vals into the Scan destinations. Each value must have the
// exact type the destination points to; nil zeroes it.
func assign(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(vals))
	}
	for i, v := range vals {
		d := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			d.Set(reflect.Zero(d.Type()))
			continue
		}
		d.Set(reflect.ValueOf(v))
	}
	return nil
}

// rowStub implements pgx.Row.
type rowStub struct {
	vals []any
	err  error
}

func (r rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.vals == nil {
		return errors.New("no row configured")
	}
	return assign(dest, r.vals)
}

// rowsStub implements pgx.Rows over fixed data.
type rowsStub struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *rowsStub) Close()                                       { r.closed = true }
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

func (r *rowsStub) Next() bool {
	if r.idx < len(r.data) {
		r.idx++
		return true
	}
	return false
}

func (r *rowsStub) Scan(dest ...any) error { return assign(dest, r.data[r.idx-1]) }

func (r *rowsStub) Values() ([]any, error) { return r.data[r.idx-1], nil }

// txStub implements the pgx.Tx methods the repositories call.
type txStub struct {
	pgx.Tx
	results    []execResult
	execs      []call
	committed  bool
	rolledBack bool
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, call{sql: sql, args: args})
	return next(t.results, len(t.execs)-1)
}

func (t *txStub) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *txStub) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	results  []execResult
	execs    []call
	row      rowStub
	rowCalls []call
	rows     *rowsStub
	queryErr error
	queries  []call
	tx       *txStub
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, call{sql: sql, args: args})
	return next(p.results, len(p.execs)-1)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.rowCalls = append(p.rowCalls, call{sql: sql, args: args})
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.queries = append(p.queries, call{sql: sql, args: args})
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.tx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.tx, nil
}

func next(results []execResult, i int) (pgconn.CommandTag, error) {
	if i < len(results) {
		return results[i].tag, results[i].err
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func ptr[T any](v T) *T { return &v }
