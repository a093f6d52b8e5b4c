package dbclient

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeResult is a canned result set. types holds the database type name of
// each column; scales, when set, reports a decimal scale per column.
type fakeResult struct {
	columns []string
	types   []string
	scales  []int64
	rows    [][]driver.Value
}

// fakeDB records every statement sent through any connection of one
// registered driver and answers queries from canned results.
type fakeDB struct {
	mu         sync.Mutex
	opens      int
	statements []string
	results    map[string]*fakeResult
	cursors    map[string]*fakeCursor
}

type fakeCursor struct {
	res *fakeResult
	pos int
}

var fakeDriverSeq atomic.Int64

// registerFakeDriver registers a fresh driver and returns its name.
func registerFakeDriver(t *testing.T, results map[string]*fakeResult) (string, *fakeDB) {
	t.Helper()
	db := &fakeDB{results: results, cursors: map[string]*fakeCursor{}}
	name := fmt.Sprintf("fake-%d", fakeDriverSeq.Add(1))
	sql.Register(name, &fakeDriver{db: db})
	return name, db
}

func (f *fakeDB) record(stmt string) {
	f.mu.Lock()
	f.statements = append(f.statements, stmt)
	f.mu.Unlock()
}

func (f *fakeDB) Statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statements...)
}

func (f *fakeDB) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeDB) lookup(stmt string) (*fakeResult, error) {
	if res, ok := f.results[strings.TrimSpace(stmt)]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("fake: no result for %q", stmt)
}

type fakeDriver struct{ db *fakeDB }

func (d *fakeDriver) Open(string) (driver.Conn, error) {
	d.db.mu.Lock()
	d.db.opens++
	d.db.mu.Unlock()
	return &fakeConn{db: d.db}, nil
}

type fakeConn struct{ db *fakeDB }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fake: prepare not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *fakeConn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.ReadOnly {
		c.db.record("BEGIN READ ONLY")
	} else {
		c.db.record("BEGIN")
	}
	return &fakeTx{db: c.db}, nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.db.record(query)
	if rest, ok := strings.CutPrefix(query, "DECLARE "); ok {
		name, stmt, _ := strings.Cut(rest, " NO SCROLL CURSOR FOR ")
		res, err := c.db.lookup(stmt)
		if err != nil {
			return nil, err
		}
		c.db.mu.Lock()
		c.db.cursors[name] = &fakeCursor{res: res}
		c.db.mu.Unlock()
	}
	return driver.RowsAffected(0), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.db.record(query)
	var n int
	var name string
	if _, err := fmt.Sscanf(query, "FETCH FORWARD %d FROM %s", &n, &name); err == nil {
		c.db.mu.Lock()
		cur, ok := c.db.cursors[name]
		c.db.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("fake: cursor %s does not exist", name)
		}
		end := min(cur.pos+n, len(cur.res.rows))
		page := &fakeResult{columns: cur.res.columns, types: cur.res.types, scales: cur.res.scales, rows: cur.res.rows[cur.pos:end]}
		cur.pos = end
		return &fakeRows{res: page}, nil
	}
	res, err := c.db.lookup(query)
	if err != nil {
		return nil, err
	}
	return &fakeRows{res: res}, nil
}

type fakeTx struct{ db *fakeDB }

func (t *fakeTx) Commit() error   { t.db.record("COMMIT"); return nil }
func (t *fakeTx) Rollback() error { t.db.record("ROLLBACK"); return nil }

type fakeRows struct {
	res *fakeResult
	pos int
}

func (r *fakeRows) Columns() []string { return r.res.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.res.rows) {
		return io.EOF
	}
	copy(dest, r.res.rows[r.pos])
	r.pos++
	return nil
}

func (r *fakeRows) ColumnTypeDatabaseTypeName(i int) string {
	if i < len(r.res.types) {
		return r.res.types[i]
	}
	return ""
}

func (r *fakeRows) ColumnTypePrecisionScale(i int) (int64, int64, bool) {
	if i < len(r.res.scales) {
		return 38, r.res.scales[i], true
	}
	return 0, 0, false
}
