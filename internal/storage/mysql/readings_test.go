package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"Fortune-Oracle/deploy/migrations"
	"Fortune-Oracle/internal/storage"
	"Fortune-Oracle/internal/storage/sqlmigrate"
	"Fortune-Oracle/internal/storage/sqlstore"
)

func TestPrepareRunsMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(sqlmigrate.CreateTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
	}
	for _, statements := range migrationStatements() {
		ops = append(ops, beginOp())
		for _, stmt := range statements {
			ops = append(ops, execOp(stmt, mockResult{rowsAffected: 0}))
		}
		ops = append(ops,
			execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if _, err := prepare(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestPrepareLowercasesStoredSenders(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(sqlmigrate.CreateTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(`UPDATE readings SET sender = LOWER(TRIM(sender))`, mockResult{rowsAffected: 2}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if _, err := prepare(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	if got := driver.lastArgs[0]; got != "0002" {
		t.Fatalf("expected version 0002 recorded, got %v", got)
	}
}

func TestPrepareSkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(sqlmigrate.CreateTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}, {"0002"}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if _, err := prepare(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestPrepareRollsBackFailedMigration(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(sqlmigrate.CreateTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		{typ: opExec, query: readMigrationStatement(), err: errors.New("syntax error")},
		rollbackOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if _, err := prepare(context.Background(), db); err == nil {
		t.Fatal("expected migration error")
	}
}

func TestReadingStoreSave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertReadingSQL(), mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := sqlstore.New(db)
	err := store.Save(context.Background(), storage.ReadingRecord{
		ID:             "4f9c2f1e-0000-4000-8000-000000000001",
		Sender:         " 0xABC ",
		Source:         "submit",
		Lots:           []int64{1, 2, 3},
		Sum:            "6",
		PhraseIndex:    3,
		Interpretation: "Lots [1, 2, 3] have been cast. Focus on your health and well-being.",
		CreatedAt:      1,
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if got := driver.lastArgs[4]; got != "[1,2,3]" {
		t.Fatalf("lots should be stored as json, got %v", got)
	}
	if got := driver.lastArgs[2]; got != "0xabc" {
		t.Fatalf("sender should be stored lowercase, got %v", got)
	}
}

func TestReadingStoreListQueries(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: readingColumns(),
		values: [][]driver.Value{
			{"b", "", "0xabc", "http", "[15]", "15", int64(0), "Lots [15] have been cast. Great fortune awaits!", int64(20)},
			{"a", "env-1", "0xabc", "submit", "[]", "0", int64(4), "Lots [] have been cast. Financial gains are on the horizon.", int64(10)},
		},
	}

	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT id, envelope_id, sender, source, lots, lot_sum, phrase_index, interpretation, created_at
    FROM readings ORDER BY created_at DESC, id DESC LIMIT ?`, rows),
		queryOp(`SELECT id, envelope_id, sender, source, lots, lot_sum, phrase_index, interpretation, created_at
    FROM readings WHERE sender = ? ORDER BY created_at DESC, id DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := sqlstore.New(db)
	list, err := store.ListLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[0].Lots[0] != 15 || len(list[1].Lots) != 0 {
		t.Fatalf("unexpected list: %+v", list)
	}

	list, err = store.ListBySender(context.Background(), "0xABC", 0)
	if err != nil {
		t.Fatalf("list by sender failed: %v", err)
	}
	if got := driver.lastArgs[0]; got != "0xabc" {
		t.Fatalf("sender query should be lowercase, got %v", got)
	}
	if len(list) != 2 || list[1].EnvelopeID != "env-1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func insertReadingSQL() string {
	return `INSERT INTO readings
    (id, envelope_id, sender, source, lots, lot_sum, phrase_index, interpretation, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func readingColumns() []string {
	return []string{"id", "envelope_id", "sender", "source", "lots", "lot_sum", "phrase_index", "interpretation", "created_at"}
}

func readMigrationStatement() string {
	return migrationStatements()[0][0]
}

func migrationStatements() [][]string {
	list, err := sqlmigrate.Load(migrations.Files)
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	out := make([][]string, 0, len(list))
	for _, m := range list {
		if len(m.Statements) == 0 {
			panic("no statements in migration " + m.Version)
		}
		out = append(out, m.Statements)
	}
	return out
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops      []mockOperation
	idx      int32
	lastArgs []driver.Value
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	c.driver.lastArgs = c.driver.lastArgs[:0]
	for _, arg := range args {
		c.driver.lastArgs = append(c.driver.lastArgs, arg.Value)
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	c.driver.lastArgs = c.driver.lastArgs[:0]
	for _, arg := range args {
		c.driver.lastArgs = append(c.driver.lastArgs, arg.Value)
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
