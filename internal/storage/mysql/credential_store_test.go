package mysql

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"OpenCGM-Host/deploy/migrations"
	xerrors "OpenCGM-Host/internal/errors"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer(bytes.Repeat([]byte{7}, KeySize))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return sealer
}

func TestSealerBindsAssociatedData(t *testing.T) {
	t.Parallel()
	sealer := testSealer(t)

	sealed, err := sealer.Seal([]byte("token"), aad("com.example.a", "api"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plain, err := sealer.Open(sealed, aad("com.example.a", "api"))
	if err != nil || string(plain) != "token" {
		t.Fatalf("open: %q %v", plain, err)
	}
	if _, err := sealer.Open(sealed, aad("com.example.b", "api")); err == nil {
		t.Fatal("expected open to fail for another namespace")
	}
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Fatal("expected short key to be rejected")
	}
}

func TestCredentialStorePut(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO plugin_credentials (namespace, name, secret, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE secret = VALUES(secret), updated_at = VALUES(updated_at)`, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)

	store := newCredentialStore(db, testSealer(t))
	store.now = func() time.Time { return time.Unix(100, 0) }
	if err := store.Put(context.Background(), "com.example.a", "api", []byte("token")); err != nil {
		t.Fatalf("put: %v", err)
	}
	args := drv.lastArgs()
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(args))
	}
	if sealed, ok := args[2].Value.([]byte); !ok || bytes.Contains(sealed, []byte("token")) {
		t.Fatalf("secret must be sealed before storage, got %v", args[2].Value)
	}
}

func TestCredentialStoreGet(t *testing.T) {
	sealer := testSealer(t)
	sealed, err := sealer.Seal([]byte("token"), aad("com.example.a", "api"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT secret FROM plugin_credentials WHERE namespace = ? AND name = ?`, mockRowsData{
			columns: []string{"secret"},
			values:  [][]driver.Value{{sealed}},
		}),
		queryOp(`SELECT secret FROM plugin_credentials WHERE namespace = ? AND name = ?`, mockRowsData{
			columns: []string{"secret"},
		}),
	})
	defer drv.assertConsumed(t)

	store := newCredentialStore(db, sealer)
	got, err := store.Get(context.Background(), "com.example.a", "api")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "token" {
		t.Fatalf("unexpected secret %q", got)
	}

	_, err = store.Get(context.Background(), "com.example.a", "missing")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestCredentialStoreDelete(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`DELETE FROM plugin_credentials WHERE namespace = ? AND name = ?`, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)

	store := newCredentialStore(db, testSealer(t))
	if err := store.Delete(context.Background(), "com.example.a", "api"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestCredentialStoreMigrateSchema(t *testing.T) {
	ops := []mockOperation{
		execOp(createSchemaLedger, mockResult{}),
		queryOp(selectSchemaVersions, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(embeddedStatement(t), mockResult{}),
		execOp(recordSchemaVersion, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)

	store := newCredentialStore(db, testSealer(t))
	if err := store.migrateSchema(context.Background()); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
}

func TestCredentialStoreSkipsAppliedSchema(t *testing.T) {
	ops := []mockOperation{
		execOp(createSchemaLedger, mockResult{}),
		queryOp(selectSchemaVersions, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{int64(1)}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)

	store := newCredentialStore(db, testSealer(t))
	if err := store.migrateSchema(context.Background()); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
}

func TestLoadSchemaScripts(t *testing.T) {
	t.Parallel()

	scripts, err := loadSchemaScripts(fstest.MapFS{
		"0010_rotation.sql": {Data: []byte("-- key rotation\nALTER TABLE plugin_credentials ADD COLUMN key_id INT;\n")},
		"0002_index.sql":    {Data: []byte("CREATE INDEX a ON t (x);\nCREATE INDEX b ON t (y);")},
		"0003_empty.sql":    {Data: []byte("-- nothing yet\n")},
		"README.md":         {Data: []byte("not sql")},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(scripts) != 2 || scripts[0].version != 2 || scripts[1].version != 10 {
		t.Fatalf("unexpected order: %+v", scripts)
	}
	if len(scripts[0].statements) != 2 {
		t.Fatalf("expected two statements, got %q", scripts[0].statements)
	}
	if got := scripts[1].statements; len(got) != 1 || strings.Contains(got[0], "--") {
		t.Fatalf("comment lines should be dropped, got %q", got)
	}

	_, err = loadSchemaScripts(fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":    {Data: []byte("SELECT 2;")},
	})
	if !errors.Is(err, errSchemaScript) {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
	_, err = loadSchemaScripts(fstest.MapFS{"initial.sql": {Data: []byte("SELECT 1;")}})
	if !errors.Is(err, errSchemaScript) {
		t.Fatalf("expected missing version error, got %v", err)
	}
}

func embeddedStatement(t *testing.T) string {
	t.Helper()
	scripts, err := loadSchemaScripts(migrations.Files)
	if err != nil {
		t.Fatalf("load schema scripts: %v", err)
	}
	if len(scripts) != 1 || scripts[0].version != 1 || len(scripts[0].statements) != 1 {
		t.Fatalf("unexpected schema scripts: %+v", scripts)
	}
	return scripts[0].statements[0]
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
	ops  []mockOperation
	idx  int32
	args atomic.Value
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
	t.Cleanup(func() { db.Close() })
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

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) lastArgs() []driver.NamedValue {
	args, _ := d.args.Load().([]driver.NamedValue)
	return args
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

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	c.driver.args.Store(args)
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	c.driver.args.Store(args)
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

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
