package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0002_second.up.sql":   {Data: []byte("alter table t add column b text;")},
		"0001_init.up.sql":     {Data: []byte("-- base table\ncreate table t (a text);\ninsert into t values ('x;y');")},
		"0001_init.down.sql":   {Data: []byte("drop table t;")},
		"0002_second.down.sql": {Data: []byte("alter table t drop column b;")},
	}
}

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, testFS()), mock
}

func expectLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("pg_advisory_lock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists ocpihub_schema").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("pg_advisory_unlock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	mgr, mock := newMock(t)
	applied := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	expectLock(mock)
	mock.ExpectQuery("select version, applied_at from ocpihub_schema").
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).AddRow(1, applied))
	mock.ExpectBegin()
	mock.ExpectExec("alter table t add column b text").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into ocpihub_schema").
		WithArgs(2, "second", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	n, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied %d migrations, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	mgr, mock := newMock(t)

	expectLock(mock)
	mock.ExpectQuery("select version, applied_at from ocpihub_schema").
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table t").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()
	expectUnlock(mock)

	n, err := mgr.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_init") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
	if n != 0 {
		t.Fatalf("applied %d, want 0", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	mgr, mock := newMock(t)

	expectLock(mock)
	mock.ExpectQuery("select version from ocpihub_schema order by version desc limit 1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectBegin()
	mock.ExpectExec("alter table t drop column b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from ocpihub_schema where version").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	if err := mgr.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	mgr, mock := newMock(t)

	expectLock(mock)
	mock.ExpectQuery("select version from ocpihub_schema").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	expectUnlock(mock)

	if err := mgr.Down(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestStatusMarksPending(t *testing.T) {
	mgr, mock := newMock(t)
	applied := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	expectLock(mock)
	mock.ExpectQuery("select version, applied_at from ocpihub_schema").
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).AddRow(1, applied))
	expectUnlock(mock)

	st, err := mgr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(st))
	}
	if got := st[0].String(); got != "0001 init applied 2026-01-01T12:00:00Z" {
		t.Fatalf("unexpected status line %q", got)
	}
	if got := st[1].String(); got != "0002 second pending" {
		t.Fatalf("unexpected status line %q", got)
	}
}

func TestLoadValidatesNames(t *testing.T) {
	migs, err := Load(testFS())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migs) != 2 || migs[0].Version != 1 || migs[1].Name != "second" {
		t.Fatalf("unexpected order: %+v", migs)
	}

	if _, err := Load(fstest.MapFS{"init.sql": {Data: []byte("select 1;")}}); err == nil {
		t.Fatal("expected error for unversioned file")
	}
	if _, err := Load(fstest.MapFS{"0003_x.down.sql": {Data: []byte("select 1;")}}); err == nil {
		t.Fatal("expected error for a version without up file")
	}
	if migs, err := Load(nil); err != nil || migs != nil {
		t.Fatalf("Load(nil) = %v, %v", migs, err)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment; not a statement\ncreate table t (a text);\ninsert into t values ('x;y');\n;")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[1] != "insert into t values ('x;y')" {
		t.Fatalf("unexpected statement %q", stmts[1])
	}
}
