/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bookdb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/tomoncle/bookdb/database"
)

const createStmt = "CREATE DATABASE IF NOT EXISTS alx_book_store"

func clearDBEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DB_TYPE", "DB_HOST", "DB_PORT", "DB_USERNAME", "DB_NAME", "DB_DATA_DIR", "DB_SSLMODE", "DB_CONNECT_TIMEOUT", "DB_ENABLE_QUERY_LOG"} {
		t.Setenv(key, "")
	}
	t.Setenv("DB_PASSWORD", database.DefaultPassword)
}

func newMockInitializer(t *testing.T, monitorPings bool) (*DatabaseInitializer, sqlmock.Sqlmock, *bytes.Buffer) {
	t.Helper()
	clearDBEnv(t)

	var (
		db   *sql.DB
		mock sqlmock.Sqlmock
		err  error
	)
	if monitorPings {
		db, mock, err = sqlmock.New(sqlmock.MonitorPingsOption(true))
	} else {
		db, mock, err = sqlmock.New()
	}
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	var out bytes.Buffer
	d := NewDatabaseInitializer(
		WithOutput(&out),
		WithLogger(database.NopLogger{}),
		WithManagerOptions(database.WithOpener(func(driverName, dsn string) (*sql.DB, error) {
			if driverName != "mysql" {
				t.Errorf("driver = %q, want mysql", driverName)
			}
			return db, nil
		})),
	)
	return d, mock, &out
}

func sqliteInitializer(t *testing.T, dir string) (*DatabaseInitializer, *bytes.Buffer) {
	t.Helper()
	clearDBEnv(t)

	cfg := database.DefaultConnectionConfig()
	cfg.Type = "sqlite"
	cfg.DataDir = dir

	var out bytes.Buffer
	return NewDatabaseInitializer(WithConfig(cfg), WithOutput(&out), WithLogger(database.NopLogger{})), &out
}

func lines(out *bytes.Buffer) []string {
	return strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
}

func TestProvisionMySQLCreatesDatabase(t *testing.T) {
	d, mock, out := newMockInitializer(t, false)
	mock.ExpectExec(regexp.QuoteMeta(createStmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	res := d.Provision(context.Background())

	if !res.OK() || !res.Created || res.Existed {
		t.Fatalf("unexpected result: %+v errors=%v", res, res.Errors)
	}
	if res.Statement != createStmt {
		t.Errorf("statement = %q, want %q", res.Statement, createStmt)
	}
	if !res.Connected || !res.Closed {
		t.Errorf("connected=%v closed=%v, want both true", res.Connected, res.Closed)
	}
	if res.Stats == nil || res.Stats.OpenConns != 0 {
		t.Errorf("stats = %+v, want no open connections", res.Stats)
	}
	want := []string{
		"Database 'alx_book_store' created successfully!",
		"MySQL connection is closed",
	}
	if got := lines(out); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("output = %q, want %q", got, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProvisionMySQLExistingDatabase(t *testing.T) {
	d, mock, out := newMockInitializer(t, false)
	mock.ExpectExec(regexp.QuoteMeta(createStmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	res := d.Provision(context.Background())

	if !res.OK() || res.Created || !res.Existed {
		t.Fatalf("unexpected result: %+v errors=%v", res, res.Errors)
	}
	if !strings.Contains(out.String(), "created successfully!") {
		t.Errorf("missing success line in %q", out.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProvisionConnectionError(t *testing.T) {
	d, mock, out := newMockInitializer(t, true)
	mock.ExpectPing().WillReturnError(&mysql.MySQLError{Number: 2003, Message: "Can't connect to MySQL server on 'localhost:3306'"})
	mock.ExpectClose()

	res := d.Provision(context.Background())

	if res.Connected || res.Closed {
		t.Errorf("connected=%v closed=%v, want both false", res.Connected, res.Closed)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != database.ConnectionError {
		t.Fatalf("errors = %v, want one connection error", res.Errors)
	}
	got := lines(out)
	if len(got) != 1 || !strings.HasPrefix(got[0], "Error while connecting to MySQL: ") {
		t.Errorf("output = %q", got)
	}
	if strings.Contains(out.String(), "connection is closed") {
		t.Errorf("closure reported for a connection that never opened: %q", out.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProvisionUnreachableServer(t *testing.T) {
	clearDBEnv(t)
	cfg := database.DefaultConnectionConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1
	cfg.ConnectTimeout = 2 * time.Second

	var out bytes.Buffer
	d := NewDatabaseInitializer(WithConfig(cfg), WithOutput(&out), WithLogger(database.NopLogger{}))

	res := d.Provision(context.Background())

	if res.Err(database.ConnectionError) == nil {
		t.Fatalf("expected a connection error, got %v", res.Errors)
	}
	if !strings.HasPrefix(out.String(), "Error while connecting to MySQL: ") {
		t.Errorf("output = %q", out.String())
	}
	if res.Stats == nil || res.Stats.OpenConns != 0 {
		t.Errorf("stats = %+v, want no open connections", res.Stats)
	}
}

func TestProvisionStatementError(t *testing.T) {
	d, mock, out := newMockInitializer(t, false)
	mock.ExpectExec(regexp.QuoteMeta(createStmt)).
		WillReturnError(&mysql.MySQLError{Number: 1044, Message: "Access denied for user 'root'@'localhost' to database 'alx_book_store'"})
	mock.ExpectClose()

	res := d.Provision(context.Background())

	if res.OK() {
		t.Fatal("expected failure")
	}
	stmtErr := res.Err(database.StatementError)
	if stmtErr == nil || res.Err(database.ConnectionError) != nil {
		t.Fatalf("errors = %v, want only a statement error", res.Errors)
	}
	var mysqlErr *mysql.MySQLError
	if !errors.As(stmtErr, &mysqlErr) || mysqlErr.Number != 1044 {
		t.Errorf("statement error does not wrap the driver error: %v", stmtErr)
	}
	got := lines(out)
	if len(got) != 2 {
		t.Fatalf("output = %q, want two lines", got)
	}
	if !strings.HasPrefix(got[0], "Error while creating database 'alx_book_store': ") {
		t.Errorf("line 1 = %q", got[0])
	}
	if got[1] != "MySQL connection is closed" {
		t.Errorf("line 2 = %q", got[1])
	}
	if !res.Closed {
		t.Error("connection not closed after statement error")
	}
	if res.Stats == nil || res.Stats.OpenConns != 0 {
		t.Errorf("stats = %+v, want no open connections", res.Stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProvisionCleanupError(t *testing.T) {
	d, mock, out := newMockInitializer(t, false)
	mock.ExpectExec(regexp.QuoteMeta(createStmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose().WillReturnError(errors.New("broken pipe"))

	res := d.Provision(context.Background())

	if !res.Created {
		t.Error("database should be reported as created")
	}
	if res.Err(database.CleanupError) == nil {
		t.Fatalf("errors = %v, want a cleanup error", res.Errors)
	}
	want := []string{
		"Database 'alx_book_store' created successfully!",
		"Error while closing MySQL connection: broken pipe",
	}
	if got := lines(out); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("output = %q, want %q", got, want)
	}
	if !res.Closed {
		t.Error("handle should be released even when close fails")
	}
}

// connClosingProvisioner hands the connection back behind the cursor's back,
// so releasing the cursor afterwards fails.
type connClosingProvisioner struct{}

func (connClosingProvisioner) Statement(string) string { return createStmt }

func (connClosingProvisioner) Provision(_ context.Context, cur *database.Cursor, _ string) (bool, error) {
	return true, cur.Conn().Close()
}

func TestProvisionCursorCloseError(t *testing.T) {
	d, mock, out := newMockInitializer(t, false)
	WithManagerOptions(database.WithProvisioner(connClosingProvisioner{}))(d)
	mock.ExpectClose()

	res := d.Provision(context.Background())

	cleanupErr := res.Err(database.CleanupError)
	if cleanupErr == nil || !errors.Is(cleanupErr, sql.ErrConnDone) {
		t.Fatalf("errors = %v, want a cleanup error for the cursor", res.Errors)
	}
	if res.Err(database.StatementError) != nil || res.Err(database.ConnectionError) != nil {
		t.Errorf("errors = %v, want only the cleanup error", res.Errors)
	}
	want := []string{
		"Database 'alx_book_store' created successfully!",
		"Error while closing MySQL connection: " + sql.ErrConnDone.Error(),
		"MySQL connection is closed",
	}
	if got := lines(out); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("output = %q, want %q", got, want)
	}
	if !res.Closed || res.Stats == nil || res.Stats.OpenConns != 0 {
		t.Errorf("closed=%v stats=%+v, want the connection released", res.Closed, res.Stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProvisionRecoversPanic(t *testing.T) {
	clearDBEnv(t)
	var out bytes.Buffer
	d := NewDatabaseInitializer(
		WithOutput(&out),
		WithLogger(database.NopLogger{}),
		WithManagerOptions(database.WithOpener(func(string, string) (*sql.DB, error) {
			panic("boom")
		})),
	)

	res := d.Provision(context.Background())

	if res == nil {
		t.Fatal("Provision returned no result after a recovered panic")
	}
	if res.Err(database.UnexpectedError) == nil {
		t.Fatalf("errors = %v, want an unexpected error", res.Errors)
	}
	if res.Connected || res.Closed {
		t.Errorf("connected=%v closed=%v, want both false", res.Connected, res.Closed)
	}
	if res.Stats == nil || res.Stats.OpenConns != 0 {
		t.Errorf("stats = %+v, want no open connections", res.Stats)
	}
	if got := out.String(); got != "Unexpected error: panic: boom\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRunNeverPanics(t *testing.T) {
	clearDBEnv(t)
	d := NewDatabaseInitializer(
		WithOutput(&bytes.Buffer{}),
		WithLogger(database.NopLogger{}),
		WithManagerOptions(database.WithOpener(func(string, string) (*sql.DB, error) {
			return nil, errors.New("driver unavailable")
		})),
	)
	d.Run(context.Background())
}

func TestProvisionInvalidConfig(t *testing.T) {
	clearDBEnv(t)
	cfg := database.DefaultConnectionConfig()
	cfg.Type = "oracle"

	var out bytes.Buffer
	res := NewDatabaseInitializer(WithConfig(cfg), WithOutput(&out), WithLogger(database.NopLogger{})).Provision(context.Background())

	if res.Err(database.UnexpectedError) == nil {
		t.Fatalf("errors = %v, want an unexpected error", res.Errors)
	}
	if !strings.HasPrefix(out.String(), "Unexpected error: unsupported database type: oracle") {
		t.Errorf("output = %q", out.String())
	}
}

func TestProvisionDoesNotMutateConfig(t *testing.T) {
	clearDBEnv(t)
	t.Setenv("DB_HOST", "db.internal")

	cfg := database.DefaultConnectionConfig()
	cfg.Type = "oracle"
	NewDatabaseInitializer(WithConfig(cfg), WithOutput(&bytes.Buffer{}), WithLogger(database.NopLogger{})).Run(context.Background())

	if cfg.Host != database.DefaultHost {
		t.Errorf("host = %q, caller config was modified", cfg.Host)
	}
}

func TestProvisionSQLiteCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	d, out := sqliteInitializer(t, dir)

	res := d.Provision(context.Background())

	if !res.OK() || !res.Created {
		t.Fatalf("unexpected result: %+v errors=%v", res, res.Errors)
	}
	if _, err := os.Stat(filepath.Join(dir, "alx_book_store.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	want := []string{
		"Database 'alx_book_store' created successfully!",
		"SQLite connection is closed",
	}
	if got := lines(out); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("output = %q, want %q", got, want)
	}
	if res.Stats == nil || res.Stats.OpenConns != 0 {
		t.Errorf("stats = %+v, want no open connections", res.Stats)
	}
}

func TestProvisionSQLiteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	d, out := sqliteInitializer(t, dir)

	first := d.Provision(context.Background())
	second := d.Provision(context.Background())

	if !first.OK() || !first.Created {
		t.Fatalf("first run: %+v errors=%v", first, first.Errors)
	}
	if !second.OK() || second.Created || !second.Existed {
		t.Fatalf("second run: %+v errors=%v", second, second.Errors)
	}
	if first.RunID == second.RunID {
		t.Error("run ids should differ between invocations")
	}
	if n := strings.Count(out.String(), "SQLite connection is closed"); n != 2 {
		t.Errorf("closure reported %d times, want 2", n)
	}
	if second.Stats.OpenConns != 0 {
		t.Errorf("open connections after second run = %d", second.Stats.OpenConns)
	}
}
