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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/tomoncle/bookdb/types"
)

// Opener opens a *sql.DB; sql.Open by default.
type Opener func(driverName, dsn string) (*sql.DB, error)

type ManagerOption func(*defaultDatabaseManager)

// WithOpener replaces sql.Open, typically with a mock in tests.
func WithOpener(opener Opener) ManagerOption {
	return func(dm *defaultDatabaseManager) {
		if opener != nil {
			dm.opener = opener
		}
	}
}

// WithProvisioner replaces the dialect's provisioner.
func WithProvisioner(p Provisioner) ManagerOption {
	return func(dm *defaultDatabaseManager) {
		if p != nil {
			dm.provisioner = p
		}
	}
}

func WithManagerLogger(logger Logger) ManagerOption {
	return func(dm *defaultDatabaseManager) {
		dm.logger = logger
	}
}

type defaultDatabaseManager struct {
	config      *ConnectionConfig
	dbType      types.DatabaseType
	provisioner Provisioner
	opener      Opener
	db          *bun.DB
	sqlDB       *sql.DB
	logger      Logger
	mu          sync.RWMutex
	connected   bool
	lastStats   *DBStats
	cursorMu    sync.Mutex
	cursors     map[*Cursor]struct{}
}

// NewDatabaseManager returns a manager for cfg. If cfg is nil the default
// connection config is used.
func NewDatabaseManager(cfg *ConnectionConfig, opts ...ManagerOption) (AbstractDatabaseManager, error) {
	if cfg == nil {
		cfg = DefaultConnectionConfig()
	}
	dbType := types.ParseDatabaseType(cfg.Type)
	provisioner, err := NewProvisioner(dbType, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	dm := &defaultDatabaseManager{
		config:      cfg,
		dbType:      dbType,
		provisioner: provisioner,
		opener:      sql.Open,
		cursors:     make(map[*Cursor]struct{}),
	}
	for _, opt := range opts {
		opt(dm)
	}
	return dm, nil
}

// Connect opens the pool and pings the server. When the ping fails the pool is
// closed again, so a failed Connect leaves nothing to clean up.
func (dm *defaultDatabaseManager) Connect(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.connected && dm.db != nil {
		return nil
	}

	sqlDB, err := dm.openServer()
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	dm.configureConnectionPool(sqlDB)

	timeout := dm.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Ping before handing the pool to bun: the MySQL dialect queries the
	// server version as soon as it is attached.
	if err := sqlDB.PingContext(ctxTimeout); err != nil {
		if closeErr := sqlDB.Close(); closeErr != nil && dm.logger != nil {
			dm.logger.Warn("Failed to release unreachable connection", "error", closeErr)
		}
		return fmt.Errorf("database connection test failed: %w", err)
	}

	dm.sqlDB, dm.db = sqlDB, dm.attachDialect(sqlDB)
	dm.connected = true
	dm.lastStats = nil

	if dm.logger != nil {
		dm.logger.Info("Database server connected", "type", dm.dbType, "host", dm.config.Host)
	}
	return nil
}

func (dm *defaultDatabaseManager) openServer() (*sql.DB, error) {
	switch dm.dbType {
	case types.MySQL:
		return dm.opener("mysql", dm.mysqlDSN())
	case types.PostgreSQL:
		return dm.opener("postgres", dm.postgresDSN())
	case types.SQLite:
		return dm.opener(sqliteshim.ShimName, "file::memory:")
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dm.config.Type)
	}
}

func (dm *defaultDatabaseManager) attachDialect(sqlDB *sql.DB) *bun.DB {
	var db *bun.DB
	switch dm.dbType {
	case types.PostgreSQL:
		db = bun.NewDB(sqlDB, pgdialect.New())
	case types.SQLite:
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	default:
		db = bun.NewDB(sqlDB, mysqldialect.New())
	}

	hook := &statementHook{
		slowTime: dm.config.SlowQueryTime,
		logger:   dm.getLogger,
		writer:   os.Stderr,
	}
	// bundebug already echoes on BUNDEBUG; only one of the two may print.
	if dm.config.EnableQueryLog {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.FromEnv("BUNDEBUG"),
		))
	} else {
		hook.envName = "BUNDEBUG"
	}
	db.AddQueryHook(hook)
	return db
}

// mysqlDSN points at the server only; the target database does not exist yet.
func (dm *defaultDatabaseManager) mysqlDSN() string {
	port := dm.config.Port
	if port == 0 {
		port = 3306
	}
	c := mysql.NewConfig()
	c.User = dm.config.Username
	c.Passwd = dm.config.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(dm.config.Host, strconv.Itoa(port))
	c.Timeout = dm.config.ConnectTimeout
	c.ReadTimeout = dm.config.ReadTimeout
	c.WriteTimeout = dm.config.WriteTimeout
	c.ParseTime = true
	if dm.config.Charset != "" {
		c.Params = map[string]string{"charset": dm.config.Charset}
	}
	return c.FormatDSN()
}

// postgresDSN connects to the "postgres" maintenance database.
func (dm *defaultDatabaseManager) postgresDSN() string {
	port := dm.config.Port
	if port == 0 {
		port = 5432
	}
	sslMode := dm.config.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	if dm.config.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(dm.config.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dm.config.Username, dm.config.Password),
		Host:     net.JoinHostPort(dm.config.Host, strconv.Itoa(port)),
		Path:     "/postgres",
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (dm *defaultDatabaseManager) configureConnectionPool(sqlDB *sql.DB) {
	if sqlDB == nil {
		return
	}
	maxOpen := dm.config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(dm.config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(dm.config.ConnMaxLifetime)
}

// Disconnect closes open cursors, then the pool. It is a no-op when not
// connected, so the pool is closed at most once per Connect.
func (dm *defaultDatabaseManager) Disconnect() error {
	cursorErr := dm.closeCursors()

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.db == nil {
		return cursorErr
	}

	err := dm.db.Close()
	dm.lastStats = newDBStats(dm.sqlDB.Stats())
	dm.db = nil
	dm.sqlDB = nil
	dm.connected = false

	if dm.logger != nil {
		if err != nil {
			dm.logger.Error("Failed to close database connection", "error", err)
		} else {
			dm.logger.Info("Database connection closed", "open_conns", dm.lastStats.OpenConns)
		}
	}
	return errors.Join(cursorErr, err)
}

func (dm *defaultDatabaseManager) closeCursors() error {
	dm.cursorMu.Lock()
	open := make([]*Cursor, 0, len(dm.cursors))
	for c := range dm.cursors {
		open = append(open, c)
	}
	dm.cursorMu.Unlock()

	var errs []error
	for _, c := range open {
		if dm.logger != nil {
			dm.logger.Warn("Closing cursor left open before disconnect")
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cursor: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (dm *defaultDatabaseManager) releaseCursor(c *Cursor) {
	dm.cursorMu.Lock()
	defer dm.cursorMu.Unlock()
	delete(dm.cursors, c)
}

// Cursor checks a connection out of the pool.
func (dm *defaultDatabaseManager) Cursor(ctx context.Context) (*Cursor, error) {
	dm.mu.RLock()
	db := dm.db
	connected := dm.connected
	dm.mu.RUnlock()

	if !connected || db == nil {
		return nil, ErrNotConnected
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cursor: %w", err)
	}

	c := &Cursor{conn: conn, release: dm.releaseCursor, logger: dm.getLogger}
	dm.cursorMu.Lock()
	dm.cursors[c] = struct{}{}
	dm.cursorMu.Unlock()
	return c, nil
}

func (dm *defaultDatabaseManager) Ping(ctx context.Context) error {
	dm.mu.RLock()
	db := dm.db
	dm.mu.RUnlock()

	if db == nil {
		return ErrNotConnected
	}
	return db.PingContext(ctx)
}

func (dm *defaultDatabaseManager) IsConnected() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.connected && dm.db != nil
}

func (dm *defaultDatabaseManager) Provisioner() Provisioner {
	return dm.provisioner
}

func (dm *defaultDatabaseManager) Type() types.DatabaseType {
	return dm.dbType
}

func (dm *defaultDatabaseManager) GetDB() *bun.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.db
}

func (dm *defaultDatabaseManager) GetSQLDB() *sql.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.sqlDB
}

// GetStats returns live pool statistics, or the snapshot taken when the pool
// was last closed.
func (dm *defaultDatabaseManager) GetStats() *DBStats {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.sqlDB != nil {
		return newDBStats(dm.sqlDB.Stats())
	}
	if dm.lastStats != nil {
		s := *dm.lastStats
		return &s
	}
	return &DBStats{}
}

func (dm *defaultDatabaseManager) SetLogger(logger Logger) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.logger = logger
}

func (dm *defaultDatabaseManager) getLogger() Logger {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.logger
}
