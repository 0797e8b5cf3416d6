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
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/tomoncle/bookdb/database"
	"github.com/tomoncle/bookdb/types"
)

// Result describes one provisioning run. Errors holds every error caught,
// in the order they happened.
type Result struct {
	RunID     string
	Database  string
	Statement string
	Connected bool
	Created   bool
	Existed   bool
	Closed    bool
	Errors    []*database.ProvisionError
	Stats     *database.DBStats
}

// OK reports whether the database is known to exist and nothing failed.
func (r *Result) OK() bool {
	return len(r.Errors) == 0 && (r.Created || r.Existed)
}

// Err returns the first error of the given kind, or nil.
func (r *Result) Err(kind database.ErrorKind) *database.ProvisionError {
	for _, e := range r.Errors {
		if e.Kind == kind {
			return e
		}
	}
	return nil
}

type Option func(*DatabaseInitializer)

// WithConfig replaces the default connection settings. The config is copied
// on every run, so environment overrides never leak back into it.
func WithConfig(cfg *database.ConnectionConfig) Option {
	return func(d *DatabaseInitializer) {
		if cfg != nil {
			d.cfg = cfg
		}
	}
}

// WithOutput sends console lines to w, uncolored.
func WithOutput(w io.Writer) Option {
	return func(d *DatabaseInitializer) {
		if w != nil {
			d.out = w
			d.color = false
		}
	}
}

func WithColor(enabled bool) Option {
	return func(d *DatabaseInitializer) {
		d.color = enabled
	}
}

func WithLogger(logger database.Logger) Option {
	return func(d *DatabaseInitializer) {
		if logger != nil {
			d.logger = logger
			d.factory.SetLogger(logger)
		}
	}
}

// WithManagerOptions passes options through to the database manager.
func WithManagerOptions(opts ...database.ManagerOption) Option {
	return func(d *DatabaseInitializer) {
		d.managerOpts = append(d.managerOpts, opts...)
	}
}

// DatabaseInitializer connects, creates the database if absent and
// disconnects. No error escapes Run; each one is printed where it happens.
type DatabaseInitializer struct {
	cfg         *database.ConnectionConfig
	factory     *database.BaseDatabaseFactory
	managerOpts []database.ManagerOption
	logger      database.Logger
	out         io.Writer
	color       bool
}

func NewDatabaseInitializer(opts ...Option) *DatabaseInitializer {
	d := &DatabaseInitializer{
		cfg:     database.DefaultConnectionConfig(),
		factory: database.NewDatabaseFactory(),
		logger:  database.NewDefaultLogger("BOOKDB"),
		out:     os.Stdout,
		color:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run provisions the database with the default settings.
func Run(ctx context.Context) {
	NewDatabaseInitializer().Run(ctx)
}

// Run provisions the database and discards the result.
func (d *DatabaseInitializer) Run(ctx context.Context) {
	_ = d.Provision(ctx)
}

// Provision runs connect, create and cleanup, and returns what happened.
// Cleanup runs on every path, including panics.
func (d *DatabaseInitializer) Provision(ctx context.Context) (res *Result) {
	cfg := *d.cfg
	res = &Result{RunID: uuid.NewString(), Database: cfg.DBName}
	label := types.ParseDatabaseType(cfg.Type).Desc()

	var (
		manager database.AbstractDatabaseManager
		cursor  *database.Cursor
		err     error
	)
	defer func() { d.cleanup(res, label, manager, cursor) }()
	defer func() {
		if r := recover(); r != nil {
			d.fail(res, label, database.UnexpectedError, "provision", fmt.Errorf("panic: %v", r))
		}
	}()

	manager, err = d.factory.CreateFromConfig(&cfg, d.managerOpts...)
	if err != nil {
		d.fail(res, label, database.UnexpectedError, "configure", err)
		return res
	}
	res.Database = cfg.DBName
	label = manager.Type().Desc()

	d.logger.Debug("Connecting to database server", "run_id", res.RunID, "type", manager.Type(), "host", cfg.Host)
	if err = manager.Connect(ctx); err != nil {
		d.fail(res, label, database.ConnectionError, "connect", err)
		return res
	}
	if !manager.IsConnected() {
		d.fail(res, label, database.ConnectionError, "connect", database.ErrNotConnected)
		return res
	}
	res.Connected = true

	cursor, err = manager.Cursor(ctx)
	if err != nil {
		d.fail(res, label, database.ConnectionError, "cursor", err)
		return res
	}

	provisioner := manager.Provisioner()
	res.Statement = provisioner.Statement(res.Database)
	created, err := provisioner.Provision(ctx, cursor, res.Database)
	if err != nil {
		d.fail(res, label, database.StatementError, "execute", err)
		return res
	}
	res.Created, res.Existed = created, !created

	d.logger.Info("Database provisioned", "run_id", res.RunID, "database", res.Database, "created", created)
	d.println(color.FgGreen, "Database '%s' created successfully!", res.Database)
	return res
}

// cleanup releases the cursor before the connection. Failures are reported,
// never raised.
func (d *DatabaseInitializer) cleanup(res *Result, label string, manager database.AbstractDatabaseManager, cursor *database.Cursor) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(res, label, database.CleanupError, "cleanup", fmt.Errorf("panic: %v", r))
		}
	}()

	if cursor != nil {
		if err := cursor.Close(); err != nil {
			d.fail(res, label, database.CleanupError, "close cursor", err)
		}
	}
	if manager == nil {
		return
	}
	if manager.IsConnected() {
		err := manager.Disconnect()
		res.Closed = true
		if err != nil {
			d.fail(res, label, database.CleanupError, "disconnect", err)
		} else {
			d.println(color.FgCyan, "%s connection is closed", label)
		}
	}
	res.Stats = manager.GetStats()
	d.logger.Debug("Provisioning run finished", "run_id", res.RunID, "open_conns", res.Stats.OpenConns, "errors", len(res.Errors))
}

func (d *DatabaseInitializer) fail(res *Result, label string, kind database.ErrorKind, op string, err error) {
	pe := database.NewProvisionError(kind, op, err)
	res.Errors = append(res.Errors, pe)

	fields := []interface{}{"run_id", res.RunID, "kind", kind, "op", op, "error", err}
	if reason := database.Describe(err); reason != "" {
		fields = append(fields, "reason", reason)
	}
	d.logger.Error("Provisioning step failed", fields...)

	switch kind {
	case database.ConnectionError:
		d.println(color.FgRed, "Error while connecting to %s: %v", label, err)
	case database.StatementError:
		d.println(color.FgRed, "Error while creating database '%s': %v", res.Database, err)
	case database.CleanupError:
		d.println(color.FgYellow, "Error while closing %s connection: %v", label, err)
	default:
		d.println(color.FgRed, "Unexpected error: %v", err)
	}
}

func (d *DatabaseInitializer) println(attr color.Attribute, format string, args ...interface{}) {
	c := color.New(attr)
	if !d.color {
		c.DisableColor()
	}
	_, _ = c.Fprintln(d.out, fmt.Sprintf(format, args...))
}
