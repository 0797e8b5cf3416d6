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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/uptrace/bun"

	"github.com/tomoncle/bookdb/types"
)

var dbNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidateDBName accepts plain identifiers only, so names can be written into
// statements without quoting.
func ValidateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDBName, name)
	}
	return nil
}

// Provisioner creates a database idempotently over a cursor. created is false
// when the database was already there.
type Provisioner interface {
	Statement(name string) string
	Provision(ctx context.Context, cur *Cursor, name string) (created bool, err error)
}

// NewProvisioner returns the provisioner for the dialect. dataDir is only used
// by SQLite, where a database is a file.
func NewProvisioner(dbType types.DatabaseType, dataDir string) (Provisioner, error) {
	switch dbType {
	case types.MySQL:
		return mysqlProvisioner{}, nil
	case types.PostgreSQL:
		return postgresProvisioner{}, nil
	case types.SQLite:
		return sqliteProvisioner{dataDir: dataDir}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

type mysqlProvisioner struct{}

func (mysqlProvisioner) Statement(name string) string {
	return "CREATE DATABASE IF NOT EXISTS " + name
}

// MySQL reports one affected row when the database was created and zero, with
// a warning, when it already existed. Without a row count the database is
// known to exist but not known to be new, so it is reported as not created.
func (p mysqlProvisioner) Provision(ctx context.Context, cur *Cursor, name string) (bool, error) {
	res, err := cur.ExecContext(ctx, p.Statement(name))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		cur.log().Warn("Affected rows unavailable, assuming database already existed", "database", name, "error", err)
		return false, nil
	}
	return n > 0, nil
}

type postgresProvisioner struct{}

func (postgresProvisioner) Statement(name string) string {
	return "CREATE DATABASE " + name
}

func (p postgresProvisioner) Provision(ctx context.Context, cur *Cursor, name string) (bool, error) {
	var exists bool
	err := cur.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = ?)", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if database exists: %w", err)
	}
	if exists {
		return false, nil
	}
	if _, err := cur.ExecContext(ctx, p.Statement(name)); err != nil {
		// Lost a race with a concurrent run.
		if _, sqlErr := IsSqlError(err); sqlErr == DatabaseExistsErr {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type sqliteProvisioner struct {
	dataDir string
}

func (p sqliteProvisioner) path(name string) string {
	return filepath.Join(p.dataDir, name+".db")
}

func (p sqliteProvisioner) Statement(name string) string {
	return fmt.Sprintf("ATTACH DATABASE '%s' AS %s", p.path(name), name)
}

// Attaching a missing file creates it; the schema is detached again right away
// so the server connection stays clean.
func (p sqliteProvisioner) Provision(ctx context.Context, cur *Cursor, name string) (bool, error) {
	_, statErr := os.Stat(p.path(name))
	existed := statErr == nil
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return false, statErr
	}
	if _, err := cur.ExecContext(ctx, "ATTACH DATABASE ? AS ?", p.path(name), bun.Ident(name)); err != nil {
		return false, err
	}
	if _, err := cur.ExecContext(ctx, "DETACH DATABASE ?", bun.Ident(name)); err != nil {
		return false, err
	}
	return !existed, nil
}
