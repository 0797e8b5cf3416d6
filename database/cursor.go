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
	"sync"

	"github.com/uptrace/bun"
)

// Cursor is a single connection checked out of the manager's pool. It must be
// closed before the manager disconnects; Disconnect closes any left open.
type Cursor struct {
	conn    bun.Conn
	release func(*Cursor)
	logger  func() Logger
	mu      sync.Mutex
	closed  bool
}

// Row is the result of QueryRowContext. A query on a closed cursor yields a
// Row whose Scan returns ErrCursorClosed.
type Row struct {
	row *sql.Row
	err error
}

func (r *Row) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

// Conn exposes the underlying connection for bun query builders.
func (c *Cursor) Conn() bun.Conn {
	return c.conn
}

func (c *Cursor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if c.isClosed() {
		return nil, ErrCursorClosed
	}
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *Cursor) QueryRowContext(ctx context.Context, query string, args ...interface{}) *Row {
	if c.isClosed() {
		return &Row{err: ErrCursorClosed}
	}
	return &Row{row: c.conn.QueryRowContext(ctx, query, args...)}
}

func (c *Cursor) log() Logger {
	if c.logger != nil {
		if l := c.logger(); l != nil {
			return l
		}
	}
	return NopLogger{}
}

func (c *Cursor) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close returns the connection to the pool. Calling it again is a no-op.
func (c *Cursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	if c.release != nil {
		c.release(c)
	}
	return err
}
