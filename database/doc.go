// Package database opens a single server-level connection (no schema
// selected), hands out scoped cursors over it, and provisions a database with
// the statement appropriate for the configured dialect. It also carries the
// configuration types, error classification and logging used along the way.
package database
