// Package bookdb provisions the alx_book_store database: it connects to the
// server, runs one idempotent create statement and always releases the
// connection, reporting every outcome on the console instead of returning it.
package bookdb
