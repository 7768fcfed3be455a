// Package store provides the per-session dataset database.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/ashureev/tabletalk/internal/domain"
)

// ErrNoDataset is returned by read operations when nothing has been loaded yet.
var ErrNoDataset = errors.New("no dataset loaded")

// Store defines the operations on a session's dataset database.
// A Store holds at most the tables loaded into it and is owned by a single session.
type Store interface {
	// Load parses delimited tabular data from r and writes it to table,
	// replacing any existing table of the same name.
	Load(ctx context.Context, r io.Reader, table string) (*Handle, error)

	// Drop removes table. Dropping a table that does not exist is not an error.
	// When the last table is dropped the backing file is removed.
	Drop(ctx context.Context, table string) error

	// Tables lists the tables currently stored.
	Tables(ctx context.Context) ([]string, error)

	// Columns describes the columns of table in declaration order.
	Columns(ctx context.Context, table string) ([]domain.Column, error)

	// SampleRows returns up to n rows of table.
	SampleRows(ctx context.Context, table string, n int) (*QueryResult, error)

	// Query runs a single read-only statement and returns at most limit rows.
	Query(ctx context.Context, query string, limit int) (*QueryResult, error)

	// Explain compiles query without running it and reports any error.
	Explain(ctx context.Context, query string) error

	// Generation returns the load generation of table, or 0 if it does not exist.
	Generation(table string) uint64

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Handle identifies one successful load of a table.
type Handle struct {
	Table      string
	Columns    []domain.Column
	Rows       int
	Generation uint64
}
