package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/tabletalk/internal/domain"
	"github.com/ashureev/tabletalk/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	insertBatchSize = 500
	// SQLite rejects statements with more than 32766 bound parameters.
	maxBoundParams = 32000
)

// SQLiteStore implements Store using one SQLite file per session.
// The file is created on the first Load and removed once the last table is dropped.
type SQLiteStore struct {
	path string

	mu          sync.Mutex // guards db, generations and nextGen
	db          *sql.DB
	generations map[string]uint64
	nextGen     uint64
}

// NewSQLite creates a dataset store backed by the SQLite file at dbPath.
// No file is created until data is loaded.
func NewSQLite(dbPath string) (Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	return &SQLiteStore{
		path:        dbPath,
		generations: make(map[string]uint64),
	}, nil
}

// Path returns the location of the backing database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// openLocked opens the database on first use. Caller must hold s.mu.
func (s *SQLiteStore) openLocked() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + s.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer per session; a small pool keeps query_only connections isolated.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			slog.Warn("failed to close database after ping failure", "error", closeErr)
		}
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s.db = db
	return db, nil
}

func (s *SQLiteStore) current() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Load parses r as CSV and overwrites table with its contents.
func (s *SQLiteStore) Load(ctx context.Context, r io.Reader, table string) (*Handle, error) {
	if table == "" {
		return nil, fmt.Errorf("table name cannot be empty")
	}

	parsed, err := parseCSV(r)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openLocked()
	if err != nil {
		return nil, err
	}

	if err := writeTable(ctx, db, table, parsed); err != nil {
		return nil, err
	}

	s.nextGen++
	s.generations[table] = s.nextGen

	slog.Debug("Dataset table loaded",
		"table", table,
		"columns", len(parsed.columns),
		"rows", len(parsed.rows),
		"generation", s.nextGen)

	return &Handle{
		Table:      table,
		Columns:    parsed.columns,
		Rows:       len(parsed.rows),
		Generation: s.nextGen,
	}, nil
}

func writeTable(ctx context.Context, db *sql.DB, table string, parsed *parsedTable) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback load transaction", "table", table, "error", rbErr)
			}
		}
	}()

	quoted := QuoteIdent(table)
	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return fmt.Errorf("drop previous table: %w", err)
	}

	defs := make([]string, len(parsed.columns))
	for i, c := range parsed.columns {
		defs[i] = QuoteIdent(c.Name) + " " + c.Type
	}
	if _, err = tx.ExecContext(ctx, "CREATE TABLE "+quoted+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	if len(parsed.rows) > 0 {
		if err = insertRows(ctx, tx, quoted, len(parsed.columns), parsed.rows); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit load transaction: %w", err)
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, quoted string, width int, rows [][]any) error {
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"

	batchSize := max(1, min(insertBatchSize, maxBoundParams/width))
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batch := rows[start:end]

		values := make([]string, len(batch))
		args := make([]any, 0, len(batch)*width)
		for i, row := range batch {
			values[i] = placeholders
			args = append(args, row...)
		}

		query := "INSERT INTO " + quoted + " VALUES " + strings.Join(values, ", ")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert rows %d-%d: %w", start+1, end, err)
		}
	}
	return nil
}

// Drop removes table and, when it was the last one, the database file.
func (s *SQLiteStore) Drop(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.generations, table)
	if s.db == nil {
		return s.removeFilesLocked()
	}

	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, "drop_table", func() error {
		_, execErr := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(table))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}

	remaining, err := listTables(ctx, s.db)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}

	if err := s.db.Close(); err != nil {
		slog.Warn("failed to close dataset database", "path", s.path, "error", err)
	}
	s.db = nil
	return s.removeFilesLocked()
}

func (s *SQLiteStore) removeFilesLocked() error {
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove database file: %w", err)
		}
	}
	return nil
}

// Tables lists stored tables in name order.
func (s *SQLiteStore) Tables(ctx context.Context) ([]string, error) {
	db := s.current()
	if db == nil {
		return nil, nil
	}
	return listTables(ctx, db)
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close table list rows", "error", closeErr)
		}
	}()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

// Columns describes table using PRAGMA table_info.
func (s *SQLiteStore) Columns(ctx context.Context, table string) ([]domain.Column, error) {
	db := s.current()
	if db == nil {
		return nil, ErrNoDataset
	}

	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close table_info rows", "error", closeErr)
		}
	}()

	var columns []domain.Column
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, domain.Column{Name: name, Type: typ})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return columns, nil
}

// SampleRows returns up to n rows from table.
func (s *SQLiteStore) SampleRows(ctx context.Context, table string, n int) (*QueryResult, error) {
	db := s.current()
	if db == nil {
		return nil, ErrNoDataset
	}
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+QuoteIdent(table)+" LIMIT "+strconv.Itoa(n))
	if err != nil {
		return nil, fmt.Errorf("sample table %s: %w", table, err)
	}
	return collectRows(rows, n)
}

// Query runs a single SELECT-style statement on a connection with query_only enabled.
func (s *SQLiteStore) Query(ctx context.Context, query string, limit int) (*QueryResult, error) {
	stmt, err := readOnlyStatement(query)
	if err != nil {
		return nil, err
	}

	var result *QueryResult
	err = s.withReadOnlyConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("run query: %w", err)
		}
		result, err = collectRows(rows, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Explain compiles query with EXPLAIN on a read-only connection.
func (s *SQLiteStore) Explain(ctx context.Context, query string) error {
	stmt, err := readOnlyStatement(query)
	if err != nil {
		return err
	}
	return s.withReadOnlyConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, "EXPLAIN "+stmt)
		if err != nil {
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}
		return nil
	})
}

func (s *SQLiteStore) withReadOnlyConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	db := s.current()
	if db == nil {
		return ErrNoDataset
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		if _, resetErr := conn.ExecContext(context.Background(), "PRAGMA query_only = OFF"); resetErr != nil {
			slog.Warn("failed to reset query_only", "error", resetErr)
		}
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("failed to release connection", "error", closeErr)
		}
	}()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return fmt.Errorf("enable query_only: %w", err)
	}
	return fn(conn)
}

// Generation returns the load generation of table.
func (s *SQLiteStore) Generation(table string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[table]
}

// Ping verifies database connectivity. An unopened store is healthy.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	db := s.current()
	if db == nil {
		return nil
	}
	return db.PingContext(ctx)
}

// Close closes the database connection without removing data.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// QuoteIdent quotes name as an SQLite identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
