package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements Store on a single SQLite cell table
type SQLiteStore struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Scan returns one page of rows in key order
func (s *SQLiteStore) Scan(ctx context.Context, table string, opts ScanOptions) (*Page, error) {
	limit := pageLimit(opts)

	var (
		conds = []string{"tbl = ?"}
		args  = []interface{}{table}
	)
	if start, exclusive := startKey(opts); len(start) > 0 {
		if exclusive {
			conds = append(conds, "row_key > ?")
		} else {
			conds = append(conds, "row_key >= ?")
		}
		args = append(args, start)
	}
	if len(opts.Prefix) > 0 {
		if end := prefixEnd(opts.Prefix); end != nil {
			conds = append(conds, "row_key < ?")
			args = append(args, end)
		}
	}
	where := strings.Join(conds, " AND ")

	query := `
		SELECT row_key, col, value FROM cells
		WHERE tbl = ? AND row_key IN (
			SELECT DISTINCT row_key FROM cells WHERE ` + where + `
			ORDER BY row_key LIMIT ?
		)
		ORDER BY row_key, col
	`
	args = append([]interface{}{table}, append(args, limit)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan table %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		page     = &Page{}
		current  *Row
		examined int
		lastKey  []byte
	)
	flush := func() {
		if current == nil {
			return
		}
		examined++
		lastKey = current.Key
		r := project(current, opts.Columns)
		if opts.Filter == nil || opts.Filter(r) {
			page.Rows = append(page.Rows, r)
		}
	}
	for rows.Next() {
		var (
			key   []byte
			col   string
			value []byte
		)
		if err := rows.Scan(&key, &col, &value); err != nil {
			return nil, fmt.Errorf("failed to read cell: %w", err)
		}
		if current == nil || string(current.Key) != string(key) {
			flush()
			current = &Row{Key: key, Columns: make(map[string][]byte)}
		}
		current.Columns[col] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cells: %w", err)
	}
	flush()

	if examined == limit {
		page.Next = lastKey
	}
	return page, nil
}

// Get returns a single row
func (s *SQLiteStore) Get(ctx context.Context, table string, key []byte, columns ...string) (*Row, error) {
	return s.getWithQuerier(ctx, s.db, table, key, columns)
}

func (s *SQLiteStore) getWithQuerier(ctx context.Context, q querier, table string, key []byte, columns []string) (*Row, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT col, value FROM cells WHERE tbl = ? AND row_key = ?`, table, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	defer func() { _ = rows.Close() }()

	row := &Row{Key: key, Columns: make(map[string][]byte)}
	for rows.Next() {
		var (
			col   string
			value []byte
		)
		if err := rows.Scan(&col, &value); err != nil {
			return nil, fmt.Errorf("failed to read cell: %w", err)
		}
		row.Columns[col] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cells: %w", err)
	}
	if len(row.Columns) == 0 {
		return nil, ErrNotFound
	}
	return project(row, columns), nil
}

// ConditionalPut sets a cell if its current value matches expected
func (s *SQLiteStore) ConditionalPut(ctx context.Context, table string, key []byte, column string, expected, value []byte) (bool, error) {
	if len(key) == 0 || column == "" {
		return false, fmt.Errorf("%w: conditional put needs a row key and column", ErrInvalidMutation)
	}
	if value == nil {
		value = []byte{}
	}

	var (
		res sql.Result
		err error
		now = time.Now()
	)
	if expected == nil {
		// Atomic insert: a concurrent writer makes this a no-op
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO cells (tbl, row_key, col, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tbl, row_key, col) DO NOTHING
		`, table, key, column, value, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE cells SET value = ?, updated_at = ?
			WHERE tbl = ? AND row_key = ? AND col = ? AND value = ?
		`, value, now, table, key, column, expected)
	}
	if err != nil {
		return false, fmt.Errorf("failed to conditionally put cell: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BatchMutate applies each mutation under its own savepoint so a failed
// mutation is rolled back without affecting the others
func (s *SQLiteStore) BatchMutate(ctx context.Context, table string, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	collector := newBatchCollector(table, len(mutations))
	now := time.Now()
	for i := range mutations {
		m := &mutations[i]
		if err := m.Validate(); err != nil {
			collector.fail(i, m.Key, err)
			continue
		}
		if _, err := tx.ExecContext(ctx, "SAVEPOINT mutation"); err != nil {
			return fmt.Errorf("failed to create savepoint: %w", err)
		}
		if err := s.applyMutationWithQuerier(ctx, tx, table, m, now); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO mutation"); rbErr != nil {
				return fmt.Errorf("failed to roll back mutation: %w", rbErr)
			}
			collector.fail(i, m.Key, err)
		}
		if _, err := tx.ExecContext(ctx, "RELEASE mutation"); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return collector.err()
}

func (s *SQLiteStore) applyMutationWithQuerier(ctx context.Context, q querier, table string, m *Mutation, now time.Time) error {
	if m.Require != "" {
		var one int
		err := q.QueryRowContext(ctx,
			`SELECT 1 FROM cells WHERE tbl = ? AND row_key = ? AND col = ?`, table, m.Key, m.Require).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: row lacks column %s", ErrConditionFailed, m.Require)
		}
		if err != nil {
			return fmt.Errorf("failed to check column %s: %w", m.Require, err)
		}
	}
	if m.DeleteRow {
		if _, err := q.ExecContext(ctx, `DELETE FROM cells WHERE tbl = ? AND row_key = ?`, table, m.Key); err != nil {
			return fmt.Errorf("failed to delete row: %w", err)
		}
	}
	for _, col := range m.Delete {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM cells WHERE tbl = ? AND row_key = ? AND col = ?`, table, m.Key, col); err != nil {
			return fmt.Errorf("failed to delete cell %s: %w", col, err)
		}
	}
	for col, value := range m.Put {
		if value == nil {
			value = []byte{}
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO cells (tbl, row_key, col, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tbl, row_key, col) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, table, m.Key, col, value, now)
		if err != nil {
			return fmt.Errorf("failed to put cell %s: %w", col, err)
		}
	}
	return nil
}

// Tables lists the tables that currently hold at least one cell
func (s *SQLiteStore) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tbl FROM cells ORDER BY tbl`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// SchemaVersion returns the applied migration version
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		"SELECT version FROM schema_version ORDER BY applied_at DESC, version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
