package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/types"
	_ "modernc.org/sqlite"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore keeps every table's records as JSON documents in one SQLite
// database.
type SQLiteStore struct {
	db   *sql.DB
	conn dbtx
	inTx bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath, applies pragmas
// and runs migrations. ":memory:" yields a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer anyway, and it keeps an
	// in-memory database the same database across calls.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, conn: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection. Closing a transaction-scoped store
// is a no-op.
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside a transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, conn: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Upsert writes records keyed by their id.
func (s *SQLiteStore) Upsert(ctx context.Context, table string, records ...types.Record) error {
	now := types.FormatTime(time.Now())
	for _, r := range records {
		id := r.ID()
		if id == "" {
			return fmt.Errorf("upsert into %s: %w", table, ErrMissingID)
		}
		payload, err := json.Marshal(normalize(r))
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", id, err)
		}
		_, err = s.conn.ExecContext(ctx, `
			INSERT INTO records (table_name, id, payload, written_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (table_name, id) DO UPDATE
			SET payload = excluded.payload, written_at = excluded.written_at
		`, table, id, string(payload), now)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", table, id, err)
		}
	}
	return nil
}

// normalize rewrites time values in the fixed-width layout so that stored
// timestamps compare correctly as text.
func normalize(r types.Record) types.Record {
	out := make(types.Record, len(r))
	for k, v := range r {
		if t, ok := v.(time.Time); ok {
			v = types.FormatTime(t)
		}
		out[k] = v
	}
	return out
}

// Lookup returns a single record by id.
func (s *SQLiteStore) Lookup(ctx context.Context, table, id string) (types.Record, error) {
	var payload string
	err := s.conn.QueryRowContext(ctx, `
		SELECT payload FROM records WHERE table_name = ? AND id = ?
	`, table, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", table, id, err)
	}
	return types.DecodeRecord([]byte(payload))
}

// Read returns the records matching q.
func (s *SQLiteStore) Read(ctx context.Context, q query.Query) ([]types.Record, error) {
	where, args, err := buildWhere(q, true)
	if err != nil {
		return nil, err
	}
	order, err := buildOrderBy(q.OrderBy)
	if err != nil {
		return nil, err
	}

	stmt := "SELECT payload FROM records WHERE " + where + " ORDER BY " + order
	stmt, args = appendLimit(stmt, args, q.Top, q.Skip)

	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r, err := types.DecodeRecord([]byte(payload))
		if err != nil {
			return nil, err
		}
		records = append(records, project(r, q.Select))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// project keeps only the selected fields plus the id.
func project(r types.Record, fields []string) types.Record {
	if len(fields) == 0 {
		return r
	}
	out := types.Record{types.FieldID: r[types.FieldID]}
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Count returns the number of records matching q's filter.
func (s *SQLiteStore) Count(ctx context.Context, q query.Query) (int64, error) {
	where, args, err := buildWhere(q, true)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Table, err)
	}
	return n, nil
}

// Delete removes the records matching q. Tombstoned rows are included.
func (s *SQLiteStore) Delete(ctx context.Context, q query.Query) (int64, error) {
	where, args, err := buildWhere(q, false)
	if err != nil {
		return 0, err
	}

	stmt := "DELETE FROM records WHERE " + where
	if q.Top > 0 || q.Skip > 0 {
		order, err := buildOrderBy(q.OrderBy)
		if err != nil {
			return 0, err
		}
		sub, subArgs := appendLimit("SELECT id FROM records WHERE "+where+" ORDER BY "+order, args, q.Top, q.Skip)
		stmt = "DELETE FROM records WHERE table_name = ? AND id IN (" + sub + ")"
		args = append([]any{q.Table}, subArgs...)
	}

	result, err := s.conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", q.Table, err)
	}
	return result.RowsAffected()
}

// DeleteIDs removes records by id.
func (s *SQLiteStore) DeleteIDs(ctx context.Context, table string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, table)
	for _, id := range ids {
		args = append(args, id)
	}
	result, err := s.conn.ExecContext(ctx,
		"DELETE FROM records WHERE table_name = ? AND id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete ids from %s: %w", table, err)
	}
	return result.RowsAffected()
}

// DeleteAll removes every record of table.
func (s *SQLiteStore) DeleteAll(ctx context.Context, table string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM records WHERE table_name = ?", table); err != nil {
		return fmt.Errorf("delete all from %s: %w", table, err)
	}
	return nil
}

// TableCounts returns the number of records per table.
func (s *SQLiteStore) TableCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT table_name, COUNT(*) FROM records GROUP BY table_name ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("count tables: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

// Backup writes a consistent copy of the database to destPath using
// VACUUM INTO. An existing file at destPath is replaced.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	if s.inTx {
		return errors.New("backup: not allowed inside a transaction")
	}
	if dir := filepath.Dir(destPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create backup directory: %w", err)
		}
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove previous backup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}
