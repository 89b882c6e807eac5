// Package store provides the local SQLite record store.
//
// The store runs embedded SQLite (ncruces/go-sqlite3) in WAL mode. The
// record table expresses the core uniqueness invariant: object_id, the
// content identifier, is UNIQUE whenever present, while locally created
// records hold NULL until the remote acknowledges them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dozorro/dzsyncd/internal/schema"
)

// DefaultTable is the record table name when the config does not override it.
const DefaultTable = "data"

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DB wraps the SQLite connection holding the record table.
type DB struct {
	conn  *sql.DB
	path  string
	table string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before use.
// The caller MUST call Close() when done.
func Open(path, table string) (*DB, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, table: table}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the record table and its indexes if they don't exist.
// Idempotent - safe to call on every startup.
func (db *DB) InitSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		object_id TEXT UNIQUE,
		date TEXT NOT NULL,
		owner TEXT NOT NULL,
		model TEXT NOT NULL,
		schema TEXT,
		tender TEXT NOT NULL,
		thread TEXT,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_%[2]s_date ON %[1]q(date);
	CREATE INDEX IF NOT EXISTS idx_%[2]s_tender ON %[1]q(tender);
	CREATE INDEX IF NOT EXISTS idx_%[2]s_thread ON %[1]q(thread);
	`, db.table, db.table)

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Exists reports whether a record with the given content identifier is
// already stored.
func (db *DB) Exists(ctx context.Context, objectID string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %q WHERE object_id = ?`, db.table)
	var one int
	err := db.conn.QueryRowContext(ctx, query, objectID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists query: %w", err)
	}
	return true, nil
}

// InsertMany stores a batch of remote-origin records in one transaction.
// The batch is all-or-nothing: any failed row rolls back the whole insert.
func (db *DB) InsertMany(ctx context.Context, records []*schema.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	INSERT INTO %q (object_id, date, owner, model, schema, tender, thread, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, db.table)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			nullable(r.ObjectID),
			r.Date,
			r.Owner,
			r.Model,
			nullable(r.Schema),
			r.Tender,
			nullable(r.Thread),
			string(r.Payload),
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.ObjectID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// InsertLocal stores a locally created record as pending (no object_id yet)
// and returns its local id. This is the entry point for whatever produces
// local business data.
func (db *DB) InsertLocal(ctx context.Context, r *schema.Record) (int64, error) {
	query := fmt.Sprintf(`
	INSERT INTO %q (object_id, date, owner, model, schema, tender, thread, payload)
	VALUES (NULL, ?, ?, ?, ?, ?, ?, ?)`, db.table)

	res, err := db.conn.ExecContext(ctx, query,
		r.Date,
		r.Owner,
		r.Model,
		nullable(r.Schema),
		r.Tender,
		nullable(r.Thread),
		string(r.Payload),
	)
	if err != nil {
		return 0, fmt.Errorf("insert local record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert local record: %w", err)
	}
	return id, nil
}

// GetPending returns locally created records not yet acknowledged by the
// remote, newest first. The ordering is deterministic per call.
func (db *DB) GetPending(ctx context.Context) ([]*schema.Record, error) {
	query := fmt.Sprintf(`
	SELECT id, date, owner, model, schema, tender, thread, payload
	FROM %q WHERE object_id IS NULL ORDER BY date DESC, id DESC`, db.table)

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pending query: %w", err)
	}
	defer rows.Close()

	var pending []*schema.Record
	for rows.Next() {
		var (
			r         schema.Record
			schemaRef sql.NullString
			thread    sql.NullString
			payload   string
		)
		if err := rows.Scan(&r.LocalID, &r.Date, &r.Owner, &r.Model, &schemaRef, &r.Tender, &thread, &payload); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		r.Schema = schemaRef.String
		r.Thread = thread.String
		r.Payload = []byte(payload)
		pending = append(pending, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending rows: %w", err)
	}
	return pending, nil
}

// MarkSubmitted records the content identifier acknowledged by the remote
// for a local record. The pending->submitted transition is one-way: a row
// that already has an object_id is never updated.
func (db *DB) MarkSubmitted(ctx context.Context, localID int64, objectID string) error {
	query := fmt.Sprintf(`UPDATE %q SET object_id = ? WHERE id = ? AND object_id IS NULL`, db.table)
	res, err := db.conn.ExecContext(ctx, query, objectID, localID)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("record %d not updated", localID)
	}
	return nil
}

// Counts returns the total and pending record counts.
func (db *DB) Counts(ctx context.Context) (total, pending int64, err error) {
	query := fmt.Sprintf(`
	SELECT COUNT(*), COUNT(*) FILTER (WHERE object_id IS NULL) FROM %q`, db.table)
	if err := db.conn.QueryRowContext(ctx, query).Scan(&total, &pending); err != nil {
		return 0, 0, fmt.Errorf("counts query: %w", err)
	}
	return total, pending, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
