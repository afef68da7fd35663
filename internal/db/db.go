package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
	ErrCredentials  = errors.New("credential encryption failed")
)

// Cipher encrypts credential columns at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// DB represents the database connection.
type DB struct {
	conn   *sql.DB
	cipher Cipher
}

// New creates a new database connection and initializes the schema. A nil
// cipher stores credentials as given.
func New(dbPath string, cipher Cipher) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	db := &DB{conn: conn, cipher: cipher}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// File may not exist yet in WAL mode.
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// connPragmas are applied by the driver to every pooled connection.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"secure_delete(1)",
	"synchronous(NORMAL)",
}

func dsn(dbPath string) string {
	params := make(url.Values)
	for _, p := range connPragmas {
		params.Add("_pragma", p)
	}
	return "file:" + dbPath + "?" + params.Encode()
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS businesses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// default_connection_id is a plain column: it is cleared explicitly
		// before the referenced connection is replaced.
		`CREATE TABLE IF NOT EXISTS staff_members (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			default_connection_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (business_id) REFERENCES businesses(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			staff_member_id TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			service_name TEXT NOT NULL DEFAULT '',
			customer_name TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'not_synced',
			FOREIGN KEY (business_id) REFERENCES businesses(id) ON DELETE CASCADE,
			FOREIGN KEY (staff_member_id) REFERENCES staff_members(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_business_id ON bookings(business_id)`,

		`CREATE TABLE IF NOT EXISTS calendar_connections (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			staff_member_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			caldav_kind TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expires_at DATETIME,
			caldav_url TEXT NOT NULL DEFAULT '',
			caldav_username TEXT NOT NULL DEFAULT '',
			caldav_password TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(staff_member_id, provider),
			FOREIGN KEY (staff_member_id) REFERENCES staff_members(id) ON DELETE CASCADE
		)`,

		// The connection reference is deferred so a replacement can re-point
		// mappings inside the same transaction that swaps the connection row.
		`CREATE TABLE IF NOT EXISTS event_mappings (
			id TEXT PRIMARY KEY,
			booking_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			event_uid TEXT NOT NULL,
			external_event_id TEXT NOT NULL DEFAULT '',
			external_calendar_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			last_synced_at DATETIME,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(booking_id, connection_id),
			FOREIGN KEY (booking_id) REFERENCES bookings(id) ON DELETE CASCADE,
			FOREIGN KEY (connection_id) REFERENCES calendar_connections(id) DEFERRABLE INITIALLY DEFERRED
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_mappings_status ON event_mappings(status, retry_count)`,

		// Audit rows outlive the connections and mappings they describe.
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			mapping_id TEXT,
			booking_id TEXT,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_business_created ON sync_logs(business_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// isUniqueViolation checks if the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) encrypt(value string) (string, error) {
	if db.cipher == nil || value == "" {
		return value, nil
	}
	out, err := db.cipher.Encrypt(value)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	return out, nil
}

func (db *DB) decrypt(value string) (string, error) {
	if db.cipher == nil || value == "" {
		return value, nil
	}
	out, err := db.cipher.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	return out, nil
}
