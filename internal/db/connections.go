package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const connectionColumns = `id, business_id, staff_member_id, provider, caldav_kind, account_id,
	access_token, refresh_token, token_expires_at, caldav_url, caldav_username, caldav_password,
	active, last_error, created_at, updated_at`

// ReplaceConnection provisions conn as the only connection for its staff
// member and provider. Inside one transaction it clears any default-connection
// reference to the previous connection, deletes that connection, then inserts
// the new one. Event mappings move to the new connection when both belong to
// the same provider account and are dropped otherwise. It returns the id of
// the replaced connection, or "" when there was none.
func (db *DB) ReplaceConnection(ctx context.Context, conn *CalendarConnection) (string, error) {
	if !conn.Provider.IsValid() {
		return "", fmt.Errorf("invalid provider %q", conn.Provider)
	}

	encrypted, err := db.encryptConnection(conn)
	if err != nil {
		return "", err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var oldID, oldAccount string
	err = tx.QueryRowContext(ctx,
		`SELECT id, account_id FROM calendar_connections WHERE staff_member_id = ? AND provider = ?`,
		conn.StaffMemberID, conn.Provider,
	).Scan(&oldID, &oldAccount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up existing connection: %w", err)
	}

	if oldID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE staff_members SET default_connection_id = NULL WHERE default_connection_id = ?`, oldID,
		); err != nil {
			return "", fmt.Errorf("failed to clear default connection: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_connections WHERE id = ?`, oldID); err != nil {
			return "", fmt.Errorf("failed to delete connection: %w", err)
		}
	}

	now := time.Now().UTC()
	conn.ID = uuid.New().String()
	conn.Active = true
	conn.LastError = ""
	conn.CreatedAt = now
	conn.UpdatedAt = now

	insertQuery := `INSERT INTO calendar_connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, insertQuery,
		conn.ID, conn.BusinessID, conn.StaffMemberID, conn.Provider, conn.CalDAVKind, conn.AccountID,
		encrypted.AccessToken, encrypted.RefreshToken, conn.TokenExpiresAt,
		conn.CalDAVURL, conn.CalDAVUsername, encrypted.CalDAVPassword,
		conn.Active, conn.LastError, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("failed to insert connection: %w", err)
	}

	if oldID != "" {
		if oldAccount != "" && oldAccount == conn.AccountID {
			_, err = tx.ExecContext(ctx, `UPDATE event_mappings SET connection_id = ? WHERE connection_id = ?`, conn.ID, oldID)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM event_mappings WHERE connection_id = ?`, oldID)
		}
		if err != nil {
			return "", fmt.Errorf("failed to move event mappings: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit connection replacement: %w", err)
	}

	return oldID, nil
}

// GetConnection returns a connection by ID with credentials decrypted.
func (db *DB) GetConnection(ctx context.Context, id string) (*CalendarConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM calendar_connections WHERE id = ?`

	conn, err := db.scanConnection(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// ActiveConnectionsForStaff returns the active connections of a staff member.
func (db *DB) ActiveConnectionsForStaff(ctx context.Context, staffID string) ([]*CalendarConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM calendar_connections
		WHERE staff_member_id = ? AND active = 1 ORDER BY provider`

	return db.queryConnections(ctx, query, staffID)
}

// ConnectionsForStaff returns every connection of a staff member, active or not.
func (db *DB) ConnectionsForStaff(ctx context.Context, staffID string) ([]*CalendarConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM calendar_connections
		WHERE staff_member_id = ? ORDER BY provider`

	return db.queryConnections(ctx, query, staffID)
}

// DeactivateConnection marks a connection inactive and records why.
func (db *DB) DeactivateConnection(ctx context.Context, id, reason string) error {
	query := `UPDATE calendar_connections SET active = 0, last_error = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate connection: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateConnectionTokens stores refreshed OAuth tokens. An empty refresh
// token keeps the stored one.
func (db *DB) UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	access, err := db.encrypt(accessToken)
	if err != nil {
		return err
	}
	refresh, err := db.encrypt(refreshToken)
	if err != nil {
		return err
	}

	query := `UPDATE calendar_connections SET
		access_token = ?,
		refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
		token_expires_at = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, access, refresh, refresh, expiresAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteConnection removes a connection together with its event mappings.
func (db *DB) DeleteConnection(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE staff_members SET default_connection_id = NULL WHERE default_connection_id = ?`, id,
	); err != nil {
		return fmt.Errorf("failed to clear default connection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_mappings WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete event mappings: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM calendar_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (db *DB) queryConnections(ctx context.Context, query string, args ...any) ([]*CalendarConnection, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*CalendarConnection
	for rows.Next() {
		conn, err := db.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

func (db *DB) scanConnection(row rowScanner) (*CalendarConnection, error) {
	c := &CalendarConnection{}
	var expiresAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.BusinessID, &c.StaffMemberID, &c.Provider, &c.CalDAVKind, &c.AccountID,
		&c.AccessToken, &c.RefreshToken, &expiresAt, &c.CalDAVURL, &c.CalDAVUsername, &c.CalDAVPassword,
		&c.Active, &c.LastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		c.TokenExpiresAt = &t
	}

	if c.AccessToken, err = db.decrypt(c.AccessToken); err != nil {
		return nil, err
	}
	if c.RefreshToken, err = db.decrypt(c.RefreshToken); err != nil {
		return nil, err
	}
	if c.CalDAVPassword, err = db.decrypt(c.CalDAVPassword); err != nil {
		return nil, err
	}

	return c, nil
}

func (db *DB) encryptConnection(conn *CalendarConnection) (*CalendarConnection, error) {
	out := *conn
	var err error
	if out.AccessToken, err = db.encrypt(conn.AccessToken); err != nil {
		return nil, err
	}
	if out.RefreshToken, err = db.encrypt(conn.RefreshToken); err != nil {
		return nil, err
	}
	if out.CalDAVPassword, err = db.encrypt(conn.CalDAVPassword); err != nil {
		return nil, err
	}
	return &out, nil
}
