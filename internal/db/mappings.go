package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const mappingColumns = `m.id, m.booking_id, m.connection_id, m.event_uid, m.external_event_id,
	m.external_calendar_id, m.status, m.last_synced_at, m.retry_count, m.last_error,
	m.created_at, m.updated_at`

// GetMapping returns the mapping for a booking on a connection.
func (db *DB) GetMapping(ctx context.Context, bookingID, connectionID string) (*EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings m WHERE m.booking_id = ? AND m.connection_id = ?`

	m, err := scanMapping(db.conn.QueryRowContext(ctx, query, bookingID, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event mapping: %w", err)
	}

	return m, nil
}

// GetMappingByID returns a mapping by its ID.
func (db *DB) GetMappingByID(ctx context.Context, id string) (*EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings m WHERE m.id = ?`

	m, err := scanMapping(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event mapping: %w", err)
	}

	return m, nil
}

// GetOrCreateMapping returns the mapping for (booking, connection), creating a
// pending one with the given event UID when none exists. The UID of an
// existing mapping is never replaced. Concurrent creators converge on the
// single row allowed by the unique index.
func (db *DB) GetOrCreateMapping(ctx context.Context, bookingID, connectionID, eventUID string) (*EventMapping, error) {
	m, err := db.GetMapping(ctx, bookingID, connectionID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	m = &EventMapping{
		ID:           uuid.New().String(),
		BookingID:    bookingID,
		ConnectionID: connectionID,
		EventUID:     eventUID,
		Status:       MappingPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := `INSERT INTO event_mappings (id, booking_id, connection_id, event_uid, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query, m.ID, m.BookingID, m.ConnectionID, m.EventUID, m.Status, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return db.GetMapping(ctx, bookingID, connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create event mapping: %w", err)
	}

	return m, nil
}

// MappingsForBooking returns all mappings of a booking.
func (db *DB) MappingsForBooking(ctx context.Context, bookingID string) ([]*EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings m WHERE m.booking_id = ? ORDER BY m.created_at`
	return db.queryMappings(ctx, query, bookingID)
}

// RetryEligibleMappings returns failed mappings of a business whose retry
// count is below MaxRetries, oldest first.
func (db *DB) RetryEligibleMappings(ctx context.Context, businessID string, limit int) ([]*EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings m
		JOIN bookings b ON b.id = m.booking_id
		WHERE b.business_id = ? AND m.status = ? AND m.retry_count < ?
		ORDER BY m.updated_at ASC LIMIT ?`

	return db.queryMappings(ctx, query, businessID, MappingFailed, MaxRetries, limit)
}

// MarkSynced records a successful remote write and starts a fresh retry
// budget. A previously recorded external event id is kept.
func (db *DB) MarkSynced(ctx context.Context, id, externalEventID, externalCalendarID string) error {
	now := time.Now().UTC()
	query := `UPDATE event_mappings SET
		external_event_id = CASE WHEN external_event_id = '' THEN ? ELSE external_event_id END,
		external_calendar_id = CASE WHEN ? = '' THEN external_calendar_id ELSE ? END,
		status = ?, last_synced_at = ?, last_error = '', retry_count = 0, updated_at = ?
		WHERE id = ? AND status != ?`

	return db.execMappingTransition(ctx, "mark synced", query,
		externalEventID, externalCalendarID, externalCalendarID,
		MappingSynced, now, now, id, MappingDeleted,
	)
}

// MarkFailed records a failed attempt and increments the retry count.
func (db *DB) MarkFailed(ctx context.Context, id, message string) error {
	query := `UPDATE event_mappings SET
		status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status != ?`

	return db.execMappingTransition(ctx, "mark failed", query,
		MappingFailed, message, time.Now().UTC(), id, MappingDeleted,
	)
}

// MarkDeleted records that the remote event was removed.
func (db *DB) MarkDeleted(ctx context.Context, id string) error {
	query := `UPDATE event_mappings SET status = ?, last_error = '', updated_at = ? WHERE id = ?`

	return db.execMappingTransition(ctx, "mark deleted", query, MappingDeleted, time.Now().UTC(), id)
}

func (db *DB) execMappingTransition(ctx context.Context, op, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
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

func (db *DB) queryMappings(ctx context.Context, query string, args ...any) ([]*EventMapping, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event mapping: %w", err)
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event mappings: %w", err)
	}

	return mappings, nil
}

func scanMapping(row rowScanner) (*EventMapping, error) {
	m := &EventMapping{}
	var lastSynced sql.NullTime

	err := row.Scan(
		&m.ID, &m.BookingID, &m.ConnectionID, &m.EventUID, &m.ExternalEventID,
		&m.ExternalCalendarID, &m.Status, &lastSynced, &m.RetryCount, &m.LastError,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastSynced.Valid {
		t := lastSynced.Time.UTC()
		m.LastSyncedAt = &t
	}

	return m, nil
}
