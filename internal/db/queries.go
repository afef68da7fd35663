package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertBusiness creates or updates a business.
func (db *DB) UpsertBusiness(ctx context.Context, b *Business) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}

	query := `UPDATE businesses SET name = ?, address = ? WHERE id = ?`
	result, err := db.conn.ExecContext(ctx, query, b.Name, b.Address, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update business: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		b.CreatedAt = time.Now().UTC()
		insertQuery := `INSERT INTO businesses (id, name, address, created_at) VALUES (?, ?, ?, ?)`
		if _, err := db.conn.ExecContext(ctx, insertQuery, b.ID, b.Name, b.Address, b.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert business: %w", err)
		}
	}

	return nil
}

// ListBusinessIDs returns the ids of all businesses.
func (db *DB) ListBusinessIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM businesses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query businesses: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan business id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating businesses: %w", err)
	}

	return ids, nil
}

// UpsertStaffMember creates or updates a staff member. The default connection
// reference is left untouched.
func (db *DB) UpsertStaffMember(ctx context.Context, s *StaffMember) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `UPDATE staff_members SET business_id = ?, name = ?, email = ? WHERE id = ?`
	result, err := db.conn.ExecContext(ctx, query, s.BusinessID, s.Name, s.Email, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update staff member: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		s.CreatedAt = time.Now().UTC()
		insertQuery := `INSERT INTO staff_members (id, business_id, name, email, created_at) VALUES (?, ?, ?, ?, ?)`
		if _, err := db.conn.ExecContext(ctx, insertQuery, s.ID, s.BusinessID, s.Name, s.Email, s.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert staff member: %w", err)
		}
	}

	return nil
}

// GetStaffMember returns a staff member by ID.
func (db *DB) GetStaffMember(ctx context.Context, id string) (*StaffMember, error) {
	query := `SELECT id, business_id, name, email, default_connection_id, created_at
		FROM staff_members WHERE id = ?`

	s := &StaffMember{}
	var defaultConn sql.NullString
	err := db.conn.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.BusinessID, &s.Name, &s.Email, &defaultConn, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get staff member: %w", err)
	}
	s.DefaultConnectionID = defaultConn.String

	return s, nil
}

// SetDefaultConnection points a staff member at their default connection.
func (db *DB) SetDefaultConnection(ctx context.Context, staffID, connectionID string) error {
	query := `UPDATE staff_members SET default_connection_id = ? WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, connectionID, staffID)
	if err != nil {
		return fmt.Errorf("failed to set default connection: %w", err)
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

// UpsertBooking creates or updates a booking row. The sync status of an
// existing booking is preserved.
func (db *DB) UpsertBooking(ctx context.Context, b *Booking) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.SyncStatus == "" {
		b.SyncStatus = BookingNotSynced
	}

	query := `UPDATE bookings SET business_id = ?, staff_member_id = ?, start_time = ?, end_time = ?,
		service_name = ?, customer_name = ?, customer_email = ?, notes = ?
		WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query,
		b.BusinessID, b.StaffMemberID, b.StartTime.UTC(), b.EndTime.UTC(),
		b.ServiceName, b.CustomerName, b.CustomerEmail, b.Notes, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		insertQuery := `INSERT INTO bookings (id, business_id, staff_member_id, start_time, end_time,
			service_name, customer_name, customer_email, notes, sync_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err := db.conn.ExecContext(ctx, insertQuery,
			b.ID, b.BusinessID, b.StaffMemberID, b.StartTime.UTC(), b.EndTime.UTC(),
			b.ServiceName, b.CustomerName, b.CustomerEmail, b.Notes, b.SyncStatus,
		)
		if err != nil {
			return fmt.Errorf("failed to insert booking: %w", err)
		}
	}

	return nil
}

const bookingColumns = `b.id, b.business_id, b.staff_member_id, s.name, s.email,
	b.start_time, b.end_time, b.service_name, b.customer_name, b.customer_email, b.notes,
	bu.address, b.sync_status`

const bookingJoins = `FROM bookings b
	JOIN staff_members s ON s.id = b.staff_member_id
	JOIN businesses bu ON bu.id = b.business_id`

// GetBooking returns a booking joined with its staff member and business.
func (db *DB) GetBooking(ctx context.Context, id string) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` ` + bookingJoins + ` WHERE b.id = ?`

	b, err := scanBooking(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	return b, nil
}

// UpdateBookingSyncStatus writes the aggregate sync status of a booking.
func (db *DB) UpdateBookingSyncStatus(ctx context.Context, id string, status BookingSyncStatus) error {
	query := `UPDATE bookings SET sync_status = ? WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update booking sync status: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*Booking, error) {
	b := &Booking{}
	err := row.Scan(
		&b.ID, &b.BusinessID, &b.StaffMemberID, &b.StaffName, &b.StaffEmail,
		&b.StartTime, &b.EndTime, &b.ServiceName, &b.CustomerName, &b.CustomerEmail, &b.Notes,
		&b.BusinessAddress, &b.SyncStatus,
	)
	if err != nil {
		return nil, err
	}
	b.StartTime = b.StartTime.UTC()
	b.EndTime = b.EndTime.UTC()
	return b, nil
}
