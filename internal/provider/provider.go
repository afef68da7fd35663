// Package provider defines the contract shared by every external calendar
// client, together with booking validation, error classification, retry
// policy and OAuth token freshness.
package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bizblasts/calsync/internal/db"
)

// Fixed reminder offsets attached to every created event.
const (
	EmailReminderMinutes = 60
	PopupReminderMinutes = 15
)

// UIDPrefix starts every event UID generated for a booking.
const UIDPrefix = "bizblasts"

// tokenSkew treats tokens that expire within this window as expired.
const tokenSkew = time.Minute

// SyncProvider writes bookings to and reads events from one external calendar.
type SyncProvider interface {
	// CreateEvent creates the booking's event. uid is the mapping's persisted
	// UID and is reused verbatim by retried creates.
	CreateEvent(ctx context.Context, b *db.Booking, uid string) (*EventResult, error)
	UpdateEvent(ctx context.Context, b *db.Booking, externalID string) (*EventResult, error)
	// DeleteEvent removes an event. A missing remote event counts as deleted.
	DeleteEvent(ctx context.Context, externalID string) error
	ImportEvents(ctx context.Context, start, end time.Time) (*ImportResult, error)
	RefreshAccessToken(ctx context.Context) bool
}

// EventResult identifies the remote event written by a create or update.
type EventResult struct {
	ExternalEventID    string
	ExternalCalendarID string
}

// ImportedEvent is a remote event normalized for free/busy computation.
type ImportedEvent struct {
	ExternalEventID    string    `json:"external_event_id"`
	ExternalCalendarID string    `json:"external_calendar_id"`
	StartsAt           time.Time `json:"starts_at"`
	EndsAt             time.Time `json:"ends_at"`
	Summary            string    `json:"summary"`
}

// ImportResult holds imported events plus per-entry parse warnings.
type ImportResult struct {
	Events []ImportedEvent `json:"events"`
	Errors []string        `json:"errors"`
}

// ImportedCount returns the number of events imported.
func (r *ImportResult) ImportedCount() int {
	return len(r.Events)
}

// TokenRefresher exchanges a connection's refresh token for a new access
// token and returns the updated connection.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, conn *db.CalendarConnection) (*db.CalendarConnection, error)
}

// ValidateBooking checks the booking fields every provider relies on.
func ValidateBooking(op string, b *db.Booking) error {
	if b == nil {
		return NewError(KindBadRequest, op, "booking is required")
	}
	if b.StartTime.IsZero() || b.EndTime.IsZero() {
		return NewError(KindBadRequest, op, "booking times are required")
	}
	if !b.StartTime.Before(b.EndTime) {
		return NewError(KindBadRequest, op, "booking start must be before end")
	}
	return nil
}

// EnsureActive rejects operations on deactivated connections.
func EnsureActive(op string, conn *db.CalendarConnection) error {
	if conn == nil || !conn.Active {
		return NewError(KindInactive, op, "connection is not active")
	}
	return nil
}

// NewUID returns a fresh event UID for a booking.
func NewUID(bookingID string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return fmt.Sprintf("%s-%s-%s", UIDPrefix, bookingID, hex.EncodeToString(buf))
}

// EventSummary is the title used for a booking's event.
func EventSummary(b *db.Booking) string {
	switch {
	case b.ServiceName != "" && b.CustomerName != "":
		return fmt.Sprintf("%s - %s", b.ServiceName, b.CustomerName)
	case b.ServiceName != "":
		return b.ServiceName
	case b.CustomerName != "":
		return "Booking - " + b.CustomerName
	}
	return "Booking"
}

// EventDescription is the body text used for a booking's event.
func EventDescription(b *db.Booking) string {
	var lines []string
	if b.ServiceName != "" {
		lines = append(lines, "Service: "+b.ServiceName)
	}
	if b.CustomerName != "" {
		lines = append(lines, "Customer: "+b.CustomerName)
	}
	if b.CustomerEmail != "" {
		lines = append(lines, "Email: "+b.CustomerEmail)
	}
	if b.StaffName != "" {
		lines = append(lines, "Staff: "+b.StaffName)
	}
	if b.Notes != "" {
		lines = append(lines, "", "Notes: "+b.Notes)
	}
	return strings.Join(lines, "\n")
}

// OAuthSession tracks the access token of an OAuth connection for the
// lifetime of one client and refreshes it when expired.
type OAuthSession struct {
	mu        sync.Mutex
	conn      *db.CalendarConnection
	refresher TokenRefresher
	now       func() time.Time
}

// NewOAuthSession creates a session. now defaults to time.Now.
func NewOAuthSession(conn *db.CalendarConnection, refresher TokenRefresher, now func() time.Time) *OAuthSession {
	if now == nil {
		now = time.Now
	}
	return &OAuthSession{conn: conn, refresher: refresher, now: now}
}

// Connection returns the current connection snapshot.
func (s *OAuthSession) Connection() *db.CalendarConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// AccessToken returns a usable access token, refreshing first when the stored
// one has expired. It fails with KindExpiredToken when no refresh is possible.
func (s *OAuthSession) AccessToken(ctx context.Context, op string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := EnsureActive(op, s.conn); err != nil {
		return "", err
	}
	if !s.conn.TokenExpired(s.now(), tokenSkew) {
		return s.conn.AccessToken, nil
	}
	if s.conn.RefreshToken == "" || s.refresher == nil {
		return "", NewError(KindExpiredToken, op, "access token expired and no refresh token is available")
	}
	if err := s.refreshLocked(ctx, op); err != nil {
		return "", err
	}
	return s.conn.AccessToken, nil
}

// Refresh forces a token refresh and reports success.
func (s *OAuthSession) Refresh(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn.RefreshToken == "" || s.refresher == nil {
		return false
	}
	return s.refreshLocked(ctx, "refresh_access_token") == nil
}

func (s *OAuthSession) refreshLocked(ctx context.Context, op string) error {
	updated, err := s.refresher.RefreshToken(ctx, s.conn)
	if err != nil {
		pe := Classify(op, err)
		if pe.Kind == KindUnknown {
			pe.Kind = KindExpiredToken
		}
		return pe
	}
	s.conn = updated
	return nil
}
