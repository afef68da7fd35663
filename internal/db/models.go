package db

import (
	"time"
)

// Provider identifies the external calendar service behind a connection.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderCalDAV    Provider = "caldav"
)

// ValidProviders contains all valid provider values.
var ValidProviders = map[Provider]bool{
	ProviderGoogle:    true,
	ProviderMicrosoft: true,
	ProviderCalDAV:    true,
}

// IsValid returns true if the provider is a known valid value.
func (p Provider) IsValid() bool {
	return ValidProviders[p]
}

// IsOAuth returns true for providers authorized through an OAuth2 flow.
func (p Provider) IsOAuth() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// CalDAVKind is the CalDAV server family. Empty means auto-detect.
type CalDAVKind string

const (
	CalDAVKindAuto      CalDAVKind = ""
	CalDAVKindICloud    CalDAVKind = "icloud"
	CalDAVKindNextcloud CalDAVKind = "nextcloud"
	CalDAVKindGeneric   CalDAVKind = "generic"
)

// IsValid returns true if the kind is a known value or empty.
func (k CalDAVKind) IsValid() bool {
	switch k {
	case CalDAVKindAuto, CalDAVKindICloud, CalDAVKindNextcloud, CalDAVKindGeneric:
		return true
	}
	return false
}

// MappingStatus is the state of one booking's event on one connection.
type MappingStatus string

const (
	MappingPending MappingStatus = "pending"
	MappingSynced  MappingStatus = "synced"
	MappingFailed  MappingStatus = "failed"
	MappingDeleted MappingStatus = "deleted"
)

// MaxRetries is the retry count at which a failed mapping becomes terminal.
const MaxRetries = 3

// BookingSyncStatus is the aggregate status written back to a booking.
type BookingSyncStatus string

const (
	BookingNotSynced   BookingSyncStatus = "not_synced"
	BookingSynced      BookingSyncStatus = "synced"
	BookingSyncPending BookingSyncStatus = "sync_pending"
	BookingSyncFailed  BookingSyncStatus = "sync_failed"
)

// SyncAction is the operation recorded in a sync log.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
	ActionImport SyncAction = "import"
)

// SyncOutcome is the result recorded in a sync log.
type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomeFailure SyncOutcome = "failure"
)

// Business is the tenant owning staff members and bookings.
type Business struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// StaffMember is a person whose calendars receive booking events.
type StaffMember struct {
	ID                  string    `json:"id"`
	BusinessID          string    `json:"business_id"`
	Name                string    `json:"name"`
	Email               string    `json:"email"`
	DefaultConnectionID string    `json:"default_connection_id"`
	CreatedAt           time.Time `json:"created_at"`
}

// Booking is the read-only view of a booking. Only SyncStatus is written here.
type Booking struct {
	ID              string            `json:"id"`
	BusinessID      string            `json:"business_id"`
	StaffMemberID   string            `json:"staff_member_id"`
	StaffName       string            `json:"staff_name"`
	StaffEmail      string            `json:"staff_email"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	ServiceName     string            `json:"service_name"`
	CustomerName    string            `json:"customer_name"`
	CustomerEmail   string            `json:"customer_email"`
	Notes           string            `json:"notes"`
	BusinessAddress string            `json:"business_address"`
	SyncStatus      BookingSyncStatus `json:"sync_status"`
}

// CalendarConnection is one staff member's link to an external calendar account.
type CalendarConnection struct {
	ID             string     `json:"id"`
	BusinessID     string     `json:"business_id"`
	StaffMemberID  string     `json:"staff_member_id"`
	Provider       Provider   `json:"provider"`
	CalDAVKind     CalDAVKind `json:"caldav_kind,omitempty"`
	AccountID      string     `json:"account_id"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	CalDAVURL      string     `json:"caldav_url,omitempty"`
	CalDAVUsername string     `json:"caldav_username,omitempty"`
	CalDAVPassword string     `json:"-"`
	Active         bool       `json:"active"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TokenExpired reports whether the access token is expired at now, treating
// tokens that expire within skew as already expired.
func (c *CalendarConnection) TokenExpired(now time.Time, skew time.Duration) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*c.TokenExpiresAt)
}

// EventMapping links one booking to its event on one connection.
type EventMapping struct {
	ID                 string        `json:"id"`
	BookingID          string        `json:"booking_id"`
	ConnectionID       string        `json:"connection_id"`
	EventUID           string        `json:"event_uid"`
	ExternalEventID    string        `json:"external_event_id"`
	ExternalCalendarID string        `json:"external_calendar_id"`
	Status             MappingStatus `json:"status"`
	LastSyncedAt       *time.Time    `json:"last_synced_at"`
	RetryCount         int           `json:"retry_count"`
	LastError          string        `json:"last_error"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// HasRemoteEvent returns true once a remote event id has been recorded.
func (m *EventMapping) HasRemoteEvent() bool {
	return m.ExternalEventID != ""
}

// CanRetry returns true if the mapping is failed and below the retry cap.
func (m *EventMapping) CanRetry() bool {
	return m.Status == MappingFailed && m.RetryCount < MaxRetries
}

// SyncLog is an append-only audit record of one provider operation.
type SyncLog struct {
	ID           string      `json:"id"`
	BusinessID   string      `json:"business_id"`
	ConnectionID string      `json:"connection_id"`
	MappingID    string      `json:"mapping_id,omitempty"`
	BookingID    string      `json:"booking_id,omitempty"`
	Action       SyncAction  `json:"action"`
	Outcome      SyncOutcome `json:"outcome"`
	Message      string      `json:"message"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ActionStats counts outcomes for one action.
type ActionStats struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// SyncStats aggregates sync logs for a business over a period.
type SyncStats struct {
	BusinessID string                     `json:"business_id"`
	Since      time.Time                  `json:"since"`
	Total      int                        `json:"total"`
	Succeeded  int                        `json:"succeeded"`
	Failed     int                        `json:"failed"`
	ByAction   map[SyncAction]ActionStats `json:"by_action"`
}

// SuccessRate returns the share of successful operations, or 0 with no data.
func (s *SyncStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}
