// Package coordinator mirrors bookings onto every active calendar connection
// of their staff member and tracks the outcome per connection.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/keylock"
	"github.com/bizblasts/calsync/internal/provider"
)

// Store is the persistence the coordinator needs. *db.DB implements it.
type Store interface {
	GetBooking(ctx context.Context, id string) (*db.Booking, error)
	UpdateBookingSyncStatus(ctx context.Context, id string, status db.BookingSyncStatus) error

	GetConnection(ctx context.Context, id string) (*db.CalendarConnection, error)
	ActiveConnectionsForStaff(ctx context.Context, staffID string) ([]*db.CalendarConnection, error)
	DeactivateConnection(ctx context.Context, id, reason string) error

	GetOrCreateMapping(ctx context.Context, bookingID, connectionID, eventUID string) (*db.EventMapping, error)
	MappingsForBooking(ctx context.Context, bookingID string) ([]*db.EventMapping, error)
	RetryEligibleMappings(ctx context.Context, businessID string, limit int) ([]*db.EventMapping, error)
	MarkSynced(ctx context.Context, id, externalEventID, externalCalendarID string) error
	MarkFailed(ctx context.Context, id, message string) error
	MarkDeleted(ctx context.Context, id string) error

	CreateSyncLog(ctx context.Context, entry *db.SyncLog) error
	SyncStatistics(ctx context.Context, businessID string, since time.Time) (*db.SyncStats, error)
}

// Alerter is told when a connection needs the staff member to reconnect.
type Alerter interface {
	ReconnectRequired(ctx context.Context, conn *db.CalendarConnection, reason string)
}

// ConnectionOutcome is the result of one operation on one connection.
type ConnectionOutcome struct {
	ConnectionID string        `json:"connection_id"`
	Provider     db.Provider   `json:"provider"`
	Action       db.SyncAction `json:"action"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
	Kind         provider.Kind `json:"kind,omitempty"`
}

// Succeeded reports whether the operation completed.
func (o ConnectionOutcome) Succeeded() bool {
	return o.Error == ""
}

// BookingResult summarizes one orchestration pass over a booking. Status is
// empty when no connection applied and the booking was left untouched.
type BookingResult struct {
	BookingID string               `json:"booking_id"`
	Status    db.BookingSyncStatus `json:"status,omitempty"`
	Outcomes  []ConnectionOutcome  `json:"outcomes"`
}

func (r *BookingResult) add(o ConnectionOutcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Counts returns how many outcomes succeeded out of all outcomes.
func (r *BookingResult) Counts() (succeeded, total int) {
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			succeeded++
		}
	}
	return succeeded, len(r.Outcomes)
}

// AvailabilityResult is the merged import of all of a staff member's
// calendars.
type AvailabilityResult struct {
	StaffMemberID string                   `json:"staff_member_id"`
	Events        []provider.ImportedEvent `json:"events"`
	Warnings      []string                 `json:"warnings"`
	Outcomes      []ConnectionOutcome      `json:"outcomes"`
}

// RetryResult summarizes a retry sweep.
type RetryResult struct {
	Attempted int              `json:"attempted"`
	Succeeded int              `json:"succeeded"`
	Bookings  []*BookingResult `json:"bookings"`
}

// Aggregate maps per-connection success counts to a booking status. It
// returns "" when nothing was attempted.
func Aggregate(succeeded, total int) db.BookingSyncStatus {
	switch {
	case total == 0:
		return ""
	case succeeded == total:
		return db.BookingSynced
	case succeeded > 0:
		return db.BookingSyncPending
	}
	return db.BookingSyncFailed
}

// Coordinator runs sync operations for bookings.
type Coordinator struct {
	store     Store
	providers ProviderFactory
	retry     provider.RetryPolicy
	alerts    Alerter
	bookings  *keylock.Map
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetryPolicy replaces the default backoff policy.
func WithRetryPolicy(p provider.RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retry = p
	}
}

// WithAlerter sets who is told about connections needing a reconnect.
func WithAlerter(a Alerter) Option {
	return func(c *Coordinator) {
		c.alerts = a
	}
}

// New creates a coordinator.
func New(store Store, providers ProviderFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		providers: providers,
		retry:     provider.DefaultRetryPolicy(),
		bookings:  keylock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SyncBooking creates or updates the booking's event on every active
// connection of its staff member, then records the aggregate status.
func (c *Coordinator) SyncBooking(ctx context.Context, b *db.Booking) (*BookingResult, error) {
	conns, err := c.store.ActiveConnectionsForStaff(ctx, b.StaffMemberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}
	return c.syncWith(ctx, b, conns, newProviderCache(c.providers))
}

func (c *Coordinator) syncWith(ctx context.Context, b *db.Booking, conns []*db.CalendarConnection, cache *providerCache) (*BookingResult, error) {
	unlock := c.bookings.Lock(b.ID)
	defer unlock()

	result := &BookingResult{BookingID: b.ID}
	for _, conn := range conns {
		if cache.isDeactivated(conn.ID) {
			continue
		}

		mapping, err := c.store.GetOrCreateMapping(ctx, b.ID, conn.ID, provider.NewUID(b.ID))
		if err != nil {
			log.Printf("[Coordinator] Failed to get mapping for booking %s on connection %s: %v", b.ID, conn.ID, err)
			result.add(ConnectionOutcome{ConnectionID: conn.ID, Provider: conn.Provider, Action: db.ActionCreate, Error: err.Error(), Kind: provider.KindUnknown})
			continue
		}
		if mapping.Status == db.MappingDeleted {
			continue
		}

		result.add(c.writeEvent(ctx, b, conn, mapping, cache))
	}

	return result, c.finish(ctx, result)
}

// UpdateBooking rewrites the booking's event on connections that already
// have a mapping for it. A mapping whose create never reached the provider
// is created now from the updated booking. Inactive connections are skipped.
func (c *Coordinator) UpdateBooking(ctx context.Context, b *db.Booking) (*BookingResult, error) {
	unlock := c.bookings.Lock(b.ID)
	defer unlock()

	targets, err := c.mappedConnections(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	cache := newProviderCache(c.providers)
	result := &BookingResult{BookingID: b.ID}
	for _, t := range targets {
		if cache.isDeactivated(t.conn.ID) {
			continue
		}
		result.add(c.writeEvent(ctx, b, t.conn, t.mapping, cache))
	}

	return result, c.finish(ctx, result)
}

// DeleteBooking removes the booking's event from connections that have a
// mapping for it. Inactive connections are skipped.
func (c *Coordinator) DeleteBooking(ctx context.Context, b *db.Booking) (*BookingResult, error) {
	unlock := c.bookings.Lock(b.ID)
	defer unlock()

	targets, err := c.mappedConnections(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	cache := newProviderCache(c.providers)
	result := &BookingResult{BookingID: b.ID}
	for _, t := range targets {
		if cache.isDeactivated(t.conn.ID) {
			continue
		}
		result.add(c.deleteEvent(ctx, b, t.conn, t.mapping, cache))
	}

	return result, c.finish(ctx, result)
}

// ImportAvailability pulls events in [start, end) from every active
// connection of a staff member. A failing connection contributes a warning.
func (c *Coordinator) ImportAvailability(ctx context.Context, staffID string, start, end time.Time) (*AvailabilityResult, error) {
	if !start.Before(end) {
		return nil, provider.NewError(provider.KindBadRequest, "import_availability", "start must be before end")
	}

	conns, err := c.store.ActiveConnectionsForStaff(ctx, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	cache := newProviderCache(c.providers)
	result := &AvailabilityResult{StaffMemberID: staffID, Events: []provider.ImportedEvent{}}
	for _, conn := range conns {
		var imported *provider.ImportResult
		outcome := c.run(ctx, conn, "", "", db.ActionImport, cache, func(p provider.SyncProvider) (string, error) {
			res, err := p.ImportEvents(ctx, start, end)
			if err != nil {
				return "", err
			}
			imported = res
			return fmt.Sprintf("imported %d events with %d warnings", res.ImportedCount(), len(res.Errors)), nil
		})
		result.Outcomes = append(result.Outcomes, outcome)

		if !outcome.Succeeded() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("connection %s: %s", conn.ID, outcome.Error))
			continue
		}
		result.Events = append(result.Events, imported.Events...)
		for _, w := range imported.Errors {
			result.Warnings = append(result.Warnings, fmt.Sprintf("connection %s: %s", conn.ID, w))
		}
	}

	return result, nil
}

// BatchSyncBookings syncs many bookings, building each staff member's
// providers once and reusing them across that staff member's bookings.
func (c *Coordinator) BatchSyncBookings(ctx context.Context, bookings []*db.Booking) ([]*BookingResult, error) {
	var staffOrder []string
	byStaff := make(map[string][]*db.Booking)
	for _, b := range bookings {
		if _, ok := byStaff[b.StaffMemberID]; !ok {
			staffOrder = append(staffOrder, b.StaffMemberID)
		}
		byStaff[b.StaffMemberID] = append(byStaff[b.StaffMemberID], b)
	}

	results := make([]*BookingResult, 0, len(bookings))
	var errs []error
	for _, staffID := range staffOrder {
		conns, err := c.store.ActiveConnectionsForStaff(ctx, staffID)
		if err != nil {
			errs = append(errs, fmt.Errorf("staff %s: failed to load connections: %w", staffID, err))
			continue
		}

		cache := newProviderCache(c.providers)
		for _, b := range byStaff[staffID] {
			res, err := c.syncWith(ctx, b, conns, cache)
			if err != nil {
				errs = append(errs, fmt.Errorf("booking %s: %w", b.ID, err))
			}
			if res != nil {
				results = append(results, res)
			}
		}
	}

	log.Printf("[Coordinator] Batch sync finished: %d bookings, %d errors", len(results), len(errs))
	return results, errors.Join(errs...)
}

// RetryFailedSyncs re-attempts up to limit failed mappings of a business
// whose retry count is below the cap, then recomputes the status of each
// touched booking from all of its mappings.
func (c *Coordinator) RetryFailedSyncs(ctx context.Context, businessID string, limit int) (*RetryResult, error) {
	mappings, err := c.store.RetryEligibleMappings(ctx, businessID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load retry-eligible mappings: %w", err)
	}

	var bookingOrder []string
	byBooking := make(map[string][]*db.EventMapping)
	for _, m := range mappings {
		if _, ok := byBooking[m.BookingID]; !ok {
			bookingOrder = append(bookingOrder, m.BookingID)
		}
		byBooking[m.BookingID] = append(byBooking[m.BookingID], m)
	}

	out := &RetryResult{}
	cache := newProviderCache(c.providers)
	for _, bookingID := range bookingOrder {
		res, err := c.retryBooking(ctx, bookingID, byBooking[bookingID], cache)
		if err != nil {
			log.Printf("[Coordinator] Retry of booking %s failed: %v", bookingID, err)
			continue
		}
		for _, o := range res.Outcomes {
			out.Attempted++
			if o.Succeeded() {
				out.Succeeded++
			}
		}
		out.Bookings = append(out.Bookings, res)
	}

	if out.Attempted > 0 {
		log.Printf("[Coordinator] Retry sweep for business %s: %d/%d succeeded", businessID, out.Succeeded, out.Attempted)
	}
	return out, nil
}

func (c *Coordinator) retryBooking(ctx context.Context, bookingID string, mappings []*db.EventMapping, cache *providerCache) (*BookingResult, error) {
	unlock := c.bookings.Lock(bookingID)
	defer unlock()

	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	result := &BookingResult{BookingID: bookingID}
	for _, m := range mappings {
		conn, err := c.store.GetConnection(ctx, m.ConnectionID)
		if err != nil {
			log.Printf("[Coordinator] Skipping mapping %s: %v", m.ID, err)
			continue
		}
		if !conn.Active || cache.isDeactivated(conn.ID) {
			continue
		}
		result.add(c.writeEvent(ctx, b, conn, m, cache))
	}

	status, err := c.statusFromMappings(ctx, bookingID)
	if err != nil {
		return result, err
	}
	result.Status = status
	if status != "" {
		if err := c.store.UpdateBookingSyncStatus(ctx, bookingID, status); err != nil {
			return result, fmt.Errorf("failed to update booking status: %w", err)
		}
	}
	return result, nil
}

// SyncStatistics aggregates the sync log of a business since a time.
func (c *Coordinator) SyncStatistics(ctx context.Context, businessID string, since time.Time) (*db.SyncStats, error) {
	return c.store.SyncStatistics(ctx, businessID, since)
}

type mappedConnection struct {
	conn    *db.CalendarConnection
	mapping *db.EventMapping
}

// mappedConnections returns the live mappings of a booking whose connection
// is still active.
func (c *Coordinator) mappedConnections(ctx context.Context, bookingID string) ([]mappedConnection, error) {
	mappings, err := c.store.MappingsForBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}

	var out []mappedConnection
	for _, m := range mappings {
		if m.Status == db.MappingDeleted {
			continue
		}
		conn, err := c.store.GetConnection(ctx, m.ConnectionID)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				log.Printf("[Coordinator] Failed to load connection %s: %v", m.ConnectionID, err)
			}
			continue
		}
		if !conn.Active {
			continue
		}
		out = append(out, mappedConnection{conn: conn, mapping: m})
	}
	return out, nil
}

// statusFromMappings derives a booking's status from its live mappings on
// active connections.
func (c *Coordinator) statusFromMappings(ctx context.Context, bookingID string) (db.BookingSyncStatus, error) {
	mapped, err := c.mappedConnections(ctx, bookingID)
	if err != nil {
		return "", err
	}
	var succeeded int
	for _, m := range mapped {
		if m.mapping.Status == db.MappingSynced {
			succeeded++
		}
	}
	return Aggregate(succeeded, len(mapped)), nil
}

func (c *Coordinator) finish(ctx context.Context, result *BookingResult) error {
	result.Status = Aggregate(result.Counts())
	if result.Status == "" {
		return nil
	}
	if err := c.store.UpdateBookingSyncStatus(ctx, result.BookingID, result.Status); err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	return nil
}

// writeEvent updates the mapping's remote event when one exists and creates
// it with the mapping's UID otherwise.
func (c *Coordinator) writeEvent(ctx context.Context, b *db.Booking, conn *db.CalendarConnection, m *db.EventMapping, cache *providerCache) ConnectionOutcome {
	action := db.ActionCreate
	if m.HasRemoteEvent() {
		action = db.ActionUpdate
	}

	var written *provider.EventResult
	outcome := c.run(ctx, conn, b.ID, m.ID, action, cache, func(p provider.SyncProvider) (string, error) {
		var err error
		if action == db.ActionUpdate {
			written, err = p.UpdateEvent(ctx, b, m.ExternalEventID)
		} else {
			written, err = p.CreateEvent(ctx, b, m.EventUID)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%sd event %s", action, written.ExternalEventID), nil
	})

	if outcome.Succeeded() {
		if err := c.store.MarkSynced(ctx, m.ID, written.ExternalEventID, written.ExternalCalendarID); err != nil {
			log.Printf("[Coordinator] Failed to mark mapping %s synced: %v", m.ID, err)
		}
	} else if err := c.store.MarkFailed(ctx, m.ID, outcome.Error); err != nil {
		log.Printf("[Coordinator] Failed to mark mapping %s failed: %v", m.ID, err)
	}
	return outcome
}

func (c *Coordinator) deleteEvent(ctx context.Context, b *db.Booking, conn *db.CalendarConnection, m *db.EventMapping, cache *providerCache) ConnectionOutcome {
	outcome := ConnectionOutcome{ConnectionID: conn.ID, Provider: conn.Provider, Action: db.ActionDelete}
	if m.HasRemoteEvent() {
		outcome = c.run(ctx, conn, b.ID, m.ID, db.ActionDelete, cache, func(p provider.SyncProvider) (string, error) {
			if err := p.DeleteEvent(ctx, m.ExternalEventID); err != nil {
				return "", err
			}
			return "deleted event " + m.ExternalEventID, nil
		})
	}

	if outcome.Succeeded() {
		if err := c.store.MarkDeleted(ctx, m.ID); err != nil {
			log.Printf("[Coordinator] Failed to mark mapping %s deleted: %v", m.ID, err)
		}
	} else if err := c.store.MarkFailed(ctx, m.ID, outcome.Error); err != nil {
		log.Printf("[Coordinator] Failed to mark mapping %s failed: %v", m.ID, err)
	}
	return outcome
}

// run performs one provider operation under the retry policy, records it in
// the sync log and handles connections that need a reconnect. Errors and
// panics never escape.
func (c *Coordinator) run(ctx context.Context, conn *db.CalendarConnection, bookingID, mappingID string, action db.SyncAction, cache *providerCache, fn func(provider.SyncProvider) (string, error)) ConnectionOutcome {
	outcome := ConnectionOutcome{ConnectionID: conn.ID, Provider: conn.Provider, Action: action}
	op := string(action)

	var message string
	attempts, err := c.retry.Do(func(int) error {
		return guard(op, func() error {
			p, err := cache.get(conn)
			if err != nil {
				return err
			}
			message, err = fn(p)
			if err != nil {
				return provider.Classify(op, err)
			}
			return nil
		})
	})
	outcome.Attempts = attempts

	entry := &db.SyncLog{
		BusinessID:   conn.BusinessID,
		ConnectionID: conn.ID,
		MappingID:    mappingID,
		BookingID:    bookingID,
		Action:       action,
		Outcome:      db.OutcomeSuccess,
		Message:      message,
	}

	if err != nil {
		outcome.Error = err.Error()
		outcome.Kind = provider.KindOf(err)
		entry.Outcome = db.OutcomeFailure
		entry.Message = fmt.Sprintf("%s (after %d attempts)", err.Error(), attempts)
		log.Printf("[Coordinator] %s on %s connection %s failed after %d attempts: %v", action, conn.Provider, conn.ID, attempts, err)

		if outcome.Kind.RequiresReconnect() {
			c.requireReconnect(ctx, conn, err)
			cache.markDeactivated(conn.ID)
		}
	}

	if lerr := c.store.CreateSyncLog(ctx, entry); lerr != nil {
		log.Printf("[Coordinator] Failed to write sync log: %v", lerr)
	}
	return outcome
}

func (c *Coordinator) requireReconnect(ctx context.Context, conn *db.CalendarConnection, cause error) {
	reason := fmt.Sprintf("reconnect required: %s", provider.KindOf(cause))
	if err := c.store.DeactivateConnection(ctx, conn.ID, reason); err != nil {
		log.Printf("[Coordinator] Failed to deactivate connection %s: %v", conn.ID, err)
		return
	}
	log.Printf("[Coordinator] Connection %s deactivated: %s", conn.ID, reason)

	if c.alerts != nil {
		c.alerts.ReconnectRequired(ctx, conn, reason)
	}
}

// guard converts a panic in fn into an error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Coordinator] Recovered panic in %s: %v\n%s", op, r, debug.Stack())
			err = provider.NewError(provider.KindUnknown, op, fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn()
}
