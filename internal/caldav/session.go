package caldav

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

// Session is a SyncProvider for one CalDAV connection over one sync pass.
// It holds the discovery result for its own lifetime only.
type Session struct {
	conn       *db.CalendarConnection
	client     *Client
	discoverer Discoverer
	discovery  *DiscoveryResult
	now        func() time.Time
}

var _ provider.SyncProvider = (*Session)(nil)

// Client returns the session's transport client.
func (s *Session) Client() *Client {
	return s.client
}

// UseDiscovery installs an already computed discovery result.
func (s *Session) UseDiscovery(result *DiscoveryResult) {
	s.discovery = result
}

// Discover returns the session's discovery result, running discovery on
// first use.
func (s *Session) Discover(ctx context.Context) (*DiscoveryResult, error) {
	if s.discovery != nil {
		return s.discovery, nil
	}
	result, err := s.discoverer.Discover(ctx)
	if err != nil {
		return nil, provider.Classify("discover", err)
	}
	s.discovery = result
	return result, nil
}

// CreateEvent writes a new VEVENT named {uid}.ics into the primary calendar.
// If a previous attempt with the same UID already created it, the event is
// overwritten in place instead.
func (s *Session) CreateEvent(ctx context.Context, b *db.Booking, uid string) (*provider.EventResult, error) {
	const op = "create_event"
	if err := provider.EnsureActive(op, s.conn); err != nil {
		return nil, err
	}
	if err := provider.ValidateBooking(op, b); err != nil {
		return nil, err
	}

	discovery, err := s.Discover(ctx)
	if err != nil {
		return nil, err
	}

	calendarURL := discovery.Primary()
	href := eventHref(calendarURL, uid)

	data, err := buildEvent(b, uid, s.now())
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindBadRequest, Op: op, Err: err}
	}

	err = s.client.Put(ctx, href, data, true)
	if provider.IsKind(err, provider.KindPreconditionFailed) {
		err = s.client.Put(ctx, href, data, false)
	}
	if err != nil {
		return nil, relabel(op, err)
	}

	return &provider.EventResult{ExternalEventID: href, ExternalCalendarID: calendarURL}, nil
}

// UpdateEvent rewrites the event at externalID, keeping its UID.
func (s *Session) UpdateEvent(ctx context.Context, b *db.Booking, externalID string) (*provider.EventResult, error) {
	const op = "update_event"
	if err := provider.EnsureActive(op, s.conn); err != nil {
		return nil, err
	}
	if err := provider.ValidateBooking(op, b); err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, provider.NewError(provider.KindBadRequest, op, "external event id is required")
	}

	data, err := buildEvent(b, uidFromHref(externalID), s.now())
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindBadRequest, Op: op, Err: err}
	}

	if err := s.client.Put(ctx, externalID, data, false); err != nil {
		return nil, relabel(op, err)
	}

	return &provider.EventResult{ExternalEventID: externalID, ExternalCalendarID: parentCollection(externalID)}, nil
}

// DeleteEvent removes the event at externalID. A missing event counts as
// deleted.
func (s *Session) DeleteEvent(ctx context.Context, externalID string) error {
	const op = "delete_event"
	if err := provider.EnsureActive(op, s.conn); err != nil {
		return err
	}
	if externalID == "" {
		return nil
	}

	err := s.client.Delete(ctx, externalID)
	if err == nil || provider.IsKind(err, provider.KindNotFound) {
		return nil
	}
	return relabel(op, err)
}

// ImportEvents runs a time-range calendar-query on every discovered calendar.
// Unparsable entries and failing calendars become warnings.
func (s *Session) ImportEvents(ctx context.Context, start, end time.Time) (*provider.ImportResult, error) {
	const op = "import_events"
	if err := provider.EnsureActive(op, s.conn); err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, provider.NewError(provider.KindBadRequest, op, "import window start must be before end")
	}

	discovery, err := s.Discover(ctx)
	if err != nil {
		return nil, err
	}

	result := &provider.ImportResult{}
	for _, calendarURL := range discovery.CalendarURLs {
		raw, err := s.client.Report(ctx, calendarURL, 1, calendarQueryBody(start, end))
		if err != nil {
			if provider.KindOf(err).RequiresReconnect() || provider.IsKind(err, provider.KindForbidden) {
				return nil, relabel(op, err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", calendarURL, err))
			continue
		}
		parseReport(raw, calendarURL, s.client, result)
	}

	return result, nil
}

// RefreshAccessToken always succeeds: basic auth has no token to refresh.
func (s *Session) RefreshAccessToken(context.Context) bool {
	return true
}

// parseReport adds the events of one calendar-query reply to result. When
// the XML envelope itself cannot be parsed, calendar blocks are recovered
// from the raw body by the bounded marker scan.
func parseReport(raw []byte, calendarURL string, client *Client, result *provider.ImportResult) {
	responses, err := parseMultistatus(raw)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: unparsable multistatus, scanning raw body: %v", calendarURL, err))
		collectBlocks(xmlEntities.Replace(string(raw)), "", calendarURL, result)
		return
	}

	for _, r := range responses {
		resourceID := ""
		if r.Href != "" {
			resourceID = resolveAgainst(client.Resolve(calendarURL), r.Href)
		}
		for _, data := range r.CalendarData {
			collectBlocks(data, resourceID, calendarURL, result)
		}
	}
}

func collectBlocks(data, resourceID, calendarURL string, result *provider.ImportResult) {
	for _, block := range splitCalendarBlocks(data) {
		events, err := parseCalendarBlock(block, resourceID, calendarURL).Get()
		if err != nil {
			label := resourceID
			if label == "" {
				label = calendarURL
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		result.Events = append(result.Events, events...)
	}
}

// relabel rewrites the operation name on a transport error.
func relabel(op string, err error) error {
	pe := provider.Classify(op, err)
	out := *pe
	out.Op = op
	return &out
}

func eventHref(calendarURL, uid string) string {
	if !strings.HasSuffix(calendarURL, "/") {
		calendarURL += "/"
	}
	return calendarURL + uid + ".ics"
}

func parentCollection(href string) string {
	trimmed := strings.TrimSuffix(href, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[:i+1]
	}
	return ""
}
