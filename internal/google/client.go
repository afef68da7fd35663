// Package google writes bookings to and imports busy time from Google
// Calendar through the calendar/v3 API.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

const (
	// PrimaryCalendar is the calendar id events are written to.
	PrimaryCalendar = "primary"

	// Private extended property keys stamped on every created event.
	uidProperty     = "bizblasts_uid"
	bookingProperty = "bizblasts_booking_id"

	defaultTimeout = 30 * time.Second
	listPageSize   = 250
)

// Client is a SyncProvider backed by one Google connection.
type Client struct {
	session    *provider.OAuthSession
	httpClient *http.Client
	endpoint   string
	calendarID string
}

var _ provider.SyncProvider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithEndpoint points the client at another API root, used by tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient sets the base transport the bearer token is layered on.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for conn. refresher renews expired tokens.
func NewClient(conn *db.CalendarConnection, refresher provider.TokenRefresher, opts ...Option) *Client {
	c := &Client{
		session:    provider.NewOAuthSession(conn, refresher, nil),
		httpClient: &http.Client{Timeout: defaultTimeout},
		calendarID: PrimaryCalendar,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connection returns the connection with its latest tokens.
func (c *Client) Connection() *db.CalendarConnection {
	return c.session.Connection()
}

func (c *Client) service(ctx context.Context, op string) (*calendar.Service, error) {
	token, err := c.session.AccessToken(ctx, op)
	if err != nil {
		return nil, err
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), ts)
	hc.Timeout = c.httpClient.Timeout

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, provider.Classify(op, fmt.Errorf("failed to create calendar service: %w", err))
	}
	return svc, nil
}

// CreateEvent inserts the booking's event. If an event carrying the same
// UID already exists from an earlier attempt, it is patched instead.
func (c *Client) CreateEvent(ctx context.Context, b *db.Booking, uid string) (*provider.EventResult, error) {
	const op = "create_event"
	if err := provider.ValidateBooking(op, b); err != nil {
		return nil, err
	}
	svc, err := c.service(ctx, op)
	if err != nil {
		return nil, err
	}

	event := buildEvent(b, uid)

	existing, err := c.findByUID(ctx, svc, uid)
	if err != nil {
		return nil, apiError(op, err)
	}
	if existing != "" {
		updated, err := svc.Events.Patch(c.calendarID, existing, event).Context(ctx).Do()
		if err != nil {
			return nil, apiError(op, err)
		}
		return &provider.EventResult{ExternalEventID: updated.Id, ExternalCalendarID: c.calendarID}, nil
	}

	created, err := svc.Events.Insert(c.calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, apiError(op, err)
	}
	return &provider.EventResult{ExternalEventID: created.Id, ExternalCalendarID: c.calendarID}, nil
}

// UpdateEvent patches an existing event with the booking's current details.
func (c *Client) UpdateEvent(ctx context.Context, b *db.Booking, externalID string) (*provider.EventResult, error) {
	const op = "update_event"
	if err := provider.ValidateBooking(op, b); err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, provider.NewError(provider.KindBadRequest, op, "external event id is required")
	}
	svc, err := c.service(ctx, op)
	if err != nil {
		return nil, err
	}

	event := buildEvent(b, "")
	updated, err := svc.Events.Patch(c.calendarID, externalID, event).Context(ctx).Do()
	if err != nil {
		return nil, apiError(op, err)
	}
	return &provider.EventResult{ExternalEventID: updated.Id, ExternalCalendarID: c.calendarID}, nil
}

// DeleteEvent removes an event. Missing or already deleted events count as
// deleted.
func (c *Client) DeleteEvent(ctx context.Context, externalID string) error {
	const op = "delete_event"
	if externalID == "" {
		return nil
	}
	svc, err := c.service(ctx, op)
	if err != nil {
		return err
	}

	err = svc.Events.Delete(c.calendarID, externalID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	pe := apiError(op, err)
	if pe.Kind == provider.KindNotFound {
		return nil
	}
	return pe
}

// ImportEvents lists busy events overlapping [start, end), expanding
// recurring events into instances.
func (c *Client) ImportEvents(ctx context.Context, start, end time.Time) (*provider.ImportResult, error) {
	const op = "import_events"
	if !start.Before(end) {
		return nil, provider.NewError(provider.KindBadRequest, op, "import window start must be before end")
	}
	svc, err := c.service(ctx, op)
	if err != nil {
		return nil, err
	}

	result := &provider.ImportResult{}
	pageToken := ""
	for {
		call := svc.Events.List(c.calendarID).
			SingleEvents(true).
			OrderBy("startTime").
			ShowDeleted(false).
			TimeMin(start.UTC().Format(time.RFC3339)).
			TimeMax(end.UTC().Format(time.RFC3339)).
			MaxResults(listPageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, apiError(op, err)
		}

		for _, item := range resp.Items {
			if item.Status == "cancelled" || item.Transparency == "transparent" {
				continue
			}
			imported, err := importEvent(item, c.calendarID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.Id, err))
				continue
			}
			result.Events = append(result.Events, imported)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return result, nil
}

// RefreshAccessToken forces a token refresh.
func (c *Client) RefreshAccessToken(ctx context.Context) bool {
	return c.session.Refresh(ctx)
}

func (c *Client) findByUID(ctx context.Context, svc *calendar.Service, uid string) (string, error) {
	if uid == "" {
		return "", nil
	}
	resp, err := svc.Events.List(c.calendarID).
		PrivateExtendedProperty(uidProperty + "=" + uid).
		ShowDeleted(false).
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	if len(resp.Items) == 0 {
		return "", nil
	}
	return resp.Items[0].Id, nil
}

// buildEvent maps a booking to a calendar/v3 event. An empty uid leaves the
// extended properties untouched on patch.
func buildEvent(b *db.Booking, uid string) *calendar.Event {
	event := &calendar.Event{
		Summary:      provider.EventSummary(b),
		Description:  provider.EventDescription(b),
		Location:     b.BusinessAddress,
		Status:       "confirmed",
		Transparency: "opaque",
		Start: &calendar.EventDateTime{
			DateTime: b.StartTime.UTC().Format(time.RFC3339),
			TimeZone: "UTC",
		},
		End: &calendar.EventDateTime{
			DateTime: b.EndTime.UTC().Format(time.RFC3339),
			TimeZone: "UTC",
		},
		Reminders: &calendar.EventReminders{
			UseDefault: false,
			Overrides: []*calendar.EventReminder{
				{Method: "email", Minutes: provider.EmailReminderMinutes},
				{Method: "popup", Minutes: provider.PopupReminderMinutes},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}

	if b.CustomerEmail != "" {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{
			Email:          b.CustomerEmail,
			DisplayName:    b.CustomerName,
			ResponseStatus: "accepted",
		})
	}
	if b.StaffEmail != "" {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{
			Email:          b.StaffEmail,
			DisplayName:    b.StaffName,
			Organizer:      true,
			ResponseStatus: "accepted",
		})
	}

	if uid != "" {
		event.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{
				uidProperty:     uid,
				bookingProperty: b.ID,
			},
		}
	}

	return event
}

func importEvent(item *calendar.Event, calendarID string) (provider.ImportedEvent, error) {
	start, allDay, err := eventTime(item.Start)
	if err != nil {
		return provider.ImportedEvent{}, fmt.Errorf("invalid start: %w", err)
	}
	end, _, err := eventTime(item.End)
	if err != nil {
		if !allDay {
			return provider.ImportedEvent{}, fmt.Errorf("invalid end: %w", err)
		}
		end = start.Add(24 * time.Hour)
	}

	return provider.ImportedEvent{
		ExternalEventID:    item.Id,
		ExternalCalendarID: calendarID,
		StartsAt:           start,
		EndsAt:             end,
		Summary:            item.Summary,
	}, nil
}

var errNoTime = errors.New("no date or dateTime")

// eventTime reads a timed or all-day boundary in UTC.
func eventTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, errNoTime
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), false, nil
	}
	if dt.Date != "" {
		t, err := time.Parse(time.DateOnly, dt.Date)
		if err != nil {
			return time.Time{}, true, err
		}
		return t, true, nil
	}
	return time.Time{}, false, errNoTime
}

// apiError maps calendar API failures onto the provider taxonomy. Google
// reports quota exhaustion as 403 with a rate limit reason.
func apiError(op string, err error) *provider.Error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return provider.Classify(op, err)
	}

	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			if strings.Contains(strings.ToLower(item.Reason), "ratelimitexceeded") {
				return &provider.Error{Kind: provider.KindRateLimited, Op: op, Status: gerr.Code, Message: gerr.Message, Err: err}
			}
		}
	}

	pe := provider.FromStatus(op, gerr.Code, gerr.Message)
	pe.Err = err
	return pe
}
