// Package microsoft writes bookings to and imports busy time from Outlook
// calendars through Microsoft Graph.
package microsoft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

const (
	// GraphBaseURL is the Graph v1.0 root.
	GraphBaseURL = "https://graph.microsoft.com/v1.0"

	// DefaultCalendar labels events written to the mailbox's default calendar.
	DefaultCalendar = "default"

	graphTimeFormat = "2006-01-02T15:04:05"
	defaultTimeout  = 30 * time.Second
	viewPageSize    = 100
	maxErrorBody    = 4096
)

// Client is a SyncProvider backed by one Microsoft connection.
type Client struct {
	session    *provider.OAuthSession
	httpClient *http.Client
	baseURL    string
}

var _ provider.SyncProvider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another Graph root, used by tests.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(base, "/")
	}
}

// WithHTTPClient replaces the default HTTP client.
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
		baseURL:    GraphBaseURL,
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

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type attendee struct {
	EmailAddress emailAddress    `json:"emailAddress"`
	Type         string          `json:"type"`
	Status       *responseStatus `json:"status,omitempty"`
}

type responseStatus struct {
	Response string `json:"response"`
}

type dateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type location struct {
	DisplayName string `json:"displayName"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// graphEvent is the subset of the Graph event resource this client writes
// and reads.
type graphEvent struct {
	ID                         string        `json:"id,omitempty"`
	Subject                    string        `json:"subject,omitempty"`
	Body                       *itemBody     `json:"body,omitempty"`
	Start                      *dateTimeZone `json:"start,omitempty"`
	End                        *dateTimeZone `json:"end,omitempty"`
	Location                   *location     `json:"location,omitempty"`
	Attendees                  []attendee    `json:"attendees,omitempty"`
	Organizer                  *recipient    `json:"organizer,omitempty"`
	IsAllDay                   bool          `json:"isAllDay,omitempty"`
	IsCancelled                bool          `json:"isCancelled,omitempty"`
	ShowAs                     string        `json:"showAs,omitempty"`
	IsReminderOn               *bool         `json:"isReminderOn,omitempty"`
	ReminderMinutesBeforeStart *int          `json:"reminderMinutesBeforeStart,omitempty"`
	TransactionID              string        `json:"transactionId,omitempty"`
}

type eventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateEvent posts the booking's event to the default calendar. The UID is
// sent as transactionId so a retried POST does not create a duplicate.
func (c *Client) CreateEvent(ctx context.Context, b *db.Booking, uid string) (*provider.EventResult, error) {
	const op = "create_event"
	if err := provider.ValidateBooking(op, b); err != nil {
		return nil, err
	}

	event := buildEvent(b)
	event.TransactionID = uid

	var created graphEvent
	if err := c.do(ctx, op, http.MethodPost, c.baseURL+"/me/calendar/events", event, &created, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, provider.NewError(provider.KindUnknown, op, "response carried no event id")
	}
	return &provider.EventResult{ExternalEventID: created.ID, ExternalCalendarID: DefaultCalendar}, nil
}

// UpdateEvent patches an existing event.
func (c *Client) UpdateEvent(ctx context.Context, b *db.Booking, externalID string) (*provider.EventResult, error) {
	const op = "update_event"
	if err := provider.ValidateBooking(op, b); err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, provider.NewError(provider.KindBadRequest, op, "external event id is required")
	}

	var updated graphEvent
	endpoint := c.baseURL + "/me/events/" + url.PathEscape(externalID)
	if err := c.do(ctx, op, http.MethodPatch, endpoint, buildEvent(b), &updated, http.StatusOK); err != nil {
		return nil, err
	}

	id := updated.ID
	if id == "" {
		id = externalID
	}
	return &provider.EventResult{ExternalEventID: id, ExternalCalendarID: DefaultCalendar}, nil
}

// DeleteEvent removes an event. A missing event counts as deleted.
func (c *Client) DeleteEvent(ctx context.Context, externalID string) error {
	const op = "delete_event"
	if externalID == "" {
		return nil
	}

	endpoint := c.baseURL + "/me/events/" + url.PathEscape(externalID)
	err := c.do(ctx, op, http.MethodDelete, endpoint, nil, nil, http.StatusNoContent, http.StatusOK)
	if provider.IsKind(err, provider.KindNotFound) {
		return nil
	}
	return err
}

// ImportEvents reads the calendar view for [start, end), following
// @odata.nextLink pages.
func (c *Client) ImportEvents(ctx context.Context, start, end time.Time) (*provider.ImportResult, error) {
	const op = "import_events"
	if !start.Before(end) {
		return nil, provider.NewError(provider.KindBadRequest, op, "import window start must be before end")
	}

	params := url.Values{}
	params.Set("startDateTime", start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", end.UTC().Format(time.RFC3339))
	params.Set("$top", fmt.Sprintf("%d", viewPageSize))
	params.Set("$select", "id,subject,start,end,isAllDay,isCancelled,showAs")
	next := c.baseURL + "/me/calendarView?" + params.Encode()

	result := &provider.ImportResult{}
	for next != "" {
		var page eventPage
		if err := c.do(ctx, op, http.MethodGet, next, nil, &page, http.StatusOK); err != nil {
			return nil, err
		}

		for i := range page.Value {
			ev := &page.Value[i]
			if ev.IsCancelled || ev.ShowAs == "free" {
				continue
			}
			imported, err := importEvent(ev)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ev.ID, err))
				continue
			}
			result.Events = append(result.Events, imported)
		}

		next = page.NextLink
	}

	return result, nil
}

// RefreshAccessToken forces a token refresh.
func (c *Client) RefreshAccessToken(ctx context.Context) bool {
	return c.session.Refresh(ctx)
}

// do sends one Graph request with a fresh bearer token and decodes the reply
// into out when the status is one of ok.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any, ok ...int) error {
	token, err := c.session.AccessToken(ctx, op)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &provider.Error{Kind: provider.KindBadRequest, Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return provider.Classify(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Classify(op, err)
	}
	defer resp.Body.Close()

	for _, status := range ok {
		if resp.StatusCode != status {
			continue
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &provider.Error{Kind: provider.KindUnknown, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return nil
	}

	return statusError(op, resp)
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var ge graphError
	message := ""
	if json.Unmarshal(raw, &ge) == nil {
		message = ge.Error.Message
		if ge.Error.Code != "" {
			message = ge.Error.Code + ": " + message
		}
	}
	return provider.FromStatus(op, resp.StatusCode, message)
}

func buildEvent(b *db.Booking) *graphEvent {
	reminderOn := true
	reminder := provider.PopupReminderMinutes

	event := &graphEvent{
		Subject:                    provider.EventSummary(b),
		Body:                       &itemBody{ContentType: "text", Content: provider.EventDescription(b)},
		Start:                      &dateTimeZone{DateTime: b.StartTime.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		End:                        &dateTimeZone{DateTime: b.EndTime.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		ShowAs:                     "busy",
		IsReminderOn:               &reminderOn,
		ReminderMinutesBeforeStart: &reminder,
	}

	if b.BusinessAddress != "" {
		event.Location = &location{DisplayName: b.BusinessAddress}
	}
	if b.CustomerEmail != "" {
		event.Attendees = append(event.Attendees, attendee{
			EmailAddress: emailAddress{Address: b.CustomerEmail, Name: b.CustomerName},
			Type:         "required",
			Status:       &responseStatus{Response: "accepted"},
		})
	}
	if b.StaffEmail != "" {
		event.Organizer = &recipient{EmailAddress: emailAddress{Address: b.StaffEmail, Name: b.StaffName}}
	}

	return event
}

func importEvent(ev *graphEvent) (provider.ImportedEvent, error) {
	start, err := parseGraphTime(ev.Start)
	if err != nil {
		return provider.ImportedEvent{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseGraphTime(ev.End)
	if err != nil {
		return provider.ImportedEvent{}, fmt.Errorf("invalid end: %w", err)
	}

	return provider.ImportedEvent{
		ExternalEventID:    ev.ID,
		ExternalCalendarID: DefaultCalendar,
		StartsAt:           start,
		EndsAt:             end,
		Summary:            ev.Subject,
	}, nil
}

// parseGraphTime reads a dateTimeTimeZone value. Graph returns UTC when asked
// through the Prefer header; other zones are honored when known.
func parseGraphTime(dt *dateTimeZone) (time.Time, error) {
	if dt == nil || dt.DateTime == "" {
		return time.Time{}, fmt.Errorf("missing dateTime")
	}

	loc := time.UTC
	if dt.TimeZone != "" && !strings.EqualFold(dt.TimeZone, "UTC") {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}

	t, err := time.ParseInLocation(graphTimeFormat, dt.DateTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
