package caldav

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

func testBooking() *db.Booking {
	return &db.Booking{
		ID:            "42",
		StartTime:     time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		EndTime:       time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC),
		ServiceName:   "Haircut",
		CustomerName:  "Dana",
		CustomerEmail: "dana@example.com",
		StaffName:     "Sam",
	}
}

func icloudConnection() *db.CalendarConnection {
	return &db.CalendarConnection{
		ID:             "conn-1",
		Provider:       db.ProviderCalDAV,
		CalDAVKind:     db.CalDAVKindICloud,
		CalDAVUsername: "alice@icloud.com",
		CalDAVPassword: "app-pass",
		Active:         true,
	}
}

func newTestSession(t *testing.T, dav *fakeDAV, conn *db.CalendarConnection) *Session {
	t.Helper()
	f := NewFactory(dav.URL() + "/")
	f.Now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	if conn.CalDAVKind != db.CalDAVKindICloud {
		conn.CalDAVURL = dav.URL() + conn.CalDAVURL
	}
	s, err := f.NewSession(conn)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return s
}

func TestSessionCreateEvent(t *testing.T) {
	t.Run("discovers once per session", func(t *testing.T) {
		dav := newICloudServer(t)
		dav.status("PUT", "/123/calendars/work/bizblasts-42-aaaa.ics", http.StatusCreated)
		dav.status("PUT", "/123/calendars/work/bizblasts-43-bbbb.ics", http.StatusCreated)

		s := newTestSession(t, dav, icloudConnection())

		res, err := s.CreateEvent(context.Background(), testBooking(), "bizblasts-42-aaaa")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.ExternalEventID != dav.URL()+"/123/calendars/work/bizblasts-42-aaaa.ics" {
			t.Errorf("unexpected external id %q", res.ExternalEventID)
		}
		if res.ExternalCalendarID != dav.URL()+"/123/calendars/work/" {
			t.Errorf("unexpected calendar id %q", res.ExternalCalendarID)
		}

		second := testBooking()
		second.ID = "43"
		if _, err := s.CreateEvent(context.Background(), second, "bizblasts-43-bbbb"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if n := len(dav.requests("PROPFIND")); n != 3 {
			t.Errorf("expected 3 PROPFINDs across both creates, got %d", n)
		}
	})

	t.Run("sends If-None-Match and the booking's UID", func(t *testing.T) {
		dav := newICloudServer(t)
		dav.status("PUT", "/123/calendars/work/bizblasts-42-aaaa.ics", http.StatusCreated)

		s := newTestSession(t, dav, icloudConnection())
		if _, err := s.CreateEvent(context.Background(), testBooking(), "bizblasts-42-aaaa"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		puts := dav.requests("PUT")
		if len(puts) != 1 {
			t.Fatalf("expected 1 PUT, got %d", len(puts))
		}
		if got := puts[0].Header.Get("If-None-Match"); got != "*" {
			t.Errorf("expected If-None-Match *, got %q", got)
		}
		if !strings.HasPrefix(puts[0].Header.Get("Content-Type"), "text/calendar") {
			t.Errorf("unexpected content type %q", puts[0].Header.Get("Content-Type"))
		}
		if !strings.Contains(puts[0].Body, "UID:bizblasts-42-aaaa") {
			t.Error("expected the given UID in the event body")
		}
	})

	t.Run("existing resource from an earlier attempt is overwritten", func(t *testing.T) {
		dav := newICloudServer(t)
		dav.handle("PUT", "/123/calendars/work/bizblasts-42-aaaa.ics", func(w http.ResponseWriter, r *http.Request, _ string) {
			if r.Header.Get("If-None-Match") == "*" {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		s := newTestSession(t, dav, icloudConnection())
		if _, err := s.CreateEvent(context.Background(), testBooking(), "bizblasts-42-aaaa"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := len(dav.requests("PUT")); n != 2 {
			t.Errorf("expected 2 PUTs, got %d", n)
		}
	})

	t.Run("rate limit is retryable", func(t *testing.T) {
		dav := newICloudServer(t)
		dav.status("PUT", "/123/calendars/work/bizblasts-42-aaaa.ics", http.StatusTooManyRequests)

		s := newTestSession(t, dav, icloudConnection())
		_, err := s.CreateEvent(context.Background(), testBooking(), "bizblasts-42-aaaa")
		if !provider.IsKind(err, provider.KindRateLimited) {
			t.Fatalf("expected rate limited, got %v", err)
		}
		if !provider.KindOf(err).Retryable() {
			t.Error("expected rate limit to be retryable")
		}
	})

	t.Run("inactive connection makes no requests", func(t *testing.T) {
		dav := newICloudServer(t)
		conn := icloudConnection()
		conn.Active = false

		s := newTestSession(t, dav, conn)
		_, err := s.CreateEvent(context.Background(), testBooking(), "bizblasts-42-aaaa")
		if !provider.IsKind(err, provider.KindInactive) {
			t.Errorf("expected inactive error, got %v", err)
		}
		if n := len(dav.requests("PROPFIND")); n != 0 {
			t.Errorf("expected no requests, got %d", n)
		}
	})

	t.Run("invalid booking is rejected", func(t *testing.T) {
		dav := newICloudServer(t)
		s := newTestSession(t, dav, icloudConnection())

		b := testBooking()
		b.EndTime = b.StartTime
		_, err := s.CreateEvent(context.Background(), b, "bizblasts-42-aaaa")
		if !provider.IsKind(err, provider.KindBadRequest) {
			t.Errorf("expected bad request, got %v", err)
		}
	})
}

func TestSessionUpdateEvent(t *testing.T) {
	dav := newFakeDAV(t)
	dav.status("PUT", "/cal/alice/bizblasts-42-aaaa.ics", http.StatusNoContent)

	conn := &db.CalendarConnection{
		ID: "conn-2", Provider: db.ProviderCalDAV, CalDAVKind: db.CalDAVKindGeneric,
		CalDAVURL: "/cal/alice/", CalDAVUsername: "alice", Active: true,
	}
	s := newTestSession(t, dav, conn)

	href := dav.URL() + "/cal/alice/bizblasts-42-aaaa.ics"
	res, err := s.UpdateEvent(context.Background(), testBooking(), href)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExternalEventID != href {
		t.Errorf("expected %q, got %q", href, res.ExternalEventID)
	}
	if res.ExternalCalendarID != dav.URL()+"/cal/alice/" {
		t.Errorf("unexpected calendar id %q", res.ExternalCalendarID)
	}

	puts := dav.requests("PUT")
	if len(puts) != 1 {
		t.Fatalf("expected 1 PUT, got %d", len(puts))
	}
	if puts[0].Header.Get("If-None-Match") != "" {
		t.Error("update must not send If-None-Match")
	}
	if !strings.Contains(puts[0].Body, "UID:bizblasts-42-aaaa") {
		t.Error("expected UID to be kept on update")
	}
	if n := len(dav.requests("PROPFIND")); n != 0 {
		t.Errorf("update should not run discovery, got %d PROPFINDs", n)
	}

	if _, err := s.UpdateEvent(context.Background(), testBooking(), ""); !provider.IsKind(err, provider.KindBadRequest) {
		t.Errorf("expected bad request for empty id, got %v", err)
	}
}

func TestSessionDeleteEvent(t *testing.T) {
	dav := newFakeDAV(t)
	dav.status("DELETE", "/cal/alice/present.ics", http.StatusNoContent)
	dav.status("DELETE", "/cal/alice/locked.ics", http.StatusForbidden)

	conn := &db.CalendarConnection{
		ID: "conn-3", Provider: db.ProviderCalDAV, CalDAVKind: db.CalDAVKindGeneric,
		CalDAVURL: "/cal/alice/", CalDAVUsername: "alice", Active: true,
	}
	s := newTestSession(t, dav, conn)
	ctx := context.Background()

	if err := s.DeleteEvent(ctx, dav.URL()+"/cal/alice/present.ics"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := s.DeleteEvent(ctx, dav.URL()+"/cal/alice/gone.ics"); err != nil {
		t.Errorf("missing event should count as deleted, got %v", err)
	}
	if err := s.DeleteEvent(ctx, dav.URL()+"/cal/alice/locked.ics"); !provider.IsKind(err, provider.KindForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

const goodEventA = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//Test//EN
BEGIN:VEVENT
UID:a@example.com
DTSTAMP:20250301T000000Z
DTSTART:20250310T090000Z
DTEND:20250310T100000Z
SUMMARY:Dentist
END:VEVENT
END:VCALENDAR`

const goodEventB = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//Test//EN
BEGIN:VEVENT
UID:b@example.com
DTSTAMP:20250301T000000Z
DTSTART;TZID=GMT-0500:20250311T090000
DURATION:PT30M
SUMMARY:Call
END:VEVENT
END:VCALENDAR`

const badEvent = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//Test//EN
BEGIN:VEVENT
UID:c@example.com
DTSTAMP:20250301T000000Z
DTSTART:not-a-date
SUMMARY:Broken
END:VEVENT
END:VCALENDAR`

func TestSessionImportEvents(t *testing.T) {
	t.Run("keeps good entries and warns on malformed ones", func(t *testing.T) {
		dav := newICloudServer(t)
		dav.multistatus("REPORT", "/123/calendars/work/",
			calendarDataResponse("/123/calendars/work/a.ics", goodEventA),
			calendarDataResponse("/123/calendars/work/c.ics", badEvent),
			calendarDataResponse("/123/calendars/work/b.ics", goodEventB),
		)
		dav.multistatus("REPORT", "/123/calendars/home/")

		s := newTestSession(t, dav, icloudConnection())
		start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

		result, err := s.ImportEvents(context.Background(), start, end)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.ImportedCount() != 2 {
			t.Fatalf("expected 2 events, got %d", result.ImportedCount())
		}
		if len(result.Errors) != 1 {
			t.Fatalf("expected 1 warning, got %v", result.Errors)
		}
		if !strings.Contains(result.Errors[0], "c.ics") {
			t.Errorf("expected warning to name the entry, got %q", result.Errors[0])
		}

		a := result.Events[0]
		if a.ExternalEventID != dav.URL()+"/123/calendars/work/a.ics" {
			t.Errorf("unexpected event id %q", a.ExternalEventID)
		}
		if a.Summary != "Dentist" || !a.EndsAt.Equal(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected event %+v", a)
		}

		b := result.Events[1]
		wantStart := time.Date(2025, 3, 11, 14, 0, 0, 0, time.UTC)
		if !b.StartsAt.Equal(wantStart) {
			t.Errorf("expected start %v, got %v", wantStart, b.StartsAt)
		}
		if !b.EndsAt.Equal(wantStart.Add(30 * time.Minute)) {
			t.Errorf("expected duration end, got %v", b.EndsAt)
		}

		reports := dav.requests("REPORT")
		if len(reports) != 2 {
			t.Fatalf("expected one REPORT per calendar, got %d", len(reports))
		}
		if !strings.Contains(reports[0].Body, `start="20250301T000000Z"`) || !strings.Contains(reports[0].Body, `end="20250401T000000Z"`) {
			t.Errorf("expected UTC time-range in query, got %s", reports[0].Body)
		}
	})

	t.Run("failing calendar becomes a warning", func(t *testing.T) {
		dav := newICloudServer(t)
		dav.multistatus("REPORT", "/123/calendars/home/", calendarDataResponse("/123/calendars/home/a.ics", goodEventA))
		dav.status("REPORT", "/123/calendars/work/", http.StatusInternalServerError)

		s := newTestSession(t, dav, icloudConnection())
		result, err := s.ImportEvents(context.Background(), time.Now(), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.ImportedCount() != 1 || len(result.Errors) != 1 {
			t.Errorf("expected 1 event and 1 warning, got %d and %v", result.ImportedCount(), result.Errors)
		}
	})

	t.Run("unauthorized aborts", func(t *testing.T) {
		dav := newICloudServer(t)
		dav.status("REPORT", "/123/calendars/home/", http.StatusUnauthorized)

		s := newTestSession(t, dav, icloudConnection())
		_, err := s.ImportEvents(context.Background(), time.Now(), time.Now().Add(time.Hour))
		if !provider.IsKind(err, provider.KindUnauthorized) {
			t.Errorf("expected unauthorized, got %v", err)
		}
	})

	t.Run("rejects empty window", func(t *testing.T) {
		dav := newICloudServer(t)
		s := newTestSession(t, dav, icloudConnection())
		now := time.Now()
		if _, err := s.ImportEvents(context.Background(), now, now); !provider.IsKind(err, provider.KindBadRequest) {
			t.Errorf("expected bad request, got %v", err)
		}
	})
}

func TestParseReportRawFallback(t *testing.T) {
	raw := []byte("garbage " + goodEventA + " trailing <unclosed")
	result := &provider.ImportResult{}
	client, _ := NewClient("https://dav.example.com/", "a", "b")

	parseReport(raw, "https://dav.example.com/cal/", client, result)

	if result.ImportedCount() != 1 {
		t.Fatalf("expected 1 event from raw scan, got %d", result.ImportedCount())
	}
	if result.Events[0].ExternalEventID != "https://dav.example.com/cal/a@example.com.ics" {
		t.Errorf("unexpected derived id %q", result.Events[0].ExternalEventID)
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected envelope warning, got %v", result.Errors)
	}
}

func TestRefreshAccessTokenAlwaysSucceeds(t *testing.T) {
	s := &Session{}
	if !s.RefreshAccessToken(context.Background()) {
		t.Error("expected true")
	}
}
