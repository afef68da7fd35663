package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bizblasts/calsync/internal/coordinator"
	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

func seedBooking(t *testing.T, ts *testServer) *db.Booking {
	t.Helper()
	start := time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)
	b := &db.Booking{
		ID:            "booking-1",
		BusinessID:    "biz-1",
		StaffMemberID: "staff-1",
		StartTime:     start,
		EndTime:       start.Add(time.Hour),
		ServiceName:   "Haircut",
		CustomerName:  "Sam",
	}
	if err := ts.db.UpsertBooking(context.Background(), b); err != nil {
		t.Fatalf("failed to create booking: %v", err)
	}
	return b
}

func TestSanitizeError(t *testing.T) {
	msg := sanitizeError(errors.New("pq: password authentication failed for user admin"), "Failed to save")
	if msg != "Failed to save" {
		t.Errorf("expected %q, got %q", "Failed to save", msg)
	}
}

func TestCategorizeConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil", nil, "Connection failed"},
		{"unauthorized", provider.NewError(provider.KindUnauthorized, "test_connection", "401"), "Authentication failed"},
		{"app password", provider.NewError(provider.KindAppPasswordRequired, "test_connection", "401"), "app-specific password"},
		{"forbidden", provider.NewError(provider.KindForbidden, "discover", "403"), "Access denied"},
		{"discovery", provider.NewError(provider.KindDiscovery, "discover", "none"), "No writable calendars"},
		{"timeout", provider.NewError(provider.KindTimeout, "discover", "slow"), "timed out"},
		{"dns", errors.New("dial tcp: lookup cal.example.invalid: no such host"), "Server not found"},
		{"refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), "Connection refused"},
		{"other", errors.New("something odd"), "Connection failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := categorizeConnectionError(tt.err)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("expected message containing %q, got %q", tt.contains, got)
			}
		})
	}
}

func TestAPIUpsertBooking(t *testing.T) {
	ts := setupTestServer(t)
	start := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)

	w := ts.do(http.MethodPut, "/api/bookings/booking-9", map[string]any{
		"business_id":     "biz-1",
		"staff_member_id": "staff-1",
		"start_time":      start,
		"end_time":        start.Add(30 * time.Minute),
		"service_name":    "Massage",
		"sync_status":     "synced",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var saved db.Booking
	decodeBody(t, w, &saved)
	if saved.StaffName != "Ana" {
		t.Errorf("expected joined staff name, got %q", saved.StaffName)
	}
	if saved.BusinessAddress != "1 Main St" {
		t.Errorf("expected joined address, got %q", saved.BusinessAddress)
	}
	if saved.SyncStatus != db.BookingNotSynced {
		t.Errorf("expected client status to be ignored, got %q", saved.SyncStatus)
	}

	t.Run("rejects inverted times", func(t *testing.T) {
		w := ts.do(http.MethodPut, "/api/bookings/booking-10", map[string]any{
			"business_id":     "biz-1",
			"staff_member_id": "staff-1",
			"start_time":      start,
			"end_time":        start,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("rejects staff of another business", func(t *testing.T) {
		w := ts.do(http.MethodPut, "/api/bookings/booking-11", map[string]any{
			"business_id":     "biz-2",
			"staff_member_id": "staff-1",
			"start_time":      start,
			"end_time":        start.Add(time.Hour),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})
}

func TestAPIUpsertBusinessAndStaff(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(http.MethodPut, "/api/businesses/biz-2", map[string]any{"name": "Spa", "address": "2 Side St"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(http.MethodPut, "/api/staff/staff-2", map[string]any{"business_id": "biz-2", "name": "Lee"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	staff, err := ts.db.GetStaffMember(context.Background(), "staff-2")
	if err != nil {
		t.Fatalf("failed to load staff member: %v", err)
	}
	if staff.BusinessID != "biz-2" || staff.Name != "Lee" {
		t.Errorf("unexpected staff member: %+v", staff)
	}

	w = ts.do(http.MethodPut, "/api/businesses/biz-3", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing name, got %d", w.Code)
	}
}

func TestAPIBookingTriggers(t *testing.T) {
	ts := setupTestServer(t)
	seedBooking(t, ts)

	for _, action := range []string{"sync", "update", "delete"} {
		w := ts.do(http.MethodPost, "/api/bookings/booking-1/"+action, nil)
		if w.Code != http.StatusAccepted {
			t.Errorf("%s: expected status 202, got %d", action, w.Code)
		}
	}

	expected := []string{"sync:booking-1", "update:booking-1", "delete:booking-1"}
	if fmt.Sprint(ts.scheduler.triggers) != fmt.Sprint(expected) {
		t.Errorf("expected triggers %v, got %v", expected, ts.scheduler.triggers)
	}

	w := ts.do(http.MethodPost, "/api/bookings/missing/sync", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown booking, got %d", w.Code)
	}

	ts.scheduler.err = errSchedulerDown
	w = ts.do(http.MethodPost, "/api/bookings/booking-1/sync", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 when scheduler is down, got %d", w.Code)
	}
}

func TestAPIGetBooking(t *testing.T) {
	ts := setupTestServer(t)
	seedBooking(t, ts)

	w := ts.do(http.MethodGet, "/api/bookings/booking-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Booking  db.Booking         `json:"booking"`
		Mappings []*db.EventMapping `json:"mappings"`
	}
	decodeBody(t, w, &resp)
	if resp.Booking.ID != "booking-1" {
		t.Errorf("expected booking-1, got %q", resp.Booking.ID)
	}
	if resp.Mappings == nil || len(resp.Mappings) != 0 {
		t.Errorf("expected empty mappings list, got %v", resp.Mappings)
	}
}

func TestAPIRetryBusiness(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(http.MethodPost, "/api/businesses/biz-1/retry", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	if len(ts.scheduler.triggers) != 1 || ts.scheduler.triggers[0] != "retry:biz-1" {
		t.Errorf("unexpected triggers: %v", ts.scheduler.triggers)
	}
}

func TestAPIAvailability(t *testing.T) {
	ts := setupTestServer(t)
	ts.coord.availability = &coordinator.AvailabilityResult{
		StaffMemberID: "staff-1",
		Events: []provider.ImportedEvent{{
			ExternalEventID: "ev-1",
			StartsAt:        time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
			EndsAt:          time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC),
		}},
	}

	w := ts.do(http.MethodGet, "/api/staff/staff-1/availability?start=2026-06-01T00:00:00Z&end=2026-06-08T00:00:00Z", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ts.coord.gotStaff != "staff-1" {
		t.Errorf("expected staff-1, got %q", ts.coord.gotStaff)
	}
	if ts.coord.gotEnd.Sub(ts.coord.gotStart) != 7*24*time.Hour {
		t.Errorf("unexpected window %v - %v", ts.coord.gotStart, ts.coord.gotEnd)
	}

	tests := []struct {
		name  string
		query string
	}{
		{"missing start", "end=2026-06-08T00:00:00Z"},
		{"bad end", "start=2026-06-01T00:00:00Z&end=tomorrow"},
		{"inverted", "start=2026-06-08T00:00:00Z&end=2026-06-01T00:00:00Z"},
		{"too wide", "start=2026-01-01T00:00:00Z&end=2026-06-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodGet, "/api/staff/staff-1/availability?"+tt.query, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestAPISyncStats(t *testing.T) {
	ts := setupTestServer(t)
	ts.coord.stats = &db.SyncStats{Total: 4, Succeeded: 3, Failed: 1}

	w := ts.do(http.MethodGet, "/api/businesses/biz-1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		SuccessRate float64 `json:"success_rate"`
	}
	decodeBody(t, w, &resp)
	if resp.SuccessRate != 0.75 {
		t.Errorf("expected success rate 0.75, got %v", resp.SuccessRate)
	}

	w = ts.do(http.MethodGet, "/api/businesses/biz-1/stats?since=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad since, got %d", w.Code)
	}
}

func TestAPIActivity(t *testing.T) {
	ts := setupTestServer(t)
	ts.scheduler.tracker.Start("create:booking-1", db.ActionCreate)

	w := ts.do(http.MethodGet, "/api/activity", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "create:booking-1") {
		t.Errorf("expected running operation in response, got %s", w.Body.String())
	}
}

func TestAPITestAlert(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(http.MethodPost, "/api/alerts/test", map[string]string{"webhook_url": "https://hooks.example.com/x"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(ts.notifier.tested) != 1 {
		t.Errorf("expected one test alert, got %d", len(ts.notifier.tested))
	}

	w = ts.do(http.MethodPost, "/api/alerts/test", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

// newCalDAVServer answers the principal lookup and reports its root as a
// VEVENT calendar.
func newCalDAVServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if status != http.StatusMultiStatus {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/</D:href>
    <D:propstat>
      <D:prop>
        <D:current-user-principal><D:href>/principals/ana/</D:href></D:current-user-principal>
        <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
        <C:supported-calendar-component-set><C:comp name="VEVENT"/></C:supported-calendar-component-set>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPICreateCalDAVConnection(t *testing.T) {
	ts := setupTestServer(t)
	dav := newCalDAVServer(t, http.StatusMultiStatus)

	w := ts.do(http.MethodPost, "/api/connections/caldav", APICreateCalDAVRequest{
		BusinessID:    "biz-1",
		StaffMemberID: "staff-1",
		URL:           dav.URL + "/",
		Username:      "ana",
		Password:      "secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Error("response must not contain the password")
	}

	conns, err := ts.db.ConnectionsForStaff(context.Background(), "staff-1")
	if err != nil {
		t.Fatalf("failed to list connections: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	if conns[0].CalDAVKind != db.CalDAVKindGeneric {
		t.Errorf("expected generic kind, got %q", conns[0].CalDAVKind)
	}
	if conns[0].CalDAVPassword != "secret" {
		t.Error("expected stored password to round trip")
	}

	w = ts.do(http.MethodGet, "/api/staff/staff-1/connections", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var listed []map[string]any
	decodeBody(t, w, &listed)
	if len(listed) != 1 || listed[0]["default"] != true {
		t.Errorf("expected the new connection to be default, got %v", listed)
	}
}

func TestAPICreateCalDAVConnectionFailures(t *testing.T) {
	ts := setupTestServer(t)
	unauthorized := newCalDAVServer(t, http.StatusUnauthorized)

	tests := []struct {
		name   string
		req    APICreateCalDAVRequest
		status int
	}{
		{
			name:   "missing password",
			req:    APICreateCalDAVRequest{BusinessID: "biz-1", StaffMemberID: "staff-1", URL: unauthorized.URL, Username: "ana"},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown kind",
			req:    APICreateCalDAVRequest{BusinessID: "biz-1", StaffMemberID: "staff-1", URL: unauthorized.URL, Username: "ana", Password: "x", Kind: "exchange"},
			status: http.StatusBadRequest,
		},
		{
			name:   "credentials in url",
			req:    APICreateCalDAVRequest{BusinessID: "biz-1", StaffMemberID: "staff-1", URL: "http://ana:pw@cal.example.com/", Username: "ana", Password: "x"},
			status: http.StatusBadRequest,
		},
		{
			name:   "bad credentials",
			req:    APICreateCalDAVRequest{BusinessID: "biz-1", StaffMemberID: "staff-1", URL: unauthorized.URL + "/", Username: "ana", Password: "wrong"},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/api/connections/caldav", tt.req)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	conns, _ := ts.db.ConnectionsForStaff(context.Background(), "staff-1")
	if len(conns) != 0 {
		t.Errorf("expected no connections, got %d", len(conns))
	}
}

func TestAPIConnectionLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	conn := &db.CalendarConnection{
		BusinessID:     "biz-1",
		StaffMemberID:  "staff-1",
		Provider:       db.ProviderCalDAV,
		CalDAVKind:     db.CalDAVKindGeneric,
		AccountID:      "ana",
		CalDAVURL:      "https://cal.example.com/",
		CalDAVUsername: "ana",
		CalDAVPassword: "pw",
		Active:         true,
	}
	if _, err := ts.db.ReplaceConnection(ctx, conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	if err := ts.db.CreateSyncLog(ctx, &db.SyncLog{
		BusinessID:   "biz-1",
		ConnectionID: conn.ID,
		Action:       db.ActionCreate,
		Outcome:      db.OutcomeSuccess,
		Message:      "created",
	}); err != nil {
		t.Fatalf("failed to create sync log: %v", err)
	}

	w := ts.do(http.MethodPut, "/api/staff/staff-1/default-connection", map[string]string{"connection_id": conn.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(http.MethodGet, "/api/connections/"+conn.ID+"/logs?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var logs []db.SyncLog
	decodeBody(t, w, &logs)
	if len(logs) != 1 || logs[0].Message != "created" {
		t.Errorf("unexpected logs: %+v", logs)
	}

	w = ts.do(http.MethodDelete, "/api/connections/"+conn.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(ts.notifier.cleared) != 1 || ts.notifier.cleared[0] != conn.ID {
		t.Errorf("expected cooldown to be cleared for %s, got %v", conn.ID, ts.notifier.cleared)
	}

	w = ts.do(http.MethodDelete, "/api/connections/"+conn.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for deleted connection, got %d", w.Code)
	}

	w = ts.do(http.MethodGet, "/api/connections/"+conn.ID+"/logs", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for logs of deleted connection, got %d", w.Code)
	}
}
