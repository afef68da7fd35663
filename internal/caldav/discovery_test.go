package caldav

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

func TestDetectKind(t *testing.T) {
	testCases := []struct {
		name      string
		serverURL string
		username  string
		expected  db.CalDAVKind
	}{
		{"icloud host", "https://caldav.icloud.com/", "someone@example.com", db.CalDAVKindICloud},
		{"icloud partition host", "https://p42-caldav.icloud.com:443/123/", "", db.CalDAVKindICloud},
		{"nextcloud host", "https://nextcloud.example.org/", "alice", db.CalDAVKindNextcloud},
		{"remote.php path", "https://cloud.example.org/remote.php/dav", "alice", db.CalDAVKindNextcloud},
		{"apple id without url", "", "alice@me.com", db.CalDAVKindICloud},
		{"icloud id without url", "", "Alice@iCloud.com", db.CalDAVKindICloud},
		{"apple id on other server", "https://dav.fastmail.com/", "alice@mac.com", db.CalDAVKindGeneric},
		{"generic server", "https://dav.example.com/caldav/", "alice", db.CalDAVKindGeneric},
		{"nothing known", "", "alice", db.CalDAVKindGeneric},
		{"lookalike host", "https://icloud.com.evil.example/", "", db.CalDAVKindGeneric},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectKind(tc.serverURL, tc.username)
			if got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestSelectPrimary(t *testing.T) {
	testCases := []struct {
		name     string
		urls     []string
		expected string
	}{
		{"empty", nil, ""},
		{"single", []string{"https://h/cal/a/"}, "https://h/cal/a/"},
		{
			name:     "work beats home",
			urls:     []string{"https://h/cal/home/", "https://h/cal/work/"},
			expected: "https://h/cal/work/",
		},
		{
			name:     "calendar beats personal",
			urls:     []string{"https://h/cal/personal/", "https://h/cal/calendar/"},
			expected: "https://h/cal/calendar/",
		},
		{
			name:     "matches last segment only",
			urls:     []string{"https://h/work/abc/", "https://h/x/default/"},
			expected: "https://h/x/default/",
		},
		{
			name:     "falls back to first",
			urls:     []string{"https://h/cal/a1b2/", "https://h/cal/c3d4/"},
			expected: "https://h/cal/a1b2/",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SelectPrimary(tc.urls); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func newICloudServer(t *testing.T) *fakeDAV {
	t.Helper()
	dav := newFakeDAV(t)
	dav.multistatus("PROPFIND", "/", propResponse("/",
		`<D:current-user-principal><D:href>/123/principal/</D:href></D:current-user-principal>`))
	dav.multistatus("PROPFIND", "/123/principal/", propResponse("/123/principal/",
		`<C:calendar-home-set><D:href>/123/calendars/</D:href></C:calendar-home-set>`))
	dav.multistatus("PROPFIND", "/123/calendars/",
		collectionResponse("/123/calendars/"),
		calendarResponse("/123/calendars/home/", true, "VEVENT"),
		calendarResponse("/123/calendars/work/", true, "VEVENT"),
		calendarResponse("/123/calendars/reminders/", true, "VTODO"),
		calendarResponse("/123/calendars/shared/", false, "VEVENT"),
	)
	return dav
}

func TestICloudDiscovery(t *testing.T) {
	dav := newICloudServer(t)

	client, err := NewClient(dav.URL()+"/", "alice@icloud.com", "app-pass")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	result, err := NewICloudDiscovery(client).Discover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{dav.URL() + "/123/calendars/home/", dav.URL() + "/123/calendars/work/"}
	if len(result.CalendarURLs) != len(expected) {
		t.Fatalf("expected %d calendars, got %v", len(expected), result.CalendarURLs)
	}
	for i, u := range expected {
		if result.CalendarURLs[i] != u {
			t.Errorf("expected %q, got %q", u, result.CalendarURLs[i])
		}
	}
	if result.Primary() != dav.URL()+"/123/calendars/work/" {
		t.Errorf("expected work calendar as primary, got %q", result.Primary())
	}

	propfinds := dav.requests("PROPFIND")
	if len(propfinds) != 3 {
		t.Fatalf("expected 3 PROPFIND requests, got %d", len(propfinds))
	}
	for i, depth := range []string{"0", "0", "1"} {
		if propfinds[i].Depth != depth {
			t.Errorf("request %d: expected depth %q, got %q", i, depth, propfinds[i].Depth)
		}
	}
	if !strings.Contains(propfinds[2].Body, "http://apple.com/ns/ical/") {
		t.Error("expected calendar listing to declare the ICAL namespace")
	}
}

func TestICloudDiscoveryMissingPrincipal(t *testing.T) {
	dav := newFakeDAV(t)
	dav.multistatus("PROPFIND", "/", collectionResponse("/"))

	client, _ := NewClient(dav.URL()+"/", "alice", "pass")
	_, err := NewICloudDiscovery(client).Discover(context.Background())
	if !provider.IsKind(err, provider.KindDiscovery) {
		t.Errorf("expected discovery error, got %v", err)
	}
}

func TestNextcloudDiscovery(t *testing.T) {
	t.Run("builds home set from username", func(t *testing.T) {
		testCases := []struct {
			baseURL  string
			expected string
		}{
			{"https://cloud.example.com", "https://cloud.example.com/remote.php/dav/calendars/alice/"},
			{"https://cloud.example.com/", "https://cloud.example.com/remote.php/dav/calendars/alice/"},
			{"https://cloud.example.com/remote.php/dav", "https://cloud.example.com/remote.php/dav/calendars/alice/"},
			{"https://example.com/nc/remote.php/dav/", "https://example.com/nc/remote.php/dav/calendars/alice/"},
		}
		for _, tc := range testCases {
			client, err := NewClient(tc.baseURL, "alice", "pass")
			if err != nil {
				t.Fatalf("failed to create client: %v", err)
			}
			got := NewNextcloudDiscovery(client, "alice").HomeSetURL()
			if got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		}
	})

	t.Run("lists home set in one request", func(t *testing.T) {
		dav := newFakeDAV(t)
		dav.multistatus("PROPFIND", "/remote.php/dav/calendars/alice/",
			collectionResponse("/remote.php/dav/calendars/alice/"),
			calendarResponse("/remote.php/dav/calendars/alice/personal/", true, "VEVENT", "VTODO"),
			calendarResponse("/remote.php/dav/calendars/alice/contact_birthdays/", false, "VEVENT"),
		)

		client, _ := NewClient(dav.URL(), "alice", "app-pass")
		result, err := NewNextcloudDiscovery(client, "alice").Discover(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.CalendarURLs) != 1 || !strings.HasSuffix(result.CalendarURLs[0], "/alice/personal/") {
			t.Errorf("expected personal calendar only, got %v", result.CalendarURLs)
		}

		propfinds := dav.requests("PROPFIND")
		if len(propfinds) != 1 {
			t.Errorf("expected 1 PROPFIND, got %d", len(propfinds))
		}
		if !strings.Contains(propfinds[0].Body, "getctag") {
			t.Error("expected ctag in Nextcloud calendar listing")
		}
	})

	t.Run("app password required stops discovery", func(t *testing.T) {
		dav := newFakeDAV(t)
		dav.handle("PROPFIND", "/remote.php/dav/calendars/alice/", func(w http.ResponseWriter, _ *http.Request, _ string) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("Two-factor authentication enabled, please use an app password"))
		})

		client, _ := NewClient(dav.URL(), "alice", "login-pass")
		_, err := NewNextcloudDiscovery(client, "alice").Discover(context.Background())
		if !provider.IsKind(err, provider.KindAppPasswordRequired) {
			t.Errorf("expected app password error, got %v", err)
		}
	})
}

func TestGenericDiscovery(t *testing.T) {
	t.Run("calendar url short-circuits", func(t *testing.T) {
		dav := newFakeDAV(t)
		dav.multistatus("PROPFIND", "/dav/alice/personal/",
			calendarResponse("/dav/alice/personal/", true, "VEVENT"))

		client, _ := NewClient(dav.URL()+"/dav/alice/personal/", "alice", "pass")
		result, err := NewGenericDiscovery(client).Discover(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(result.CalendarURLs) != 1 || result.CalendarURLs[0] != dav.URL()+"/dav/alice/personal/" {
			t.Errorf("expected configured URL, got %v", result.CalendarURLs)
		}
		if n := len(dav.requests("PROPFIND")); n != 1 {
			t.Errorf("expected exactly 1 PROPFIND, got %d", n)
		}
	})

	t.Run("calendar without explicit VEVENT is listed instead", func(t *testing.T) {
		dav := newFakeDAV(t)
		dav.handle("PROPFIND", "/dav/alice/", func(w http.ResponseWriter, r *http.Request, _ string) {
			w.WriteHeader(http.StatusMultiStatus)
			if r.Header.Get("Depth") == "0" {
				_, _ = w.Write([]byte(multistatusBody(calendarResponse("/dav/alice/", true))))
				return
			}
			_, _ = w.Write([]byte(multistatusBody(
				collectionResponse("/dav/alice/"),
				calendarResponse("/dav/alice/main/", true),
			)))
		})

		client, _ := NewClient(dav.URL()+"/dav/alice/", "alice", "pass")
		result, err := NewGenericDiscovery(client).Discover(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.CalendarURLs) != 1 || result.CalendarURLs[0] != dav.URL()+"/dav/alice/main/" {
			t.Errorf("expected listed calendar, got %v", result.CalendarURLs)
		}
	})

	t.Run("probes well-known paths", func(t *testing.T) {
		dav := newFakeDAV(t)
		dav.multistatus("PROPFIND", "/", collectionResponse("/"))
		dav.multistatus("PROPFIND", "/cal/",
			collectionResponse("/cal/"),
			calendarResponse("/cal/alice/", true, "VEVENT"),
		)

		client, _ := NewClient(dav.URL()+"/", "alice", "pass")
		result, err := NewGenericDiscovery(client).Discover(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.CalendarURLs) != 1 || result.CalendarURLs[0] != dav.URL()+"/cal/alice/" {
			t.Errorf("expected probed calendar, got %v", result.CalendarURLs)
		}

		var paths []string
		for _, r := range dav.requests("PROPFIND") {
			paths = append(paths, r.Path)
		}
		expected := []string{"/", "/", "/calendars/", "/cal/"}
		if strings.Join(paths, ",") != strings.Join(expected, ",") {
			t.Errorf("expected request paths %v, got %v", expected, paths)
		}
	})

	t.Run("fails when nothing is found", func(t *testing.T) {
		dav := newFakeDAV(t)
		client, _ := NewClient(dav.URL()+"/", "alice", "pass")

		_, err := NewGenericDiscovery(client).Discover(context.Background())
		if !provider.IsKind(err, provider.KindDiscovery) {
			t.Errorf("expected discovery error, got %v", err)
		}
		// base at depth 0 and 1, then every probe path
		if n := len(dav.requests("PROPFIND")); n != 2+len(genericProbePaths) {
			t.Errorf("expected %d PROPFINDs, got %d", 2+len(genericProbePaths), n)
		}
	})

	t.Run("unauthorized stops probing", func(t *testing.T) {
		dav := newFakeDAV(t)
		dav.status("PROPFIND", "/", http.StatusUnauthorized)

		client, _ := NewClient(dav.URL()+"/", "alice", "wrong")
		_, err := NewGenericDiscovery(client).Discover(context.Background())
		if !provider.IsKind(err, provider.KindUnauthorized) {
			t.Errorf("expected unauthorized, got %v", err)
		}
		if n := len(dav.requests("PROPFIND")); n != 1 {
			t.Errorf("expected 1 PROPFIND, got %d", n)
		}
	})
}

func TestFactory(t *testing.T) {
	f := NewFactory("")
	if f.ICloudBaseURL != ICloudBaseURL {
		t.Errorf("expected default iCloud URL, got %q", f.ICloudBaseURL)
	}

	conn := &db.CalendarConnection{
		ID:             "c1",
		Provider:       db.ProviderCalDAV,
		CalDAVURL:      "https://cloud.example.com/remote.php/dav",
		CalDAVUsername: "alice",
		Active:         true,
	}
	if got := f.Kind(conn); got != db.CalDAVKindNextcloud {
		t.Errorf("expected nextcloud, got %q", got)
	}

	conn.CalDAVKind = db.CalDAVKindGeneric
	if got := f.Kind(conn); got != db.CalDAVKindGeneric {
		t.Errorf("expected explicit kind to win, got %q", got)
	}

	client, _ := NewClient("https://dav.example.com/", "a", "b")
	if _, ok := f.NewDiscoverer(db.CalDAVKindICloud, client, "a").(*ICloudDiscovery); !ok {
		t.Error("expected iCloud strategy")
	}
	if _, ok := f.NewDiscoverer(db.CalDAVKindNextcloud, client, "a").(*NextcloudDiscovery); !ok {
		t.Error("expected Nextcloud strategy")
	}
	if _, ok := f.NewDiscoverer(db.CalDAVKindGeneric, client, "a").(*GenericDiscovery); !ok {
		t.Error("expected generic strategy")
	}

	if _, err := f.NewSession(&db.CalendarConnection{Provider: db.ProviderGoogle}); err == nil {
		t.Error("expected error for non-CalDAV connection")
	}
}
