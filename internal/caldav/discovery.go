package caldav

import (
	"context"
	"net/url"
	"strings"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

// ICloudBaseURL is the fixed iCloud CalDAV entry point.
const ICloudBaseURL = "https://caldav.icloud.com/"

// genericProbePaths are tried in order on the configured host when the
// configured URL yields no calendars.
var genericProbePaths = []string{"/calendars/", "/cal/", "/calendar/", "/dav/calendars/", "/caldav/"}

// primaryPreference orders calendar path names when choosing where new
// events go.
var primaryPreference = []string{"work", "calendar", "personal", "main", "default", "home"}

// DiscoveryResult is the ordered list of writable VEVENT calendar URLs found
// for one connection.
type DiscoveryResult struct {
	CalendarURLs []string `json:"calendar_urls"`
}

// Primary returns the calendar new events are written to.
func (r *DiscoveryResult) Primary() string {
	return SelectPrimary(r.CalendarURLs)
}

// Discoverer finds the writable calendars of one CalDAV account.
type Discoverer interface {
	Discover(ctx context.Context) (*DiscoveryResult, error)
}

// ICloudDiscovery walks principal, calendar home set, then the home set's
// children.
type ICloudDiscovery struct {
	client *Client
}

// NewICloudDiscovery creates an iCloud strategy for a client rooted at the
// iCloud base URL.
func NewICloudDiscovery(client *Client) *ICloudDiscovery {
	return &ICloudDiscovery{client: client}
}

func (d *ICloudDiscovery) Discover(ctx context.Context) (*DiscoveryResult, error) {
	resp, err := d.client.Propfind(ctx, d.client.BaseURL(), 0, principalBody())
	if err != nil {
		return nil, err
	}
	principal := firstNonEmpty(resp, func(r davResponse) string { return r.Principal })
	if principal == "" {
		return nil, provider.NewError(provider.KindDiscovery, "discover", "server did not report a current-user-principal")
	}

	resp, err = d.client.Propfind(ctx, principal, 0, homeSetBody())
	if err != nil {
		return nil, err
	}
	homeSet := firstNonEmpty(resp, func(r davResponse) string { return r.HomeSet })
	if homeSet == "" {
		return nil, provider.NewError(provider.KindDiscovery, "discover", "principal has no calendar-home-set")
	}

	// The home set may live on a partition host; resolve it against the
	// principal rather than the base URL.
	return requireCalendars(enumerateCalendars(ctx, d.client, resolveAgainst(d.client.Resolve(principal), homeSet), "ICAL"))
}

// NextcloudDiscovery builds the home set URL from the username.
type NextcloudDiscovery struct {
	client   *Client
	username string
}

// NewNextcloudDiscovery creates a Nextcloud strategy.
func NewNextcloudDiscovery(client *Client, username string) *NextcloudDiscovery {
	return &NextcloudDiscovery{client: client, username: username}
}

// HomeSetURL returns {base}/remote.php/dav/calendars/{username}/.
func (d *NextcloudDiscovery) HomeSetURL() string {
	base := d.client.BaseURL()
	if i := strings.Index(base, "/remote.php"); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/remote.php/dav/calendars/" + url.PathEscape(d.username) + "/"
}

func (d *NextcloudDiscovery) Discover(ctx context.Context) (*DiscoveryResult, error) {
	return requireCalendars(enumerateCalendars(ctx, d.client, d.HomeSetURL(), "CS"))
}

// GenericDiscovery handles servers with no known layout.
type GenericDiscovery struct {
	client *Client
}

// NewGenericDiscovery creates a generic strategy.
func NewGenericDiscovery(client *Client) *GenericDiscovery {
	return &GenericDiscovery{client: client}
}

func (d *GenericDiscovery) Discover(ctx context.Context) (*DiscoveryResult, error) {
	base := d.client.BaseURL()

	resp, err := d.client.Propfind(ctx, base, 0, calendarListBody(""))
	if err != nil && stopsDiscovery(err) {
		return nil, err
	}
	if err == nil && len(resp) > 0 && looksLikeCalendar(resp[0]) {
		return &DiscoveryResult{CalendarURLs: []string{base}}, nil
	}

	urls, err := enumerateCalendars(ctx, d.client, base, "")
	if err != nil && stopsDiscovery(err) {
		return nil, err
	}
	if len(urls) > 0 {
		return &DiscoveryResult{CalendarURLs: urls}, nil
	}

	for _, p := range genericProbePaths {
		urls, err := enumerateCalendars(ctx, d.client, d.client.HostURL(p), "")
		if err != nil && stopsDiscovery(err) {
			return nil, err
		}
		if len(urls) > 0 {
			return &DiscoveryResult{CalendarURLs: urls}, nil
		}
	}

	return nil, provider.NewError(provider.KindDiscovery, "discover", "no writable event calendars found")
}

// looksLikeCalendar requires both a calendar resource type and explicit
// VEVENT support.
func looksLikeCalendar(r davResponse) bool {
	if !r.IsCalendar {
		return false
	}
	for _, c := range r.Components {
		if strings.EqualFold(c, "VEVENT") {
			return true
		}
	}
	return false
}

// stopsDiscovery reports errors that no other path can fix.
func stopsDiscovery(err error) bool {
	switch provider.KindOf(err) {
	case provider.KindUnauthorized, provider.KindForbidden, provider.KindAppPasswordRequired, provider.KindTimeout:
		return true
	}
	return false
}

// enumerateCalendars lists the children of target with depth 1 and keeps the
// writable VEVENT calendars, excluding target itself.
func enumerateCalendars(ctx context.Context, client *Client, target, vendorPrefix string) ([]string, error) {
	resp, err := client.Propfind(ctx, target, 1, calendarListBody(vendorPrefix))
	if err != nil {
		return nil, err
	}

	self := normalizePath(client.Resolve(target))
	var urls []string
	for _, r := range resp {
		if r.Href == "" || !r.IsCalendar || !r.SupportsVEVENT() {
			continue
		}
		if r.PrivilegesKnown && !r.Writable {
			continue
		}
		abs := resolveAgainst(client.Resolve(target), r.Href)
		if normalizePath(abs) == self {
			continue
		}
		urls = append(urls, abs)
	}
	return urls, nil
}

func requireCalendars(urls []string, err error) (*DiscoveryResult, error) {
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, provider.NewError(provider.KindDiscovery, "discover", "no writable event calendars found")
	}
	return &DiscoveryResult{CalendarURLs: urls}, nil
}

// SelectPrimary picks the first calendar whose last path segment contains a
// preferred name, checking names in preference order, else the first one.
func SelectPrimary(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	for _, pref := range primaryPreference {
		for _, u := range urls {
			if strings.Contains(lastSegment(u), pref) {
				return u
			}
		}
	}
	return urls[0]
}

// DetectKind classifies a CalDAV account from its server URL and username.
func DetectKind(serverURL, username string) db.CalDAVKind {
	var host, p string
	if u, err := url.Parse(strings.TrimSpace(serverURL)); err == nil {
		host = strings.ToLower(u.Hostname())
		p = strings.ToLower(u.Path)
	}

	switch {
	case host == "icloud.com" || strings.HasSuffix(host, ".icloud.com"):
		return db.CalDAVKindICloud
	case strings.Contains(host, "nextcloud") || strings.Contains(p, "/remote.php/"):
		return db.CalDAVKindNextcloud
	}

	// Apple IDs only decide when no server URL points elsewhere.
	if host == "" {
		user := strings.ToLower(strings.TrimSpace(username))
		for _, domain := range []string{"@icloud.com", "@me.com", "@mac.com"} {
			if strings.HasSuffix(user, domain) {
				return db.CalDAVKindICloud
			}
		}
	}

	return db.CalDAVKindGeneric
}

func firstNonEmpty(resp []davResponse, get func(davResponse) string) string {
	for _, r := range resp {
		if v := get(r); v != "" {
			return v
		}
	}
	return ""
}

// resolveAgainst resolves href relative to base.
func resolveAgainst(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

func normalizePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(raw, "/")
	}
	p, err := url.PathUnescape(u.Path)
	if err != nil {
		p = u.Path
	}
	return strings.ToLower(u.Host) + strings.TrimSuffix(p, "/")
}

func lastSegment(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	return strings.ToLower(p)
}
