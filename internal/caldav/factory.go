package caldav

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

// Factory builds CalDAV clients, discovery strategies and sessions for
// connections.
type Factory struct {
	// ICloudBaseURL overrides the iCloud entry point.
	ICloudBaseURL string
	// HTTPClient replaces the default transport when set.
	HTTPClient *http.Client
	// Now stamps generated events; defaults to time.Now.
	Now func() time.Time
}

// NewFactory creates a factory using the given iCloud base URL, or the
// public one when empty.
func NewFactory(icloudBaseURL string) *Factory {
	if icloudBaseURL == "" {
		icloudBaseURL = ICloudBaseURL
	}
	return &Factory{ICloudBaseURL: icloudBaseURL, Now: time.Now}
}

// Kind returns the connection's explicit CalDAV kind or the detected one.
func (f *Factory) Kind(conn *db.CalendarConnection) db.CalDAVKind {
	if conn.CalDAVKind != db.CalDAVKindAuto {
		return conn.CalDAVKind
	}
	return DetectKind(conn.CalDAVURL, conn.CalDAVUsername)
}

// NewClient creates the transport client for a connection.
func (f *Factory) NewClient(conn *db.CalendarConnection) (*Client, error) {
	baseURL := conn.CalDAVURL
	if f.Kind(conn) == db.CalDAVKindICloud {
		baseURL = f.ICloudBaseURL
	}

	if f.HTTPClient != nil {
		return NewClientWithHTTP(baseURL, conn.CalDAVUsername, conn.CalDAVPassword, f.HTTPClient)
	}
	return NewClient(baseURL, conn.CalDAVUsername, conn.CalDAVPassword)
}

// NewDiscoverer selects the discovery strategy for a kind.
func (f *Factory) NewDiscoverer(kind db.CalDAVKind, client *Client, username string) Discoverer {
	switch kind {
	case db.CalDAVKindICloud:
		return NewICloudDiscovery(client)
	case db.CalDAVKindNextcloud:
		return NewNextcloudDiscovery(client, username)
	default:
		return NewGenericDiscovery(client)
	}
}

// NewSession creates a provider session for a connection. Discovery runs
// lazily, once, on the first operation that needs it.
func (f *Factory) NewSession(conn *db.CalendarConnection) (*Session, error) {
	if conn.Provider != db.ProviderCalDAV {
		return nil, fmt.Errorf("connection %s is not a CalDAV connection", conn.ID)
	}

	client, err := f.NewClient(conn)
	if err != nil {
		return nil, provider.Classify("new_session", err)
	}

	now := f.Now
	if now == nil {
		now = time.Now
	}

	return &Session{
		conn:       conn,
		client:     client,
		discoverer: f.NewDiscoverer(f.Kind(conn), client, conn.CalDAVUsername),
		now:        now,
	}, nil
}
