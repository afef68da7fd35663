package coordinator

import (
	"fmt"

	"github.com/bizblasts/calsync/internal/caldav"
	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/google"
	"github.com/bizblasts/calsync/internal/microsoft"
	"github.com/bizblasts/calsync/internal/provider"
)

// ProviderFactory builds the SyncProvider for one connection.
type ProviderFactory func(conn *db.CalendarConnection) (provider.SyncProvider, error)

// Providers holds what the concrete clients need.
type Providers struct {
	CalDAV    *caldav.Factory
	Refresher provider.TokenRefresher
	Google    []google.Option
	Microsoft []microsoft.Option
}

// NewProviderFactory returns a factory dispatching on the connection's
// provider.
func NewProviderFactory(p Providers) ProviderFactory {
	if p.CalDAV == nil {
		p.CalDAV = caldav.NewFactory("")
	}

	return func(conn *db.CalendarConnection) (provider.SyncProvider, error) {
		switch conn.Provider {
		case db.ProviderCalDAV:
			session, err := p.CalDAV.NewSession(conn)
			if err != nil {
				return nil, err
			}
			return session, nil
		case db.ProviderGoogle:
			return google.NewClient(conn, p.Refresher, p.Google...), nil
		case db.ProviderMicrosoft:
			return microsoft.NewClient(conn, p.Refresher, p.Microsoft...), nil
		}
		return nil, provider.NewError(provider.KindBadRequest, "new_provider", fmt.Sprintf("unknown provider %q", conn.Provider))
	}
}

// providerCache builds each connection's provider at most once per pass, so
// a CalDAV session keeps its discovery result across bookings.
type providerCache struct {
	factory     ProviderFactory
	built       map[string]provider.SyncProvider
	deactivated map[string]bool
}

func newProviderCache(factory ProviderFactory) *providerCache {
	return &providerCache{
		factory:     factory,
		built:       make(map[string]provider.SyncProvider),
		deactivated: make(map[string]bool),
	}
}

func (pc *providerCache) get(conn *db.CalendarConnection) (provider.SyncProvider, error) {
	if p, ok := pc.built[conn.ID]; ok {
		return p, nil
	}
	p, err := pc.factory(conn)
	if err != nil {
		return nil, provider.Classify("new_provider", err)
	}
	pc.built[conn.ID] = p
	return p, nil
}

func (pc *providerCache) markDeactivated(id string) {
	pc.deactivated[id] = true
	delete(pc.built, id)
}

func (pc *providerCache) isDeactivated(id string) bool {
	return pc.deactivated[id]
}
