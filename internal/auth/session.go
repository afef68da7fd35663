package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const (
	flowSessionName = "calsync_oauth_flow"
	flowMaxAge      = int(StateMaxAge / time.Second)
)

var ErrFlowNotFound = errors.New("no OAuth flow bound to this browser")

// FlowSessions binds an in-progress OAuth flow to the browser that started
// it, so a callback carrying someone else's state is refused.
type FlowSessions struct {
	store *sessions.CookieStore
}

// NewFlowSessions creates a cookie-backed flow binder.
func NewFlowSessions(secret string, secure bool) *FlowSessions {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/oauth/",
		MaxAge:   flowMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &FlowSessions{store: store}
}

// Bind records the nonce of a flow that is about to redirect the browser.
func (fs *FlowSessions) Bind(w http.ResponseWriter, r *http.Request, nonce string) error {
	session, err := fs.store.Get(r, flowSessionName)
	if err != nil {
		session, err = fs.store.New(r, flowSessionName)
		if err != nil {
			return err
		}
	}

	session.Values["nonce"] = nonce
	return session.Save(r, w)
}

// Take returns the bound nonce and clears it.
func (fs *FlowSessions) Take(w http.ResponseWriter, r *http.Request) (string, error) {
	session, err := fs.store.Get(r, flowSessionName)
	if err != nil {
		return "", ErrFlowNotFound
	}

	nonce, ok := session.Values["nonce"].(string)
	if !ok || nonce == "" {
		return "", ErrFlowNotFound
	}

	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		return "", err
	}

	return nonce, nil
}
