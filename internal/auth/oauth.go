// Package auth runs the OAuth2 authorization flow for Google and Microsoft
// calendar connections and keeps their tokens fresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/keylock"
	"github.com/bizblasts/calsync/internal/provider"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported OAuth provider")
	ErrProviderMismatch    = errors.New("callback provider does not match state")
	ErrNonceReplayed       = errors.New("OAuth state already used or unknown")
	ErrTokenExchange       = errors.New("token exchange failed")
	ErrMissingParameters   = errors.New("business and staff member are required")
)

// Scopes requested per provider.
var (
	GoogleScopes    = []string{"openid", "email", "https://www.googleapis.com/auth/calendar.events"}
	MicrosoftScopes = []string{"offline_access", "User.Read", "Calendars.ReadWrite"}
)

// ConnectionStore is the persistence the handler needs.
type ConnectionStore interface {
	ReplaceConnection(ctx context.Context, conn *db.CalendarConnection) (string, error)
	GetConnection(ctx context.Context, id string) (*db.CalendarConnection, error)
	UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error
	DeactivateConnection(ctx context.Context, id, reason string) error
}

// ClientCredentials are one provider's registered application.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	// Endpoint overrides the provider's default endpoint when non-zero.
	Endpoint oauth2.Endpoint
}

// Config wires an OAuthHandler.
type Config struct {
	// BaseURL is the public root the callback routes hang off.
	BaseURL         string
	Google          *ClientCredentials
	Microsoft       *ClientCredentials
	MicrosoftTenant string

	Signer     *StateSigner
	Nonces     NonceStore
	Store      ConnectionStore
	Accounts   AccountResolver
	HTTPClient *http.Client
	Now        func() time.Time
}

// OAuthHandler issues authorization URLs, completes callbacks and refreshes
// tokens.
type OAuthHandler struct {
	configs    map[db.Provider]*oauth2.Config
	signer     *StateSigner
	nonces     NonceStore
	store      ConnectionStore
	accounts   AccountResolver
	httpClient *http.Client
	now        func() time.Time
	refreshing *keylock.Map
}

var _ provider.TokenRefresher = (*OAuthHandler)(nil)

// NewOAuthHandler builds the per-provider OAuth configs from cfg. Providers
// without credentials stay disabled.
func NewOAuthHandler(cfg Config) *OAuthHandler {
	h := &OAuthHandler{
		configs:    make(map[db.Provider]*oauth2.Config),
		signer:     cfg.Signer,
		nonces:     cfg.Nonces,
		store:      cfg.Store,
		accounts:   cfg.Accounts,
		httpClient: cfg.HTTPClient,
		now:        cfg.Now,
		refreshing: keylock.New(),
	}
	if h.now == nil {
		h.now = time.Now
	}

	if c := cfg.Google; c != nil && c.ClientID != "" {
		endpoint := c.Endpoint
		if endpoint.TokenURL == "" {
			endpoint = google.Endpoint
		}
		h.configs[db.ProviderGoogle] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  CallbackURL(cfg.BaseURL, db.ProviderGoogle),
			Scopes:       GoogleScopes,
		}
	}

	if c := cfg.Microsoft; c != nil && c.ClientID != "" {
		endpoint := c.Endpoint
		if endpoint.TokenURL == "" {
			endpoint = microsoft.AzureADEndpoint(cfg.MicrosoftTenant)
		}
		h.configs[db.ProviderMicrosoft] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  CallbackURL(cfg.BaseURL, db.ProviderMicrosoft),
			Scopes:       MicrosoftScopes,
		}
	}

	return h
}

// CallbackURL is the redirect URI registered with a provider.
func CallbackURL(baseURL string, p db.Provider) string {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return baseURL + "/oauth/" + string(p) + "/callback"
}

// Enabled reports whether p has client credentials configured.
func (h *OAuthHandler) Enabled(p db.Provider) bool {
	_, ok := h.configs[p]
	return ok
}

func (h *OAuthHandler) config(p db.Provider) (*oauth2.Config, error) {
	cfg, ok := h.configs[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
	}
	return cfg, nil
}

// oauthContext makes the oauth2 package use the handler's HTTP client.
func (h *OAuthHandler) oauthContext(ctx context.Context) context.Context {
	if h.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
}

// AuthorizationURL starts a flow for one staff member. It returns the URL to
// send the browser to and the nonce embedded in its state.
func (h *OAuthHandler) AuthorizationURL(ctx context.Context, p db.Provider, businessID, staffID string) (string, string, error) {
	state, nonce, err := h.IssueState(ctx, p, businessID, staffID)
	if err != nil {
		return "", "", err
	}

	authURL, err := h.RedirectURL(p, state)
	if err != nil {
		return "", "", err
	}
	return authURL, nonce, nil
}

// IssueState registers a fresh nonce and signs the state for a flow.
func (h *OAuthHandler) IssueState(ctx context.Context, p db.Provider, businessID, staffID string) (string, string, error) {
	if _, err := h.config(p); err != nil {
		return "", "", err
	}
	if businessID == "" || staffID == "" {
		return "", "", ErrMissingParameters
	}

	nonce := uuid.NewString()
	if err := h.nonces.Put(ctx, nonce, StateMaxAge); err != nil {
		return "", "", err
	}

	state, err := h.signer.Sign(StatePayload{
		BusinessID:    businessID,
		StaffMemberID: staffID,
		Provider:      p,
		Nonce:         nonce,
	})
	if err != nil {
		return "", "", err
	}
	return state, nonce, nil
}

// RedirectURL builds the provider's consent URL for an issued state.
func (h *OAuthHandler) RedirectURL(p db.Provider, state string) (string, error) {
	cfg, err := h.config(p)
	if err != nil {
		return "", err
	}

	var opts []oauth2.AuthCodeOption
	if p == db.ProviderGoogle {
		opts = append(opts, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// VerifyState checks a state value without consuming its nonce.
func (h *OAuthHandler) VerifyState(state string) (*StatePayload, error) {
	return h.signer.Verify(state)
}

// HandleCallback completes a flow: it checks state, consumes its nonce,
// exchanges code for tokens, resolves the account and provisions the
// connection in place of any previous one.
func (h *OAuthHandler) HandleCallback(ctx context.Context, p db.Provider, code, state string) (*db.CalendarConnection, error) {
	cfg, err := h.config(p)
	if err != nil {
		return nil, err
	}

	payload, err := h.signer.Verify(state)
	if err != nil {
		return nil, err
	}
	if payload.Provider != p {
		return nil, ErrProviderMismatch
	}

	live, err := h.nonces.Consume(ctx, payload.Nonce)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, ErrNonceReplayed
	}

	token, err := cfg.Exchange(h.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	accountID, err := h.accounts.AccountID(ctx, p, token)
	if err != nil {
		return nil, err
	}

	conn := &db.CalendarConnection{
		BusinessID:    payload.BusinessID,
		StaffMemberID: payload.StaffMemberID,
		Provider:      p,
		AccountID:     accountID,
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
		Active:        true,
	}
	if !token.Expiry.IsZero() {
		exp := token.Expiry.UTC()
		conn.TokenExpiresAt = &exp
	}

	replaced, err := h.store.ReplaceConnection(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to provision connection: %w", err)
	}
	if replaced != "" {
		log.Printf("[OAuth] %s connection %s replaced %s for staff %s", p, conn.ID, replaced, conn.StaffMemberID)
	} else {
		log.Printf("[OAuth] %s connection %s created for staff %s", p, conn.ID, conn.StaffMemberID)
	}

	return conn, nil
}

// RefreshToken exchanges the connection's refresh token for a new access
// token and persists it. Refreshes of one connection are serialized; a
// caller that waited behind another refresh gets that result. A revoked
// grant deactivates the connection and fails with KindUnauthorized.
func (h *OAuthHandler) RefreshToken(ctx context.Context, conn *db.CalendarConnection) (*db.CalendarConnection, error) {
	const op = "refresh_token"

	cfg, err := h.config(conn.Provider)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindBadRequest, Op: op, Err: err}
	}

	unlock := h.refreshing.Lock(conn.ID)
	defer unlock()

	current, err := h.store.GetConnection(ctx, conn.ID)
	if err != nil {
		return nil, provider.Classify(op, err)
	}
	if !current.Active {
		return nil, provider.NewError(provider.KindInactive, op, "connection is not active")
	}
	if current.AccessToken != conn.AccessToken && !current.TokenExpired(h.now(), time.Minute) {
		return current, nil
	}
	if current.RefreshToken == "" {
		return nil, provider.NewError(provider.KindExpiredToken, op, "no refresh token stored")
	}

	// Without an access token the source always goes to the token endpoint.
	token, err := cfg.TokenSource(h.oauthContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if err != nil {
		pe := provider.Classify(op, err)
		if pe.Kind == provider.KindUnauthorized {
			if derr := h.store.DeactivateConnection(ctx, current.ID, "refresh token rejected, reconnect required"); derr != nil {
				log.Printf("[OAuth] Failed to deactivate connection %s: %v", current.ID, derr)
			}
			log.Printf("[OAuth] Refresh token for connection %s was rejected, connection deactivated", current.ID)
		}
		return nil, pe
	}

	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		exp := token.Expiry.UTC()
		expiresAt = &exp
	}
	if err := h.store.UpdateConnectionTokens(ctx, current.ID, token.AccessToken, token.RefreshToken, expiresAt); err != nil {
		return nil, provider.Classify(op, err)
	}

	updated := *current
	updated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	updated.TokenExpiresAt = expiresAt
	return &updated, nil
}
