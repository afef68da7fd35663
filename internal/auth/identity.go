package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/microsoft"
)

// GoogleIssuer is Google's OpenID Connect issuer.
const GoogleIssuer = "https://accounts.google.com"

var (
	ErrOIDCInit       = errors.New("OIDC initialization failed")
	ErrAccountLookup  = errors.New("account lookup failed")
	ErrMissingSubject = errors.New("userinfo has no subject")
)

// AccountResolver returns the stable provider-side account id for a token.
type AccountResolver interface {
	AccountID(ctx context.Context, p db.Provider, token *oauth2.Token) (string, error)
}

// GoogleIdentity reads the OIDC userinfo subject for Google tokens. The
// discovery document is fetched once, on first use.
type GoogleIdentity struct {
	issuer     string
	httpClient *http.Client

	mu       sync.Mutex
	provider *oidc.Provider
}

// NewGoogleIdentity creates a resolver for issuer, or GoogleIssuer when empty.
func NewGoogleIdentity(issuer string, hc *http.Client) *GoogleIdentity {
	if issuer == "" {
		issuer = GoogleIssuer
	}
	return &GoogleIdentity{issuer: issuer, httpClient: hc}
}

func (g *GoogleIdentity) withClient(ctx context.Context) context.Context {
	if g.httpClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, g.httpClient)
}

func (g *GoogleIdentity) oidcProvider(ctx context.Context) (*oidc.Provider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.provider != nil {
		return g.provider, nil
	}
	p, err := oidc.NewProvider(g.withClient(ctx), g.issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}
	g.provider = p
	return p, nil
}

// Subject returns the userinfo "sub" claim for token.
func (g *GoogleIdentity) Subject(ctx context.Context, token *oauth2.Token) (string, error) {
	p, err := g.oidcProvider(ctx)
	if err != nil {
		return "", err
	}

	info, err := p.UserInfo(g.withClient(ctx), oauth2.StaticTokenSource(token))
	if err != nil {
		return "", fmt.Errorf("failed to get user info: %w", err)
	}
	if info.Subject == "" {
		return "", ErrMissingSubject
	}
	return info.Subject, nil
}

// ProviderAccounts resolves account ids for every supported provider.
type ProviderAccounts struct {
	Google       *GoogleIdentity
	GraphBaseURL string
	HTTPClient   *http.Client
}

func (r *ProviderAccounts) AccountID(ctx context.Context, p db.Provider, token *oauth2.Token) (string, error) {
	switch p {
	case db.ProviderGoogle:
		sub, err := r.Google.Subject(ctx, token)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrAccountLookup, err)
		}
		return sub, nil
	case db.ProviderMicrosoft:
		profile, err := microsoft.FetchProfile(ctx, r.HTTPClient, r.GraphBaseURL, token.AccessToken)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrAccountLookup, err)
		}
		return profile.ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
}
