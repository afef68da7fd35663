package microsoft

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/bizblasts/calsync/internal/provider"
)

// Profile is the signed-in Graph user.
type Profile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// FetchProfile reads /me with accessToken. baseURL defaults to GraphBaseURL.
func FetchProfile(ctx context.Context, hc *http.Client, baseURL, accessToken string) (*Profile, error) {
	const op = "fetch_profile"
	if baseURL == "" {
		baseURL = GraphBaseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/me?$select=id,displayName,mail,userPrincipalName", nil)
	if err != nil {
		return nil, provider.Classify(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, provider.Classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, provider.Classify(op, fmt.Errorf("failed to decode profile: %w", err))
	}
	if p.ID == "" {
		return nil, provider.NewError(provider.KindUnknown, op, "profile has no id")
	}
	return &p, nil
}
