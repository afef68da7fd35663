package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/bizblasts/calsync/internal/provider"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidResponse  = errors.New("invalid server response")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12

	// maxResponseBytes bounds every multistatus body read from a server.
	maxResponseBytes = 16 << 20
)

// Client speaks raw WebDAV/CalDAV to one server with basic auth.
type Client struct {
	baseURL      *url.URL
	username     string
	httpClient   webdav.HTTPClient
	caldavClient *caldav.Client
}

// NewClient creates a CalDAV client with the standard transport.
func NewClient(baseURL, username, password string) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return NewClientWithHTTP(baseURL, username, password, &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	})
}

// NewClientWithHTTP creates a client on top of the given HTTP client.
func NewClientWithHTTP(baseURL, username, password string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrConnectionFailed, baseURL)
	}

	authed := webdav.HTTPClientWithBasicAuth(httpClient, username, password)

	caldavClient, err := caldav.NewClient(authed, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      u,
		username:     username,
		httpClient:   authed,
		caldavClient: caldavClient,
	}, nil
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// TestConnection verifies credentials by resolving the current user principal.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.caldavClient.FindCurrentUserPrincipal(ctx); err != nil {
		if status := statusFromError(err); status != 0 {
			return c.statusError("test_connection", status, strings.NewReader(err.Error()))
		}
		return provider.Classify("test_connection", fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	return nil
}

// statusFromError extracts the status code go-webdav puts at the start of
// its HTTP error messages ("401 Unauthorized: ...").
func statusFromError(err error) int {
	msg := err.Error()
	if len(msg) < 3 {
		return 0
	}
	code, convErr := strconv.Atoi(msg[:3])
	if convErr != nil || code < 400 || code > 599 {
		return 0
	}
	if len(msg) > 3 && msg[3] != ' ' && msg[3] != ':' {
		return 0
	}
	return code
}

// Propfind issues a PROPFIND and parses the multistatus reply.
func (c *Client) Propfind(ctx context.Context, target string, depth int, body *etree.Document) ([]davResponse, error) {
	raw, err := c.doXML(ctx, "PROPFIND", target, depth, body)
	if err != nil {
		return nil, err
	}

	responses, err := parseMultistatus(raw)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindBadRequest, Op: "propfind", Err: fmt.Errorf("%w: %w", ErrInvalidResponse, err)}
	}
	return responses, nil
}

// Report issues a REPORT and returns the raw multistatus body.
func (c *Client) Report(ctx context.Context, target string, depth int, body *etree.Document) ([]byte, error) {
	return c.doXML(ctx, "REPORT", target, depth, body)
}

// Put writes an iCalendar object. create adds If-None-Match: * so an
// existing resource is never overwritten.
func (c *Client) Put(ctx context.Context, target string, data []byte, create bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.Resolve(target), bytes.NewReader(data))
	if err != nil {
		return provider.Classify("put", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if create {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Classify("put", fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	return c.statusError("put", resp.StatusCode, resp.Body)
}

// Delete removes a resource.
func (c *Client) Delete(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.Resolve(target), nil)
	if err != nil {
		return provider.Classify("delete", fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Classify("delete", fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return nil
	}
	return c.statusError("delete", resp.StatusCode, resp.Body)
}

func (c *Client) doXML(ctx context.Context, method, target string, depth int, body *etree.Document) ([]byte, error) {
	op := strings.ToLower(method)

	payload, err := body.WriteToBytes()
	if err != nil {
		return nil, provider.Classify(op, fmt.Errorf("failed to encode request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Resolve(target), bytes.NewReader(payload))
	if err != nil {
		return nil, provider.Classify(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", strconv.Itoa(depth))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.Classify(op, fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, c.statusError(op, resp.StatusCode, resp.Body)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, provider.Classify(op, fmt.Errorf("failed to read response: %w", err))
	}
	return raw, nil
}

// statusError maps a failed response to the provider taxonomy with the
// CalDAV-specific refinements.
func (c *Client) statusError(op string, status int, body io.Reader) error {
	var snippet string
	if body != nil {
		b, _ := io.ReadAll(io.LimitReader(body, 4096))
		snippet = string(b)
	}

	switch status {
	case http.StatusMethodNotAllowed:
		return &provider.Error{Kind: provider.KindMethodNotSupported, Op: op, Status: status}
	case http.StatusPreconditionFailed:
		return &provider.Error{Kind: provider.KindPreconditionFailed, Op: op, Status: status, Message: "resource already exists"}
	case http.StatusConflict:
		return &provider.Error{Kind: provider.KindConflict, Op: op, Status: status}
	case http.StatusUnauthorized:
		if appPasswordHint(snippet) {
			return &provider.Error{Kind: provider.KindAppPasswordRequired, Op: op, Status: status, Message: "server requires an app password"}
		}
	}
	return provider.FromStatus(op, status, "")
}

// appPasswordHint detects the two-factor message Nextcloud returns when a
// login password is used instead of an app password.
func appPasswordHint(body string) bool {
	lower := strings.ToLower(body)
	for _, hint := range []string{"app password", "app-password", "apppassword", "two-factor", "2fa"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// Resolve turns an href or path into an absolute URL on the client's server.
func (c *Client) Resolve(target string) string {
	if target == "" {
		return c.baseURL.String()
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	if ref.IsAbs() {
		return ref.String()
	}
	if strings.HasPrefix(target, "/") {
		return c.baseURL.ResolveReference(ref).String()
	}
	base := *c.baseURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(ref).String()
}

// HostURL returns scheme://host joined with path.
func (c *Client) HostURL(path string) string {
	u := url.URL{Scheme: c.baseURL.Scheme, Host: c.baseURL.Host, Path: path}
	return u.String()
}
