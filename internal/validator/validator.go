// Package validator checks user-supplied URLs before the service connects to
// them and provides an HTTP client that refuses private addresses.
package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL        = errors.New("invalid URL format")
	ErrHTTPSRequired     = errors.New("HTTPS is required")
	ErrPrivateIP         = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrInvalidOIDCIssuer = errors.New("invalid OIDC issuer")
	ErrInvalidCalDAV     = errors.New("invalid CalDAV URL")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator provides URL and endpoint validation functionality.
type Validator struct {
	client          *http.Client
	resolver        Resolver
	allowPrivateIPs bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs allows connections to private IP addresses, for
// self-hosted CalDAV servers on the same network.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(v *Validator) {
		v.resolver = r
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{resolver: net.DefaultResolver}

	for _, opt := range opts {
		opt(v)
	}

	v.client = v.HTTPClient(defaultTimeout)
	return v
}

// HTTPClient returns a client whose dialer applies the private address
// check to every connection, including redirects.
func (v *Validator) HTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		DialContext:           v.dialWithIPCheck,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

func (v *Validator) dialWithIPCheck(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	ips, err := v.checkHost(ctx, host)
	if err != nil {
		return nil, err
	}

	// Dial the address that was checked so a second lookup cannot swap it.
	dialer := &net.Dialer{
		Timeout:   defaultTimeout,
		KeepAlive: 30 * time.Second,
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// checkHost resolves host and rejects it when any address is private.
func (v *Validator) checkHost(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := v.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS resolution failed: %w", err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("DNS resolution failed: no addresses for %s", host)
	}

	if !v.allowPrivateIPs {
		for _, ip := range ips {
			if isPrivateIP(ip) {
				return nil, ErrPrivateIP
			}
		}
	}
	return ips, nil
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	return nil
}

// ValidateCalDAVURL checks a server URL entered for a CalDAV connection. It
// must not carry credentials and must resolve to public addresses only.
func (v *Validator) ValidateCalDAVURL(ctx context.Context, rawURL string, requireHTTPS bool) error {
	if err := v.ValidateURL(rawURL, requireHTTPS); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	parsed, _ := url.Parse(rawURL)
	if parsed.User != nil {
		return fmt.Errorf("%w: credentials must not be part of the URL", ErrInvalidCalDAV)
	}

	if _, err := v.checkHost(ctx, parsed.Hostname()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}
	return nil
}

// ValidateOIDCIssuer validates an OIDC issuer URL by checking its discovery endpoint.
func (v *Validator) ValidateOIDCIssuer(ctx context.Context, issuerURL string) error {
	if err := v.ValidateURL(issuerURL, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOIDCIssuer, err)
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidOIDCIssuer, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: discovery endpoint returned status %d", ErrInvalidOIDCIssuer, resp.StatusCode)
	}

	return nil
}
