// Package notify tells people when a calendar connection stopped working and
// must be reconnected.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/resend/resend-go/v2"

	"github.com/bizblasts/calsync/internal/db"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

var (
	ErrInvalidWebhook = errors.New("invalid webhook URL")
	ErrInvalidEmail   = errors.New("invalid email address")
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeReconnect AlertType = "reconnect_required"
	AlertTypeTest      AlertType = "test"
)

// Alert represents a notification alert.
type Alert struct {
	Type          AlertType
	ConnectionID  string
	BusinessID    string
	StaffMemberID string
	Provider      db.Provider
	Recipient     string
	Message       string
	Details       string
	Timestamp     time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string

	ResendAPIKey string
	EmailFrom    string

	// CooldownPeriod suppresses repeated alerts for the same connection.
	CooldownPeriod time.Duration
}

// EmailSender delivers one plain-text email.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, text string) error
}

// StaffDirectory finds who to email about a connection.
type StaffDirectory interface {
	GetStaffMember(ctx context.Context, id string) (*db.StaffMember, error)
}

// ResendSender sends email through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender creates a sender with the given API key and from address.
func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey), from: from}
}

func (s *ResendSender) Send(ctx context.Context, to []string, subject, text string) error {
	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      to,
		Subject: subject,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("resend send failed: %w", err)
	}
	log.Printf("[Notify] Email %s sent to %d recipients", sent.Id, len(to))
	return nil
}

// Notifier sends alert notifications.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client
	email      EmailSender
	staff      StaffDirectory
	now        func() time.Time

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	wg             sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithEmailSender sets the email channel.
func WithEmailSender(s EmailSender) Option {
	return func(n *Notifier) {
		n.email = s
	}
}

// WithStaffDirectory lets alerts reach the affected staff member by email.
func WithStaffDirectory(d StaffDirectory) Option {
	return func(n *Notifier) {
		n.staff = d
	}
}

// WithHTTPClient replaces the webhook transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) {
		n.httpClient = hc
	}
}

// WithClock replaces time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		n.now = now
	}
}

// New creates a new Notifier. A Resend key in cfg enables email unless an
// explicit sender is given.
func New(cfg *Config, opts ...Option) *Notifier {
	n := &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now:            time.Now,
		lastAlertTimes: make(map[string]time.Time),
	}
	if cfg.ResendAPIKey != "" && cfg.EmailFrom != "" {
		n.email = NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom)
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookURL != "" {
		if err := ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return err
		}
	}
	if cfg.ResendAPIKey != "" && !isValidEmail(extractAddress(cfg.EmailFrom)) {
		return fmt.Errorf("%w: email from address", ErrInvalidEmail)
	}
	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

// ValidateWebhookURL checks that a webhook URL is HTTPS and does not point
// at a local or private host.
func ValidateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("%w: must use HTTPS", ErrInvalidWebhook)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: cannot point to internal hosts", ErrInvalidWebhook)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
			return fmt.Errorf("%w: cannot point to private IP addresses", ErrInvalidWebhook)
		}
	}
	return nil
}

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// extractAddress returns the address part of "Name <addr>".
func extractAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		return strings.TrimSuffix(strings.TrimSpace(from[i+1:]), ">")
	}
	return strings.TrimSpace(from)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled returns true if any notification method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != "" || n.email != nil
}

// ReconnectRequired alerts that conn was deactivated and must be
// reconnected. Alerts for one connection are limited to one per cooldown
// period. Delivery happens in the background.
func (n *Notifier) ReconnectRequired(ctx context.Context, conn *db.CalendarConnection, reason string) {
	if !n.IsEnabled() {
		return
	}
	if !n.claim(conn.ID) {
		log.Printf("[Notify] Reconnect alert for connection %s suppressed by cooldown", conn.ID)
		return
	}

	alert := Alert{
		Type:          AlertTypeReconnect,
		ConnectionID:  conn.ID,
		BusinessID:    conn.BusinessID,
		StaffMemberID: conn.StaffMemberID,
		Provider:      conn.Provider,
		Message:       fmt.Sprintf("Your %s calendar needs to be reconnected", providerName(conn.Provider)),
		Details:       reason,
		Timestamp:     n.now().UTC(),
	}

	// Detach from the caller so a finished request does not cancel delivery.
	bg := context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(bg, time.Minute)
		defer cancel()
		n.send(sendCtx, alert)
	}()
}

// claim records an alert for id unless one was sent within the cooldown.
func (n *Notifier) claim(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastAlertTimes[id]; ok && now.Sub(last) < n.cfg.CooldownPeriod {
		return false
	}
	n.lastAlertTimes[id] = now
	return true
}

// ClearCooldown forgets the alert history of a connection.
func (n *Notifier) ClearCooldown(connectionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.lastAlertTimes, connectionID)
}

// Wait blocks until background deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, n.cfg.WebhookURL, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}

	if n.email == nil || n.staff == nil {
		return
	}
	staff, err := n.staff.GetStaffMember(ctx, alert.StaffMemberID)
	if err != nil {
		log.Printf("[Notify] Failed to look up staff member %s: %v", alert.StaffMemberID, err)
		return
	}
	if !isValidEmail(staff.Email) {
		return
	}
	if err := n.sendEmail(ctx, alert, staff); err != nil {
		log.Printf("[Notify] Email error: %v", err)
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType     string `json:"alert_type"`
	ConnectionID  string `json:"connection_id"`
	BusinessID    string `json:"business_id"`
	StaffMemberID string `json:"staff_member_id"`
	Provider      string `json:"provider"`
	Message       string `json:"message"`
	Details       string `json:"details"`
	Timestamp     string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, webhookURL string, alert Alert) error {
	emoji := ":warning:"
	if alert.Type == AlertTypeTest {
		emoji = ":rocket:"
	}

	payload := WebhookPayload{
		AlertType:     string(alert.Type),
		ConnectionID:  alert.ConnectionID,
		BusinessID:    alert.BusinessID,
		StaffMemberID: alert.StaffMemberID,
		Provider:      string(alert.Provider),
		Message:       alert.Message,
		Details:       alert.Details,
		Timestamp:     alert.Timestamp.Format(time.RFC3339),
		Text:          fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s (connection %s)", alert.Type, alert.ConnectionID)
	return nil
}

func (n *Notifier) sendEmail(ctx context.Context, alert Alert, staff *db.StaffMember) error {
	subject := "[BizBlasts] " + sanitizeForEmail(alert.Message)

	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\n\n", sanitizeForEmail(staff.Name))
	fmt.Fprintf(&body, "%s. New bookings are not being added to it until you reconnect.\n\n", sanitizeForEmail(alert.Message))
	fmt.Fprintf(&body, "Reason: %s\n", sanitizeForEmail(alert.Details))
	fmt.Fprintf(&body, "Time: %s\n", alert.Timestamp.Format(time.RFC1123))

	return n.email.Send(ctx, []string{staff.Email}, subject, body.String())
}

// SendTestWebhook sends a test message to a webhook URL.
func (n *Notifier) SendTestWebhook(ctx context.Context, webhookURL string) error {
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return err
	}
	return n.sendWebhook(ctx, webhookURL, Alert{
		Type:      AlertTypeTest,
		Message:   "Test webhook from calsync",
		Details:   "This is a test message to verify your webhook configuration",
		Timestamp: n.now().UTC(),
	})
}

func providerName(p db.Provider) string {
	switch p {
	case db.ProviderGoogle:
		return "Google"
	case db.ProviderMicrosoft:
		return "Microsoft"
	case db.ProviderCalDAV:
		return "CalDAV"
	}
	return string(p)
}
