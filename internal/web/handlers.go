package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizblasts/calsync/internal/activity"
	"github.com/bizblasts/calsync/internal/auth"
	"github.com/bizblasts/calsync/internal/caldav"
	"github.com/bizblasts/calsync/internal/config"
	"github.com/bizblasts/calsync/internal/coordinator"
	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/health"
	"github.com/bizblasts/calsync/internal/validator"
)

// Store is the persistence the HTTP handlers use.
type Store interface {
	UpsertBusiness(ctx context.Context, b *db.Business) error
	UpsertStaffMember(ctx context.Context, s *db.StaffMember) error
	GetStaffMember(ctx context.Context, id string) (*db.StaffMember, error)
	SetDefaultConnection(ctx context.Context, staffID, connectionID string) error
	UpsertBooking(ctx context.Context, b *db.Booking) error
	GetBooking(ctx context.Context, id string) (*db.Booking, error)
	MappingsForBooking(ctx context.Context, bookingID string) ([]*db.EventMapping, error)
	ReplaceConnection(ctx context.Context, conn *db.CalendarConnection) (string, error)
	GetConnection(ctx context.Context, id string) (*db.CalendarConnection, error)
	ConnectionsForStaff(ctx context.Context, staffID string) ([]*db.CalendarConnection, error)
	DeleteConnection(ctx context.Context, id string) error
	GetSyncLogs(ctx context.Context, connectionID string, limit int) ([]*db.SyncLog, error)
}

// Coordinator runs the synchronous sync operations.
type Coordinator interface {
	ImportAvailability(ctx context.Context, staffID string, start, end time.Time) (*coordinator.AvailabilityResult, error)
	SyncStatistics(ctx context.Context, businessID string, since time.Time) (*db.SyncStats, error)
}

// Scheduler queues background sync work.
type Scheduler interface {
	TriggerSync(bookingID string) error
	TriggerUpdate(bookingID string) error
	TriggerDelete(bookingID string) error
	TriggerRetry(businessID string) error
	Activity() *activity.Tracker
}

// Notifier sends operator alerts.
type Notifier interface {
	SendTestWebhook(ctx context.Context, webhookURL string) error
	ClearCooldown(connectionID string)
}

// Deps wires the handlers.
type Deps struct {
	Config      *config.Config
	Store       Store
	OAuth       *auth.OAuthHandler
	Flows       *auth.FlowSessions
	CalDAV      *caldav.Factory
	Validator   *validator.Validator
	Coordinator Coordinator
	Scheduler   Scheduler
	Notifier    Notifier
	Health      *health.Checker
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	store     Store
	oauth     *auth.OAuthHandler
	flows     *auth.FlowSessions
	caldav    *caldav.Factory
	validator *validator.Validator
	coord     Coordinator
	scheduler Scheduler
	notifier  Notifier
	health    *health.Checker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		cfg:       d.Config,
		store:     d.Store,
		oauth:     d.OAuth,
		flows:     d.Flows,
		caldav:    d.CalDAV,
		validator: d.Validator,
		coord:     d.Coordinator,
		scheduler: d.Scheduler,
		notifier:  d.Notifier,
		health:    d.Health,
	}
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Liveness())
}

// Readiness checks all dependencies.
func (h *Handlers) Readiness(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	if report.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// oauthProvider reads and checks the :provider path parameter.
func (h *Handlers) oauthProvider(c *gin.Context) (db.Provider, bool) {
	p := db.Provider(c.Param("provider"))
	if !p.IsOAuth() || !h.oauth.Enabled(p) {
		return "", false
	}
	return p, true
}

// OAuthStart binds the flow to this browser and redirects to the provider's
// consent page. The state comes from an earlier authorize API call.
func (h *Handlers) OAuthStart(c *gin.Context) {
	p, ok := h.oauthProvider(c)
	if !ok {
		h.renderResult(c, http.StatusNotFound, "", "This calendar provider is not available.")
		return
	}

	state := c.Query("state")
	payload, err := h.oauth.VerifyState(state)
	if err != nil || payload.Provider != p {
		h.renderResult(c, http.StatusBadRequest, p, "This connection link is invalid or has expired.")
		return
	}

	if err := h.flows.Bind(c.Writer, c.Request, payload.Nonce); err != nil {
		log.Printf("[OAuth] Failed to bind flow: %v", err)
		h.renderResult(c, http.StatusInternalServerError, p, "Could not start the connection. Please try again.")
		return
	}

	authURL, err := h.oauth.RedirectURL(p, state)
	if err != nil {
		h.renderResult(c, http.StatusNotFound, p, "This calendar provider is not available.")
		return
	}

	c.Redirect(http.StatusFound, authURL)
}

// OAuthCallback completes the provider round trip and provisions the
// connection.
func (h *Handlers) OAuthCallback(c *gin.Context) {
	p, ok := h.oauthProvider(c)
	if !ok {
		h.renderResult(c, http.StatusNotFound, "", "This calendar provider is not available.")
		return
	}

	bound, err := h.flows.Take(c.Writer, c.Request)
	if err != nil {
		h.renderResult(c, http.StatusBadRequest, p, "This connection was started in another browser or has expired.")
		return
	}

	state := c.Query("state")
	payload, err := h.oauth.VerifyState(state)
	if err != nil || payload.Nonce != bound {
		h.renderResult(c, http.StatusBadRequest, p, "Invalid state parameter.")
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		log.Printf("[OAuth] %s returned error %q for staff %s", p, errParam, payload.StaffMemberID)
		h.renderResult(c, http.StatusBadRequest, p, "Access was not granted.")
		return
	}

	code := c.Query("code")
	if code == "" {
		h.renderResult(c, http.StatusBadRequest, p, "Missing authorization code.")
		return
	}

	conn, err := h.oauth.HandleCallback(c.Request.Context(), p, code, state)
	if err != nil {
		log.Printf("[OAuth] Callback for %s failed: %v", p, err)
		status := http.StatusBadGateway
		if errors.Is(err, auth.ErrNonceReplayed) || errors.Is(err, auth.ErrInvalidState) ||
			errors.Is(err, auth.ErrStateExpired) || errors.Is(err, auth.ErrProviderMismatch) {
			status = http.StatusBadRequest
		}
		h.renderResult(c, status, p, "The calendar could not be connected. Please try again.")
		return
	}

	h.ensureDefaultConnection(c.Request.Context(), conn)
	h.renderResult(c, http.StatusOK, p, "")
}

// ensureDefaultConnection makes conn the staff member's default when they
// have none.
func (h *Handlers) ensureDefaultConnection(ctx context.Context, conn *db.CalendarConnection) {
	staff, err := h.store.GetStaffMember(ctx, conn.StaffMemberID)
	if err != nil || staff.DefaultConnectionID != "" {
		return
	}
	if err := h.store.SetDefaultConnection(ctx, staff.ID, conn.ID); err != nil {
		log.Printf("Failed to set default connection for staff %s: %v", staff.ID, err)
	}
}

// renderResult shows the page the browser lands on after a flow. An empty
// message means success.
func (h *Handlers) renderResult(c *gin.Context, status int, p db.Provider, message string) {
	c.HTML(status, "oauth_result.html", gin.H{
		"Provider": providerLabel(p),
		"Success":  message == "",
		"Message":  message,
	})
}

func providerLabel(p db.Provider) string {
	switch p {
	case db.ProviderGoogle:
		return "Google Calendar"
	case db.ProviderMicrosoft:
		return "Microsoft Outlook"
	case db.ProviderCalDAV:
		return "CalDAV"
	default:
		return "Calendar"
	}
}
