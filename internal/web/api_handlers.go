package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/bizblasts/calsync/internal/auth"
	"github.com/bizblasts/calsync/internal/caldav"
	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
	"github.com/bizblasts/calsync/internal/validator"
)

const (
	defaultLogLimit   = 50
	maxLogLimit       = 500
	defaultStatsDays  = 7
	maxImportWindow   = 62 * 24 * time.Hour
	connectionTimeout = 45 * time.Second
)

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// categorizeConnectionError returns a user-friendly message for a failed
// CalDAV connection test or discovery.
func categorizeConnectionError(err error) string {
	if err == nil {
		return "Connection failed"
	}

	switch provider.KindOf(err) {
	case provider.KindAppPasswordRequired:
		return "This account requires an app-specific password."
	case provider.KindUnauthorized:
		return "Authentication failed. Please check your credentials."
	case provider.KindForbidden:
		return "Access denied. Please check your permissions."
	case provider.KindTimeout:
		return "Connection timed out. Please try again."
	case provider.KindNotFound:
		return "Calendar server not found at this URL."
	case provider.KindDiscovery:
		return "No writable calendars were found for this account."
	case provider.KindServerError, provider.KindRateLimited:
		return "The calendar server is unavailable. Please try again later."
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the URL."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Connection failed. Please check your settings."
	}
}

func decodeJSON(c *gin.Context, v any) bool {
	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return false
	}
	return true
}

// APIConnection is a connection without its secrets.
type APIConnection struct {
	*db.CalendarConnection
	Default bool `json:"default"`
}

// APIUpsertBusiness updates or creates a business.
func (h *Handlers) APIUpsertBusiness(c *gin.Context) {
	var b db.Business
	if !decodeJSON(c, &b) {
		return
	}
	b.ID = c.Param("id")
	if b.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	if err := h.store.UpsertBusiness(c.Request.Context(), &b); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save business")})
		return
	}
	c.JSON(http.StatusOK, b)
}

// APIUpsertStaffMember updates or creates a staff member.
func (h *Handlers) APIUpsertStaffMember(c *gin.Context) {
	var s db.StaffMember
	if !decodeJSON(c, &s) {
		return
	}
	s.ID = c.Param("id")
	if s.BusinessID == "" || s.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and name are required"})
		return
	}

	if err := h.store.UpsertStaffMember(c.Request.Context(), &s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save staff member")})
		return
	}
	c.JSON(http.StatusOK, s)
}

// APIUpsertBooking records a booking so it can be synced.
func (h *Handlers) APIUpsertBooking(c *gin.Context) {
	var b db.Booking
	if !decodeJSON(c, &b) {
		return
	}
	b.ID = c.Param("id")
	b.SyncStatus = ""
	if b.BusinessID == "" || b.StaffMemberID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and staff_member_id are required"})
		return
	}
	if b.StartTime.IsZero() || !b.StartTime.Before(b.EndTime) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_time must be before end_time"})
		return
	}

	ctx := c.Request.Context()
	staff, err := h.store.GetStaffMember(ctx, b.StaffMemberID)
	if err != nil || staff.BusinessID != b.BusinessID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown staff member for this business"})
		return
	}

	if err := h.store.UpsertBooking(ctx, &b); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save booking")})
		return
	}

	saved, err := h.store.GetBooking(ctx, b.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load booking")})
		return
	}
	c.JSON(http.StatusOK, saved)
}

// APIGetBooking returns a booking with its event mappings.
func (h *Handlers) APIGetBooking(c *gin.Context) {
	ctx := c.Request.Context()
	booking, err := h.store.GetBooking(ctx, c.Param("id"))
	if err != nil {
		h.notFoundOr500(c, err, "Booking not found", "Failed to load booking")
		return
	}

	mappings, err := h.store.MappingsForBooking(ctx, booking.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load mappings")})
		return
	}
	if mappings == nil {
		mappings = []*db.EventMapping{}
	}

	c.JSON(http.StatusOK, gin.H{"booking": booking, "mappings": mappings})
}

// APISyncBooking queues a sync of a new or changed booking.
func (h *Handlers) APISyncBooking(c *gin.Context) {
	h.queueBooking(c, db.ActionCreate, h.scheduler.TriggerSync)
}

// APIUpdateBooking queues an update of a booking's remote events.
func (h *Handlers) APIUpdateBooking(c *gin.Context) {
	h.queueBooking(c, db.ActionUpdate, h.scheduler.TriggerUpdate)
}

// APIDeleteBooking queues removal of a booking's remote events.
func (h *Handlers) APIDeleteBooking(c *gin.Context) {
	h.queueBooking(c, db.ActionDelete, h.scheduler.TriggerDelete)
}

func (h *Handlers) queueBooking(c *gin.Context, action db.SyncAction, trigger func(string) error) {
	bookingID := c.Param("id")
	if _, err := h.store.GetBooking(c.Request.Context(), bookingID); err != nil {
		h.notFoundOr500(c, err, "Booking not found", "Failed to load booking")
		return
	}

	if err := trigger(bookingID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": sanitizeError(err, "Sync is not available")})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Sync queued", "booking_id": bookingID, "action": action})
}

// APIRetryBusiness queues a retry sweep for one business.
func (h *Handlers) APIRetryBusiness(c *gin.Context) {
	if err := h.scheduler.TriggerRetry(c.Param("id")); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": sanitizeError(err, "Sync is not available")})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Retry queued"})
}

// APISyncStats returns sync log statistics for a business.
func (h *Handlers) APISyncStats(c *gin.Context) {
	since := time.Now().UTC().AddDate(0, 0, -defaultStatsDays)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		since = parsed
	}

	stats, err := h.coord.SyncStatistics(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load statistics")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"since": since, "stats": stats, "success_rate": stats.SuccessRate()})
}

// APIActivity returns running and recently finished background operations.
func (h *Handlers) APIActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Activity().All())
}

// APIAvailability imports a staff member's busy times across their calendars.
func (h *Handlers) APIAvailability(c *gin.Context) {
	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be an RFC 3339 timestamp"})
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be an RFC 3339 timestamp"})
		return
	}
	if !start.Before(end) || end.Sub(start) > maxImportWindow {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be before end and the window at most 62 days"})
		return
	}

	result, err := h.coord.ImportAvailability(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to import availability")})
		return
	}
	c.JSON(http.StatusOK, result)
}

// APIListConnections lists a staff member's calendar connections.
func (h *Handlers) APIListConnections(c *gin.Context) {
	ctx := c.Request.Context()
	staff, err := h.store.GetStaffMember(ctx, c.Param("id"))
	if err != nil {
		h.notFoundOr500(c, err, "Staff member not found", "Failed to load staff member")
		return
	}

	conns, err := h.store.ConnectionsForStaff(ctx, staff.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load connections")})
		return
	}

	out := make([]APIConnection, len(conns))
	for i, conn := range conns {
		out[i] = APIConnection{CalendarConnection: conn, Default: conn.ID == staff.DefaultConnectionID}
	}
	c.JSON(http.StatusOK, out)
}

// APISetDefaultConnection marks one of a staff member's connections as default.
func (h *Handlers) APISetDefaultConnection(c *gin.Context) {
	var req struct {
		ConnectionID string `json:"connection_id"`
	}
	if !decodeJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	staffID := c.Param("id")
	conn, err := h.store.GetConnection(ctx, req.ConnectionID)
	if err != nil || conn.StaffMemberID != staffID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}

	if err := h.store.SetDefaultConnection(ctx, staffID, conn.ID); err != nil {
		h.notFoundOr500(c, err, "Staff member not found", "Failed to set default connection")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Default connection updated"})
}

// APIDeleteConnection removes a connection and its mappings.
func (h *Handlers) APIDeleteConnection(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeleteConnection(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "Connection not found", "Failed to delete connection")
		return
	}
	h.notifier.ClearCooldown(id)
	c.JSON(http.StatusOK, gin.H{"message": "Connection deleted"})
}

// APIGetConnectionLogs returns recent sync logs of a connection.
func (h *Handlers) APIGetConnectionLogs(c *gin.Context) {
	ctx := c.Request.Context()
	connID := c.Param("id")
	if _, err := h.store.GetConnection(ctx, connID); err != nil {
		h.notFoundOr500(c, err, "Connection not found", "Failed to load connection")
		return
	}

	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 && l <= maxLogLimit {
			limit = l
		}
	}

	logs, err := h.store.GetSyncLogs(ctx, connID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load logs")})
		return
	}
	if logs == nil {
		logs = []*db.SyncLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// APIAuthorizeRequest starts an OAuth connection for a staff member.
type APIAuthorizeRequest struct {
	BusinessID    string `json:"business_id"`
	StaffMemberID string `json:"staff_member_id"`
}

// APIAuthorize issues a one-time start link for an OAuth connection. The
// staff member's browser opens it to reach the provider's consent page.
func (h *Handlers) APIAuthorize(c *gin.Context) {
	p, ok := h.oauthProvider(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider not available"})
		return
	}

	var req APIAuthorizeRequest
	if !decodeJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	staff, err := h.store.GetStaffMember(ctx, req.StaffMemberID)
	if err != nil || staff.BusinessID != req.BusinessID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown staff member for this business"})
		return
	}

	state, _, err := h.oauth.IssueState(ctx, p, req.BusinessID, req.StaffMemberID)
	if err != nil {
		if errors.Is(err, auth.ErrMissingParameters) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to start authorization")})
		return
	}

	startURL := strings.TrimRight(h.cfg.Server.BaseURL, "/") + "/oauth/" + string(p) + "/start?state=" + url.QueryEscape(state)
	c.JSON(http.StatusOK, gin.H{"start_url": startURL, "expires_in": int(auth.StateMaxAge / time.Second)})
}

// APICreateCalDAVRequest is the body of a CalDAV connection setup.
type APICreateCalDAVRequest struct {
	BusinessID    string        `json:"business_id"`
	StaffMemberID string        `json:"staff_member_id"`
	URL           string        `json:"url"`
	Username      string        `json:"username"`
	Password      string        `json:"password"`
	Kind          db.CalDAVKind `json:"kind"`
}

// APICreateCalDAVConnection validates, tests and discovers a CalDAV account
// before provisioning it.
func (h *Handlers) APICreateCalDAVConnection(c *gin.Context) {
	var req APICreateCalDAVRequest
	if !decodeJSON(c, &req) {
		return
	}

	req.URL = strings.TrimSpace(req.URL)
	req.Username = strings.TrimSpace(req.Username)
	if req.BusinessID == "" || req.StaffMemberID == "" || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}
	if !req.Kind.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown CalDAV kind"})
		return
	}

	ctx := c.Request.Context()
	staff, err := h.store.GetStaffMember(ctx, req.StaffMemberID)
	if err != nil || staff.BusinessID != req.BusinessID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown staff member for this business"})
		return
	}

	kind := req.Kind
	if kind == db.CalDAVKindAuto {
		kind = caldav.DetectKind(req.URL, req.Username)
	}

	switch {
	case kind == db.CalDAVKindICloud:
		// iCloud always goes through the fixed entry point.
		req.URL = h.caldav.ICloudBaseURL
	case req.URL == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	default:
		if err := h.validator.ValidateCalDAVURL(ctx, req.URL, h.cfg.IsProduction()); err != nil {
			msg := "Invalid CalDAV URL"
			if errors.Is(err, validator.ErrPrivateIP) {
				msg = "CalDAV URL must not point to a private network"
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, msg)})
			return
		}
	}

	conn := &db.CalendarConnection{
		BusinessID:     req.BusinessID,
		StaffMemberID:  req.StaffMemberID,
		Provider:       db.ProviderCalDAV,
		CalDAVKind:     kind,
		AccountID:      strings.ToLower(req.Username),
		CalDAVURL:      req.URL,
		CalDAVUsername: req.Username,
		CalDAVPassword: req.Password,
		Active:         true,
	}

	testCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	session, err := h.caldav.NewSession(conn)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, "Failed to connect: "+categorizeConnectionError(err))})
		return
	}

	if err := session.Client().TestConnection(testCtx); err != nil {
		log.Printf("[CalDAV] Connection test failed for staff %s: %v", req.StaffMemberID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Connection test failed: " + categorizeConnectionError(err)})
		return
	}

	discovery, err := session.Discover(testCtx)
	if err != nil {
		log.Printf("[CalDAV] Discovery failed for staff %s: %v", req.StaffMemberID, err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": categorizeConnectionError(err)})
		return
	}

	replaced, err := h.store.ReplaceConnection(ctx, conn)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save connection")})
		return
	}
	if replaced != "" {
		h.notifier.ClearCooldown(replaced)
	}
	h.ensureDefaultConnection(ctx, conn)

	log.Printf("[CalDAV] %s connection %s created for staff %s with %d calendars",
		kind, conn.ID, conn.StaffMemberID, len(discovery.CalendarURLs))

	c.JSON(http.StatusCreated, gin.H{
		"connection":       conn,
		"calendars":        discovery.CalendarURLs,
		"primary_calendar": discovery.Primary(),
		"replaced":         replaced,
	})
}

// APITestAlert sends a test alert to a webhook URL.
func (h *Handlers) APITestAlert(c *gin.Context) {
	var req struct {
		WebhookURL string `json:"webhook_url"`
	}
	if !decodeJSON(c, &req) {
		return
	}
	if req.WebhookURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook_url is required"})
		return
	}

	if err := h.notifier.SendTestWebhook(c.Request.Context(), req.WebhookURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, "Test alert failed")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Test alert sent"})
}

func (h *Handlers) notFoundOr500(c *gin.Context, err error, notFound, failed string) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, failed)})
}
