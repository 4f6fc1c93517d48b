package httpapi

import (
	"context"
	"net/http"
	"time"

	"telemed-platform/internal/appointment"
	"telemed-platform/internal/audit"
	"telemed-platform/internal/auth"
	"telemed-platform/internal/callsession"
	"telemed-platform/internal/rbac"
	"telemed-platform/internal/reporting"
	"telemed-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth         *auth.Manager
	Calls        *callsession.Service
	Appointments appointment.Repository
	Events       *audit.Service
	Reports      *reporting.Service

	// Health reports storage readiness for /healthz.
	Health func(ctx context.Context) error
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken issues a JWT token pair without checking credentials.
// Mounted only in local and dev environments.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.Valid(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a role of doctor, patient or admin required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	if h.Health != nil {
		if err := h.Health(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Calls ---

type startCallRequest struct {
	AppointmentID string `json:"appointment_id"`
}

// StartCall opens (or returns) the call of an appointment the caller takes part in.
func (h Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.AppointmentID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "appointment_id required"})
		return
	}

	appt, ok := h.authorizeAppointment(c, req.AppointmentID)
	if !ok {
		return
	}
	s, err := h.Calls.StartCall(c.Request.Context(), appt.ID, appt.DoctorID, appt.PatientID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) EndCall(c *gin.Context) {
	s, ok := h.authorizeSession(c)
	if !ok {
		return
	}
	out, err := h.Calls.EndCall(c.Request.Context(), s.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type socketRequest struct {
	SocketID string `json:"socket_id"`
}

// UpdateSocket records the caller's socket handle; the role comes from the token.
func (h Handlers) UpdateSocket(c *gin.Context) {
	var req socketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.SocketID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "socket_id required"})
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	if !rbac.IsParticipantRole(role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only call participants hold sockets"})
		return
	}

	out, err := h.Calls.UpdateSocketConnection(c.Request.Context(), c.Param("session_id"), userID, req.SocketID, callsession.Role(role))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) Reconnect(c *gin.Context) {
	s, ok := h.authorizeSession(c)
	if !ok {
		return
	}
	out, err := h.Calls.HandleReconnection(c.Request.Context(), s.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListActiveCalls returns the caller's live calls, most recently active first.
func (h Handlers) ListActiveCalls(c *gin.Context) {
	userID, _ := auth.UserID(c.Request.Context())
	out, err := h.Calls.ActiveCallsForParticipant(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h Handlers) CallEvents(c *gin.Context) {
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "call events not configured"})
		return
	}
	s, ok := h.authorizeSession(c)
	if !ok {
		return
	}
	evs, err := h.Events.History(c.Request.Context(), s.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// --- Appointment calls ---

func (h Handlers) GetActiveCall(c *gin.Context) {
	appt, ok := h.authorizeAppointment(c, c.Param("appointment_id"))
	if !ok {
		return
	}
	s, found, err := h.Calls.GetActiveCallByAppointment(c.Request.Context(), appt.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active call"})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) GetLatestCall(c *gin.Context) {
	appt, ok := h.authorizeAppointment(c, c.Param("appointment_id"))
	if !ok {
		return
	}
	s, found, err := h.Calls.LatestCallByAppointment(c.Request.Context(), appt.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no call for appointment"})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) CheckRejoin(c *gin.Context) {
	appt, ok := h.authorizeAppointment(c, c.Param("appointment_id"))
	if !ok {
		return
	}
	st, err := h.Calls.CheckCanRejoin(c.Request.Context(), appt.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Rejoin puts the caller back into the appointment's call.
func (h Handlers) Rejoin(c *gin.Context) {
	appt, ok := h.authorizeAppointment(c, c.Param("appointment_id"))
	if !ok {
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	out, err := h.Calls.RejoinCall(c.Request.Context(), appt.ID, userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Reports ---

// CallsReport summarizes a doctor's calls over ?from=&to= (RFC 3339).
// Doctors see their own numbers; admins pick the doctor with ?doctor_id=.
func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "reporting not configured"})
		return
	}
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be an RFC 3339 timestamp"})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be an RFC 3339 timestamp"})
		return
	}

	doctorID, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	if rbac.IsAdmin(role) {
		doctorID = c.Query("doctor_id")
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		DoctorID: doctorID,
		Range:    reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Admin ---

// CleanupExpiredCalls runs one expiry sweep. RBAC: admin.
func (h Handlers) CleanupExpiredCalls(c *gin.Context) {
	n := h.Calls.CleanupExpiredSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ended": n})
}

// authorizeAppointment loads the appointment and checks the caller is one of
// its participants. Admins pass. It aborts the request on failure.
func (h Handlers) authorizeAppointment(c *gin.Context, appointmentID string) (appointment.Appointment, bool) {
	if appointmentID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "appointment_id required"})
		return appointment.Appointment{}, false
	}
	appt, found, err := h.Appointments.FindByID(c.Request.Context(), appointmentID)
	if err != nil {
		abortWithError(c, err)
		return appointment.Appointment{}, false
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "appointment not found"})
		return appointment.Appointment{}, false
	}
	userID, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	if !rbac.IsAdmin(role) && !appt.HasParticipant(userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant of this appointment"})
		return appointment.Appointment{}, false
	}
	return appt, true
}

// authorizeSession loads the :session_id session and checks the caller takes
// part in it. Admins pass. It aborts the request on failure.
func (h Handlers) authorizeSession(c *gin.Context) (callsession.Session, bool) {
	s, found, err := h.Calls.GetCall(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		abortWithError(c, err)
		return callsession.Session{}, false
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call session not found"})
		return callsession.Session{}, false
	}
	userID, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	if !rbac.IsAdmin(role) && !s.HasParticipant(userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant of this call"})
		return callsession.Session{}, false
	}
	return s, true
}
