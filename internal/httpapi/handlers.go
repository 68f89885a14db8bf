package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/auth"
	"outbound-voice/internal/callflow"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/rbac"
	"outbound-voice/internal/reporting"
	"outbound-voice/pkg/logger"
)

const listLimit = 50

// CallService starts and ends calls.
type CallService interface {
	Initiate(ctx context.Context, req callflow.InitiateRequest) (calls.Call, error)
	Hangup(ctx context.Context, userID, callID string) (calls.Call, error)
}

// Handlers groups the operator API handlers. They parse input, call internal
// services and return JSON; nothing else.
type Handlers struct {
	Auth      *auth.Manager
	Calls     CallService
	Store     calls.Store
	Reporting *reporting.Service
	Audit     *audit.Service
}

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a token pair without checking credentials. Routes only mount it
// outside production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type createCallRequest struct {
	PhoneNumber string `json:"phone_number"`
	LeadName    string `json:"lead_name"`
}

func (h Handlers) CreateCall(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.PhoneNumber == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number required"})
		return
	}

	call, err := h.Calls.Initiate(c.Request.Context(), callflow.InitiateRequest{
		UserID:      userID,
		PhoneNumber: req.PhoneNumber,
		LeadName:    req.LeadName,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, call)
	case errors.Is(err, calls.ErrInvalidPhoneNumber):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid phone number"})
	case errors.Is(err, callflow.ErrTooManyCalls):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many live calls"})
	case call.ID != "":
		// The call was recorded and then failed at the provider.
		logger.FromGin(c).Warn("call initiation failed", "call_id", call.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call could not be placed", "call": call})
	default:
		logger.FromGin(c).Error("call initiation failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call initiation failed"})
	}
}

func (h Handlers) ListCalls(c *gin.Context) {
	scope, ok := rbac.OwnerScope(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	f := calls.Filter{UserID: scope, NewestFirst: true}
	if s := c.Query("status"); s != "" {
		f.Statuses = []calls.CallStatus{calls.CallStatus(s)}
	}
	rows, err := h.Store.Find(c.Request.Context(), f, listLimit)
	if err != nil {
		logger.FromGin(c).Error("list calls failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list calls failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows})
}

func (h Handlers) GetCall(c *gin.Context) {
	call, ok := h.ownedCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, call)
}

// CallEvents lists the audit trail of one call: fallbacks, forced terminations,
// webhook failures and operator actions.
func (h Handlers) CallEvents(c *gin.Context) {
	call, ok := h.ownedCall(c)
	if !ok {
		return
	}
	events, err := h.Audit.ListByCall(c.Request.Context(), call.ID, 0)
	if err != nil {
		logger.FromGin(c).Error("list call events failed", "call_id", call.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list call events failed"})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ownedCall loads the :id call, answering 404 when it belongs to someone else.
// It writes the error response itself and reports false.
func (h Handlers) ownedCall(c *gin.Context) (calls.Call, bool) {
	scope, ok := rbac.OwnerScope(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return calls.Call{}, false
	}
	call, err := h.Store.FindByID(c.Request.Context(), c.Param("id"))
	if err == nil && scope != "" && call.UserID != scope {
		err = calls.ErrNotFound
	}
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return calls.Call{}, false
	}
	if err != nil {
		logger.FromGin(c).Error("get call failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "get call failed"})
		return calls.Call{}, false
	}
	return call, true
}

func (h Handlers) HangupCall(c *gin.Context) {
	scope, ok := rbac.OwnerScope(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	call, err := h.Calls.Hangup(c.Request.Context(), scope, c.Param("id"))
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("hangup failed", "call_id", c.Param("id"), "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "hangup failed"})
		return
	}
	c.JSON(http.StatusOK, call)
}

// CallStats summarizes the caller's calls; from and to are optional RFC 3339
// timestamps defaulting to the last 30 days.
func (h Handlers) CallStats(c *gin.Context) {
	scope, ok := rbac.OwnerScope(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	rng := h.Reporting.DefaultRange()
	for key, dst := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
			return
		}
		*dst = ts
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{UserID: scope, Range: rng})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("call stats failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call stats failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// CallRoles is the role set allowed on the call routes.
func CallRoles() gin.HandlerFunc {
	return rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAgent, rbac.RoleSuperAdmin)
}
