package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/auth"
	"outbound-voice/internal/callflow"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/rbac"
	"outbound-voice/internal/reporting"
)

type fakeCalls struct {
	store *calls.MemoryRepo
	err   error
	// failed makes Initiate return a stored failed call along with err.
	failed bool
}

func (f *fakeCalls) Initiate(ctx context.Context, req callflow.InitiateRequest) (calls.Call, error) {
	phone, err := calls.NormalizePhoneNumber(req.PhoneNumber)
	if err != nil {
		return calls.Call{}, err
	}
	if f.err != nil && !f.failed {
		return calls.Call{}, f.err
	}
	c := calls.New(req.UserID, phone, req.LeadName, time.Now())
	if f.failed {
		c.Status = calls.CallStatusFailed
		c.Notes = "could not place the call: Invalid destination"
	}
	_ = f.store.Create(ctx, c)
	return c, f.err
}

func (f *fakeCalls) Hangup(ctx context.Context, userID, callID string) (calls.Call, error) {
	c, err := f.store.FindByID(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if userID != "" && c.UserID != userID {
		return calls.Call{}, calls.ErrNotFound
	}
	c.Status = calls.CallStatusCompleted
	return c, nil
}

func newRouter(h Handlers, userID, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	}, CallRoles())
	v1.POST("/calls", h.CreateCall)
	v1.GET("/calls", h.ListCalls)
	v1.GET("/calls/stats", h.CallStats)
	v1.GET("/calls/:id", h.GetCall)
	v1.GET("/calls/:id/events", h.CallEvents)
	v1.POST("/calls/:id/hangup", h.HangupCall)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func setup(svc *fakeCalls) Handlers {
	return Handlers{
		Calls:     svc,
		Store:     svc.store,
		Reporting: reporting.NewService(svc.store),
		Audit:     audit.NewService(audit.NewMemoryRepo()),
	}
}

func TestCreateCall_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		svc    *fakeCalls
		body   string
		status int
	}{
		{"created", &fakeCalls{}, `{"phone_number":"+15551234567","lead_name":"Dana"}`, http.StatusCreated},
		{"bad json", &fakeCalls{}, `{`, http.StatusBadRequest},
		{"missing phone", &fakeCalls{}, `{"lead_name":"Dana"}`, http.StatusBadRequest},
		{"invalid phone", &fakeCalls{}, `{"phone_number":"12"}`, http.StatusBadRequest},
		{"too many", &fakeCalls{err: callflow.ErrTooManyCalls}, `{"phone_number":"+15551234567"}`, http.StatusTooManyRequests},
		{"rejected", &fakeCalls{err: fmt.Errorf("%w: 422", callflow.ErrProviderRejected), failed: true}, `{"phone_number":"+15551234567"}`, http.StatusBadGateway},
		{"unexpected", &fakeCalls{err: fmt.Errorf("db down")}, `{"phone_number":"+15551234567"}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.svc.store = calls.NewMemoryRepo()
			w := do(newRouter(setup(tc.svc), "u1", rbac.RoleOwner), http.MethodPost, "/v1/calls", tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateCall_RejectedIncludesFailedCall(t *testing.T) {
	svc := &fakeCalls{store: calls.NewMemoryRepo(), err: callflow.ErrProviderRejected, failed: true}
	w := do(newRouter(setup(svc), "u1", rbac.RoleOwner), http.MethodPost, "/v1/calls", `{"phone_number":"+15551234567"}`)

	var body struct {
		Call calls.Call `json:"call"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Call.Status != calls.CallStatusFailed || !strings.Contains(body.Call.Notes, "Invalid destination") {
		t.Fatalf("expected failed call with note, got %+v", body.Call)
	}
}

func TestGetCall_OwnerScoped(t *testing.T) {
	svc := &fakeCalls{store: calls.NewMemoryRepo()}
	mine := calls.New("u1", "+15551234567", "Dana", time.Now())
	theirs := calls.New("u2", "+15551234567", "Lee", time.Now())
	_ = svc.store.Create(context.Background(), mine)
	_ = svc.store.Create(context.Background(), theirs)

	r := newRouter(setup(svc), "u1", rbac.RoleAgent)
	if w := do(r, http.MethodGet, "/v1/calls/"+mine.ID, ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/calls/"+theirs.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's call, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/v1/calls/"+theirs.ID+"/hangup", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 hanging up another user's call, got %d", w.Code)
	}

	admin := newRouter(setup(svc), "root", rbac.RoleSuperAdmin)
	if w := do(admin, http.MethodGet, "/v1/calls/"+theirs.ID, ""); w.Code != http.StatusOK {
		t.Fatalf("expected super admin to see any call, got %d", w.Code)
	}
}

func TestListCalls_OnlyOwn(t *testing.T) {
	svc := &fakeCalls{store: calls.NewMemoryRepo()}
	for _, uid := range []string{"u1", "u1", "u2"} {
		_ = svc.store.Create(context.Background(), calls.New(uid, "+15551234567", "", time.Now()))
	}

	w := do(newRouter(setup(svc), "u1", rbac.RoleOwner), http.MethodGet, "/v1/calls", "")
	var body struct {
		Calls []calls.Call `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(body.Calls))
	}
}

func TestCallStats(t *testing.T) {
	svc := &fakeCalls{store: calls.NewMemoryRepo()}
	_ = svc.store.Create(context.Background(), calls.New("u1", "+15551234567", "", time.Now()))

	r := newRouter(setup(svc), "u1", rbac.RoleOwner)
	w := do(r, http.MethodGet, "/v1/calls/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out reporting.CallsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TotalCalls != 1 || out.LiveCalls != 1 {
		t.Fatalf("unexpected summary: %+v", out)
	}

	if w := do(r, http.MethodGet, "/v1/calls/stats?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad timestamp, got %d", w.Code)
	}
}

func TestCallRoutes_RoleRequired(t *testing.T) {
	svc := &fakeCalls{store: calls.NewMemoryRepo()}
	w := do(newRouter(setup(svc), "u1", "viewer"), http.MethodGet, "/v1/calls", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestCallEvents(t *testing.T) {
	svc := &fakeCalls{store: calls.NewMemoryRepo()}
	mine := calls.New("u1", "+15551234567", "Dana", time.Now())
	theirs := calls.New("u2", "+15551234567", "Lee", time.Now())
	_ = svc.store.Create(context.Background(), mine)
	_ = svc.store.Create(context.Background(), theirs)

	h := setup(svc)
	_ = h.Audit.LogFallback(context.Background(), mine.ID, "synthesis", "primary failed: timeout")
	_ = h.Audit.LogOperatorAction(context.Background(), theirs.ID, "u2", "hangup requested")

	r := newRouter(h, "u1", rbac.RoleOwner)
	w := do(r, http.MethodGet, "/v1/calls/"+mine.ID+"/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Events []audit.Event `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Type != audit.EventTypeFallback {
		t.Fatalf("expected one fallback event, got %+v", body.Events)
	}

	if w := do(r, http.MethodGet, "/v1/calls/"+theirs.ID+"/events", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's events, got %d", w.Code)
	}
}
