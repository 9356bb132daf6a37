package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meelike/backend/internal/aggregate"
	"meelike/backend/internal/billing"
	"meelike/backend/internal/cache"
	"meelike/backend/internal/domain"
	"meelike/backend/internal/ledger"
	"meelike/backend/internal/service"
	"meelike/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	quota := ledger.New(repo)
	agg := aggregate.New(repo, aggregate.DefaultThresholds())
	lifecycle := billing.New(repo, quota, agg)
	svc := service.New(repo, lifecycle, agg, cache.NoopSummaryCache{}, time.Second, "agent-demo")
	auth := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, repo)

	return New(svc, auth, "*")
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()
	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s returned %d: %s", username, rec.Code, rec.Body.String())
	}
	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return body.AccessToken
}

func loginAsAgent(t *testing.T, api *API) string {
	return login(t, api, "agent-demo", "agent123")
}

func loginAsAdmin(t *testing.T, api *API) string {
	return login(t, api, "admin", "admin123")
}

// doJSON issues an authenticated JSON request with a valid CSRF token and
// returns the recorder.
func doJSON(t *testing.T, api *API, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(domain.LoginRequest{Username: "agent-demo", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleServices_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/services", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestHandleServices_ListAndCreate(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAgent(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/services", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list services: %d (%s)", rec.Code, rec.Body.String())
	}
	var listing struct {
		Services []domain.StoreService `json:"services"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Services) == 0 {
		t.Fatalf("expected seeded services")
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/services", token, domain.StoreServiceCreateRequest{
		ServiceID:      "cat-7001",
		Name:           "Spotify Plays 1k",
		BaseCostCents:  10000,
		SalePriceCents: 22000,
		MinQuantity:    1,
		MaxQuantity:    100,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create service: %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestHandleBills_FullFlow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAgent(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/bills", token, domain.BillCreateRequest{
		ClientID: "client-ana",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 2},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bill: %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Bill domain.Bill `json:"bill"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode bill: %v", err)
	}
	if created.Bill.Status != domain.BillStatusPending {
		t.Fatalf("expected pending bill, got %s", created.Bill.Status)
	}

	for _, status := range []string{domain.BillStatusConfirmed, domain.BillStatusProcessing, domain.BillStatusCompleted} {
		rec = doJSON(t, api, http.MethodPost, fmt.Sprintf("/api/v1/bills/%s/transition", created.Bill.ID), token,
			domain.BillTransitionRequest{Status: status})
		if rec.Code != http.StatusOK {
			t.Fatalf("transition to %s: %d (%s)", status, rec.Code, rec.Body.String())
		}
	}

	// An illegal move out of a terminal state returns a conflict.
	rec = doJSON(t, api, http.MethodPost, fmt.Sprintf("/api/v1/bills/%s/transition", created.Bill.ID), token,
		domain.BillTransitionRequest{Status: domain.BillStatusConfirmed})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for illegal transition, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/bills/summary", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: %d (%s)", rec.Code, rec.Body.String())
	}
	var summary domain.BillSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.TotalBills != 1 {
		t.Fatalf("expected 1 bill, got %d", summary.TotalBills)
	}
}

func TestHandleDiscountPreview_RejectedCouponIsNotAnError(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAgent(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/discounts/preview", token, domain.DiscountPreviewRequest{
		ClientID:   "client-ana",
		CouponCode: "NOSUCHCODE",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown coupon, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/discounts/preview", token, domain.DiscountPreviewRequest{
		ClientID: "client-ana",
		Items: []domain.BillItemInput{
			{ServiceID: "svc-ig-likes", Quantity: 1},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview without coupon: %d (%s)", rec.Code, rec.Body.String())
	}
	var preview domain.DiscountPreview
	if err := json.NewDecoder(rec.Body).Decode(&preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if preview.SubtotalCents != 25000 {
		t.Fatalf("expected subtotal 25000, got %d", preview.SubtotalCents)
	}
}

func TestHandleCoupons_CreateAndToggle(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAgent(t, api)
	now := time.Now().UTC()

	rec := doJSON(t, api, http.MethodPost, "/api/v1/coupons", token, domain.CouponCreateRequest{
		Code:       "SAVE15",
		Type:       domain.CouponTypePercentage,
		Value:      15,
		ValidFrom:  now.Add(-time.Hour).Format(time.RFC3339),
		ValidUntil: now.Add(time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create coupon: %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Coupon domain.CouponView `json:"coupon"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode coupon: %v", err)
	}

	rec = doJSON(t, api, http.MethodPost, fmt.Sprintf("/api/v1/coupons/%s/toggle", created.Coupon.ID), token,
		domain.CouponToggleRequest{Active: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle coupon: %d (%s)", rec.Code, rec.Body.String())
	}
	var toggled struct {
		Coupon domain.CouponView `json:"coupon"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&toggled); err != nil {
		t.Fatalf("decode toggled coupon: %v", err)
	}
	if toggled.Coupon.Status != domain.CouponStatusInactive {
		t.Fatalf("expected inactive status, got %s", toggled.Coupon.Status)
	}
}

func TestHandleAuditLogs_AdminOnly(t *testing.T) {
	api := newTestAPI(t)
	agentToken := loginAsAgent(t, api)
	adminToken := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", agentToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agent role, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestHandleAgents_AdminCreatesAccount(t *testing.T) {
	api := newTestAPI(t)
	adminToken := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/users/agents", adminToken, domain.AgentUserCreateRequest{
		Username: "agent-two",
		Password: "s3cret-pass",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agent: %d (%s)", rec.Code, rec.Body.String())
	}

	// The fresh account can log in right away.
	login(t, api, "agent-two", "s3cret-pass")
}

func TestHandleBills_UnknownStatusFilterRejected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAgent(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/bills?status=shipped", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status filter, got %d", rec.Code)
	}
}
