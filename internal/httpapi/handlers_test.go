package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ventapos/backend/internal/cache"
	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/service"
	"ventapos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_ADMIN_PIN", "739154")
	t.Setenv("SEED_SELLER_PASSWORD", "seller123")
	t.Setenv("SEED_RUNNER_PASSWORD", "runner123")

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopAvailabilityCache{}, time.Second)
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, svc)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, api *API, method string, path string, token string, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
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

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response")
	}
	if body.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %s", body.Role)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCreateSaleEndToEnd(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "vendedor", "seller123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.CreateSaleRequest{
		IdempotencyKey: "idem-http-sale",
		TotalCents:     400000,
		Items:          []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 1}},
		Payments:       []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 400000}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created domain.CreateSaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if created.Sale.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid sale, got %s", created.Sale.PaymentStatus)
	}

	// Idempotent replay comes back 200 with the same sale.
	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.CreateSaleRequest{
		IdempotencyKey: "idem-http-sale",
		TotalCents:     400000,
		Items:          []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 1}},
		Payments:       []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 400000}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var replay domain.CreateSaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !replay.Duplicate || replay.Sale.ID != created.Sale.ID {
		t.Fatalf("expected duplicate of %s, got %+v", created.Sale.ID, replay)
	}

	// Fetch it back.
	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", rec.Code)
	}
}

func TestCreateSaleErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "vendedor", "seller123")
	csrf := fetchCSRFToken(t, api)

	// Declared total does not match the catalog prices.
	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.CreateSaleRequest{
		IdempotencyKey: "idem-http-mismatch",
		TotalCents:     1,
		Items:          []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 1}},
		Payments:       []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 1}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for amount mismatch, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// More units than stock can cover.
	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.CreateSaleRequest{
		IdempotencyKey: "idem-http-oversell",
		TotalCents:     400000 * 100,
		Items:          []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 100}},
		Payments:       []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 400000 * 100}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Unknown sale id.
	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/sale-nope", token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sale, got %d", rec.Code)
	}
}

func TestVoidSaleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	seller := loginAs(t, api, "vendedor", "seller123")
	admin := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", seller, csrf, domain.CreateSaleRequest{
		IdempotencyKey: "idem-http-void",
		TotalCents:     900000,
		Items:          []domain.SaleItemRequest{{ProductID: "prod-perro", Qty: 1}},
		Payments:       []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 900000}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d (%s)", rec.Code, rec.Body.String())
	}
	var created domain.CreateSaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	void := fmt.Sprintf("/api/v1/sales/%s/void", created.Sale.ID)

	rec = doJSON(t, api, http.MethodPost, void, admin, csrf, domain.VoidSaleRequest{Reason: "mistake", ManagerPIN: "000000"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, void, admin, csrf, domain.VoidSaleRequest{Reason: "mistake", ManagerPIN: "739154"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 void, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, void, admin, csrf, domain.VoidSaleRequest{Reason: "again", ManagerPIN: "739154"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second void, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAssignmentRoutes(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")
	runner := loginAs(t, api, "carlos", "runner123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/assignments", admin, csrf, domain.AssignInventoryRequest{
		RunnerID:       "prof-runner-1",
		IdempotencyKey: "idem-http-asg",
		Items:          []domain.AssignmentItemRequest{{ProductID: "prod-gaseosa", Qty: 6}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign failed: %d (%s)", rec.Code, rec.Body.String())
	}
	var created domain.AssignInventoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, api, http.MethodPost, fmt.Sprintf("/api/v1/assignments/%s/return", created.Assignment.ID), runner, csrf, domain.ReturnInventoryRequest{
		Items: []domain.ReturnItemRequest{{ProductID: "prod-gaseosa", ReturnedQty: 2}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("return failed: %d (%s)", rec.Code, rec.Body.String())
	}
	var closed map[string]domain.RunnerAssignment
	if err := json.NewDecoder(rec.Body).Decode(&closed); err != nil {
		t.Fatalf("decode return: %v", err)
	}
	if closed["assignment"].Items[0].SoldQty != 4 {
		t.Fatalf("expected sold 4, got %d", closed["assignment"].Items[0].SoldQty)
	}
}

func TestRoleGateOnAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	runner := loginAs(t, api, "carlos", "runner123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/reports/profit-loss", runner, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for runner on profit-loss, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/reports/profit-loss", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestAvailabilityAndReceivablesRoutes(t *testing.T) {
	api := newTestAPI(t)
	seller := loginAs(t, api, "vendedor", "seller123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products/availability", seller, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("availability failed: %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", seller, csrf, domain.CreateSaleRequest{
		IdempotencyKey: "idem-http-credit",
		TotalCents:     400000,
		Items:          []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 1}},
		Payments:       []domain.SalePaymentRequest{{MethodID: "pm-credito", AmountCents: 400000}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("credit sale failed: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/reports/receivables", seller, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receivables failed: %d", rec.Code)
	}
	var report domain.ReceivablesReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode receivables: %v", err)
	}
	if report.Count != 1 {
		t.Fatalf("expected one receivable, got %d", report.Count)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "admin123",
		"bogus":    "field",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}
