package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"kitchenstock/backend/internal/domain"
	"kitchenstock/backend/internal/service"
	"kitchenstock/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	logger := zaptest.NewLogger(t)
	repo := memory.NewSeeded("central")
	svc := service.New(repo, nil, nil, logger, service.Config{
		CentralHolderID: "central",
		Policy:          domain.AssignmentAdvisory,
		CacheTTL:        time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	auth := NewAuthManager(ctx, "test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, logger, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// doJSON sends an authenticated request. Mutating methods get a CSRF token.
func doJSON(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
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

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "kitchen",
		"password": "kitchen123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	body := decodeBody[domain.LoginResponse](t, rec)
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response, got %+v", body)
	}
	if body.Role != domain.RoleKitchen || body.HolderID != "kitchen-north" {
		t.Fatalf("expected kitchen bound to kitchen-north, got %+v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "counter", "counter123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	body := decodeBody[struct {
		Products []domain.Product `json:"products"`
	}](t, rec)
	if len(body.Products) != 5 {
		t.Fatalf("expected 5 seeded products, got %d", len(body.Products))
	}
	for _, p := range body.Products {
		if p.ID == "prd-paneer" && !p.CurrentGlobalQuantity.Equal(decimal.NewFromInt(34)) {
			t.Fatalf("expected central paneer 34, got %s", p.CurrentGlobalQuantity)
		}
	}
}

func TestHandleProductCreate_AdminOnly(t *testing.T) {
	api := newTestAPI(t)
	payload := map[string]any{
		"name": "Masala Chai", "unit": "cup", "price": "25", "gst_percent": "5", "min_stock": "10",
	}

	counter := loginAs(t, api, "counter", "counter123")
	if rec := doJSON(t, api, http.MethodPost, "/api/v1/products", counter, payload); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for counter, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	admin := loginAsAdmin(t, api)
	rec := doJSON(t, api, http.MethodPost, "/api/v1/products", admin, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	bad := map[string]any{"name": "Free Chai", "unit": "cup", "price": "0"}
	if rec := doJSON(t, api, http.MethodPost, "/api/v1/products", admin, bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero price, got %d", rec.Code)
	}
}

func TestHandleTransfers(t *testing.T) {
	api := newTestAPI(t)
	kitchen := loginAs(t, api, "kitchen", "kitchen123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/transfers", kitchen, domain.TransferRequest{
		ProductID:  "prd-paneer",
		ToHolderID: "kitchen-south",
		Quantity:   decimal.NewFromInt(2),
		Notes:      "lend",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[struct {
		Transfer domain.TransferRecord `json:"transfer"`
	}](t, rec)
	if created.Transfer.FromHolderID != "kitchen-north" || created.Transfer.InitiatorUserID != "kitchen" {
		t.Fatalf("expected transfer out of kitchen-north by kitchen, got %+v", created.Transfer)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/transfers", kitchen, domain.TransferRequest{
		ProductID:  "prd-paneer",
		ToHolderID: "kitchen-south",
		Quantity:   decimal.NewFromInt(11),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for short stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/transfers", kitchen, domain.TransferRequest{
		ProductID:    "prd-paneer",
		FromHolderID: "kitchen-south",
		ToHolderID:   "kitchen-north",
		Quantity:     decimal.NewFromInt(1),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign source, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/transfers", kitchen, domain.TransferRequest{
		ProductID:  "prd-naan",
		ToHolderID: "kitchen-south",
		Quantity:   decimal.RequireFromString("1.5"),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for fractional pieces, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/transfers?productId=prd-paneer&limit=10", kitchen, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	history := decodeBody[struct {
		Transfers []domain.TransferRecord `json:"transfers"`
	}](t, rec)
	if len(history.Transfers) != 2 {
		t.Fatalf("expected seeded and new paneer transfer for kitchen-north, got %d", len(history.Transfers))
	}

	if rec := doJSON(t, api, http.MethodGet, "/api/v1/transfers?from=yesterday", kitchen, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad time, got %d", rec.Code)
	}
}

func TestHandleInventory_ScopedToHolder(t *testing.T) {
	api := newTestAPI(t)
	kitchen := loginAs(t, api, "kitchen", "kitchen123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory", kitchen, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	inv := decodeBody[domain.InventoryResponse](t, rec)
	if inv.HolderID != "kitchen-north" || len(inv.Items) != 4 {
		t.Fatalf("expected 4 items for kitchen-north, got %+v", inv)
	}

	if rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory?holderId=kitchen-south", kitchen, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign inventory, got %d", rec.Code)
	}

	admin := loginAsAdmin(t, api)
	rec = doJSON(t, api, http.MethodGet, "/api/v1/inventory/low-stock?holderId=kitchen-south", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	low := decodeBody[domain.InventoryResponse](t, rec)
	if len(low.Items) != 1 || low.Items[0].ProductID != "prd-paneer" {
		t.Fatalf("expected paneer as the only low item, got %+v", low.Items)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/inventory/level?productId=prd-dal", kitchen, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	level := decodeBody[struct {
		Quantity       decimal.Decimal `json:"quantity"`
		Classification string          `json:"classification"`
	}](t, rec)
	if !level.Quantity.Equal(decimal.NewFromInt(20)) || level.Classification != string(domain.StockLevelInStock) {
		t.Fatalf("expected dal 20 in stock, got %s %s", level.Quantity, level.Classification)
	}

	if rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory/level?productId=prd-ghost", kitchen, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown product, got %d", rec.Code)
	}
}

func TestHandleOrderLifecycle(t *testing.T) {
	api := newTestAPI(t)
	counter := loginAs(t, api, "counter", "counter123")
	kitchen := loginAs(t, api, "kitchen", "kitchen123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/orders", counter, domain.OrderCreateRequest{
		Customer:      domain.Customer{Name: "Asha", Phone: "98450"},
		Lines:         []domain.OrderLineRequest{{ProductID: "prd-dal", Quantity: decimal.NewFromInt(2)}},
		PaymentMethod: "card",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[struct {
		Order domain.Order `json:"order"`
	}](t, rec)
	if created.Order.Status != domain.OrderStatusPending || created.Order.BillNumber == "" {
		t.Fatalf("unexpected created order %+v", created.Order)
	}
	orderPath := "/api/v1/orders/" + created.Order.ID

	rec = doJSON(t, api, http.MethodGet, orderPath+"/suggestions", counter, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on suggestions, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	suggested := decodeBody[struct {
		Suggestions []domain.KitchenSuggestion `json:"suggestions"`
	}](t, rec)
	if len(suggested.Suggestions) == 0 || suggested.Suggestions[0].KitchenID != "kitchen-north" {
		t.Fatalf("expected kitchen-north as top suggestion, got %+v", suggested.Suggestions)
	}

	if rec := doJSON(t, api, http.MethodPost, "/api/v1/orders", kitchen, domain.OrderCreateRequest{
		Customer: domain.Customer{Name: "Ravi"},
		Lines:    []domain.OrderLineRequest{{ProductID: "prd-dal", Quantity: decimal.NewFromInt(1)}},
	}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for kitchen creating orders, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPatch, orderPath+"/assign", counter, domain.AssignRequest{KitchenID: "kitchen-north"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on assign, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	assigned := decodeBody[domain.AssignResponse](t, rec)
	if assigned.Order.Status != domain.OrderStatusAssignedToKitchen || len(assigned.StockWarning) != 0 {
		t.Fatalf("unexpected assign response %+v", assigned)
	}

	if rec := doJSON(t, api, http.MethodPatch, orderPath+"/status", kitchen, domain.StatusRequest{Status: domain.OrderStatusReady}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for skipped step, got %d", rec.Code)
	}

	for _, next := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusReady, domain.OrderStatusCompleted} {
		rec := doJSON(t, api, http.MethodPatch, orderPath+"/status", kitchen, domain.StatusRequest{Status: next})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 moving to %s, got %d (body: %s)", next, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, api, http.MethodGet, orderPath, kitchen, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	done := decodeBody[struct {
		Order domain.Order `json:"order"`
	}](t, rec)
	if done.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed order, got %s", done.Order.Status)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/inventory/level?productId=prd-dal", kitchen, nil)
	level := decodeBody[struct {
		Quantity decimal.Decimal `json:"quantity"`
	}](t, rec)
	if !level.Quantity.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("expected dal 18 after consumption, got %s", level.Quantity)
	}

	if rec := doJSON(t, api, http.MethodPost, orderPath+"/cancel", counter, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a completed order, got %d", rec.Code)
	}
}

func TestHandleAssign_ShortageWarning(t *testing.T) {
	api := newTestAPI(t)
	counter := loginAs(t, api, "counter", "counter123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/orders", counter, domain.OrderCreateRequest{
		Customer: domain.Customer{Name: "Asha"},
		Lines:    []domain.OrderLineRequest{{ProductID: "prd-lassi", Quantity: decimal.NewFromInt(3)}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[struct {
		Order domain.Order `json:"order"`
	}](t, rec)

	rec = doJSON(t, api, http.MethodPatch, "/api/v1/orders/"+created.Order.ID+"/assign", counter, domain.AssignRequest{KitchenID: "kitchen-north"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with advisory policy, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	assigned := decodeBody[domain.AssignResponse](t, rec)
	if len(assigned.StockWarning) != 1 || assigned.StockWarning[0].ProductID != "prd-lassi" {
		t.Fatalf("expected lassi shortage warning, got %+v", assigned.StockWarning)
	}
	if !assigned.StockWarning[0].Available.IsZero() {
		t.Fatalf("expected zero lassi available at kitchen-north, got %s", assigned.StockWarning[0].Available)
	}

	if rec := doJSON(t, api, http.MethodPatch, "/api/v1/orders/"+created.Order.ID+"/assign", counter, domain.AssignRequest{KitchenID: "counter-1"}); rec.Code != http.StatusConflict && rec.Code != http.StatusBadRequest {
		t.Fatalf("expected reassignment to be refused, got %d", rec.Code)
	}
}

func TestHandleQuote(t *testing.T) {
	api := newTestAPI(t)
	counter := loginAs(t, api, "counter", "counter123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/pricing/quote", counter, domain.QuoteRequest{
		ProductID: "prd-lassi",
		Quantity:  decimal.NewFromInt(3),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Invoice domain.Invoice `json:"invoice"`
	}](t, rec)
	if !body.Invoice.Total.Equal(decimal.NewFromInt(173)) {
		t.Fatalf("expected total 173, got %s", body.Invoice.Total)
	}

	if rec := doJSON(t, api, http.MethodPost, "/api/v1/pricing/quote", counter, domain.QuoteRequest{ProductID: "prd-lassi"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero quantity, got %d", rec.Code)
	}
}

func TestHandleProductDelete_RequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodDelete, "/api/v1/products/prd-paneer", admin, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without manager PIN, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/products/prd-paneer", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	req.Header.Set("X-Manager-PIN", "123456")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for product still held, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestHandleUsers_BindingChecked(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/users", admin, domain.UserCreateRequest{
		Username: "southchef", Password: "pass1234", Role: domain.RoleKitchen, HolderID: "counter-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for kitchen bound to a counter, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/users", admin, domain.UserCreateRequest{
		Username: "southchef", Password: "pass1234", Role: "Kitchen", HolderID: "kitchen-south",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	token := loginAs(t, api, "southchef", "pass1234")
	if rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory?holderId=kitchen-south", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected new user to read own inventory, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs?limit=10", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	logs := decodeBody[struct {
		Logs []domain.AuditLog `json:"logs"`
	}](t, rec)
	found := false
	for _, entry := range logs.Logs {
		if entry.Action == "user_create" && entry.EntityID == "southchef" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected user_create audit entry, got %+v", logs.Logs)
	}

	if rec := doJSON(t, api, http.MethodGet, "/api/v1/users", token, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for kitchen listing users, got %d", rec.Code)
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected capped limit 200, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 200); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}

func TestParseTimeParam(t *testing.T) {
	got, err := parseTimeParam("2026-03-01")
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected midnight UTC, got %v (%v)", got, err)
	}
	if got, err := parseTimeParam(""); err != nil || !got.IsZero() {
		t.Fatalf("expected zero time for empty input, got %v (%v)", got, err)
	}
	if _, err := parseTimeParam("03/01/2026"); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
