package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orderflow/internal/events"
	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
)

func newTestRouter(t *testing.T, opts Options) (http.Handler, *orders.MemoryStore) {
	t.Helper()
	store := orders.NewMemoryStore()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := orders.NewService(store, orders.WithServiceClock(func() time.Time { return now }))
	return NewRouter(NewHandler(svc), opts), store
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
	"customer_id": "cust-1",
	"items": [{"sku": "SKU-1", "qty": 2, "unit_price": "12.50"}],
	"shipping_address": {"line1": "1 Main St", "city": "Springfield", "postal_code": "12345", "country": "US"}
}`

func TestCreateAndGetOrder(t *testing.T) {
	router, store := newTestRouter(t, Options{})

	rec := do(t, router, http.MethodPost, "/orders", createBody, map[string]string{"Idempotency-Key": "idem-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created OrderResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != string(orders.StatusPending) || created.Total != "25.00" {
		t.Fatalf("unexpected order: %+v", created)
	}
	if len(store.Outbox()) != 1 {
		t.Fatalf("expected one outbox row, got %d", len(store.Outbox()))
	}

	replay := do(t, router, http.MethodPost, "/orders", createBody, map[string]string{"Idempotency-Key": "idem-1"})
	var replayed OrderResponse
	if err := json.NewDecoder(replay.Body).Decode(&replayed); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if replayed.ID != created.ID || len(store.Outbox()) != 1 {
		t.Fatalf("expected idempotent replay, got %+v", replayed)
	}

	rec = do(t, router, http.MethodGet, "/orders/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got OrderResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != created.ID || got.ShippingAddress.City != "Springfield" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestCreateOrder_Errors(t *testing.T) {
	router, _ := newTestRouter(t, Options{})

	cases := []struct {
		name string
		body string
		key  string
		code int
	}{
		{"malformed json", `{`, "", http.StatusBadRequest},
		{"no items", `{"customer_id":"c"}`, "", http.StatusBadRequest},
		{"no customer", `{"items":[{"sku":"A","qty":1,"unit_price":"1"}]}`, "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/orders", tc.body, nil)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}

	do(t, router, http.MethodPost, "/orders", createBody, map[string]string{"Idempotency-Key": "k"})
	other := strings.Replace(createBody, "cust-1", "cust-2", 1)
	if rec := do(t, router, http.MethodPost, "/orders", other, map[string]string{"Idempotency-Key": "k"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for idempotency conflict, got %d", rec.Code)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	router, _ := newTestRouter(t, Options{})
	rec := do(t, router, http.MethodGet, "/orders/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	router, store := newTestRouter(t, Options{})

	rec := do(t, router, http.MethodPost, "/orders", createBody, nil)
	var created OrderResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = do(t, router, http.MethodPost, "/orders/"+created.ID+"/cancel", `{"reason":"changed mind"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	rows := store.Outbox()
	if last := rows[len(rows)-1]; last.EventType != events.TypeOrderCancellationRequested {
		t.Fatalf("expected cancellation in outbox, got %s", last.EventType)
	}

	if rec := do(t, router, http.MethodPost, "/orders/missing/cancel", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", rec.Code)
	}
}

func TestAdvanceStatus(t *testing.T) {
	router, store := newTestRouter(t, Options{})

	rec := do(t, router, http.MethodPost, "/orders", createBody, nil)
	var created OrderResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if rec := do(t, router, http.MethodPost, "/orders/"+created.ID+"/status", `{"status":"Shipped"}`, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 shipping a pending order, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/orders/"+created.ID+"/status", `{"status":"lost"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx orders.Tx) error {
		return tx.UpdateOrderStatus(ctx, created.ID, orders.StatusConfirmed, saga.UpdatedBy, time.Now())
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	rec = do(t, router, http.MethodPost, "/orders/"+created.ID+"/status", `{"status":"Shipped","updated_by":"warehouse"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var shipped OrderResponse
	if err := json.NewDecoder(rec.Body).Decode(&shipped); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if shipped.Status != string(orders.StatusShipped) || shipped.UpdatedBy != "warehouse" {
		t.Fatalf("unexpected order: %+v", shipped)
	}
}

func TestHistory(t *testing.T) {
	router, _ := newTestRouter(t, Options{})

	rec := do(t, router, http.MethodGet, "/orders/none/history", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d %q", rec.Code, rec.Body.String())
	}

	created := do(t, router, http.MethodPost, "/orders", createBody, nil)
	var order OrderResponse
	if err := json.NewDecoder(created.Body).Decode(&order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec = do(t, router, http.MethodGet, "/orders/"+order.ID+"/history", "", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	router, store := newTestRouter(t, Options{})
	body := `{"customer_id": "` + strings.Repeat("x", maxBodyBytes) + `"}`

	rec := do(t, router, http.MethodPost, "/orders", body, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if len(store.Outbox()) != 0 {
		t.Fatalf("no order should be written")
	}
}

func TestHealthzAndOptionalRoutes(t *testing.T) {
	ready := true
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"methods":{}}`))
	})
	router, _ := newTestRouter(t, Options{Metrics: metrics, Ready: func() bool { return ready }})

	if rec := do(t, router, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
	ready = false
	if rec := do(t, router, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "methods") {
		t.Fatalf("expected metrics body, got %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, router, http.MethodGet, "/ws", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected /ws unmounted, got %d", rec.Code)
	}
}
