package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"orderflow/internal/events"
	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"

	"github.com/go-chi/chi/v5"
)

// OrderService is what the HTTP handlers need from the order service.
type OrderService interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) error
	GetOrder(ctx context.Context, orderID string) (orders.View, error)
	AdvanceStatus(ctx context.Context, orderID string, to orders.Status, updatedBy string) (orders.Order, error)
	History(ctx context.Context, orderID string) ([]saga.Step, error)
}

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type Handler struct {
	service OrderService
}

func NewHandler(svc OrderService) *Handler {
	return &Handler{service: svc}
}

type CreateOrderRequest struct {
	IdempotencyKey  string         `json:"idempotency_key"`
	CustomerID      string         `json:"customer_id"`
	Items           []events.Item  `json:"items"`
	ShippingAddress events.Address `json:"shipping_address"`
	BillingAddress  events.Address `json:"billing_address"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type AdvanceStatusRequest struct {
	Status    string `json:"status"`
	UpdatedBy string `json:"updated_by"`
}

type OrderResponse struct {
	ID              string         `json:"id"`
	CustomerID      string         `json:"customer_id"`
	Status          string         `json:"status"`
	Stage           string         `json:"stage,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Total           string         `json:"total"`
	Items           []events.Item  `json:"items"`
	ShippingAddress events.Address `json:"shipping_address"`
	BillingAddress  events.Address `json:"billing_address"`
	UpdatedBy       string         `json:"updated_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CreateOrder places an order. The Idempotency-Key header wins over the body field.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.IdempotencyKey = key
	}

	order, err := h.service.CreateOrder(r.Context(), orders.CreateOrderInput{
		IdempotencyKey:  req.IdempotencyKey,
		CustomerID:      req.CustomerID,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(orders.View{Order: order}))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(view))
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	steps, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if steps == nil {
		steps = []saga.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// CancelOrder answers 202: the saga decides asynchronously whether the order unwinds.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "id")
	if err := h.service.CancelOrder(r.Context(), orderID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": orderID, "status": "cancellation_requested"})
}

func (h *Handler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	var req AdvanceStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := orders.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}
	order, err := h.service.AdvanceStatus(r.Context(), chi.URLParam(r, "id"), to, req.UpdatedBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(orders.View{Order: order}))
}

// decodeBody reads a JSON body of at most maxBodyBytes, writing the error response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
	return false
}

func toResponse(v orders.View) OrderResponse {
	return OrderResponse{
		ID:              v.ID,
		CustomerID:      v.CustomerID,
		Status:          string(v.Status),
		Stage:           string(v.Stage),
		FailureReason:   v.FailureReason,
		Total:           v.Total.StringFixed(2),
		Items:           v.Items,
		ShippingAddress: v.ShippingAddress,
		BillingAddress:  v.BillingAddress,
		UpdatedBy:       v.UpdatedBy,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, orders.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, "invalid_order", err.Error())
	case errors.Is(err, orders.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, orders.ErrOrderNotCancellable), errors.Is(err, orders.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
