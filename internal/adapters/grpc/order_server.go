package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/events"
	"orderflow/internal/orders"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// OrderService defines the behavior needed by the gRPC adapter.
type OrderService interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) error
	GetOrder(ctx context.Context, orderID string) (orders.View, error)
	AdvanceStatus(ctx context.Context, orderID string, to orders.Status, updatedBy string) (orders.Order, error)
}

// OrderServer adapts OrderService to gRPC.
type OrderServer struct {
	service OrderService
}

var _ OrderServiceServer = (*OrderServer)(nil)

// NewOrderServer constructs an OrderServer.
func NewOrderServer(svc OrderService) *OrderServer {
	return &OrderServer{service: svc}
}

type createOrderRequest struct {
	IdempotencyKey  string         `json:"idempotency_key"`
	CustomerID      string         `json:"customer_id"`
	Items           []events.Item  `json:"items"`
	ShippingAddress events.Address `json:"shipping_address"`
	BillingAddress  events.Address `json:"billing_address"`
}

type orderRequest struct {
	OrderID   string `json:"order_id"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

type orderResponse struct {
	OrderID         string         `json:"order_id"`
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

// CreateOrder places an order. Replays with the same idempotency key return the original.
func (s *OrderServer) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in createOrderRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	order, err := s.service.CreateOrder(ctx, orders.CreateOrderInput{
		IdempotencyKey:  in.IdempotencyKey,
		CustomerID:      in.CustomerID,
		Items:           in.Items,
		ShippingAddress: in.ShippingAddress,
		BillingAddress:  in.BillingAddress,
	})
	if err != nil {
		return nil, mapOrderError(err)
	}
	return encode(toResponse(orders.View{Order: order}))
}

// CancelOrder acknowledges a cancellation request. The outcome arrives asynchronously.
func (s *OrderServer) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in orderRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	if err := s.service.CancelOrder(ctx, in.OrderID, in.Reason); err != nil {
		return nil, mapOrderError(err)
	}
	return structpb.NewStruct(map[string]any{
		"order_id": in.OrderID,
		"status":   "accepted",
	})
}

func (s *OrderServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in orderRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	view, err := s.service.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, mapOrderError(err)
	}
	return encode(toResponse(view))
}

// AdvanceStatus moves a confirmed order to Shipped or Delivered.
func (s *OrderServer) AdvanceStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in orderRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	to, err := orders.ParseStatus(in.Status)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	order, err := s.service.AdvanceStatus(ctx, in.OrderID, to, in.UpdatedBy)
	if err != nil {
		return nil, mapOrderError(err)
	}
	return encode(toResponse(orders.View{Order: order}))
}

func toResponse(v orders.View) orderResponse {
	return orderResponse{
		OrderID:         v.ID,
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

func decode(req *structpb.Struct, dst any) error {
	raw, err := req.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "response: %v", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "response: %v", err)
	}
	return out, nil
}

func mapOrderError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orders.ErrInvalidOrder):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, orders.ErrIdempotencyConflict),
		errors.Is(err, orders.ErrOrderNotCancellable),
		errors.Is(err, orders.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("order service: %v", err))
}
