package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/quantbot/internal/domain"
	"github.com/alanyoungcy/quantbot/internal/order"
)

// OrderService is the slice of the account the order handler requires.
type OrderService interface {
	Orders() []*order.Order
	CancelOrder(ctx context.Context, o *order.Order) error
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

type listOrdersResponse struct {
	Orders []domain.OrderRecord `json:"orders"`
}

// ListOrders returns the account's orders, newest last.
// GET /api/orders?open=true&code=AAPL
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	openOnly := q.Get("open") == "true"
	code := q.Get("code")

	out := []domain.OrderRecord{}
	for _, o := range h.orders.Orders() {
		if openOnly && !o.Status().Open() {
			continue
		}
		if code != "" && o.Code != code {
			continue
		}
		out = append(out, o.Snapshot())
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: out})
}

// GetOrder returns a single order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o := h.find(pathParam(r, "id"))
	if o == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

// CancelOrder asks the broker to cancel a resting order. The cancellation
// itself is reported asynchronously on the order stream.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	o := h.find(id)
	if o == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	if err := h.orders.CancelOrder(r.Context(), o); err != nil {
		switch {
		case errors.Is(err, domain.ErrIllegalTransition):
			writeError(w, http.StatusConflict, "order is not open")
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not known to broker")
		default:
			h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to cancel order")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "order_id": id})
}

func (h *OrderHandler) find(id string) *order.Order {
	if id == "" {
		return nil
	}
	for _, o := range h.orders.Orders() {
		if o.ID == id {
			return o
		}
	}
	return nil
}
