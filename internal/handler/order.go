package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/service"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// submitOrderRequest is the JSON request body for POST /orders. Decimal
// fields accept both JSON strings and numbers.
type submitOrderRequest struct {
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Type            string          `json:"type"`
	Price           decimal.Decimal `json:"price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	Quantity        decimal.Decimal `json:"quantity"`
	TimeInForce     string          `json:"time_in_force"`
	ClientOrderID   string          `json:"client_order_id"`
	UserID          string          `json:"user_id"`
	PostOnly        bool            `json:"post_only"`
	ReduceOnly      bool            `json:"reduce_only"`
	Hidden          bool            `json:"hidden"`
	DisplayQuantity decimal.Decimal `json:"display_quantity"`
}

func (req submitOrderRequest) order() *domain.Order {
	return &domain.Order{
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            domain.Side(req.Side),
		Type:            domain.OrderType(req.Type),
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		Quantity:        req.Quantity,
		TimeInForce:     domain.TimeInForce(req.TimeInForce),
		PostOnly:        req.PostOnly,
		ReduceOnly:      req.ReduceOnly,
		Hidden:          req.Hidden,
		DisplayQuantity: req.DisplayQuantity,
		UserID:          req.UserID,
	}
}

// orderResponse is the JSON response for a processed order. Market orders
// omit the price.
type orderResponse struct {
	OrderID           string           `json:"order_id"`
	ClientOrderID     string           `json:"client_order_id,omitempty"`
	Symbol            string           `json:"symbol"`
	Side              string           `json:"side"`
	Type              string           `json:"type"`
	TimeInForce       string           `json:"time_in_force,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	Quantity          decimal.Decimal  `json:"quantity"`
	FilledQuantity    decimal.Decimal  `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity"`
	Status            string           `json:"status"`
	RejectReason      string           `json:"reject_reason,omitempty"`
	CreatedAt         *string          `json:"created_at,omitempty"`
	Trades            []domain.Trade   `json:"trades"`
}

// cancelResponse is the JSON response for a successful cancel.
type cancelResponse struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
}

// SubmitOrder handles POST /orders. Accepted orders answer 201; orders the
// engine rejected answer 422 with the reject reason.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	o := req.order()
	trades, err := h.orderSvc.Submit(r.Context(), o)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if o.Status == domain.OrderStatusRejected {
		status = http.StatusUnprocessableEntity
	}
	WriteJSON(w, status, buildOrderResponse(o, trades))
}

// CancelOrder handles DELETE /orders/{symbol}/{order_id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	orderID := chi.URLParam(r, "order_id")

	ok, err := h.orderSvc.Cancel(r.Context(), symbol, orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		writeServiceError(w, domain.ErrOrderNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, cancelResponse{OrderID: orderID, Symbol: symbol, Status: string(domain.OrderStatusCanceled)})
}

// CancelByClientID handles DELETE /orders/{symbol}/client/{client_order_id}.
func (h *OrderHandler) CancelByClientID(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	clientOrderID := chi.URLParam(r, "client_order_id")

	orderID, ok, err := h.orderSvc.CancelByClientID(r.Context(), symbol, clientOrderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		writeServiceError(w, domain.ErrOrderNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, cancelResponse{OrderID: orderID, Symbol: symbol, Status: string(domain.OrderStatusCanceled)})
}

func buildOrderResponse(o *domain.Order, trades []domain.Trade) orderResponse {
	if trades == nil {
		trades = []domain.Trade{}
	}
	resp := orderResponse{
		OrderID:           o.ID,
		ClientOrderID:     o.ClientOrderID,
		Symbol:            o.Symbol,
		Side:              string(o.Side),
		Type:              string(o.Type),
		TimeInForce:       string(o.TimeInForce),
		Quantity:          o.Quantity,
		FilledQuantity:    o.Filled,
		RemainingQuantity: o.Remaining,
		Status:            string(o.Status),
		RejectReason:      string(o.RejectReason),
		Trades:            trades,
	}
	if !o.Type.IsMarket() {
		price := o.Price
		resp.Price = &price
	}
	if !o.CreatedAt.IsZero() {
		s := o.CreatedAt.UTC().Format(time.RFC3339Nano)
		resp.CreatedAt = &s
	}
	return resp
}

// BookHandler handles HTTP requests for book endpoints.
type BookHandler struct {
	orderSvc *service.OrderService
}

// NewBookHandler creates a new BookHandler.
func NewBookHandler(orderSvc *service.OrderService) *BookHandler {
	return &BookHandler{orderSvc: orderSvc}
}

const (
	defaultDepthLevels = 20
	maxDepthLevels     = 1000
)

// depthResponse is the JSON response for GET /books/{symbol}/depth.
type depthResponse struct {
	Symbol string      `json:"symbol"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// GetDepth handles GET /books/{symbol}/depth?levels=N.
func (h *BookHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	levels := defaultDepthLevels
	if v := r.URL.Query().Get("levels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDepthLevels {
			WriteError(w, http.StatusBadRequest, "validation_error", "levels must be an integer between 1 and 1000")
			return
		}
		levels = n
	}

	depth, err := h.orderSvc.Depth(r.Context(), symbol, levels)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, depthResponse{
		Symbol: symbol,
		Bids:   pairs(depth.Bids),
		Asks:   pairs(depth.Asks),
	})
}

// Delist handles DELETE /books/{symbol}.
func (h *BookHandler) Delist(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := h.orderSvc.Delist(r.Context(), symbol); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBooks handles GET /books.
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string][]string{"symbols": h.orderSvc.Registry().Symbols()})
}

func pairs(levels []domain.DepthLevel) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price.String(), l.Quantity.String()}
	}
	return out
}
