package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/orderflow/order-saga/internal/order/application"
	"github.com/orderflow/order-saga/internal/order/domain"
	"github.com/orderflow/order-saga/pkg/pagination"
	"github.com/orderflow/order-saga/pkg/resilience"
)

// userIDHeader carries the caller identity; authentication itself lives in
// front of this service.
const userIDHeader = "X-User-Id"

type Handler struct {
	log     *slog.Logger
	service *application.Service
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listUserOrders)
	r.Get("/orders/confirmed", h.listConfirmedOrders)
	r.Get("/orders/{orderId}", h.getOrder)
	r.Post("/orders/{orderId}/complete", h.completeOrder)
	return r
}

type createOrderReq struct {
	Products  []string `json:"products"`
	OrderType string   `json:"orderType"`
}

type orderDTO struct {
	OrderNumber string    `json:"orderNumber"`
	UserID      string    `json:"userId"`
	Products    []string  `json:"products"`
	OrderDate   time.Time `json:"orderDate"`
	OrderType   string    `json:"orderType"`
	OrderStatus string    `json:"orderStatus"`
	TotalPrice  float64   `json:"totalPrice"`
}

type pagedOrdersDTO struct {
	Items         []orderDTO `json:"items"`
	PageSize      int        `json:"pageSize"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
	HasMorePages  bool       `json:"hasMorePages"`
}

type errorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toDTO(o *domain.Order) orderDTO {
	return orderDTO{
		OrderNumber: o.OrderID(),
		UserID:      o.UserID(),
		Products:    o.Products(),
		OrderDate:   o.OrderDate(),
		OrderType:   string(o.OrderType()),
		OrderStatus: string(o.Status()),
		TotalPrice:  o.TotalPrice(),
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	userID := r.Header.Get(userIDHeader)
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}

	orderType := domain.TypeStandard
	if req.OrderType == string(domain.TypePriority) {
		orderType = domain.TypePriority
	}

	o, err := h.service.CreateOrder(ctx, userID, req.Products, orderType)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toDTO(o))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrderDetails")
	defer span.End()

	o, err := h.service.GetOrder(ctx, r.Header.Get(userIDHeader), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(o))
}

func (h *Handler) listUserOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetUserOrders")
	defer span.End()

	result, err := h.service.ListUserOrders(ctx, r.Header.Get(userIDHeader), paginationFrom(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPagedDTO(result))
}

func (h *Handler) listConfirmedOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmedOrders")
	defer span.End()

	result, err := h.service.ListConfirmedOrders(ctx, paginationFrom(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPagedDTO(result))
}

func (h *Handler) completeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CompleteOrder")
	defer span.End()

	o, err := h.service.CompleteOrder(ctx, r.Header.Get(userIDHeader), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(o))
}

// writeServiceError maps the error taxonomy onto HTTP: domain validation is
// a named failure, infrastructure trouble is a generic retry-later.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", "no order found for this id")
	case errors.Is(err, domain.ErrOrderNotConfirmed):
		writeError(w, http.StatusConflict, "order_not_confirmed", "order must be confirmed before completing")
	case errors.Is(err, domain.ErrInvalidOrderState):
		writeError(w, http.StatusConflict, "invalid_order_state", err.Error())
	case errors.Is(err, resilience.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "dependency unavailable, retry later")
	default:
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "service unavailable, retry later")
	}
}

func paginationFrom(r *http.Request) pagination.Request {
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	return pagination.Request{
		PageSize:  pageSize,
		PageToken: r.URL.Query().Get("pageToken"),
	}
}

func toPagedDTO(result pagination.PagedResult[*domain.Order]) pagedOrdersDTO {
	dto := pagedOrdersDTO{
		Items:         make([]orderDTO, 0, len(result.Items)),
		PageSize:      result.PageSize,
		NextPageToken: result.NextPageToken,
		HasMorePages:  result.HasMorePages,
	}
	for _, o := range result.Items {
		dto.Items = append(dto.Items, toDTO(o))
	}
	return dto
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorDTO{Code: code, Message: message})
}
