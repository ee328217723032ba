package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflow/order-saga/internal/order/application"
	"github.com/orderflow/order-saga/internal/order/domain"
	"github.com/orderflow/order-saga/pkg/pagination"
	"github.com/orderflow/order-saga/pkg/resilience"
)

type stubRepo struct {
	orders map[string]*domain.Order
	err    error
}

func newStubRepo() *stubRepo {
	return &stubRepo{orders: make(map[string]*domain.Order)}
}

func (r *stubRepo) key(userID, orderID string) string { return userID + "/" + orderID }

func (r *stubRepo) Store(_ context.Context, o *domain.Order) error {
	if r.err != nil {
		return r.err
	}
	r.orders[r.key(o.UserID(), o.OrderID())] = o
	return nil
}

func (r *stubRepo) StoreBatch(ctx context.Context, orders []*domain.Order) error {
	for _, o := range orders {
		if err := r.Store(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (r *stubRepo) ForUser(_ context.Context, userID string, pg pagination.Request) (pagination.PagedResult[*domain.Order], error) {
	pg = pg.Normalize()
	var items []*domain.Order
	for _, o := range r.orders {
		if o.UserID() == userID {
			items = append(items, o)
		}
	}
	return pagination.PagedResult[*domain.Order]{Items: items, PageSize: pg.PageSize}, nil
}

func (r *stubRepo) ConfirmedOrders(_ context.Context, pg pagination.Request) (pagination.PagedResult[*domain.Order], error) {
	pg = pg.Normalize()
	var items []*domain.Order
	for _, o := range r.orders {
		if o.Status() == domain.StatusConfirmed {
			items = append(items, o)
		}
	}
	return pagination.PagedResult[*domain.Order]{Items: items, PageSize: pg.PageSize}, nil
}

func (r *stubRepo) WithOrderId(_ context.Context, userID, orderID string) (*domain.Order, error) {
	if r.err != nil {
		return nil, r.err
	}
	o, ok := r.orders[r.key(userID, orderID)]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

type stubWorkflow struct{ started int }

func (w *stubWorkflow) StartWorkflowFor(context.Context, *domain.Order) error { w.started++; return nil }
func (w *stubWorkflow) StockReservationSuccessful(context.Context, string) error { return nil }
func (w *stubWorkflow) StockReservationFailed(context.Context, string) error     { return nil }

type stubPublisher struct{}

func (stubPublisher) Publish(context.Context, string, any) error { return nil }

func newTestHandler(t *testing.T) (*stubRepo, http.Handler) {
	t.Helper()
	repo := newStubRepo()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := application.NewService(log, repo, &stubWorkflow{}, stubPublisher{})
	return repo, NewHandler(log, svc).Routes()
}

func postJSON(t *testing.T, h http.Handler, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(userIDHeader, userID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(userIDHeader, userID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateOrder(t *testing.T) {
	repo, h := newTestHandler(t)

	rec := postJSON(t, h, "/orders", "user-1", createOrderReq{Products: []string{"book", "pen"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	var dto orderDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.NotEmpty(t, dto.OrderNumber)
	assert.Equal(t, "user-1", dto.UserID)
	assert.Equal(t, []string{"book", "pen"}, dto.Products)
	assert.Equal(t, string(domain.StatusCreated), dto.OrderStatus)
	assert.Equal(t, string(domain.TypeStandard), dto.OrderType)
	assert.Len(t, repo.orders, 1)
}

func TestCreateOrderPriority(t *testing.T) {
	_, h := newTestHandler(t)

	rec := postJSON(t, h, "/orders", "user-1", createOrderReq{
		Products:  []string{"book"},
		OrderType: string(domain.TypePriority),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var dto orderDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, string(domain.TypePriority), dto.OrderType)
}

func TestCreateOrderValidation(t *testing.T) {
	_, h := newTestHandler(t)

	t.Run("empty products", func(t *testing.T) {
		rec := postJSON(t, h, "/orders", "user-1", createOrderReq{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var e errorDTO
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
		assert.Equal(t, "invalid_argument", e.Code)
	})

	t.Run("missing user id", func(t *testing.T) {
		rec := postJSON(t, h, "/orders", "", createOrderReq{Products: []string{"book"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader([]byte("{not json")))
		req.Header.Set(userIDHeader, "user-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetOrder(t *testing.T) {
	_, h := newTestHandler(t)

	created := postJSON(t, h, "/orders", "user-1", createOrderReq{Products: []string{"book"}})
	var dto orderDTO
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &dto))

	rec := get(t, h, "/orders/"+dto.OrderNumber, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var got orderDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, dto.OrderNumber, got.OrderNumber)
}

func TestGetOrderNotFound(t *testing.T) {
	_, h := newTestHandler(t)

	rec := get(t, h, "/orders/does-not-exist", "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var e errorDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "order_not_found", e.Code)
}

func TestListUserOrders(t *testing.T) {
	_, h := newTestHandler(t)

	for i := 0; i < 3; i++ {
		rec := postJSON(t, h, "/orders", "user-1", createOrderReq{Products: []string{fmt.Sprintf("item-%d", i)}})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	postJSON(t, h, "/orders", "user-2", createOrderReq{Products: []string{"other"}})

	rec := get(t, h, "/orders?pageSize=10", "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var page pagedOrdersDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Items, 3)
	assert.Equal(t, 10, page.PageSize)
}

func TestListConfirmedOrders(t *testing.T) {
	repo, h := newTestHandler(t)

	confirmed := domain.Reconstitute("o-1", "user-1", []string{"book"}, time.Now(), domain.TypeStandard, domain.StatusConfirmed, 0)
	require.NoError(t, repo.Store(context.Background(), confirmed))
	created := domain.Reconstitute("o-2", "user-1", []string{"pen"}, time.Now(), domain.TypeStandard, domain.StatusCreated, 0)
	require.NoError(t, repo.Store(context.Background(), created))

	rec := get(t, h, "/orders/confirmed", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page pagedOrdersDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "o-1", page.Items[0].OrderNumber)
}

func TestCompleteOrder(t *testing.T) {
	repo, h := newTestHandler(t)

	confirmed := domain.Reconstitute("o-1", "user-1", []string{"book"}, time.Now(), domain.TypeStandard, domain.StatusConfirmed, 0)
	require.NoError(t, repo.Store(context.Background(), confirmed))

	rec := postJSON(t, h, "/orders/o-1/complete", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dto orderDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, string(domain.StatusCompleted), dto.OrderStatus)
}

func TestCompleteOrderNotConfirmed(t *testing.T) {
	repo, h := newTestHandler(t)

	created := domain.Reconstitute("o-1", "user-1", []string{"book"}, time.Now(), domain.TypeStandard, domain.StatusCreated, 0)
	require.NoError(t, repo.Store(context.Background(), created))

	rec := postJSON(t, h, "/orders/o-1/complete", "user-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var e errorDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "order_not_confirmed", e.Code)
}

func TestInfrastructureErrorsMapToServiceUnavailable(t *testing.T) {
	repo, h := newTestHandler(t)
	repo.err = resilience.Retryable(fmt.Errorf("connection refused"))

	rec := get(t, h, "/orders/o-1", "user-1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
