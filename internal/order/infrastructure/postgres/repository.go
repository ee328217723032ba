package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orderflow/order-saga/internal/order/domain"
	"github.com/orderflow/order-saga/pkg/metrics"
	"github.com/orderflow/order-saga/pkg/pagination"
	"github.com/orderflow/order-saga/pkg/resilience"
)

//go:embed schema.sql
var schema string

// confirmedKey is the secondary-index partition value for confirmed orders.
const confirmedKey = "CONFIRMED"

// batchChunkSize is the store's per-request item limit for batched writes.
const batchChunkSize = 25

const orderColumns = "order_id, user_id, order_date, order_type, order_status, total_price, products"

// EnsureSchema applies the embedded schema. Statements are idempotent and
// executed one at a time so the extended query protocol stays happy.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Repository persists Order aggregates keyed by (user_id, order_id). Every
// call runs through the resilience pipeline; store encodings never leak into
// returned aggregates.
type Repository struct {
	log      *slog.Logger
	pool     *pgxpool.Pool
	pipeline *resilience.Pipeline
	metrics  *metrics.SagaMetrics
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool, pipeline *resilience.Pipeline, m *metrics.SagaMetrics) *Repository {
	return &Repository{log: log, pool: pool, pipeline: pipeline, metrics: m}
}

// Store upserts the order. The confirmed_key column is rewritten from the
// current status on every write so index membership always matches status.
func (r *Repository) Store(ctx context.Context, o *domain.Order) error {
	start := time.Now()
	err := r.pipeline.Execute(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, upsertSQL, upsertArgs(o)...)
		if err != nil {
			return resilience.Retryable(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store order %s: %w", o.OrderID(), err)
	}
	r.metrics.ObserveStoreOp("store", start, 1)
	return nil
}

// StoreBatch upserts orders in chunks of the store's per-request item limit.
// Failed chunks are logged and surfaced to the caller for retry rather than
// silently dropped.
func (r *Repository) StoreBatch(ctx context.Context, orders []*domain.Order) error {
	start := time.Now()
	var failed int

	for i := 0; i < len(orders); i += batchChunkSize {
		end := min(i+batchChunkSize, len(orders))
		chunk := orders[i:end]

		err := r.pipeline.Execute(ctx, func(ctx context.Context) error {
			batch := &pgx.Batch{}
			for _, o := range chunk {
				batch.Queue(upsertSQL, upsertArgs(o)...)
			}
			if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
				return resilience.Retryable(err)
			}
			return nil
		})
		if err != nil {
			failed += len(chunk)
			r.log.Warn("batch chunk not stored", "from", i, "count", len(chunk), "err", err)
		}
	}

	r.metrics.ObserveStoreOp("store_batch", start, len(orders)-failed)
	if failed > 0 {
		return fmt.Errorf("store batch: %d of %d orders not stored", failed, len(orders))
	}
	return nil
}

// ForUser returns the user's orders in key order, resuming after the page
// token's continuation key.
func (r *Repository) ForUser(ctx context.Context, userID string, pg pagination.Request) (pagination.PagedResult[*domain.Order], error) {
	pg = pg.Normalize()
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE user_id = $1 AND order_id > $2 ORDER BY order_id LIMIT $3`, orderColumns)
	return r.page(ctx, "for_user", pg, query, userID, pagination.ParseToken(pg.PageToken), pg.PageSize+1)
}

// ConfirmedOrders pages over the confirmed-orders secondary index.
func (r *Repository) ConfirmedOrders(ctx context.Context, pg pagination.Request) (pagination.PagedResult[*domain.Order], error) {
	pg = pg.Normalize()
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE confirmed_key = $1 AND order_id > $2 ORDER BY order_id LIMIT $3`, orderColumns)
	return r.page(ctx, "confirmed_orders", pg, query, confirmedKey, pagination.ParseToken(pg.PageToken), pg.PageSize+1)
}

// WithOrderId is a point lookup. Absence is domain.ErrOrderNotFound, not a
// transport failure.
func (r *Repository) WithOrderId(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	start := time.Now()
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE user_id = $1 AND order_id = $2`, orderColumns)

	o, err := resilience.Do(ctx, r.pipeline, func(ctx context.Context) (*domain.Order, error) {
		row := r.pool.QueryRow(ctx, query, userID, orderID)
		o, err := scanOrder(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		if err != nil {
			return nil, resilience.Retryable(err)
		}
		return o, nil
	})
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveStoreOp("with_order_id", start, 1)
	return o, nil
}

func (r *Repository) page(ctx context.Context, op string, pg pagination.Request, query string, args ...any) (pagination.PagedResult[*domain.Order], error) {
	start := time.Now()
	items, err := resilience.Do(ctx, r.pipeline, func(ctx context.Context) ([]*domain.Order, error) {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, resilience.Retryable(err)
		}
		defer rows.Close()

		var out []*domain.Order
		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return nil, resilience.Retryable(err)
			}
			out = append(out, o)
		}
		if err := rows.Err(); err != nil {
			return nil, resilience.Retryable(err)
		}
		return out, nil
	})
	if err != nil {
		return pagination.PagedResult[*domain.Order]{}, fmt.Errorf("%s: %w", op, err)
	}

	result := pagination.PagedResult[*domain.Order]{PageSize: pg.PageSize, Items: items}
	if len(items) > pg.PageSize {
		result.Items = items[:pg.PageSize]
		result.HasMorePages = true
		result.NextPageToken = pagination.CreateToken(result.Items[pg.PageSize-1].OrderID())
	}
	r.metrics.ObserveStoreOp(op, start, len(result.Items))
	return result, nil
}

const upsertSQL = `
INSERT INTO orders (user_id, order_id, order_date, order_type, order_status, total_price, products, confirmed_key, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (user_id, order_id) DO UPDATE SET
    order_date = EXCLUDED.order_date,
    order_type = EXCLUDED.order_type,
    order_status = EXCLUDED.order_status,
    total_price = EXCLUDED.total_price,
    products = EXCLUDED.products,
    confirmed_key = EXCLUDED.confirmed_key,
    updated_at = now()`

func upsertArgs(o *domain.Order) []any {
	var ck *string
	if o.Status() == domain.StatusConfirmed {
		v := confirmedKey
		ck = &v
	}
	products, _ := json.Marshal(o.Products()) // []string cannot fail to marshal
	return []any{
		o.UserID(), o.OrderID(), o.OrderDate(), string(o.OrderType()),
		string(o.Status()), o.TotalPrice(), products, ck,
	}
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		orderID, userID, orderType, status string
		orderDate                          time.Time
		totalPrice                         float64
		productsRaw                        []byte
	)
	if err := row.Scan(&orderID, &userID, &orderDate, &orderType, &status, &totalPrice, &productsRaw); err != nil {
		return nil, err
	}
	var products []string
	if err := json.Unmarshal(productsRaw, &products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	return domain.Reconstitute(orderID, userID, products, orderDate,
		domain.OrderType(orderType), domain.OrderStatus(status), totalPrice), nil
}
