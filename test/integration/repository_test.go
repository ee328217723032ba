package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflow/order-saga/internal/order/domain"
	orderpg "github.com/orderflow/order-saga/internal/order/infrastructure/postgres"
	"github.com/orderflow/order-saga/pkg/pagination"
	"github.com/orderflow/order-saga/pkg/resilience"
)

func setupRepository(t *testing.T, ctx context.Context, pgURL string) *orderpg.Repository {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := pgxpool.New(ctx, pgURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, orderpg.EnsureSchema(ctx, pool))

	return orderpg.NewRepository(log, pool, resilience.New("integration-repo", log), nil)
}

// reconstituted builds a stored-shape order with a sortable id so page walks
// have a known key order.
func reconstituted(userID string, n int, status domain.OrderStatus) *domain.Order {
	return domain.Reconstitute(
		fmt.Sprintf("ord-%03d", n), userID, []string{fmt.Sprintf("sku-%d", n)},
		time.Now().UTC().Truncate(time.Second), domain.TypeStandard, status, 0,
	)
}

func TestRepositoryBatchAndPagination(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test, requires docker")
	}
	ctx := context.Background()

	env, err := Setup(ctx)
	if err != nil {
		t.Skipf("container environment unavailable: %v", err)
	}
	defer env.Teardown(ctx)

	repo := setupRepository(t, ctx, env.PGURL)

	// 60 orders span three 25-item batch chunks; the first 30 are Confirmed.
	orders := make([]*domain.Order, 0, 60)
	for n := 0; n < 60; n++ {
		status := domain.StatusCreated
		if n < 30 {
			status = domain.StatusConfirmed
		}
		orders = append(orders, reconstituted("batch-user", n, status))
	}
	require.NoError(t, repo.StoreBatch(ctx, orders))

	t.Run("page walk covers every order exactly once", func(t *testing.T) {
		var (
			walked []string
			token  string
			pages  int
		)
		for {
			page, err := repo.ForUser(ctx, "batch-user", pagination.Request{PageSize: 25, PageToken: token})
			require.NoError(t, err)
			pages++
			for _, o := range page.Items {
				walked = append(walked, o.OrderID())
			}
			if !page.HasMorePages {
				assert.Empty(t, page.NextPageToken)
				break
			}
			require.NotEmpty(t, page.NextPageToken)
			token = page.NextPageToken
		}

		assert.Equal(t, 3, pages)
		require.Len(t, walked, 60)
		for n, id := range walked {
			assert.Equal(t, fmt.Sprintf("ord-%03d", n), id, "key order, no gaps, no duplicates")
		}
	})

	t.Run("page boundaries are exclusive-start", func(t *testing.T) {
		first, err := repo.ForUser(ctx, "batch-user", pagination.Request{PageSize: 10})
		require.NoError(t, err)
		require.Len(t, first.Items, 10)
		assert.True(t, first.HasMorePages)

		second, err := repo.ForUser(ctx, "batch-user", pagination.Request{PageSize: 10, PageToken: first.NextPageToken})
		require.NoError(t, err)
		require.Len(t, second.Items, 10)
		assert.Equal(t, "ord-010", second.Items[0].OrderID(), "resumes after the last item of the first page")
	})

	t.Run("confirmed index pages with a real token", func(t *testing.T) {
		first, err := repo.ConfirmedOrders(ctx, pagination.Request{PageSize: 20})
		require.NoError(t, err)
		require.Len(t, first.Items, 20)
		require.True(t, first.HasMorePages)

		second, err := repo.ConfirmedOrders(ctx, pagination.Request{PageSize: 20, PageToken: first.NextPageToken})
		require.NoError(t, err)
		require.Len(t, second.Items, 10)
		assert.False(t, second.HasMorePages)

		for _, o := range append(first.Items, second.Items...) {
			assert.Equal(t, domain.StatusConfirmed, o.Status())
		}
	})

	t.Run("malformed page token restarts from the beginning", func(t *testing.T) {
		page, err := repo.ForUser(ctx, "batch-user", pagination.Request{PageSize: 5, PageToken: "!!!not-base64!!!"})
		require.NoError(t, err)
		require.Len(t, page.Items, 5)
		assert.Equal(t, "ord-000", page.Items[0].OrderID())
	})

	t.Run("last page exactly at the boundary has no more pages", func(t *testing.T) {
		page, err := repo.ForUser(ctx, "batch-user", pagination.Request{PageSize: 60})
		require.NoError(t, err)
		require.Len(t, page.Items, 60)
		assert.False(t, page.HasMorePages)
		assert.Empty(t, page.NextPageToken)
	})
}
