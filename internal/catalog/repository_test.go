package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/sokoflow/backend/internal/apperr"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	return mock, NewRepository(mock)
}

func itemRows(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
	return mock.NewRows([]string{
		"id", "tenant_id", "type", "name", "description", "category", "price",
		"currency", "image_url", "active", "created_at", "updated_at",
	})
}

func TestSearchReturnsPageAndEstimate(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectQuery("SELECT count").
		WithArgs("ten_1", "laptop").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(57))
	rows := itemRows(mock)
	for i := 0; i < 6; i++ {
		rows.AddRow("itm_"+string(rune('a'+i)), "ten_1", ItemType("product"), "Laptop", "", "electronics",
			50000.0, "KES", "", true, time.Now(), time.Now())
	}
	mock.ExpectQuery("SELECT").WithArgs("ten_1", "laptop").WillReturnRows(rows)

	res, err := repo.Search(context.Background(), "ten_1", "laptop", SearchFilters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.TotalEstimate != 57 || len(res.Items) != 6 {
		t.Fatalf("unexpected result: total=%d items=%d", res.TotalEstimate, len(res.Items))
	}
}

func TestSearchRequiresTenant(t *testing.T) {
	_, repo := newMock(t)
	if _, err := repo.Search(context.Background(), "", "laptop", SearchFilters{}); !apperr.IsCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestGetByIDCrossTenant(t *testing.T) {
	mock, repo := newMock(t)
	mock.ExpectQuery("SELECT").WithArgs("itm_1", "ten_other").WillReturnRows(itemRows(mock))
	if _, err := repo.GetByID(context.Background(), "ten_other", "itm_1"); !apperr.IsCode(err, apperr.CodeResourceNotFound) {
		t.Fatalf("expected RESOURCE_NOT_FOUND, got %v", err)
	}
}
