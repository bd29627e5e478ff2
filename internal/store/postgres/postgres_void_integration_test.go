package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/store"
)

func TestVoidSaleRestocksIngredients(t *testing.T) {
	databaseURL := os.Getenv("VENTAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set VENTAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	ingredientID := fmt.Sprintf("ing-void-it-%d", stamp)
	productID := fmt.Sprintf("prod-void-it-%d", stamp)
	methodID := fmt.Sprintf("pm-void-it-%d", stamp)
	sellerID := fmt.Sprintf("prof-void-it-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-void-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_payments WHERE sale_id IN (SELECT id FROM sales WHERE idempotency_key = $1)`, idempotencyKey)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE idempotency_key = $1)`, idempotencyKey)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE idempotency_key = $1`, idempotencyKey)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_recipes WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ingredients WHERE id = $1`, ingredientID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payment_methods WHERE id = $1`, methodID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = $1`, sellerID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ingredients (id, name, unit, stock, min_stock, cost_cents, created_at, updated_at)
		VALUES ($1, 'Ingrediente Void IT', 'unidad', 10, 2, 500, now(), now())
	`, ingredientID); err != nil {
		t.Fatalf("insert ingredient: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, active, created_at)
		VALUES ($1, 'Producto Void IT', 'comida', 6000, true, now())
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO product_recipes (product_id, ingredient_id, qty)
		VALUES ($1, $2, 1)
	`, productID, ingredientID); err != nil {
		t.Fatalf("insert recipe: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_methods (id, name, is_credit, active)
		VALUES ($1, 'Efectivo IT', false, true)
	`, methodID); err != nil {
		t.Fatalf("insert payment method: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, username, password_hash, pin_hash, role, active, created_at, updated_at)
		VALUES ($1, 'Seller Void IT', $1, 'x', NULL, 'seller', true, now(), now())
	`, sellerID); err != nil {
		t.Fatalf("insert profile: %v", err)
	}

	created, err := s.CreateSale(ctx, domain.Sale{
		SellerID:       sellerID,
		IdempotencyKey: idempotencyKey,
		TotalCents:     12000,
		Items:          []domain.SaleItem{{ProductID: productID, Qty: 2}},
		Payments:       []domain.SalePayment{{MethodID: methodID, AmountCents: 12000}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	var afterSale decimal.Decimal
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM ingredients WHERE id = $1`, ingredientID).Scan(&afterSale); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if !afterSale.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected stock 8 after sale, got %s", afterSale)
	}

	voided, err := s.VoidSale(ctx, created.ID, "integration test void", time.Now().UTC())
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if voided.Status != domain.SaleStatusVoid {
		t.Fatalf("expected void status, got %s", voided.Status)
	}

	var afterVoid decimal.Decimal
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM ingredients WHERE id = $1`, ingredientID).Scan(&afterVoid); err != nil {
		t.Fatalf("query stock after void: %v", err)
	}
	if !afterVoid.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock 10 after void restock, got %s", afterVoid)
	}

	_, err = s.CreateSale(ctx, domain.Sale{
		SellerID:       sellerID,
		ShiftID:        "shift-does-not-exist",
		IdempotencyKey: idempotencyKey + "-badshift",
		TotalCents:     6000,
		Items:          []domain.SaleItem{{ProductID: productID, Qty: 1}},
		Payments:       []domain.SalePayment{{MethodID: methodID, AmountCents: 6000}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown shift, got %v", err)
	}
	var afterRejected decimal.Decimal
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM ingredients WHERE id = $1`, ingredientID).Scan(&afterRejected); err != nil {
		t.Fatalf("query stock after rejected sale: %v", err)
	}
	if !afterRejected.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("rejected sale moved stock: got %s", afterRejected)
	}
}
