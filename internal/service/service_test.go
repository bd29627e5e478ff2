package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ventapos/backend/internal/cache"
	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/store"
	"ventapos/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), cache.NoopAvailabilityCache{}, time.Second)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		ID:       "prof-admin",
		Username: "admin",
		Name:     "Administrador",
		Role:     domain.RoleAdmin,
	})
}

func sellerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		ID:       "prof-seller",
		Username: "vendedor",
		Name:     "Vendedor Caja",
		Role:     domain.RoleSeller,
	})
}

func runnerCtx(id string, username string) context.Context {
	return WithActor(context.Background(), domain.Actor{
		ID:       id,
		Username: username,
		Role:     domain.RoleRunner,
	})
}

func ingredientStock(t *testing.T, svc *Service, id string) decimal.Decimal {
	t.Helper()
	ingredients, err := svc.ListIngredients(sellerCtx())
	if err != nil {
		t.Fatalf("list ingredients failed: %v", err)
	}
	for _, ing := range ingredients {
		if ing.ID == id {
			return ing.Stock
		}
	}
	t.Fatalf("ingredient %s not found", id)
	return decimal.Zero
}

func TestCreateSaleDecrementsIngredientStock(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx()

	resp, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-stock",
		TotalCents:     3000000,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-hamburguesa", Qty: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-efectivo", AmountCents: 3000000},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("fresh sale reported as duplicate")
	}
	if resp.Sale.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected cash sale to be paid, got %s", resp.Sale.PaymentStatus)
	}
	if resp.Sale.SellerID != "prof-seller" {
		t.Fatalf("expected seller from actor, got %s", resp.Sale.SellerID)
	}

	if got := ingredientStock(t, svc, "ing-pan"); !got.Equal(decimal.RequireFromString("78")) {
		t.Fatalf("expected pan stock 78, got %s", got)
	}
	if got := ingredientStock(t, svc, "ing-carne"); !got.Equal(decimal.RequireFromString("12.2")) {
		t.Fatalf("expected carne stock 12.2, got %s", got)
	}
}

func TestCreateSaleRejectsNonPositiveItemQty(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx()

	before := ingredientStock(t, svc, "ing-salchicha")

	// One valid line and one negative line: the whole request must fail,
	// not just the bad line.
	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-negative-qty",
		TotalCents:     900000,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-perro", Qty: 1},
			{ProductID: "prod-hamburguesa", Qty: -2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-efectivo", AmountCents: 900000},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative qty line, got %v", err)
	}

	_, err = svc.CreateSale(ctx, domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-blank-product",
		TotalCents:     900000,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-perro", Qty: 1},
			{ProductID: "  ", Qty: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-efectivo", AmountCents: 900000},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank product id, got %v", err)
	}

	after := ingredientStock(t, svc, "ing-salchicha")
	if !after.Equal(before) {
		t.Fatalf("rejected sale moved stock: before=%s after=%s", before, after)
	}
}

func TestAssignInventoryRejectsNonPositiveItemQty(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	before := ingredientStock(t, svc, "ing-salchicha")

	_, err := svc.AssignInventory(ctx, domain.AssignInventoryRequest{
		RunnerID:       "prof-runner-1",
		IdempotencyKey: "idem-assign-negative-qty",
		Items: []domain.AssignmentItemRequest{
			{ProductID: "prod-perro", Qty: 10},
			{ProductID: "prod-hamburguesa", Qty: -3},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative qty line, got %v", err)
	}

	assignments, err := svc.ListAssignments(ctx, "prof-runner-1", "")
	if err != nil {
		t.Fatalf("ListAssignments: %v", err)
	}
	if len(assignments) != 0 {
		t.Fatalf("rejected dispatch created an assignment: %+v", assignments)
	}

	after := ingredientStock(t, svc, "ing-salchicha")
	if !after.Equal(before) {
		t.Fatalf("rejected dispatch moved stock: before=%s after=%s", before, after)
	}
}

func TestCreateSaleRejectsAmountMismatch(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx()

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-mismatch",
		TotalCents:     100,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-gaseosa", Qty: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-efectivo", AmountCents: 100},
		},
	})
	if !errors.Is(err, store.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch for wrong declared total, got %v", err)
	}

	_, err = svc.CreateSale(ctx, domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-short-pay",
		TotalCents:     400000,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-gaseosa", Qty: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-efectivo", AmountCents: 300000},
		},
	})
	if !errors.Is(err, store.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch for short payment, got %v", err)
	}

	if got := ingredientStock(t, svc, "ing-gaseosa"); !got.Equal(decimal.RequireFromString("48")) {
		t.Fatalf("expected stock untouched after rejected sales, got %s", got)
	}
}

func TestCreateSaleInsufficientStockLeavesNothingBehind(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx()

	_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-too-big",
		TotalCents:     400000 * 100,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-gaseosa", Qty: 100},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-efectivo", AmountCents: 400000 * 100},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	if got := ingredientStock(t, svc, "ing-gaseosa"); !got.Equal(decimal.RequireFromString("48")) {
		t.Fatalf("expected stock unchanged after failed sale, got %s", got)
	}
	if _, err := svc.GetSale(ctx, "idem-sale-too-big"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no sale persisted, got %v", err)
	}
}

func TestCreateSaleIdempotentReplay(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx()

	req := domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-replay",
		TotalCents:     400000,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-gaseosa", Qty: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-efectivo", AmountCents: 400000},
		},
	}

	first, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected replay to be flagged duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("expected same sale id on replay, got %s vs %s", second.Sale.ID, first.Sale.ID)
	}

	if got := ingredientStock(t, svc, "ing-gaseosa"); !got.Equal(decimal.RequireFromString("47")) {
		t.Fatalf("expected stock decremented exactly once, got %s", got)
	}
}

func TestCreditSaleLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx()

	resp, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-credit",
		TotalCents:     900000,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-perro", Qty: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-credito", AmountCents: 900000},
		},
	})
	if err != nil {
		t.Fatalf("credit sale failed: %v", err)
	}
	if resp.Sale.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected credit sale pending, got %s", resp.Sale.PaymentStatus)
	}

	receivables, err := svc.Receivables(adminCtx())
	if err != nil {
		t.Fatalf("receivables failed: %v", err)
	}
	if len(receivables.Receivables) != 1 || receivables.Receivables[0].Sale.ID != resp.Sale.ID {
		t.Fatalf("expected credit sale in receivables")
	}

	_, err = svc.MarkSaleAsPaid(adminCtx(), resp.Sale.ID, domain.MarkSaleAsPaidRequest{MethodID: "pm-credito"})
	if !errors.Is(err, store.ErrInvalidSettlement) {
		t.Fatalf("expected settle with credit method to fail, got %v", err)
	}

	settled, err := svc.MarkSaleAsPaid(adminCtx(), resp.Sale.ID, domain.MarkSaleAsPaidRequest{MethodID: "pm-efectivo"})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if settled.PaymentStatus != domain.PaymentStatusPaid || settled.SettledMethodID != "pm-efectivo" {
		t.Fatalf("expected settled sale, got %+v", settled)
	}

	_, err = svc.MarkSaleAsPaid(adminCtx(), resp.Sale.ID, domain.MarkSaleAsPaidRequest{MethodID: "pm-efectivo"})
	if !errors.Is(err, store.ErrInvalidSettlement) {
		t.Fatalf("expected second settle to fail, got %v", err)
	}

	after, err := svc.Receivables(adminCtx())
	if err != nil {
		t.Fatalf("receivables after settle failed: %v", err)
	}
	if len(after.Receivables) != 0 {
		t.Fatalf("expected empty receivables after settle, got %d", len(after.Receivables))
	}
}

func TestMarkSaleAsPaidRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.MarkSaleAsPaid(sellerCtx(), "sale-x", domain.MarkSaleAsPaidRequest{MethodID: "pm-efectivo"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for seller settle, got %v", err)
	}
}

func TestVoidSaleRestoresStockAndChecksPIN(t *testing.T) {
	t.Setenv("SEED_ADMIN_PIN", "739154")
	svc := newTestService()

	resp, err := svc.CreateSale(sellerCtx(), domain.CreateSaleRequest{
		IdempotencyKey: "idem-sale-void",
		TotalCents:     1500000,
		Items: []domain.SaleItemRequest{
			{ProductID: "prod-hamburguesa", Qty: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "pm-efectivo", AmountCents: 1500000},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	_, err = svc.VoidSale(adminCtx(), resp.Sale.ID, domain.VoidSaleRequest{Reason: "bad pin", ManagerPIN: "000000"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected wrong pin to be forbidden, got %v", err)
	}

	_, err = svc.VoidSale(sellerCtx(), resp.Sale.ID, domain.VoidSaleRequest{Reason: "not admin", ManagerPIN: "739154"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected seller void to be forbidden, got %v", err)
	}

	voided, err := svc.VoidSale(adminCtx(), resp.Sale.ID, domain.VoidSaleRequest{Reason: "wrong order", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if voided.Status != domain.SaleStatusVoid || voided.VoidReason != "wrong order" {
		t.Fatalf("unexpected voided sale %+v", voided)
	}

	if got := ingredientStock(t, svc, "ing-pan"); !got.Equal(decimal.RequireFromString("80")) {
		t.Fatalf("expected pan stock restored to 80, got %s", got)
	}

	_, err = svc.VoidSale(adminCtx(), resp.Sale.ID, domain.VoidSaleRequest{Reason: "again", ManagerPIN: "739154"})
	if !errors.Is(err, store.ErrInvalidSettlement) {
		t.Fatalf("expected second void to fail, got %v", err)
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	svc := newTestService()

	resp, err := svc.AssignInventory(adminCtx(), domain.AssignInventoryRequest{
		RunnerID:       "prof-runner-1",
		IdempotencyKey: "idem-asg-1",
		Items: []domain.AssignmentItemRequest{
			{ProductID: "prod-perro", Qty: 10},
		},
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if resp.Assignment.Status != domain.AssignmentStatusActive {
		t.Fatalf("expected active assignment, got %s", resp.Assignment.Status)
	}
	if got := ingredientStock(t, svc, "ing-salchicha"); !got.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected salchicha stock 50 after dispatch, got %s", got)
	}

	// Another runner cannot touch the assignment.
	_, err = svc.ReturnInventory(runnerCtx("prof-runner-2", "maria"), resp.Assignment.ID, domain.ReturnInventoryRequest{
		Items: []domain.ReturnItemRequest{{ProductID: "prod-perro", ReturnedQty: 1}},
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected foreign return to be forbidden, got %v", err)
	}

	closed, err := svc.ReturnInventory(runnerCtx("prof-runner-1", "carlos"), resp.Assignment.ID, domain.ReturnInventoryRequest{
		Items: []domain.ReturnItemRequest{{ProductID: "prod-perro", ReturnedQty: 4}},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if closed.Status != domain.AssignmentStatusClosed {
		t.Fatalf("expected closed assignment, got %s", closed.Status)
	}
	if closed.Items[0].SoldQty != 6 {
		t.Fatalf("expected sold qty 6, got %d", closed.Items[0].SoldQty)
	}
	if got := ingredientStock(t, svc, "ing-salchicha"); !got.Equal(decimal.RequireFromString("54")) {
		t.Fatalf("expected salchicha stock 54 after return, got %s", got)
	}

	_, err = svc.ReturnInventory(runnerCtx("prof-runner-1", "carlos"), resp.Assignment.ID, domain.ReturnInventoryRequest{})
	if !errors.Is(err, store.ErrInvalidSettlement) {
		t.Fatalf("expected second return to fail, got %v", err)
	}
}

func TestReturnRejectsOverReturn(t *testing.T) {
	svc := newTestService()

	resp, err := svc.AssignInventory(adminCtx(), domain.AssignInventoryRequest{
		RunnerID:       "prof-runner-1",
		IdempotencyKey: "idem-asg-over",
		Items: []domain.AssignmentItemRequest{
			{ProductID: "prod-gaseosa", Qty: 5},
		},
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	_, err = svc.ReturnInventory(adminCtx(), resp.Assignment.ID, domain.ReturnInventoryRequest{
		Items: []domain.ReturnItemRequest{{ProductID: "prod-gaseosa", ReturnedQty: 6}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected over-return to be rejected, got %v", err)
	}

	current, err := svc.GetAssignment(adminCtx(), resp.Assignment.ID)
	if err != nil {
		t.Fatalf("get assignment failed: %v", err)
	}
	if current.Status != domain.AssignmentStatusActive {
		t.Fatalf("expected assignment still active after rejected return, got %s", current.Status)
	}
	if got := ingredientStock(t, svc, "ing-gaseosa"); !got.Equal(decimal.RequireFromString("43")) {
		t.Fatalf("expected stock unchanged by rejected return, got %s", got)
	}
}

func TestCancelAssignmentRestoresEverything(t *testing.T) {
	svc := newTestService()

	resp, err := svc.AssignInventory(adminCtx(), domain.AssignInventoryRequest{
		RunnerID:       "prof-runner-2",
		IdempotencyKey: "idem-asg-cancel",
		Items: []domain.AssignmentItemRequest{
			{ProductID: "prod-gaseosa", Qty: 8},
		},
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	cancelled, err := svc.CancelAssignment(adminCtx(), resp.Assignment.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.AssignmentStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}
	if cancelled.Items[0].SoldQty != 0 {
		t.Fatalf("expected zero sold on cancel, got %d", cancelled.Items[0].SoldQty)
	}
	if got := ingredientStock(t, svc, "ing-gaseosa"); !got.Equal(decimal.RequireFromString("48")) {
		t.Fatalf("expected full restock after cancel, got %s", got)
	}
}

func TestCommitInventoryAudit(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CommitInventoryAudit(ctx, domain.CommitAuditRequest{})
	if !errors.Is(err, store.ErrNothingToCommit) {
		t.Fatalf("expected empty audit to be rejected, got %v", err)
	}

	expected := decimal.RequireFromString("99")
	_, err = svc.CommitInventoryAudit(ctx, domain.CommitAuditRequest{
		Items: []domain.AuditItemRequest{
			{IngredientID: "ing-pan", CountedStock: decimal.RequireFromString("75"), ExpectedStock: &expected},
		},
	})
	if !errors.Is(err, store.ErrStockConflict) {
		t.Fatalf("expected stale expected stock to conflict, got %v", err)
	}

	audit, err := svc.CommitInventoryAudit(ctx, domain.CommitAuditRequest{
		Notes: "cierre del dia",
		Items: []domain.AuditItemRequest{
			{IngredientID: "ing-pan", CountedStock: decimal.RequireFromString("75")},
		},
	})
	if err != nil {
		t.Fatalf("commit audit failed: %v", err)
	}
	if !audit.Items[0].Delta.Equal(decimal.RequireFromString("-5")) {
		t.Fatalf("expected delta -5, got %s", audit.Items[0].Delta)
	}

	if got := ingredientStock(t, svc, "ing-pan"); !got.Equal(decimal.RequireFromString("75")) {
		t.Fatalf("expected counted stock applied, got %s", got)
	}
	// Uncounted ingredients stay put.
	if got := ingredientStock(t, svc, "ing-carne"); !got.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("expected uncounted stock untouched, got %s", got)
	}

	_, err = svc.CommitInventoryAudit(sellerCtx(), domain.CommitAuditRequest{
		Items: []domain.AuditItemRequest{
			{IngredientID: "ing-pan", CountedStock: decimal.RequireFromString("10")},
		},
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected seller audit to be forbidden, got %v", err)
	}
}

func TestInventoryPurchaseIncreasesStock(t *testing.T) {
	svc := newTestService()

	expense, err := svc.RegisterInventoryPurchase(adminCtx(), domain.InventoryPurchaseRequest{
		IngredientID: "ing-papa",
		Qty:          decimal.RequireFromString("10"),
		AmountCents:  4500000,
	})
	if err != nil {
		t.Fatalf("inventory purchase failed: %v", err)
	}
	if expense.Category != domain.ExpenseCategoryInventory {
		t.Fatalf("expected inventory category, got %s", expense.Category)
	}
	if expense.Description == "" {
		t.Fatalf("expected generated description")
	}
	if got := ingredientStock(t, svc, "ing-papa"); !got.Equal(decimal.RequireFromString("35")) {
		t.Fatalf("expected papa stock 35, got %s", got)
	}
}

func TestEmployeeMealConsumesStock(t *testing.T) {
	svc := newTestService()

	_, err := svc.RecordEmployeeMeal(sellerCtx(), domain.EmployeeMealRequest{
		EmployeeID: "prof-runner-1",
		ProductID:  "prod-papas",
		Qty:        2,
	})
	if err != nil {
		t.Fatalf("employee meal failed: %v", err)
	}
	if got := ingredientStock(t, svc, "ing-papa"); !got.Equal(decimal.RequireFromString("24.5")) {
		t.Fatalf("expected papa stock 24.5 after meal, got %s", got)
	}
}

func TestProductAvailabilityFloorsOverRecipe(t *testing.T) {
	svc := newTestService()

	availability, err := svc.ProductAvailability(sellerCtx())
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}

	byProduct := map[string]int64{}
	for _, item := range availability {
		byProduct[item.ProductID] = item.AvailableUnits
	}
	// Hamburguesa: pan 80, carne 12.5/0.15=83, queso 6/0.03=200 -> 80.
	if byProduct["prod-hamburguesa"] != 80 {
		t.Fatalf("expected 80 hamburguesas available, got %d", byProduct["prod-hamburguesa"])
	}
	// Perro: pan 80, salchicha 60 -> 60.
	if byProduct["prod-perro"] != 60 {
		t.Fatalf("expected 60 perros available, got %d", byProduct["prod-perro"])
	}
}

func TestLowStockUsesMinStockThreshold(t *testing.T) {
	svc := newTestService()

	_, err := svc.CommitInventoryAudit(adminCtx(), domain.CommitAuditRequest{
		Items: []domain.AuditItemRequest{
			{IngredientID: "ing-queso", CountedStock: decimal.RequireFromString("1")},
		},
	})
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}

	low, err := svc.LowStock(adminCtx())
	if err != nil {
		t.Fatalf("low stock failed: %v", err)
	}
	found := false
	for _, ing := range low {
		if ing.ID == "ing-queso" {
			found = true
		}
		if ing.ID == "ing-pan" {
			t.Fatalf("did not expect pan in low stock")
		}
	}
	if !found {
		t.Fatalf("expected queso below min stock")
	}
}

func TestShiftSalesExcludesVoided(t *testing.T) {
	t.Setenv("SEED_ADMIN_PIN", "739154")
	svc := newTestService()

	kept, err := svc.CreateSale(sellerCtx(), domain.CreateSaleRequest{
		IdempotencyKey: "idem-report-kept",
		TotalCents:     400000,
		Items:          []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 1}},
		Payments:       []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 400000}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	voided, err := svc.CreateSale(sellerCtx(), domain.CreateSaleRequest{
		IdempotencyKey: "idem-report-voided",
		TotalCents:     400000,
		Items:          []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 1}},
		Payments:       []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 400000}},
	})
	if err != nil {
		t.Fatalf("create second sale failed: %v", err)
	}
	if _, err := svc.VoidSale(adminCtx(), voided.Sale.ID, domain.VoidSaleRequest{Reason: "test", ManagerPIN: "739154"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	report, err := svc.ShiftSales(sellerCtx(), "", "")
	if err != nil {
		t.Fatalf("shift sales failed: %v", err)
	}
	if report.TransactionCount != 1 {
		t.Fatalf("expected one counted sale, got %d", report.TransactionCount)
	}
	if report.TotalCents != kept.Sale.TotalCents {
		t.Fatalf("expected total %d, got %d", kept.Sale.TotalCents, report.TotalCents)
	}
}

func TestMonthlyReportRequiresAdmin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.MonthlyReport(sellerCtx(), 2026, 8); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected monthly report to be admin only, got %v", err)
	}
	if _, err := svc.ProfitLoss(sellerCtx(), "", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected profit loss to be admin only, got %v", err)
	}
}

func TestRunnerSummaryScopesToOwnAssignments(t *testing.T) {
	svc := newTestService()

	_, err := svc.AssignInventory(adminCtx(), domain.AssignInventoryRequest{
		RunnerID:       "prof-runner-1",
		IdempotencyKey: "idem-summary-1",
		Items:          []domain.AssignmentItemRequest{{ProductID: "prod-gaseosa", Qty: 3}},
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	_, err = svc.AssignInventory(adminCtx(), domain.AssignInventoryRequest{
		RunnerID:       "prof-runner-2",
		IdempotencyKey: "idem-summary-2",
		Items:          []domain.AssignmentItemRequest{{ProductID: "prod-gaseosa", Qty: 5}},
	})
	if err != nil {
		t.Fatalf("second assign failed: %v", err)
	}

	// A runner asking for someone else's summary still gets their own.
	summary, err := svc.RunnerSummary(runnerCtx("prof-runner-1", "carlos"), "prof-runner-2", "", "")
	if err != nil {
		t.Fatalf("runner summary failed: %v", err)
	}
	if summary.TotalAssigned != 3 {
		t.Fatalf("expected runner to see only own assignments, got %d assigned", summary.TotalAssigned)
	}
	if summary.ActiveAssignments != 1 {
		t.Fatalf("expected one active assignment, got %d", summary.ActiveAssignments)
	}
}

func TestCreateSaleRequiresSellerOrAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(runnerCtx("prof-runner-1", "carlos"), domain.CreateSaleRequest{
		TotalCents: 400000,
		Items:      []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 1}},
		Payments:   []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 400000}},
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected runner sale to be forbidden, got %v", err)
	}
}

func TestLoginAndChangePassword(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-secret-1")
	svc := newTestService()

	actor, err := svc.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin-secret-1"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if actor.Role != domain.RoleAdmin || actor.ID != "prof-admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	if _, err := svc.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "wrong"}); err == nil {
		t.Fatalf("expected bad password to fail")
	}

	ctx := adminCtx()
	if err := svc.ChangePassword(ctx, "admin-secret-1", "short"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected short password to be rejected, got %v", err)
	}
	if err := svc.ChangePassword(ctx, "admin-secret-1", "much-longer-secret"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	if _, err := svc.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "much-longer-secret"}); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc := newTestService()

	const attempts = 60 // seeded gaseosa stock is 48
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.CreateSale(sellerCtx(), domain.CreateSaleRequest{
				IdempotencyKey: "idem-concurrent-" + strconv.Itoa(n),
				TotalCents:     400000,
				Items:          []domain.SaleItemRequest{{ProductID: "prod-gaseosa", Qty: 1}},
				Payments:       []domain.SalePaymentRequest{{MethodID: "pm-efectivo", AmountCents: 400000}},
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 48 {
		t.Fatalf("expected exactly 48 successful sales, got %d", successes)
	}
	if got := ingredientStock(t, svc, "ing-gaseosa"); !got.Equal(decimal.Zero) {
		t.Fatalf("expected zero stock after sellout, got %s", got)
	}
}
