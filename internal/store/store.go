package store

import (
	"context"
	"errors"
	"time"

	"ventapos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrAmountMismatch     = errors.New("amount mismatch")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidSettlement  = errors.New("invalid settlement")
	ErrNothingToCommit    = errors.New("nothing to commit")
	ErrStockConflict      = errors.New("stock conflict")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

type Repository interface {
	ListIngredients(ctx context.Context) ([]domain.Ingredient, error)
	GetIngredientByID(ctx context.Context, id string) (*domain.Ingredient, error)
	CreateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error)
	UpdateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
	ListShifts(ctx context.Context) ([]domain.Shift, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	MarkSaleAsPaid(ctx context.Context, saleID string, methodID string, at time.Time) (*domain.Sale, error)
	VoidSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, shiftID string) ([]domain.Sale, error)
	ListPendingSales(ctx context.Context) ([]domain.Sale, error)

	CreateAssignment(ctx context.Context, assignment domain.RunnerAssignment) (*domain.RunnerAssignment, error)
	FindAssignmentByID(ctx context.Context, id string) (*domain.RunnerAssignment, error)
	FindAssignmentByIdempotency(ctx context.Context, key string) (*domain.RunnerAssignment, error)
	ReturnAssignment(ctx context.Context, assignmentID string, returns []domain.ReturnItemRequest, at time.Time) (*domain.RunnerAssignment, error)
	CancelAssignment(ctx context.Context, assignmentID string, at time.Time) (*domain.RunnerAssignment, error)
	ListAssignments(ctx context.Context, runnerID string, from time.Time, to time.Time) ([]domain.RunnerAssignment, error)

	CommitAudit(ctx context.Context, userID string, notes string, items []domain.AuditItemRequest, at time.Time) (*domain.InventoryAudit, error)
	ListAudits(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.InventoryAudit, error)

	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.Expense, error)

	CreateEmployeeMeal(ctx context.Context, meal domain.EmployeeMeal) (*domain.EmployeeMeal, error)
	ListEmployeeMeals(ctx context.Context, from time.Time, to time.Time) ([]domain.EmployeeMeal, error)

	CreateProfile(ctx context.Context, profile domain.ProfileAccount) error
	GetProfileByUsername(ctx context.Context, username string) (*domain.ProfileAccount, error)
	GetProfileByID(ctx context.Context, id string) (*domain.ProfileAccount, error)
	ListProfiles(ctx context.Context) ([]domain.ProfileAccount, error)
	UpdateProfilePassword(ctx context.Context, username string, passwordHash string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
