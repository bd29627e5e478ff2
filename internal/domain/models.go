package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Ingredient struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Stock     decimal.Decimal `json:"stock"`
	MinStock  decimal.Decimal `json:"min_stock"`
	CostCents int64           `json:"cost_cents"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type IngredientCreateRequest struct {
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Stock     decimal.Decimal `json:"stock"`
	MinStock  decimal.Decimal `json:"min_stock"`
	CostCents int64           `json:"cost_cents"`
}

type IngredientUpdateRequest struct {
	Name      *string          `json:"name,omitempty"`
	Unit      *string          `json:"unit,omitempty"`
	MinStock  *decimal.Decimal `json:"min_stock,omitempty"`
	CostCents *int64           `json:"cost_cents,omitempty"`
}

type RecipeLine struct {
	IngredientID string          `json:"ingredient_id"`
	Qty          decimal.Decimal `json:"qty"`
}

type Product struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Category   string       `json:"category"`
	PriceCents int64        `json:"price_cents"`
	Active     bool         `json:"active"`
	Recipe     []RecipeLine `json:"recipe"`
	CreatedAt  time.Time    `json:"created_at"`
}

type ProductCreateRequest struct {
	Name       string       `json:"name"`
	Category   string       `json:"category"`
	PriceCents int64        `json:"price_cents"`
	Recipe     []RecipeLine `json:"recipe"`
}

type ProductUpdateRequest struct {
	Name       *string      `json:"name,omitempty"`
	Category   *string      `json:"category,omitempty"`
	PriceCents *int64       `json:"price_cents,omitempty"`
	Active     *bool        `json:"active,omitempty"`
	Recipe     []RecipeLine `json:"recipe,omitempty"`
}

// ProductAvailability carries the units of a product the current ingredient
// stock can produce. A product with no recipe always reports zero.
type ProductAvailability struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	PriceCents     int64  `json:"price_cents"`
	AvailableUnits int64  `json:"available_units"`
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsCredit bool   `json:"is_credit"`
	Active   bool   `json:"active"`
}

type Shift struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	StartMinutes int    `json:"start_minutes"`
	EndMinutes   int    `json:"end_minutes"`
}

type SaleItem struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Qty            int64  `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type SalePayment struct {
	MethodID    string `json:"method_id"`
	MethodName  string `json:"method_name"`
	AmountCents int64  `json:"amount_cents"`
}

type Sale struct {
	ID              string        `json:"id"`
	SellerID        string        `json:"seller_id"`
	SellerName      string        `json:"seller_name"`
	ShiftID         string        `json:"shift_id"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
	TotalCents      int64         `json:"total_cents"`
	Status          string        `json:"status"`
	PaymentStatus   string        `json:"payment_status"`
	SettledMethodID string        `json:"settled_method_id,omitempty"`
	SettledAt       *time.Time    `json:"settled_at,omitempty"`
	VoidedAt        *time.Time    `json:"voided_at,omitempty"`
	VoidReason      string        `json:"void_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Items           []SaleItem    `json:"items"`
	Payments        []SalePayment `json:"payments"`
}

type SaleItemRequest struct {
	ProductID string `json:"product_id"`
	Qty       int64  `json:"qty"`
}

type SalePaymentRequest struct {
	MethodID    string `json:"method_id"`
	AmountCents int64  `json:"amount_cents"`
}

type CreateSaleRequest struct {
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	ShiftID        string               `json:"shift_id,omitempty"`
	TotalCents     int64                `json:"total_cents"`
	Items          []SaleItemRequest    `json:"items"`
	Payments       []SalePaymentRequest `json:"payments"`
}

type CreateSaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type MarkSaleAsPaidRequest struct {
	MethodID string `json:"method_id"`
}

type VoidSaleRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type AssignmentItem struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	AssignedQty    int64  `json:"assigned_qty"`
	ReturnedQty    int64  `json:"returned_qty"`
	SoldQty        int64  `json:"sold_qty"`
}

type RunnerAssignment struct {
	ID             string           `json:"id"`
	RunnerID       string           `json:"runner_id"`
	RunnerName     string           `json:"runner_name"`
	AssignedBy     string           `json:"assigned_by"`
	ShiftID        string           `json:"shift_id"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	Items          []AssignmentItem `json:"items"`
}

type AssignmentItemRequest struct {
	ProductID string `json:"product_id"`
	Qty       int64  `json:"qty"`
}

type AssignInventoryRequest struct {
	RunnerID       string                  `json:"runner_id"`
	ShiftID        string                  `json:"shift_id,omitempty"`
	Notes          string                  `json:"notes,omitempty"`
	IdempotencyKey string                  `json:"idempotency_key,omitempty"`
	Items          []AssignmentItemRequest `json:"items"`
}

type AssignInventoryResponse struct {
	Assignment RunnerAssignment `json:"assignment"`
	Duplicate  bool             `json:"duplicate"`
}

type ReturnItemRequest struct {
	ProductID   string `json:"product_id"`
	ReturnedQty int64  `json:"returned_qty"`
}

type ReturnInventoryRequest struct {
	Items []ReturnItemRequest `json:"items"`
}

type AuditItemRequest struct {
	IngredientID  string           `json:"ingredient_id"`
	CountedStock  decimal.Decimal  `json:"counted_stock"`
	ExpectedStock *decimal.Decimal `json:"expected_stock,omitempty"`
}

type CommitAuditRequest struct {
	Notes string             `json:"notes"`
	Items []AuditItemRequest `json:"items"`
}

type AuditItem struct {
	IngredientID  string          `json:"ingredient_id"`
	Name          string          `json:"name"`
	PreviousStock decimal.Decimal `json:"previous_stock"`
	CountedStock  decimal.Decimal `json:"counted_stock"`
	Delta         decimal.Decimal `json:"delta"`
}

type InventoryAudit struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	UserName  string      `json:"user_name"`
	Notes     string      `json:"notes,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Items     []AuditItem `json:"items"`
}

type Expense struct {
	ID           string          `json:"id"`
	Category     string          `json:"category"`
	Description  string          `json:"description"`
	AmountCents  int64           `json:"amount_cents"`
	IngredientID string          `json:"ingredient_id,omitempty"`
	Qty          decimal.Decimal `json:"qty,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
}

type InventoryPurchaseRequest struct {
	IngredientID string          `json:"ingredient_id"`
	Qty          decimal.Decimal `json:"qty"`
	AmountCents  int64           `json:"amount_cents"`
	Description  string          `json:"description,omitempty"`
}

type EmployeeMeal struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id"`
	ProductID  string    `json:"product_id"`
	Qty        int64     `json:"qty"`
	RecordedBy string    `json:"recorded_by"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type EmployeeMealRequest struct {
	EmployeeID string `json:"employee_id"`
	ProductID  string `json:"product_id"`
	Qty        int64  `json:"qty"`
	Notes      string `json:"notes,omitempty"`
}

type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileAccount is an internal persistence model for auth credentials.
type ProfileAccount struct {
	ID           string
	Name         string
	Username     string
	PasswordHash string
	PINHash      string
	Role         string
	Active       bool
	CreatedAt    time.Time
}

type ProfileCreateRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	ID       string
	Username string
	Name     string
	Role     string
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type ShiftSalesReport struct {
	Date             string `json:"date"`
	ShiftID          string `json:"shift_id,omitempty"`
	Sales            []Sale `json:"sales"`
	TransactionCount int64  `json:"transaction_count"`
	TotalCents       int64  `json:"total_cents"`
}

type PaymentMethodTotal struct {
	MethodID     string `json:"method_id"`
	MethodName   string `json:"method_name"`
	Transactions int64  `json:"transactions"`
	TotalCents   int64  `json:"total_cents"`
}

type PaymentMethodsReport struct {
	From    string               `json:"from"`
	To      string               `json:"to"`
	Methods []PaymentMethodTotal `json:"methods"`
}

type DailyStat struct {
	Date          string `json:"date"`
	SalesCents    int64  `json:"sales_cents"`
	ExpensesCents int64  `json:"expenses_cents"`
	ProfitCents   int64  `json:"profit_cents"`
}

type ProductInsight struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitsSold int64  `json:"units_sold"`
}

type MonthlyReport struct {
	Year          int             `json:"year"`
	Month         int             `json:"month"`
	DailyStats    []DailyStat     `json:"daily_stats"`
	SalesCents    int64           `json:"total_sales_cents"`
	ExpensesCents int64           `json:"total_expenses_cents"`
	ProfitCents   int64           `json:"net_profit_cents"`
	BestProduct   *ProductInsight `json:"best_product,omitempty"`
	WorstProduct  *ProductInsight `json:"worst_product,omitempty"`
}

type ExpenseCategoryTotal struct {
	Category   string `json:"category"`
	TotalCents int64  `json:"total_cents"`
}

type SellerTotal struct {
	SellerID   string `json:"seller_id"`
	SellerName string `json:"seller_name"`
	TotalCents int64  `json:"total_cents"`
}

type ProfitLossReport struct {
	From             string                 `json:"from"`
	To               string                 `json:"to"`
	SalesCents       int64                  `json:"total_sales_cents"`
	ExpensesCents    int64                  `json:"total_expenses_cents"`
	ProfitCents      int64                  `json:"net_profit_cents"`
	ExpenseBreakdown []ExpenseCategoryTotal `json:"expense_breakdown"`
	SalesByMethod    []PaymentMethodTotal   `json:"sales_by_method"`
	SalesBySeller    []SellerTotal          `json:"sales_by_seller"`
}

type RunnerSummary struct {
	RunnerID          string             `json:"runner_id,omitempty"`
	From              string             `json:"from"`
	To                string             `json:"to"`
	TotalAssigned     int64              `json:"total_assigned"`
	TotalReturned     int64              `json:"total_returned"`
	TotalSold         int64              `json:"total_sold"`
	TotalValueCents   int64              `json:"total_value_cents"`
	ActiveAssignments int64              `json:"active_assignments"`
	Assignments       []RunnerAssignment `json:"assignments"`
}

type RunnerDailySales struct {
	Date            string `json:"date"`
	RunnerID        string `json:"runner_id"`
	RunnerName      string `json:"runner_name"`
	SoldValueCents  int64  `json:"sold_value_cents"`
	AssignmentCount int64  `json:"assignment_count"`
}

type Receivable struct {
	Sale    Sale  `json:"sale"`
	AgeDays int64 `json:"age_days"`
}

type ReceivablesReport struct {
	Receivables []Receivable `json:"receivables"`
	Count       int64        `json:"count"`
	TotalCents  int64        `json:"total_cents"`
}

const (
	SaleStatusConfirmed = "confirmed"
	SaleStatusVoid      = "void"
)

const (
	PaymentStatusPaid    = "paid"
	PaymentStatusPending = "pending"
)

const (
	AssignmentStatusActive    = "active"
	AssignmentStatusClosed    = "closed"
	AssignmentStatusCancelled = "cancelled"
)

const (
	ExpenseCategoryGeneral   = "general"
	ExpenseCategoryInventory = "inventory"
)

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
	RoleRunner = "runner"
)

// Sold derives the units a runner sold. It is never stored.
func (i AssignmentItem) Sold() int64 {
	return i.AssignedQty - i.ReturnedQty
}
