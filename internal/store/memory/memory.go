package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/store"
	"ventapos/backend/internal/xid"
)

type Store struct {
	mu                sync.RWMutex
	ingredients       map[string]domain.Ingredient
	products          map[string]domain.Product
	paymentMethods    map[string]domain.PaymentMethod
	shiftsByID        map[string]domain.Shift
	salesByID         map[string]*domain.Sale
	salesByIdem       map[string]*domain.Sale
	assignmentsByID   map[string]*domain.RunnerAssignment
	assignmentsByIdem map[string]*domain.RunnerAssignment
	audits            []domain.InventoryAudit
	expenses          []domain.Expense
	meals             []domain.EmployeeMeal
	profilesByID      map[string]domain.ProfileAccount
	profilesByUser    map[string]string
	auditLogs         []domain.AuditLog
}

// seedProfiles builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_SELLER_PASSWORD and
// SEED_RUNNER_PASSWORD. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedProfiles() map[string]domain.ProfileAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	adminPIN := envOr("SEED_ADMIN_PIN", "739154")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	runnerPwd := envOr("SEED_RUNNER_PASSWORD", "runner123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD, SEED_ADMIN_PIN, SEED_SELLER_PASSWORD and SEED_RUNNER_PASSWORD to override.")
	}

	adminPINHash, err := bcrypt.GenerateFromPassword([]byte(adminPIN), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed admin pin: %v", err)
	}

	now := time.Now().UTC()
	profiles := map[string]domain.ProfileAccount{}
	for _, p := range []struct {
		id       string
		name     string
		username string
		password string
		role     string
	}{
		{"prof-admin", "Administrador", "admin", adminPwd, domain.RoleAdmin},
		{"prof-seller", "Vendedor Caja", "vendedor", sellerPwd, domain.RoleSeller},
		{"prof-runner-1", "Carlos Ruiz", "carlos", runnerPwd, domain.RoleRunner},
		{"prof-runner-2", "Maria Lopez", "maria", runnerPwd, domain.RoleRunner},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", p.username, err)
		}
		account := domain.ProfileAccount{
			ID:           p.id,
			Name:         p.name,
			Username:     p.username,
			PasswordHash: string(hash),
			Role:         p.role,
			Active:       true,
			CreatedAt:    now,
		}
		if p.role == domain.RoleAdmin {
			account.PINHash = string(adminPINHash)
		}
		profiles[p.id] = account
	}
	return profiles
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	ingredients := []domain.Ingredient{
		{ID: "ing-pan", Name: "Pan de hamburguesa", Unit: "unidad", Stock: dec("80"), MinStock: dec("20"), CostCents: 800},
		{ID: "ing-carne", Name: "Carne de res", Unit: "kg", Stock: dec("12.5"), MinStock: dec("3"), CostCents: 2800000},
		{ID: "ing-queso", Name: "Queso", Unit: "kg", Stock: dec("6"), MinStock: dec("1.5"), CostCents: 2400000},
		{ID: "ing-papa", Name: "Papa criolla", Unit: "kg", Stock: dec("25"), MinStock: dec("5"), CostCents: 450000},
		{ID: "ing-salchicha", Name: "Salchicha", Unit: "unidad", Stock: dec("60"), MinStock: dec("15"), CostCents: 1200},
		{ID: "ing-gaseosa", Name: "Gaseosa 350ml", Unit: "unidad", Stock: dec("48"), MinStock: dec("12"), CostCents: 1800},
		{ID: "ing-arepa", Name: "Arepa de maiz", Unit: "unidad", Stock: dec("40"), MinStock: dec("10"), CostCents: 900},
		{ID: "ing-pollo", Name: "Pollo desmechado", Unit: "kg", Stock: dec("8"), MinStock: dec("2"), CostCents: 1900000},
	}

	products := []domain.Product{
		{ID: "prod-hamburguesa", Name: "Hamburguesa clasica", Category: "comida", PriceCents: 1500000, Active: true, Recipe: []domain.RecipeLine{
			{IngredientID: "ing-pan", Qty: dec("1")},
			{IngredientID: "ing-carne", Qty: dec("0.15")},
			{IngredientID: "ing-queso", Qty: dec("0.03")},
		}},
		{ID: "prod-perro", Name: "Perro caliente", Category: "comida", PriceCents: 900000, Active: true, Recipe: []domain.RecipeLine{
			{IngredientID: "ing-pan", Qty: dec("1")},
			{IngredientID: "ing-salchicha", Qty: dec("1")},
		}},
		{ID: "prod-papas", Name: "Papas fritas", Category: "acompanamiento", PriceCents: 600000, Active: true, Recipe: []domain.RecipeLine{
			{IngredientID: "ing-papa", Qty: dec("0.25")},
		}},
		{ID: "prod-arepa-pollo", Name: "Arepa de pollo", Category: "comida", PriceCents: 1100000, Active: true, Recipe: []domain.RecipeLine{
			{IngredientID: "ing-arepa", Qty: dec("1")},
			{IngredientID: "ing-pollo", Qty: dec("0.12")},
			{IngredientID: "ing-queso", Qty: dec("0.02")},
		}},
		{ID: "prod-gaseosa", Name: "Gaseosa", Category: "bebida", PriceCents: 400000, Active: true, Recipe: []domain.RecipeLine{
			{IngredientID: "ing-gaseosa", Qty: dec("1")},
		}},
	}

	methods := []domain.PaymentMethod{
		{ID: "pm-efectivo", Name: "Efectivo", IsCredit: false, Active: true},
		{ID: "pm-nequi", Name: "Nequi", IsCredit: false, Active: true},
		{ID: "pm-daviplata", Name: "Daviplata", IsCredit: false, Active: true},
		{ID: "pm-credito", Name: "Credito", IsCredit: true, Active: true},
	}

	shifts := []domain.Shift{
		{ID: "shift-manana", Name: "Manana", StartMinutes: 6 * 60, EndMinutes: 14 * 60},
		{ID: "shift-tarde", Name: "Tarde", StartMinutes: 14 * 60, EndMinutes: 22 * 60},
		{ID: "shift-noche", Name: "Noche", StartMinutes: 22 * 60, EndMinutes: 6 * 60},
	}

	ingredientMap := make(map[string]domain.Ingredient, len(ingredients))
	for _, ing := range ingredients {
		ing.CreatedAt = now
		ing.UpdatedAt = now
		ingredientMap[ing.ID] = ing
	}
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		p.CreatedAt = now
		productMap[p.ID] = p
	}
	methodMap := make(map[string]domain.PaymentMethod, len(methods))
	for _, m := range methods {
		methodMap[m.ID] = m
	}
	shiftMap := make(map[string]domain.Shift, len(shifts))
	for _, sh := range shifts {
		shiftMap[sh.ID] = sh
	}

	profiles := seedProfiles()
	byUser := make(map[string]string, len(profiles))
	for id, p := range profiles {
		byUser[p.Username] = id
	}

	return &Store{
		ingredients:       ingredientMap,
		products:          productMap,
		paymentMethods:    methodMap,
		shiftsByID:        shiftMap,
		salesByID:         make(map[string]*domain.Sale),
		salesByIdem:       make(map[string]*domain.Sale),
		assignmentsByID:   make(map[string]*domain.RunnerAssignment),
		assignmentsByIdem: make(map[string]*domain.RunnerAssignment),
		audits:            make([]domain.InventoryAudit, 0, 16),
		expenses:          make([]domain.Expense, 0, 32),
		meals:             make([]domain.EmployeeMeal, 0, 16),
		profilesByID:      profiles,
		profilesByUser:    byUser,
		auditLogs:         make([]domain.AuditLog, 0, 128),
	}
}

func (s *Store) ListIngredients(_ context.Context) ([]domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ingredients := make([]domain.Ingredient, 0, len(s.ingredients))
	for _, ing := range s.ingredients {
		ingredients = append(ingredients, ing)
	}
	slices.SortFunc(ingredients, func(a, b domain.Ingredient) int {
		return cmpString(a.Name, b.Name)
	})
	return ingredients, nil
}

func (s *Store) GetIngredientByID(_ context.Context, id string) (*domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ing, exists := s.ingredients[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyIng := ing
	return &copyIng, nil
}

func (s *Store) CreateIngredient(_ context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(ingredient.Name) == "" || strings.TrimSpace(ingredient.Unit) == "" {
		return nil, store.ErrValidation
	}
	if ingredient.Stock.IsNegative() || ingredient.MinStock.IsNegative() {
		return nil, store.ErrValidation
	}
	if ingredient.ID == "" {
		ingredient.ID = xid.New("ing")
	}
	if _, exists := s.ingredients[ingredient.ID]; exists {
		return nil, store.ErrValidation
	}
	now := time.Now().UTC()
	ingredient.CreatedAt = now
	ingredient.UpdatedAt = now
	s.ingredients[ingredient.ID] = ingredient
	created := ingredient
	return &created, nil
}

func (s *Store) UpdateIngredient(_ context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.ingredients[ingredient.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(ingredient.Name) == "" || strings.TrimSpace(ingredient.Unit) == "" {
		return nil, store.ErrValidation
	}
	if ingredient.MinStock.IsNegative() {
		return nil, store.ErrValidation
	}
	// Stock is only moved by engine operations, never by a plain update.
	ingredient.Stock = existing.Stock
	ingredient.CreatedAt = existing.CreatedAt
	ingredient.UpdatedAt = time.Now().UTC()
	s.ingredients[ingredient.ID] = ingredient
	updated := ingredient
	return &updated, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := cloneProduct(product)
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = cloneProduct(p)
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateProductLocked(product); err != nil {
		return nil, err
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrValidation
	}
	product.Active = true
	product.CreatedAt = time.Now().UTC()
	s.products[product.ID] = cloneProduct(product)
	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if err := s.validateProductLocked(product); err != nil {
		return nil, err
	}
	product.CreatedAt = existing.CreatedAt
	s.products[product.ID] = cloneProduct(product)
	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) validateProductLocked(product domain.Product) error {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" || product.PriceCents < 1 {
		return store.ErrValidation
	}
	seen := map[string]struct{}{}
	for _, line := range product.Recipe {
		if _, exists := s.ingredients[line.IngredientID]; !exists {
			return fmt.Errorf("%w: unknown ingredient %s", store.ErrValidation, line.IngredientID)
		}
		if !line.Qty.IsPositive() {
			return store.ErrValidation
		}
		if _, dup := seen[line.IngredientID]; dup {
			return store.ErrValidation
		}
		seen[line.IngredientID] = struct{}{}
	}
	return nil
}

func (s *Store) ListPaymentMethods(_ context.Context) ([]domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := make([]domain.PaymentMethod, 0, len(s.paymentMethods))
	for _, m := range s.paymentMethods {
		methods = append(methods, m)
	}
	slices.SortFunc(methods, func(a, b domain.PaymentMethod) int {
		return cmpString(a.ID, b.ID)
	})
	return methods, nil
}

func (s *Store) ListShifts(_ context.Context) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shifts := make([]domain.Shift, 0, len(s.shiftsByID))
	for _, sh := range s.shiftsByID {
		shifts = append(shifts, sh)
	}
	slices.SortFunc(shifts, func(a, b domain.Shift) int {
		if a.StartMinutes == b.StartMinutes {
			return cmpString(a.ID, b.ID)
		}
		return a.StartMinutes - b.StartMinutes
	})
	return shifts, nil
}

// requiredIngredientsLocked aggregates the ingredient quantities the given
// product units consume through their recipes. Products must be active and
// carry a non-empty recipe.
func (s *Store) requiredIngredientsLocked(items []domain.SaleItem) (map[string]decimal.Decimal, error) {
	required := map[string]decimal.Decimal{}
	for _, item := range items {
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, item.ProductID)
		}
		if len(product.Recipe) == 0 {
			return nil, fmt.Errorf("%w: product %s has no recipe", store.ErrValidation, item.ProductID)
		}
		qty := decimal.NewFromInt(item.Qty)
		for _, line := range product.Recipe {
			required[line.IngredientID] = required[line.IngredientID].Add(line.Qty.Mul(qty))
		}
	}
	return required, nil
}

func (s *Store) checkStockLocked(required map[string]decimal.Decimal) error {
	ids := make([]string, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		ing, exists := s.ingredients[id]
		if !exists {
			return fmt.Errorf("%w: unknown ingredient %s", store.ErrValidation, id)
		}
		if ing.Stock.Cmp(required[id]) < 0 {
			return fmt.Errorf("%w: %s", store.ErrInsufficientStock, ing.Name)
		}
	}
	return nil
}

func (s *Store) applyStockLocked(required map[string]decimal.Decimal, sign int) {
	now := time.Now().UTC()
	for id, qty := range required {
		ing := s.ingredients[id]
		if sign < 0 {
			ing.Stock = ing.Stock.Sub(qty)
		} else {
			ing.Stock = ing.Stock.Add(qty)
		}
		ing.UpdatedAt = now
		s.ingredients[id] = ing
	}
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}
	if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
		return cloneSale(existing), nil
	}
	if len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, store.ErrValidation
	}

	seller, exists := s.profilesByID[sale.SellerID]
	if !exists || !seller.Active {
		return nil, fmt.Errorf("%w: unknown seller", store.ErrValidation)
	}
	if sale.ShiftID != "" {
		if _, exists := s.shiftsByID[sale.ShiftID]; !exists {
			return nil, fmt.Errorf("%w: unknown shift", store.ErrValidation)
		}
	}

	total := int64(0)
	items := make([]domain.SaleItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, store.ErrValidation
		}
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, item.ProductID)
		}
		line := domain.SaleItem{
			ProductID:      item.ProductID,
			Name:           product.Name,
			Qty:            item.Qty,
			UnitPriceCents: product.PriceCents,
			LineTotalCents: item.Qty * product.PriceCents,
		}
		items = append(items, line)
		total += line.LineTotalCents
	}
	if sale.TotalCents != total {
		return nil, store.ErrAmountMismatch
	}

	paid := int64(0)
	hasCredit := false
	payments := make([]domain.SalePayment, 0, len(sale.Payments))
	for _, p := range sale.Payments {
		if p.AmountCents < 1 {
			return nil, store.ErrValidation
		}
		method, exists := s.paymentMethods[p.MethodID]
		if !exists || !method.Active {
			return nil, fmt.Errorf("%w: unknown payment method %s", store.ErrValidation, p.MethodID)
		}
		if method.IsCredit {
			hasCredit = true
		}
		payments = append(payments, domain.SalePayment{
			MethodID:    method.ID,
			MethodName:  method.Name,
			AmountCents: p.AmountCents,
		})
		paid += p.AmountCents
	}
	if paid != total {
		return nil, store.ErrAmountMismatch
	}

	required, err := s.requiredIngredientsLocked(items)
	if err != nil {
		return nil, err
	}
	if err := s.checkStockLocked(required); err != nil {
		return nil, err
	}
	s.applyStockLocked(required, -1)

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.SellerName = seller.Name
	sale.Items = items
	sale.Payments = payments
	sale.TotalCents = total
	sale.Status = domain.SaleStatusConfirmed
	if hasCredit {
		sale.PaymentStatus = domain.PaymentStatusPending
	} else {
		sale.PaymentStatus = domain.PaymentStatusPaid
	}

	saleCopy := cloneSale(&sale)
	s.salesByID[sale.ID] = saleCopy
	s.salesByIdem[sale.IdempotencyKey] = saleCopy
	return cloneSale(saleCopy), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) MarkSaleAsPaid(_ context.Context, saleID string, methodID string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusConfirmed || sale.PaymentStatus != domain.PaymentStatusPending {
		return nil, store.ErrInvalidSettlement
	}
	method, exists := s.paymentMethods[methodID]
	if !exists || !method.Active {
		return nil, fmt.Errorf("%w: unknown payment method %s", store.ErrValidation, methodID)
	}
	if method.IsCredit {
		return nil, store.ErrInvalidSettlement
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	sale.PaymentStatus = domain.PaymentStatusPaid
	sale.SettledMethodID = method.ID
	sale.SettledAt = &at
	return cloneSale(sale), nil
}

func (s *Store) VoidSale(_ context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusConfirmed {
		return nil, store.ErrInvalidSettlement
	}

	required, err := s.requiredIngredientsLocked(sale.Items)
	if err != nil {
		return nil, err
	}
	s.applyStockLocked(required, 1)

	if at.IsZero() {
		at = time.Now().UTC()
	}
	sale.Status = domain.SaleStatusVoid
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, shiftID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		if shiftID != "" && sale.ShiftID != shiftID {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ListPendingSales(_ context.Context) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 16)
	for _, sale := range s.salesByID {
		if sale.Status != domain.SaleStatusConfirmed || sale.PaymentStatus != domain.PaymentStatusPending {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CreateAssignment(_ context.Context, assignment domain.RunnerAssignment) (*domain.RunnerAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if assignment.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}
	if existing, ok := s.assignmentsByIdem[assignment.IdempotencyKey]; ok {
		return cloneAssignment(existing), nil
	}
	if len(assignment.Items) == 0 {
		return nil, store.ErrValidation
	}

	runner, exists := s.profilesByID[assignment.RunnerID]
	if !exists || !runner.Active || runner.Role != domain.RoleRunner {
		return nil, fmt.Errorf("%w: unknown runner", store.ErrValidation)
	}
	if assignment.ShiftID != "" {
		if _, exists := s.shiftsByID[assignment.ShiftID]; !exists {
			return nil, fmt.Errorf("%w: unknown shift", store.ErrValidation)
		}
	}

	saleItems := make([]domain.SaleItem, 0, len(assignment.Items))
	items := make([]domain.AssignmentItem, 0, len(assignment.Items))
	for _, item := range assignment.Items {
		if item.AssignedQty < 1 {
			return nil, store.ErrValidation
		}
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, item.ProductID)
		}
		items = append(items, domain.AssignmentItem{
			ProductID:      item.ProductID,
			Name:           product.Name,
			UnitPriceCents: product.PriceCents,
			AssignedQty:    item.AssignedQty,
		})
		saleItems = append(saleItems, domain.SaleItem{ProductID: item.ProductID, Qty: item.AssignedQty})
	}

	required, err := s.requiredIngredientsLocked(saleItems)
	if err != nil {
		return nil, err
	}
	if err := s.checkStockLocked(required); err != nil {
		return nil, err
	}
	s.applyStockLocked(required, -1)

	if assignment.ID == "" {
		assignment.ID = xid.New("asg")
	}
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = time.Now().UTC()
	}
	assignment.RunnerName = runner.Name
	assignment.Items = items
	assignment.Status = domain.AssignmentStatusActive

	copyAsg := cloneAssignment(&assignment)
	s.assignmentsByID[assignment.ID] = copyAsg
	s.assignmentsByIdem[assignment.IdempotencyKey] = copyAsg
	return cloneAssignment(copyAsg), nil
}

func (s *Store) FindAssignmentByID(_ context.Context, id string) (*domain.RunnerAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assignment, ok := s.assignmentsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAssignment(assignment), nil
}

func (s *Store) FindAssignmentByIdempotency(_ context.Context, key string) (*domain.RunnerAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assignment, ok := s.assignmentsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAssignment(assignment), nil
}

func (s *Store) ReturnAssignment(_ context.Context, assignmentID string, returns []domain.ReturnItemRequest, at time.Time) (*domain.RunnerAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assignment, ok := s.assignmentsByID[assignmentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if assignment.Status != domain.AssignmentStatusActive {
		return nil, store.ErrInvalidSettlement
	}

	byProduct := make(map[string]int64, len(returns))
	for _, r := range returns {
		if r.ReturnedQty < 0 {
			return nil, store.ErrValidation
		}
		if _, dup := byProduct[r.ProductID]; dup {
			return nil, store.ErrValidation
		}
		byProduct[r.ProductID] = r.ReturnedQty
	}

	restoreItems := make([]domain.SaleItem, 0, len(assignment.Items))
	for _, item := range assignment.Items {
		returned := byProduct[item.ProductID]
		delete(byProduct, item.ProductID)
		if returned > item.AssignedQty {
			return nil, fmt.Errorf("%w: returned qty exceeds assigned for %s", store.ErrValidation, item.ProductID)
		}
		if returned > 0 {
			restoreItems = append(restoreItems, domain.SaleItem{ProductID: item.ProductID, Qty: returned})
		}
	}
	if len(byProduct) > 0 {
		return nil, fmt.Errorf("%w: return references product not on assignment", store.ErrValidation)
	}

	if len(restoreItems) > 0 {
		required, err := s.requiredIngredientsLocked(restoreItems)
		if err != nil {
			return nil, err
		}
		s.applyStockLocked(required, 1)
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}
	for i, item := range assignment.Items {
		returned := int64(0)
		for _, r := range returns {
			if r.ProductID == item.ProductID {
				returned = r.ReturnedQty
			}
		}
		assignment.Items[i].ReturnedQty = returned
	}
	assignment.Status = domain.AssignmentStatusClosed
	assignment.ClosedAt = &at
	return cloneAssignment(assignment), nil
}

func (s *Store) CancelAssignment(_ context.Context, assignmentID string, at time.Time) (*domain.RunnerAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assignment, ok := s.assignmentsByID[assignmentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if assignment.Status != domain.AssignmentStatusActive {
		return nil, store.ErrInvalidSettlement
	}

	restoreItems := make([]domain.SaleItem, 0, len(assignment.Items))
	for _, item := range assignment.Items {
		restoreItems = append(restoreItems, domain.SaleItem{ProductID: item.ProductID, Qty: item.AssignedQty})
	}
	required, err := s.requiredIngredientsLocked(restoreItems)
	if err != nil {
		return nil, err
	}
	s.applyStockLocked(required, 1)

	if at.IsZero() {
		at = time.Now().UTC()
	}
	for i := range assignment.Items {
		assignment.Items[i].ReturnedQty = assignment.Items[i].AssignedQty
	}
	assignment.Status = domain.AssignmentStatusCancelled
	assignment.ClosedAt = &at
	return cloneAssignment(assignment), nil
}

func (s *Store) ListAssignments(_ context.Context, runnerID string, from time.Time, to time.Time) ([]domain.RunnerAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RunnerAssignment, 0, 32)
	for _, assignment := range s.assignmentsByID {
		if runnerID != "" && assignment.RunnerID != runnerID {
			continue
		}
		if assignment.CreatedAt.Before(from) || !assignment.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneAssignment(assignment))
	}
	slices.SortFunc(result, func(a, b domain.RunnerAssignment) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CommitAudit(_ context.Context, userID string, notes string, items []domain.AuditItemRequest, at time.Time) (*domain.InventoryAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(items) == 0 {
		return nil, store.ErrNothingToCommit
	}

	seen := map[string]struct{}{}
	auditItems := make([]domain.AuditItem, 0, len(items))
	for _, item := range items {
		if _, dup := seen[item.IngredientID]; dup {
			return nil, store.ErrValidation
		}
		seen[item.IngredientID] = struct{}{}
		if item.CountedStock.IsNegative() {
			return nil, store.ErrValidation
		}
		ing, exists := s.ingredients[item.IngredientID]
		if !exists {
			return nil, fmt.Errorf("%w: unknown ingredient %s", store.ErrValidation, item.IngredientID)
		}
		if item.ExpectedStock != nil && !ing.Stock.Equal(*item.ExpectedStock) {
			return nil, fmt.Errorf("%w: %s moved since count", store.ErrStockConflict, ing.Name)
		}
		auditItems = append(auditItems, domain.AuditItem{
			IngredientID:  item.IngredientID,
			Name:          ing.Name,
			PreviousStock: ing.Stock,
			CountedStock:  item.CountedStock,
			Delta:         item.CountedStock.Sub(ing.Stock),
		})
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}
	for _, item := range auditItems {
		ing := s.ingredients[item.IngredientID]
		ing.Stock = item.CountedStock
		ing.UpdatedAt = at
		s.ingredients[item.IngredientID] = ing
	}

	userName := ""
	if profile, exists := s.profilesByID[userID]; exists {
		userName = profile.Name
	}
	audit := domain.InventoryAudit{
		ID:        xid.New("iaud"),
		UserID:    userID,
		UserName:  userName,
		Notes:     notes,
		CreatedAt: at,
		Items:     auditItems,
	}
	s.audits = append(s.audits, audit)
	created := cloneAudit(audit)
	return &created, nil
}

func (s *Store) ListAudits(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.InventoryAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryAudit, 0, len(s.audits))
	for _, audit := range s.audits {
		if audit.CreatedAt.Before(from) || !audit.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneAudit(audit))
	}
	slices.SortFunc(result, func(a, b domain.InventoryAudit) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(expense.Description) == "" || expense.AmountCents < 1 {
		return nil, store.ErrValidation
	}
	switch expense.Category {
	case domain.ExpenseCategoryGeneral:
		if expense.IngredientID != "" || !expense.Qty.IsZero() {
			return nil, store.ErrValidation
		}
	case domain.ExpenseCategoryInventory:
		if !expense.Qty.IsPositive() {
			return nil, store.ErrValidation
		}
		ing, exists := s.ingredients[expense.IngredientID]
		if !exists {
			return nil, fmt.Errorf("%w: unknown ingredient %s", store.ErrValidation, expense.IngredientID)
		}
		ing.Stock = ing.Stock.Add(expense.Qty)
		ing.UpdatedAt = time.Now().UTC()
		s.ingredients[expense.IngredientID] = ing
	default:
		return nil, store.ErrValidation
	}

	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	s.expenses = append(s.expenses, expense)
	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(_ context.Context, from time.Time, to time.Time) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Expense, 0, len(s.expenses))
	for _, expense := range s.expenses {
		if expense.CreatedAt.Before(from) || !expense.CreatedAt.Before(to) {
			continue
		}
		result = append(result, expense)
	}
	slices.SortFunc(result, func(a, b domain.Expense) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CreateEmployeeMeal(_ context.Context, meal domain.EmployeeMeal) (*domain.EmployeeMeal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(meal.EmployeeID) == "" || meal.Qty < 1 {
		return nil, store.ErrValidation
	}
	required, err := s.requiredIngredientsLocked([]domain.SaleItem{{ProductID: meal.ProductID, Qty: meal.Qty}})
	if err != nil {
		return nil, err
	}
	if err := s.checkStockLocked(required); err != nil {
		return nil, err
	}
	s.applyStockLocked(required, -1)

	if meal.ID == "" {
		meal.ID = xid.New("meal")
	}
	if meal.CreatedAt.IsZero() {
		meal.CreatedAt = time.Now().UTC()
	}
	s.meals = append(s.meals, meal)
	created := meal
	return &created, nil
}

func (s *Store) ListEmployeeMeals(_ context.Context, from time.Time, to time.Time) ([]domain.EmployeeMeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.EmployeeMeal, 0, len(s.meals))
	for _, meal := range s.meals {
		if meal.CreatedAt.Before(from) || !meal.CreatedAt.Before(to) {
			continue
		}
		result = append(result, meal)
	}
	slices.SortFunc(result, func(a, b domain.EmployeeMeal) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CreateProfile(_ context.Context, profile domain.ProfileAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(profile.Username))
	if username == "" || strings.TrimSpace(profile.PasswordHash) == "" {
		return store.ErrValidation
	}
	if profile.Role != domain.RoleAdmin && profile.Role != domain.RoleSeller && profile.Role != domain.RoleRunner {
		return store.ErrValidation
	}
	if _, exists := s.profilesByUser[username]; exists {
		return store.ErrValidation
	}
	if profile.ID == "" {
		profile.ID = xid.New("prof")
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	profile.Username = username
	profile.Active = true
	s.profilesByID[profile.ID] = profile
	s.profilesByUser[username] = profile.ID
	return nil
}

func (s *Store) GetProfileByUsername(_ context.Context, username string) (*domain.ProfileAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.profilesByUser[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	profile := s.profilesByID[id]
	copyProfile := profile
	return &copyProfile, nil
}

func (s *Store) GetProfileByID(_ context.Context, id string) (*domain.ProfileAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, exists := s.profilesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProfile := profile
	return &copyProfile, nil
}

func (s *Store) ListProfiles(_ context.Context) ([]domain.ProfileAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles := make([]domain.ProfileAccount, 0, len(s.profilesByID))
	for _, profile := range s.profilesByID {
		profiles = append(profiles, profile)
	}
	slices.SortFunc(profiles, func(a, b domain.ProfileAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return profiles, nil
}

func (s *Store) UpdateProfilePassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(passwordHash) == "" {
		return store.ErrValidation
	}
	id, exists := s.profilesByUser[username]
	if !exists {
		return store.ErrNotFound
	}
	profile := s.profilesByID[id]
	profile.PasswordHash = passwordHash
	s.profilesByID[id] = profile
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	recipe := make([]domain.RecipeLine, len(src.Recipe))
	copy(recipe, src.Recipe)
	dup.Recipe = recipe
	return dup
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	payments := make([]domain.SalePayment, len(src.Payments))
	copy(payments, src.Payments)
	dup.Payments = payments
	return &dup
}

// cloneAssignment also derives SoldQty for every item. Sold quantities are
// never persisted.
func cloneAssignment(src *domain.RunnerAssignment) *domain.RunnerAssignment {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.AssignmentItem, len(src.Items))
	copy(items, src.Items)
	for i := range items {
		items[i].SoldQty = items[i].Sold()
	}
	dup.Items = items
	return &dup
}

func cloneAudit(src domain.InventoryAudit) domain.InventoryAudit {
	dup := src
	items := make([]domain.AuditItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
