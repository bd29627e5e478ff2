package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ventapos/backend/internal/cache"
	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/store"
	"ventapos/backend/internal/xid"
)

// ErrForbidden marks role and permission failures so the HTTP layer can map
// them to 403 instead of 500.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	availability    cache.AvailabilityCache
	availabilityTTL time.Duration
}

func New(repo store.Repository, availability cache.AvailabilityCache, availabilityTTL time.Duration) *Service {
	if availability == nil {
		availability = cache.NoopAvailabilityCache{}
	}
	if availabilityTTL <= 0 {
		availabilityTTL = defaultAvailabilityTTL
	}
	return &Service{
		repo:            repo,
		availability:    availability,
		availabilityTTL: availabilityTTL,
	}
}

func (s *Service) requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %s role required", ErrForbidden, strings.Join(roles, " or "))
}

func (s *Service) Login(ctx context.Context, req domain.LoginRequest) (domain.Actor, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		return domain.Actor{}, store.ErrValidation
	}

	profile, err := s.repo.GetProfileByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Actor{}, fmt.Errorf("%w: invalid credentials", ErrForbidden)
		}
		return domain.Actor{}, err
	}
	if !profile.Active {
		return domain.Actor{}, fmt.Errorf("%w: invalid credentials", ErrForbidden)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(req.Password)); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: invalid credentials", ErrForbidden)
	}

	return domain.Actor{
		ID:       profile.ID,
		Username: profile.Username,
		Name:     profile.Name,
		Role:     profile.Role,
	}, nil
}

func (s *Service) ChangePassword(ctx context.Context, currentPassword string, newPassword string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	if len(newPassword) < 8 {
		return fmt.Errorf("%w: password too short", store.ErrValidation)
	}

	profile, err := s.repo.GetProfileByUsername(ctx, actor.Username)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(currentPassword)); err != nil {
		return fmt.Errorf("%w: invalid credentials", ErrForbidden)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateProfilePassword(ctx, actor.Username, string(hash)); err != nil {
		return err
	}

	s.logAudit(ctx, "password_change", "profile", profile.ID, "")
	return nil
}

func (s *Service) CreateProfile(ctx context.Context, req domain.ProfileCreateRequest) (domain.Profile, error) {
	_, err := s.requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Profile{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	if req.Name == "" || req.Username == "" {
		return domain.Profile{}, store.ErrValidation
	}
	if req.Role != domain.RoleAdmin && req.Role != domain.RoleSeller && req.Role != domain.RoleRunner {
		return domain.Profile{}, fmt.Errorf("%w: unknown role %s", store.ErrValidation, req.Role)
	}
	if len(req.Password) < 8 {
		return domain.Profile{}, fmt.Errorf("%w: password too short", store.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.Profile{}, err
	}

	account := domain.ProfileAccount{
		ID:           xid.New("prof"),
		Name:         req.Name,
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateProfile(ctx, account); err != nil {
		return domain.Profile{}, err
	}

	s.logAudit(ctx, "profile_create", "profile", account.ID, fmt.Sprintf("username=%s,role=%s", account.Username, account.Role))
	return toProfile(account), nil
}

func (s *Service) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	accounts, err := s.repo.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	profiles := make([]domain.Profile, 0, len(accounts))
	for _, account := range accounts {
		profiles = append(profiles, toProfile(account))
	}
	return profiles, nil
}

func toProfile(account domain.ProfileAccount) domain.Profile {
	return domain.Profile{
		ID:        account.ID,
		Name:      account.Name,
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

func (s *Service) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	return s.repo.ListIngredients(ctx)
}

func (s *Service) CreateIngredient(ctx context.Context, req domain.IngredientCreateRequest) (domain.Ingredient, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Ingredient{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.ToLower(strings.TrimSpace(req.Unit))
	if req.Name == "" || req.Unit == "" {
		return domain.Ingredient{}, store.ErrValidation
	}
	if req.Stock.IsNegative() || req.MinStock.IsNegative() || req.CostCents < 0 {
		return domain.Ingredient{}, store.ErrValidation
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateIngredient(ctx, domain.Ingredient{
		ID:        xid.New("ing"),
		Name:      req.Name,
		Unit:      req.Unit,
		Stock:     req.Stock,
		MinStock:  req.MinStock,
		CostCents: req.CostCents,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Ingredient{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "ingredient_create", "ingredient", created.ID, fmt.Sprintf("name=%s,stock=%s", created.Name, created.Stock))
	return *created, nil
}

func (s *Service) UpdateIngredient(ctx context.Context, id string, req domain.IngredientUpdateRequest) (domain.Ingredient, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Ingredient{}, err
	}

	existing, err := s.repo.GetIngredientByID(ctx, id)
	if err != nil {
		return domain.Ingredient{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Ingredient{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.Unit != nil {
		unit := strings.ToLower(strings.TrimSpace(*req.Unit))
		if unit == "" {
			return domain.Ingredient{}, store.ErrValidation
		}
		updated.Unit = unit
	}
	if req.MinStock != nil {
		if req.MinStock.IsNegative() {
			return domain.Ingredient{}, store.ErrValidation
		}
		updated.MinStock = *req.MinStock
	}
	if req.CostCents != nil {
		if *req.CostCents < 0 {
			return domain.Ingredient{}, store.ErrValidation
		}
		updated.CostCents = *req.CostCents
	}

	saved, err := s.repo.UpdateIngredient(ctx, updated)
	if err != nil {
		return domain.Ingredient{}, err
	}

	s.logAudit(ctx, "ingredient_update", "ingredient", saved.ID, fmt.Sprintf("name=%s,min_stock=%s", saved.Name, saved.MinStock))
	return *saved, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.Category == "" || req.PriceCents < 1 {
		return domain.Product{}, store.ErrValidation
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:         xid.New("prod"),
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Active:     true,
		Recipe:     req.Recipe,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%d,recipe_lines=%d", created.Name, created.PriceCents, len(created.Recipe)))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Category = category
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrValidation
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.Recipe != nil {
		updated.Recipe = req.Recipe
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.PriceCents))
	return *saved, nil
}

func (s *Service) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return s.repo.ListPaymentMethods(ctx)
}

func (s *Service) ListShifts(ctx context.Context) ([]domain.Shift, error) {
	return s.repo.ListShifts(ctx)
}

func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.CreateSaleResponse, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleSeller)
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	items, err := normalizeSaleItems(req.Items)
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}
	if len(items) == 0 || len(req.Payments) == 0 {
		return domain.CreateSaleResponse{}, store.ErrValidation
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.CreateSaleResponse{Sale: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CreateSaleResponse{}, err
	}

	shiftID := strings.TrimSpace(req.ShiftID)
	if shiftID == "" {
		shiftID = s.currentShiftID(ctx, time.Now().UTC())
	}

	payments := make([]domain.SalePayment, 0, len(req.Payments))
	for _, p := range req.Payments {
		payments = append(payments, domain.SalePayment{
			MethodID:    strings.TrimSpace(p.MethodID),
			AmountCents: p.AmountCents,
		})
	}

	created, err := s.repo.CreateSale(ctx, domain.Sale{
		SellerID:       actor.ID,
		ShiftID:        shiftID,
		IdempotencyKey: req.IdempotencyKey,
		TotalCents:     req.TotalCents,
		CreatedAt:      time.Now().UTC(),
		Items:          items,
		Payments:       payments,
	})
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("total=%d,payment_status=%s,items=%d", created.TotalCents, created.PaymentStatus, len(created.Items)))
	return domain.CreateSaleResponse{Sale: *created}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrValidation
	}
	sale, err := s.repo.FindSaleByID(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) MarkSaleAsPaid(ctx context.Context, saleID string, req domain.MarkSaleAsPaidRequest) (domain.Sale, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Sale{}, err
	}

	saleID = strings.TrimSpace(saleID)
	methodID := strings.TrimSpace(req.MethodID)
	if saleID == "" || methodID == "" {
		return domain.Sale{}, store.ErrValidation
	}

	sale, err := s.repo.MarkSaleAsPaid(ctx, saleID, methodID, time.Now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_settle", "sale", sale.ID, fmt.Sprintf("method=%s,total=%d", methodID, sale.TotalCents))
	return *sale, nil
}

func (s *Service) VoidSale(ctx context.Context, saleID string, req domain.VoidSaleRequest) (domain.Sale, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := s.verifyManagerPIN(ctx, actor, req.ManagerPIN); err != nil {
		return domain.Sale{}, err
	}

	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrValidation
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "unspecified"
	}

	sale, err := s.repo.VoidSale(ctx, saleID, reason, time.Now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "sale_void", "sale", sale.ID, reason)
	return *sale, nil
}

func (s *Service) verifyManagerPIN(ctx context.Context, actor domain.Actor, pin string) error {
	if strings.TrimSpace(pin) == "" {
		return fmt.Errorf("%w: manager pin required", ErrForbidden)
	}
	profile, err := s.repo.GetProfileByID(ctx, actor.ID)
	if err != nil {
		return err
	}
	if profile.PINHash == "" {
		return fmt.Errorf("%w: no manager pin configured", ErrForbidden)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PINHash), []byte(pin)); err != nil {
		return fmt.Errorf("%w: manager pin rejected", ErrForbidden)
	}
	return nil
}

func (s *Service) AssignInventory(ctx context.Context, req domain.AssignInventoryRequest) (domain.AssignInventoryResponse, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleSeller)
	if err != nil {
		return domain.AssignInventoryResponse{}, err
	}

	req.RunnerID = strings.TrimSpace(req.RunnerID)
	if req.RunnerID == "" {
		return domain.AssignInventoryResponse{}, store.ErrValidation
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	items, err := normalizeAssignmentItems(req.Items)
	if err != nil {
		return domain.AssignInventoryResponse{}, err
	}
	if len(items) == 0 {
		return domain.AssignInventoryResponse{}, store.ErrValidation
	}

	if existing, err := s.repo.FindAssignmentByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.AssignInventoryResponse{Assignment: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.AssignInventoryResponse{}, err
	}

	shiftID := strings.TrimSpace(req.ShiftID)
	if shiftID == "" {
		shiftID = s.currentShiftID(ctx, time.Now().UTC())
	}

	created, err := s.repo.CreateAssignment(ctx, domain.RunnerAssignment{
		RunnerID:       req.RunnerID,
		AssignedBy:     actor.ID,
		ShiftID:        shiftID,
		IdempotencyKey: req.IdempotencyKey,
		Notes:          strings.TrimSpace(req.Notes),
		CreatedAt:      time.Now().UTC(),
		Items:          items,
	})
	if err != nil {
		return domain.AssignInventoryResponse{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "inventory_assign", "assignment", created.ID, fmt.Sprintf("runner=%s,items=%d", created.RunnerID, len(created.Items)))
	return domain.AssignInventoryResponse{Assignment: *created}, nil
}

func (s *Service) GetAssignment(ctx context.Context, assignmentID string) (domain.RunnerAssignment, error) {
	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return domain.RunnerAssignment{}, store.ErrValidation
	}
	assignment, err := s.repo.FindAssignmentByID(ctx, assignmentID)
	if err != nil {
		return domain.RunnerAssignment{}, err
	}

	if actor, ok := ActorFromContext(ctx); ok && actor.Role == domain.RoleRunner && assignment.RunnerID != actor.ID {
		return domain.RunnerAssignment{}, fmt.Errorf("%w: not your assignment", ErrForbidden)
	}
	return *assignment, nil
}

func (s *Service) ReturnInventory(ctx context.Context, assignmentID string, req domain.ReturnInventoryRequest) (domain.RunnerAssignment, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.RunnerAssignment{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}

	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return domain.RunnerAssignment{}, store.ErrValidation
	}

	// Runners may only close out their own assignment.
	if actor.Role == domain.RoleRunner {
		existing, err := s.repo.FindAssignmentByID(ctx, assignmentID)
		if err != nil {
			return domain.RunnerAssignment{}, err
		}
		if existing.RunnerID != actor.ID {
			return domain.RunnerAssignment{}, fmt.Errorf("%w: not your assignment", ErrForbidden)
		}
	}

	assignment, err := s.repo.ReturnAssignment(ctx, assignmentID, req.Items, time.Now().UTC())
	if err != nil {
		return domain.RunnerAssignment{}, err
	}

	s.invalidateAvailability(ctx)
	sold := int64(0)
	for _, item := range assignment.Items {
		sold += item.Sold()
	}
	s.logAudit(ctx, "inventory_return", "assignment", assignment.ID, fmt.Sprintf("runner=%s,sold=%d", assignment.RunnerID, sold))
	return *assignment, nil
}

func (s *Service) CancelAssignment(ctx context.Context, assignmentID string) (domain.RunnerAssignment, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.RunnerAssignment{}, err
	}

	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return domain.RunnerAssignment{}, store.ErrValidation
	}

	assignment, err := s.repo.CancelAssignment(ctx, assignmentID, time.Now().UTC())
	if err != nil {
		return domain.RunnerAssignment{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "assignment_cancel", "assignment", assignment.ID, fmt.Sprintf("runner=%s", assignment.RunnerID))
	return *assignment, nil
}

func (s *Service) ListAssignments(ctx context.Context, runnerID string, date string) ([]domain.RunnerAssignment, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	if actor.Role == domain.RoleRunner {
		runnerID = actor.ID
	}

	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAssignments(ctx, strings.TrimSpace(runnerID), from, to)
}

func (s *Service) CommitInventoryAudit(ctx context.Context, req domain.CommitAuditRequest) (domain.InventoryAudit, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.InventoryAudit{}, err
	}

	audit, err := s.repo.CommitAudit(ctx, actor.ID, strings.TrimSpace(req.Notes), req.Items, time.Now().UTC())
	if err != nil {
		return domain.InventoryAudit{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "inventory_audit", "audit", audit.ID, fmt.Sprintf("items=%d", len(audit.Items)))
	return *audit, nil
}

func (s *Service) ListInventoryAudits(ctx context.Context, date string, limit int) ([]domain.InventoryAudit, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAudits(ctx, from, to, limit)
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Expense{}, err
	}

	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" || req.AmountCents < 1 {
		return domain.Expense{}, store.ErrValidation
	}

	created, err := s.repo.CreateExpense(ctx, domain.Expense{
		Category:    domain.ExpenseCategoryGeneral,
		Description: req.Description,
		AmountCents: req.AmountCents,
		CreatedBy:   actor.ID,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.logAudit(ctx, "expense_create", "expense", created.ID, fmt.Sprintf("amount=%d", created.AmountCents))
	return *created, nil
}

func (s *Service) RegisterInventoryPurchase(ctx context.Context, req domain.InventoryPurchaseRequest) (domain.Expense, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Expense{}, err
	}

	req.IngredientID = strings.TrimSpace(req.IngredientID)
	if req.IngredientID == "" || !req.Qty.IsPositive() || req.AmountCents < 1 {
		return domain.Expense{}, store.ErrValidation
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		ingredient, err := s.repo.GetIngredientByID(ctx, req.IngredientID)
		if err != nil {
			return domain.Expense{}, err
		}
		description = fmt.Sprintf("compra %s %s %s", ingredient.Name, req.Qty, ingredient.Unit)
	}

	created, err := s.repo.CreateExpense(ctx, domain.Expense{
		Category:     domain.ExpenseCategoryInventory,
		Description:  description,
		AmountCents:  req.AmountCents,
		IngredientID: req.IngredientID,
		Qty:          req.Qty,
		CreatedBy:    actor.ID,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "inventory_purchase", "expense", created.ID, fmt.Sprintf("ingredient=%s,qty=%s,amount=%d", created.IngredientID, created.Qty, created.AmountCents))
	return *created, nil
}

func (s *Service) ListExpenses(ctx context.Context, date string) ([]domain.Expense, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListExpenses(ctx, from, to)
}

func (s *Service) RecordEmployeeMeal(ctx context.Context, req domain.EmployeeMealRequest) (domain.EmployeeMeal, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleSeller)
	if err != nil {
		return domain.EmployeeMeal{}, err
	}

	req.EmployeeID = strings.TrimSpace(req.EmployeeID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.EmployeeID == "" || req.ProductID == "" || req.Qty < 1 {
		return domain.EmployeeMeal{}, store.ErrValidation
	}

	created, err := s.repo.CreateEmployeeMeal(ctx, domain.EmployeeMeal{
		EmployeeID: req.EmployeeID,
		ProductID:  req.ProductID,
		Qty:        req.Qty,
		RecordedBy: actor.ID,
		Notes:      strings.TrimSpace(req.Notes),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.EmployeeMeal{}, err
	}

	s.invalidateAvailability(ctx)
	s.logAudit(ctx, "employee_meal", "meal", created.ID, fmt.Sprintf("employee=%s,product=%s,qty=%d", created.EmployeeID, created.ProductID, created.Qty))
	return *created, nil
}

func (s *Service) ListEmployeeMeals(ctx context.Context, date string) ([]domain.EmployeeMeal, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListEmployeeMeals(ctx, from, to)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func normalizeSaleItems(items []domain.SaleItemRequest) ([]domain.SaleItem, error) {
	agg := make(map[string]int64, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: sale item missing product id", store.ErrValidation)
		}
		if item.Qty < 1 {
			return nil, fmt.Errorf("%w: non-positive qty for product %s", store.ErrValidation, id)
		}
		if _, seen := agg[id]; !seen {
			order = append(order, id)
		}
		agg[id] += item.Qty
	}

	normalized := make([]domain.SaleItem, 0, len(agg))
	for _, id := range order {
		normalized = append(normalized, domain.SaleItem{ProductID: id, Qty: agg[id]})
	}
	return normalized, nil
}

func normalizeAssignmentItems(items []domain.AssignmentItemRequest) ([]domain.AssignmentItem, error) {
	agg := make(map[string]int64, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: assignment item missing product id", store.ErrValidation)
		}
		if item.Qty < 1 {
			return nil, fmt.Errorf("%w: non-positive qty for product %s", store.ErrValidation, id)
		}
		if _, seen := agg[id]; !seen {
			order = append(order, id)
		}
		agg[id] += item.Qty
	}

	normalized := make([]domain.AssignmentItem, 0, len(agg))
	for _, id := range order {
		normalized = append(normalized, domain.AssignmentItem{ProductID: id, AssignedQty: agg[id]})
	}
	return normalized, nil
}

func dayRange(date string) (time.Time, time.Time, error) {
	var from time.Time
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: bad date %q", store.ErrValidation, date)
		}
		from = parsed.UTC()
	}
	return from, from.Add(24 * time.Hour), nil
}

func rangeBounds(fromDate string, toDate string) (time.Time, time.Time, error) {
	from, _, err := dayRange(fromDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if strings.TrimSpace(toDate) == "" {
		return from, from.Add(24 * time.Hour), nil
	}
	_, to, err := dayRange(toDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: empty date range", store.ErrValidation)
	}
	return from, to, nil
}
