package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/store"
	"ventapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit, stock, min_stock, cost_cents, created_at, updated_at
		FROM ingredients
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ingredients := make([]domain.Ingredient, 0, 64)
	for rows.Next() {
		var ing domain.Ingredient
		if err := rows.Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.Stock, &ing.MinStock, &ing.CostCents, &ing.CreatedAt, &ing.UpdatedAt); err != nil {
			return nil, err
		}
		ing.CreatedAt = ing.CreatedAt.UTC()
		ing.UpdatedAt = ing.UpdatedAt.UTC()
		ingredients = append(ingredients, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ingredients, nil
}

func (s *Store) GetIngredientByID(ctx context.Context, id string) (*domain.Ingredient, error) {
	var ing domain.Ingredient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit, stock, min_stock, cost_cents, created_at, updated_at
		FROM ingredients
		WHERE id = $1
	`, id).Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.Stock, &ing.MinStock, &ing.CostCents, &ing.CreatedAt, &ing.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ing.CreatedAt = ing.CreatedAt.UTC()
	ing.UpdatedAt = ing.UpdatedAt.UTC()
	return &ing, nil
}

func (s *Store) CreateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if strings.TrimSpace(ingredient.Name) == "" || strings.TrimSpace(ingredient.Unit) == "" {
		return nil, store.ErrValidation
	}
	if ingredient.Stock.IsNegative() || ingredient.MinStock.IsNegative() {
		return nil, store.ErrValidation
	}
	if ingredient.ID == "" {
		ingredient.ID = xid.New("ing")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingredients (id, name, unit, stock, min_stock, cost_cents, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
	`, ingredient.ID, ingredient.Name, ingredient.Unit, ingredient.Stock, ingredient.MinStock, ingredient.CostCents)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}
	created := ingredient
	return &created, nil
}

func (s *Store) UpdateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if strings.TrimSpace(ingredient.Name) == "" || strings.TrimSpace(ingredient.Unit) == "" {
		return nil, store.ErrValidation
	}
	if ingredient.MinStock.IsNegative() {
		return nil, store.ErrValidation
	}

	// Stock is only moved by engine operations, never by a plain update.
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingredients
		SET name = $2, unit = $3, min_stock = $4, cost_cents = $5, updated_at = now()
		WHERE id = $1
	`, ingredient.ID, ingredient.Name, ingredient.Unit, ingredient.MinStock, ingredient.CostCents)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetIngredientByID(ctx, ingredient.ID)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, active, created_at
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recipes, err := s.loadRecipes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].Recipe = recipes[products[i].ID]
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price_cents, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()

	recipes, err := s.loadRecipes(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	p.Recipe = recipes[p.ID]
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price_cents, active, created_at
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recipes, err := s.loadRecipes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, p := range result {
		p.Recipe = recipes[id]
		result[id] = p
	}
	return result, nil
}

func (s *Store) loadRecipes(ctx context.Context, productIDs []string) (map[string][]domain.RecipeLine, error) {
	result := make(map[string][]domain.RecipeLine, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, ingredient_id, qty
		FROM product_recipes
		WHERE product_id = ANY($1)
		ORDER BY product_id, ingredient_id
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var line domain.RecipeLine
		if err := rows.Scan(&productID, &line.IngredientID, &line.Qty); err != nil {
			return nil, err
		}
		result[productID] = append(result[productID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, active, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, product.ID, product.Name, product.Category, product.PriceCents, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	if err := insertRecipeTx(ctx, tx, product.ID, product.Recipe); err != nil {
		return nil, err
	}
	if err := commitErr(tx.Commit()); err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, active = $5
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.PriceCents, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM product_recipes WHERE product_id = $1`, product.ID)
	if err != nil {
		return nil, err
	}
	if err := insertRecipeTx(ctx, tx, product.ID, product.Recipe); err != nil {
		return nil, err
	}
	if err := commitErr(tx.Commit()); err != nil {
		return nil, err
	}
	updated := product
	return &updated, nil
}

func insertRecipeTx(ctx context.Context, tx *sql.Tx, productID string, recipe []domain.RecipeLine) error {
	seen := map[string]struct{}{}
	for _, line := range recipe {
		if !line.Qty.IsPositive() {
			return store.ErrValidation
		}
		if _, dup := seen[line.IngredientID]; dup {
			return store.ErrValidation
		}
		seen[line.IngredientID] = struct{}{}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO product_recipes (product_id, ingredient_id, qty)
			VALUES ($1,$2,$3)
		`, productID, line.IngredientID, line.Qty)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return fmt.Errorf("%w: unknown ingredient %s", store.ErrValidation, line.IngredientID)
			}
			return err
		}
	}
	return nil
}

func (s *Store) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_credit, active
		FROM payment_methods
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	methods := make([]domain.PaymentMethod, 0, 8)
	for rows.Next() {
		var m domain.PaymentMethod
		if err := rows.Scan(&m.ID, &m.Name, &m.IsCredit, &m.Active); err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return methods, nil
}

func (s *Store) ListShifts(ctx context.Context) ([]domain.Shift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, start_minutes, end_minutes
		FROM shifts
		ORDER BY start_minutes, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]domain.Shift, 0, 4)
	for rows.Next() {
		var sh domain.Shift
		if err := rows.Scan(&sh.ID, &sh.Name, &sh.StartMinutes, &sh.EndMinutes); err != nil {
			return nil, err
		}
		shifts = append(shifts, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shifts, nil
}

// recipeRequirementsTx locks every recipe row of the given products and
// aggregates the ingredient quantities qty units of each product consume.
func recipeRequirementsTx(ctx context.Context, tx *sql.Tx, qtyByProduct map[string]int64) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(qtyByProduct))
	for id := range qtyByProduct {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, ingredient_id, qty
		FROM product_recipes
		WHERE product_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	required := map[string]decimal.Decimal{}
	covered := map[string]struct{}{}
	for rows.Next() {
		var productID, ingredientID string
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &ingredientID, &qty); err != nil {
			return nil, err
		}
		covered[productID] = struct{}{}
		units := decimal.NewFromInt(qtyByProduct[productID])
		required[ingredientID] = required[ingredientID].Add(qty.Mul(units))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := covered[id]; !ok {
			return nil, fmt.Errorf("%w: product %s has no recipe", store.ErrValidation, id)
		}
	}
	return required, nil
}

type lockedIngredient struct {
	name  string
	stock decimal.Decimal
}

// lockIngredientsTx takes FOR UPDATE row locks on the given ingredients so a
// concurrent engine operation on the same stock serializes behind this one.
func lockIngredientsTx(ctx context.Context, tx *sql.Tx, required map[string]decimal.Decimal) (map[string]lockedIngredient, error) {
	ids := make([]string, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, stock
		FROM ingredients
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locked := make(map[string]lockedIngredient, len(ids))
	for rows.Next() {
		var id string
		var li lockedIngredient
		if err := rows.Scan(&id, &li.name, &li.stock); err != nil {
			return nil, err
		}
		locked[id] = li
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			return nil, fmt.Errorf("%w: unknown ingredient %s", store.ErrValidation, id)
		}
	}
	return locked, nil
}

// shiftExistsTx mirrors the memory store's shift check so an unknown shift id
// surfaces as ErrValidation rather than a foreign-key failure.
func shiftExistsTx(ctx context.Context, tx *sql.Tx, shiftID string) error {
	if shiftID == "" {
		return nil
	}
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM shifts WHERE id = $1)
	`, shiftID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: unknown shift", store.ErrValidation)
	}
	return nil
}

func consumeIngredientsTx(ctx context.Context, tx *sql.Tx, required map[string]decimal.Decimal) error {
	locked, err := lockIngredientsTx(ctx, tx, required)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if locked[id].stock.Cmp(required[id]) < 0 {
			return fmt.Errorf("%w: %s", store.ErrInsufficientStock, locked[id].name)
		}
	}
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE ingredients
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2
		`, required[id], id)
		if err != nil {
			return err
		}
	}
	return nil
}

func restoreIngredientsTx(ctx context.Context, tx *sql.Tx, required map[string]decimal.Decimal) error {
	if _, err := lockIngredientsTx(ctx, tx, required); err != nil {
		return err
	}
	ids := make([]string, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE ingredients
			SET stock = stock + $1, updated_at = now()
			WHERE id = $2
		`, required[id], id)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}
	if len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var sellerName string
	var sellerActive bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT name, active FROM profiles WHERE id = $1
	`, sale.SellerID).Scan(&sellerName, &sellerActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown seller", store.ErrValidation)
		}
		return nil, err
	}
	if !sellerActive {
		return nil, fmt.Errorf("%w: seller inactive", store.ErrValidation)
	}
	if err := shiftExistsTx(ctx, pgTx, sale.ShiftID); err != nil {
		return nil, err
	}

	productIDs := make([]string, 0, len(sale.Items))
	qtyByProduct := make(map[string]int64, len(sale.Items))
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return nil, store.ErrValidation
		}
		productIDs = append(productIDs, item.ProductID)
		qtyByProduct[item.ProductID] += item.Qty
	}

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, price_cents
		FROM products
		WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	type catalogEntry struct {
		name       string
		priceCents int64
	}
	catalog := make(map[string]catalogEntry, len(productIDs))
	for productRows.Next() {
		var id string
		var entry catalogEntry
		if err := productRows.Scan(&id, &entry.name, &entry.priceCents); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		catalog[id] = entry
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	total := int64(0)
	items := make([]domain.SaleItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		entry, exists := catalog[item.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, item.ProductID)
		}
		line := domain.SaleItem{
			ProductID:      item.ProductID,
			Name:           entry.name,
			Qty:            item.Qty,
			UnitPriceCents: entry.priceCents,
			LineTotalCents: item.Qty * entry.priceCents,
		}
		items = append(items, line)
		total += line.LineTotalCents
	}
	if sale.TotalCents != total {
		return nil, store.ErrAmountMismatch
	}

	methodIDs := make([]string, 0, len(sale.Payments))
	for _, p := range sale.Payments {
		if p.AmountCents < 1 {
			return nil, store.ErrValidation
		}
		methodIDs = append(methodIDs, p.MethodID)
	}
	methodRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, is_credit
		FROM payment_methods
		WHERE active = true AND id = ANY($1)
	`, methodIDs)
	if err != nil {
		return nil, err
	}
	type methodEntry struct {
		name     string
		isCredit bool
	}
	methods := make(map[string]methodEntry, len(methodIDs))
	for methodRows.Next() {
		var id string
		var entry methodEntry
		if err := methodRows.Scan(&id, &entry.name, &entry.isCredit); err != nil {
			_ = methodRows.Close()
			return nil, err
		}
		methods[id] = entry
	}
	if err := methodRows.Err(); err != nil {
		_ = methodRows.Close()
		return nil, err
	}
	_ = methodRows.Close()

	paid := int64(0)
	hasCredit := false
	payments := make([]domain.SalePayment, 0, len(sale.Payments))
	for _, p := range sale.Payments {
		entry, exists := methods[p.MethodID]
		if !exists {
			return nil, fmt.Errorf("%w: unknown payment method %s", store.ErrValidation, p.MethodID)
		}
		if entry.isCredit {
			hasCredit = true
		}
		payments = append(payments, domain.SalePayment{
			MethodID:    p.MethodID,
			MethodName:  entry.name,
			AmountCents: p.AmountCents,
		})
		paid += p.AmountCents
	}
	if paid != total {
		return nil, store.ErrAmountMismatch
	}

	required, err := recipeRequirementsTx(ctx, pgTx, qtyByProduct)
	if err != nil {
		return nil, err
	}
	if err := consumeIngredientsTx(ctx, pgTx, required); err != nil {
		return nil, err
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.SellerName = sellerName
	sale.Items = items
	sale.Payments = payments
	sale.TotalCents = total
	sale.Status = domain.SaleStatusConfirmed
	if hasCredit {
		sale.PaymentStatus = domain.PaymentStatusPending
	} else {
		sale.PaymentStatus = domain.PaymentStatusPaid
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, seller_id, shift_id, idempotency_key, total_cents, status,
			payment_status, settled_method_id, settled_at, voided_at, void_reason, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULL,NULL,NULL,NULL,$8)
	`, sale.ID, sale.SellerID, nullIfEmpty(sale.ShiftID), sale.IdempotencyKey,
		sale.TotalCents, sale.Status, sale.PaymentStatus, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, name, qty, unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, item.ProductID, item.Name, item.Qty, item.UnitPriceCents, item.LineTotalCents)
		if err != nil {
			return nil, err
		}
	}
	for _, p := range sale.Payments {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_payments (sale_id, method_id, method_name, amount_cents)
			VALUES ($1,$2,$3,$4)
		`, sale.ID, p.MethodID, p.MethodName, p.AmountCents)
		if err != nil {
			return nil, err
		}
	}

	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`
		SELECT s.id, s.seller_id, COALESCE(p.name,''), COALESCE(s.shift_id,''), s.idempotency_key,
			s.total_cents, s.status, s.payment_status, s.settled_method_id,
			s.settled_at, s.voided_at, s.void_reason, s.created_at
		FROM sales s
		LEFT JOIN profiles p ON p.id = s.seller_id
		WHERE s.%s = $1
	`, column)

	sale, err := scanSale(s.db.QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, err
	}
	if err := s.attachSaleDetails(ctx, []*domain.Sale{sale}); err != nil {
		return nil, err
	}
	return sale, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var settledMethodID sql.NullString
	var settledAt sql.NullTime
	var voidedAt sql.NullTime
	var voidReason sql.NullString

	err := row.Scan(
		&sale.ID,
		&sale.SellerID,
		&sale.SellerName,
		&sale.ShiftID,
		&sale.IdempotencyKey,
		&sale.TotalCents,
		&sale.Status,
		&sale.PaymentStatus,
		&settledMethodID,
		&settledAt,
		&voidedAt,
		&voidReason,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if settledMethodID.Valid {
		sale.SettledMethodID = settledMethodID.String
	}
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		sale.SettledAt = &at
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	if voidReason.Valid {
		sale.VoidReason = voidReason.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) attachSaleDetails(ctx context.Context, sales []*domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sales))
	byID := make(map[string]*domain.Sale, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
		byID[sale.ID] = sale
		sale.Items = make([]domain.SaleItem, 0, 4)
		sale.Payments = make([]domain.SalePayment, 0, 2)
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, name, qty, unit_price_cents, line_total_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return err
	}
	for itemRows.Next() {
		var saleID string
		var item domain.SaleItem
		if err := itemRows.Scan(&saleID, &item.ProductID, &item.Name, &item.Qty, &item.UnitPriceCents, &item.LineTotalCents); err != nil {
			_ = itemRows.Close()
			return err
		}
		if sale, ok := byID[saleID]; ok {
			sale.Items = append(sale.Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, method_id, method_name, amount_cents
		FROM sale_payments
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return err
	}
	for paymentRows.Next() {
		var saleID string
		var p domain.SalePayment
		if err := paymentRows.Scan(&saleID, &p.MethodID, &p.MethodName, &p.AmountCents); err != nil {
			_ = paymentRows.Close()
			return err
		}
		if sale, ok := byID[saleID]; ok {
			sale.Payments = append(sale.Payments, p)
		}
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return err
	}
	_ = paymentRows.Close()
	return nil
}

func (s *Store) MarkSaleAsPaid(ctx context.Context, saleID string, methodID string, at time.Time) (*domain.Sale, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status, paymentStatus string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, payment_status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&status, &paymentStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusConfirmed || paymentStatus != domain.PaymentStatusPending {
		return nil, store.ErrInvalidSettlement
	}

	var isCredit bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT is_credit FROM payment_methods WHERE active = true AND id = $1
	`, methodID).Scan(&isCredit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown payment method %s", store.ErrValidation, methodID)
		}
		return nil, err
	}
	if isCredit {
		return nil, store.ErrInvalidSettlement
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET payment_status = $2, settled_method_id = $3, settled_at = $4
		WHERE id = $1 AND payment_status = $5
	`, saleID, domain.PaymentStatusPaid, methodID, at, domain.PaymentStatusPending)
	if err != nil {
		return nil, err
	}
	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	return s.FindSaleByID(ctx, saleID)
}

func (s *Store) VoidSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusConfirmed {
		return nil, store.ErrInvalidSettlement
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty
		FROM sale_items
		WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return nil, err
	}
	qtyByProduct := map[string]int64{}
	for itemRows.Next() {
		var productID string
		var qty int64
		if err := itemRows.Scan(&productID, &qty); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		qtyByProduct[productID] += qty
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	required, err := recipeRequirementsTx(ctx, pgTx, qtyByProduct)
	if err != nil {
		return nil, err
	}
	if err := restoreIngredientsTx(ctx, pgTx, required); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status = $5
	`, saleID, domain.SaleStatusVoid, reason, at, domain.SaleStatusConfirmed)
	if err != nil {
		return nil, err
	}
	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	return s.FindSaleByID(ctx, saleID)
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, shiftID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.seller_id, COALESCE(p.name,''), COALESCE(s.shift_id,''), s.idempotency_key,
			s.total_cents, s.status, s.payment_status, s.settled_method_id,
			s.settled_at, s.voided_at, s.void_reason, s.created_at
		FROM sales s
		LEFT JOIN profiles p ON p.id = s.seller_id
		WHERE s.created_at >= $1
			AND s.created_at < $2
			AND ($3 = '' OR s.shift_id = $3)
		ORDER BY s.created_at DESC
	`, from, to, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]*domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachSaleDetails(ctx, sales); err != nil {
		return nil, err
	}

	result := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		result = append(result, *sale)
	}
	return result, nil
}

func (s *Store) ListPendingSales(ctx context.Context) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.seller_id, COALESCE(p.name,''), COALESCE(s.shift_id,''), s.idempotency_key,
			s.total_cents, s.status, s.payment_status, s.settled_method_id,
			s.settled_at, s.voided_at, s.void_reason, s.created_at
		FROM sales s
		LEFT JOIN profiles p ON p.id = s.seller_id
		WHERE s.status = $1 AND s.payment_status = $2
		ORDER BY s.created_at ASC
	`, domain.SaleStatusConfirmed, domain.PaymentStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]*domain.Sale, 0, 16)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachSaleDetails(ctx, sales); err != nil {
		return nil, err
	}

	result := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		result = append(result, *sale)
	}
	return result, nil
}

func (s *Store) CreateAssignment(ctx context.Context, assignment domain.RunnerAssignment) (*domain.RunnerAssignment, error) {
	if assignment.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}
	if len(assignment.Items) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var runnerName, runnerRole string
	var runnerActive bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT name, role, active FROM profiles WHERE id = $1
	`, assignment.RunnerID).Scan(&runnerName, &runnerRole, &runnerActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown runner", store.ErrValidation)
		}
		return nil, err
	}
	if !runnerActive || runnerRole != domain.RoleRunner {
		return nil, fmt.Errorf("%w: unknown runner", store.ErrValidation)
	}
	if err := shiftExistsTx(ctx, pgTx, assignment.ShiftID); err != nil {
		return nil, err
	}

	productIDs := make([]string, 0, len(assignment.Items))
	qtyByProduct := make(map[string]int64, len(assignment.Items))
	for _, item := range assignment.Items {
		if item.AssignedQty < 1 {
			return nil, store.ErrValidation
		}
		productIDs = append(productIDs, item.ProductID)
		qtyByProduct[item.ProductID] += item.AssignedQty
	}

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, price_cents
		FROM products
		WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	type catalogEntry struct {
		name       string
		priceCents int64
	}
	catalog := make(map[string]catalogEntry, len(productIDs))
	for productRows.Next() {
		var id string
		var entry catalogEntry
		if err := productRows.Scan(&id, &entry.name, &entry.priceCents); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		catalog[id] = entry
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	items := make([]domain.AssignmentItem, 0, len(assignment.Items))
	for _, item := range assignment.Items {
		entry, exists := catalog[item.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, item.ProductID)
		}
		items = append(items, domain.AssignmentItem{
			ProductID:      item.ProductID,
			Name:           entry.name,
			UnitPriceCents: entry.priceCents,
			AssignedQty:    item.AssignedQty,
		})
	}

	required, err := recipeRequirementsTx(ctx, pgTx, qtyByProduct)
	if err != nil {
		return nil, err
	}
	if err := consumeIngredientsTx(ctx, pgTx, required); err != nil {
		return nil, err
	}

	if assignment.ID == "" {
		assignment.ID = xid.New("asg")
	}
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = time.Now().UTC()
	}
	assignment.RunnerName = runnerName
	assignment.Items = items
	assignment.Status = domain.AssignmentStatusActive

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO runner_assignments (
			id, runner_id, assigned_by, shift_id, idempotency_key, notes, status, created_at, closed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL)
	`, assignment.ID, assignment.RunnerID, assignment.AssignedBy, nullIfEmpty(assignment.ShiftID),
		assignment.IdempotencyKey, assignment.Notes, assignment.Status, assignment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindAssignmentByIdempotency(ctx, assignment.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range assignment.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO runner_assignment_items (assignment_id, product_id, name, unit_price_cents, assigned_qty, returned_qty)
			VALUES ($1,$2,$3,$4,$5,0)
		`, assignment.ID, item.ProductID, item.Name, item.UnitPriceCents, item.AssignedQty)
		if err != nil {
			return nil, err
		}
	}

	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	derived := assignment
	for i := range derived.Items {
		derived.Items[i].SoldQty = derived.Items[i].Sold()
	}
	return &derived, nil
}

func (s *Store) FindAssignmentByID(ctx context.Context, id string) (*domain.RunnerAssignment, error) {
	return s.findAssignment(ctx, "id", id)
}

func (s *Store) FindAssignmentByIdempotency(ctx context.Context, key string) (*domain.RunnerAssignment, error) {
	return s.findAssignment(ctx, "idempotency_key", key)
}

func (s *Store) findAssignment(ctx context.Context, column string, value string) (*domain.RunnerAssignment, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`
		SELECT a.id, a.runner_id, COALESCE(p.name,''), a.assigned_by, COALESCE(a.shift_id,''),
			a.idempotency_key, COALESCE(a.notes,''), a.status, a.created_at, a.closed_at
		FROM runner_assignments a
		LEFT JOIN profiles p ON p.id = a.runner_id
		WHERE a.%s = $1
	`, column)

	assignment, err := scanAssignment(s.db.QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, err
	}
	if err := s.attachAssignmentItems(ctx, []*domain.RunnerAssignment{assignment}); err != nil {
		return nil, err
	}
	return assignment, nil
}

func scanAssignment(row rowScanner) (*domain.RunnerAssignment, error) {
	var assignment domain.RunnerAssignment
	var closedAt sql.NullTime

	err := row.Scan(
		&assignment.ID,
		&assignment.RunnerID,
		&assignment.RunnerName,
		&assignment.AssignedBy,
		&assignment.ShiftID,
		&assignment.IdempotencyKey,
		&assignment.Notes,
		&assignment.Status,
		&assignment.CreatedAt,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		assignment.ClosedAt = &at
	}
	assignment.CreatedAt = assignment.CreatedAt.UTC()
	return &assignment, nil
}

func (s *Store) attachAssignmentItems(ctx context.Context, assignments []*domain.RunnerAssignment) error {
	if len(assignments) == 0 {
		return nil
	}
	ids := make([]string, 0, len(assignments))
	byID := make(map[string]*domain.RunnerAssignment, len(assignments))
	for _, assignment := range assignments {
		ids = append(ids, assignment.ID)
		byID[assignment.ID] = assignment
		assignment.Items = make([]domain.AssignmentItem, 0, 4)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT assignment_id, product_id, name, unit_price_cents, assigned_qty, returned_qty
		FROM runner_assignment_items
		WHERE assignment_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var assignmentID string
		var item domain.AssignmentItem
		if err := rows.Scan(&assignmentID, &item.ProductID, &item.Name, &item.UnitPriceCents, &item.AssignedQty, &item.ReturnedQty); err != nil {
			return err
		}
		item.SoldQty = item.Sold()
		if assignment, ok := byID[assignmentID]; ok {
			assignment.Items = append(assignment.Items, item)
		}
	}
	return rows.Err()
}

func (s *Store) ReturnAssignment(ctx context.Context, assignmentID string, returns []domain.ReturnItemRequest, at time.Time) (*domain.RunnerAssignment, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM runner_assignments
		WHERE id = $1
		FOR UPDATE
	`, assignmentID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.AssignmentStatusActive {
		return nil, store.ErrInvalidSettlement
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, assigned_qty
		FROM runner_assignment_items
		WHERE assignment_id = $1
	`, assignmentID)
	if err != nil {
		return nil, err
	}
	assignedByProduct := map[string]int64{}
	for itemRows.Next() {
		var productID string
		var assigned int64
		if err := itemRows.Scan(&productID, &assigned); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		assignedByProduct[productID] = assigned
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	returnedByProduct := make(map[string]int64, len(returns))
	for _, r := range returns {
		if r.ReturnedQty < 0 {
			return nil, store.ErrValidation
		}
		if _, dup := returnedByProduct[r.ProductID]; dup {
			return nil, store.ErrValidation
		}
		assigned, onAssignment := assignedByProduct[r.ProductID]
		if !onAssignment {
			return nil, fmt.Errorf("%w: return references product not on assignment", store.ErrValidation)
		}
		if r.ReturnedQty > assigned {
			return nil, fmt.Errorf("%w: returned qty exceeds assigned for %s", store.ErrValidation, r.ProductID)
		}
		returnedByProduct[r.ProductID] = r.ReturnedQty
	}

	restoreByProduct := map[string]int64{}
	for productID, returned := range returnedByProduct {
		if returned > 0 {
			restoreByProduct[productID] = returned
		}
	}
	if len(restoreByProduct) > 0 {
		required, err := recipeRequirementsTx(ctx, pgTx, restoreByProduct)
		if err != nil {
			return nil, err
		}
		if err := restoreIngredientsTx(ctx, pgTx, required); err != nil {
			return nil, err
		}
	}

	for productID := range assignedByProduct {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE runner_assignment_items
			SET returned_qty = $3
			WHERE assignment_id = $1 AND product_id = $2
		`, assignmentID, productID, returnedByProduct[productID])
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE runner_assignments
		SET status = $2, closed_at = $3
		WHERE id = $1 AND status = $4
	`, assignmentID, domain.AssignmentStatusClosed, at, domain.AssignmentStatusActive)
	if err != nil {
		return nil, err
	}
	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	return s.FindAssignmentByID(ctx, assignmentID)
}

func (s *Store) CancelAssignment(ctx context.Context, assignmentID string, at time.Time) (*domain.RunnerAssignment, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM runner_assignments
		WHERE id = $1
		FOR UPDATE
	`, assignmentID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.AssignmentStatusActive {
		return nil, store.ErrInvalidSettlement
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, assigned_qty
		FROM runner_assignment_items
		WHERE assignment_id = $1
	`, assignmentID)
	if err != nil {
		return nil, err
	}
	qtyByProduct := map[string]int64{}
	for itemRows.Next() {
		var productID string
		var assigned int64
		if err := itemRows.Scan(&productID, &assigned); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		qtyByProduct[productID] = assigned
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	required, err := recipeRequirementsTx(ctx, pgTx, qtyByProduct)
	if err != nil {
		return nil, err
	}
	if err := restoreIngredientsTx(ctx, pgTx, required); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE runner_assignment_items
		SET returned_qty = assigned_qty
		WHERE assignment_id = $1
	`, assignmentID)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE runner_assignments
		SET status = $2, closed_at = $3
		WHERE id = $1 AND status = $4
	`, assignmentID, domain.AssignmentStatusCancelled, at, domain.AssignmentStatusActive)
	if err != nil {
		return nil, err
	}
	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	return s.FindAssignmentByID(ctx, assignmentID)
}

func (s *Store) ListAssignments(ctx context.Context, runnerID string, from time.Time, to time.Time) ([]domain.RunnerAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.runner_id, COALESCE(p.name,''), a.assigned_by, COALESCE(a.shift_id,''),
			a.idempotency_key, COALESCE(a.notes,''), a.status, a.created_at, a.closed_at
		FROM runner_assignments a
		LEFT JOIN profiles p ON p.id = a.runner_id
		WHERE ($1 = '' OR a.runner_id = $1)
			AND a.created_at >= $2
			AND a.created_at < $3
		ORDER BY a.created_at DESC
	`, runnerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assignments := make([]*domain.RunnerAssignment, 0, 32)
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachAssignmentItems(ctx, assignments); err != nil {
		return nil, err
	}

	result := make([]domain.RunnerAssignment, 0, len(assignments))
	for _, assignment := range assignments {
		result = append(result, *assignment)
	}
	return result, nil
}

func (s *Store) CommitAudit(ctx context.Context, userID string, notes string, items []domain.AuditItemRequest, at time.Time) (*domain.InventoryAudit, error) {
	if len(items) == 0 {
		return nil, store.ErrNothingToCommit
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	locked := map[string]decimal.Decimal{}
	seen := map[string]struct{}{}
	for _, item := range items {
		if _, dup := seen[item.IngredientID]; dup {
			return nil, store.ErrValidation
		}
		seen[item.IngredientID] = struct{}{}
		if item.CountedStock.IsNegative() {
			return nil, store.ErrValidation
		}
		locked[item.IngredientID] = decimal.Zero
	}
	current, err := lockIngredientsTx(ctx, pgTx, locked)
	if err != nil {
		return nil, err
	}

	auditItems := make([]domain.AuditItem, 0, len(items))
	for _, item := range items {
		li := current[item.IngredientID]
		if item.ExpectedStock != nil && !li.stock.Equal(*item.ExpectedStock) {
			return nil, fmt.Errorf("%w: %s moved since count", store.ErrStockConflict, li.name)
		}
		auditItems = append(auditItems, domain.AuditItem{
			IngredientID:  item.IngredientID,
			Name:          li.name,
			PreviousStock: li.stock,
			CountedStock:  item.CountedStock,
			Delta:         item.CountedStock.Sub(li.stock),
		})
	}

	for _, item := range auditItems {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE ingredients
			SET stock = $2, updated_at = $3
			WHERE id = $1
		`, item.IngredientID, item.CountedStock, at)
		if err != nil {
			return nil, err
		}
	}

	audit := domain.InventoryAudit{
		ID:        xid.New("iaud"),
		UserID:    userID,
		Notes:     notes,
		CreatedAt: at,
		Items:     auditItems,
	}
	err = pgTx.QueryRowContext(ctx, `
		SELECT COALESCE(name,'') FROM profiles WHERE id = $1
	`, userID).Scan(&audit.UserName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO inventory_audits (id, user_id, notes, created_at)
		VALUES ($1,$2,$3,$4)
	`, audit.ID, audit.UserID, audit.Notes, audit.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, item := range audit.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO inventory_audit_items (audit_id, ingredient_id, name, previous_stock, counted_stock, delta)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, audit.ID, item.IngredientID, item.Name, item.PreviousStock, item.CountedStock, item.Delta)
		if err != nil {
			return nil, err
		}
	}

	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	return &audit, nil
}

func (s *Store) ListAudits(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.InventoryAudit, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.user_id, COALESCE(p.name,''), COALESCE(a.notes,''), a.created_at
		FROM inventory_audits a
		LEFT JOIN profiles p ON p.id = a.user_id
		WHERE a.created_at >= $1 AND a.created_at < $2
		ORDER BY a.created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	audits := make([]domain.InventoryAudit, 0, limit)
	ids := make([]string, 0, limit)
	index := map[string]int{}
	for rows.Next() {
		var audit domain.InventoryAudit
		if err := rows.Scan(&audit.ID, &audit.UserID, &audit.UserName, &audit.Notes, &audit.CreatedAt); err != nil {
			return nil, err
		}
		audit.CreatedAt = audit.CreatedAt.UTC()
		audit.Items = make([]domain.AuditItem, 0, 8)
		index[audit.ID] = len(audits)
		audits = append(audits, audit)
		ids = append(ids, audit.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return audits, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, ingredient_id, name, previous_stock, counted_stock, delta
		FROM inventory_audit_items
		WHERE audit_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var auditID string
		var item domain.AuditItem
		if err := itemRows.Scan(&auditID, &item.IngredientID, &item.Name, &item.PreviousStock, &item.CountedStock, &item.Delta); err != nil {
			return nil, err
		}
		if i, ok := index[auditID]; ok {
			audits[i].Items = append(audits[i].Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return audits, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if strings.TrimSpace(expense.Description) == "" || expense.AmountCents < 1 {
		return nil, store.ErrValidation
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	switch expense.Category {
	case domain.ExpenseCategoryGeneral:
		if expense.IngredientID != "" || !expense.Qty.IsZero() {
			return nil, store.ErrValidation
		}
	case domain.ExpenseCategoryInventory:
		if !expense.Qty.IsPositive() {
			return nil, store.ErrValidation
		}
		required := map[string]decimal.Decimal{expense.IngredientID: expense.Qty}
		if err := restoreIngredientsTx(ctx, pgTx, required); err != nil {
			return nil, err
		}
	default:
		return nil, store.ErrValidation
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO expenses (id, category, description, amount_cents, ingredient_id, qty, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, expense.ID, expense.Category, expense.Description, expense.AmountCents,
		nullIfEmpty(expense.IngredientID), expense.Qty, expense.CreatedBy, expense.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, description, amount_cents, COALESCE(ingredient_id,''), qty, created_by, created_at
		FROM expenses
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 64)
	for rows.Next() {
		var expense domain.Expense
		if err := rows.Scan(&expense.ID, &expense.Category, &expense.Description, &expense.AmountCents, &expense.IngredientID, &expense.Qty, &expense.CreatedBy, &expense.CreatedAt); err != nil {
			return nil, err
		}
		expense.CreatedAt = expense.CreatedAt.UTC()
		expenses = append(expenses, expense)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) CreateEmployeeMeal(ctx context.Context, meal domain.EmployeeMeal) (*domain.EmployeeMeal, error) {
	if strings.TrimSpace(meal.EmployeeID) == "" || meal.Qty < 1 {
		return nil, store.ErrValidation
	}
	if meal.ID == "" {
		meal.ID = xid.New("meal")
	}
	if meal.CreatedAt.IsZero() {
		meal.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var active bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT active FROM products WHERE id = $1
	`, meal.ProductID).Scan(&active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, meal.ProductID)
		}
		return nil, err
	}
	if !active {
		return nil, fmt.Errorf("%w: product %s unavailable", store.ErrValidation, meal.ProductID)
	}

	required, err := recipeRequirementsTx(ctx, pgTx, map[string]int64{meal.ProductID: meal.Qty})
	if err != nil {
		return nil, err
	}
	if err := consumeIngredientsTx(ctx, pgTx, required); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO employee_meals (id, employee_id, product_id, qty, recorded_by, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, meal.ID, meal.EmployeeID, meal.ProductID, meal.Qty, meal.RecordedBy, meal.Notes, meal.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := commitErr(pgTx.Commit()); err != nil {
		return nil, err
	}
	created := meal
	return &created, nil
}

func (s *Store) ListEmployeeMeals(ctx context.Context, from time.Time, to time.Time) ([]domain.EmployeeMeal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, product_id, qty, recorded_by, COALESCE(notes,''), created_at
		FROM employee_meals
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meals := make([]domain.EmployeeMeal, 0, 32)
	for rows.Next() {
		var meal domain.EmployeeMeal
		if err := rows.Scan(&meal.ID, &meal.EmployeeID, &meal.ProductID, &meal.Qty, &meal.RecordedBy, &meal.Notes, &meal.CreatedAt); err != nil {
			return nil, err
		}
		meal.CreatedAt = meal.CreatedAt.UTC()
		meals = append(meals, meal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meals, nil
}

func (s *Store) CreateProfile(ctx context.Context, profile domain.ProfileAccount) error {
	profile.Username = strings.ToLower(strings.TrimSpace(profile.Username))
	if profile.Username == "" || strings.TrimSpace(profile.PasswordHash) == "" {
		return store.ErrValidation
	}
	if profile.Role != domain.RoleAdmin && profile.Role != domain.RoleSeller && profile.Role != domain.RoleRunner {
		return store.ErrValidation
	}
	if profile.ID == "" {
		profile.ID = xid.New("prof")
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, username, password_hash, pin_hash, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,true,$7,now())
	`, profile.ID, profile.Name, profile.Username, profile.PasswordHash, nullIfEmpty(profile.PINHash), profile.Role, profile.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrValidation
		}
		return err
	}
	return nil
}

func (s *Store) GetProfileByUsername(ctx context.Context, username string) (*domain.ProfileAccount, error) {
	return s.findProfile(ctx, "username", strings.ToLower(strings.TrimSpace(username)))
}

func (s *Store) GetProfileByID(ctx context.Context, id string) (*domain.ProfileAccount, error) {
	return s.findProfile(ctx, "id", id)
}

func (s *Store) findProfile(ctx context.Context, column string, value string) (*domain.ProfileAccount, error) {
	if column != "id" && column != "username" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var profile domain.ProfileAccount
	var pinHash sql.NullString
	query := fmt.Sprintf(`
		SELECT id, name, username, password_hash, pin_hash, role, active, created_at
		FROM profiles
		WHERE %s = $1
	`, column)
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&profile.ID,
		&profile.Name,
		&profile.Username,
		&profile.PasswordHash,
		&pinHash,
		&profile.Role,
		&profile.Active,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if pinHash.Valid {
		profile.PINHash = pinHash.String
	}
	profile.CreatedAt = profile.CreatedAt.UTC()
	return &profile, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]domain.ProfileAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, username, password_hash, pin_hash, role, active, created_at
		FROM profiles
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]domain.ProfileAccount, 0, 16)
	for rows.Next() {
		var profile domain.ProfileAccount
		var pinHash sql.NullString
		if err := rows.Scan(&profile.ID, &profile.Name, &profile.Username, &profile.PasswordHash, &pinHash, &profile.Role, &profile.Active, &profile.CreatedAt); err != nil {
			return nil, err
		}
		if pinHash.Valid {
			profile.PINHash = pinHash.String
		}
		profile.CreatedAt = profile.CreatedAt.UTC()
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return profiles, nil
}

func (s *Store) UpdateProfilePassword(ctx context.Context, username string, passwordHash string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(passwordHash) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET password_hash = $2, updated_at = now()
		WHERE username = $1
	`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// commitErr maps serialization failures (SQLSTATE 40001) to
// ErrInvalidTransaction so callers can retry instead of treating the
// conflict as a server fault.
func commitErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("%w: serialization conflict", store.ErrInvalidTransaction)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
