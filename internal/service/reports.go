package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/store"
)

const (
	availabilityCacheKey   = "availability:v1"
	defaultAvailabilityTTL = 30 * time.Second
)

// currentShiftID resolves the shift whose time window covers the given
// instant. Shifts may wrap midnight (start > end). Returns "" when no shift
// matches or the catalog cannot be read.
func (s *Service) currentShiftID(ctx context.Context, at time.Time) string {
	shifts, err := s.repo.ListShifts(ctx)
	if err != nil {
		log.Printf("[service] WARN: failed to resolve current shift: %v", err)
		return ""
	}

	minutes := at.Hour()*60 + at.Minute()
	for _, shift := range shifts {
		if shift.StartMinutes <= shift.EndMinutes {
			if minutes >= shift.StartMinutes && minutes < shift.EndMinutes {
				return shift.ID
			}
		} else if minutes >= shift.StartMinutes || minutes < shift.EndMinutes {
			return shift.ID
		}
	}
	return ""
}

func (s *Service) CurrentShift(ctx context.Context) (*domain.Shift, error) {
	shifts, err := s.repo.ListShifts(ctx)
	if err != nil {
		return nil, err
	}
	id := s.currentShiftID(ctx, time.Now().UTC())
	for _, shift := range shifts {
		if shift.ID == id {
			found := shift
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Service) ProductAvailability(ctx context.Context) ([]domain.ProductAvailability, error) {
	if cached, hit, err := s.availability.Get(ctx, availabilityCacheKey); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: availability cache read failed: %v", err)
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	ingredients, err := s.repo.ListIngredients(ctx)
	if err != nil {
		return nil, err
	}
	stock := make(map[string]domain.Ingredient, len(ingredients))
	for _, ing := range ingredients {
		stock[ing.ID] = ing
	}

	availability := make([]domain.ProductAvailability, 0, len(products))
	for _, product := range products {
		if !product.Active {
			continue
		}
		availability = append(availability, domain.ProductAvailability{
			ProductID:      product.ID,
			Name:           product.Name,
			Category:       product.Category,
			PriceCents:     product.PriceCents,
			AvailableUnits: availableUnits(product, stock),
		})
	}

	if err := s.availability.Set(ctx, availabilityCacheKey, availability, s.availabilityTTL); err != nil {
		log.Printf("[service] WARN: availability cache write failed: %v", err)
	}
	return availability, nil
}

// availableUnits is the floor over every recipe line of stock / per-unit qty.
// An empty recipe or a missing ingredient means zero.
func availableUnits(product domain.Product, stock map[string]domain.Ingredient) int64 {
	if len(product.Recipe) == 0 {
		return 0
	}

	units := int64(-1)
	for _, line := range product.Recipe {
		if !line.Qty.IsPositive() {
			return 0
		}
		ing, ok := stock[line.IngredientID]
		if !ok {
			return 0
		}
		lineUnits := ing.Stock.Div(line.Qty).IntPart()
		if lineUnits < 0 {
			lineUnits = 0
		}
		if units < 0 || lineUnits < units {
			units = lineUnits
		}
	}
	if units < 0 {
		return 0
	}
	return units
}

func (s *Service) invalidateAvailability(ctx context.Context) {
	if err := s.availability.Invalidate(ctx, availabilityCacheKey); err != nil {
		log.Printf("[service] WARN: availability cache invalidation failed: %v", err)
	}
}

func (s *Service) LowStock(ctx context.Context) ([]domain.Ingredient, error) {
	ingredients, err := s.repo.ListIngredients(ctx)
	if err != nil {
		return nil, err
	}

	low := make([]domain.Ingredient, 0, 8)
	for _, ing := range ingredients {
		if ing.MinStock.IsPositive() && ing.Stock.Cmp(ing.MinStock) <= 0 {
			low = append(low, ing)
		}
	}
	return low, nil
}

func (s *Service) ShiftSales(ctx context.Context, date string, shiftID string) (domain.ShiftSalesReport, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.ShiftSalesReport{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}

	from, to, err := dayRange(date)
	if err != nil {
		return domain.ShiftSalesReport{}, err
	}
	sales, err := s.repo.ListSales(ctx, from, to, strings.TrimSpace(shiftID))
	if err != nil {
		return domain.ShiftSalesReport{}, err
	}

	report := domain.ShiftSalesReport{
		Date:    from.Format("2006-01-02"),
		ShiftID: strings.TrimSpace(shiftID),
		Sales:   make([]domain.Sale, 0, len(sales)),
	}
	for _, sale := range sales {
		if sale.Status == domain.SaleStatusVoid {
			continue
		}
		report.Sales = append(report.Sales, sale)
		report.TransactionCount++
		report.TotalCents += sale.TotalCents
	}
	return report, nil
}

func (s *Service) ShiftPaymentMethods(ctx context.Context, fromDate string, toDate string) (domain.PaymentMethodsReport, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.PaymentMethodsReport{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	return s.paymentMethodsReport(ctx, fromDate, toDate, nil)
}

func (s *Service) RunnerPaymentMethods(ctx context.Context, fromDate string, toDate string) (domain.PaymentMethodsReport, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.PaymentMethodsReport{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}

	profiles, err := s.repo.ListProfiles(ctx)
	if err != nil {
		return domain.PaymentMethodsReport{}, err
	}
	runners := make(map[string]struct{}, len(profiles))
	for _, profile := range profiles {
		if profile.Role == domain.RoleRunner {
			runners[profile.ID] = struct{}{}
		}
	}
	return s.paymentMethodsReport(ctx, fromDate, toDate, runners)
}

// paymentMethodsReport sums sale payments per method. A non-nil sellers set
// restricts the report to sales created by those seller ids.
func (s *Service) paymentMethodsReport(ctx context.Context, fromDate string, toDate string, sellers map[string]struct{}) (domain.PaymentMethodsReport, error) {
	from, to, err := rangeBounds(fromDate, toDate)
	if err != nil {
		return domain.PaymentMethodsReport{}, err
	}
	sales, err := s.repo.ListSales(ctx, from, to, "")
	if err != nil {
		return domain.PaymentMethodsReport{}, err
	}

	totals := map[string]*domain.PaymentMethodTotal{}
	order := make([]string, 0, 8)
	for _, sale := range sales {
		if sale.Status == domain.SaleStatusVoid {
			continue
		}
		if sellers != nil {
			if _, ok := sellers[sale.SellerID]; !ok {
				continue
			}
		}
		for _, payment := range sale.Payments {
			entry, ok := totals[payment.MethodID]
			if !ok {
				entry = &domain.PaymentMethodTotal{MethodID: payment.MethodID, MethodName: payment.MethodName}
				totals[payment.MethodID] = entry
				order = append(order, payment.MethodID)
			}
			entry.Transactions++
			entry.TotalCents += payment.AmountCents
		}
	}

	sort.Strings(order)
	report := domain.PaymentMethodsReport{
		From:    from.Format("2006-01-02"),
		To:      to.Add(-24 * time.Hour).Format("2006-01-02"),
		Methods: make([]domain.PaymentMethodTotal, 0, len(order)),
	}
	for _, id := range order {
		report.Methods = append(report.Methods, *totals[id])
	}
	return report, nil
}

func (s *Service) MonthlyReport(ctx context.Context, year int, month int) (domain.MonthlyReport, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.MonthlyReport{}, err
	}
	if year < 2000 || year > 2200 || month < 1 || month > 12 {
		return domain.MonthlyReport{}, store.ErrValidation
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	sales, err := s.repo.ListSales(ctx, from, to, "")
	if err != nil {
		return domain.MonthlyReport{}, err
	}
	expenses, err := s.repo.ListExpenses(ctx, from, to)
	if err != nil {
		return domain.MonthlyReport{}, err
	}

	days := int(to.Sub(from).Hours() / 24)
	report := domain.MonthlyReport{
		Year:       year,
		Month:      month,
		DailyStats: make([]domain.DailyStat, days),
	}
	for i := range report.DailyStats {
		report.DailyStats[i].Date = from.AddDate(0, 0, i).Format("2006-01-02")
	}

	unitsByProduct := map[string]*domain.ProductInsight{}
	for _, sale := range sales {
		if sale.Status == domain.SaleStatusVoid {
			continue
		}
		day := int(sale.CreatedAt.Sub(from).Hours() / 24)
		if day < 0 || day >= days {
			continue
		}
		report.DailyStats[day].SalesCents += sale.TotalCents
		report.SalesCents += sale.TotalCents
		for _, item := range sale.Items {
			insight, ok := unitsByProduct[item.ProductID]
			if !ok {
				insight = &domain.ProductInsight{ProductID: item.ProductID, Name: item.Name}
				unitsByProduct[item.ProductID] = insight
			}
			insight.UnitsSold += item.Qty
		}
	}
	for _, expense := range expenses {
		day := int(expense.CreatedAt.Sub(from).Hours() / 24)
		if day < 0 || day >= days {
			continue
		}
		report.DailyStats[day].ExpensesCents += expense.AmountCents
		report.ExpensesCents += expense.AmountCents
	}
	for i := range report.DailyStats {
		report.DailyStats[i].ProfitCents = report.DailyStats[i].SalesCents - report.DailyStats[i].ExpensesCents
	}
	report.ProfitCents = report.SalesCents - report.ExpensesCents

	for _, insight := range unitsByProduct {
		if report.BestProduct == nil || insight.UnitsSold > report.BestProduct.UnitsSold ||
			(insight.UnitsSold == report.BestProduct.UnitsSold && insight.ProductID < report.BestProduct.ProductID) {
			best := *insight
			report.BestProduct = &best
		}
		if report.WorstProduct == nil || insight.UnitsSold < report.WorstProduct.UnitsSold ||
			(insight.UnitsSold == report.WorstProduct.UnitsSold && insight.ProductID < report.WorstProduct.ProductID) {
			worst := *insight
			report.WorstProduct = &worst
		}
	}
	return report, nil
}

func (s *Service) ProfitLoss(ctx context.Context, fromDate string, toDate string) (domain.ProfitLossReport, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.ProfitLossReport{}, err
	}

	from, to, err := rangeBounds(fromDate, toDate)
	if err != nil {
		return domain.ProfitLossReport{}, err
	}
	sales, err := s.repo.ListSales(ctx, from, to, "")
	if err != nil {
		return domain.ProfitLossReport{}, err
	}
	expenses, err := s.repo.ListExpenses(ctx, from, to)
	if err != nil {
		return domain.ProfitLossReport{}, err
	}

	report := domain.ProfitLossReport{
		From: from.Format("2006-01-02"),
		To:   to.Add(-24 * time.Hour).Format("2006-01-02"),
	}

	methodTotals := map[string]*domain.PaymentMethodTotal{}
	sellerTotals := map[string]*domain.SellerTotal{}
	for _, sale := range sales {
		if sale.Status == domain.SaleStatusVoid {
			continue
		}
		report.SalesCents += sale.TotalCents
		for _, payment := range sale.Payments {
			entry, ok := methodTotals[payment.MethodID]
			if !ok {
				entry = &domain.PaymentMethodTotal{MethodID: payment.MethodID, MethodName: payment.MethodName}
				methodTotals[payment.MethodID] = entry
			}
			entry.Transactions++
			entry.TotalCents += payment.AmountCents
		}
		seller, ok := sellerTotals[sale.SellerID]
		if !ok {
			seller = &domain.SellerTotal{SellerID: sale.SellerID, SellerName: sale.SellerName}
			sellerTotals[sale.SellerID] = seller
		}
		seller.TotalCents += sale.TotalCents
	}

	categoryTotals := map[string]int64{}
	for _, expense := range expenses {
		report.ExpensesCents += expense.AmountCents
		categoryTotals[expense.Category] += expense.AmountCents
	}
	report.ProfitCents = report.SalesCents - report.ExpensesCents

	for _, category := range []string{domain.ExpenseCategoryGeneral, domain.ExpenseCategoryInventory} {
		if total, ok := categoryTotals[category]; ok {
			report.ExpenseBreakdown = append(report.ExpenseBreakdown, domain.ExpenseCategoryTotal{
				Category:   category,
				TotalCents: total,
			})
		}
	}

	methodIDs := make([]string, 0, len(methodTotals))
	for id := range methodTotals {
		methodIDs = append(methodIDs, id)
	}
	sort.Strings(methodIDs)
	for _, id := range methodIDs {
		report.SalesByMethod = append(report.SalesByMethod, *methodTotals[id])
	}

	sellerIDs := make([]string, 0, len(sellerTotals))
	for id := range sellerTotals {
		sellerIDs = append(sellerIDs, id)
	}
	sort.Strings(sellerIDs)
	for _, id := range sellerIDs {
		report.SalesBySeller = append(report.SalesBySeller, *sellerTotals[id])
	}
	return report, nil
}

func (s *Service) RunnerSummary(ctx context.Context, runnerID string, fromDate string, toDate string) (domain.RunnerSummary, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.RunnerSummary{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	if actor.Role == domain.RoleRunner {
		runnerID = actor.ID
	}

	from, to, err := rangeBounds(fromDate, toDate)
	if err != nil {
		return domain.RunnerSummary{}, err
	}
	assignments, err := s.repo.ListAssignments(ctx, strings.TrimSpace(runnerID), from, to)
	if err != nil {
		return domain.RunnerSummary{}, err
	}

	summary := domain.RunnerSummary{
		RunnerID:    strings.TrimSpace(runnerID),
		From:        from.Format("2006-01-02"),
		To:          to.Add(-24 * time.Hour).Format("2006-01-02"),
		Assignments: assignments,
	}
	for _, assignment := range assignments {
		if assignment.Status == domain.AssignmentStatusCancelled {
			continue
		}
		if assignment.Status == domain.AssignmentStatusActive {
			summary.ActiveAssignments++
		}
		for _, item := range assignment.Items {
			summary.TotalAssigned += item.AssignedQty
			summary.TotalReturned += item.ReturnedQty
			summary.TotalSold += item.Sold()
			summary.TotalValueCents += item.Sold() * item.UnitPriceCents
		}
	}
	return summary, nil
}

func (s *Service) RunnerSalesByPeriod(ctx context.Context, fromDate string, toDate string) ([]domain.RunnerDailySales, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}

	from, to, err := rangeBounds(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	assignments, err := s.repo.ListAssignments(ctx, "", from, to)
	if err != nil {
		return nil, err
	}

	type key struct {
		date     string
		runnerID string
	}
	totals := map[key]*domain.RunnerDailySales{}
	for _, assignment := range assignments {
		if assignment.Status == domain.AssignmentStatusCancelled {
			continue
		}
		k := key{date: assignment.CreatedAt.Format("2006-01-02"), runnerID: assignment.RunnerID}
		entry, ok := totals[k]
		if !ok {
			entry = &domain.RunnerDailySales{
				Date:       k.date,
				RunnerID:   assignment.RunnerID,
				RunnerName: assignment.RunnerName,
			}
			totals[k] = entry
		}
		entry.AssignmentCount++
		for _, item := range assignment.Items {
			entry.SoldValueCents += item.Sold() * item.UnitPriceCents
		}
	}

	result := make([]domain.RunnerDailySales, 0, len(totals))
	for _, entry := range totals {
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date == result[j].Date {
			return result[i].RunnerID < result[j].RunnerID
		}
		return result[i].Date < result[j].Date
	})
	return result, nil
}

func (s *Service) Receivables(ctx context.Context) (domain.ReceivablesReport, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return domain.ReceivablesReport{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}

	pending, err := s.repo.ListPendingSales(ctx)
	if err != nil {
		return domain.ReceivablesReport{}, err
	}

	now := time.Now().UTC()
	report := domain.ReceivablesReport{
		Receivables: make([]domain.Receivable, 0, len(pending)),
	}
	for _, sale := range pending {
		age := int64(now.Sub(sale.CreatedAt).Hours() / 24)
		if age < 0 {
			age = 0
		}
		report.Receivables = append(report.Receivables, domain.Receivable{Sale: sale, AgeDays: age})
		report.Count++
		report.TotalCents += sale.TotalCents
	}
	return report, nil
}
