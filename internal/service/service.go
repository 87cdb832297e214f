package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/settings"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

// ErrForbidden is returned when the acting user's role does not permit the
// requested operation.
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
	notifier        notify.Notifier
	taxRates        settings.TaxRateProvider
	defaultBranchID string
}

func New(repo store.Repository, notifier notify.Notifier, taxRates settings.TaxRateProvider, defaultBranchID string) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "main-branch"
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}

	return &Service{
		repo:            repo,
		notifier:        notifier,
		taxRates:        taxRates,
		defaultBranchID: defaultBranchID,
	}
}

// AdjustStock applies a manual inventory correction. The reason must come
// from the closed adjustment vocabulary; SALE and REFUND movements are
// written by their own flows and never through here.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (*domain.StockAdjustmentResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleManager && actor.Role != domain.RoleAdmin) {
		return nil, ErrForbidden
	}

	req.SKUID = strings.TrimSpace(req.SKUID)
	req.Reason = strings.ToUpper(strings.TrimSpace(req.Reason))
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	if req.SKUID == "" || req.Qty == 0 {
		return nil, store.ErrInvalidInput
	}
	if !domain.AdjustmentReasons[req.Reason] {
		return nil, fmt.Errorf("%w: unknown adjustment reason %q", store.ErrInvalidInput, req.Reason)
	}

	stock, movement, err := s.repo.ApplyStockMovement(ctx, store.StockMovementInput{
		SKUID:    req.SKUID,
		BranchID: req.BranchID,
		Qty:      req.Qty,
		Type:     domain.MovementAdjustment,
		Reason:   req.Reason,
		UserID:   actor.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, req.BranchID, "stock_adjust", "stock", stock.ID,
		fmt.Sprintf("sku=%s,qty=%d,reason=%s", req.SKUID, req.Qty, req.Reason))
	s.checkLowStock(ctx, stock)

	return &domain.StockAdjustmentResult{Stock: *stock, Movement: *movement}, nil
}

func (s *Service) GetStock(ctx context.Context, skuID string, branchID string) (*domain.Stock, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if skuID == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetStock(ctx, skuID, branchID)
}

func (s *Service) ListStockMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	return s.repo.ListStockMovements(ctx, filter)
}

// CreateSale processes a checkout. The sale graph and the per-line SALE
// stock decrements commit in one transaction; replaying the same
// idempotency key returns the already-persisted sale without touching
// stock again.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.SaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}

	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	if req.CashierID == "" {
		req.CashierID = actor.UserID
	}
	if req.TerminalID == "" || len(req.Items) == 0 || len(req.Payments) == 0 {
		return nil, store.ErrInvalidInput
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindSaleByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return &domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	subtotal := decimal.Zero
	for _, in := range req.Items {
		if in.SKUID == "" || in.Qty < 1 || !in.Price.IsPositive() {
			return nil, store.ErrInvalidInput
		}
		// Negative discounts are clamped to zero, not rejected.
		if in.Discount.IsNegative() {
			in.Discount = decimal.Zero
		}
		lineTotal := in.Price.Mul(decimal.NewFromInt(int64(in.Qty))).Sub(in.Discount)
		if lineTotal.IsNegative() {
			return nil, fmt.Errorf("%w: discount exceeds line value for sku %s", store.ErrInvalidInput, in.SKUID)
		}
		subtotal = subtotal.Add(lineTotal)
		items = append(items, domain.SaleItem{
			SKUID:    in.SKUID,
			Qty:      in.Qty,
			Price:    in.Price,
			Discount: in.Discount,
		})
	}

	payments := make([]domain.Payment, 0, len(req.Payments))
	for _, in := range req.Payments {
		if in.Method == "" || !in.Amount.IsPositive() {
			return nil, store.ErrInvalidInput
		}
		payments = append(payments, domain.Payment{
			Method:   strings.ToUpper(in.Method),
			Amount:   in.Amount,
			Provider: in.Provider,
		})
	}

	rate, err := s.taxRates.TaxRate(ctx, req.BranchID)
	if err != nil {
		return nil, fmt.Errorf("resolve tax rate: %w", err)
	}
	tax := subtotal.Mul(rate).Round(2)
	total := subtotal.Add(tax)

	sale := domain.Sale{
		ID:             xid.New("sale"),
		BranchID:       req.BranchID,
		TerminalID:     req.TerminalID,
		CashierID:      req.CashierID,
		IdempotencyKey: req.IdempotencyKey,
		Subtotal:       subtotal.Round(2),
		Tax:            tax,
		Total:          total.Round(2),
		Items:          items,
		Payments:       payments,
	}

	created, duplicate, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &domain.SaleResponse{Sale: *created, Duplicate: true}, nil
	}

	s.logAudit(ctx, created.BranchID, "sale_create", "sale", created.ID,
		fmt.Sprintf("total=%s,items=%d", created.Total.StringFixed(2), len(created.Items)))
	s.notifier.EmitBranch(ctx, created.BranchID, "sale.created", created)

	for _, item := range created.Items {
		stock, err := s.repo.GetStock(ctx, item.SKUID, created.BranchID)
		if err != nil {
			continue
		}
		s.checkLowStock(ctx, stock)
	}

	return &domain.SaleResponse{Sale: *created, Duplicate: false}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	if id == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.FindSaleByID(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, filter)
}

// RefundSale reverses part or all of a sale. Omitting items refunds the
// full unrefunded remainder. Refunded quantities restock immediately via
// REFUND movements in the same transaction as the refund rows.
func (s *Service) RefundSale(ctx context.Context, req domain.RefundCreateRequest) (*domain.Refund, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}
	if req.SaleID == "" {
		return nil, store.ErrInvalidInput
	}

	sale, err := s.repo.FindSaleByID(ctx, req.SaleID)
	if err != nil {
		return nil, err
	}

	// Cashiers may only reverse their own same-day mistakes; anything
	// older needs a manager.
	if actor.Role == domain.RoleCashier {
		now := time.Now().UTC()
		saleDay := sale.CreatedAt.UTC()
		if saleDay.Year() != now.Year() || saleDay.YearDay() != now.YearDay() {
			return nil, fmt.Errorf("%w: cashier refunds are limited to same-day sales", ErrForbidden)
		}
	}

	soldBySKU := make(map[string]domain.SaleItem, len(sale.Items))
	for _, item := range sale.Items {
		soldBySKU[item.SKUID] = item
	}
	refundedBySKU := make(map[string]int)
	for _, prior := range sale.Refunds {
		for _, item := range prior.Items {
			refundedBySKU[item.SKUID] += item.Qty
		}
	}

	var requested []domain.RefundItem
	if len(req.Items) == 0 {
		// Full refund: whatever remains unrefunded on every line.
		for _, item := range sale.Items {
			remaining := item.Qty - refundedBySKU[item.SKUID]
			if remaining > 0 {
				requested = append(requested, domain.RefundItem{SKUID: item.SKUID, Qty: remaining})
			}
		}
		if len(requested) == 0 {
			return nil, store.ErrNothingToRefund
		}
	} else {
		for _, in := range req.Items {
			if in.SKUID == "" || in.Qty < 1 {
				return nil, store.ErrInvalidInput
			}
			sold, ok := soldBySKU[in.SKUID]
			if !ok {
				return nil, &store.RefundExceedsError{SKUID: in.SKUID}
			}
			if refundedBySKU[in.SKUID]+in.Qty > sold.Qty {
				return nil, &store.RefundExceedsError{SKUID: in.SKUID}
			}
			requested = append(requested, domain.RefundItem{SKUID: in.SKUID, Qty: in.Qty})
		}
	}

	amount := decimal.Zero
	for _, item := range requested {
		sold := soldBySKU[item.SKUID]
		soldQty := decimal.NewFromInt(int64(sold.Qty))
		// Per-unit value net of the line discount.
		unit := sold.Price.Mul(soldQty).Sub(sold.Discount).Div(soldQty)
		amount = amount.Add(unit.Mul(decimal.NewFromInt(int64(item.Qty))))
	}

	refund := domain.Refund{
		ID:        xid.New("refund"),
		SaleID:    sale.ID,
		Amount:    amount.Round(2),
		Reason:    strings.TrimSpace(req.Reason),
		CreatedBy: actor.UserID,
		Items:     requested,
	}

	created, err := s.repo.CreateRefund(ctx, refund, sale.BranchID)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, sale.BranchID, "refund_create", "refund", created.ID,
		fmt.Sprintf("sale=%s,amount=%s", sale.ID, created.Amount.StringFixed(2)))
	s.notifier.EmitBranch(ctx, sale.BranchID, "refund.created", created)

	return created, nil
}

// StartSession opens a drawer for the acting cashier. The store layer
// guarantees at most one open session per cashier.
func (s *Service) StartSession(ctx context.Context, req domain.SessionStartRequest) (*domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	if req.TerminalID == "" || req.StartAmount.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	session, err := s.repo.CreateCashSession(ctx, domain.CashSession{
		ID:          xid.New("csh"),
		BranchID:    req.BranchID,
		TerminalID:  req.TerminalID,
		CashierID:   actor.UserID,
		StartAmount: req.StartAmount.Round(2),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, session.BranchID, "session_start", "cash_session", session.ID,
		fmt.Sprintf("start=%s", session.StartAmount.StringFixed(2)))
	s.notifier.EmitBranch(ctx, session.BranchID, "cash.session_started", session)
	return session, nil
}

func (s *Service) GetCurrentSession(ctx context.Context) (*domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}
	return s.repo.GetActiveSession(ctx, actor.UserID)
}

// AddCashTransaction records a mid-session drawer movement (FLOAT_IN,
// DROP or PAYOUT) against the acting cashier's open session.
func (s *Service) AddCashTransaction(ctx context.Context, req domain.CashTransactionRequest) (*domain.CashTransaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}
	switch req.Type {
	case domain.CashFloatIn, domain.CashDrop, domain.CashPayout:
	default:
		return nil, fmt.Errorf("%w: unknown cash transaction type %q", store.ErrInvalidInput, req.Type)
	}
	if !req.Amount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	session, err := s.repo.GetActiveSession(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.AddCashTransaction(ctx, domain.CashTransaction{
		ID:        xid.New("cashtx"),
		SessionID: session.ID,
		Type:      req.Type,
		Amount:    req.Amount.Round(2),
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, session.BranchID, "cash_transaction", "cash_session", session.ID,
		fmt.Sprintf("type=%s,amount=%s", tx.Type, tx.Amount.StringFixed(2)))
	s.notifier.EmitBranch(ctx, session.BranchID, "cash.transaction", tx)
	return tx, nil
}

// EndSession closes the acting cashier's drawer. The expected amount is
// computed from persisted rows, never from the counted figure:
//
//	expected = start + cash sales - cash refunds + float in - drops - payouts
func (s *Service) EndSession(ctx context.Context, req domain.SessionEndRequest) (*domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}
	if req.EndAmount.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	session, err := s.repo.GetActiveSession(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	expected, err := s.expectedAmount(ctx, session)
	if err != nil {
		return nil, err
	}

	closed, err := s.repo.CloseCashSession(ctx, session.ID, req.EndAmount.Round(2), expected, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	variance := req.EndAmount.Sub(expected)
	s.logAudit(ctx, closed.BranchID, "session_end", "cash_session", closed.ID,
		fmt.Sprintf("counted=%s,expected=%s,variance=%s",
			req.EndAmount.StringFixed(2), expected.StringFixed(2), variance.StringFixed(2)))
	s.notifier.EmitBranch(ctx, closed.BranchID, "cash.session_ended", closed)

	return closed, nil
}

func (s *Service) expectedAmount(ctx context.Context, session *domain.CashSession) (decimal.Decimal, error) {
	cashSales, err := s.repo.SumCashPayments(ctx, session.CashierID, session.StartTime, session.EndTime)
	if err != nil {
		return decimal.Zero, err
	}
	cashRefunds, err := s.repo.SumCashRefunds(ctx, session.CashierID, session.StartTime, session.EndTime)
	if err != nil {
		return decimal.Zero, err
	}

	floatIn, drops, payouts := sumTransactions(session.Transactions)
	expected := session.StartAmount.
		Add(cashSales).
		Sub(cashRefunds).
		Add(floatIn).
		Sub(drops).
		Sub(payouts)
	return expected.Round(2), nil
}

// GetSessionSalesSummary projects a session's activity for the
// close-drawer screen. It reads persisted rows only and never mutates.
func (s *Service) GetSessionSalesSummary(ctx context.Context, sessionID string) (*domain.SessionSalesSummary, error) {
	session, err := s.repo.GetCashSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	totalSales, saleCount, err := s.repo.GetSaleTotals(ctx, session.CashierID, session.StartTime, session.EndTime)
	if err != nil {
		return nil, err
	}
	// Closed sessions are bounded by their end time on every aggregate so
	// later activity by the same cashier cannot drift the summary away
	// from the stored expected amount.
	cashSales, err := s.repo.SumCashPayments(ctx, session.CashierID, session.StartTime, session.EndTime)
	if err != nil {
		return nil, err
	}
	cashRefunds, err := s.repo.SumCashRefunds(ctx, session.CashierID, session.StartTime, session.EndTime)
	if err != nil {
		return nil, err
	}

	floatIn, drops, payouts := sumTransactions(session.Transactions)
	expected := session.StartAmount.
		Add(cashSales).
		Sub(cashRefunds).
		Add(floatIn).
		Sub(drops).
		Sub(payouts)

	return &domain.SessionSalesSummary{
		SessionID:        session.ID,
		CashierID:        session.CashierID,
		TotalSales:       totalSales.Round(2),
		SaleCount:        saleCount,
		CashSales:        cashSales.Round(2),
		CashRefunds:      cashRefunds.Round(2),
		FloatIn:          floatIn,
		Drops:            drops,
		Payouts:          payouts,
		NetCashMovement:  floatIn.Sub(drops).Sub(payouts),
		TransactionCount: len(session.Transactions),
		ExpectedAmount:   expected.Round(2),
	}, nil
}

func (s *Service) ListCashSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.SessionListEntry, error) {
	sessions, err := s.repo.ListCashSessions(ctx, filter)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.SessionListEntry, 0, len(sessions))
	now := time.Now().UTC()
	for _, session := range sessions {
		end := now
		if session.EndTime != nil {
			end = *session.EndTime
		}
		floatIn, drops, payouts := sumTransactions(session.Transactions)
		entries = append(entries, domain.SessionListEntry{
			CashSession:      session,
			DurationMinutes:  int(end.Sub(session.StartTime).Minutes()),
			TransactionTotal: floatIn.Sub(drops).Sub(payouts),
			TransactionCount: len(session.Transactions),
		})
	}
	return entries, nil
}

// SessionStats aggregates drawer sessions for the back-office dashboard.
// Variance sums counted-minus-expected over closed sessions only.
func (s *Service) SessionStats(ctx context.Context, filter domain.SessionFilter) (*domain.SessionStats, error) {
	sessions, err := s.repo.ListCashSessions(ctx, filter)
	if err != nil {
		return nil, err
	}

	stats := domain.SessionStats{
		TotalStartAmount:    decimal.Zero,
		TotalEndAmount:      decimal.Zero,
		TotalExpectedAmount: decimal.Zero,
		Variance:            decimal.Zero,
		TotalFloatIn:        decimal.Zero,
		TotalDrops:          decimal.Zero,
		TotalPayouts:        decimal.Zero,
	}
	for _, session := range sessions {
		stats.TotalSessions++
		stats.TotalStartAmount = stats.TotalStartAmount.Add(session.StartAmount)
		stats.TotalTransactions += len(session.Transactions)

		floatIn, drops, payouts := sumTransactions(session.Transactions)
		stats.TotalFloatIn = stats.TotalFloatIn.Add(floatIn)
		stats.TotalDrops = stats.TotalDrops.Add(drops)
		stats.TotalPayouts = stats.TotalPayouts.Add(payouts)

		if session.EndTime == nil {
			stats.ActiveSessions++
			continue
		}
		stats.CompletedSessions++
		if session.EndAmount != nil {
			stats.TotalEndAmount = stats.TotalEndAmount.Add(*session.EndAmount)
		}
		if session.ExpectedAmount != nil {
			stats.TotalExpectedAmount = stats.TotalExpectedAmount.Add(*session.ExpectedAmount)
		}
		if session.EndAmount != nil && session.ExpectedAmount != nil {
			stats.Variance = stats.Variance.Add(session.EndAmount.Sub(*session.ExpectedAmount))
		}
	}
	return &stats, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, ErrForbidden
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
}

func sumTransactions(transactions []domain.CashTransaction) (floatIn, drops, payouts decimal.Decimal) {
	floatIn, drops, payouts = decimal.Zero, decimal.Zero, decimal.Zero
	for _, tx := range transactions {
		switch tx.Type {
		case domain.CashFloatIn:
			floatIn = floatIn.Add(tx.Amount)
		case domain.CashDrop:
			drops = drops.Add(tx.Amount)
		case domain.CashPayout:
			payouts = payouts.Add(tx.Amount)
		}
	}
	return floatIn, drops, payouts
}

func (s *Service) checkLowStock(ctx context.Context, stock *domain.Stock) {
	if stock.Qty > stock.LowStockThreshold {
		return
	}
	s.notifier.EmitAdmin(ctx, "stock.low", stock)
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actorID := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		actorID = actor.UserID
	}
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		BranchID:   branchID,
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	})
	if err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s: %v", action, entityID, err)
	}
}
