package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/notify"
	"retailpos/backend/internal/settings"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	svc := New(repo, notify.Noop{}, settings.Static{Rate: decimal.RequireFromString("0.10")}, "main-branch")
	return svc, repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:   "cashier",
		Role:     domain.RoleCashier,
		BranchID: "main-branch",
	})
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:   "manager",
		Role:     domain.RoleManager,
		BranchID: "main-branch",
	})
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateSaleComputesTotalsAndDecrementsStock(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-COLA-330", Qty: 2, Price: money("10.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("22.00")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("fresh sale reported as duplicate")
	}

	sale := resp.Sale
	if !sale.Subtotal.Equal(money("20.00")) {
		t.Fatalf("expected subtotal 20.00, got %s", sale.Subtotal)
	}
	if !sale.Tax.Equal(money("2.00")) {
		t.Fatalf("expected tax 2.00, got %s", sale.Tax)
	}
	if !sale.Total.Equal(money("22.00")) {
		t.Fatalf("expected total 22.00, got %s", sale.Total)
	}
	if sale.Payments[0].Method != "CASH" {
		t.Fatalf("expected payment method normalized to CASH, got %s", sale.Payments[0].Method)
	}

	stock, err := repo.GetStock(ctx, "SKU-COLA-330", "main-branch")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != 118 {
		t.Fatalf("expected stock 118 after selling 2 of 120, got %d", stock.Qty)
	}

	movements, err := repo.ListStockMovements(ctx, domain.MovementFilter{SKUID: "SKU-COLA-330"})
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected exactly one movement, got %d", len(movements))
	}
	if movements[0].Type != domain.MovementSale || movements[0].Qty != -2 {
		t.Fatalf("expected SALE movement of -2, got %s %d", movements[0].Type, movements[0].Qty)
	}
}

func TestCreateSaleLineDiscount(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-MILK-1L", Qty: 3, Price: money("4.00"), Discount: money("2.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "card", Amount: money("11.00")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	// 3*4.00 - 2.00 = 10.00 subtotal, 1.00 tax.
	if !resp.Sale.Subtotal.Equal(money("10.00")) {
		t.Fatalf("expected subtotal 10.00, got %s", resp.Sale.Subtotal)
	}
	if !resp.Sale.Total.Equal(money("11.00")) {
		t.Fatalf("expected total 11.00, got %s", resp.Sale.Total)
	}
}

func TestCreateSaleRejectsExcessiveDiscount(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-MILK-1L", Qty: 1, Price: money("4.00"), Discount: money("5.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("1.00")},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for discount above line value, got %v", err)
	}
}

func TestCreateSaleIdempotentReplay(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	req := domain.SaleCreateRequest{
		TerminalID:     "terminal-1",
		IdempotencyKey: "idem-replay",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-BREAD-WHT", Qty: 4, Price: money("2.50")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("11.00")},
		},
	}

	first, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("first sale failed: %v", err)
	}
	second, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if !second.Duplicate {
		t.Fatalf("expected replay to be flagged duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("expected replay to return the original sale, got %s vs %s", second.Sale.ID, first.Sale.ID)
	}

	stock, err := repo.GetStock(ctx, "SKU-BREAD-WHT", "main-branch")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != 36 {
		t.Fatalf("expected stock decremented once (40-4=36), got %d", stock.Qty)
	}
}

func TestCreateSaleAllowsOversell(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-BREAD-WHT", Qty: 45, Price: money("2.50")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("123.75")},
		},
	})
	if err != nil {
		t.Fatalf("oversell should be permitted, got %v", err)
	}

	stock, err := repo.GetStock(ctx, "SKU-BREAD-WHT", "main-branch")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != -5 {
		t.Fatalf("expected stock to go negative (40-45=-5), got %d", stock.Qty)
	}
}

func TestRefundPartialThenExceeds(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-CHOC-BAR", Qty: 5, Price: money("3.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("16.50")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	refund, err := svc.RefundSale(ctx, domain.RefundCreateRequest{
		SaleID: resp.Sale.ID,
		Items:  []domain.RefundItemRequest{{SKUID: "SKU-CHOC-BAR", Qty: 2}},
	})
	if err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}
	if !refund.Amount.Equal(money("6.00")) {
		t.Fatalf("expected refund amount 6.00 for 2 units at 3.00, got %s", refund.Amount)
	}

	_, err = svc.RefundSale(ctx, domain.RefundCreateRequest{
		SaleID: resp.Sale.ID,
		Items:  []domain.RefundItemRequest{{SKUID: "SKU-CHOC-BAR", Qty: 4}},
	})
	var exceeds *store.RefundExceedsError
	if !errors.As(err, &exceeds) {
		t.Fatalf("expected RefundExceedsError for over-refund, got %v", err)
	}
	if exceeds.SKUID != "SKU-CHOC-BAR" {
		t.Fatalf("expected offending SKU in error, got %s", exceeds.SKUID)
	}
}

func TestRefundFullRemainderThenNothingLeft(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-CHOC-BAR", Qty: 3, Price: money("3.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("9.90")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	_, err = svc.RefundSale(ctx, domain.RefundCreateRequest{
		SaleID: resp.Sale.ID,
		Items:  []domain.RefundItemRequest{{SKUID: "SKU-CHOC-BAR", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}

	// No items: refund whatever remains (2 units).
	full, err := svc.RefundSale(ctx, domain.RefundCreateRequest{SaleID: resp.Sale.ID})
	if err != nil {
		t.Fatalf("full-remainder refund failed: %v", err)
	}
	if len(full.Items) != 1 || full.Items[0].Qty != 2 {
		t.Fatalf("expected remainder of 2 units, got %+v", full.Items)
	}

	_, err = svc.RefundSale(ctx, domain.RefundCreateRequest{SaleID: resp.Sale.ID})
	if !errors.Is(err, store.ErrNothingToRefund) {
		t.Fatalf("expected nothing-to-refund error, got %v", err)
	}

	// All 3 units restocked: 200 - 3 + 3.
	stock, err := repo.GetStock(ctx, "SKU-CHOC-BAR", "main-branch")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != 200 {
		t.Fatalf("expected stock back at 200 after full refund, got %d", stock.Qty)
	}
}

func TestRefundUsesEffectiveUnitPrice(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-COLA-330", Qty: 2, Price: money("10.00"), Discount: money("2.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("19.80")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// (2*10.00 - 2.00) / 2 = 9.00 per unit.
	refund, err := svc.RefundSale(ctx, domain.RefundCreateRequest{
		SaleID: resp.Sale.ID,
		Items:  []domain.RefundItemRequest{{SKUID: "SKU-COLA-330", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if !refund.Amount.Equal(money("9.00")) {
		t.Fatalf("expected refund 9.00, got %s", refund.Amount)
	}
}

func TestRefundUnknownSKURejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-COLA-330", Qty: 1, Price: money("10.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("11.00")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	_, err = svc.RefundSale(ctx, domain.RefundCreateRequest{
		SaleID: resp.Sale.ID,
		Items:  []domain.RefundItemRequest{{SKUID: "SKU-MILK-1L", Qty: 1}},
	})
	var exceeds *store.RefundExceedsError
	if !errors.As(err, &exceeds) {
		t.Fatalf("expected RefundExceedsError for SKU not on sale, got %v", err)
	}
}

func TestCashierCannotRefundOldSale(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	// Persist a sale dated yesterday directly through the repository.
	old := domain.Sale{
		ID:         "sale-old",
		BranchID:   "main-branch",
		TerminalID: "terminal-1",
		CashierID:  "cashier",
		Subtotal:   money("10.00"),
		Tax:        money("1.00"),
		Total:      money("11.00"),
		Items:      []domain.SaleItem{{SKUID: "SKU-COLA-330", Qty: 1, Price: money("10.00"), Discount: decimal.Zero}},
		Payments:   []domain.Payment{{Method: "CASH", Amount: money("11.00")}},
		CreatedAt:  time.Now().UTC().Add(-48 * time.Hour),
	}
	if _, _, err := repo.CreateSale(ctx, old); err != nil {
		t.Fatalf("seed old sale failed: %v", err)
	}

	_, err := svc.RefundSale(ctx, domain.RefundCreateRequest{SaleID: "sale-old"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for cashier refunding old sale, got %v", err)
	}

	// A manager is not bound by the same-day rule.
	if _, err := svc.RefundSale(managerCtx(), domain.RefundCreateRequest{SaleID: "sale-old"}); err != nil {
		t.Fatalf("manager refund of old sale failed: %v", err)
	}
}

func TestAdjustStockValidatesReason(t *testing.T) {
	svc, _ := newTestService()
	ctx := managerCtx()

	_, err := svc.AdjustStock(ctx, domain.StockAdjustmentRequest{
		SKUID:  "SKU-COLA-330",
		Qty:    5,
		Reason: "FELT_LIKE_IT",
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown reason, got %v", err)
	}

	result, err := svc.AdjustStock(ctx, domain.StockAdjustmentRequest{
		SKUID:  "SKU-COLA-330",
		Qty:    -7,
		Reason: "damage",
	})
	if err != nil {
		t.Fatalf("adjustment failed: %v", err)
	}
	if result.Stock.Qty != 113 {
		t.Fatalf("expected 120-7=113, got %d", result.Stock.Qty)
	}
	if result.Movement.Reason != "DAMAGE" {
		t.Fatalf("expected reason normalized to DAMAGE, got %s", result.Movement.Reason)
	}
}

func TestAdjustStockForbiddenForCashier(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.AdjustStock(cashierCtx(), domain.StockAdjustmentRequest{
		SKUID:  "SKU-COLA-330",
		Qty:    5,
		Reason: "RESTOCK",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for cashier adjustment, got %v", err)
	}
}

func TestAdjustStockCreatesRowForUnknownSKU(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerCtx()

	result, err := svc.AdjustStock(ctx, domain.StockAdjustmentRequest{
		SKUID:  "SKU-NEW-ITEM",
		Qty:    30,
		Reason: "RESTOCK",
	})
	if err != nil {
		t.Fatalf("adjustment failed: %v", err)
	}
	if result.Stock.Qty != 30 {
		t.Fatalf("expected fresh stock row at 30, got %d", result.Stock.Qty)
	}

	stock, err := repo.GetStock(ctx, "SKU-NEW-ITEM", "main-branch")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != 30 {
		t.Fatalf("expected persisted qty 30, got %d", stock.Qty)
	}
}

func TestSessionExclusivity(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	_, err := svc.StartSession(ctx, domain.SessionStartRequest{
		TerminalID:  "terminal-1",
		StartAmount: money("100.00"),
	})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}

	_, err = svc.StartSession(ctx, domain.SessionStartRequest{
		TerminalID:  "terminal-1",
		StartAmount: money("50.00"),
	})
	if !errors.Is(err, store.ErrSessionActive) {
		t.Fatalf("expected session-active error, got %v", err)
	}
}

func TestEndSessionComputesExpectedAmount(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	_, err := svc.StartSession(ctx, domain.SessionStartRequest{
		TerminalID:  "terminal-1",
		StartAmount: money("100.00"),
	})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}

	// Cash sale: 2*20.00 subtotal 40, tax 4, total 44.
	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-COLA-330", Qty: 2, Price: money("20.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("44.00")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.AddCashTransaction(ctx, domain.CashTransactionRequest{
		Type:   domain.CashFloatIn,
		Amount: money("10.00"),
	}); err != nil {
		t.Fatalf("float in failed: %v", err)
	}
	if _, err := svc.AddCashTransaction(ctx, domain.CashTransactionRequest{
		Type:   domain.CashDrop,
		Amount: money("20.00"),
		Reason: "safe drop",
	}); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	closed, err := svc.EndSession(ctx, domain.SessionEndRequest{EndAmount: money("130.00")})
	if err != nil {
		t.Fatalf("end session failed: %v", err)
	}

	// 100 + 44 + 10 - 20 = 134.
	if closed.ExpectedAmount == nil || !closed.ExpectedAmount.Equal(money("134.00")) {
		t.Fatalf("expected amount 134.00, got %v", closed.ExpectedAmount)
	}
	if closed.EndAmount == nil || !closed.EndAmount.Equal(money("130.00")) {
		t.Fatalf("expected counted amount 130.00, got %v", closed.EndAmount)
	}
	if closed.EndTime == nil {
		t.Fatalf("expected end time to be set")
	}

	// Drawer is closed now, so mid-session movements must be rejected.
	_, err = svc.AddCashTransaction(ctx, domain.CashTransactionRequest{
		Type:   domain.CashPayout,
		Amount: money("5.00"),
	})
	if !errors.Is(err, store.ErrNoActiveSession) {
		t.Fatalf("expected no-active-session error after close, got %v", err)
	}
}

func TestCashRefundReducesExpectedAmount(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	_, err := svc.StartSession(ctx, domain.SessionStartRequest{
		TerminalID:  "terminal-1",
		StartAmount: money("50.00"),
	})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}

	resp, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-MILK-1L", Qty: 1, Price: money("10.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("11.00")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.RefundSale(ctx, domain.RefundCreateRequest{SaleID: resp.Sale.ID}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	closed, err := svc.EndSession(ctx, domain.SessionEndRequest{EndAmount: money("51.00")})
	if err != nil {
		t.Fatalf("end session failed: %v", err)
	}

	// 50 + 11 (cash sale) - 10 (refund of pre-tax value) = 51.
	if closed.ExpectedAmount == nil || !closed.ExpectedAmount.Equal(money("51.00")) {
		t.Fatalf("expected amount 51.00, got %v", closed.ExpectedAmount)
	}
}

func TestSessionSalesSummary(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	session, err := svc.StartSession(ctx, domain.SessionStartRequest{
		TerminalID:  "terminal-1",
		StartAmount: money("100.00"),
	})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-COLA-330", Qty: 1, Price: money("10.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("11.00")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if _, err := svc.AddCashTransaction(ctx, domain.CashTransactionRequest{
		Type:   domain.CashPayout,
		Amount: money("3.00"),
		Reason: "courier",
	}); err != nil {
		t.Fatalf("payout failed: %v", err)
	}

	summary, err := svc.GetSessionSalesSummary(ctx, session.ID)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.SaleCount != 1 {
		t.Fatalf("expected 1 sale, got %d", summary.SaleCount)
	}
	if !summary.CashSales.Equal(money("11.00")) {
		t.Fatalf("expected cash sales 11.00, got %s", summary.CashSales)
	}
	if !summary.Payouts.Equal(money("3.00")) {
		t.Fatalf("expected payouts 3.00, got %s", summary.Payouts)
	}
	// 100 + 11 - 3 = 108.
	if !summary.ExpectedAmount.Equal(money("108.00")) {
		t.Fatalf("expected amount 108.00, got %s", summary.ExpectedAmount)
	}
}

func TestSessionStatsAggregation(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	_, err := svc.StartSession(ctx, domain.SessionStartRequest{
		TerminalID:  "terminal-1",
		StartAmount: money("100.00"),
	})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	if _, err := svc.EndSession(ctx, domain.SessionEndRequest{EndAmount: money("98.00")}); err != nil {
		t.Fatalf("end session failed: %v", err)
	}

	otherCtx := WithActor(context.Background(), domain.Actor{
		UserID: "cashier-2", Role: domain.RoleCashier, BranchID: "main-branch",
	})
	if _, err := svc.StartSession(otherCtx, domain.SessionStartRequest{
		TerminalID:  "terminal-2",
		StartAmount: money("60.00"),
	}); err != nil {
		t.Fatalf("second session failed: %v", err)
	}

	stats, err := svc.SessionStats(managerCtx(), domain.SessionFilter{})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalSessions != 2 || stats.ActiveSessions != 1 || stats.CompletedSessions != 1 {
		t.Fatalf("unexpected session counts: %+v", stats)
	}
	// Counted 98 vs expected 100.
	if !stats.Variance.Equal(money("-2.00")) {
		t.Fatalf("expected variance -2.00, got %s", stats.Variance)
	}
}

func TestLedgerConsistencyUnderConcurrentSales(t *testing.T) {
	svc, repo := newTestService()

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx := WithActor(context.Background(), domain.Actor{
				UserID: fmt.Sprintf("cashier-%d", n), Role: domain.RoleCashier, BranchID: "main-branch",
			})
			_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
				TerminalID: "terminal-1",
				Items: []domain.SaleItemInput{
					{SKUID: "SKU-CHOC-BAR", Qty: 1, Price: money("3.00")},
				},
				Payments: []domain.PaymentInput{
					{Method: "cash", Amount: money("3.30")},
				},
			})
			if err != nil {
				t.Errorf("concurrent sale failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	ctx := context.Background()
	stock, err := repo.GetStock(ctx, "SKU-CHOC-BAR", "main-branch")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != 200-workers {
		t.Fatalf("expected stock %d, got %d", 200-workers, stock.Qty)
	}

	movements, err := repo.ListStockMovements(ctx, domain.MovementFilter{SKUID: "SKU-CHOC-BAR", Limit: 1000})
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	sum := 0
	for _, m := range movements {
		sum += m.Qty
	}
	// Seed rows carry no movement, so the delta from seed qty must match.
	if 200+sum != stock.Qty {
		t.Fatalf("ledger out of balance: seed 200 + movements %d != stock %d", sum, stock.Qty)
	}
}

func TestConcurrentFullRefundsDoNotOverRefund(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-CHOC-BAR", Qty: 5, Price: money("3.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("16.50")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// All workers resolve the full remainder from the same pre-write
	// snapshot; the store must let exactly one of them commit.
	const workers = 4
	start := make(chan struct{})
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.RefundSale(ctx, domain.RefundCreateRequest{SaleID: resp.Sale.ID})
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var exceeds *store.RefundExceedsError
		if !errors.As(err, &exceeds) && !errors.Is(err, store.ErrNothingToRefund) {
			t.Fatalf("unexpected refund error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one refund to commit, got %d", succeeded)
	}

	sale, err := repo.FindSaleByID(ctx, resp.Sale.ID)
	if err != nil {
		t.Fatalf("find sale failed: %v", err)
	}
	refunded := 0
	for _, refund := range sale.Refunds {
		for _, item := range refund.Items {
			refunded += item.Qty
		}
	}
	if refunded != 5 {
		t.Fatalf("refund bound violated: refunded %d of 5 sold", refunded)
	}

	stock, err := repo.GetStock(ctx, "SKU-CHOC-BAR", "main-branch")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != 200 {
		t.Fatalf("expected stock back at 200 after full refund, got %d", stock.Qty)
	}
}

func TestClosedSessionSummaryIgnoresLaterSales(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	session, err := svc.StartSession(ctx, domain.SessionStartRequest{
		TerminalID:  "terminal-1",
		StartAmount: money("100.00"),
	})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items: []domain.SaleItemInput{
			{SKUID: "SKU-MILK-1L", Qty: 1, Price: money("10.00")},
		},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: money("11.00")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	closed, err := svc.EndSession(ctx, domain.SessionEndRequest{EndAmount: money("111.00")})
	if err != nil {
		t.Fatalf("end session failed: %v", err)
	}
	if closed.ExpectedAmount == nil || !closed.ExpectedAmount.Equal(money("111.00")) {
		t.Fatalf("expected amount 111.00, got %v", closed.ExpectedAmount)
	}

	// A cash sale rung up after close belongs to the next drawer and must
	// not drift this session's summary away from the stored figure.
	if _, _, err := repo.CreateSale(ctx, domain.Sale{
		ID:         "sale-after-close",
		BranchID:   "main-branch",
		TerminalID: "terminal-1",
		CashierID:  "cashier",
		Subtotal:   money("20.00"),
		Tax:        money("2.00"),
		Total:      money("22.00"),
		Items:      []domain.SaleItem{{SKUID: "SKU-COLA-330", Qty: 2, Price: money("10.00"), Discount: decimal.Zero}},
		Payments:   []domain.Payment{{Method: "CASH", Amount: money("22.00")}},
		CreatedAt:  closed.EndTime.Add(time.Minute),
	}); err != nil {
		t.Fatalf("seed later sale failed: %v", err)
	}

	summary, err := svc.GetSessionSalesSummary(ctx, session.ID)
	if err != nil {
		t.Fatalf("session summary failed: %v", err)
	}
	if summary.SaleCount != 1 {
		t.Fatalf("expected 1 sale in closed session, got %d", summary.SaleCount)
	}
	if !summary.CashSales.Equal(money("11.00")) {
		t.Fatalf("expected cash sales 11.00, got %s", summary.CashSales)
	}
	if !summary.ExpectedAmount.Equal(*closed.ExpectedAmount) {
		t.Fatalf("summary expected %s disagrees with stored %s",
			summary.ExpectedAmount, closed.ExpectedAmount)
	}
}

func TestCreateSaleRequiresActor(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateSale(context.Background(), domain.SaleCreateRequest{
		TerminalID: "terminal-1",
		Items:      []domain.SaleItemInput{{SKUID: "SKU-COLA-330", Qty: 1, Price: money("10.00")}},
		Payments:   []domain.PaymentInput{{Method: "cash", Amount: money("11.00")}},
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden without actor, got %v", err)
	}
}
