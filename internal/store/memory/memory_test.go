package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

func seedSale(t *testing.T, s *Store, qty int) *domain.Sale {
	t.Helper()
	ctx := context.Background()

	if _, _, err := s.ApplyStockMovement(ctx, store.StockMovementInput{
		SKUID:    "SKU-TEST",
		BranchID: "branch-1",
		Qty:      qty * 2,
		Type:     domain.MovementAdjustment,
		Reason:   "RESTOCK",
		UserID:   "manager",
	}); err != nil {
		t.Fatalf("seed stock failed: %v", err)
	}

	price := decimal.RequireFromString("4.00")
	total := price.Mul(decimal.NewFromInt(int64(qty)))
	sale, _, err := s.CreateSale(ctx, domain.Sale{
		ID:         "sale-1",
		BranchID:   "branch-1",
		TerminalID: "terminal-1",
		CashierID:  "cashier",
		Subtotal:   total,
		Tax:        decimal.Zero,
		Total:      total,
		Items:      []domain.SaleItem{{SKUID: "SKU-TEST", Qty: qty, Price: price, Discount: decimal.Zero}},
		Payments:   []domain.Payment{{Method: "CASH", Amount: total}},
	})
	if err != nil {
		t.Fatalf("seed sale failed: %v", err)
	}
	return sale
}

// The store itself must reject a refund that pushes any SKU past its sold
// quantity, regardless of what the caller resolved from an earlier read.
func TestCreateRefundEnforcesSoldBound(t *testing.T) {
	s := New()
	ctx := context.Background()
	sale := seedSale(t, s, 2)

	if _, err := s.CreateRefund(ctx, domain.Refund{
		ID:        "refund-1",
		SaleID:    sale.ID,
		Amount:    decimal.RequireFromString("8.00"),
		CreatedBy: "cashier",
		Items:     []domain.RefundItem{{SKUID: "SKU-TEST", Qty: 2}},
	}, "branch-1"); err != nil {
		t.Fatalf("first refund failed: %v", err)
	}

	_, err := s.CreateRefund(ctx, domain.Refund{
		ID:        "refund-2",
		SaleID:    sale.ID,
		Amount:    decimal.RequireFromString("4.00"),
		CreatedBy: "cashier",
		Items:     []domain.RefundItem{{SKUID: "SKU-TEST", Qty: 1}},
	}, "branch-1")
	var exceeds *store.RefundExceedsError
	if !errors.As(err, &exceeds) {
		t.Fatalf("expected RefundExceedsError past sold quantity, got %v", err)
	}
	if exceeds.SKUID != "SKU-TEST" {
		t.Fatalf("expected offending SKU in error, got %s", exceeds.SKUID)
	}

	// The rejected refund must leave no trace in the ledger.
	stock, err := s.GetStock(ctx, "SKU-TEST", "branch-1")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != 4 {
		t.Fatalf("expected stock 4 (seed 4 -2 sale +2 refund), got %d", stock.Qty)
	}
}

func TestCreateRefundRejectsUnknownSKU(t *testing.T) {
	s := New()
	sale := seedSale(t, s, 2)

	_, err := s.CreateRefund(context.Background(), domain.Refund{
		ID:        "refund-1",
		SaleID:    sale.ID,
		Amount:    decimal.RequireFromString("4.00"),
		CreatedBy: "cashier",
		Items:     []domain.RefundItem{{SKUID: "SKU-OTHER", Qty: 1}},
	}, "branch-1")
	var exceeds *store.RefundExceedsError
	if !errors.As(err, &exceeds) || exceeds.SKUID != "SKU-OTHER" {
		t.Fatalf("expected RefundExceedsError for SKU-OTHER, got %v", err)
	}
}

// A sale with an invalid line must be rejected before any stock movement is
// written, never leaving a partial ledger behind.
func TestCreateSaleRejectsBadLineWithoutLedgerWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, _, err := s.ApplyStockMovement(ctx, store.StockMovementInput{
		SKUID:    "SKU-TEST",
		BranchID: "branch-1",
		Qty:      10,
		Type:     domain.MovementAdjustment,
		Reason:   "RESTOCK",
		UserID:   "manager",
	}); err != nil {
		t.Fatalf("seed stock failed: %v", err)
	}

	price := decimal.RequireFromString("4.00")
	_, _, err := s.CreateSale(ctx, domain.Sale{
		ID:         "sale-bad",
		BranchID:   "branch-1",
		TerminalID: "terminal-1",
		CashierID:  "cashier",
		Subtotal:   price,
		Tax:        decimal.Zero,
		Total:      price,
		Items: []domain.SaleItem{
			{SKUID: "SKU-TEST", Qty: 3, Price: price, Discount: decimal.Zero},
			{SKUID: "", Qty: 1, Price: price, Discount: decimal.Zero},
		},
		Payments: []domain.Payment{{Method: "CASH", Amount: price}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank SKU, got %v", err)
	}

	stock, err := s.GetStock(ctx, "SKU-TEST", "branch-1")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Qty != 10 {
		t.Fatalf("expected stock untouched at 10, got %d", stock.Qty)
	}
	movements, err := s.ListStockMovements(ctx, domain.MovementFilter{SKUID: "SKU-TEST"})
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected only the seed movement, got %d", len(movements))
	}
	if _, err := s.FindSaleByID(ctx, "sale-bad"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rejected sale to be absent, got %v", err)
	}
}
