package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSessionActive   = errors.New("cash session already active")
	ErrNoActiveSession = errors.New("no active cash session")
	ErrNothingToRefund = errors.New("nothing to refund")
)

// RefundExceedsError reports a refund request that would push the total
// refunded quantity for a SKU past the quantity originally sold.
type RefundExceedsError struct {
	SKUID string
}

func (e *RefundExceedsError) Error() string {
	return fmt.Sprintf("refund exceeds sold quantity for sku %s", e.SKUID)
}

// StockMovementInput describes one signed quantity change to apply through
// the stock ledger. Every stock mutation in the system goes through this
// shape; there is no other write path to Stock.Qty.
type StockMovementInput struct {
	SKUID    string
	BranchID string
	Qty      int
	Type     domain.MovementType
	Reason   string
	UserID   string
}

type Repository interface {
	// Stock ledger. ApplyStockMovement must upsert-and-increment the stock
	// row and append the movement row in one atomic unit.
	ApplyStockMovement(ctx context.Context, in StockMovementInput) (*domain.Stock, *domain.StockMovement, error)
	GetStock(ctx context.Context, skuID string, branchID string) (*domain.Stock, error)
	ListStockMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error)

	// Sales. CreateSale persists the sale graph and the per-line SALE
	// movements in one transaction; when the idempotency key already
	// exists it returns the persisted sale with duplicate=true.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	// Refunds. CreateRefund persists the refund graph and the per-line
	// REFUND restock movements in one transaction. It re-verifies inside
	// that transaction that no SKU ends up refunded past its sold
	// quantity, returning *RefundExceedsError otherwise; the caller's
	// earlier read of prior refunds may be stale under concurrency.
	CreateRefund(ctx context.Context, refund domain.Refund, branchID string) (*domain.Refund, error)

	// Cash sessions.
	CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetActiveSession(ctx context.Context, cashierID string) (*domain.CashSession, error)
	GetCashSessionByID(ctx context.Context, id string) (*domain.CashSession, error)
	AddCashTransaction(ctx context.Context, tx domain.CashTransaction) (*domain.CashTransaction, error)
	CloseCashSession(ctx context.Context, sessionID string, endAmount decimal.Decimal, expectedAmount decimal.Decimal, endTime time.Time) (*domain.CashSession, error)
	ListCashSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.CashSession, error)

	// Reconciliation aggregates over the persisted payment and refund rows.
	// A nil until leaves the range open-ended (live session); closed
	// sessions pass their end time so later activity stays out.
	SumCashPayments(ctx context.Context, cashierID string, since time.Time, until *time.Time) (decimal.Decimal, error)
	SumCashRefunds(ctx context.Context, cashierID string, since time.Time, until *time.Time) (decimal.Decimal, error)
	GetSaleTotals(ctx context.Context, cashierID string, from time.Time, to *time.Time) (decimal.Decimal, int, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	// User accounts (consumed by the auth boundary only).
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
