package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleItemInput struct {
	SKUID    string          `json:"sku_id"`
	Qty      int             `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Discount decimal.Decimal `json:"discount"`
}

type PaymentInput struct {
	Method   string          `json:"method"`
	Amount   decimal.Decimal `json:"amount"`
	Provider string          `json:"provider,omitempty"`
}

type SaleCreateRequest struct {
	BranchID       string          `json:"branch_id"`
	TerminalID     string          `json:"terminal_id"`
	CashierID      string          `json:"cashier_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Items          []SaleItemInput `json:"items"`
	Payments       []PaymentInput  `json:"payments"`
}

type SaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type RefundItemRequest struct {
	SKUID string `json:"sku_id"`
	Qty   int    `json:"qty"`
}

type RefundCreateRequest struct {
	SaleID string              `json:"sale_id"`
	Items  []RefundItemRequest `json:"items,omitempty"`
	Reason string              `json:"reason,omitempty"`
}

type StockAdjustmentRequest struct {
	SKUID    string `json:"sku_id"`
	BranchID string `json:"branch_id"`
	Qty      int    `json:"qty"`
	Reason   string `json:"reason"`
}

type StockAdjustmentResult struct {
	Stock    Stock         `json:"stock"`
	Movement StockMovement `json:"movement"`
}

type SessionStartRequest struct {
	BranchID    string          `json:"branch_id"`
	TerminalID  string          `json:"terminal_id"`
	StartAmount decimal.Decimal `json:"start_amount"`
}

type SessionEndRequest struct {
	EndAmount decimal.Decimal `json:"end_amount"`
}

type CashTransactionRequest struct {
	Type   CashTransactionType `json:"type"`
	Amount decimal.Decimal     `json:"amount"`
	Reason string              `json:"reason,omitempty"`
}

type SaleFilter struct {
	BranchID   string
	CashierID  string
	TerminalID string
	From       *time.Time
	To         *time.Time
	Limit      int
}

type MovementFilter struct {
	SKUID    string
	BranchID string
	Limit    int
}

type SessionFilter struct {
	BranchID   string
	ActiveOnly bool
	From       *time.Time
	To         *time.Time
	Limit      int
}

// SessionSalesSummary is a read-only projection shown before closing a
// drawer: sales taken during the session, per-type cash movements, and the
// expected drawer amount if the session were closed now.
type SessionSalesSummary struct {
	SessionID        string          `json:"session_id"`
	CashierID        string          `json:"cashier_id"`
	TotalSales       decimal.Decimal `json:"total_sales"`
	SaleCount        int             `json:"sale_count"`
	CashSales        decimal.Decimal `json:"cash_sales"`
	CashRefunds      decimal.Decimal `json:"cash_refunds"`
	FloatIn          decimal.Decimal `json:"float_in"`
	Drops            decimal.Decimal `json:"drops"`
	Payouts          decimal.Decimal `json:"payouts"`
	NetCashMovement  decimal.Decimal `json:"net_cash_movement"`
	TransactionCount int             `json:"transaction_count"`
	ExpectedAmount   decimal.Decimal `json:"expected_amount"`
}

// SessionListEntry decorates a session with drawer-dashboard stats.
type SessionListEntry struct {
	CashSession
	DurationMinutes  int             `json:"duration_minutes"`
	TransactionTotal decimal.Decimal `json:"transaction_total"`
	TransactionCount int             `json:"transaction_count"`
}

type SessionStats struct {
	TotalSessions       int             `json:"total_sessions"`
	ActiveSessions      int             `json:"active_sessions"`
	CompletedSessions   int             `json:"completed_sessions"`
	TotalStartAmount    decimal.Decimal `json:"total_start_amount"`
	TotalEndAmount      decimal.Decimal `json:"total_end_amount"`
	TotalExpectedAmount decimal.Decimal `json:"total_expected_amount"`
	Variance            decimal.Decimal `json:"variance"`
	TotalFloatIn        decimal.Decimal `json:"total_float_in"`
	TotalDrops          decimal.Decimal `json:"total_drops"`
	TotalPayouts        decimal.Decimal `json:"total_payouts"`
	TotalTransactions   int             `json:"total_transactions"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id"`
	ExpiresAt   string `json:"expires_at"`
}
