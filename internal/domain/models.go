package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	UserID   string
	Role     string
	BranchID string
}

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

type MovementType string

const (
	MovementSale       MovementType = "SALE"
	MovementRefund     MovementType = "REFUND"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// AdjustmentReasons is the closed set of reasons accepted for manual
// stock adjustments. SALE and REFUND movements are system-generated and
// carry free-form reasons.
var AdjustmentReasons = map[string]bool{
	"RESTOCK":    true,
	"DAMAGE":     true,
	"RECOUNT":    true,
	"TRANSFER":   true,
	"CORRECTION": true,
}

// Stock is the on-hand quantity of one SKU at one branch. Rows are created
// on first movement and never deleted. Qty may go negative (oversell).
type Stock struct {
	ID                string    `json:"id"`
	SKUID             string    `json:"sku_id"`
	BranchID          string    `json:"branch_id"`
	Qty               int       `json:"qty"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StockMovement is an immutable ledger row. For every (sku, branch) pair
// the sum of movement quantities equals the current Stock.Qty.
type StockMovement struct {
	ID        string       `json:"id"`
	StockID   string       `json:"stock_id"`
	SKUID     string       `json:"sku_id"`
	BranchID  string       `json:"branch_id"`
	Type      MovementType `json:"type"`
	Qty       int          `json:"qty"`
	Reason    string       `json:"reason,omitempty"`
	UserID    string       `json:"user_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type SaleItem struct {
	SKUID    string          `json:"sku_id"`
	Qty      int             `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Discount decimal.Decimal `json:"discount"`
}

const PaymentMethodCash = "CASH"

type Payment struct {
	Method   string          `json:"method"`
	Amount   decimal.Decimal `json:"amount"`
	Provider string          `json:"provider,omitempty"`
}

type Sale struct {
	ID             string          `json:"id"`
	BranchID       string          `json:"branch_id"`
	TerminalID     string          `json:"terminal_id"`
	CashierID      string          `json:"cashier_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	Items          []SaleItem      `json:"items"`
	Payments       []Payment       `json:"payments"`
	Refunds        []Refund        `json:"refunds,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type RefundItem struct {
	SKUID string `json:"sku_id"`
	Qty   int    `json:"qty"`
}

type Refund struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	CreatedBy string          `json:"created_by"`
	Items     []RefundItem    `json:"items"`
	CreatedAt time.Time       `json:"created_at"`
}

type CashTransactionType string

const (
	CashFloatIn CashTransactionType = "FLOAT_IN"
	CashDrop    CashTransactionType = "DROP"
	CashPayout  CashTransactionType = "PAYOUT"
)

type CashTransaction struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	Type      CashTransactionType `json:"type"`
	Amount    decimal.Decimal     `json:"amount"`
	Reason    string              `json:"reason,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// CashSession is a cashier's drawer session. End fields stay nil until the
// session is closed; at most one session per cashier may have a nil EndTime.
type CashSession struct {
	ID             string            `json:"id"`
	BranchID       string            `json:"branch_id"`
	TerminalID     string            `json:"terminal_id"`
	CashierID      string            `json:"cashier_id"`
	StartAmount    decimal.Decimal   `json:"start_amount"`
	StartTime      time.Time         `json:"start_time"`
	EndAmount      *decimal.Decimal  `json:"end_amount,omitempty"`
	ExpectedAmount *decimal.Decimal  `json:"expected_amount,omitempty"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	Transactions   []CashTransaction `json:"transactions"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	BranchID   string    `json:"branch_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
