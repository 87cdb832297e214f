package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

const defaultLowStockThreshold = 10

// Store is an in-memory Repository used for dev mode and service tests.
// A single RWMutex serializes all mutations, which makes every multi-row
// operation trivially atomic.
type Store struct {
	mu                  sync.RWMutex
	stocks              map[string]*domain.Stock // key: branchID|skuID
	movements           []domain.StockMovement
	salesByID           map[string]*domain.Sale
	salesByIdem         map[string]string // idempotency key -> sale ID
	refundsBySale       map[string][]domain.Refund
	sessionsByID        map[string]*domain.CashSession
	activeSessionByUser map[string]string // cashierID -> session ID
	auditLogs           []domain.AuditLog
	usersByUsername     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		stocks:              make(map[string]*domain.Stock),
		salesByID:           make(map[string]*domain.Sale),
		salesByIdem:         make(map[string]string),
		refundsBySale:       make(map[string][]domain.Refund),
		sessionsByID:        make(map[string]*domain.CashSession),
		activeSessionByUser: make(map[string]string),
		auditLogs:           make([]domain.AuditLog, 0, 128),
		usersByUsername:     make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with dev stock and user accounts.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, seed := range []struct {
		sku string
		qty int
	}{
		{"SKU-COLA-330", 120},
		{"SKU-BREAD-WHT", 40},
		{"SKU-MILK-1L", 60},
		{"SKU-CHOC-BAR", 200},
	} {
		key := stockKey("main-branch", seed.sku)
		s.stocks[key] = &domain.Stock{
			ID:                xid.New("stock"),
			SKUID:             seed.sku,
			BranchID:          "main-branch",
			Qty:               seed.qty,
			LowStockThreshold: defaultLowStockThreshold,
			UpdatedAt:         now,
		}
	}
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial dev/demo accounts. Credentials come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded defaults are used
// with a warning when unset. Production deployments use PostgreSQL and never
// hit this path.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", cashierPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			BranchID:  "main-branch",
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func stockKey(branchID, skuID string) string {
	return branchID + "|" + skuID
}

func (s *Store) ApplyStockMovement(_ context.Context, in store.StockMovementInput) (*domain.Stock, *domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyMovementLocked(in)
}

// applyMovementLocked is the single write path to Stock.Qty. Callers must
// hold s.mu.
func (s *Store) applyMovementLocked(in store.StockMovementInput) (*domain.Stock, *domain.StockMovement, error) {
	if in.SKUID == "" || in.BranchID == "" || in.Qty == 0 {
		return nil, nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	key := stockKey(in.BranchID, in.SKUID)
	stock, exists := s.stocks[key]
	if !exists {
		stock = &domain.Stock{
			ID:                xid.New("stock"),
			SKUID:             in.SKUID,
			BranchID:          in.BranchID,
			Qty:               0,
			LowStockThreshold: defaultLowStockThreshold,
		}
		s.stocks[key] = stock
	}
	stock.Qty += in.Qty
	stock.UpdatedAt = now

	movement := domain.StockMovement{
		ID:        xid.New("mov"),
		StockID:   stock.ID,
		SKUID:     in.SKUID,
		BranchID:  in.BranchID,
		Type:      in.Type,
		Qty:       in.Qty,
		Reason:    in.Reason,
		UserID:    in.UserID,
		CreatedAt: now,
	}
	s.movements = append(s.movements, movement)

	stockCopy := *stock
	return &stockCopy, &movement, nil
}

func (s *Store) GetStock(_ context.Context, skuID string, branchID string) (*domain.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stock, exists := s.stocks[stockKey(branchID, skuID)]
	if !exists {
		return nil, store.ErrNotFound
	}
	stockCopy := *stock
	return &stockCopy, nil
}

func (s *Store) ListStockMovements(_ context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	result := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(result) < limit; i-- {
		m := s.movements[i]
		if filter.SKUID != "" && m.SKUID != filter.SKUID {
			continue
		}
		if filter.BranchID != "" && m.BranchID != filter.BranchID {
			continue
		}
		result = append(result, m)
	}
	return result, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Items) == 0 || len(sale.Payments) == 0 || sale.BranchID == "" {
		return nil, false, store.ErrInvalidInput
	}
	// Validate every line before touching the ledger so a bad item cannot
	// leave movements from earlier lines behind.
	for _, item := range sale.Items {
		if item.SKUID == "" || item.Qty < 1 {
			return nil, false, store.ErrInvalidInput
		}
	}

	if sale.IdempotencyKey != "" {
		if existingID, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
			existing := s.saleWithRefundsLocked(existingID)
			return existing, true, nil
		}
	}

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	applied := 0
	for _, item := range sale.Items {
		if _, _, err := s.applyMovementLocked(store.StockMovementInput{
			SKUID:    item.SKUID,
			BranchID: sale.BranchID,
			Qty:      -item.Qty,
			Type:     domain.MovementSale,
			UserID:   sale.CashierID,
		}); err != nil {
			s.reverseMovementsLocked(applied)
			return nil, false, err
		}
		applied++
	}

	saved := sale
	s.salesByID[saved.ID] = &saved
	if saved.IdempotencyKey != "" {
		s.salesByIdem[saved.IdempotencyKey] = saved.ID
	}

	result := s.saleWithRefundsLocked(saved.ID)
	return result, false, nil
}

// reverseMovementsLocked pops the last n movements and undoes their stock
// deltas. Callers must hold s.mu.
func (s *Store) reverseMovementsLocked(n int) {
	for ; n > 0; n-- {
		m := s.movements[len(s.movements)-1]
		s.movements = s.movements[:len(s.movements)-1]
		if stock, ok := s.stocks[stockKey(m.BranchID, m.SKUID)]; ok {
			stock.Qty -= m.Qty
		}
	}
}

func (s *Store) saleWithRefundsLocked(id string) *domain.Sale {
	sale, exists := s.salesByID[id]
	if !exists {
		return nil
	}
	saleCopy := *sale
	saleCopy.Items = slices.Clone(sale.Items)
	saleCopy.Payments = slices.Clone(sale.Payments)
	refunds := s.refundsBySale[id]
	saleCopy.Refunds = make([]domain.Refund, len(refunds))
	for i, r := range refunds {
		rc := r
		rc.Items = slices.Clone(r.Items)
		saleCopy.Refunds[i] = rc
	}
	return &saleCopy
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale := s.saleWithRefundsLocked(id)
	if sale == nil {
		return nil, store.ErrNotFound
	}
	return sale, nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.saleWithRefundsLocked(id), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	sales := make([]domain.Sale, 0, limit)
	for id := range s.salesByID {
		sale := s.saleWithRefundsLocked(id)
		if filter.BranchID != "" && sale.BranchID != filter.BranchID {
			continue
		}
		if filter.CashierID != "" && sale.CashierID != filter.CashierID {
			continue
		}
		if filter.TerminalID != "" && sale.TerminalID != filter.TerminalID {
			continue
		}
		if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sale.CreatedAt.After(*filter.To) {
			continue
		}
		sales = append(sales, *sale)
	}

	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) CreateRefund(_ context.Context, refund domain.Refund, branchID string) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[refund.SaleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if len(refund.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	// Re-check the refund bound under the write lock. The caller resolved
	// quantities from an earlier read; a concurrent refund may have landed
	// since, and two over-refunds must not both commit.
	soldBySKU := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		soldBySKU[item.SKUID] = item.Qty
	}
	refundedBySKU := make(map[string]int)
	for _, prior := range s.refundsBySale[refund.SaleID] {
		for _, item := range prior.Items {
			refundedBySKU[item.SKUID] += item.Qty
		}
	}
	for _, item := range refund.Items {
		sold, ok := soldBySKU[item.SKUID]
		if !ok || item.Qty < 1 || refundedBySKU[item.SKUID]+item.Qty > sold {
			return nil, &store.RefundExceedsError{SKUID: item.SKUID}
		}
	}

	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}

	for _, item := range refund.Items {
		if _, _, err := s.applyMovementLocked(store.StockMovementInput{
			SKUID:    item.SKUID,
			BranchID: branchID,
			Qty:      item.Qty,
			Type:     domain.MovementRefund,
			Reason:   "Refund for sale " + refund.SaleID,
			UserID:   refund.CreatedBy,
		}); err != nil {
			return nil, err
		}
	}

	saved := refund
	saved.Items = slices.Clone(refund.Items)
	s.refundsBySale[refund.SaleID] = append(s.refundsBySale[refund.SaleID], saved)

	result := saved
	return &result, nil
}

func (s *Store) CreateCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.activeSessionByUser[session.CashierID]; active {
		return nil, store.ErrSessionActive
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}
	session.Transactions = make([]domain.CashTransaction, 0, 4)
	saved := session
	s.sessionsByID[saved.ID] = &saved
	s.activeSessionByUser[saved.CashierID] = saved.ID

	result := saved
	return &result, nil
}

func (s *Store) GetActiveSession(_ context.Context, cashierID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeSessionByUser[cashierID]
	if !ok {
		return nil, store.ErrNoActiveSession
	}
	return s.sessionCopyLocked(id), nil
}

func (s *Store) GetCashSessionByID(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessionsByID[id]; !exists {
		return nil, store.ErrNotFound
	}
	return s.sessionCopyLocked(id), nil
}

func (s *Store) sessionCopyLocked(id string) *domain.CashSession {
	session := s.sessionsByID[id]
	sessionCopy := *session
	sessionCopy.Transactions = slices.Clone(session.Transactions)
	return &sessionCopy
}

func (s *Store) AddCashTransaction(_ context.Context, tx domain.CashTransaction) (*domain.CashTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[tx.SessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if session.EndTime != nil {
		return nil, store.ErrNoActiveSession
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	session.Transactions = append(session.Transactions, tx)

	saved := tx
	return &saved, nil
}

func (s *Store) CloseCashSession(_ context.Context, sessionID string, endAmount decimal.Decimal, expectedAmount decimal.Decimal, endTime time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if session.EndTime != nil {
		return nil, store.ErrNoActiveSession
	}

	end := endTime.UTC()
	session.EndTime = &end
	session.EndAmount = &endAmount
	session.ExpectedAmount = &expectedAmount
	delete(s.activeSessionByUser, session.CashierID)

	return s.sessionCopyLocked(sessionID), nil
}

func (s *Store) ListCashSessions(_ context.Context, filter domain.SessionFilter) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 20
	}

	sessions := make([]domain.CashSession, 0, limit)
	for id, session := range s.sessionsByID {
		if filter.BranchID != "" && session.BranchID != filter.BranchID {
			continue
		}
		if filter.ActiveOnly && session.EndTime != nil {
			continue
		}
		if filter.From != nil && session.StartTime.Before(*filter.From) {
			continue
		}
		if filter.To != nil && session.StartTime.After(*filter.To) {
			continue
		}
		sessions = append(sessions, *s.sessionCopyLocked(id))
	}

	slices.SortFunc(sessions, func(a, b domain.CashSession) int {
		if a.StartTime.Equal(b.StartTime) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.StartTime.After(b.StartTime) {
			return -1
		}
		return 1
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *Store) SumCashPayments(_ context.Context, cashierID string, since time.Time, until *time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, sale := range s.salesByID {
		if sale.CashierID != cashierID || sale.CreatedAt.Before(since) {
			continue
		}
		if until != nil && sale.CreatedAt.After(*until) {
			continue
		}
		for _, payment := range sale.Payments {
			if payment.Method == domain.PaymentMethodCash {
				sum = sum.Add(payment.Amount)
			}
		}
	}
	return sum, nil
}

func (s *Store) SumCashRefunds(_ context.Context, cashierID string, since time.Time, until *time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for saleID, refunds := range s.refundsBySale {
		sale, exists := s.salesByID[saleID]
		if !exists || !saleHasCashPayment(sale) {
			continue
		}
		for _, refund := range refunds {
			if refund.CreatedBy != cashierID || refund.CreatedAt.Before(since) {
				continue
			}
			if until != nil && refund.CreatedAt.After(*until) {
				continue
			}
			sum = sum.Add(refund.Amount)
		}
	}
	return sum, nil
}

func saleHasCashPayment(sale *domain.Sale) bool {
	for _, payment := range sale.Payments {
		if payment.Method == domain.PaymentMethodCash {
			return true
		}
	}
	return false
}

func (s *Store) GetSaleTotals(_ context.Context, cashierID string, from time.Time, to *time.Time) (decimal.Decimal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	count := 0
	for _, sale := range s.salesByID {
		if sale.CashierID != cashierID || sale.CreatedAt.Before(from) {
			continue
		}
		if to != nil && sale.CreatedAt.After(*to) {
			continue
		}
		total = total.Add(sale.Total)
		count++
	}
	return total, count, nil
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

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidInput
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
