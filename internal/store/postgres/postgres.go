package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
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

// DB exposes the underlying handle for the migration runner.
func (s *Store) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// applyMovementTx performs the insert-if-absent-else-increment on the stock
// row and appends the movement row. It is the only statement pair in this
// package that touches stocks.qty; both single movements and sale/refund
// transactions funnel through it.
func (s *Store) applyMovementTx(ctx context.Context, tx execer, in store.StockMovementInput) (*domain.Stock, *domain.StockMovement, error) {
	if in.SKUID == "" || in.BranchID == "" || in.Qty == 0 {
		return nil, nil, store.ErrInvalidInput
	}

	var stock domain.Stock
	err := tx.QueryRowContext(ctx, `
		INSERT INTO stocks (id, sku_id, branch_id, qty, low_stock_threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (sku_id, branch_id)
		DO UPDATE SET qty = stocks.qty + EXCLUDED.qty, updated_at = now()
		RETURNING id, sku_id, branch_id, qty, low_stock_threshold, updated_at
	`, xid.New("stock"), in.SKUID, in.BranchID, in.Qty, 10).Scan(
		&stock.ID, &stock.SKUID, &stock.BranchID, &stock.Qty, &stock.LowStockThreshold, &stock.UpdatedAt,
	)
	if err != nil {
		return nil, nil, err
	}
	stock.UpdatedAt = stock.UpdatedAt.UTC()

	movement := domain.StockMovement{
		ID:       xid.New("mov"),
		StockID:  stock.ID,
		SKUID:    in.SKUID,
		BranchID: in.BranchID,
		Type:     in.Type,
		Qty:      in.Qty,
		Reason:   in.Reason,
		UserID:   in.UserID,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (id, stock_id, sku_id, branch_id, type, qty, reason, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING created_at
	`, movement.ID, movement.StockID, movement.SKUID, movement.BranchID, string(movement.Type), movement.Qty,
		nullIfEmpty(movement.Reason), nullIfEmpty(movement.UserID)).Scan(&movement.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	movement.CreatedAt = movement.CreatedAt.UTC()

	return &stock, &movement, nil
}

func (s *Store) ApplyStockMovement(ctx context.Context, in store.StockMovementInput) (*domain.Stock, *domain.StockMovement, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stock, movement, err := s.applyMovementTx(ctx, tx, in)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return stock, movement, nil
}

func (s *Store) GetStock(ctx context.Context, skuID string, branchID string) (*domain.Stock, error) {
	var stock domain.Stock
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku_id, branch_id, qty, low_stock_threshold, updated_at
		FROM stocks
		WHERE sku_id = $1 AND branch_id = $2
	`, skuID, branchID).Scan(&stock.ID, &stock.SKUID, &stock.BranchID, &stock.Qty, &stock.LowStockThreshold, &stock.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	stock.UpdatedAt = stock.UpdatedAt.UTC()
	return &stock, nil
}

func (s *Store) ListStockMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stock_id, sku_id, branch_id, type, qty, COALESCE(reason,''), COALESCE(user_id,''), created_at
		FROM stock_movements
		WHERE ($1 = '' OR sku_id = $1)
			AND ($2 = '' OR branch_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.SKUID, filter.BranchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		var movementType string
		if err := rows.Scan(&m.ID, &m.StockID, &m.SKUID, &m.BranchID, &movementType, &m.Qty, &m.Reason, &m.UserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = domain.MovementType(movementType)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, false, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (id, branch_id, terminal_id, cashier_id, idempotency_key, subtotal, tax, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING created_at
	`, sale.ID, sale.BranchID, sale.TerminalID, sale.CashierID, nullIfEmpty(sale.IdempotencyKey),
		sale.Subtotal, sale.Tax, sale.Total).Scan(&createdAt)
	if err != nil {
		if isUniqueViolation(err) && sale.IdempotencyKey != "" {
			// A concurrent duplicate won the insert. Abort this unit of
			// work and hand back the sale that already committed.
			_ = tx.Rollback()
			existing, lookupErr := s.FindSaleByIdempotencyKey(ctx, sale.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, true, nil
		}
		return nil, false, err
	}
	sale.CreatedAt = createdAt.UTC()

	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, sku_id, qty, price, discount)
			VALUES ($1, $2, $3, $4, $5)
		`, sale.ID, item.SKUID, item.Qty, item.Price, item.Discount)
		if err != nil {
			return nil, false, err
		}
	}
	for _, payment := range sale.Payments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (sale_id, method, amount, provider)
			VALUES ($1, $2, $3, $4)
		`, sale.ID, payment.Method, payment.Amount, nullIfEmpty(payment.Provider))
		if err != nil {
			return nil, false, err
		}
	}

	for _, item := range sale.Items {
		if _, _, err := s.applyMovementTx(ctx, tx, store.StockMovementInput{
			SKUID:    item.SKUID,
			BranchID: sale.BranchID,
			Qty:      -item.Qty,
			Type:     domain.MovementSale,
			UserID:   sale.CashierID,
		}); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	created := sale
	created.Refunds = []domain.Refund{}
	return &created, false, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, `id = $1`, id)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, `idempotency_key = $1`, key)
}

func (s *Store) findSale(ctx context.Context, where string, arg string) (*domain.Sale, error) {
	var sale domain.Sale
	var idemKey sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, terminal_id, cashier_id, idempotency_key, subtotal, tax, total, created_at
		FROM sales
		WHERE `+where, arg).Scan(
		&sale.ID, &sale.BranchID, &sale.TerminalID, &sale.CashierID, &idemKey,
		&sale.Subtotal, &sale.Tax, &sale.Total, &sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if idemKey.Valid {
		sale.IdempotencyKey = idemKey.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	if err := s.loadSaleChildren(ctx, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) loadSaleChildren(ctx context.Context, sale *domain.Sale) error {
	itemRows, err := s.db.QueryContext(ctx, `
		SELECT sku_id, qty, price, discount
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return err
	}
	defer itemRows.Close()

	sale.Items = make([]domain.SaleItem, 0, 8)
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.SKUID, &item.Qty, &item.Price, &item.Discount); err != nil {
			return err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return err
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT method, amount, COALESCE(provider,'')
		FROM payments
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return err
	}
	defer paymentRows.Close()

	sale.Payments = make([]domain.Payment, 0, 2)
	for paymentRows.Next() {
		var payment domain.Payment
		if err := paymentRows.Scan(&payment.Method, &payment.Amount, &payment.Provider); err != nil {
			return err
		}
		sale.Payments = append(sale.Payments, payment)
	}
	if err := paymentRows.Err(); err != nil {
		return err
	}

	refunds, err := s.loadRefunds(ctx, sale.ID)
	if err != nil {
		return err
	}
	sale.Refunds = refunds
	return nil
}

func (s *Store) loadRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, amount, COALESCE(reason,''), created_by, created_at
		FROM refunds
		WHERE sale_id = $1
		ORDER BY created_at ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, 2)
	for rows.Next() {
		var refund domain.Refund
		if err := rows.Scan(&refund.ID, &refund.SaleID, &refund.Amount, &refund.Reason, &refund.CreatedBy, &refund.CreatedAt); err != nil {
			return nil, err
		}
		refund.CreatedAt = refund.CreatedAt.UTC()
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range refunds {
		itemRows, err := s.db.QueryContext(ctx, `
			SELECT sku_id, qty
			FROM refund_items
			WHERE refund_id = $1
			ORDER BY id ASC
		`, refunds[i].ID)
		if err != nil {
			return nil, err
		}
		items := make([]domain.RefundItem, 0, 4)
		for itemRows.Next() {
			var item domain.RefundItem
			if err := itemRows.Scan(&item.SKUID, &item.Qty); err != nil {
				_ = itemRows.Close()
				return nil, err
			}
			items = append(items, item)
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		_ = itemRows.Close()
		refunds[i].Items = items
	}
	return refunds, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	var from, to sql.NullTime
	if filter.From != nil {
		from = sql.NullTime{Time: *filter.From, Valid: true}
	}
	if filter.To != nil {
		to = sql.NullTime{Time: *filter.To, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM sales
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2 = '' OR cashier_id = $2)
			AND ($3 = '' OR terminal_id = $3)
			AND ($4::timestamptz IS NULL OR created_at >= $4)
			AND ($5::timestamptz IS NULL OR created_at <= $5)
		ORDER BY created_at DESC
		LIMIT $6
	`, filter.BranchID, filter.CashierID, filter.TerminalID, from, to, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	sales := make([]domain.Sale, 0, len(ids))
	for _, id := range ids {
		sale, err := s.FindSaleByID(ctx, id)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, nil
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund, branchID string) (*domain.Refund, error) {
	if len(refund.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the sale row so concurrent refunds against the same sale
	// serialize, then re-check the refund bound against committed rows.
	// The caller resolved quantities from an earlier read that may be
	// stale by now.
	var saleID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM sales WHERE id = $1 FOR UPDATE
	`, refund.SaleID).Scan(&saleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	soldBySKU, err := qtyBySKU(tx.QueryContext(ctx, `
		SELECT sku_id, qty FROM sale_items WHERE sale_id = $1
	`, refund.SaleID))
	if err != nil {
		return nil, err
	}
	refundedBySKU, err := qtyBySKU(tx.QueryContext(ctx, `
		SELECT ri.sku_id, SUM(ri.qty)
		FROM refund_items ri
		JOIN refunds r ON r.id = ri.refund_id
		WHERE r.sale_id = $1
		GROUP BY ri.sku_id
	`, refund.SaleID))
	if err != nil {
		return nil, err
	}
	for _, item := range refund.Items {
		sold, ok := soldBySKU[item.SKUID]
		if !ok || item.Qty < 1 || refundedBySKU[item.SKUID]+item.Qty > sold {
			return nil, &store.RefundExceedsError{SKUID: item.SKUID}
		}
	}

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO refunds (id, sale_id, amount, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at
	`, refund.ID, refund.SaleID, refund.Amount, nullIfEmpty(refund.Reason), refund.CreatedBy).Scan(&createdAt)
	if err != nil {
		return nil, err
	}
	refund.CreatedAt = createdAt.UTC()

	for _, item := range refund.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refund_items (refund_id, sku_id, qty)
			VALUES ($1, $2, $3)
		`, refund.ID, item.SKUID, item.Qty)
		if err != nil {
			return nil, err
		}

		if _, _, err := s.applyMovementTx(ctx, tx, store.StockMovementInput{
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

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := refund
	return &created, nil
}

// qtyBySKU collapses (sku_id, qty) rows into a map.
func qtyBySKU(rows *sql.Rows, err error) (map[string]int, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var sku string
		var qty int
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		result[sku] = qty
	}
	return result, rows.Err()
}

func (s *Store) CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	var startTime time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cash_sessions (id, branch_id, terminal_id, cashier_id, start_amount, start_time)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING start_time
	`, session.ID, session.BranchID, session.TerminalID, session.CashierID, session.StartAmount).Scan(&startTime)
	if err != nil {
		// The partial unique index on (cashier_id) WHERE end_time IS NULL
		// enforces one open session per cashier.
		if isUniqueViolation(err) {
			return nil, store.ErrSessionActive
		}
		return nil, err
	}
	session.StartTime = startTime.UTC()
	session.Transactions = []domain.CashTransaction{}

	created := session
	return &created, nil
}

func (s *Store) GetActiveSession(ctx context.Context, cashierID string) (*domain.CashSession, error) {
	session, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, terminal_id, cashier_id, start_amount, start_time, end_amount, expected_amount, end_time
		FROM cash_sessions
		WHERE cashier_id = $1 AND end_time IS NULL
		ORDER BY start_time DESC
		LIMIT 1
	`, cashierID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNoActiveSession
		}
		return nil, err
	}
	if err := s.loadSessionTransactions(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) GetCashSessionByID(ctx context.Context, id string) (*domain.CashSession, error) {
	session, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, terminal_id, cashier_id, start_amount, start_time, end_amount, expected_amount, end_time
		FROM cash_sessions
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadSessionTransactions(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) scanSession(row *sql.Row) (*domain.CashSession, error) {
	var session domain.CashSession
	var endAmount, expectedAmount decimal.NullDecimal
	var endTime sql.NullTime
	err := row.Scan(
		&session.ID, &session.BranchID, &session.TerminalID, &session.CashierID,
		&session.StartAmount, &session.StartTime, &endAmount, &expectedAmount, &endTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.StartTime = session.StartTime.UTC()
	if endAmount.Valid {
		session.EndAmount = &endAmount.Decimal
	}
	if expectedAmount.Valid {
		session.ExpectedAmount = &expectedAmount.Decimal
	}
	if endTime.Valid {
		t := endTime.Time.UTC()
		session.EndTime = &t
	}
	return &session, nil
}

func (s *Store) loadSessionTransactions(ctx context.Context, session *domain.CashSession) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, amount, COALESCE(reason,''), created_at
		FROM cash_transactions
		WHERE session_id = $1
		ORDER BY created_at ASC
	`, session.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	session.Transactions = make([]domain.CashTransaction, 0, 4)
	for rows.Next() {
		var tx domain.CashTransaction
		var txType string
		if err := rows.Scan(&tx.ID, &tx.SessionID, &txType, &tx.Amount, &tx.Reason, &tx.CreatedAt); err != nil {
			return err
		}
		tx.Type = domain.CashTransactionType(txType)
		tx.CreatedAt = tx.CreatedAt.UTC()
		session.Transactions = append(session.Transactions, tx)
	}
	return rows.Err()
}

func (s *Store) AddCashTransaction(ctx context.Context, tx domain.CashTransaction) (*domain.CashTransaction, error) {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cash_transactions (id, session_id, type, amount, reason, created_at)
		SELECT $1, id, $3, $4, $5, now()
		FROM cash_sessions
		WHERE id = $2 AND end_time IS NULL
		RETURNING created_at
	`, tx.ID, tx.SessionID, string(tx.Type), tx.Amount, nullIfEmpty(tx.Reason)).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoActiveSession
		}
		return nil, err
	}
	tx.CreatedAt = createdAt.UTC()

	saved := tx
	return &saved, nil
}

func (s *Store) CloseCashSession(ctx context.Context, sessionID string, endAmount decimal.Decimal, expectedAmount decimal.Decimal, endTime time.Time) (*domain.CashSession, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cash_sessions
		SET end_time = $2, end_amount = $3, expected_amount = $4
		WHERE id = $1 AND end_time IS NULL
	`, sessionID, endTime.UTC(), endAmount, expectedAmount)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNoActiveSession
	}
	return s.GetCashSessionByID(ctx, sessionID)
}

func (s *Store) ListCashSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.CashSession, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 20
	}

	var from, to sql.NullTime
	if filter.From != nil {
		from = sql.NullTime{Time: *filter.From, Valid: true}
	}
	if filter.To != nil {
		to = sql.NullTime{Time: *filter.To, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, terminal_id, cashier_id, start_amount, start_time, end_amount, expected_amount, end_time
		FROM cash_sessions
		WHERE ($1 = '' OR branch_id = $1)
			AND (NOT $2 OR end_time IS NULL)
			AND ($3::timestamptz IS NULL OR start_time >= $3)
			AND ($4::timestamptz IS NULL OR start_time <= $4)
		ORDER BY start_time DESC
		LIMIT $5
	`, filter.BranchID, filter.ActiveOnly, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashSession, 0, limit)
	for rows.Next() {
		var session domain.CashSession
		var endAmount, expectedAmount decimal.NullDecimal
		var endTime sql.NullTime
		if err := rows.Scan(
			&session.ID, &session.BranchID, &session.TerminalID, &session.CashierID,
			&session.StartAmount, &session.StartTime, &endAmount, &expectedAmount, &endTime,
		); err != nil {
			return nil, err
		}
		session.StartTime = session.StartTime.UTC()
		if endAmount.Valid {
			session.EndAmount = &endAmount.Decimal
		}
		if expectedAmount.Valid {
			session.ExpectedAmount = &expectedAmount.Decimal
		}
		if endTime.Valid {
			t := endTime.Time.UTC()
			session.EndTime = &t
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sessions {
		if err := s.loadSessionTransactions(ctx, &sessions[i]); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *Store) SumCashPayments(ctx context.Context, cashierID string, since time.Time, until *time.Time) (decimal.Decimal, error) {
	var upper sql.NullTime
	if until != nil {
		upper = sql.NullTime{Time: *until, Valid: true}
	}

	var sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(p.amount), 0)
		FROM payments p
		JOIN sales s ON s.id = p.sale_id
		WHERE p.method = $1 AND s.cashier_id = $2 AND s.created_at >= $3
			AND ($4::timestamptz IS NULL OR s.created_at <= $4)
	`, domain.PaymentMethodCash, cashierID, since, upper).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (s *Store) SumCashRefunds(ctx context.Context, cashierID string, since time.Time, until *time.Time) (decimal.Decimal, error) {
	var upper sql.NullTime
	if until != nil {
		upper = sql.NullTime{Time: *until, Valid: true}
	}

	var sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.amount), 0)
		FROM refunds r
		JOIN sales s ON s.id = r.sale_id
		WHERE r.created_by = $1
			AND r.created_at >= $2
			AND ($4::timestamptz IS NULL OR r.created_at <= $4)
			AND EXISTS (
				SELECT 1 FROM payments p
				WHERE p.sale_id = s.id AND p.method = $3
			)
	`, cashierID, since, domain.PaymentMethodCash, upper).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (s *Store) GetSaleTotals(ctx context.Context, cashierID string, from time.Time, to *time.Time) (decimal.Decimal, int, error) {
	var upper sql.NullTime
	if to != nil {
		upper = sql.NullTime{Time: *to, Valid: true}
	}

	var total decimal.Decimal
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total), 0), COUNT(*)
		FROM sales
		WHERE cashier_id = $1
			AND created_at >= $2
			AND ($3::timestamptz IS NULL OR created_at <= $3)
	`, cashierID, from, upper).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return total, count, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, entry.ID, entry.BranchID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, entry.Detail)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_id, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
			AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorID, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
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

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, branch_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, user.Username, user.Password, user.Role, user.BranchID, user.Active)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidInput
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, branch_id, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.BranchID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
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

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
