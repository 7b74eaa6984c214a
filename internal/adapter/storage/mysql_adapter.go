package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

//go:embed schema.sql
var schemaSQL string

const mysqlDuplicateEntry = 1062

type MySQLAdapter struct {
	db *sql.DB
}

var _ port.DatabaseRepository = (*MySQLAdapter)(nil)

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// OpenMySQL opens a pool and pings it. ClientFoundRows is forced on so an
// UPDATE that matches a row without changing it still counts as affected.
func OpenMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables if they do not exist.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isDuplicate(err error) (*mysql.MySQLError, bool) {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return me, true
	}
	return nil, false
}

func (m *MySQLAdapter) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func affected(res sql.Result) int64 {
	n, _ := res.RowsAffected()
	return n
}

// Sales

const saleColumns = `id, title, kind, original_price, flash_price, discount_pct, currency,
	start_time, end_time, max_quantity, sold_quantity, limit_per_user, low_stock_pct,
	enabled, sold_out, low_stock_notified, announced_phase, purchase_count, unique_customers,
	eligibility_rule, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var (
		s     domain.Sale
		flash sql.NullInt64
		phase string
	)
	err := row.Scan(&s.ID, &s.Title, &s.Kind, &s.OriginalPrice, &flash, &s.DiscountPercentage, &s.Currency,
		&s.StartTime, &s.EndTime, &s.MaxQuantity, &s.SoldQuantity, &s.LimitPerUser, &s.LowStockPercent,
		&s.Enabled, &s.SoldOutLatched, &s.LowStockNotified, &phase, &s.PurchaseCount, &s.UniqueCustomers,
		&s.EligibilityRule, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if flash.Valid {
		v := flash.Int64
		s.FlashPrice = &v
	}
	s.AnnouncedPhase = domain.Phase(phase)
	return &s, nil
}

func nullPrice(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func (m *MySQLAdapter) CreateSale(ctx context.Context, sale domain.Sale) error {
	now := time.Now().UTC()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.Title, sale.Kind, sale.OriginalPrice, nullPrice(sale.FlashPrice), sale.DiscountPercentage, sale.Currency,
		sale.StartTime.UTC(), sale.EndTime.UTC(), sale.MaxQuantity, sale.SoldQuantity, sale.LimitPerUser, sale.LowStockPercent,
		sale.Enabled, sale.SoldOutLatched, sale.LowStockNotified, string(sale.AnnouncedPhase), sale.PurchaseCount, sale.UniqueCustomers,
		sale.EligibilityRule, now, now,
	)
	if _, dup := isDuplicate(err); dup {
		return port.ErrOptimisticLock
	}
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	s, err := scanSale(m.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, saleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sale: %w", err)
	}
	return s, nil
}

func (m *MySQLAdapter) saleExists(ctx context.Context, saleID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM sales WHERE id = ?`, saleID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (m *MySQLAdapter) UpdateSale(ctx context.Context, sale domain.Sale) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE sales
		SET title = ?, kind = ?, original_price = ?, flash_price = ?, discount_pct = ?, currency = ?,
			start_time = ?, end_time = ?, max_quantity = ?, limit_per_user = ?, low_stock_pct = ?,
			eligibility_rule = ?, updated_at = ?
		WHERE id = ? AND sold_quantity <= ?`,
		sale.Title, sale.Kind, sale.OriginalPrice, nullPrice(sale.FlashPrice), sale.DiscountPercentage, sale.Currency,
		sale.StartTime.UTC(), sale.EndTime.UTC(), sale.MaxQuantity, sale.LimitPerUser, sale.LowStockPercent,
		sale.EligibilityRule, time.Now().UTC(),
		sale.ID, sale.MaxQuantity,
	)
	if err != nil {
		return fmt.Errorf("update sale: %w", err)
	}
	if affected(result) > 0 {
		return nil
	}

	exists, err := m.saleExists(ctx, sale.ID)
	if err != nil {
		return fmt.Errorf("update sale: %w", err)
	}
	if !exists {
		return port.ErrNotFound
	}
	return port.ErrOptimisticLock
}

func (m *MySQLAdapter) SetSaleEnabled(ctx context.Context, saleID string, enabled bool) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE sales SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), saleID,
	)
	if err != nil {
		return fmt.Errorf("set sale enabled: %w", err)
	}
	if affected(result) == 0 {
		return port.ErrNotFound
	}
	return nil
}

func (m *MySQLAdapter) ClearSoldOut(ctx context.Context, saleID string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE sales SET sold_out = 0, enabled = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), saleID,
	)
	if err != nil {
		return fmt.Errorf("clear sold out: %w", err)
	}
	if affected(result) == 0 {
		return port.ErrNotFound
	}
	return nil
}

func (m *MySQLAdapter) ListAnnounceable(ctx context.Context) ([]domain.Sale, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+saleColumns+` FROM sales
		WHERE announced_phase <> ?
		ORDER BY start_time`, string(domain.PhaseEnded))
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	var out []domain.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) AnnouncePhase(ctx context.Context, saleID string, from, to domain.Phase) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE sales SET announced_phase = ? WHERE id = ? AND announced_phase = ?`,
		string(to), saleID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("announce phase: %w", err)
	}
	return affected(result) == 1, nil
}

func (m *MySQLAdapter) LatchSoldOut(ctx context.Context, saleID string) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE sales SET sold_out = 1
		WHERE id = ? AND sold_out = 0 AND sold_quantity >= max_quantity
		AND NOT EXISTS (SELECT 1 FROM reservations WHERE sale_id = ? AND status = ?)`,
		saleID, saleID, string(domain.ReservationHeld))
	if err != nil {
		return false, fmt.Errorf("latch sold out: %w", err)
	}
	return affected(result) == 1, nil
}

func (m *MySQLAdapter) MarkLowStockNotified(ctx context.Context, saleID string) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE sales SET low_stock_notified = 1 WHERE id = ? AND low_stock_notified = 0`, saleID)
	if err != nil {
		return false, fmt.Errorf("mark low stock: %w", err)
	}
	return affected(result) == 1, nil
}

func (m *MySQLAdapter) RecordBuyer(ctx context.Context, saleID, userID, purchaseID string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT IGNORE INTO sale_purchases (purchase_id, sale_id) VALUES (?, ?)`, purchaseID, saleID)
		if err != nil {
			return fmt.Errorf("insert sale purchase: %w", err)
		}
		if affected(result) == 0 {
			return nil
		}

		result, err = tx.ExecContext(ctx, `
			INSERT IGNORE INTO sale_customers (sale_id, user_id) VALUES (?, ?)`, saleID, userID)
		if err != nil {
			return fmt.Errorf("insert sale customer: %w", err)
		}
		firstTime := affected(result)

		result, err = tx.ExecContext(ctx, `
			UPDATE sales
			SET purchase_count = purchase_count + 1, unique_customers = unique_customers + ?
			WHERE id = ?`, firstTime, saleID)
		if err != nil {
			return fmt.Errorf("update sale aggregates: %w", err)
		}
		if affected(result) == 0 {
			return port.ErrNotFound
		}
		return nil
	})
}

// Ledger

func (m *MySQLAdapter) ReserveStock(ctx context.Context, r domain.Reservation, now time.Time) error {
	now = now.UTC()
	return m.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (id, sale_id, purchase_id, quantity, status, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SaleID, r.PurchaseID, r.Quantity, string(domain.ReservationHeld), r.ExpiresAt.UTC(), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE sales
			SET sold_quantity = sold_quantity + ?, updated_at = ?
			WHERE id = ? AND enabled = 1 AND sold_out = 0
				AND start_time <= ? AND end_time >= ?
				AND sold_quantity + ? <= max_quantity`,
			r.Quantity, now, r.SaleID, now, now, r.Quantity,
		)
		if err != nil {
			return fmt.Errorf("increment sold quantity: %w", err)
		}
		if affected(result) == 0 {
			return port.ErrSoldOut
		}
		return nil
	})
}

func (m *MySQLAdapter) ReleaseReservation(ctx context.Context, reservationID string) (bool, error) {
	released := false
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE reservations SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.ReservationReleased), time.Now().UTC(), reservationID, string(domain.ReservationHeld),
		)
		if err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		if affected(result) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sales s JOIN reservations r ON r.sale_id = s.id
			SET s.sold_quantity = GREATEST(s.sold_quantity - r.quantity, 0)
			WHERE r.id = ?`, reservationID)
		if err != nil {
			return fmt.Errorf("decrement sold quantity: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

func (m *MySQLAdapter) ConfirmReservation(ctx context.Context, reservationID string) (domain.ConfirmOutcome, error) {
	var outcome domain.ConfirmOutcome
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var (
			saleID   string
			quantity int
			status   string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT sale_id, quantity, status FROM reservations WHERE id = ? FOR UPDATE`, reservationID,
		).Scan(&saleID, &quantity, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return port.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}

		switch domain.ReservationStatus(status) {
		case domain.ReservationConfirmed:
			outcome = domain.ConfirmNoop
			return nil
		case domain.ReservationHeld:
			outcome = domain.ConfirmApplied
		default:
			result, err := tx.ExecContext(ctx, `
				UPDATE sales SET sold_quantity = sold_quantity + ?
				WHERE id = ? AND sold_out = 0 AND sold_quantity + ? <= max_quantity`,
				quantity, saleID, quantity)
			if err != nil {
				return fmt.Errorf("reacquire stock: %w", err)
			}
			if affected(result) == 0 {
				return port.ErrSoldOut
			}
			outcome = domain.ConfirmReacquired
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?`,
			string(domain.ReservationConfirmed), time.Now().UTC(), reservationID)
		if err != nil {
			return fmt.Errorf("confirm reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

const reservationColumns = `id, sale_id, purchase_id, quantity, status, expires_at, created_at, updated_at`

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var (
		r      domain.Reservation
		status string
	)
	if err := row.Scan(&r.ID, &r.SaleID, &r.PurchaseID, &r.Quantity, &status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = domain.ReservationStatus(status)
	return &r, nil
}

func (m *MySQLAdapter) ListExpiredHeld(ctx context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at
		LIMIT ?`, string(domain.ReservationHeld), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ReservationTotals(ctx context.Context, saleID string) (int, int, error) {
	var held, confirmed int
	err := m.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN quantity END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN quantity END), 0)
		FROM reservations WHERE sale_id = ?`,
		string(domain.ReservationHeld), string(domain.ReservationConfirmed), saleID,
	).Scan(&held, &confirmed)
	if err != nil {
		return 0, 0, fmt.Errorf("reservation totals: %w", err)
	}
	return held, confirmed, nil
}

// Purchases

const purchaseColumns = `id, user_id, sale_id, reservation_id, quantity, unit_amount, total_amount, currency,
	payment_status, failure_reason, session_id, payment_ref, voucher_code, voucher_expires_at,
	is_redeemed, redeemed_at, created_at, decided_at`

func scanPurchase(row rowScanner) (*domain.Purchase, error) {
	var (
		p                 domain.Purchase
		status            string
		redeemed, decided sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &p.SaleID, &p.ReservationID, &p.Quantity, &p.UnitAmount, &p.TotalAmount, &p.Currency,
		&status, &p.FailureReason, &p.SessionID, &p.PaymentReference, &p.VoucherCode, &p.VoucherExpiresAt,
		&p.IsRedeemed, &redeemed, &p.CreatedAt, &decided)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PaymentStatus(status)
	if redeemed.Valid {
		p.RedeemedAt = &redeemed.Time
	}
	if decided.Valid {
		p.DecidedAt = &decided.Time
	}
	return &p, nil
}

func (m *MySQLAdapter) CreatePurchase(ctx context.Context, p domain.Purchase, limitPerUser int) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_sale_slots (sale_id, user_id, units) VALUES (?, ?, 0)
			ON DUPLICATE KEY UPDATE units = units`, p.SaleID, p.UserID)
		if err != nil {
			return fmt.Errorf("ensure slot row: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE user_sale_slots SET units = units + ?
			WHERE sale_id = ? AND user_id = ? AND units + ? <= ?`,
			p.Quantity, p.SaleID, p.UserID, p.Quantity, limitPerUser)
		if err != nil {
			return fmt.Errorf("claim slot: %w", err)
		}
		if affected(result) == 0 {
			return port.ErrSlotLimit
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchases (`+purchaseColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL)`,
			p.ID, p.UserID, p.SaleID, p.ReservationID, p.Quantity, p.UnitAmount, p.TotalAmount, p.Currency,
			string(p.Status), p.FailureReason, p.SessionID, p.PaymentReference, p.VoucherCode, p.VoucherExpiresAt.UTC(),
			p.IsRedeemed, p.CreatedAt.UTC(),
		)
		if me, dup := isDuplicate(err); dup {
			if strings.Contains(me.Message, "voucher") {
				return port.ErrDuplicateVoucher
			}
			return port.ErrOptimisticLock
		}
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}
		return nil
	})
}

func (m *MySQLAdapter) GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error) {
	return m.getPurchaseWhere(ctx, "id = ?", purchaseID)
}

func (m *MySQLAdapter) GetPurchaseByVoucher(ctx context.Context, code string) (*domain.Purchase, error) {
	return m.getPurchaseWhere(ctx, "voucher_code = ?", code)
}

func (m *MySQLAdapter) getPurchaseWhere(ctx context.Context, where string, arg any) (*domain.Purchase, error) {
	p, err := scanPurchase(m.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query purchase: %w", err)
	}
	return p, nil
}

func (m *MySQLAdapter) CountActiveUnits(ctx context.Context, userID, saleID string) (int, error) {
	var units int
	err := m.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM purchases
		WHERE user_id = ? AND sale_id = ? AND payment_status IN (?, ?)`,
		userID, saleID, string(domain.PaymentPending), string(domain.PaymentPaid),
	).Scan(&units)
	if err != nil {
		return 0, fmt.Errorf("count active units: %w", err)
	}
	return units, nil
}

func (m *MySQLAdapter) AttachSession(ctx context.Context, purchaseID, sessionID string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE purchases SET session_id = ? WHERE id = ?`, sessionID, purchaseID)
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) MarkPaid(ctx context.Context, purchaseID, paymentRef string, at time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE purchases SET payment_status = ?, payment_ref = ?, decided_at = ?
		WHERE id = ? AND payment_status = ?`,
		string(domain.PaymentPaid), paymentRef, at.UTC(), purchaseID, string(domain.PaymentPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	return affected(result) == 1, nil
}

// closeWithSlotRelease moves a purchase from -> to and hands its units back
// to the user's slot row in the same transaction.
func (m *MySQLAdapter) closeWithSlotRelease(ctx context.Context, purchaseID string, from, to domain.PaymentStatus, reason string, at time.Time) (bool, error) {
	moved := false
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE purchases SET payment_status = ?, failure_reason = ?, decided_at = ?
			WHERE id = ? AND payment_status = ?`,
			string(to), reason, at.UTC(), purchaseID, string(from),
		)
		if err != nil {
			return fmt.Errorf("update purchase status: %w", err)
		}
		if affected(result) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE user_sale_slots s
			JOIN purchases p ON p.sale_id = s.sale_id AND p.user_id = s.user_id
			SET s.units = GREATEST(s.units - p.quantity, 0)
			WHERE p.id = ?`, purchaseID)
		if err != nil {
			return fmt.Errorf("release slot: %w", err)
		}
		moved = true
		return nil
	})
	return moved, err
}

func (m *MySQLAdapter) MarkFailed(ctx context.Context, purchaseID, reason string, at time.Time) (bool, error) {
	return m.closeWithSlotRelease(ctx, purchaseID, domain.PaymentPending, domain.PaymentFailed, truncate(reason, 512), at)
}

func (m *MySQLAdapter) MarkRefunded(ctx context.Context, purchaseID, reason string, at time.Time) (bool, error) {
	return m.closeWithSlotRelease(ctx, purchaseID, domain.PaymentPaid, domain.PaymentRefunded, truncate(reason, 512), at)
}

func (m *MySQLAdapter) MarkRedeemed(ctx context.Context, purchaseID string, at time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE purchases SET is_redeemed = 1, redeemed_at = ?
		WHERE id = ? AND payment_status = ? AND is_redeemed = 0`,
		at.UTC(), purchaseID, string(domain.PaymentPaid),
	)
	if err != nil {
		return false, fmt.Errorf("mark redeemed: %w", err)
	}
	return affected(result) == 1, nil
}

func (m *MySQLAdapter) ListByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Purchase, int, error) {
	var total int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchases WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count purchases: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	out, err := collectPurchases(rows)
	return out, total, err
}

func (m *MySQLAdapter) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Purchase, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE payment_status = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?`, string(domain.PaymentPending), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale purchases: %w", err)
	}
	defer rows.Close()

	return collectPurchases(rows)
}

func collectPurchases(rows *sql.Rows) ([]domain.Purchase, error) {
	out := []domain.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListUnrecordedPaid(ctx context.Context, limit int) ([]domain.Purchase, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE payment_status = ?
		AND EXISTS (SELECT 1 FROM reservations r WHERE r.id = purchases.reservation_id AND r.status = ?)
		AND NOT EXISTS (SELECT 1 FROM sale_purchases sp WHERE sp.purchase_id = purchases.id)
		ORDER BY created_at
		LIMIT ?`, string(domain.PaymentPaid), string(domain.ReservationConfirmed), limit)
	if err != nil {
		return nil, fmt.Errorf("list unrecorded purchases: %w", err)
	}
	defer rows.Close()

	return collectPurchases(rows)
}

func (m *MySQLAdapter) PaidQuantity(ctx context.Context, saleID string) (int, error) {
	var units int
	err := m.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM purchases WHERE sale_id = ? AND payment_status = ?`,
		saleID, string(domain.PaymentPaid),
	).Scan(&units)
	if err != nil {
		return 0, fmt.Errorf("paid quantity: %w", err)
	}
	return units, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
