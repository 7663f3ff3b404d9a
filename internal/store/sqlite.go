package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ordergate/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderStore = (*SQLiteStore)(nil)

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	broker_order_id TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL UNIQUE,
	symbol          TEXT NOT NULL,
	qty             INTEGER NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	limit_price     REAL,
	stop_price      REAL,
	time_in_force   TEXT NOT NULL,
	status          TEXT NOT NULL,
	filled_qty      INTEGER NOT NULL,
	avg_fill_price  REAL,
	reject_reason   TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// SQLiteStore implements OrderStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %q: %w", dbPath, err)
	}
	if _, err := db.Exec(ordersSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveOrder inserts a new order record.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			broker_order_id, client_order_id, symbol, qty, side, order_type,
			limit_price, stop_price, time_in_force, status, filled_qty,
			avg_fill_price, reject_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.BrokerOrderID,
		order.Request.ClientOrderID,
		order.Request.Symbol,
		order.Request.Qty,
		string(order.Request.Side),
		string(order.Request.Type),
		nullFloat(order.Request.LimitPrice),
		nullFloat(order.Request.StopPrice),
		string(order.Request.TimeInForce),
		string(order.Status),
		order.FilledQty,
		nullAvg(order),
		nullString(order.RejectReason),
		order.CreatedAt.UnixMilli(),
		order.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", order.BrokerOrderID, err)
	}
	return nil
}

// GetOrder retrieves an order by broker order id.
func (s *SQLiteStore) GetOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		selectOrder+` WHERE broker_order_id = ?`, brokerOrderID)
	return scanOrder(row)
}

// GetOrderByClientID retrieves an order by client order id.
func (s *SQLiteStore) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		selectOrder+` WHERE client_order_id = ?`, clientOrderID)
	return scanOrder(row)
}

// ListOrders returns all orders with the given status, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		selectOrder+` WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// UpdateOrder persists lifecycle changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, order *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_fill_price = ?, reject_reason = ?, updated_at = ?
		WHERE broker_order_id = ?`,
		string(order.Status),
		order.FilledQty,
		nullAvg(order),
		nullString(order.RejectReason),
		order.UpdatedAt.UnixMilli(),
		order.BrokerOrderID,
	)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", order.BrokerOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Errf(domain.CodeNotFound, "order not found: %s", order.BrokerOrderID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row scanning
// ---------------------------------------------------------------------------

const selectOrder = `
	SELECT broker_order_id, client_order_id, symbol, qty, side, order_type,
	       limit_price, stop_price, time_in_force, status, filled_qty,
	       avg_fill_price, reject_reason, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o          domain.Order
		side       string
		orderType  string
		tif        string
		status     string
		limitPrice sql.NullFloat64
		stopPrice  sql.NullFloat64
		avgPrice   sql.NullFloat64
		reason     sql.NullString
		createdMs  int64
		updatedMs  int64
	)
	err := row.Scan(
		&o.BrokerOrderID,
		&o.Request.ClientOrderID,
		&o.Request.Symbol,
		&o.Request.Qty,
		&side,
		&orderType,
		&limitPrice,
		&stopPrice,
		&tif,
		&status,
		&o.FilledQty,
		&avgPrice,
		&reason,
		&createdMs,
		&updatedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errf(domain.CodeNotFound, "order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	o.Request.Side = domain.Side(side)
	o.Request.Type = domain.OrderType(orderType)
	o.Request.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	if limitPrice.Valid {
		o.Request.LimitPrice = domain.Float(limitPrice.Float64)
	}
	if stopPrice.Valid {
		o.Request.StopPrice = domain.Float(stopPrice.Float64)
	}
	if avgPrice.Valid {
		o.AvgFillPrice = avgPrice.Float64
	}
	o.RejectReason = reason.String
	o.CreatedAt = time.UnixMilli(createdMs)
	o.UpdatedAt = time.UnixMilli(updatedMs)
	return &o, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullAvg(o *domain.Order) sql.NullFloat64 {
	if o.FilledQty == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: o.AvgFillPrice, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
