// Package journal persists intents, orders and fills to SQLite so the
// engine can recover in-flight state after a restart. Writes are
// journal-style: the tracker remains the in-memory source of truth and
// the journal is replayed only at startup.
package journal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/broker"
	"github.com/ycliu-tw/quantd/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal is a SQLite-backed execution journal.
type Journal struct {
	db *sql.DB
}

// Open creates or opens a journal at path. WAL mode keeps writers from
// blocking the recovery reads at startup.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	j := &Journal{db: db}
	if err := j.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Migrate creates the journal schema.
func (j *Journal) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			signal_id TEXT,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			target_quantity INTEGER NOT NULL,
			urgency INTEGER NOT NULL,
			price_limit TEXT NOT NULL DEFAULT '0',
			reference_price TEXT NOT NULL DEFAULT '0',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_symbol ON intents(symbol)`,

		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			client_order_id TEXT UNIQUE NOT NULL,
			intent_id TEXT,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			order_type INTEGER NOT NULL,
			limit_price TEXT NOT NULL DEFAULT '0',
			status INTEGER NOT NULL,
			reason TEXT,
			filled_quantity INTEGER NOT NULL DEFAULT 0,
			avg_fill_price TEXT NOT NULL DEFAULT '0',
			created_at DATETIME NOT NULL,
			submitted_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_intent ON orders(intent_id)`,

		`CREATE TABLE IF NOT EXISTS fills (
			order_id TEXT NOT NULL,
			cumulative_qty INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			price TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			PRIMARY KEY (order_id, cumulative_qty)
		)`,

		`CREATE TABLE IF NOT EXISTS orphan_fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT,
			client_order_id TEXT,
			symbol TEXT,
			status INTEGER NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 0,
			price TEXT NOT NULL DEFAULT '0',
			cumulative_qty INTEGER NOT NULL DEFAULT 0,
			timestamp DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// SaveIntent records an execution intent.
func (j *Journal) SaveIntent(ctx context.Context, intent types.ExecutionIntent) error {
	query := `INSERT OR REPLACE INTO intents
		(id, signal_id, symbol, side, target_quantity, urgency, price_limit, reference_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		intent.ID,
		intent.SignalID,
		intent.Symbol,
		intent.Side,
		intent.TargetQuantity,
		intent.Urgency,
		intent.PriceLimit.String(),
		intent.ReferencePrice.String(),
		intent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// SaveOrder upserts the current state of an order.
func (j *Journal) SaveOrder(ctx context.Context, order types.ExecutionOrder) error {
	query := `INSERT OR REPLACE INTO orders
		(order_id, client_order_id, intent_id, symbol, side, quantity, order_type, limit_price,
		 status, reason, filled_quantity, avg_fill_price, created_at, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var submittedAt any
	if !order.SubmittedAt.IsZero() {
		submittedAt = order.SubmittedAt
	}
	_, err := j.db.ExecContext(ctx, query,
		order.OrderID,
		order.ClientOrderID,
		order.ParentIntentID,
		order.Symbol,
		order.Side,
		order.Quantity,
		order.OrderType,
		order.LimitPrice.String(),
		order.Status,
		order.Reason,
		order.FilledQuantity,
		order.AvgFillPrice.String(),
		order.CreatedAt,
		submittedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// SaveFill records one fill. The (order_id, cumulative_qty) primary key
// makes redelivery a no-op; the returned bool reports whether the fill
// was new.
func (j *Journal) SaveFill(ctx context.Context, fill types.Fill) (bool, error) {
	query := `INSERT OR IGNORE INTO fills
		(order_id, cumulative_qty, symbol, side, quantity, price, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := j.db.ExecContext(ctx, query,
		fill.OrderID,
		fill.CumulativeQty,
		fill.Symbol,
		fill.Side,
		fill.Quantity,
		fill.Price.String(),
		fill.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SaveOrphan records an order event that matched no local order.
// Orphans are never dropped; they are the audit trail for manual
// reconciliation.
func (j *Journal) SaveOrphan(ctx context.Context, ev broker.OrderEvent) error {
	query := `INSERT INTO orphan_fills
		(order_id, client_order_id, symbol, status, quantity, price, cumulative_qty, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var qty, cum int
	price := decimal.Zero
	if ev.Fill != nil {
		qty = ev.Fill.Quantity
		cum = ev.Fill.CumulativeQty
		price = ev.Fill.Price
	}
	_, err := j.db.ExecContext(ctx, query,
		ev.OrderID,
		ev.ClientOrderID,
		ev.Symbol,
		ev.Status,
		qty,
		price.String(),
		cum,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert orphan: %w", err)
	}
	return nil
}

// OpenOrders returns every journaled order not yet terminal, for the
// startup recovery pass.
func (j *Journal) OpenOrders(ctx context.Context) ([]types.ExecutionOrder, error) {
	query := `SELECT order_id, client_order_id, intent_id, symbol, side, quantity, order_type,
		limit_price, status, reason, filled_quantity, avg_fill_price, created_at, submitted_at, updated_at
		FROM orders WHERE status NOT IN (?, ?, ?)`

	rows, err := j.db.QueryContext(ctx, query,
		types.OrderStatusFilled, types.OrderStatusCancelled, types.OrderStatusRejected)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []types.ExecutionOrder
	for rows.Next() {
		var o types.ExecutionOrder
		var limitPrice, avgFillPrice string
		var reason sql.NullString
		var submittedAt, updatedAt sql.NullTime

		if err := rows.Scan(&o.OrderID, &o.ClientOrderID, &o.ParentIntentID, &o.Symbol, &o.Side,
			&o.Quantity, &o.OrderType, &limitPrice, &o.Status, &reason,
			&o.FilledQuantity, &avgFillPrice, &o.CreatedAt, &submittedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		o.LimitPrice, _ = decimal.NewFromString(limitPrice)
		o.AvgFillPrice, _ = decimal.NewFromString(avgFillPrice)
		o.Reason = reason.String
		if submittedAt.Valid {
			o.SubmittedAt = submittedAt.Time
		}
		if updatedAt.Valid {
			o.UpdatedAt = updatedAt.Time
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Intent returns one journaled intent.
func (j *Journal) Intent(ctx context.Context, id string) (*types.ExecutionIntent, error) {
	query := `SELECT id, signal_id, symbol, side, target_quantity, urgency, price_limit, reference_price, created_at
		FROM intents WHERE id = ?`

	var intent types.ExecutionIntent
	var priceLimit, refPrice string
	err := j.db.QueryRowContext(ctx, query, id).Scan(
		&intent.ID,
		&intent.SignalID,
		&intent.Symbol,
		&intent.Side,
		&intent.TargetQuantity,
		&intent.Urgency,
		&priceLimit,
		&refPrice,
		&intent.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query intent: %w", err)
	}

	intent.PriceLimit, _ = decimal.NewFromString(priceLimit)
	intent.ReferencePrice, _ = decimal.NewFromString(refPrice)
	return &intent, nil
}

// FillsForOrder returns the journaled fills of one order, in cumulative
// order.
func (j *Journal) FillsForOrder(ctx context.Context, orderID string) ([]types.Fill, error) {
	query := `SELECT order_id, cumulative_qty, symbol, side, quantity, price, timestamp
		FROM fills WHERE order_id = ? ORDER BY cumulative_qty`

	rows, err := j.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fills []types.Fill
	for rows.Next() {
		var f types.Fill
		var price string
		if err := rows.Scan(&f.OrderID, &f.CumulativeQty, &f.Symbol, &f.Side, &f.Quantity, &price, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		f.Price, _ = decimal.NewFromString(price)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// OrphanCount returns the number of journaled orphan events.
func (j *Journal) OrphanCount(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orphan_fills`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orphans: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
