package store

import (
	"database/sql"
	"fmt"

	"execution_engine/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS order_history (
	ref_id      TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	exchange    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	direction   TEXT NOT NULL,
	price       TEXT NOT NULL,
	quantity    TEXT NOT NULL,
	filled      TEXT NOT NULL,
	avg_price   TEXT NOT NULL,
	status      TEXT NOT NULL,
	create_time TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_history_task ON order_history(task_id);
CREATE INDEX IF NOT EXISTS idx_order_history_strategy ON order_history(strategy_id);
`

// HistoryStore archives terminal orders to SQLite for later export and
// statistics queries
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the history database at path
func OpenHistory(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Record upserts a finished order into the archive
func (h *HistoryStore) Record(order *core.Order) error {
	_, err := h.db.Exec(`
		INSERT INTO order_history
			(ref_id, task_id, strategy_id, exchange, symbol, direction,
			 price, quantity, filled, avg_price, status, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ref_id) DO UPDATE SET
			filled = excluded.filled,
			avg_price = excluded.avg_price,
			status = excluded.status`,
		order.RefID, order.Notes.TaskID, order.Notes.StrategyID,
		order.Exchange, order.Symbol, string(order.Direction),
		order.Price.String(), order.Quantity.String(), order.Filled.String(),
		order.AvgPrice.String(), string(order.Status), order.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", order.RefID, err)
	}
	return nil
}

// ListByTask returns all archived orders for a task
func (h *HistoryStore) ListByTask(taskID string) ([]*core.Order, error) {
	rows, err := h.db.Query(`
		SELECT ref_id, task_id, strategy_id, exchange, symbol, direction,
		       price, quantity, filled, avg_price, status, create_time
		FROM order_history WHERE task_id = ? ORDER BY ref_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list orders for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		var o core.Order
		var direction, price, quantity, filled, avgPrice, status string
		if err := rows.Scan(&o.RefID, &o.Notes.TaskID, &o.Notes.StrategyID,
			&o.Exchange, &o.Symbol, &direction,
			&price, &quantity, &filled, &avgPrice, &status, &o.CreateTime); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		o.Direction = core.Direction(direction)
		o.Status = core.OrderStatus(status)
		if o.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price for %s: %w", o.RefID, err)
		}
		if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("parse quantity for %s: %w", o.RefID, err)
		}
		if o.Filled, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("parse filled for %s: %w", o.RefID, err)
		}
		if o.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
			return nil, fmt.Errorf("parse avg price for %s: %w", o.RefID, err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// Close releases the database handle
func (h *HistoryStore) Close() error {
	return h.db.Close()
}
