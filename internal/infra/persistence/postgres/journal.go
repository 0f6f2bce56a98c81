package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/stablebot/internal/domain/schema"
)

// defaultListLimit bounds the recent-activity queries.
const defaultListLimit = 50

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Journal appends order lifecycle events and execution reports.
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal constructs a Journal backed by the provided pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// OrderEvent is one journaled order action as read back for inspection.
type OrderEvent struct {
	Event      string       `json:"event"`
	Order      schema.Order `json:"order"`
	RecordedAt time.Time    `json:"recordedAt"`
}

// Execution is one journaled execution report.
type Execution struct {
	Report     schema.ExecutionReport `json:"report"`
	RecordedAt time.Time              `json:"recordedAt"`
}

const (
	orderEventInsertSQL = `
INSERT INTO order_events (
    event,
    symbol,
    order_id,
    client_order_id,
    side,
    order_type,
    status,
    price,
    orig_qty,
    executed_qty,
    venue_updated_at
)
VALUES (
    @event,
    @symbol,
    @order_id,
    @client_order_id,
    @side,
    @order_type,
    @status,
    @price,
    @orig_qty,
    @executed_qty,
    @venue_updated_at
);
`

	executionInsertSQL = `
INSERT INTO executions (
    symbol,
    order_id,
    client_order_id,
    side,
    order_type,
    execution_type,
    status,
    price,
    quantity,
    last_filled_qty,
    last_filled_price,
    cumulative_qty,
    reject_reason,
    event_time,
    transaction_time
)
VALUES (
    @symbol,
    @order_id,
    @client_order_id,
    @side,
    @order_type,
    @execution_type,
    @status,
    @price,
    @quantity,
    @last_filled_qty,
    @last_filled_price,
    @cumulative_qty,
    @reject_reason,
    @event_time,
    @transaction_time
)
ON CONFLICT DO NOTHING;
`

	orderEventSelectSQL = `
SELECT
    event,
    symbol,
    order_id,
    client_order_id,
    side,
    order_type,
    status,
    price::text,
    orig_qty::text,
    executed_qty::text,
    venue_updated_at,
    recorded_at
FROM order_events
WHERE symbol = @symbol
ORDER BY recorded_at DESC, id DESC
LIMIT @limit;
`

	executionSelectSQL = `
SELECT
    symbol,
    order_id,
    client_order_id,
    side,
    order_type,
    execution_type,
    status,
    price::text,
    quantity::text,
    last_filled_qty::text,
    last_filled_price::text,
    cumulative_qty::text,
    reject_reason,
    event_time,
    transaction_time,
    recorded_at
FROM executions
WHERE symbol = @symbol
ORDER BY recorded_at DESC, id DESC
LIMIT @limit;
`
)

func (j *Journal) ensurePool() (*pgxpool.Pool, error) {
	if j == nil || j.pool == nil {
		return nil, fmt.Errorf("order journal: nil pool")
	}
	return j.pool, nil
}

// RecordOrder appends one order action such as "place" or "cancel".
func (j *Journal) RecordOrder(ctx context.Context, event string, order schema.Order) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	return recordOrderWith(ctx, pool, event, order)
}

// RecordExecution appends one execution report. Replays of the same report are ignored.
func (j *Journal) RecordExecution(ctx context.Context, report schema.ExecutionReport) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	return recordExecutionWith(ctx, pool, report)
}

func recordOrderWith(ctx context.Context, exec execer, event string, order schema.Order) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("order journal: event required")
	}
	if strings.TrimSpace(order.Symbol) == "" {
		return fmt.Errorf("order journal: symbol required")
	}
	price, err := numericFromDecimal(order.Price)
	if err != nil {
		return fmt.Errorf("order journal: price: %w", err)
	}
	origQty, err := numericFromDecimal(order.OrigQty)
	if err != nil {
		return fmt.Errorf("order journal: orig qty: %w", err)
	}
	executedQty, err := numericFromDecimal(order.ExecutedQty)
	if err != nil {
		return fmt.Errorf("order journal: executed qty: %w", err)
	}
	args := pgx.NamedArgs{
		"event":            event,
		"symbol":           order.Symbol,
		"order_id":         order.OrderID,
		"client_order_id":  order.ClientOrderID,
		"side":             string(order.Side),
		"order_type":       string(order.Type),
		"status":           string(order.Status),
		"price":            price,
		"orig_qty":         origQty,
		"executed_qty":     executedQty,
		"venue_updated_at": timestamptz(order.UpdatedAt),
	}
	if _, err := exec.Exec(ctx, orderEventInsertSQL, args); err != nil {
		return fmt.Errorf("order journal: insert order event: %w", err)
	}
	return nil
}

func recordExecutionWith(ctx context.Context, exec execer, report schema.ExecutionReport) error {
	if strings.TrimSpace(report.Symbol) == "" {
		return fmt.Errorf("order journal: symbol required")
	}
	numerics := make(map[string]pgtype.Numeric, 5)
	for name, value := range map[string]decimal.Decimal{
		"price":             report.Price,
		"quantity":          report.Quantity,
		"last_filled_qty":   report.LastFilledQty,
		"last_filled_price": report.LastFilledPrice,
		"cumulative_qty":    report.CumulativeQty,
	} {
		n, err := numericFromDecimal(value)
		if err != nil {
			return fmt.Errorf("order journal: %s: %w", name, err)
		}
		numerics[name] = n
	}
	args := pgx.NamedArgs{
		"symbol":            report.Symbol,
		"order_id":          report.OrderID,
		"client_order_id":   report.ClientOrderID,
		"side":              string(report.Side),
		"order_type":        string(report.Type),
		"execution_type":    report.ExecutionType,
		"status":            string(report.Status),
		"price":             numerics["price"],
		"quantity":          numerics["quantity"],
		"last_filled_qty":   numerics["last_filled_qty"],
		"last_filled_price": numerics["last_filled_price"],
		"cumulative_qty":    numerics["cumulative_qty"],
		"reject_reason":     report.RejectReason,
		"event_time":        timestamptz(report.EventTime),
		"transaction_time":  timestamptz(report.TransactionTime),
	}
	if _, err := exec.Exec(ctx, executionInsertSQL, args); err != nil {
		return fmt.Errorf("order journal: insert execution: %w", err)
	}
	return nil
}

// RecentOrders returns the latest order events for symbol, newest first.
func (j *Journal) RecentOrders(ctx context.Context, symbol string, limit int) ([]OrderEvent, error) {
	pool, err := j.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, orderEventSelectSQL, pgx.NamedArgs{"symbol": symbol, "limit": clampLimit(limit)})
	if err != nil {
		return nil, fmt.Errorf("order journal: query order events: %w", err)
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var (
			ev                          OrderEvent
			side, orderType, status     string
			price, origQty, executedQty string
			updatedAt                   pgtype.Timestamptz
		)
		if err := rows.Scan(&ev.Event, &ev.Order.Symbol, &ev.Order.OrderID, &ev.Order.ClientOrderID,
			&side, &orderType, &status, &price, &origQty, &executedQty, &updatedAt, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("order journal: scan order event: %w", err)
		}
		ev.Order.Side = schema.TradeSide(side)
		ev.Order.Type = schema.OrderType(orderType)
		ev.Order.Status = schema.OrderStatus(status)
		if updatedAt.Valid {
			ev.Order.UpdatedAt = updatedAt.Time
		}
		if ev.Order.Price, err = decimalFromText(price); err != nil {
			return nil, err
		}
		if ev.Order.OrigQty, err = decimalFromText(origQty); err != nil {
			return nil, err
		}
		if ev.Order.ExecutedQty, err = decimalFromText(executedQty); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order journal: iterate order events: %w", err)
	}
	return out, nil
}

// RecentExecutions returns the latest execution reports for symbol, newest first.
func (j *Journal) RecentExecutions(ctx context.Context, symbol string, limit int) ([]Execution, error) {
	pool, err := j.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, executionSelectSQL, pgx.NamedArgs{"symbol": symbol, "limit": clampLimit(limit)})
	if err != nil {
		return nil, fmt.Errorf("order journal: query executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			ex                         Execution
			side, orderType, status    string
			price, qty, lastQty        string
			lastPrice, cumQty          string
			eventTime, transactionTime pgtype.Timestamptz
		)
		r := &ex.Report
		if err := rows.Scan(&r.Symbol, &r.OrderID, &r.ClientOrderID, &side, &orderType, &r.ExecutionType,
			&status, &price, &qty, &lastQty, &lastPrice, &cumQty, &r.RejectReason,
			&eventTime, &transactionTime, &ex.RecordedAt); err != nil {
			return nil, fmt.Errorf("order journal: scan execution: %w", err)
		}
		r.Side = schema.TradeSide(side)
		r.Type = schema.OrderType(orderType)
		r.Status = schema.OrderStatus(status)
		if eventTime.Valid {
			r.EventTime = eventTime.Time
		}
		if transactionTime.Valid {
			r.TransactionTime = transactionTime.Time
		}
		for dst, src := range map[*decimal.Decimal]string{
			&r.Price:           price,
			&r.Quantity:        qty,
			&r.LastFilledQty:   lastQty,
			&r.LastFilledPrice: lastPrice,
			&r.CumulativeQty:   cumQty,
		} {
			if *dst, err = decimalFromText(src); err != nil {
				return nil, err
			}
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order journal: iterate executions: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
