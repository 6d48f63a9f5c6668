// Package repository 订单域数据访问层
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order not cancellable")
)

// OrderStatus 订单状态
const (
	OrderPending    = "PENDING"
	OrderProcessing = "PROCESSING"
	OrderShipped    = "SHIPPED"
	OrderDelivered  = "DELIVERED"
	OrderCancelled  = "CANCELLED"
)

// Order 订单。金额为最小货币单位整数（分）。
type Order struct {
	OrderID            int64  `json:"orderId"`
	UserID             int64  `json:"userId"`
	TotalAmount        int64  `json:"totalAmount"`
	Status             string `json:"status"`
	ShippingAddress    string `json:"shippingAddress"`
	BillingAddress     string `json:"billingAddress"`
	PaymentMethod      string `json:"paymentMethod"`
	CancellationReason string `json:"cancellationReason,omitempty"`
	CancelledAtMs      int64  `json:"cancelledAt,omitempty"`
	CreateTimeMs       int64  `json:"createTime"`
	UpdateTimeMs       int64  `json:"updateTime"`
}

// OrderItem 订单明细
type OrderItem struct {
	OrderID   int64 `json:"orderId"`
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unitPrice"`
	Subtotal  int64 `json:"subtotal"`
}

// OrderRepository 订单仓储
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// InsertOrder 在事务内插入订单行
func (r *OrderRepository) InsertOrder(ctx context.Context, tx *sql.Tx, order *Order) error {
	query := `
		INSERT INTO compareware.orders
		(order_id, user_id, total_amount, status, shipping_address, billing_address,
		 payment_method, cancellation_reason, cancelled_at_ms, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.ExecContext(ctx, query,
		order.OrderID, order.UserID, order.TotalAmount, order.Status,
		order.ShippingAddress, order.BillingAddress, order.PaymentMethod,
		order.CancellationReason, order.CancelledAtMs,
		order.CreateTimeMs, order.UpdateTimeMs,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// InsertOrderItems 在事务内插入订单明细
func (r *OrderRepository) InsertOrderItems(ctx context.Context, tx *sql.Tx, items []*OrderItem) error {
	query := `
		INSERT INTO compareware.order_items
		(order_id, product_id, quantity, unit_price, subtotal)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal,
		); err != nil {
			return fmt.Errorf("insert order item product=%d: %w", item.ProductID, err)
		}
	}
	return nil
}

const orderColumns = `order_id, user_id, total_amount, status, shipping_address, billing_address,
		 payment_method, cancellation_reason, cancelled_at_ms, create_time_ms, update_time_ms`

// GetOrder 读取订单（连接池）
func (r *OrderRepository) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM compareware.orders
		WHERE order_id = $1
	`
	return scanOrder(r.db.QueryRowContext(ctx, query, orderID))
}

// GetOrderTx 在事务内读取订单（取消前的状态校验）
func (r *OrderRepository) GetOrderTx(ctx context.Context, tx *sql.Tx, orderID int64) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM compareware.orders
		WHERE order_id = $1
	`
	return scanOrder(tx.QueryRowContext(ctx, query, orderID))
}

// MarkCancelled 条件更新：仅 PENDING/PROCESSING 可取消，0 行即状态不允许
func (r *OrderRepository) MarkCancelled(ctx context.Context, tx *sql.Tx, orderID int64, reason string, nowMs int64) error {
	query := `
		UPDATE compareware.orders
		SET status = $2, cancellation_reason = $3, cancelled_at_ms = $4, update_time_ms = $4
		WHERE order_id = $1 AND status IN ($5, $6)
	`
	res, err := tx.ExecContext(ctx, query, orderID, OrderCancelled, reason, nowMs, OrderPending, OrderProcessing)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotCancellable
	}
	return nil
}

// ListOrderItems 读取订单明细（连接池）
func (r *OrderRepository) ListOrderItems(ctx context.Context, orderID int64) ([]*OrderItem, error) {
	return r.listItems(ctx, r.db.QueryContext, orderID)
}

// ListOrderItemsTx 在事务内读取订单明细（取消时释放库存）
func (r *OrderRepository) ListOrderItemsTx(ctx context.Context, tx *sql.Tx, orderID int64) ([]*OrderItem, error) {
	return r.listItems(ctx, tx.QueryContext, orderID)
}

type queryFunc func(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)

func (r *OrderRepository) listItems(ctx context.Context, query queryFunc, orderID int64) ([]*OrderItem, error) {
	rows, err := query(ctx, `
		SELECT order_id, product_id, quantity, unit_price, subtotal
		FROM compareware.order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []*OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.OrderID, &o.UserID, &o.TotalAmount, &o.Status,
		&o.ShippingAddress, &o.BillingAddress, &o.PaymentMethod,
		&o.CancellationReason, &o.CancelledAtMs, &o.CreateTimeMs, &o.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// CreateTableSQL 提供 orders / order_items 表结构（可用于初始化/迁移）
const CreateTableSQL = `
CREATE SCHEMA IF NOT EXISTS compareware;
CREATE TABLE IF NOT EXISTS compareware.orders (
  order_id BIGINT PRIMARY KEY,
  user_id BIGINT NOT NULL,
  total_amount BIGINT NOT NULL,
  status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
  shipping_address TEXT NOT NULL DEFAULT '',
  billing_address TEXT NOT NULL DEFAULT '',
  payment_method VARCHAR(32) NOT NULL DEFAULT '',
  cancellation_reason TEXT NOT NULL DEFAULT '',
  cancelled_at_ms BIGINT NOT NULL DEFAULT 0,
  create_time_ms BIGINT NOT NULL,
  update_time_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON compareware.orders(user_id, create_time_ms DESC);
CREATE TABLE IF NOT EXISTS compareware.order_items (
  order_id BIGINT NOT NULL REFERENCES compareware.orders(order_id),
  product_id BIGINT NOT NULL,
  quantity BIGINT NOT NULL,
  unit_price BIGINT NOT NULL,
  subtotal BIGINT NOT NULL,
  PRIMARY KEY (order_id, product_id)
);
`
