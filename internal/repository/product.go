package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrProductNotFound = errors.New("product not found")
	// ErrStockConflict 条件更新影响 0 行：库存被并发 saga 抢占
	ErrStockConflict = errors.New("stock conflict")
)

// Product 商品库存视图（商品目录本身由 catalog 服务维护）
type Product struct {
	ProductID     int64  `json:"productId"`
	Name          string `json:"name"`
	PriceCents    int64  `json:"price"`
	StockQuantity int64  `json:"stockQuantity"`
	ReservedQty   int64  `json:"reservedQuantity"`
}

// ProductRepository 商品库存仓储
type ProductRepository struct {
	db *sql.DB
}

// NewProductRepository 创建仓储
func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

const productColumns = `product_id, name, price_cents, stock_quantity, reserved_quantity`

// GetProduct 读取商品（连接池）
func (r *ProductRepository) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM compareware.products
		WHERE product_id = $1
	`
	return scanProduct(r.db.QueryRowContext(ctx, query, productID))
}

// GetProductTx 在事务内读取商品（库存校验步骤）
func (r *ProductRepository) GetProductTx(ctx context.Context, tx *sql.Tx, productID int64) (*Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM compareware.products
		WHERE product_id = $1
	`
	return scanProduct(tx.QueryRowContext(ctx, query, productID))
}

// ReserveStock 原子预留库存。条件 UPDATE 是唯一的并发控制手段：
// WHERE stock_quantity >= quantity 失败（0 行）说明库存被并发事务抢走，
// 即使校验步骤刚刚通过。
func (r *ProductRepository) ReserveStock(ctx context.Context, tx *sql.Tx, productID, quantity int64) error {
	query := `
		UPDATE compareware.products
		SET stock_quantity = stock_quantity - $2,
		    reserved_quantity = reserved_quantity + $2
		WHERE product_id = $1 AND stock_quantity >= $2
	`
	res, err := tx.ExecContext(ctx, query, productID, quantity)
	if err != nil {
		return fmt.Errorf("reserve stock product=%d: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStockConflict
	}
	return nil
}

// ReleaseStock 归还预留库存（取消订单的补偿动作）
func (r *ProductRepository) ReleaseStock(ctx context.Context, tx *sql.Tx, productID, quantity int64) error {
	query := `
		UPDATE compareware.products
		SET stock_quantity = stock_quantity + $2,
		    reserved_quantity = reserved_quantity - $2
		WHERE product_id = $1 AND reserved_quantity >= $2
	`
	res, err := tx.ExecContext(ctx, query, productID, quantity)
	if err != nil {
		return fmt.Errorf("release stock product=%d: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStockConflict
	}
	return nil
}

func scanProduct(row rowScanner) (*Product, error) {
	var p Product
	err := row.Scan(&p.ProductID, &p.Name, &p.PriceCents, &p.StockQuantity, &p.ReservedQty)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}
