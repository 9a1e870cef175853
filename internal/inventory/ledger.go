package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-engine/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Ledger owns every stock mutation. Reserve is a single conditional
// UPDATE so the check and the decrement cannot be split by a concurrent
// caller; two reservations racing for the last unit cannot both succeed.
type Ledger struct{ DB *pgxpool.Pool }

// Reserve atomically decrements stock by qty and returns the product's
// current unit price as the snapshot to embed in the order line.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) (decimal.Decimal, error) {
	if qty < 1 {
		return decimal.Zero, fmt.Errorf("qty must be >= 1: %w", orders.ErrValidation)
	}

	var price decimal.Decimal
	err := l.DB.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND active AND stock >= $2
		RETURNING price
	`, productID, qty).Scan(&price)
	if err == nil {
		return price, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, err
	}

	// No row matched: distinguish missing / inactive / short on stock.
	var stock int
	var active bool
	err = l.DB.QueryRow(ctx, `SELECT stock, active FROM products WHERE id=$1`, productID).
		Scan(&stock, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !active {
		return decimal.Zero, fmt.Errorf("product %s: %w", productID, orders.ErrProductInactive)
	}
	return decimal.Zero, &orders.InsufficientStockError{
		ProductID: productID, Available: stock, Requested: qty,
	}
}

// Release puts qty back. Used to unwind a reservation when a later line
// of the same order fails, and to restore stock on cancellation. The
// increment is atomic, so it is safe to race against concurrent reserves.
func (l *Ledger) Release(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("qty must be >= 1: %w", orders.ErrValidation)
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
	`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	return nil
}

// ListProducts is the read-only catalog view exposed by the API.
func (l *Ledger) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id, name, price, stock, active, created_at, updated_at
		FROM products ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
