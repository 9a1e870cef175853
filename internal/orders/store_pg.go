package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists orders in Postgres. Orders are never hard-deleted;
// SoftDelete stamps deleted_at and every read path except an explicit
// includeDeleted lookup filters on deleted_at IS NULL.
type PGStore struct{ DB *pgxpool.Pool }

func (s *PGStore) Create(ctx context.Context, o *Order) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, subtotal, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.UserID, string(o.Status), o.Subtotal, o.Total, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	for i, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, qty, unit_price, reserved_qty, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), o.ID, it.ProductID, it.Qty, it.UnitPrice, it.ReservedQty, i,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Update persists quantity and status changes. Unit prices and reserved
// quantities are immutable after creation, so only qty is written per item.
func (s *PGStore) Update(ctx context.Context, o *Order) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o.UpdatedAt = time.Now().UTC()
	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, subtotal=$3, total=$4, updated_at=$5
		WHERE id=$1 AND deleted_at IS NULL
	`, o.ID, string(o.Status), o.Subtotal, o.Total, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			UPDATE order_items SET qty=$3 WHERE order_id=$1 AND product_id=$2
		`, o.ID, it.ProductID, it.Qty); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PGStore) GetByID(ctx context.Context, id string, includeDeleted bool) (*Order, error) {
	q := `SELECT id, user_id, status, subtotal, total, created_at, updated_at, deleted_at
	      FROM orders WHERE id=$1`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}

	var o Order
	var status string
	err := s.DB.QueryRow(ctx, q, id).Scan(
		&o.ID, &o.UserID, &status, &o.Subtotal, &o.Total, &o.CreatedAt, &o.UpdatedAt, &o.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)

	if o.Items, err = s.loadItems(ctx, o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PGStore) FindActive(ctx context.Context, f ListFilter) ([]Order, error) {
	q := `SELECT id, user_id, status, subtotal, total, created_at, updated_at, deleted_at
	      FROM orders WHERE deleted_at IS NULL`
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		q += fmt.Sprintf(" AND user_id=$%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var status string
		if err := rows.Scan(&o.ID, &o.UserID, &status, &o.Subtotal, &o.Total,
			&o.CreatedAt, &o.UpdatedAt, &o.DeletedAt); err != nil {
			return nil, err
		}
		o.Status = Status(status)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Items, err = s.loadItems(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SoftDelete is idempotent: deleting an already-deleted order succeeds.
func (s *PGStore) SoftDelete(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE orders SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil // already deleted
}

func (s *PGStore) loadItems(ctx context.Context, orderID string) ([]LineItem, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT product_id, qty, unit_price, reserved_qty FROM order_items
		WHERE order_id=$1 ORDER BY position
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ProductID, &it.Qty, &it.UnitPrice, &it.ReservedQty); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
