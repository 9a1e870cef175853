package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LineItem is one (product, quantity, price) tuple inside an order.
// UnitPrice and ReservedQty are snapshotted when the order is created and
// never change afterwards: amendments touch Qty only, and restocking on
// cancellation releases ReservedQty — the amount actually decremented —
// not the possibly-amended Qty.
type LineItem struct {
	ProductID   string          `json:"product_id"`
	Qty         int             `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	ReservedQty int             `json:"reserved_qty"`
}

type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Items     []LineItem      `json:"items"` // entry order preserved for display
	Subtotal  decimal.Decimal `json:"subtotal"`
	Total     decimal.Decimal `json:"total"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// ListFilter narrows FindActive results. Zero values mean "no filter".
type ListFilter struct {
	UserID string
	Status Status
}
