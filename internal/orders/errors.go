package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrProductInactive   = errors.New("product inactive")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InsufficientStockError reports a reservation that could not be applied.
// Available is the stock level observed at the moment the conditional
// decrement failed.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available=%d requested=%d",
		e.ProductID, e.Available, e.Requested)
}
