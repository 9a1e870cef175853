package orders

import (
	"context"
	"fmt"
	"time"

	kafkax "github.com/ariefcatur/go-order-engine/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the only way stock is mutated. Reserve is an atomic
// check-and-decrement that returns the product's current price as the
// snapshot for the order line; Release is the compensating increment.
type Ledger interface {
	Reserve(ctx context.Context, productID string, qty int) (decimal.Decimal, error)
	Release(ctx context.Context, productID string, qty int) error
}

type Store interface {
	Create(ctx context.Context, o *Order) error
	Update(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string, includeDeleted bool) (*Order, error)
	FindActive(ctx context.Context, f ListFilter) ([]Order, error)
	SoftDelete(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type ItemInput struct {
	ProductID string
	Qty       int
}

type CreateInput struct {
	UserID string
	Items  []ItemInput
	Status Status // optional, defaults to pending
}

type AmendInput struct {
	OrderID string
	Items   []ItemInput // optional: quantity changes for existing lines
	Status  Status      // optional: transition to apply
}

// Builder orchestrates validation, per-line reservation with compensation,
// price snapshotting and persistence.
type Builder struct {
	Ledger   Ledger
	Store    Store
	Producer Publisher // optional
	Log      *zap.Logger
	Service  string
}

func (b *Builder) Create(ctx context.Context, in CreateInput) (*Order, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("user_id is required: %w", ErrValidation)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("items must not be empty: %w", ErrValidation)
	}
	for _, it := range in.Items {
		if it.ProductID == "" || it.Qty < 1 {
			return nil, fmt.Errorf("product_id and qty >= 1 are required per item: %w", ErrValidation)
		}
	}
	status := in.Status
	if status == "" {
		status = StatusPending
	}
	if status != StatusPending {
		return nil, fmt.Errorf("orders start as %s, got %q: %w", StatusPending, status, ErrValidation)
	}

	// Reserve strictly in input order. On the first failure the applied
	// prefix is released LIFO, so a failed creation leaves no stock change.
	applied := make([]LineItem, 0, len(in.Items))
	for _, it := range in.Items {
		price, err := b.Ledger.Reserve(ctx, it.ProductID, it.Qty)
		if err != nil {
			b.rollback(ctx, applied)
			return nil, err
		}
		applied = append(applied, LineItem{ProductID: it.ProductID, Qty: it.Qty, UnitPrice: price, ReservedQty: it.Qty})
	}

	t := ComputeTotals(applied)
	o := &Order{
		ID:       uuid.NewString(),
		UserID:   in.UserID,
		Items:    applied,
		Subtotal: t.Subtotal,
		Total:    t.Total,
		Status:   status,
	}
	if err := b.Store.Create(ctx, o); err != nil {
		b.rollback(ctx, applied)
		b.Log.Error("persist order",
			zap.String("order_id", o.ID),
			zap.String("user_id", in.UserID),
			zap.Error(err))
		return nil, fmt.Errorf("persist order: %w", err)
	}

	b.publish(EventOrderCreated, o.ID, OrderCreatedPayload{Order: *o})
	return o, nil
}

// Amend re-prices existing line items against their frozen snapshots and
// optionally applies a status transition. It never touches the catalog
// price and never reserves stock: unknown products are rejected rather
// than added.
func (b *Builder) Amend(ctx context.Context, in AmendInput) (*Order, error) {
	if in.OrderID == "" {
		return nil, fmt.Errorf("order_id is required: %w", ErrValidation)
	}
	if len(in.Items) == 0 && in.Status == "" {
		return nil, fmt.Errorf("nothing to amend: %w", ErrValidation)
	}

	o, err := b.Store.GetByID(ctx, in.OrderID, false)
	if err != nil {
		return nil, err
	}

	if len(in.Items) > 0 {
		if o.Status.Terminal() {
			return nil, fmt.Errorf("order %s is %s and cannot be amended: %w", o.ID, o.Status, ErrValidation)
		}
		byProduct := make(map[string]int, len(o.Items))
		for i, it := range o.Items {
			byProduct[it.ProductID] = i
		}
		for _, it := range in.Items {
			if it.Qty < 1 {
				return nil, fmt.Errorf("qty >= 1 is required for product %q: %w", it.ProductID, ErrValidation)
			}
			idx, ok := byProduct[it.ProductID]
			if !ok {
				return nil, fmt.Errorf("product %s is not part of order %s: %w", it.ProductID, o.ID, ErrNotFound)
			}
			o.Items[idx].Qty = it.Qty // UnitPrice stays frozen
		}
		t := ComputeTotals(o.Items)
		o.Subtotal = t.Subtotal
		o.Total = t.Total
	}

	// A supplied status always goes through the state machine, same as
	// Transition: there are no self-edges, so re-submitting the current
	// status is rejected rather than silently ignored.
	from := o.Status
	if in.Status != "" {
		if !in.Status.Valid() {
			return nil, fmt.Errorf("unknown status %q: %w", in.Status, ErrInvalidTransition)
		}
		if !CanTransition(o.Status, in.Status) {
			return nil, fmt.Errorf("%s -> %s: %w", o.Status, in.Status, ErrInvalidTransition)
		}
		o.Status = in.Status
	}

	if err := b.Store.Update(ctx, o); err != nil {
		b.Log.Error("persist amendment", zap.String("order_id", o.ID), zap.Error(err))
		return nil, fmt.Errorf("persist amendment: %w", err)
	}
	if from != StatusCancelled && o.Status == StatusCancelled {
		b.restock(ctx, o)
	}

	b.publish(EventOrderAmended, o.ID, OrderAmendedPayload{Order: *o})
	return o, nil
}

// Transition applies a pure status change. Transitioning into cancelled
// restores every line item's quantity to stock.
func (b *Builder) Transition(ctx context.Context, orderID string, to Status) (*Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order_id is required: %w", ErrValidation)
	}
	if !to.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", to, ErrInvalidTransition)
	}
	o, err := b.Store.GetByID(ctx, orderID, false)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", o.Status, to, ErrInvalidTransition)
	}

	from := o.Status
	o.Status = to
	if err := b.Store.Update(ctx, o); err != nil {
		b.Log.Error("persist transition",
			zap.String("order_id", o.ID),
			zap.String("to", string(to)),
			zap.Error(err))
		return nil, fmt.Errorf("persist transition: %w", err)
	}

	released := false
	if to == StatusCancelled {
		b.restock(ctx, o)
		released = true
	}

	b.publish(EventOrderStatusChanged, o.ID, OrderStatusChangedPayload{
		OrderID: o.ID, From: from, To: to, StockReleased: released,
	})
	return o, nil
}

func (b *Builder) Get(ctx context.Context, id string, includeDeleted bool) (*Order, error) {
	if id == "" {
		return nil, fmt.Errorf("order_id is required: %w", ErrValidation)
	}
	return b.Store.GetByID(ctx, id, includeDeleted)
}

func (b *Builder) List(ctx context.Context, f ListFilter) ([]Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", f.Status, ErrValidation)
	}
	return b.Store.FindActive(ctx, f)
}

// Delete soft-deletes; deleting an already-deleted order is a no-op success.
func (b *Builder) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("order_id is required: %w", ErrValidation)
	}
	if err := b.Store.SoftDelete(ctx, id); err != nil {
		return err
	}
	b.publish(EventOrderDeleted, id, OrderDeletedPayload{OrderID: id})
	return nil
}

// rollback releases the applied prefix of reservations in LIFO order.
// Release failures are logged, not surfaced: the original failure is the
// one the caller needs to see.
func (b *Builder) rollback(ctx context.Context, applied []LineItem) {
	for i := len(applied) - 1; i >= 0; i-- {
		it := applied[i]
		if err := b.Ledger.Release(ctx, it.ProductID, it.ReservedQty); err != nil {
			b.Log.Error("release reservation",
				zap.String("product_id", it.ProductID),
				zap.Int("qty", it.ReservedQty),
				zap.Error(err))
		}
	}
}

// restock returns what was actually reserved at creation. Qty may have
// been amended since and never moved stock, so releasing it would mint or
// leak units; ReservedQty is the exact amount the ledger still owes back.
func (b *Builder) restock(ctx context.Context, o *Order) {
	for _, it := range o.Items {
		if err := b.Ledger.Release(ctx, it.ProductID, it.ReservedQty); err != nil {
			b.Log.Error("restock on cancel",
				zap.String("order_id", o.ID),
				zap.String("product_id", it.ProductID),
				zap.Int("qty", it.ReservedQty),
				zap.Error(err))
		}
	}
}

func (b *Builder) publish(eventType, orderID string, payload any) {
	if b.Producer == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      b.Service,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	b.Producer.Publish(PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
