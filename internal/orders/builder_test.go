package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---- in-memory fakes ----

type fakeProduct struct {
	stock  int
	price  decimal.Decimal
	active bool
}

type fakeLedger struct {
	mu       sync.Mutex
	products map[string]*fakeProduct
}

func (l *fakeLedger) Reserve(ctx context.Context, id string, qty int) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if !p.active {
		return decimal.Zero, fmt.Errorf("product %s: %w", id, ErrProductInactive)
	}
	if p.stock < qty {
		return decimal.Zero, &InsufficientStockError{ProductID: id, Available: p.stock, Requested: qty}
	}
	p.stock -= qty
	return p.price, nil
}

func (l *fakeLedger) Release(ctx context.Context, id string, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[id]
	if !ok {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	p.stock += qty
	return nil
}

func (l *fakeLedger) stockOf(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.products[id].stock
}

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func newFakeStore() *fakeStore { return &fakeStore{orders: map[string]*Order{}} }

func cloneOrder(o *Order) *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	return &c
}

func (s *fakeStore) Create(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *fakeStore) Update(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.orders[o.ID]
	if !ok || existing.DeletedAt != nil {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string, includeDeleted bool) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || (o.DeletedAt != nil && !includeDeleted) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (s *fakeStore) FindActive(ctx context.Context, f ListFilter) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.DeletedAt != nil {
			continue
		}
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, *cloneOrder(o))
	}
	return out, nil
}

func (s *fakeStore) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if o.DeletedAt == nil {
		now := time.Now().UTC()
		o.DeletedAt = &now
	}
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *fakePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, value)
}

func (p *fakePublisher) envelopes(t *testing.T) []Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Envelope, 0, len(p.messages))
	for _, m := range p.messages {
		var env Envelope
		require.NoError(t, json.Unmarshal(m, &env))
		out = append(out, env)
	}
	return out
}

func newTestBuilder(products map[string]*fakeProduct) (*Builder, *fakeLedger, *fakeStore, *fakePublisher) {
	ledger := &fakeLedger{products: products}
	store := newFakeStore()
	pub := &fakePublisher{}
	b := &Builder{
		Ledger:   ledger,
		Store:    store,
		Producer: pub,
		Log:      zap.NewNop(),
		Service:  "order-engine-test",
	}
	return b, ledger, store, pub
}

func stockedProduct(stock int, price string) *fakeProduct {
	return &fakeProduct{stock: stock, price: decimal.RequireFromString(price), active: true}
}

// ---- creation ----

func TestCreateOrder(t *testing.T) {
	b, ledger, _, pub := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})

	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 3}},
	})
	require.NoError(t, err)

	assert.Equal(t, 7, ledger.stockOf("A"))
	assert.True(t, o.Subtotal.Equal(d("300.00")), "subtotal %s", o.Subtotal)
	assert.True(t, o.Total.Equal(d("348.00")), "total %s", o.Total)
	assert.Equal(t, StatusPending, o.Status)
	require.Len(t, o.Items, 1)
	assert.True(t, o.Items[0].UnitPrice.Equal(d("100.00")))
	assert.Equal(t, 3, o.Items[0].ReservedQty)

	got, err := b.Get(context.Background(), o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	envs := pub.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, EventOrderCreated, envs[0].EventType)
	assert.Equal(t, 1, envs[0].EventVersion)
	assert.Equal(t, o.ID, envs[0].CorrelationID)
	assert.Equal(t, "order-engine-test", envs[0].Producer)
	assert.NotEmpty(t, envs[0].EventID)
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	b, ledger, store, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(7, "100.00"),
	})

	_, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 10}},
	})

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 7, stockErr.Available)
	assert.Equal(t, 10, stockErr.Requested)
	assert.Equal(t, 7, ledger.stockOf("A"))
	assert.Empty(t, store.orders)
}

func TestCreateOrderRollsBackAppliedReservations(t *testing.T) {
	b, ledger, store, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
		"B": stockedProduct(1, "20.00"),
	})

	_, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items: []ItemInput{
			{ProductID: "A", Qty: 2},
			{ProductID: "B", Qty: 5}, // fails after A is reserved
		},
	})

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "B", stockErr.ProductID)
	assert.Equal(t, 10, ledger.stockOf("A"), "A must be restored")
	assert.Equal(t, 1, ledger.stockOf("B"))
	assert.Empty(t, store.orders, "no order persisted on partial failure")
}

func TestCreateOrderValidation(t *testing.T) {
	cases := []struct {
		name string
		in   CreateInput
	}{
		{"missing user", CreateInput{Items: []ItemInput{{ProductID: "A", Qty: 1}}}},
		{"empty items", CreateInput{UserID: "u1"}},
		{"zero qty", CreateInput{UserID: "u1", Items: []ItemInput{{ProductID: "A", Qty: 0}}}},
		{"negative qty", CreateInput{UserID: "u1", Items: []ItemInput{{ProductID: "A", Qty: -2}}}},
		{"missing product id", CreateInput{UserID: "u1", Items: []ItemInput{{Qty: 1}}}},
		{"non-pending initial status", CreateInput{UserID: "u1", Items: []ItemInput{{ProductID: "A", Qty: 1}}, Status: StatusCompleted}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, ledger, _, _ := newTestBuilder(map[string]*fakeProduct{
				"A": stockedProduct(10, "100.00"),
			})
			_, err := b.Create(context.Background(), c.in)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, 10, ledger.stockOf("A"), "validation must precede any mutation")
		})
	}
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{})
	_, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "ghost", Qty: 1}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateOrderInactiveProduct(t *testing.T) {
	b, ledger, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": {stock: 10, price: d("5.00"), active: false},
	})
	_, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 1}},
	})
	assert.ErrorIs(t, err, ErrProductInactive)
	assert.Equal(t, 10, ledger.stockOf("A"))
}

func TestConcurrentCreateLastUnit(t *testing.T) {
	b, ledger, store, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(1, "10.00"),
	})

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := b.Create(context.Background(), CreateInput{
				UserID: fmt.Sprintf("u%d", n),
				Items:  []ItemInput{{ProductID: "A", Qty: 1}},
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			var stockErr *InsufficientStockError
			assert.ErrorAs(t, err, &stockErr)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one reservation of the last unit may win")
	assert.Equal(t, 0, ledger.stockOf("A"))
	assert.Len(t, store.orders, 1)
}

// ---- amendment ----

func TestAmendRepricesAgainstFrozenSnapshot(t *testing.T) {
	b, ledger, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, 7, ledger.stockOf("A"))

	// catalog price moves; the amendment must not see it
	ledger.products["A"].price = d("999.99")

	amended, err := b.Amend(context.Background(), AmendInput{
		OrderID: o.ID,
		Items:   []ItemInput{{ProductID: "A", Qty: 5}},
	})
	require.NoError(t, err)

	assert.True(t, amended.Subtotal.Equal(d("500.00")), "subtotal %s", amended.Subtotal)
	assert.True(t, amended.Total.Equal(d("580.00")), "total %s", amended.Total)
	assert.True(t, amended.Items[0].UnitPrice.Equal(d("100.00")), "unit price must stay frozen")
	assert.Equal(t, 7, ledger.stockOf("A"), "amendment does not touch inventory")
}

func TestAmendUnknownLineItem(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 1}},
	})
	require.NoError(t, err)

	_, err = b.Amend(context.Background(), AmendInput{
		OrderID: o.ID,
		Items:   []ItemInput{{ProductID: "B", Qty: 2}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAmendMissingOrder(t *testing.T) {
	b, _, _, _ := newTestBuilder(nil)
	_, err := b.Amend(context.Background(), AmendInput{
		OrderID: "nope",
		Items:   []ItemInput{{ProductID: "A", Qty: 1}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAmendTerminalOrder(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 1}},
	})
	require.NoError(t, err)
	_, err = b.Transition(context.Background(), o.ID, StatusCancelled)
	require.NoError(t, err)

	_, err = b.Amend(context.Background(), AmendInput{
		OrderID: o.ID,
		Items:   []ItemInput{{ProductID: "A", Qty: 2}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAmendStatusOnly(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 1}},
	})
	require.NoError(t, err)

	amended, err := b.Amend(context.Background(), AmendInput{OrderID: o.ID, Status: StatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, amended.Status)

	_, err = b.Amend(context.Background(), AmendInput{OrderID: o.ID, Status: StatusPending})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSameStatusRejectedOnBothPaths(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 1}},
	})
	require.NoError(t, err)

	// no self-edges: re-submitting the current status fails the same way
	// whether it arrives via Amend or via Transition
	_, err = b.Amend(context.Background(), AmendInput{OrderID: o.ID, Status: StatusPending})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = b.Transition(context.Background(), o.ID, StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAmendNothing(t *testing.T) {
	b, _, _, _ := newTestBuilder(nil)
	_, err := b.Amend(context.Background(), AmendInput{OrderID: "x"})
	assert.ErrorIs(t, err, ErrValidation)
}

// ---- transitions ----

func TestTransitionLifecycle(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 1}},
	})
	require.NoError(t, err)

	_, err = b.Transition(context.Background(), o.ID, StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot jump to completed")

	got, err := b.Transition(context.Background(), o.ID, StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	got, err = b.Transition(context.Background(), o.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	_, err = b.Transition(context.Background(), o.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal")
}

func TestTransitionUnknownStatus(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 1}},
	})
	require.NoError(t, err)

	_, err = b.Transition(context.Background(), o.ID, Status("shipped"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelRestoresStock(t *testing.T) {
	b, ledger, _, pub := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, 7, ledger.stockOf("A"))

	got, err := b.Transition(context.Background(), o.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 10, ledger.stockOf("A"), "cancellation restores stock")

	// second cancel fails and must not release again
	_, err = b.Transition(context.Background(), o.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 10, ledger.stockOf("A"))

	envs := pub.envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, EventOrderStatusChanged, envs[1].EventType)
}

func TestCancelAfterAmendUpRestoresBaseline(t *testing.T) {
	b, ledger, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, 7, ledger.stockOf("A"))

	// amendment moves qty without moving stock
	_, err = b.Amend(context.Background(), AmendInput{
		OrderID: o.ID,
		Items:   []ItemInput{{ProductID: "A", Qty: 5}},
	})
	require.NoError(t, err)
	require.Equal(t, 7, ledger.stockOf("A"))

	_, err = b.Transition(context.Background(), o.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 10, ledger.stockOf("A"),
		"restock releases the reserved quantity, not the amended one")
}

func TestCancelAfterAmendDownRestoresBaseline(t *testing.T) {
	b, ledger, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 3}},
	})
	require.NoError(t, err)

	_, err = b.Amend(context.Background(), AmendInput{
		OrderID: o.ID,
		Items:   []ItemInput{{ProductID: "A", Qty: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, 7, ledger.stockOf("A"))

	_, err = b.Transition(context.Background(), o.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 10, ledger.stockOf("A"),
		"no reserved units may leak when qty was amended down")
}

func TestCancelViaAmendRestoresStock(t *testing.T) {
	b, ledger, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "100.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{
		UserID: "u1",
		Items:  []ItemInput{{ProductID: "A", Qty: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, 6, ledger.stockOf("A"))

	amended, err := b.Amend(context.Background(), AmendInput{OrderID: o.ID, Status: StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, amended.Status)
	assert.Equal(t, 10, ledger.stockOf("A"))
}

// ---- listing & soft delete ----

func TestListFilters(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(100, "10.00"),
	})
	o1, err := b.Create(context.Background(), CreateInput{UserID: "u1", Items: []ItemInput{{ProductID: "A", Qty: 1}}})
	require.NoError(t, err)
	_, err = b.Create(context.Background(), CreateInput{UserID: "u2", Items: []ItemInput{{ProductID: "A", Qty: 1}}})
	require.NoError(t, err)
	_, err = b.Transition(context.Background(), o1.ID, StatusProcessing)
	require.NoError(t, err)

	all, err := b.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byUser, err := b.List(context.Background(), ListFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, o1.ID, byUser[0].ID)

	byStatus, err := b.List(context.Background(), ListFilter{Status: StatusProcessing})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, o1.ID, byStatus[0].ID)

	_, err = b.List(context.Background(), ListFilter{Status: Status("shipped")})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSoftDelete(t *testing.T) {
	b, _, _, _ := newTestBuilder(map[string]*fakeProduct{
		"A": stockedProduct(10, "10.00"),
	})
	o, err := b.Create(context.Background(), CreateInput{UserID: "u1", Items: []ItemInput{{ProductID: "A", Qty: 1}}})
	require.NoError(t, err)

	require.NoError(t, b.Delete(context.Background(), o.ID))

	all, err := b.List(context.Background(), ListFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, all, "deleted orders are excluded from listings")

	_, err = b.Get(context.Background(), o.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := b.Get(context.Background(), o.ID, true)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)

	// idempotent: deleting again succeeds
	assert.NoError(t, b.Delete(context.Background(), o.ID))

	assert.ErrorIs(t, b.Delete(context.Background(), "missing"), ErrNotFound)
}
