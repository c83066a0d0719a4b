package orders

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sokoby/checkout/internal/apperr"
	"github.com/sokoby/checkout/internal/catalog"
	"github.com/sokoby/checkout/internal/inventory"
	"github.com/sokoby/checkout/internal/pricing"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCheckout struct {
	mu      sync.Mutex
	err     error
	started []string
}

func (f *fakeCheckout) StartPayment(_ context.Context, o Order) (PaymentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return PaymentRef{}, f.err
	}
	f.started = append(f.started, o.ID)
	return PaymentRef{PaymentID: "pay-" + o.ID, SessionID: "cs_" + o.ID, RedirectURL: "https://pay.example/cs_" + o.ID}, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []kafkago.Message
}

func (p *recordingPublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
}

func (p *recordingPublisher) types(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		var env Envelope
		require.NoError(t, json.Unmarshal(m.Value, &env))
		out = append(out, env.EventType)
	}
	return out
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *recordingCache) Invalidate(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, id)
}

// flakyInventory lets IsAvailable pass but fails Reserve for one SKU, the way
// a concurrent order can take the stock between the check and the reservation.
type flakyInventory struct {
	*inventory.Ledger
	failSKU string
}

func (f flakyInventory) Reserve(ctx context.Context, ref, sku string, qty int) error {
	if sku == f.failSKU {
		return &apperr.StockError{SKU: sku, Requested: qty, Available: 0}
	}
	return f.Ledger.Reserve(ctx, ref, sku, qty)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *inventory.Ledger
	catalog  *catalog.Memory
	checkout *fakeCheckout
	placed   *recordingPublisher
	status   *recordingPublisher
	cache    *recordingCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    NewMemoryStore(),
		ledger:   inventory.NewLedger(inventory.NewMemoryStore(), zap.NewNop()),
		catalog:  catalog.NewMemory(),
		checkout: &fakeCheckout{},
		placed:   &recordingPublisher{},
		status:   &recordingPublisher{},
		cache:    &recordingCache{},
	}
	f.catalog.AddStore(catalog.Store{ID: "store-1", Name: "Shop", Currency: "USD"})
	f.catalog.AddCustomer("cust-1")
	f.catalog.AddSKU(catalog.SKU{Code: "A", StoreID: "store-1", ProductID: "p-a", PriceCents: 30, Active: true})
	f.catalog.AddSKU(catalog.SKU{Code: "B", StoreID: "store-1", VariantID: "v-b", PriceCents: 40, Active: true})
	f.catalog.AddSKU(catalog.SKU{Code: "OLD", StoreID: "store-1", ProductID: "p-old", PriceCents: 10, Active: false})
	f.catalog.AddDiscount("store-1", pricing.Discount{Code: "FIXED-20", Type: pricing.Fixed, Value: decimal.NewFromInt(20), Active: true})
	expired := testNow.Add(-time.Hour)
	f.catalog.AddDiscount("store-1", pricing.Discount{Code: "GONE", Type: pricing.Fixed, Value: decimal.NewFromInt(5), Active: true, EndsAt: &expired})

	require.NoError(t, f.ledger.SetStock(ctx, "A", "wh-1", 1, 5))
	require.NoError(t, f.ledger.SetStock(ctx, "B", "wh-1", 1, 5))

	f.svc = f.build(f.ledger)
	return f
}

func (f *fixture) build(inv Inventory) *Service {
	return NewService(Deps{
		Store:     f.store,
		Catalog:   f.catalog,
		Inventory: inv,
		Checkout:  f.checkout,
		Placed:    f.placed,
		Status:    f.status,
		Cache:     f.cache,
		Log:       zap.NewNop(),
		Producer:  "checkout-test",
		Clock:     func() time.Time { return testNow },
	})
}

func (f *fixture) available(t *testing.T, sku string) int {
	t.Helper()
	n, err := f.ledger.Available(context.Background(), sku)
	require.NoError(t, err)
	return n
}

func input(lines ...LineInput) PlaceInput {
	return PlaceInput{
		StoreID:    "store-1",
		CustomerID: "cust-1",
		ShippingAddress: Address{
			Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		Lines: lines,
	}
}

func TestPlaceReservesPricesAndOpensCheckout(t *testing.T) {
	f := newFixture(t)
	in := input(LineInput{SKU: "A", Quantity: 2}, LineInput{SKU: "B", Quantity: 1})
	in.DiscountCode = "FIXED-20"

	placed, err := f.svc.Place(context.Background(), in)

	require.NoError(t, err)
	o := placed.Order
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(100), o.Subtotal)
	assert.Equal(t, int64(20), o.DiscountAmount)
	assert.Equal(t, int64(80), o.TotalAmount)
	assert.Equal(t, "USD", o.Currency)
	assert.Equal(t, "FIXED-20", o.DiscountCode)
	assert.Equal(t, []Line{
		{SKU: "A", Quantity: 2, UnitPrice: 30, LineSubtotal: 60},
		{SKU: "B", Quantity: 1, UnitPrice: 40, LineSubtotal: 40},
	}, o.Lines)
	assert.Equal(t, "cs_"+o.ID, placed.Payment.SessionID)

	assert.Equal(t, 3, f.available(t, "A"))
	assert.Equal(t, 4, f.available(t, "B"))

	stored, err := f.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.NoError(t, pricing.VerifyTotals(stored.PricingLines(), stored.Totals()))

	assert.Equal(t, []string{EventOrderPlaced}, f.placed.types(t))
	assert.Contains(t, f.cache.invalidated, o.ID)
}

func TestPlaceValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PlaceInput)
		field  string
	}{
		{"no lines", func(in *PlaceInput) { in.Lines = nil }, "lines"},
		{"zero quantity", func(in *PlaceInput) { in.Lines[0].Quantity = 0 }, "lines[0].quantity"},
		{"duplicate sku", func(in *PlaceInput) { in.Lines = append(in.Lines, LineInput{SKU: "A", Quantity: 1}) }, "lines"},
		{"missing address", func(in *PlaceInput) { in.ShippingAddress = Address{} }, "shipping_address"},
		{"unknown store", func(in *PlaceInput) { in.StoreID = "store-9" }, "store_id"},
		{"unknown customer", func(in *PlaceInput) { in.CustomerID = "cust-9" }, "customer_id"},
		{"unknown sku", func(in *PlaceInput) { in.Lines[0].SKU = "ZZZ" }, "lines[0].sku"},
		{"inactive sku", func(in *PlaceInput) { in.Lines[0].SKU = "OLD" }, "lines[0].sku"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := input(LineInput{SKU: "A", Quantity: 1})
			tt.mutate(&in)

			_, err := f.svc.Place(context.Background(), in)

			require.ErrorIs(t, err, apperr.ErrValidation)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			var fields []string
			for _, fe := range ve.Fields {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
			assert.Equal(t, 5, f.available(t, "A"))
			assert.Empty(t, f.checkout.started)
		})
	}
}

func TestPlaceRejectsInvalidDiscount(t *testing.T) {
	for _, code := range []string{"GONE", "NOPE"} {
		t.Run(code, func(t *testing.T) {
			f := newFixture(t)
			in := input(LineInput{SKU: "A", Quantity: 1})
			in.DiscountCode = code

			_, err := f.svc.Place(context.Background(), in)

			require.ErrorIs(t, err, apperr.ErrInvalidDiscount)
			assert.Equal(t, 5, f.available(t, "A"))
		})
	}
}

func TestPlaceInsufficientStockNamesTheLine(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Place(context.Background(), input(
		LineInput{SKU: "A", Quantity: 1},
		LineInput{SKU: "B", Quantity: 6},
	))

	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
	var se *apperr.StockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Line)
	assert.Equal(t, "B", se.SKU)
	assert.Equal(t, 5, se.Available)
	assert.Equal(t, 5, f.available(t, "A"))
	assert.Equal(t, 5, f.available(t, "B"))
}

func TestPlaceRollsBackEarlierLinesWhenALaterReservationFails(t *testing.T) {
	f := newFixture(t)
	svc := f.build(flakyInventory{Ledger: f.ledger, failSKU: "B"})

	_, err := svc.Place(context.Background(), input(
		LineInput{SKU: "A", Quantity: 2},
		LineInput{SKU: "B", Quantity: 1},
	))

	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
	var se *apperr.StockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Line)
	assert.Equal(t, 5, f.available(t, "A"), "line 1 stock is back to its pre-place level")
	assert.Empty(t, f.checkout.started)
	assert.Empty(t, f.placed.types(t))
}

func TestPlaceGatewayFailureCancelsAndReleases(t *testing.T) {
	f := newFixture(t)
	f.checkout.err = fmtGatewayErr()

	_, err := f.svc.Place(context.Background(), input(LineInput{SKU: "A", Quantity: 3}))

	require.ErrorIs(t, err, apperr.ErrGateway)
	assert.Equal(t, 5, f.available(t, "A"))

	ids, err := f.store.ListStalePending(context.Background(), testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "no order is left pending")
	assert.Equal(t, []string{EventOrderCanceled}, f.status.types(t))
	assert.Empty(t, f.placed.types(t))
}

func fmtGatewayErr() error {
	return errors.Join(apperr.ErrGateway, errors.New("503 from gateway"))
}

func TestConcurrentOrdersForTheLastUnits(t *testing.T) {
	f := newFixture(t)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Place(context.Background(), input(LineInput{SKU: "A", Quantity: 3}))
		}(i)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, apperr.ErrInsufficientStock)
		failed++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, f.available(t, "A"))
}

func TestCancelReleasesStockAndIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	placed, err := f.svc.Place(ctx, input(LineInput{SKU: "A", Quantity: 2}, LineInput{SKU: "B", Quantity: 1}))
	require.NoError(t, err)

	o, err := f.svc.Cancel(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, o.Status)
	assert.Equal(t, 5, f.available(t, "A"))
	assert.Equal(t, 5, f.available(t, "B"))

	_, err = f.svc.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	for _, next := range []Status{StatusPending, StatusConfirmed, StatusShipped, StatusDelivered} {
		_, err = f.svc.UpdateStatus(ctx, o.ID, next)
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "CANCELED -> %s", next)
	}
	assert.Equal(t, 5, f.available(t, "A"))
}

func TestUpdateStatusFollowsTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	placed, err := f.svc.Place(ctx, input(LineInput{SKU: "A", Quantity: 1}))
	require.NoError(t, err)
	id := placed.Order.ID

	_, err = f.svc.UpdateStatus(ctx, id, StatusShipped)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.svc.UpdateStatus(ctx, id, Status("LOST"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, _, err = f.svc.ConfirmPaid(ctx, id)
	require.NoError(t, err)
	for _, next := range []Status{StatusShipped, StatusDelivered} {
		o, err := f.svc.UpdateStatus(ctx, id, next)
		require.NoError(t, err)
		assert.Equal(t, next, o.Status)
	}
	assert.Equal(t, 4, f.available(t, "A"), "shipping does not touch inventory")

	_, err = f.svc.UpdateStatus(ctx, id, StatusCanceled)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestUpdateStatusCannotConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	placed, err := f.svc.Place(ctx, input(LineInput{SKU: "A", Quantity: 3}))
	require.NoError(t, err)
	id := placed.Order.ID

	_, err = f.svc.UpdateStatus(ctx, id, StatusConfirmed)

	var te *apperr.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(StatusPending), te.From)
	assert.Equal(t, "confirmation follows payment", te.Reason)
	o, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Empty(t, f.status.types(t))

	_, changed, err := f.svc.CancelUnpaid(ctx, id, "payment failed")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 5, f.available(t, "A"))
}

func TestConfirmPaidIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	placed, err := f.svc.Place(ctx, input(LineInput{SKU: "A", Quantity: 1}))
	require.NoError(t, err)

	o, changed, err := f.svc.ConfirmPaid(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusConfirmed, o.Status)

	o, changed, err = f.svc.ConfirmPaid(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusConfirmed, o.Status)
	assert.Equal(t, []string{EventOrderConfirmed}, f.status.types(t))

	_, _, err = f.svc.CancelUnpaid(ctx, placed.Order.ID, "payment failed")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 4, f.available(t, "A"))
}

func TestCancelUnpaidIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	placed, err := f.svc.Place(ctx, input(LineInput{SKU: "A", Quantity: 3}))
	require.NoError(t, err)

	o, changed, err := f.svc.CancelUnpaid(ctx, placed.Order.ID, "card declined")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "card declined", o.CancelReason)
	assert.Equal(t, 5, f.available(t, "A"))

	_, changed, err = f.svc.CancelUnpaid(ctx, placed.Order.ID, "card declined")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 5, f.available(t, "A"))

	_, _, err = f.svc.ConfirmPaid(ctx, placed.Order.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestStalePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	placed, err := f.svc.Place(ctx, input(LineInput{SKU: "A", Quantity: 1}))
	require.NoError(t, err)

	ids, err := f.svc.StalePending(ctx, -time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{placed.Order.ID}, ids)

	ids, err = f.svc.StalePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
