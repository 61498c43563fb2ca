package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fairyhunter13/cart-stock-service/internal/model"
	"github.com/fairyhunter13/cart-stock-service/internal/obs"
	"github.com/fairyhunter13/cart-stock-service/internal/store"
)

type published struct {
	Event   string
	Key     string
	Payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(event, key string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{Event: event, Key: key, Payload: payload})
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

// flakyStore fails the named operations with errStore.
type flakyStore struct {
	store.Store
	failSaveCart bool
	failList     bool
}

var errStore = errors.New("connection refused")

func (f *flakyStore) SaveCartItem(ctx context.Context, it model.CartItem) (model.CartItem, error) {
	if f.failSaveCart {
		return model.CartItem{}, errStore
	}
	return f.Store.SaveCartItem(ctx, it)
}

func (f *flakyStore) IncrementCartItem(ctx context.Context, pid primitive.ObjectID, d int64) (model.CartItem, error) {
	if f.failSaveCart {
		return model.CartItem{}, errStore
	}
	return f.Store.IncrementCartItem(ctx, pid, d)
}

func (f *flakyStore) SetCartItemQuantity(ctx context.Context, id primitive.ObjectID, from, to int64) (model.CartItem, error) {
	if f.failSaveCart {
		return model.CartItem{}, errStore
	}
	return f.Store.SetCartItemQuantity(ctx, id, from, to)
}

func (f *flakyStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	if f.failList {
		return nil, errStore
	}
	return f.Store.ListProducts(ctx)
}

// interleavingStore runs before once, just ahead of the first line
// compare-and-set, so a competing write lands between read and write.
type interleavingStore struct {
	store.Store
	once   sync.Once
	before func()
}

func (s *interleavingStore) SetCartItemQuantity(ctx context.Context, id primitive.ObjectID, from, to int64) (model.CartItem, error) {
	s.once.Do(s.before)
	return s.Store.SetCartItemQuantity(ctx, id, from, to)
}

type fixture struct {
	st       *store.Memory
	pub      *recordingPublisher
	products *ProductService
	cart     *CartService
}

func newFixture(t *testing.T, legacy bool) *fixture {
	t.Helper()
	st := store.NewMemory()
	pub := &recordingPublisher{}
	opts := Options{Legacy: legacy, Metrics: obs.NewMetrics()}
	return &fixture{
		st:       st,
		pub:      pub,
		products: NewProductService(st, pub, opts),
		cart:     NewCartService(st, pub, opts),
	}
}

func (f *fixture) product(t *testing.T, name string, stock int64) model.Product {
	t.Helper()
	p, err := f.st.InsertProduct(context.Background(), model.Product{Name: name, Price: 10, Stock: stock})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return p
}

func (f *fixture) stock(t *testing.T, id primitive.ObjectID) int64 {
	t.Helper()
	p, err := f.st.GetProduct(context.Background(), id)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return p.Stock
}

func (f *fixture) lines(t *testing.T) []model.CartLine {
	t.Helper()
	lines, err := f.cart.ListCartItems(context.Background())
	if err != nil {
		t.Fatalf("list cart: %v", err)
	}
	return lines
}

func bothModes(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for _, legacy := range []bool{false, true} {
		name := "default"
		if legacy {
			name = "legacy"
		}
		t.Run(name, func(t *testing.T) { fn(t, newFixture(t, legacy)) })
	}
}

func TestListProductsReturnsEveryProductOnce(t *testing.T) {
	f := newFixture(t, false)
	a := f.product(t, "a", 1)
	b := f.product(t, "b", 2)
	first, err := f.products.ListProducts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	second, _ := f.products.ListProducts(context.Background())
	if len(first) != 2 || first[0].ID != a.ID || first[1].ID != b.ID {
		t.Fatalf("unexpected products: %+v", first)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("order must be stable across reads")
		}
	}
}

func TestListProductsStoreFailure(t *testing.T) {
	st := &flakyStore{Store: store.NewMemory(), failList: true}
	svc := NewProductService(st, &recordingPublisher{}, Options{})
	_, err := svc.ListProducts(context.Background())
	if !errors.Is(err, errStore) || KindOf(err) != 0 {
		t.Fatalf("expected wrapped store failure, got %v", err)
	}
}

func TestAddToCartOverStockRejected(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		p := f.product(t, "p", 3)
		_, err := f.cart.AddToCart(context.Background(), p.ID, 4)
		if KindOf(err) != KindInsufficientStock || err.Error() != MsgRequestExceedsStock {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
		if f.stock(t, p.ID) != 3 || len(f.lines(t)) != 0 || len(f.pub.all()) != 0 {
			t.Fatalf("rejected add must not change anything")
		}
	})
}

func TestAddToCartCreatesLine(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		p := f.product(t, "p", 10)
		res, err := f.cart.AddToCart(context.Background(), p.ID, 4)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if res.UpdatedStock != 6 || res.Item.Quantity != 4 || res.Item.Product != p.ID || res.Item.ID.IsZero() {
			t.Fatalf("unexpected result: %+v", res)
		}
		if f.stock(t, p.ID) != 6 {
			t.Fatalf("stock must drop by exactly 4")
		}
		lines := f.lines(t)
		if len(lines) != 1 || lines[0].Quantity != 4 || lines[0].Product.ID != p.ID {
			t.Fatalf("unexpected lines: %+v", lines)
		}
		evs := f.pub.all()
		if len(evs) != 1 || evs[0].Event != model.EventStockUpdated || evs[0].Key != p.ID.Hex() {
			t.Fatalf("unexpected events: %+v", evs)
		}
		if got := evs[0].Payload.(model.StockUpdated); got.UpdatedStock != 6 || got.ProductID != p.ID.Hex() {
			t.Fatalf("unexpected payload: %+v", got)
		}
	})
}

func TestAddToCartTwiceMerges(t *testing.T) {
	f := newFixture(t, false)
	p := f.product(t, "p", 5)
	ctx := context.Background()
	if _, err := f.cart.AddToCart(ctx, p.ID, 2); err != nil {
		t.Fatalf("first add: %v", err)
	}
	res, err := f.cart.AddToCart(ctx, p.ID, 3)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if res.Item.Quantity != 5 || res.UpdatedStock != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if lines := f.lines(t); len(lines) != 1 || lines[0].Quantity != 5 {
		t.Fatalf("expected one line of 5, got %+v", lines)
	}
}

func TestAddToCartOverflowOnMergeRejectedByDefault(t *testing.T) {
	f := newFixture(t, false)
	p := f.product(t, "p", 5)
	ctx := context.Background()
	_, _ = f.cart.AddToCart(ctx, p.ID, 4)
	_, err := f.cart.AddToCart(ctx, p.ID, 2)
	if KindOf(err) != KindInsufficientStock {
		t.Fatalf("expected rejection, got %v", err)
	}
	if f.stock(t, p.ID) != 1 || f.lines(t)[0].Quantity != 4 {
		t.Fatalf("rejected merge must not change stock or line")
	}
}

func TestLegacyAddToCartClampsAndDecrementsRequested(t *testing.T) {
	f := newFixture(t, true)
	p := f.product(t, "p", 10)
	ctx := context.Background()
	if _, err := f.cart.AddToCart(ctx, p.ID, 6); err != nil {
		t.Fatalf("first add: %v", err)
	}
	// stock is now 4; 6+3 > 4 so the line is silently clamped to 4 while
	// stock still drops by the requested 3.
	res, err := f.cart.AddToCart(ctx, p.ID, 3)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if res.Item.Quantity != 4 {
		t.Fatalf("expected clamped line of 4, got %d", res.Item.Quantity)
	}
	if res.UpdatedStock != 1 || f.stock(t, p.ID) != 1 {
		t.Fatalf("expected stock 1, got %d", f.stock(t, p.ID))
	}
}

func TestAddToCartUnknownProduct(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		_, err := f.cart.AddToCart(context.Background(), primitive.NewObjectID(), 1)
		if KindOf(err) != KindNotFound || err.Error() != MsgProductNotFound {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestAddToCartRejectsNonPositiveQuantity(t *testing.T) {
	f := newFixture(t, false)
	p := f.product(t, "p", 3)
	if _, err := f.cart.AddToCart(context.Background(), p.ID, 0); KindOf(err) != KindInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestAddToCartReleasesStockWhenLineWriteFails(t *testing.T) {
	mem := store.NewMemory()
	st := &flakyStore{Store: mem, failSaveCart: true}
	svc := NewCartService(st, &recordingPublisher{}, Options{})
	p, _ := mem.InsertProduct(context.Background(), model.Product{Name: "p", Stock: 5})
	_, err := svc.AddToCart(context.Background(), p.ID, 2)
	if !errors.Is(err, errStore) {
		t.Fatalf("expected store failure, got %v", err)
	}
	got, _ := mem.GetProduct(context.Background(), p.ID)
	if got.Stock != 5 {
		t.Fatalf("reserved stock must be released, got %d", got.Stock)
	}
}

func TestUpdateCartItemReleasesStockWhenLineWriteFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	p, _ := mem.InsertProduct(ctx, model.Product{Name: "p", Stock: 5})
	it, _ := mem.IncrementCartItem(ctx, p.ID, 1)
	svc := NewCartService(&flakyStore{Store: mem, failSaveCart: true}, &recordingPublisher{}, Options{})
	if _, err := svc.UpdateCartItem(ctx, it.ID, 3); !errors.Is(err, errStore) {
		t.Fatalf("expected store failure, got %v", err)
	}
	got, _ := mem.GetProduct(ctx, p.ID)
	if got.Stock != 5 {
		t.Fatalf("reserved stock must be released, got %d", got.Stock)
	}
}

func TestConcurrentAddToCartNeverOversells(t *testing.T) {
	f := newFixture(t, false)
	p := f.product(t, "hot", 25)
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.cart.AddToCart(context.Background(), p.ID, 1)
		}()
	}
	wg.Wait()
	lines := f.lines(t)
	if f.stock(t, p.ID) != 0 || len(lines) != 1 || lines[0].Quantity != 25 {
		t.Fatalf("stock=%d lines=%+v", f.stock(t, p.ID), lines)
	}
}

func TestUpdateCartItemOverStockRejected(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.product(t, "p", 5)
		res, _ := f.cart.AddToCart(ctx, p.ID, 1)
		_, err := f.cart.UpdateCartItem(ctx, res.Item.ID, 10)
		if KindOf(err) != KindInsufficientStock || err.Error() != MsgQuantityExceeds {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
		if lines := f.lines(t); lines[0].Quantity != 1 {
			t.Fatalf("line must be unchanged, got %d", lines[0].Quantity)
		}
		if f.stock(t, p.ID) != 4 {
			t.Fatalf("stock must be unchanged")
		}
	})
}

func TestUpdateCartItemAdjustsStockByDelta(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.product(t, "p", 10)
	res, _ := f.cart.AddToCart(ctx, p.ID, 2)

	line, err := f.cart.UpdateCartItem(ctx, res.Item.ID, 5)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if line.Quantity != 5 || line.Product.Stock != 5 || f.stock(t, p.ID) != 5 {
		t.Fatalf("grow: line=%+v stock=%d", line, f.stock(t, p.ID))
	}

	line, err = f.cart.UpdateCartItem(ctx, res.Item.ID, 1)
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if line.Quantity != 1 || f.stock(t, p.ID) != 9 {
		t.Fatalf("shrink: line=%+v stock=%d", line, f.stock(t, p.ID))
	}

	evs := f.pub.all()
	last := evs[len(evs)-1].Payload.(model.StockUpdated)
	if last.UpdatedStock != 9 {
		t.Fatalf("event must carry the new stock, got %d", last.UpdatedStock)
	}
}

func TestLegacyUpdateCartItemLeavesStock(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p := f.product(t, "p", 10)
	res, _ := f.cart.AddToCart(ctx, p.ID, 2)
	line, err := f.cart.UpdateCartItem(ctx, res.Item.ID, 7)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if line.Quantity != 7 || f.stock(t, p.ID) != 8 {
		t.Fatalf("legacy update must not touch stock: line=%+v stock=%d", line, f.stock(t, p.ID))
	}
	evs := f.pub.all()
	if got := evs[len(evs)-1].Payload.(model.StockUpdated); got.UpdatedStock != 8 {
		t.Fatalf("legacy event carries unchanged stock, got %d", got.UpdatedStock)
	}
}

func TestUpdateCartItemNotFound(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		_, err := f.cart.UpdateCartItem(context.Background(), primitive.NewObjectID(), 1)
		if KindOf(err) != KindNotFound || err.Error() != MsgCartItemNotFound {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestRemoveCartItem(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.product(t, "p", 3)
		res, _ := f.cart.AddToCart(ctx, p.ID, 1)
		if err := f.cart.RemoveCartItem(ctx, res.Item.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if len(f.lines(t)) != 0 {
			t.Fatalf("line must be gone")
		}
		evs := f.pub.all()
		last := evs[len(evs)-1]
		if last.Event != model.EventCartUpdated {
			t.Fatalf("expected cartUpdated, got %s", last.Event)
		}
		b, _ := json.Marshal(last.Payload)
		if string(b) != `{"message":"Cart item removed","cartItem":null}` {
			t.Fatalf("unexpected payload %s", b)
		}
		if err := f.cart.RemoveCartItem(ctx, res.Item.ID); KindOf(err) != KindNotFound {
			t.Fatalf("second remove must be not found, got %v", err)
		}
	})
}

func TestRemoveCartItemReturnsStock(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.product(t, "p", 5)
	res, _ := f.cart.AddToCart(ctx, p.ID, 3)
	if err := f.cart.RemoveCartItem(ctx, res.Item.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f.stock(t, p.ID) != 5 {
		t.Fatalf("removed units must go back to stock, got %d", f.stock(t, p.ID))
	}
	evs := f.pub.all()
	restocked := evs[len(evs)-2]
	if got, ok := restocked.Payload.(model.StockUpdated); !ok || got.UpdatedStock != 5 {
		t.Fatalf("expected stockUpdated with 5 before cartUpdated, got %+v", restocked)
	}
}

func TestLegacyRemoveCartItemKeepsStock(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p := f.product(t, "p", 5)
	res, _ := f.cart.AddToCart(ctx, p.ID, 3)
	if err := f.cart.RemoveCartItem(ctx, res.Item.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f.stock(t, p.ID) != 2 {
		t.Fatalf("legacy remove must not restock, got %d", f.stock(t, p.ID))
	}
}

func TestRemoveOrphanCartItem(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	it, _ := f.st.IncrementCartItem(ctx, primitive.NewObjectID(), 2)
	if err := f.cart.RemoveCartItem(ctx, it.ID); err != nil {
		t.Fatalf("removing a line whose product is gone must succeed, got %v", err)
	}
}

func TestUpdateCartItemSurvivesAddBetweenReadAndWrite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	wrapped := &interleavingStore{Store: mem}
	pub := &recordingPublisher{}
	cart := NewCartService(wrapped, pub, Options{Metrics: obs.NewMetrics()})

	p, _ := mem.InsertProduct(ctx, model.Product{Name: "p", Stock: 12})
	res, err := cart.AddToCart(ctx, p.ID, 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	wrapped.before = func() {
		if _, err := cart.AddToCart(ctx, p.ID, 4); err != nil {
			t.Errorf("interleaved add: %v", err)
		}
	}

	line, err := cart.UpdateCartItem(ctx, res.Item.ID, 3)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, _ := mem.GetProduct(ctx, p.ID)
	item, _ := mem.GetCartItem(ctx, res.Item.ID)
	if item.Quantity != 3 || line.Quantity != 3 {
		t.Fatalf("expected line of 3, got stored %d returned %d", item.Quantity, line.Quantity)
	}
	if stored.Stock+item.Quantity != 12 {
		t.Fatalf("units leaked: stock %d + line %d != 12", stored.Stock, item.Quantity)
	}
	evs := pub.all()
	if got := evs[len(evs)-1].Payload.(model.StockUpdated); got.UpdatedStock != stored.Stock {
		t.Fatalf("event stock %d differs from stored stock %d", got.UpdatedStock, stored.Stock)
	}
}

func TestConcurrentUpdatesConserveUnits(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.product(t, "p", 20)
	res, _ := f.cart.AddToCart(ctx, p.ID, 5)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(q int64) {
			defer wg.Done()
			_, _ = f.cart.UpdateCartItem(ctx, res.Item.ID, q)
		}(int64(i%6 + 1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.cart.AddToCart(ctx, p.ID, 1)
		}()
	}
	wg.Wait()

	lines := f.lines(t)
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	if got := f.stock(t, p.ID) + lines[0].Quantity; got != 20 {
		t.Fatalf("stock + line must stay 20, got %d", got)
	}
}

func TestCheckoutDecrementsAndPublishes(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		p1 := f.product(t, "p1", 5)
		p2 := f.product(t, "p2", 5)
		err := f.products.Checkout(context.Background(), []model.CheckoutItem{
			{ProductID: p1.ID.Hex(), Quantity: 2},
			{ProductID: p2.ID.Hex(), Quantity: 5},
		})
		if err != nil {
			t.Fatalf("checkout: %v", err)
		}
		if f.stock(t, p1.ID) != 3 || f.stock(t, p2.ID) != 0 {
			t.Fatalf("unexpected stock")
		}
		evs := f.pub.all()
		if len(evs) != 2 {
			t.Fatalf("expected one event per item, got %d", len(evs))
		}
		if got := evs[1].Payload.(model.CheckoutStockUpdated); got.ProductID != p2.ID.Hex() || got.NewStock != 0 {
			t.Fatalf("unexpected payload %+v", got)
		}
	})
}

func TestCheckoutIsNotAtomicAcrossItems(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		p1 := f.product(t, "p1", 10)
		p2 := f.product(t, "p2", 3)
		err := f.products.Checkout(context.Background(), []model.CheckoutItem{
			{ProductID: p1.ID.Hex(), Quantity: 2},
			{ProductID: p2.ID.Hex(), Quantity: 5},
		})
		if KindOf(err) != KindInsufficientStock || err.Error() != "Insufficient stock for p2" {
			t.Fatalf("expected failure naming p2, got %v", err)
		}
		if f.stock(t, p1.ID) != 8 {
			t.Fatalf("p1 stays decremented, got %d", f.stock(t, p1.ID))
		}
		if f.stock(t, p2.ID) != 3 {
			t.Fatalf("p2 must be untouched")
		}
		if len(f.pub.all()) != 1 {
			t.Fatalf("only the applied item publishes")
		}
	})
}

func TestCheckoutMissingProduct(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		missing := primitive.NewObjectID()
		err := f.products.Checkout(context.Background(), []model.CheckoutItem{{ProductID: missing.Hex(), Quantity: 1}})
		if KindOf(err) != KindNotFound || err.Error() != "Product not found: "+missing.Hex() {
			t.Fatalf("expected not found naming the id, got %v", err)
		}
	})
}

func TestCheckoutValidatesBeforeApplying(t *testing.T) {
	f := newFixture(t, false)
	p := f.product(t, "p", 5)
	cases := [][]model.CheckoutItem{
		nil,
		{{ProductID: p.ID.Hex(), Quantity: 1}, {Quantity: 1}},
		{{ProductID: p.ID.Hex(), Quantity: 1}, {ProductID: p.ID.Hex(), Quantity: 0}},
	}
	for i, items := range cases {
		if err := f.products.Checkout(context.Background(), items); KindOf(err) != KindInvalid {
			t.Fatalf("case %d: expected invalid, got %v", i, err)
		}
	}
	if f.stock(t, p.ID) != 5 {
		t.Fatalf("invalid requests must not mutate stock")
	}
}

func TestCheckoutMalformedIDAppliesEarlierItems(t *testing.T) {
	bothModes(t, func(t *testing.T, f *fixture) {
		p := f.product(t, "p", 5)
		err := f.products.Checkout(context.Background(), []model.CheckoutItem{
			{ProductID: p.ID.Hex(), Quantity: 2},
			{ProductID: "not-an-id", Quantity: 1},
		})
		if KindOf(err) != KindNotFound || err.Error() != "Product not found: not-an-id" {
			t.Fatalf("expected not found naming the raw id, got %v", err)
		}
		if f.stock(t, p.ID) != 3 {
			t.Fatalf("the first item stays applied, got stock %d", f.stock(t, p.ID))
		}
	})
}
