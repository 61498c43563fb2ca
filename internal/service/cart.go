package service

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fairyhunter13/cart-stock-service/internal/model"
	"github.com/fairyhunter13/cart-stock-service/internal/obs"
	"github.com/fairyhunter13/cart-stock-service/internal/store"
)

// CartService manages the single cart shared by every client.
type CartService struct {
	store store.Store
	pub   Publisher
	opts  Options
}

// NewCartService wires a CartService.
func NewCartService(st store.Store, pub Publisher, opts Options) *CartService {
	return &CartService{store: st, pub: pub, opts: opts}
}

// AddResult is what AddToCart reports back.
type AddResult struct {
	Item         model.CartItem
	UpdatedStock int64
}

// ListCartItems returns every line joined with its product.
func (s *CartService) ListCartItems(ctx context.Context) ([]model.CartLine, error) {
	lines, err := s.store.ListCartLines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	return lines, nil
}

// AddToCart reserves quantity units of the product and merges them into the
// product's cart line, creating it if needed.
func (s *CartService) AddToCart(ctx context.Context, productID primitive.ObjectID, quantity int64) (AddResult, error) {
	if quantity < 1 {
		return AddResult{}, invalid("quantity must be at least 1")
	}
	p, err := s.loadProduct(ctx, productID)
	if err != nil {
		return AddResult{}, err
	}
	if quantity > p.Stock {
		s.rejected("add_to_cart")
		return AddResult{}, insufficient(MsgRequestExceedsStock)
	}

	var res AddResult
	if s.opts.Legacy {
		res, err = s.addLegacy(ctx, p, quantity)
	} else {
		res, err = s.add(ctx, p, quantity)
	}
	if err != nil {
		return AddResult{}, err
	}

	s.pub.Publish(model.EventStockUpdated, p.ID.Hex(), model.StockUpdated{
		ProductID:    p.ID.Hex(),
		UpdatedStock: res.UpdatedStock,
	})
	obs.Logger.Info("cart_item_added",
		"product_id", p.ID.Hex(),
		"cart_item_id", res.Item.ID.Hex(),
		"quantity", quantity,
		"line_quantity", res.Item.Quantity,
		"stock", res.UpdatedStock,
	)
	return res, nil
}

// add reserves stock with a conditional decrement first, so a rejected
// request leaves both stock and cart untouched, then bumps the line.
func (s *CartService) add(ctx context.Context, p model.Product, quantity int64) (AddResult, error) {
	updated, err := s.store.AdjustStock(ctx, p.ID, -quantity)
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		s.rejected("add_to_cart")
		return AddResult{}, insufficient(MsgRequestExceedsStock)
	case errors.Is(err, store.ErrNotFound):
		return AddResult{}, notFound(MsgProductNotFound)
	case err != nil:
		return AddResult{}, fmt.Errorf("add to cart: reserve stock: %w", err)
	}
	item, err := s.store.IncrementCartItem(ctx, p.ID, quantity)
	if err != nil {
		s.release(ctx, p.ID, quantity)
		return AddResult{}, fmt.Errorf("add to cart: save line: %w", err)
	}
	return AddResult{Item: item, UpdatedStock: updated.Stock}, nil
}

// addLegacy merges with a silent clamp to the product's stock and then
// decrements stock by the requested quantity, whatever the clamp did.
func (s *CartService) addLegacy(ctx context.Context, p model.Product, quantity int64) (AddResult, error) {
	item, err := s.store.FindCartItemByProduct(ctx, p.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		item = model.CartItem{Product: p.ID, Quantity: quantity}
	case err != nil:
		return AddResult{}, fmt.Errorf("add to cart: find line: %w", err)
	default:
		item.Quantity += quantity
		if item.Quantity > p.Stock {
			item.Quantity = p.Stock
		}
	}
	if item, err = s.store.SaveCartItem(ctx, item); err != nil {
		return AddResult{}, fmt.Errorf("add to cart: save line: %w", err)
	}
	p.Stock -= quantity
	if err := s.store.SaveProduct(ctx, p); err != nil {
		return AddResult{}, fmt.Errorf("add to cart: save product: %w", err)
	}
	return AddResult{Item: item, UpdatedStock: p.Stock}, nil
}

// maxUpdateAttempts bounds retries of an update that keeps losing the
// compare-and-set on the line to concurrent writers.
const maxUpdateAttempts = 5

// UpdateCartItem sets the line's quantity and returns it joined with its
// product.
func (s *CartService) UpdateCartItem(ctx context.Context, id primitive.ObjectID, quantity int64) (model.CartLine, error) {
	if quantity < 1 {
		return model.CartLine{}, invalid("quantity must be at least 1")
	}
	item, err := s.loadItem(ctx, id)
	if err != nil {
		return model.CartLine{}, err
	}
	if s.opts.Legacy {
		return s.updateLegacy(ctx, item, quantity)
	}
	for attempt := 1; ; attempt++ {
		line, err := s.update(ctx, item, quantity)
		if !errors.Is(err, store.ErrConflict) {
			return line, err
		}
		if attempt == maxUpdateAttempts {
			return model.CartLine{}, fmt.Errorf("update cart item %s: %w", id.Hex(), err)
		}
		obs.Logger.Debug("cart_item_update_retry", "cart_item_id", id.Hex(), "attempt", attempt)
		if item, err = s.loadItem(ctx, id); err != nil {
			return model.CartLine{}, err
		}
	}
}

// update reserves the difference between quantity and the line as read,
// then writes the line only if it still holds the quantity that was read.
// On a lost race the reservation is released and store.ErrConflict is
// returned unwrapped.
func (s *CartService) update(ctx context.Context, item model.CartItem, quantity int64) (model.CartLine, error) {
	p, err := s.loadProduct(ctx, item.Product)
	if err != nil {
		return model.CartLine{}, err
	}
	delta := quantity - item.Quantity
	if delta > p.Stock {
		s.rejected("update_cart_item")
		return model.CartLine{}, insufficient(MsgQuantityExceeds)
	}
	if delta != 0 {
		if p, err = s.reserve(ctx, p, delta); err != nil {
			return model.CartLine{}, err
		}
	}
	saved, err := s.store.SetCartItemQuantity(ctx, item.ID, item.Quantity, quantity)
	if err != nil {
		if delta != 0 {
			s.release(ctx, p.ID, delta)
		}
		switch {
		case errors.Is(err, store.ErrConflict):
			return model.CartLine{}, store.ErrConflict
		case errors.Is(err, store.ErrNotFound):
			return model.CartLine{}, notFound(MsgCartItemNotFound)
		}
		return model.CartLine{}, fmt.Errorf("update cart item: save line: %w", err)
	}
	return s.updated(saved, p), nil
}

// updateLegacy checks the absolute quantity against stock and overwrites
// the line without touching stock.
func (s *CartService) updateLegacy(ctx context.Context, item model.CartItem, quantity int64) (model.CartLine, error) {
	p, err := s.loadProduct(ctx, item.Product)
	if err != nil {
		return model.CartLine{}, err
	}
	if quantity > p.Stock {
		s.rejected("update_cart_item")
		return model.CartLine{}, insufficient(MsgQuantityExceeds)
	}
	item.Quantity = quantity
	if item, err = s.store.SaveCartItem(ctx, item); err != nil {
		return model.CartLine{}, fmt.Errorf("update cart item: save line: %w", err)
	}
	return s.updated(item, p), nil
}

func (s *CartService) updated(item model.CartItem, p model.Product) model.CartLine {
	s.pub.Publish(model.EventStockUpdated, p.ID.Hex(), model.StockUpdated{
		ProductID:    p.ID.Hex(),
		UpdatedStock: p.Stock,
	})
	obs.Logger.Info("cart_item_updated", "cart_item_id", item.ID.Hex(), "product_id", p.ID.Hex(), "quantity", item.Quantity, "stock", p.Stock)
	return model.CartLine{ID: item.ID, Product: &p, Quantity: item.Quantity}
}

// reserve takes delta units from stock (a negative delta gives them back).
func (s *CartService) reserve(ctx context.Context, p model.Product, delta int64) (model.Product, error) {
	updated, err := s.store.AdjustStock(ctx, p.ID, -delta)
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		s.rejected("update_cart_item")
		return p, insufficient(MsgQuantityExceeds)
	case errors.Is(err, store.ErrNotFound):
		return p, notFound(MsgProductNotFound)
	case err != nil:
		return p, fmt.Errorf("update cart item: adjust stock: %w", err)
	}
	return updated, nil
}

// release returns units taken by a reservation whose follow-up write failed.
func (s *CartService) release(ctx context.Context, productID primitive.ObjectID, quantity int64) {
	if _, err := s.store.AdjustStock(ctx, productID, quantity); err != nil {
		obs.Logger.Error("stock_release_failed", "product_id", productID.Hex(), "quantity", quantity, "error", err)
	}
}

// RemoveCartItem deletes the line. Outside legacy mode its units go back
// to the product's stock.
func (s *CartService) RemoveCartItem(ctx context.Context, id primitive.ObjectID) error {
	item, err := s.store.DeleteCartItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(MsgCartItemNotFound)
	}
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	if !s.opts.Legacy {
		s.restock(ctx, item)
	}
	s.pub.Publish(model.EventCartUpdated, "cart", model.CartUpdated{Message: MsgCartItemRemoved})
	obs.Logger.Info("cart_item_removed", "cart_item_id", id.Hex(), "quantity", item.Quantity)
	return nil
}

// restock returns a removed line's units to its product and broadcasts the
// new stock. Lines whose product is gone have nothing to return.
func (s *CartService) restock(ctx context.Context, item model.CartItem) {
	p, err := s.store.AdjustStock(ctx, item.Product, item.Quantity)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return
	case err != nil:
		obs.Logger.Error("stock_release_failed", "product_id", item.Product.Hex(), "quantity", item.Quantity, "error", err)
		return
	}
	s.pub.Publish(model.EventStockUpdated, p.ID.Hex(), model.StockUpdated{
		ProductID:    p.ID.Hex(),
		UpdatedStock: p.Stock,
	})
}

func (s *CartService) loadProduct(ctx context.Context, id primitive.ObjectID) (model.Product, error) {
	p, err := s.store.GetProduct(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Product{}, notFound(MsgProductNotFound)
	}
	if err != nil {
		return model.Product{}, fmt.Errorf("load product %s: %w", id.Hex(), err)
	}
	return p, nil
}

func (s *CartService) loadItem(ctx context.Context, id primitive.ObjectID) (model.CartItem, error) {
	it, err := s.store.GetCartItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.CartItem{}, notFound(MsgCartItemNotFound)
	}
	if err != nil {
		return model.CartItem{}, fmt.Errorf("load cart item %s: %w", id.Hex(), err)
	}
	return it, nil
}

func (s *CartService) rejected(op string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.StockRejections.WithLabelValues(op).Inc()
	}
}
